package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupCLI writes a config file whose storage root is a fresh temp dir.
func setupCLI(t *testing.T) (configPath, root string) {
	t.Helper()

	root = t.TempDir()
	configPath = filepath.Join(root, "mnemo.json")
	data, err := json.Marshal(map[string]interface{}{
		"storage_root": root,
		"logging": map[string]interface{}{
			"level":   "error",
			"console": false,
		},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configPath, data, 0644))
	return configPath, root
}

// runCLI executes a fresh command tree and returns stdout.
func runCLI(t *testing.T, configPath, stdin string, args ...string) (string, error) {
	t.Helper()

	cmd, a := newRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", configPath}, args...))

	err := cmd.Execute()
	require.NoError(t, a.close())
	return out.String(), err
}

func mustRunCLI(t *testing.T, configPath string, args ...string) string {
	t.Helper()
	out, err := runCLI(t, configPath, "", args...)
	require.NoError(t, err, "mnemo %s", strings.Join(args, " "))
	return out
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		cmd := NewRootCmd()
		cmd.SetArgs([]string{"--version"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		assert.Contains(t, output.String(), "mnemo version")
		assert.Contains(t, output.String(), GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		cmd := NewRootCmd()
		cmd.SetArgs([]string{"--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		helpText := output.String()
		assert.Contains(t, helpText, "mnemo")
		assert.Contains(t, helpText, "hybrid keyword and vector")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := NewRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "", logLevelFlag.DefValue)

		outputFlag := cmd.PersistentFlags().Lookup("output")
		require.NotNil(t, outputFlag)
		assert.Equal(t, "text", outputFlag.DefValue)

		assert.NotNil(t, cmd.PersistentFlags().Lookup("project"))
	})

	t.Run("subcommands", func(t *testing.T) {
		cmd := NewRootCmd()
		names := make(map[string]bool)
		for _, c := range cmd.Commands() {
			names[c.Name()] = true
		}
		for _, want := range []string{"project", "ingest", "sync", "search", "glossary", "faq", "rules", "spec", "migrate", "configure"} {
			assert.True(t, names[want], "%s command should exist", want)
		}
	})
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}

func TestUnknownOutputFormat(t *testing.T) {
	configPath, _ := setupCLI(t)

	_, err := runCLI(t, configPath, "", "project", "list", "-o", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatDuration(tt.duration)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "never", formatTime(nil))

	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.Local)
	assert.Equal(t, "2024-06-01 12:00:00", formatTime(&ts))
}
