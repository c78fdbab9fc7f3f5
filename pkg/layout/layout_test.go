package layout

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager(t *testing.T) {
	t.Run("creates root and projects dir", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "store")

		m, err := NewManager(root)
		require.NoError(t, err)
		assert.Equal(t, root, m.Root())

		info, err := os.Stat(filepath.Join(root, "projects"))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("empty root", func(t *testing.T) {
		_, err := NewManager("")
		assert.Error(t, err)
	})

	t.Run("root is a file", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(root, []byte("x"), 0644))

		_, err := NewManager(root)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrStorageIO))
	})
}

func TestEnsureProjectStructure(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	path, err := m.EnsureProjectStructure("ACME")
	require.NoError(t, err)
	assert.Equal(t, m.ProjectPath("ACME"), path)

	for _, dir := range []string{m.KnowledgePath("ACME"), m.SpecsPath("ACME")} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	for _, source := range CanonicalSources() {
		info, err := os.Stat(m.SourcePath("ACME", source))
		require.NoError(t, err)
		assert.True(t, info.IsDir(), source)
	}

	// Idempotent
	_, err = m.EnsureProjectStructure("ACME")
	require.NoError(t, err)

	exists, err := m.ProjectExists("ACME")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestEnsureProjectStructure_Unwritable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}

	root := t.TempDir()
	m, err := NewManager(root)
	require.NoError(t, err)

	projects := filepath.Join(root, "projects")
	require.NoError(t, os.Chmod(projects, 0555))
	t.Cleanup(func() { os.Chmod(projects, 0755) })

	_, err = m.EnsureProjectStructure("ACME")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorageIO))
}

func TestProjectExists_Missing(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	exists, err := m.ProjectExists("nope")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		valid bool
	}{
		{"simple", "ACME", true},
		{"dashes", "acme-corp_2", true},
		{"empty", "", false},
		{"traversal", "..", false},
		{"hidden", ".acme", false},
		{"separator", "a/b", false},
		{"backslash", `a\b`, false},
		{"null byte", "a\x00b", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrInvalidKey))
			}
		})
	}
}

func TestCanonicalSources(t *testing.T) {
	sources := CanonicalSources()
	assert.Equal(t, []string{"backlog", "chat", "email", "meeting"}, sources)

	// Returned slice is a copy
	sources[0] = "mutated"
	assert.Equal(t, "backlog", CanonicalSources()[0])

	assert.True(t, IsCanonicalSource("email"))
	assert.False(t, IsCanonicalSource("calendar"))
	assert.NoError(t, ValidateSource("calendar"))
}
