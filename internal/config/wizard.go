package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a new configuration wizard reading answers from in.
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard starting from base.
func (w *Wizard) Run(base *Config) (*Config, error) {
	fmt.Fprintln(w.out, "=== mnemo Configuration Wizard ===")
	fmt.Fprintln(w.out)

	cfg := base
	if cfg == nil {
		cfg = DefaultConfig()
	}
	validator := NewValidator()

	// Storage
	root, err := w.ask("Storage root", cfg.StorageRoot)
	if err != nil {
		return nil, err
	}
	cfg.StorageRoot = root

	// Vector search
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Embedding provider options:")
	fmt.Fprintln(w.out, "  none   - keyword search only (default)")
	fmt.Fprintln(w.out, "  openai - hybrid search with OpenAI embeddings")
	for {
		provider, err := w.ask("Embedding provider", cfg.Search.Embedding.Provider)
		if err != nil {
			return nil, err
		}
		if provider != "none" && provider != "openai" {
			fmt.Fprintf(w.out, "Error: invalid embedding provider %s\n", provider)
			continue
		}
		cfg.Search.Embedding.Provider = provider
		break
	}

	if cfg.Search.Embedding.Provider == "openai" {
		for {
			key, err := w.ask("OpenAI API Key", "")
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateAPIKey(key, "openai"); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			cfg.Search.Embedding.APIKey = key
			break
		}

		backend, err := w.ask("Vector backend (sqlite-vec/chromem)", cfg.Search.VectorBackend)
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateVectorBackend(backend); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, using default (sqlite-vec)\n", err)
			backend = "sqlite-vec"
		}
		cfg.Search.VectorBackend = backend
	}

	// Log Level
	fmt.Fprintln(w.out)
	level, err := w.ask("Log level (debug/info/warn/error)", cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateLogLevel(level); err != nil {
		fmt.Fprintf(w.out, "Warning: %v, using default (info)\n", err)
		level = "info"
	}
	cfg.Logging.Level = level

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

// ask prompts for a value, returning def on an empty answer.
func (w *Wizard) ask(prompt, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(w.out, "%s: ", prompt)
	}

	line, err := w.readLine()
	if err != nil {
		return "", err
	}
	if line == "" {
		return def, nil
	}
	return line, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}
