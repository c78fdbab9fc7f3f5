// Package layout owns the on-disk layout under a storage root.
//
// Layout:
//
//	<root>/control.db                        control-plane database
//	<root>/vault.db                          legacy flat store (if any)
//	<root>/inbox/<key>/<source>/*.json       batch files picked up by "mnemo sync watch"
//	<root>/projects/<key>/knowledge/         glossary.json, faq.md, rules.md, specs/*.md
//	<root>/projects/<key>/memory/<source>/   append-only journal partitions
//	<root>/projects/<key>/search.db          hybrid search index
//	<root>/projects/<key>/vectors/           chromem vector store (optional)
package layout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Canonical memory sources, in the order the scheduler iterates them.
const (
	SourceBacklog = "backlog"
	SourceChat    = "chat"
	SourceEmail   = "email"
	SourceMeeting = "meeting"
)

var canonicalSources = []string{SourceBacklog, SourceChat, SourceEmail, SourceMeeting}

// CanonicalSources returns a copy of the ordered canonical source set.
func CanonicalSources() []string {
	out := make([]string, len(canonicalSources))
	copy(out, canonicalSources)
	return out
}

// IsCanonicalSource reports whether source belongs to the canonical set.
func IsCanonicalSource(source string) bool {
	for _, s := range canonicalSources {
		if s == source {
			return true
		}
	}
	return false
}

var (
	// ErrStorageIO is returned when the storage root cannot be read or written.
	ErrStorageIO = errors.New("storage io error")

	// ErrInvalidKey is returned for project keys that are not safe path components.
	ErrInvalidKey = errors.New("invalid project key")

	// ErrInvalidSource is returned for source names that are not safe path components.
	ErrInvalidSource = errors.New("invalid source name")
)

const (
	controlDBName = "control.db"
	legacyDBName  = "vault.db"
	projectsDir   = "projects"
	knowledgeDir  = "knowledge"
	specsDir      = "specs"
	memoryDir     = "memory"
	searchDBName  = "search.db"
	vectorsDir    = "vectors"
	inboxDir      = "inbox"
)

// Manager resolves and creates per-project directories under a storage root.
type Manager struct {
	root string
}

// NewManager creates a manager rooted at root, creating the root if needed.
func NewManager(root string) (*Manager, error) {
	if root == "" {
		return nil, errors.New("storage root is required")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}

	if err := ensureDir(abs); err != nil {
		return nil, err
	}
	if err := ensureDir(filepath.Join(abs, projectsDir)); err != nil {
		return nil, err
	}

	return &Manager{root: abs}, nil
}

// Root returns the absolute storage root.
func (m *Manager) Root() string {
	return m.root
}

// ControlDBPath returns the path of the shared control-plane database.
func (m *Manager) ControlDBPath() string {
	return filepath.Join(m.root, controlDBName)
}

// LegacyVaultPath returns the default location of the legacy flat store.
func (m *Manager) LegacyVaultPath() string {
	return filepath.Join(m.root, legacyDBName)
}

// InboxPath returns the drop directory for connector batch files.
func (m *Manager) InboxPath() string {
	return filepath.Join(m.root, inboxDir)
}

// ProjectPath returns the root directory of a project.
func (m *Manager) ProjectPath(key string) string {
	return filepath.Join(m.root, projectsDir, key)
}

// KnowledgePath returns the knowledge subdirectory of a project.
func (m *Manager) KnowledgePath(key string) string {
	return filepath.Join(m.ProjectPath(key), knowledgeDir)
}

// SpecsPath returns the named-spec directory of a project.
func (m *Manager) SpecsPath(key string) string {
	return filepath.Join(m.KnowledgePath(key), specsDir)
}

// MemoryPath returns the memory subdirectory of a project.
func (m *Manager) MemoryPath(key string) string {
	return filepath.Join(m.ProjectPath(key), memoryDir)
}

// SourcePath returns the journal partition directory for (project, source).
func (m *Manager) SourcePath(key, source string) string {
	return filepath.Join(m.MemoryPath(key), source)
}

// SearchIndexPath returns the hybrid search index database of a project.
func (m *Manager) SearchIndexPath(key string) string {
	return filepath.Join(m.ProjectPath(key), searchDBName)
}

// VectorStorePath returns the chromem vector store directory of a project.
func (m *Manager) VectorStorePath(key string) string {
	return filepath.Join(m.ProjectPath(key), vectorsDir)
}

// EnsureProjectStructure creates the project root, its knowledge tree and one
// memory partition per canonical source. It is idempotent.
func (m *Manager) EnsureProjectStructure(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}

	dirs := []string{
		m.ProjectPath(key),
		m.KnowledgePath(key),
		m.SpecsPath(key),
		m.MemoryPath(key),
	}
	for _, source := range canonicalSources {
		dirs = append(dirs, m.SourcePath(key, source))
	}

	for _, dir := range dirs {
		if err := ensureDir(dir); err != nil {
			return "", err
		}
	}

	return m.ProjectPath(key), nil
}

// GetKnowledgePath validates the key and returns the knowledge subdirectory.
func (m *Manager) GetKnowledgePath(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return m.KnowledgePath(key), nil
}

// ProjectExists reports whether the project directory tree is present.
func (m *Manager) ProjectExists(key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	for _, dir := range []string{m.KnowledgePath(key), m.MemoryPath(key)} {
		info, err := os.Stat(dir)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("%w: stat %s: %w", ErrStorageIO, dir, err)
		}
		if !info.IsDir() {
			return false, nil
		}
	}
	return true, nil
}

// ValidateKey checks that a project key is a single safe path component.
func ValidateKey(key string) error {
	if err := validateComponent(key); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return nil
}

// ValidateSource checks that a source name is a single safe path component.
// Sources outside the canonical set are accepted.
func ValidateSource(source string) error {
	if err := validateComponent(source); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	return nil
}

func validateComponent(name string) error {
	if name == "" {
		return errors.New("cannot be empty")
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("%q cannot start with '.'", name)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%q cannot contain path separators", name)
	}
	if strings.Contains(name, "\x00") {
		return fmt.Errorf("%q cannot contain null bytes", name)
	}
	return nil
}

func ensureDir(dir string) error {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%w: path exists but is not a directory: %s", ErrStorageIO, dir)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("%w: stat %s: %w", ErrStorageIO, dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrStorageIO, dir, err)
	}
	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
