package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/harun/mnemo/internal/observability"
)

// FAQ returns faq.md, or "" if it does not exist.
func (s *Store) FAQ() (string, error) {
	content, _, err := s.readFile(filepath.Join(s.dir, faqFile))
	return content, err
}

// UpdateFAQ replaces faq.md.
func (s *Store) UpdateFAQ(ctx context.Context, content string) error {
	return s.withLock(func() error {
		return s.writeFile(filepath.Join(s.dir, faqFile), []byte(content), "faq")
	})
}

// AppendFAQ adds one question block to faq.md.
func (s *Store) AppendFAQ(ctx context.Context, question, answer string) error {
	path := filepath.Join(s.dir, faqFile)
	return s.withLock(func() error {
		existing, _, err := s.readFile(path)
		if err != nil {
			return err
		}

		var b strings.Builder
		b.WriteString(existing)
		if existing != "" {
			if !strings.HasSuffix(existing, "\n") {
				b.WriteString("\n")
			}
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "## Q: %s\n\n%s\n", question, answer)

		return s.writeFile(path, []byte(b.String()), "faq")
	})
}

// Rules returns rules.md, or "" if it does not exist.
func (s *Store) Rules() (string, error) {
	content, _, err := s.readFile(filepath.Join(s.dir, rulesFile))
	return content, err
}

// UpdateRules replaces rules.md.
func (s *Store) UpdateRules(ctx context.Context, content string) error {
	return s.withLock(func() error {
		return s.writeFile(filepath.Join(s.dir, rulesFile), []byte(content), "rules")
	})
}

// SpecMatch is a spec whose name or body matched a search.
type SpecMatch struct {
	Name    string `json:"name"`
	Snippet string `json:"snippet"`
}

func (s *Store) specsPath() string {
	return filepath.Join(s.dir, specsDir)
}

func (s *Store) specPath(name string) (string, error) {
	name = strings.TrimSuffix(name, specExt)
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, "/\\\x00") {
		return "", fmt.Errorf("%w: spec name %q", ErrInvalidName, name)
	}
	return filepath.Join(s.specsPath(), name+specExt), nil
}

// ListSpecs returns spec names sorted, without extension. Dotfiles are skipped.
func (s *Store) ListSpecs() ([]string, error) {
	dirEntries, err := os.ReadDir(s.specsPath())
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}

	names := []string{}
	for _, d := range dirEntries {
		name := d.Name()
		if d.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, specExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(name, specExt))
	}
	sort.Strings(names)
	return names, nil
}

// GetSpec returns a spec body and whether it exists.
func (s *Store) GetSpec(name string) (string, bool, error) {
	path, err := s.specPath(name)
	if err != nil {
		return "", false, err
	}
	return s.readFile(path)
}

// SaveSpec creates or overwrites a spec.
func (s *Store) SaveSpec(ctx context.Context, name, content string) error {
	path, err := s.specPath(name)
	if err != nil {
		return err
	}
	return s.withLock(func() error {
		return s.writeFile(path, []byte(content), "spec")
	})
}

// DeleteSpec removes a spec and reports whether it existed.
func (s *Store) DeleteSpec(ctx context.Context, name string) (bool, error) {
	path, err := s.specPath(name)
	if err != nil {
		return false, err
	}

	found := false
	err = s.withLock(func() error {
		err := os.Remove(path)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if found {
		observability.RecordKnowledgeAudit(ctx, "delete_spec", s.projectKey, map[string]interface{}{"spec": name})
	}
	return found, nil
}

// SearchSpecs scans every spec for query, ignoring case. The snippet is the
// first matching line, or the first line when only the name matched.
func (s *Store) SearchSpecs(query string) ([]SpecMatch, error) {
	names, err := s.ListSpecs()
	if err != nil {
		return nil, err
	}

	matches := []SpecMatch{}
	for _, name := range names {
		content, ok, err := s.GetSpec(name)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		if snippet, hit := matchingLine(content, query); hit {
			matches = append(matches, SpecMatch{Name: name, Snippet: snippet})
		} else if containsFold(name, query) {
			first, _, _ := strings.Cut(strings.TrimSpace(content), "\n")
			matches = append(matches, SpecMatch{Name: name, Snippet: first})
		}
	}
	return matches, nil
}

func matchingLine(content, query string) (string, bool) {
	for _, line := range strings.Split(content, "\n") {
		if containsFold(line, query) {
			return strings.TrimSpace(line), true
		}
	}
	return "", false
}
