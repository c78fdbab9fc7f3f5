package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/harun/mnemo/internal/observability"
	"github.com/xeipuuv/gojsonschema"
)

// GlossarySchema is the JSON schema of glossary.json.
const GlossarySchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "array",
	"items": {
		"type": "object",
		"required": ["term", "definition"],
		"properties": {
			"term": {"type": "string", "minLength": 1},
			"definition": {"type": "string"},
			"aliases": {
				"type": ["array", "null"],
				"items": {"type": "string"}
			},
			"category": {"type": ["string", "null"]}
		}
	}
}`

var glossarySchemaLoader = gojsonschema.NewStringLoader(GlossarySchema)

// GlossaryEntry is one glossary term.
type GlossaryEntry struct {
	Term       string   `json:"term"`
	Definition string   `json:"definition"`
	Aliases    []string `json:"aliases"`
	Category   string   `json:"category"`
}

func (e GlossaryEntry) matches(query string) bool {
	if containsFold(e.Term, query) || containsFold(e.Definition, query) {
		return true
	}
	for _, alias := range e.Aliases {
		if containsFold(alias, query) {
			return true
		}
	}
	return false
}

func (s *Store) glossaryPath() string {
	return filepath.Join(s.dir, glossaryFile)
}

// validateGlossary checks raw glossary JSON against GlossarySchema.
func validateGlossary(data []byte) error {
	result, err := gojsonschema.Validate(glossarySchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidGlossary, err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidGlossary, strings.Join(msgs, "; "))
	}
	return nil
}

func (s *Store) loadGlossary() ([]GlossaryEntry, error) {
	content, ok, err := s.readFile(s.glossaryPath())
	if err != nil {
		return nil, err
	}
	if !ok || strings.TrimSpace(content) == "" {
		return []GlossaryEntry{}, nil
	}

	if err := validateGlossary([]byte(content)); err != nil {
		return nil, err
	}

	var entries []GlossaryEntry
	if err := json.Unmarshal([]byte(content), &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGlossary, err)
	}
	for i := range entries {
		if entries[i].Aliases == nil {
			entries[i].Aliases = []string{}
		}
	}
	return entries, nil
}

func (s *Store) saveGlossary(entries []GlossaryEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal glossary: %w", err)
	}
	if err := validateGlossary(data); err != nil {
		return err
	}
	return s.writeFile(s.glossaryPath(), append(data, '\n'), "glossary")
}

// GlossaryList returns the glossary entries in storage order.
func (s *Store) GlossaryList() ([]GlossaryEntry, error) {
	return s.loadGlossary()
}

// Glossary maps every term and every alias to its owning entry. A term key
// always wins over an alias of another entry; between aliases the entry
// stored first wins.
func (s *Store) Glossary() (map[string]GlossaryEntry, error) {
	entries, err := s.loadGlossary()
	if err != nil {
		return nil, err
	}

	index := make(map[string]GlossaryEntry, len(entries))
	for _, e := range entries {
		index[e.Term] = e
	}
	for _, e := range entries {
		for _, alias := range e.Aliases {
			if _, taken := index[alias]; !taken {
				index[alias] = e
			}
		}
	}
	return index, nil
}

// AddTerm creates or replaces a term. It returns true when the term is new;
// an existing term is replaced in place and keeps its position.
func (s *Store) AddTerm(ctx context.Context, term, definition string, aliases []string, category string) (bool, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return false, fmt.Errorf("%w: term cannot be empty", ErrInvalidName)
	}
	if aliases == nil {
		aliases = []string{}
	}

	entry := GlossaryEntry{
		Term:       term,
		Definition: definition,
		Aliases:    aliases,
		Category:   category,
	}

	created := true
	err := s.withLock(func() error {
		entries, err := s.loadGlossary()
		if err != nil {
			return err
		}

		for i := range entries {
			if entries[i].Term == term {
				entries[i] = entry
				created = false
				return s.saveGlossary(entries)
			}
		}
		return s.saveGlossary(append(entries, entry))
	})
	if err != nil {
		return false, err
	}

	s.logger.Debug().Str("term", term).Bool("created", created).Msg("Glossary term saved")
	return created, nil
}

// RemoveTerm deletes a term and reports whether it existed.
func (s *Store) RemoveTerm(ctx context.Context, term string) (bool, error) {
	term = strings.TrimSpace(term)
	found := false
	err := s.withLock(func() error {
		entries, err := s.loadGlossary()
		if err != nil {
			return err
		}

		kept := make([]GlossaryEntry, 0, len(entries))
		for _, e := range entries {
			if e.Term == term {
				found = true
				continue
			}
			kept = append(kept, e)
		}
		if !found {
			return nil
		}
		return s.saveGlossary(kept)
	})
	if err != nil {
		return false, err
	}

	if found {
		observability.RecordKnowledgeAudit(ctx, "remove_term", s.projectKey, map[string]interface{}{"term": term})
	}
	return found, nil
}

// SearchGlossary returns entries whose term, aliases or definition contain
// query, ignoring case.
func (s *Store) SearchGlossary(query string) ([]GlossaryEntry, error) {
	entries, err := s.loadGlossary()
	if err != nil {
		return nil, err
	}

	matches := []GlossaryEntry{}
	for _, e := range entries {
		if e.matches(query) {
			matches = append(matches, e)
		}
	}
	return matches, nil
}
