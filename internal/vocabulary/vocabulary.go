// Package vocabulary manages the curated term-distinction table: known
// object/action/term pairs mapped to a relationship category plus
// human-readable disambiguation guidance. The table is versioned, read-only
// reference data at pipeline runtime; authoring happens offline via the
// classifier in classify.go.
package vocabulary

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"storymill/internal/types"
)

// Entry is one curated term-pair distinction.
type Entry struct {
	TermA    string `yaml:"term_a"`
	TermB    string `yaml:"term_b"`
	Category string `yaml:"category"`
	Guidance string `yaml:"guidance,omitempty"`
}

type vocabularyFile struct {
	Version      string  `yaml:"version"`
	Distinctions []Entry `yaml:"distinctions"`
}

// Distinction is a validated entry with a parsed category.
type Distinction struct {
	TermA    string
	TermB    string
	Category types.RelationshipCategory
	Guidance string
}

// Store holds the loaded term-distinction table, keyed by normalized
// unordered term pair.
type Store struct {
	version string
	entries map[string]*Distinction
}

// Load reads and validates a vocabulary file. An unknown relationship
// category anywhere in the file is a configuration error: the whole load
// fails rather than guessing.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}

	var file vocabularyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse vocabulary yaml: %w", err)
	}

	store := &Store{
		version: file.Version,
		entries: make(map[string]*Distinction, len(file.Distinctions)),
	}
	for i, e := range file.Distinctions {
		category, err := types.ParseRelationshipCategory(e.Category)
		if err != nil {
			return nil, fmt.Errorf("vocabulary entry %d (%s/%s): %w", i, e.TermA, e.TermB, err)
		}
		if strings.TrimSpace(e.TermA) == "" || strings.TrimSpace(e.TermB) == "" {
			return nil, &types.ConfigurationError{Reason: fmt.Sprintf("vocabulary entry %d has an empty term", i)}
		}
		store.entries[pairKey(e.TermA, e.TermB)] = &Distinction{
			TermA:    normalizeTerm(e.TermA),
			TermB:    normalizeTerm(e.TermB),
			Category: category,
			Guidance: e.Guidance,
		}
	}
	return store, nil
}

// Empty returns a store with no entries, for runs without a curated table.
func Empty() *Store {
	return &Store{entries: make(map[string]*Distinction)}
}

// Version returns the loaded vocabulary version string.
func (s *Store) Version() string { return s.version }

// Len returns the number of curated distinctions.
func (s *Store) Len() int { return len(s.entries) }

// Lookup returns the curated distinction for the pair, if any. Order of
// arguments does not matter. DISTINCT pairs have no entry by convention, so a
// miss means either DISTINCT or never-reviewed.
func (s *Store) Lookup(a, b string) (*Distinction, bool) {
	d, ok := s.entries[pairKey(a, b)]
	return d, ok
}

// Append adds a distinction to the vocabulary file, skipping pairs already
// present. Used by the offline authoring command, never by a pipeline run.
func Append(path string, entry Entry) error {
	if _, err := types.ParseRelationshipCategory(entry.Category); err != nil {
		return err
	}

	var file vocabularyFile
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("parse existing vocabulary: %w", err)
		}
	}

	key := pairKey(entry.TermA, entry.TermB)
	for _, existing := range file.Distinctions {
		if pairKey(existing.TermA, existing.TermB) == key {
			return nil // already curated
		}
	}

	file.Distinctions = append(file.Distinctions, entry)
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshal vocabulary: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func normalizeTerm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func pairKey(a, b string) string {
	na, nb := normalizeTerm(a), normalizeTerm(b)
	if na > nb {
		na, nb = nb, na
	}
	return na + "\x00" + nb
}
