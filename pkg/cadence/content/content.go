// Package content loads the category message library from a YAML file.
// The library is read-only from the core's perspective: the selection
// component reads candidate pools from it and never writes back.
package content

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mwhitton/cadence/pkg/cadence/selection"
)

// libraryFile is the on-disk YAML shape:
//
//	categories:
//	  motivational:
//	    - text: "Morning! Small steps today."
//	      periods: [morning]
//	    - text: "Keep going."
type libraryFile struct {
	Categories map[string][]entry `yaml:"categories"`
}

type entry struct {
	Text    string   `yaml:"text"`
	Periods []string `yaml:"periods,omitempty"`
}

// Library is an in-memory category content store.
type Library struct {
	categories map[string][]selection.Candidate
}

// LoadLibrary reads the message library from a YAML file.
func LoadLibrary(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read content library %q: %w", path, err)
	}

	var file libraryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse content library %q: %w", path, err)
	}

	lib := &Library{categories: make(map[string][]selection.Candidate, len(file.Categories))}
	for cat, entries := range file.Categories {
		pool := make([]selection.Candidate, 0, len(entries))
		for _, e := range entries {
			if e.Text == "" {
				continue
			}
			pool = append(pool, selection.Candidate{Body: e.Text, Periods: e.Periods})
		}
		lib.categories[cat] = pool
	}
	return lib, nil
}

// NewLibrary builds a library from an in-memory map (used in tests and by
// embedded defaults).
func NewLibrary(categories map[string][]selection.Candidate) *Library {
	if categories == nil {
		categories = make(map[string][]selection.Candidate)
	}
	return &Library{categories: categories}
}

// Candidates returns the candidate pool for a category.
func (l *Library) Candidates(category string) ([]selection.Candidate, error) {
	pool, ok := l.categories[category]
	if !ok {
		return nil, fmt.Errorf("unknown category %q", category)
	}
	out := make([]selection.Candidate, len(pool))
	copy(out, pool)
	return out, nil
}

// Categories lists all known category names.
func (l *Library) Categories() []string {
	out := make([]string, 0, len(l.categories))
	for cat := range l.categories {
		out = append(out, cat)
	}
	return out
}
