// Package normalize renames upstream record fields to the canonical schema.
package normalize

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateSource is returned when two entries map the same source key.
	ErrDuplicateSource = errors.New("duplicate source key")
	// ErrDuplicateCanonical is returned when two entries produce the same canonical key.
	ErrDuplicateCanonical = errors.New("duplicate canonical key")
	// ErrEmptyKey is returned for an entry with an empty source or canonical key.
	ErrEmptyKey = errors.New("empty mapping key")
)

// Policy decides what happens to source keys absent from the table.
type Policy int

const (
	// Drop discards unmapped keys.
	Drop Policy = iota
	// SnakeCase keeps unmapped keys renamed to snake_case.
	SnakeCase
)

// ParsePolicy parses "drop" or "snake_case". Empty means Drop.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "drop":
		return Drop, nil
	case "snake_case":
		return SnakeCase, nil
	default:
		return Drop, fmt.Errorf("unknown unmapped policy %q", s)
	}
}

func (p Policy) String() string {
	if p == SnakeCase {
		return "snake_case"
	}
	return "drop"
}

// Entry maps one upstream field to its canonical name.
type Entry struct {
	Source    string
	Canonical string
}

// Table is an immutable mapping from source to canonical keys.
type Table struct {
	bySource  map[string]string
	canonical map[string]struct{}
	policy    Policy
}

// NewTable builds a table. Duplicate source or canonical keys are rejected.
func NewTable(entries []Entry, policy Policy) (*Table, error) {
	t := &Table{
		bySource:  make(map[string]string, len(entries)),
		canonical: make(map[string]struct{}, len(entries)),
		policy:    policy,
	}

	for i, e := range entries {
		if e.Source == "" || e.Canonical == "" {
			return nil, fmt.Errorf("mapping entry %d: %w", i, ErrEmptyKey)
		}
		if _, dup := t.bySource[e.Source]; dup {
			return nil, fmt.Errorf("mapping entry %d: %w %q", i, ErrDuplicateSource, e.Source)
		}
		if _, dup := t.canonical[e.Canonical]; dup {
			return nil, fmt.Errorf("mapping entry %d: %w %q", i, ErrDuplicateCanonical, e.Canonical)
		}
		t.bySource[e.Source] = e.Canonical
		t.canonical[e.Canonical] = struct{}{}
	}

	return t, nil
}

// Lookup returns the canonical key for source.
func (t *Table) Lookup(source string) (string, bool) {
	c, ok := t.bySource[source]
	return c, ok
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.bySource)
}

// Policy returns the unmapped-key policy.
func (t *Table) Policy() Policy {
	return t.policy
}
