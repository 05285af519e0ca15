// Package release defines release identity and the persisted lock record.
// This is part of the Functional Core - all functions are pure with no I/O.
//
// A release name is a timestamp token (YYYYMMDD-HHMMSS), so lexicographic
// order over release names equals chronological order. One Release is
// minted per deploy invocation and shared by every host in the stage.
package release

import (
	"fmt"
	"regexp"
	"time"
)

// NameLayout is the time layout that produces a release name.
const NameLayout = "20060102-150405"

var namePattern = regexp.MustCompile(`^\d{8}-\d{6}$`)

// Release identifies one immutable deployment artifact directory.
type Release struct {
	Name string
}

// New creates a Release named after the given time.
//
// Example:
//
//	New(time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)) // {Name: "20250310-093000"}
func New(now time.Time) Release {
	return Release{Name: now.Format(NameLayout)}
}

// ValidName reports whether s looks like a release name.
// Used to skip stray entries (editor droppings, partial uploads)
// when scanning a releases directory.
func ValidName(s string) bool {
	return namePattern.MatchString(s)
}

// ParseName parses a release name back into its timestamp.
func ParseName(name string) (time.Time, error) {
	if !ValidName(name) {
		return time.Time{}, fmt.Errorf("invalid release name %q", name)
	}
	t, err := time.Parse(NameLayout, name)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid release name %q: %w", name, err)
	}
	return t, nil
}
