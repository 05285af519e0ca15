// Package compose contains pure functions over Docker Compose documents:
// detecting locally-built services and rendering the per-release overlay.
// This is part of the Functional Core - all functions are pure with no I/O.
package compose

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrEmptyInput is returned when the compose document is empty.
	ErrEmptyInput = errors.New("compose spec is empty")

	// ErrInvalidYAML is returned when the compose document cannot be parsed.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrNoServices is returned when the compose document defines no services.
	ErrNoServices = errors.New("compose spec must define at least one service")

	// ErrNoTraefik is returned when overlay rendering runs without routing config.
	ErrNoTraefik = errors.New("traefik config not set for this stage")
)

// ParseError wraps errors with context about where parsing failed.
type ParseError struct {
	Field   string
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
