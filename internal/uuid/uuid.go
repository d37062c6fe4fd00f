// Package uuid provides identifier generation and validation for
// connections and queued operations.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Canonical textual form with version 4 or 7 and RFC 4122 variant bits.
var idRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[47][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new time-ordered UUID v7. Ids created later sort after
// earlier ones, which keeps duplicate tie-breaks stable across devices.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Parse parses s and checks it is a v4 or v7 UUID.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID: %w", err)
	}
	if v := id.Version(); v != 4 && v != 7 {
		return uuid.Nil, fmt.Errorf("expected UUID v4 or v7, got v%d", v)
	}
	return id, nil
}

// IsValid checks if a string is a canonical v4 or v7 UUID.
func IsValid(s string) bool {
	return idRegex.MatchString(s)
}

// Validate returns an error if the string is not a canonical v4 or v7 UUID.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid identifier format: %q", s)
	}
	return nil
}
