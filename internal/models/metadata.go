package models

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// UserMetadata is display information cached on a connection so that
// notifications can be rendered without a profile lookup.
type UserMetadata struct {
	Username    string `json:"username,omitempty" yaml:"username"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name"`
}

// Normalize returns the metadata with usernames NFC-normalised and case
// folded, and display names NFC-normalised and trimmed. A Caser is stateful,
// so one is built per call.
func (m UserMetadata) Normalize() UserMetadata {
	return UserMetadata{
		Username:    cases.Fold().String(norm.NFC.String(strings.TrimSpace(m.Username))),
		DisplayName: norm.NFC.String(strings.TrimSpace(m.DisplayName)),
	}
}

// IsZero reports whether no metadata is set.
func (m UserMetadata) IsZero() bool {
	return m.Username == "" && m.DisplayName == ""
}
