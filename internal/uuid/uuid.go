// Package uuid provides submission id generation and validation.
//
// Every occurrence gets a UUID v4 at creation. The id travels with each
// upload attempt so a backend that honours it can drop duplicate deliveries.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a fresh submission id in canonical form.
func New() string {
	return uuid.New().String()
}

// Parse accepts any textual form google/uuid understands (dashed, braced,
// urn: prefixed or bare hex) and returns the canonical lower-case id.
// Only RFC 4122 version 4 ids are submission ids.
func Parse(s string) (string, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid submission id %q: %w", s, err)
	}
	if id.Version() != 4 || id.Variant() != uuid.RFC4122 {
		return "", fmt.Errorf("submission id %q is not an RFC 4122 v4 uuid", s)
	}
	return id.String(), nil
}

// IsValid reports whether s parses as a submission id.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Ensure returns the canonical form of s, or a new id when s is empty or
// not a submission id.
func Ensure(s string) string {
	if id, err := Parse(s); err == nil {
		return id
	}
	return New()
}
