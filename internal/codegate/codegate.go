// Package codegate compares a captured mission code against the expected one.
// Scanner input and manual entry go through the same comparison.
package codegate

import (
	"strings"
	"time"
)

// FlashDuration is how long a mismatch signal stays visible before clearing.
const FlashDuration = 2 * time.Second

// Validate reports whether submitted matches expected, ignoring case and
// surrounding whitespace. An empty expected code never matches.
func Validate(expected, submitted string) bool {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return false
	}
	return strings.EqualFold(expected, strings.TrimSpace(submitted))
}
