package backend

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeEmail canonicalizes an email address before it is sent to the
// backend: Unicode NFKD, surrounding whitespace trimmed, lower-cased. Two
// visually identical addresses typed on different keyboards compare equal
// after normalization.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKD.String(s)))
}

// NormalizeUsername canonicalizes a username the same way.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKD.String(s)))
}
