// Package names canonicalises model and set names so lookups are insensitive
// to case, width and surrounding space.
package names

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Canonical returns the lookup key for a name. Casers are stateful, so one is
// built per call.
func Canonical(name string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(name)))
}

// Equal reports whether two names refer to the same entry.
func Equal(a, b string) bool {
	return Canonical(a) == Canonical(b)
}
