package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var caseFolder = cases.Fold()

// NormalizeIdentifier collapses a matter or bylaw identifier to a canonical
// comparison key: NFKC-normalized, case-folded, with all punctuation and
// whitespace removed. "By-law 2024-118" and "BYLAW 2024 118" normalize to the
// same key.
func NormalizeIdentifier(value string) string {
	folded := caseFolder.String(norm.NFKC.String(value))
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeName collapses a person's name for matching: NFKC, case-folded,
// honorifics stripped, interior whitespace squeezed to single spaces.
// "Councillor  SMITH, Jane" and "jane smith" normalize to the same key.
func NormalizeName(value string) string {
	folded := caseFolder.String(norm.NFKC.String(value))
	folded = strings.NewReplacer(",", " ", ".", " ").Replace(folded)
	fields := strings.Fields(folded)
	kept := fields[:0]
	for _, f := range fields {
		if _, ok := honorifics[f]; ok {
			continue
		}
		kept = append(kept, f)
	}
	sortStrings(kept)
	return strings.Join(kept, " ")
}

var honorifics = map[string]struct{}{
	"councillor": {},
	"councilman": {},
	"mayor":      {},
	"deputy":     {},
	"alderman":   {},
	"mr":         {},
	"mrs":        {},
	"ms":         {},
	"dr":         {},
}

// sortStrings keeps name tokens order-insensitive so "Smith Jane" matches
// "Jane Smith".
func sortStrings(values []string) {
	for i := 1; i < len(values); i++ {
		for j := i; j > 0 && values[j] < values[j-1]; j-- {
			values[j], values[j-1] = values[j-1], values[j]
		}
	}
}

// SanitizeToken converts a string to a lowercase filesystem-safe token.
// Letters are lowercased, digits and hyphens/underscores are kept, everything
// else becomes an underscore. Returns "unknown" for empty input.
func SanitizeToken(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_-")
	if out == "" {
		return "unknown"
	}
	return out
}
