// Package sqlident quotes SQL identifiers and string literals for the
// single dialect this server ever speaks to: embedded DuckDB.
package sqlident

import "strings"

// Quote double-quotes an identifier, doubling any embedded quote
// character per DuckDB's identifier-escaping rule.
func Quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteLiteral single-quotes a string literal, doubling any embedded
// single quote.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Sanitize replaces every character outside [A-Za-z0-9_] with '_'. Used
// to build safe table-name fragments from client-supplied identifiers
// (documentId) that are otherwise treated as opaque strings.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
