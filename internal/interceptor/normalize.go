// Package interceptor provides the pre-execution query safety net: every query
// is normalized, plan-analyzed (with an LRU+TTL cache), and either passed,
// warned, or blocked before it reaches the database.
package interceptor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// paramHashLen is the number of hex chars of the parameter hash appended to a
// signature. Eight chars keeps collisions negligible at cache scale while
// keeping keys readable in logs.
const paramHashLen = 8

// NormalizeQuery produces the canonical cache key for a query:
//
//  1. Strip SQL comments (both -- line and /* block */ forms)
//  2. Replace parameter placeholders ($1, :name, ?) and literals with '?'
//  3. Collapse all whitespace runs to single spaces, lowercase keywords
//  4. Append a short hash of the parameter values
//
// Queries that differ only in literal values share a signature body but get
// distinct parameter hashes, so per-value plan differences (e.g. skewed
// selectivity) can still be cached separately.
func NormalizeQuery(query string, params []any) string {
	body := normalizeBody(query)

	if len(params) == 0 {
		return body
	}

	return body + " #" + hashParams(params)
}

// normalizeBody canonicalizes the query text without the parameter tag.
func normalizeBody(query string) string {
	stripped := stripComments(query)

	var sb strings.Builder

	sb.Grow(len(stripped))

	lastSpace := true // treat start as space so leading whitespace collapses
	runes := []rune(stripped)

	for i := 0; i < len(runes); i++ {
		r := runes[i]

		switch {
		case r == '\'':
			// String literal: consume to closing quote (handling '' escape).
			i = skipStringLiteral(runes, i)

			sb.WriteByte('?')

			lastSpace = false
		case r == '$' && i+1 < len(runes) && unicode.IsDigit(runes[i+1]):
			// Positional placeholder $N.
			for i+1 < len(runes) && unicode.IsDigit(runes[i+1]) {
				i++
			}

			sb.WriteByte('?')

			lastSpace = false
		case r == ':' && i+1 < len(runes) && (unicode.IsLetter(runes[i+1]) || runes[i+1] == '_'):
			// Named placeholder :name.
			for i+1 < len(runes) && (unicode.IsLetter(runes[i+1]) || unicode.IsDigit(runes[i+1]) || runes[i+1] == '_') {
				i++
			}

			sb.WriteByte('?')

			lastSpace = false
		case unicode.IsDigit(r) && lastSpace:
			// Bare numeric literal.
			for i+1 < len(runes) && (unicode.IsDigit(runes[i+1]) || runes[i+1] == '.') {
				i++
			}

			sb.WriteByte('?')

			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				sb.WriteByte(' ')
			}

			lastSpace = true
		default:
			sb.WriteRune(unicode.ToLower(r))

			lastSpace = false
		}
	}

	return strings.TrimSpace(sb.String())
}

// skipStringLiteral returns the index of the closing quote of the literal
// starting at runes[start] (which is a single quote).
func skipStringLiteral(runes []rune, start int) int {
	for i := start + 1; i < len(runes); i++ {
		if runes[i] == '\'' {
			// '' is an escaped quote inside the literal
			if i+1 < len(runes) && runes[i+1] == '\'' {
				i++

				continue
			}

			return i
		}
	}

	return len(runes) - 1
}

// stripComments removes -- line comments and /* block */ comments.
func stripComments(query string) string {
	var sb strings.Builder

	sb.Grow(len(query))

	for i := 0; i < len(query); i++ {
		if i+1 < len(query) && query[i] == '-' && query[i+1] == '-' {
			for i < len(query) && query[i] != '\n' {
				i++
			}

			sb.WriteByte(' ')

			continue
		}

		if i+1 < len(query) && query[i] == '/' && query[i+1] == '*' {
			i += 2
			for i+1 < len(query) && !(query[i] == '*' && query[i+1] == '/') {
				i++
			}

			i++ // skip the trailing '/'

			sb.WriteByte(' ')

			continue
		}

		sb.WriteByte(query[i])
	}

	return sb.String()
}

// hashParams produces the short parameter-hash tag.
func hashParams(params []any) string {
	hasher := sha256.New()

	for _, p := range params {
		_, _ = hasher.Write([]byte(stringify(p)))
		_, _ = hasher.Write([]byte{0}) // separator so ["ab",""] != ["a","b"]
	}

	return hex.EncodeToString(hasher.Sum(nil))[:paramHashLen]
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

// ExtractTables returns the table names referenced by a query, scanning for
// FROM / JOIN / INTO / UPDATE targets. Best-effort: used for cache
// invalidation matching, where a false positive only costs a re-plan.
func ExtractTables(query string) []string {
	fields := strings.Fields(normalizeBody(query))
	seen := make(map[string]bool)

	var tables []string

	for i, field := range fields {
		switch field {
		case "from", "join", "into", "update":
			if i+1 < len(fields) {
				name := strings.Trim(fields[i+1], `"(),;`)
				// Skip subqueries and keywords.
				if name == "" || name == "select" {
					continue
				}

				if !seen[name] {
					seen[name] = true

					tables = append(tables, name)
				}
			}
		}
	}

	return tables
}

// IsTrivialQuery reports whether a query qualifies for the fast path: a SELECT
// with a LIMIT and no JOIN skips plan analysis entirely.
func IsTrivialQuery(query string) bool {
	normalized := normalizeBody(query)

	if !strings.HasPrefix(normalized, "select") {
		return false
	}

	if strings.Contains(normalized, " join ") {
		return false
	}

	return strings.Contains(normalized, " limit ")
}
