// Package planner decides whether a query runs exactly or on sketches, and
// rewrites it for the sketch path.
package planner

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/sketches"
)

// PlanType indicates which path to use
type PlanType string

const (
	PlanExact  PlanType = "exact"
	PlanSketch PlanType = "sketch"
)

type Plan struct {
	Type           PlanType `json:"type"`
	SQL            string   `json:"sql"`
	OriginalSQL    string   `json:"original_sql"`
	Rewrites       int      `json:"rewrites"`
	EstimatedError float64  `json:"estimated_error"`
	Reason         string   `json:"reason"`
}

// New plans sqlText. With approximate set, every COUNT(DISTINCT expr) is
// replaced by hyperminhash(expr) restricted to non-null expr, which keeps
// the NULL semantics of COUNT.
func New(sqlText string, approximate bool) *Plan {
	p := &Plan{Type: PlanExact, SQL: sqlText, OriginalSQL: sqlText}
	if !approximate {
		p.Reason = "exact execution requested"
		return p
	}
	rewritten, n := RewriteCountDistinct(sqlText)
	if n == 0 {
		p.Reason = "no COUNT(DISTINCT) to approximate"
		return p
	}
	p.Type = PlanSketch
	p.SQL = rewritten
	p.Rewrites = n
	p.EstimatedError = sketches.StandardError()
	p.Reason = fmt.Sprintf("approximated %d COUNT(DISTINCT) aggregate(s) with hyperminhash", n)
	return p
}

// RewriteCountDistinct returns sqlText with each COUNT(DISTINCT expr)
// outside string literals rewritten, and the number of rewrites. Calls that
// already carry a FILTER clause are left alone.
func RewriteCountDistinct(sqlText string) (string, int) {
	var b strings.Builder
	n := 0
	i := 0
	for i < len(sqlText) {
		if q := sqlText[i]; q == '\'' || q == '"' {
			end := skipQuoted(sqlText, i)
			b.WriteString(sqlText[i:end])
			i = end
			continue
		}
		if !wordAt(sqlText, i, "count") {
			b.WriteByte(sqlText[i])
			i++
			continue
		}
		open := skipSpace(sqlText, i+len("count"))
		if open >= len(sqlText) || sqlText[open] != '(' {
			b.WriteString(sqlText[i : i+len("count")])
			i += len("count")
			continue
		}
		d := skipSpace(sqlText, open+1)
		end := matchParen(sqlText, open)
		if !wordAt(sqlText, d, "distinct") || end < 0 || hasFilter(sqlText, end+1) {
			b.WriteString(sqlText[i : i+len("count")])
			i += len("count")
			continue
		}
		expr := strings.TrimSpace(sqlText[d+len("distinct") : end])
		fmt.Fprintf(&b, "hyperminhash(%s) FILTER (WHERE (%s) IS NOT NULL)", expr, expr)
		n++
		i = end + 1
	}
	return b.String(), n
}

func isIdent(c byte) bool {
	return c == '_' || c < unicode.MaxASCII && (unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c)))
}

// wordAt reports whether the keyword w starts at i as a whole word.
func wordAt(s string, i int, w string) bool {
	if i < 0 || i+len(w) > len(s) || !strings.EqualFold(s[i:i+len(w)], w) {
		return false
	}
	if i > 0 && isIdent(s[i-1]) {
		return false
	}
	return i+len(w) == len(s) || !isIdent(s[i+len(w)])
}

func skipSpace(s string, i int) int {
	for i < len(s) && unicode.IsSpace(rune(s[i])) {
		i++
	}
	return i
}

// skipQuoted returns the index just past the literal or quoted identifier
// starting at i. SQL escapes a quote by doubling it.
func skipQuoted(s string, i int) int {
	q := s[i]
	for j := i + 1; j < len(s); j++ {
		if s[j] != q {
			continue
		}
		if j+1 < len(s) && s[j+1] == q {
			j++
			continue
		}
		return j + 1
	}
	return len(s)
}

// matchParen returns the index of the parenthesis closing the one at open,
// or -1.
func matchParen(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '\'', '"':
			i = skipQuoted(s, i) - 1
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func hasFilter(s string, i int) bool {
	return wordAt(s, skipSpace(s, i), "filter")
}
