package capture

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Accumulate splits a result list into its final and interim text, each
// concatenated in order.
func Accumulate(results []Result) (final, interim string) {
	for _, r := range results {
		if r.Final {
			final = joinPieces(final, r.Text)
		} else {
			interim = joinPieces(interim, r.Text)
		}
	}
	return final, interim
}

// DisplayText is the cleaned live view of final followed by interim text.
func DisplayText(c Cleaner, final, interim string) string {
	return c.Clean(joinPieces(final, interim))
}

// joinPieces concatenates a and b, inserting a single space unless the
// boundary already carries whitespace.
func joinPieces(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	last, _ := utf8.DecodeLastRuneInString(a)
	first, _ := utf8.DecodeRuneInString(b)
	if unicode.IsSpace(last) || unicode.IsSpace(first) {
		return a + b
	}
	var sb strings.Builder
	sb.Grow(len(a) + len(b) + 1)
	sb.WriteString(a)
	sb.WriteByte(' ')
	sb.WriteString(b)
	return sb.String()
}
