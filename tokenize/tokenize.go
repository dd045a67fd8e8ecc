// Package tokenize turns free text into search tokens. Markup is stripped,
// text is NFKC-normalized and case-folded, and words are split on anything
// that is not a letter, mark or digit.
package tokenize

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"postyard/domain"
)

var strict = bluemonday.StrictPolicy()

// Tokenize returns the sorted, de-duplicated tokens of all parts. Post
// tokens are built from the writer and the text; queries pass one part.
func Tokenize(parts ...string) []string {
	// cases.Caser is stateful and not safe for concurrent use.
	fold := cases.Fold()

	var tokens []string
	for _, part := range parts {
		plain := html.UnescapeString(strict.Sanitize(part))
		folded := fold.String(norm.NFKC.String(plain))
		tokens = append(tokens, strings.FieldsFunc(folded, isSeparator)...)
	}
	return domain.NormalizeTokens(tokens)
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsMark(r)
}
