package domain

import (
	"math"
	"slices"
	"time"
)

type Post struct {
	ID      int64     `json:"id"`
	Created time.Time `json:"created"`
	Writer  string    `json:"writer"`
	Text    string    `json:"text"`
	// Tokens is derived from Writer and Text by the caller and is persisted
	// as-is so reads never re-tokenize.
	Tokens []string `json:"tokens"`
}

// Normalize returns a copy of p with Created truncated to milliseconds in UTC
// and Tokens sorted without duplicates. Every store persists the normalized
// form.
func (p Post) Normalize() Post {
	p.Created = p.Created.UTC().Truncate(time.Millisecond)
	p.Tokens = NormalizeTokens(p.Tokens)
	return p
}

// Equal reports whether p and o hold the same persisted values. It is the
// round-trip comparison for stores: Created is compared as an instant, so a
// post read back equals the normalized post that was written.
func (p Post) Equal(o Post) bool {
	return p.ID == o.ID &&
		p.Created.Equal(o.Created) &&
		p.Writer == o.Writer &&
		p.Text == o.Text &&
		slices.Equal(p.Tokens, o.Tokens)
}

// NormalizeTokens sorts a copy of tokens and drops empty and repeated entries.
// A post without tokens always normalizes to nil.
func NormalizeTokens(tokens []string) []string {
	var out []string
	for _, t := range tokens {
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Skip returns the number of posts preceding a 1-based page.
func Skip(page, size int) (int, error) {
	if page < 1 || size < 1 {
		return 0, ErrInvalidPage
	}
	if page-1 > math.MaxInt/size {
		return 0, ErrInvalidPage
	}
	return (page - 1) * size, nil
}
