package tokenize

import (
	"slices"
	"testing"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name  string
		parts []string
		want  []string
	}{
		{"writer and text", []string{"snowman", "abc def 123"}, []string{"123", "abc", "def", "snowman"}},
		{"case folding", []string{"Hello HELLO hello"}, []string{"hello"}},
		{"punctuation", []string{"def, 123! xyz?"}, []string{"123", "def", "xyz"}},
		{"markup", []string{"<b>bold</b> &amp; <script>x()</script>plain"}, []string{"bold", "plain"}},
		{"fullwidth digits", []string{"１２３"}, []string{"123"}},
		{"hangul", []string{"눈사람", "안녕하세요, 눈사람"}, []string{"눈사람", "안녕하세요"}},
		{"german sharp s", []string{"Straße"}, []string{"strasse"}},
		{"empty", []string{"", "  ... "}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.parts...)
			if !slices.Equal(got, tt.want) {
				t.Errorf("Tokenize(%q) = %q, want %q", tt.parts, got, tt.want)
			}
		})
	}
}

func TestTokenize_QueryMatchesPost(t *testing.T) {
	post := Tokenize("Snowman", "ABC def 123")
	for _, q := range []string{"snowman", "def 123", "abc DEF 123"} {
		for _, tok := range Tokenize(q) {
			if _, ok := slices.BinarySearch(post, tok); !ok {
				t.Errorf("query %q token %q missing from post tokens %q", q, tok, post)
			}
		}
	}
}
