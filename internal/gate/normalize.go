package gate

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// invisible lists zero-width and formatting characters used to smuggle
// instructions past pattern matching.
var invisible = map[rune]bool{
	'\u200b': true, // zero width space
	'\u200c': true, // zero width non-joiner
	'\u200d': true, // zero width joiner
	'\u180e': true, // mongolian vowel separator
	'\ufeff': true, // byte order mark
	'\u2060': true, // word joiner
	'\u2061': true,
	'\u2062': true,
	'\u2063': true,
	'\u2064': true,
	'\u00ad': true, // soft hyphen
	'\u034f': true, // combining grapheme joiner
	'\u061c': true, // arabic letter mark
}

// Normalize strips invisible characters and non-printing controls, applies
// NFC and collapses runs of spaces. It returns the cleaned text and the
// number of invisible characters removed.
func Normalize(text string) (string, int) {
	removed := 0
	var b strings.Builder
	b.Grow(len(text))
	lastSpace := false
	for _, r := range norm.NFC.String(text) {
		switch {
		case invisible[r]:
			removed++
			continue
		case r == '\t' || r == '\n' || r == '\r':
			b.WriteRune(r)
			lastSpace = false
			continue
		case unicode.IsControl(r):
			continue
		case r == ' ' || unicode.Is(unicode.Zs, r):
			if lastSpace {
				continue
			}
			b.WriteByte(' ')
			lastSpace = true
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return b.String(), removed
}
