package dicommeta

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

func unprintable(r rune) bool {
	return r > unicode.MaxASCII || (!unicode.IsPrint(r) && !unicode.IsSpace(r))
}

// Sanitize strips non-ASCII and non-printable runes and surrounding padding from a header
// string. A lone "?" is treated as no value.
func Sanitize(s string) string {
	out, _, err := transform.String(runes.Remove(runes.Predicate(unprintable)), s)
	if err != nil {
		out = strings.Map(func(r rune) rune {
			if unprintable(r) {
				return -1
			}
			return r
		}, s)
	}
	out = strings.TrimSpace(out)
	if out == "?" {
		return ""
	}
	return out
}
