package discovery

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxQueryLength is the longest submission accepted, in characters.
const MaxQueryLength = 1000

// NormalizeQuery trims text, folds typographic punctuation to ASCII and
// collapses whitespace. Empty or oversized input yields ErrInvalidInput.
func NormalizeQuery(text string) (string, error) {
	normalized := strings.Join(strings.Fields(strings.Map(foldPunctuation, text)), " ")
	if normalized == "" {
		return "", fmt.Errorf("%w: query is empty", ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(normalized); n > MaxQueryLength {
		return "", fmt.Errorf("%w: query is %d characters, limit is %d", ErrInvalidInput, n, MaxQueryLength)
	}
	return normalized, nil
}

func foldPunctuation(r rune) rune {
	switch r {
	case '‚', '„', '“', '”', '‘', '’':
		return '"'
	case '–', '—':
		return '-'
	case '…':
		return '.'
	}
	if unicode.IsControl(r) {
		return ' '
	}
	return r
}
