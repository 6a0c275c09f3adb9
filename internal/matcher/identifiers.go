package matcher

import (
	"strings"
	"unicode"

	"github.com/shelfbridge/shelfbridge/internal/models"
)

// NormalizeISBN strips hyphens and spaces and upper-cases the check digit.
// Returns "" when the result is not a plausible ISBN-10 or ISBN-13.
func NormalizeISBN(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r == '-' || unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	isbn := b.String()
	if len(isbn) != 10 && len(isbn) != 13 {
		return ""
	}
	for i, r := range isbn {
		if r >= '0' && r <= '9' {
			continue
		}
		// ISBN-10 allows X as the final check digit
		if r == 'X' && len(isbn) == 10 && i == 9 {
			continue
		}
		return ""
	}
	return isbn
}

// NormalizeASIN validates and upper-cases an ASIN. ASINs are ten characters,
// start with a letter and are never purely numeric; anything else (including
// an ISBN-10 that ended up in an ASIN field) is rejected.
func NormalizeASIN(raw string) string {
	asin := strings.ToUpper(strings.TrimSpace(raw))
	if len(asin) != 10 {
		return ""
	}
	allDigits := true
	for _, r := range asin {
		if !unicode.IsDigit(r) && !unicode.IsUpper(r) {
			return ""
		}
		if !unicode.IsDigit(r) {
			allDigits = false
		}
	}
	if allDigits {
		return ""
	}
	if !unicode.IsLetter(rune(asin[0])) {
		return ""
	}
	return asin
}

// ExtractIdentity derives the strongest identity the item's metadata
// supports. Tracker metadata is messy: the ISBN field sometimes carries an
// ASIN and vice versa, so both fields are tried for both shapes.
func ExtractIdentity(item *models.LibraryItem) models.Identity {
	meta := item.Media.Metadata

	identity := models.Identity{
		Title:  strings.TrimSpace(meta.Title),
		Author: strings.TrimSpace(meta.AuthorName),
	}

	for _, candidate := range []string{meta.ASIN, meta.ISBN} {
		if identity.ASIN == "" {
			if asin := NormalizeASIN(candidate); asin != "" {
				identity.ASIN = asin
				continue
			}
		}
		if identity.ISBN == "" {
			if isbn := NormalizeISBN(candidate); isbn != "" {
				identity.ISBN = isbn
			}
		}
	}
	return identity
}
