package models

import "strings"

// IdentifierType distinguishes how a cache record is keyed
type IdentifierType string

const (
	IdentifierISBN        IdentifierType = "isbn"
	IdentifierASIN        IdentifierType = "asin"
	IdentifierTitleAuthor IdentifierType = "title_author"
)

// Identity correlates a library item with a catalog entry. At most one of
// ISBN/ASIN is authoritative per lookup; title+author is always computable
// and serves as the fallback identity.
type Identity struct {
	ISBN   string
	ASIN   string
	Title  string
	Author string
}

// Primary returns the strongest available identifier and its type
func (id Identity) Primary() (string, IdentifierType) {
	if id.ASIN != "" {
		return id.ASIN, IdentifierASIN
	}
	if id.ISBN != "" {
		return id.ISBN, IdentifierISBN
	}
	return TitleAuthorKey(id.Title, id.Author), IdentifierTitleAuthor
}

// CacheKeys returns every cache key the identity can be stored under,
// strongest first. Lookups must try all of them: an item may have been
// cached under title_author before it acquired an ISBN or ASIN.
func (id Identity) CacheKeys() []CacheKey {
	var keys []CacheKey
	if id.ASIN != "" {
		keys = append(keys, CacheKey{Identifier: id.ASIN, Type: IdentifierASIN})
	}
	if id.ISBN != "" {
		keys = append(keys, CacheKey{Identifier: id.ISBN, Type: IdentifierISBN})
	}
	keys = append(keys, CacheKey{
		Identifier: TitleAuthorKey(id.Title, id.Author),
		Type:       IdentifierTitleAuthor,
	})
	return keys
}

// CacheKey is one (identifier, type) pair a record can be looked up by
type CacheKey struct {
	Identifier string
	Type       IdentifierType
}

// NormalizeTitle lower-cases and trims a title so it can participate in the
// case/whitespace-insensitive cache key.
func NormalizeTitle(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

// TitleAuthorKey derives the fallback identifier from title and author
func TitleAuthorKey(title, author string) string {
	t := NormalizeTitle(title)
	a := NormalizeTitle(author)
	return t + "|" + a
}
