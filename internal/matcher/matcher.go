// Package matcher resolves tracker library items to catalog books. Resolution
// is strictly ordered: ASIN, then ISBN, then title/author search. The cache is
// consulted under every key the item can be stored under before any remote
// search is attempted.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/shelfbridge/shelfbridge/internal/api/hardcover"
	"github.com/shelfbridge/shelfbridge/internal/cache"
	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/models"
)

// ErrNoMatch is returned when no catalog entry could be resolved for an item
var ErrNoMatch = errors.New("no catalog match found")

// Config controls optional matcher behavior
type Config struct {
	// AutoAdd adds resolved books to the user's shelf when they are missing
	AutoAdd bool
	// TitleAuthorSearch enables the remote title/author fallback search
	TitleAuthorSearch bool
}

// Resolver matches library items against the catalog
type Resolver struct {
	client hardcover.ClientInterface
	cache  *cache.Cache
	config Config
	logger *logger.Logger

	// shelf is a read-only snapshot of the user's catalog shelf keyed by
	// edition ID, populated once per run by PrimeShelf
	shelf map[int64]*models.UserBook
}

// NewResolver creates a new Resolver
func NewResolver(client hardcover.ClientInterface, progressCache *cache.Cache, cfg Config, log *logger.Logger) *Resolver {
	return &Resolver{
		client: client,
		cache:  progressCache,
		config: cfg,
		logger: log.With(map[string]interface{}{
			"component": "book_matcher",
		}),
	}
}

// PrimeShelf fetches the user's full shelf once and indexes it by edition,
// so per-item resolution can answer "is this on the shelf" without a remote
// round trip. Must be called before workers start; the snapshot is read-only
// afterwards.
func (r *Resolver) PrimeShelf(ctx context.Context) error {
	books, err := r.client.GetUserBooks(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch catalog shelf: %w", err)
	}

	shelf := make(map[int64]*models.UserBook, len(books))
	for i := range books {
		if books[i].EditionID != nil {
			shelf[*books[i].EditionID] = &books[i]
		}
	}
	r.shelf = shelf

	r.logger.Debug("Primed shelf snapshot", map[string]interface{}{
		"user_books": len(books),
		"by_edition": len(shelf),
	})
	return nil
}

// userBookForEdition answers from the shelf snapshot when possible and falls
// back to a remote lookup for editions added after the snapshot was taken.
func (r *Resolver) userBookForEdition(ctx context.Context, editionID int64) (*models.UserBook, error) {
	if userBook, ok := r.shelf[editionID]; ok {
		return userBook, nil
	}
	return r.client.GetUserBookForEdition(ctx, editionID)
}

// Resolve finds the catalog (book, edition) pair for an identity. The cache
// is tried first under every applicable key; on a miss each identifier is
// tried in order of strength and the first hit wins.
func (r *Resolver) Resolve(ctx context.Context, userID string, identity models.Identity) (*models.CatalogMatch, error) {
	if match := r.resolveFromCache(ctx, userID, identity); match != nil {
		return match, nil
	}

	if identity.ASIN != "" {
		editions, err := r.client.SearchEditionByASIN(ctx, identity.ASIN)
		if err != nil {
			return nil, fmt.Errorf("ASIN lookup failed: %w", err)
		}
		if len(editions) > 0 {
			return r.matchFromEdition(ctx, &editions[0])
		}
		r.logger.Debug("No ASIN match, falling through", map[string]interface{}{
			"asin":  identity.ASIN,
			"title": identity.Title,
		})
	}

	if identity.ISBN != "" {
		editions, err := r.client.SearchEditionByISBN(ctx, identity.ISBN)
		if err != nil {
			return nil, fmt.Errorf("ISBN lookup failed: %w", err)
		}
		if len(editions) > 0 {
			return r.matchFromEdition(ctx, &editions[0])
		}
		r.logger.Debug("No ISBN match, falling through", map[string]interface{}{
			"isbn":  identity.ISBN,
			"title": identity.Title,
		})
	}

	if r.config.TitleAuthorSearch && identity.Title != "" {
		edition, err := r.searchByTitleAuthor(ctx, identity.Title, identity.Author)
		if err != nil {
			return nil, err
		}
		if edition != nil {
			return r.matchFromEdition(ctx, edition)
		}
	}

	return nil, fmt.Errorf("%w: %q by %q", ErrNoMatch, identity.Title, identity.Author)
}

// resolveFromCache tries every key the identity can be cached under. A cached
// edition ID short-circuits remote search entirely when the shelf entry still
// exists.
func (r *Resolver) resolveFromCache(ctx context.Context, userID string, identity models.Identity) *models.CatalogMatch {
	record, found := r.cache.FindByAnyKey(ctx, userID, identity.Title, identity.CacheKeys())
	if !found || record.EditionID == nil {
		return nil
	}

	userBook, err := r.userBookForEdition(ctx, *record.EditionID)
	if err != nil || userBook == nil {
		r.logger.Debug("Cached edition no longer on shelf, re-resolving", map[string]interface{}{
			"edition_id": *record.EditionID,
			"title":      identity.Title,
		})
		return nil
	}

	return &models.CatalogMatch{
		BookID:    userBook.BookID,
		EditionID: *record.EditionID,
		UserBook:  userBook,
		Title:     userBook.Book.Title,
	}
}

// matchFromEdition turns a resolved edition into a full match, adding the
// book to the shelf when it is missing and auto-add is enabled.
func (r *Resolver) matchFromEdition(ctx context.Context, edition *models.Edition) (*models.CatalogMatch, error) {
	userBook, err := r.userBookForEdition(ctx, edition.ID)
	if err != nil {
		return nil, fmt.Errorf("shelf lookup failed: %w", err)
	}

	autoAdded := false
	if userBook == nil {
		if !r.config.AutoAdd {
			return nil, hardcover.WithBookID(
				fmt.Errorf("%w: book not on shelf and auto-add disabled", ErrNoMatch), edition.BookID)
		}
		userBook, err = r.client.AddBookToLibrary(ctx, edition.BookID, models.StatusWantToRead, edition.ID)
		if err != nil {
			return nil, fmt.Errorf("auto-add failed: %w", err)
		}
		autoAdded = true
		r.logger.Info("Added book to shelf", map[string]interface{}{
			"book_id":    edition.BookID,
			"edition_id": edition.ID,
			"title":      edition.Title,
		})
	}

	return &models.CatalogMatch{
		BookID:    edition.BookID,
		EditionID: edition.ID,
		UserBook:  userBook,
		Edition:   edition,
		Title:     edition.Title,
		AutoAdded: autoAdded,
	}, nil
}

// minTitleRank is the worst fuzzy rank still accepted for a title match
const minTitleRank = 100

// searchByTitleAuthor runs the remote title search and picks the best
// candidate by fuzzy title distance, preferring editions whose author list
// contains the requested author.
func (r *Resolver) searchByTitleAuthor(ctx context.Context, title, author string) (*models.Edition, error) {
	editions, err := r.client.SearchEditionsByTitleAuthor(ctx, title, author)
	if err != nil {
		return nil, fmt.Errorf("title/author search failed: %w", err)
	}
	if len(editions) == 0 {
		return nil, nil
	}

	best := -1
	bestRank := minTitleRank + 1
	for i := range editions {
		rank := fuzzy.RankMatchNormalizedFold(title, editions[i].Title)
		if rank < 0 || rank > minTitleRank {
			continue
		}
		if author != "" && !authorMatches(author, editions[i].AuthorNames) {
			// keep as a weak candidate only if nothing better shows up
			rank += minTitleRank / 2
		}
		if rank < bestRank {
			bestRank = rank
			best = i
		}
	}
	if best < 0 {
		return nil, nil
	}

	r.logger.Debug("Title/author search matched", map[string]interface{}{
		"title":      title,
		"matched":    editions[best].Title,
		"edition_id": editions[best].ID,
		"rank":       bestRank,
	})
	return &editions[best], nil
}

func authorMatches(author string, candidates []string) bool {
	for _, name := range candidates {
		if fuzzy.MatchNormalizedFold(author, name) || strings.EqualFold(author, name) {
			return true
		}
	}
	return false
}
