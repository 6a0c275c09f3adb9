package matcher

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfbridge/shelfbridge/internal/api/hardcover"
	"github.com/shelfbridge/shelfbridge/internal/cache"
	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/models"
)

// fakeCatalog records which lookups ran and serves canned results
type fakeCatalog struct {
	calls []string

	asinEditions  []models.Edition
	isbnEditions  []models.Edition
	titleEditions []models.Edition

	shelf        map[int64]*models.UserBook
	shelfBooks   []models.UserBook
	shelfLookups int
	addedBook    *models.UserBook
	addCalls     int
}

func (f *fakeCatalog) GetUserBooks(ctx context.Context) ([]models.UserBook, error) {
	return f.shelfBooks, nil
}

func (f *fakeCatalog) GetBookCurrentProgress(ctx context.Context, userBookID int64) (*models.CurrentProgress, error) {
	return &models.CurrentProgress{}, nil
}

func (f *fakeCatalog) InsertReadingSession(ctx context.Context, input hardcover.InsertReadingSessionInput) (*models.ReadingSession, error) {
	return nil, nil
}

func (f *fakeCatalog) UpdateReadingSession(ctx context.Context, input hardcover.UpdateReadingSessionInput) (*models.ReadingSession, error) {
	return nil, nil
}

func (f *fakeCatalog) UpdateBookStatus(ctx context.Context, userBookID int64, statusID int) (bool, error) {
	return true, nil
}

func (f *fakeCatalog) SearchEditionByISBN(ctx context.Context, isbn string) ([]models.Edition, error) {
	f.calls = append(f.calls, "isbn")
	return f.isbnEditions, nil
}

func (f *fakeCatalog) SearchEditionByASIN(ctx context.Context, asin string) ([]models.Edition, error) {
	f.calls = append(f.calls, "asin")
	return f.asinEditions, nil
}

func (f *fakeCatalog) SearchEditionsByTitleAuthor(ctx context.Context, title, author string) ([]models.Edition, error) {
	f.calls = append(f.calls, "title_author")
	return f.titleEditions, nil
}

func (f *fakeCatalog) AddBookToLibrary(ctx context.Context, bookID int64, statusID int, editionID int64) (*models.UserBook, error) {
	f.addCalls++
	if f.addedBook != nil {
		return f.addedBook, nil
	}
	return &models.UserBook{ID: 900, BookID: bookID, StatusID: statusID}, nil
}

func (f *fakeCatalog) GetUserBookForEdition(ctx context.Context, editionID int64) (*models.UserBook, error) {
	f.shelfLookups++
	if book, ok := f.shelf[editionID]; ok {
		return book, nil
	}
	return nil, nil
}

func newTestResolver(t *testing.T, catalog *fakeCatalog, cfg Config) (*Resolver, *cache.Cache) {
	t.Helper()
	logger.ResetForTesting()

	progressCache, err := cache.New(filepath.Join(t.TempDir(), "cache.db"), logger.Get())
	require.NoError(t, err)
	t.Cleanup(func() { progressCache.Close() })

	return NewResolver(catalog, progressCache, cfg, logger.Get()), progressCache
}

func edition(id, bookID int64, title string, authors ...string) models.Edition {
	return models.Edition{ID: id, BookID: bookID, Title: title, AuthorNames: authors}
}

func TestResolveASINBeforeISBN(t *testing.T) {
	catalog := &fakeCatalog{
		asinEditions: []models.Edition{edition(10, 1, "A Title")},
		isbnEditions: []models.Edition{edition(20, 2, "A Title")},
		shelf:        map[int64]*models.UserBook{10: {ID: 5, BookID: 1}},
	}
	resolver, _ := newTestResolver(t, catalog, Config{AutoAdd: true, TitleAuthorSearch: true})

	match, err := resolver.Resolve(context.Background(), "user1", models.Identity{
		ASIN: "B07B4K9DLZ", ISBN: "9781234567890", Title: "A Title",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"asin"}, catalog.calls, "an ASIN hit must stop the lookup chain")
	assert.Equal(t, int64(10), match.EditionID)
	assert.Equal(t, int64(1), match.BookID)
}

func TestResolveFallsThroughToISBN(t *testing.T) {
	catalog := &fakeCatalog{
		isbnEditions: []models.Edition{edition(20, 2, "A Title")},
		shelf:        map[int64]*models.UserBook{20: {ID: 6, BookID: 2}},
	}
	resolver, _ := newTestResolver(t, catalog, Config{TitleAuthorSearch: true})

	match, err := resolver.Resolve(context.Background(), "user1", models.Identity{
		ASIN: "B07B4K9DLZ", ISBN: "9781234567890", Title: "A Title",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"asin", "isbn"}, catalog.calls)
	assert.Equal(t, int64(20), match.EditionID)
}

func TestResolveFallsThroughToTitleAuthor(t *testing.T) {
	catalog := &fakeCatalog{
		titleEditions: []models.Edition{
			edition(30, 3, "A Completely Different Title", "Someone Else"),
			edition(31, 3, "A Title", "An Author"),
		},
		shelf: map[int64]*models.UserBook{31: {ID: 7, BookID: 3}},
	}
	resolver, _ := newTestResolver(t, catalog, Config{TitleAuthorSearch: true})

	match, err := resolver.Resolve(context.Background(), "user1", models.Identity{
		Title: "A Title", Author: "An Author",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"title_author"}, catalog.calls)
	assert.Equal(t, int64(31), match.EditionID)
}

func TestResolveTitleAuthorDisabled(t *testing.T) {
	catalog := &fakeCatalog{
		titleEditions: []models.Edition{edition(31, 3, "A Title", "An Author")},
	}
	resolver, _ := newTestResolver(t, catalog, Config{TitleAuthorSearch: false})

	_, err := resolver.Resolve(context.Background(), "user1", models.Identity{
		Title: "A Title", Author: "An Author",
	})
	assert.ErrorIs(t, err, ErrNoMatch)
	assert.Empty(t, catalog.calls)
}

func TestResolveNoMatchAnywhere(t *testing.T) {
	catalog := &fakeCatalog{}
	resolver, _ := newTestResolver(t, catalog, Config{TitleAuthorSearch: true})

	_, err := resolver.Resolve(context.Background(), "user1", models.Identity{
		ASIN: "B07B4K9DLZ", Title: "A Title",
	})
	assert.ErrorIs(t, err, ErrNoMatch)
	assert.Equal(t, []string{"asin", "title_author"}, catalog.calls)
}

func TestResolveAutoAddsMissingShelfEntry(t *testing.T) {
	catalog := &fakeCatalog{
		asinEditions: []models.Edition{edition(10, 1, "A Title")},
	}
	resolver, _ := newTestResolver(t, catalog, Config{AutoAdd: true})

	match, err := resolver.Resolve(context.Background(), "user1", models.Identity{
		ASIN: "B07B4K9DLZ", Title: "A Title",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, catalog.addCalls)
	assert.Equal(t, models.StatusWantToRead, match.UserBook.StatusID)
	assert.True(t, match.AutoAdded, "an auto-added book must be flagged on the match")
}

func TestResolveExistingShelfEntryNotAutoAdded(t *testing.T) {
	catalog := &fakeCatalog{
		asinEditions: []models.Edition{edition(10, 1, "A Title")},
		shelf:        map[int64]*models.UserBook{10: {ID: 5, BookID: 1}},
	}
	resolver, _ := newTestResolver(t, catalog, Config{AutoAdd: true})

	match, err := resolver.Resolve(context.Background(), "user1", models.Identity{
		ASIN: "B07B4K9DLZ", Title: "A Title",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, catalog.addCalls)
	assert.False(t, match.AutoAdded)
}

func TestPrimeShelfServesLookupsFromSnapshot(t *testing.T) {
	editionID := int64(10)
	catalog := &fakeCatalog{
		asinEditions: []models.Edition{edition(10, 1, "A Title")},
		shelfBooks: []models.UserBook{
			{ID: 5, BookID: 1, StatusID: models.StatusReading, EditionID: &editionID},
		},
	}
	resolver, _ := newTestResolver(t, catalog, Config{})
	ctx := context.Background()

	require.NoError(t, resolver.PrimeShelf(ctx))

	match, err := resolver.Resolve(ctx, "user1", models.Identity{
		ASIN: "B07B4K9DLZ", Title: "A Title",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), match.UserBook.ID)
	assert.Equal(t, 0, catalog.shelfLookups, "a primed shelf must answer without a remote lookup")
}

func TestPrimeShelfFallsBackForUnknownEdition(t *testing.T) {
	primedID := int64(99)
	catalog := &fakeCatalog{
		asinEditions: []models.Edition{edition(10, 1, "A Title")},
		shelfBooks: []models.UserBook{
			{ID: 8, BookID: 4, EditionID: &primedID},
		},
		shelf: map[int64]*models.UserBook{10: {ID: 5, BookID: 1}},
	}
	resolver, _ := newTestResolver(t, catalog, Config{})
	ctx := context.Background()

	require.NoError(t, resolver.PrimeShelf(ctx))

	match, err := resolver.Resolve(ctx, "user1", models.Identity{
		ASIN: "B07B4K9DLZ", Title: "A Title",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), match.UserBook.ID)
	assert.Equal(t, 1, catalog.shelfLookups, "editions missing from the snapshot go remote")
}

func TestResolveAutoAddDisabled(t *testing.T) {
	catalog := &fakeCatalog{
		asinEditions: []models.Edition{edition(10, 1, "A Title")},
	}
	resolver, _ := newTestResolver(t, catalog, Config{AutoAdd: false})

	_, err := resolver.Resolve(context.Background(), "user1", models.Identity{
		ASIN: "B07B4K9DLZ", Title: "A Title",
	})
	require.ErrorIs(t, err, ErrNoMatch)
	assert.Equal(t, 0, catalog.addCalls)

	bookID, ok := hardcover.GetBookID(err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), bookID)
}

func TestResolveUsesCachedEdition(t *testing.T) {
	catalog := &fakeCatalog{
		shelf: map[int64]*models.UserBook{10: {ID: 5, BookID: 1}},
	}
	resolver, progressCache := newTestResolver(t, catalog, Config{TitleAuthorSearch: true})
	ctx := context.Background()

	editionID := int64(10)
	require.NoError(t, progressCache.StoreSyncData(ctx, cache.SyncData{
		UserID:         "user1",
		Identifier:     "B07B4K9DLZ",
		IdentifierType: models.IdentifierASIN,
		Title:          "A Title",
		EditionID:      &editionID,
	}))

	match, err := resolver.Resolve(ctx, "user1", models.Identity{
		ASIN: "B07B4K9DLZ", Title: "A Title",
	})
	require.NoError(t, err)
	assert.Empty(t, catalog.calls, "a cached edition skips remote search entirely")
	assert.Equal(t, int64(10), match.EditionID)
}
