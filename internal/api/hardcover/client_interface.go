package hardcover

import (
	"context"

	"github.com/shelfbridge/shelfbridge/internal/models"
)

// ClientInterface defines the operations the sync engine needs from the
// Hardcover API. All implementations route every call through the configured
// rate gate.
type ClientInterface interface {
	// GetUserBooks returns every book on the current user's shelf (paged internally)
	GetUserBooks(ctx context.Context) ([]models.UserBook, error)

	// GetBookCurrentProgress returns the latest reading session and user book
	// state for one shelf entry
	GetBookCurrentProgress(ctx context.Context, userBookID int64) (*models.CurrentProgress, error)

	// InsertReadingSession creates a new reading session record
	InsertReadingSession(ctx context.Context, input InsertReadingSessionInput) (*models.ReadingSession, error)

	// UpdateReadingSession mutates an existing reading session record
	UpdateReadingSession(ctx context.Context, input UpdateReadingSessionInput) (*models.ReadingSession, error)

	// UpdateBookStatus sets the status of a user book; false means the API
	// rejected the update
	UpdateBookStatus(ctx context.Context, userBookID int64, statusID int) (bool, error)

	// SearchEditionByISBN looks up editions by normalized ISBN-10/13
	SearchEditionByISBN(ctx context.Context, isbn string) ([]models.Edition, error)

	// SearchEditionByASIN looks up editions by normalized ASIN
	SearchEditionByASIN(ctx context.Context, asin string) ([]models.Edition, error)

	// SearchEditionsByTitleAuthor performs a title/author search
	SearchEditionsByTitleAuthor(ctx context.Context, title, author string) ([]models.Edition, error)

	// AddBookToLibrary adds a book to the user's shelf with the given status
	AddBookToLibrary(ctx context.Context, bookID int64, statusID int, editionID int64) (*models.UserBook, error)

	// GetUserBookForEdition finds the user's shelf entry for an edition, if any
	GetUserBookForEdition(ctx context.Context, editionID int64) (*models.UserBook, error)
}
