package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfbridge/shelfbridge/internal/api/hardcover"
	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/models"
)

// fakeCatalog implements hardcover.ClientInterface with programmable behavior
type fakeCatalog struct {
	insertCalls int
	updateCalls int
	statusCalls int

	insertErr error
	updateErr error
	statusErr error
	statusOK  bool

	lastInsert hardcover.InsertReadingSessionInput
	lastUpdate hardcover.UpdateReadingSessionInput
	lastStatus int
}

func (f *fakeCatalog) GetUserBooks(ctx context.Context) ([]models.UserBook, error) {
	return nil, nil
}

func (f *fakeCatalog) GetBookCurrentProgress(ctx context.Context, userBookID int64) (*models.CurrentProgress, error) {
	return &models.CurrentProgress{}, nil
}

func (f *fakeCatalog) InsertReadingSession(ctx context.Context, input hardcover.InsertReadingSessionInput) (*models.ReadingSession, error) {
	f.insertCalls++
	f.lastInsert = input
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	return &models.ReadingSession{ID: 1, UserBookID: input.UserBookID}, nil
}

func (f *fakeCatalog) UpdateReadingSession(ctx context.Context, input hardcover.UpdateReadingSessionInput) (*models.ReadingSession, error) {
	f.updateCalls++
	f.lastUpdate = input
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &models.ReadingSession{ID: input.ID}, nil
}

func (f *fakeCatalog) UpdateBookStatus(ctx context.Context, userBookID int64, statusID int) (bool, error) {
	f.statusCalls++
	f.lastStatus = statusID
	return f.statusOK, f.statusErr
}

func (f *fakeCatalog) SearchEditionByISBN(ctx context.Context, isbn string) ([]models.Edition, error) {
	return nil, nil
}

func (f *fakeCatalog) SearchEditionByASIN(ctx context.Context, asin string) ([]models.Edition, error) {
	return nil, nil
}

func (f *fakeCatalog) SearchEditionsByTitleAuthor(ctx context.Context, title, author string) ([]models.Edition, error) {
	return nil, nil
}

func (f *fakeCatalog) AddBookToLibrary(ctx context.Context, bookID int64, statusID int, editionID int64) (*models.UserBook, error) {
	return nil, nil
}

func (f *fakeCatalog) GetUserBookForEdition(ctx context.Context, editionID int64) (*models.UserBook, error) {
	return nil, nil
}

func newCoordinator(catalog *fakeCatalog) *CompletionCoordinator {
	logger.ResetForTesting()
	return NewCompletionCoordinator(catalog, logger.Get())
}

func TestMarkCompletedInsertsWhenNoOpenSession(t *testing.T) {
	catalog := &fakeCatalog{statusOK: true}
	coordinator := newCoordinator(catalog)

	ok, err := coordinator.MarkCompleted(context.Background(), CompletionInput{
		UserBookID: 7,
		TotalValue: 3600,
		UseSeconds: true,
		FinishedAt: "2026-08-30",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 1, catalog.insertCalls)
	assert.Equal(t, 0, catalog.updateCalls)
	assert.Equal(t, 1, catalog.statusCalls)
	assert.Equal(t, models.StatusRead, catalog.lastStatus)
	require.NotNil(t, catalog.lastInsert.FinishedAt)
	assert.Equal(t, "2026-08-30", *catalog.lastInsert.FinishedAt)
}

func TestMarkCompletedUpdatesOpenSession(t *testing.T) {
	catalog := &fakeCatalog{statusOK: true}
	coordinator := newCoordinator(catalog)

	existing := &models.ReadingSession{ID: 99, UserBookID: 7}
	ok, err := coordinator.MarkCompleted(context.Background(), CompletionInput{
		UserBookID: 7,
		Existing:   existing,
		TotalValue: 3600,
		UseSeconds: true,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 0, catalog.insertCalls)
	assert.Equal(t, 1, catalog.updateCalls)
	assert.Equal(t, int64(99), catalog.lastUpdate.ID)
	require.NotNil(t, catalog.lastUpdate.FinishedAt)
}

func TestMarkCompletedInsertsWhenLatestSessionFinished(t *testing.T) {
	catalog := &fakeCatalog{statusOK: true}
	coordinator := newCoordinator(catalog)

	finished := "2026-01-01"
	existing := &models.ReadingSession{ID: 99, UserBookID: 7, FinishedAt: &finished}
	ok, err := coordinator.MarkCompleted(context.Background(), CompletionInput{
		UserBookID: 7,
		Existing:   existing,
		TotalValue: 3600,
		UseSeconds: true,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, catalog.insertCalls)
	assert.Equal(t, 0, catalog.updateCalls)
}

func TestMarkCompletedProgressFailureSkipsStatus(t *testing.T) {
	catalog := &fakeCatalog{insertErr: errors.New("write failed"), statusOK: true}
	coordinator := newCoordinator(catalog)

	ok, err := coordinator.MarkCompleted(context.Background(), CompletionInput{
		UserBookID: 7,
		TotalValue: 3600,
		UseSeconds: true,
	})
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, catalog.statusCalls,
		"status must never change when the session write failed")
}

func TestMarkCompletedStatusFailureReturnsFalse(t *testing.T) {
	catalog := &fakeCatalog{statusErr: errors.New("status write failed")}
	coordinator := newCoordinator(catalog)

	ok, err := coordinator.MarkCompleted(context.Background(), CompletionInput{
		UserBookID: 7,
		TotalValue: 3600,
		UseSeconds: true,
	})
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, catalog.insertCalls, "the session write happens first")
	assert.Equal(t, 1, catalog.statusCalls)
	assert.Contains(t, err.Error(), "inconsistent")
}

func TestMarkCompletedStatusRejectedReturnsFalse(t *testing.T) {
	catalog := &fakeCatalog{statusOK: false}
	coordinator := newCoordinator(catalog)

	ok, err := coordinator.MarkCompleted(context.Background(), CompletionInput{
		UserBookID: 7,
		TotalValue: 3600,
		UseSeconds: true,
	})
	require.NoError(t, err)
	assert.False(t, ok)
}
