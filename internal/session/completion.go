package session

import (
	"context"
	"fmt"
	"time"

	"github.com/shelfbridge/shelfbridge/internal/api/hardcover"
	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/models"
)

// CompletionCoordinator performs the two-step finish: write final progress,
// then flip the shelf status to Read. The status write only ever happens
// after the progress write is confirmed, so a finished status never exists
// without a finished session behind it.
type CompletionCoordinator struct {
	client hardcover.ClientInterface
	logger *logger.Logger
}

// NewCompletionCoordinator creates a new CompletionCoordinator
func NewCompletionCoordinator(client hardcover.ClientInterface, log *logger.Logger) *CompletionCoordinator {
	return &CompletionCoordinator{
		client: client,
		logger: log.With(map[string]interface{}{
			"component": "completion_coordinator",
		}),
	}
}

// CompletionInput describes one finish event
type CompletionInput struct {
	UserBookID int64
	// Existing is the latest catalog session, nil when there is none
	Existing *models.ReadingSession
	// TotalValue is the edition's full length (seconds or pages)
	TotalValue float64
	UseSeconds bool
	EditionID  *int64
	// FinishedAt overrides the finish date; empty means today
	FinishedAt string
}

// MarkCompleted marks a book finished. It returns true only when both the
// session write and the status write succeeded. On a partial failure the
// returned error notes that the remote state may be inconsistent.
func (c *CompletionCoordinator) MarkCompleted(ctx context.Context, input CompletionInput) (bool, error) {
	finishedAt := input.FinishedAt
	if finishedAt == "" {
		finishedAt = time.Now().Format("2006-01-02")
	}

	if err := c.writeFinalSession(ctx, input, finishedAt); err != nil {
		return false, fmt.Errorf("completion aborted before status change: %w", err)
	}

	ok, err := c.client.UpdateBookStatus(ctx, input.UserBookID, models.StatusRead)
	if err != nil {
		return false, fmt.Errorf("session finished but status update failed, remote state may be inconsistent: %w", err)
	}
	if !ok {
		c.logger.Warn("Status update rejected after the session was finished, remote state may be inconsistent", map[string]interface{}{
			"user_book_id": input.UserBookID,
		})
		return false, nil
	}

	c.logger.Info("Book marked completed", map[string]interface{}{
		"user_book_id": input.UserBookID,
		"finished_at":  finishedAt,
	})
	return true, nil
}

// writeFinalSession closes the latest open session at the total value, or
// creates a fresh finished session when none is open.
func (c *CompletionCoordinator) writeFinalSession(ctx context.Context, input CompletionInput, finishedAt string) error {
	if input.Existing != nil && !input.Existing.Finished() {
		_, err := c.client.UpdateReadingSession(ctx, hardcover.UpdateReadingSessionInput{
			ID:         input.Existing.ID,
			Value:      input.TotalValue,
			UseSeconds: input.UseSeconds,
			EditionID:  input.EditionID,
			FinishedAt: &finishedAt,
		})
		if err != nil {
			return fmt.Errorf("failed to finish reading session: %w", err)
		}
		return nil
	}

	startedAt := finishedAt
	_, err := c.client.InsertReadingSession(ctx, hardcover.InsertReadingSessionInput{
		UserBookID: input.UserBookID,
		Value:      input.TotalValue,
		UseSeconds: input.UseSeconds,
		EditionID:  input.EditionID,
		StartedAt:  &startedAt,
		FinishedAt: &finishedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to insert finished session: %w", err)
	}
	return nil
}
