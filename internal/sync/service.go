// Package sync implements the orchestrator: it walks the tracker's libraries,
// decides per item whether anything changed, and drives the matcher, session
// manager and completion coordinator over a bounded worker pool. Failures are
// isolated per book; one broken item never aborts the run.
package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shelfbridge/shelfbridge/internal/api/hardcover"
	"github.com/shelfbridge/shelfbridge/internal/cache"
	"github.com/shelfbridge/shelfbridge/internal/config"
	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/matcher"
	"github.com/shelfbridge/shelfbridge/internal/models"
	"github.com/shelfbridge/shelfbridge/internal/session"
)

// TrackerClient is the slice of the Audiobookshelf API the orchestrator needs
type TrackerClient interface {
	GetLibraries(ctx context.Context) ([]models.Library, error)
	GetLibraryItems(ctx context.Context, libraryID string) ([]models.LibraryItem, error)
	GetItemsInProgress(ctx context.Context) ([]models.LibraryItem, error)
	GetItemDetails(ctx context.Context, itemID string) (*models.LibraryItem, error)
	GetUserProgress(ctx context.Context, itemID string) (*models.MediaProgress, error)
}

// BookResolver resolves a library identity to a catalog match
type BookResolver interface {
	// PrimeShelf takes the per-run catalog shelf snapshot
	PrimeShelf(ctx context.Context) error
	Resolve(ctx context.Context, userID string, identity models.Identity) (*models.CatalogMatch, error)
}

// Completer marks a book finished on the catalog side
type Completer interface {
	MarkCompleted(ctx context.Context, input session.CompletionInput) (bool, error)
}

// Service orchestrates one sync run end to end
type Service struct {
	config     *config.Config
	tracker    TrackerClient
	catalog    hardcover.ClientInterface
	cache      *cache.Cache
	resolver   BookResolver
	sessions   *session.Manager
	completion Completer
	logger     *logger.Logger
	inflight   *inflightSet
}

// NewService creates a new sync Service
func NewService(
	cfg *config.Config,
	tracker TrackerClient,
	catalog hardcover.ClientInterface,
	progressCache *cache.Cache,
	resolver BookResolver,
	sessions *session.Manager,
	completion Completer,
	log *logger.Logger,
) *Service {
	return &Service{
		config:     cfg,
		tracker:    tracker,
		catalog:    catalog,
		cache:      progressCache,
		resolver:   resolver,
		sessions:   sessions,
		completion: completion,
		logger: log.With(map[string]interface{}{
			"component": "sync_service",
		}),
		inflight: newInflightSet(),
	}
}

// Sync runs one full synchronization pass and returns its aggregate result.
// The returned error covers run-level failures only (fetching the library
// listing); per-book failures are recorded in the result instead.
func (s *Service) Sync(ctx context.Context) (Result, error) {
	builder := newResultBuilder(s.config.Sync.DryRun)

	s.logger.Info("Starting sync run", map[string]interface{}{
		"dry_run": s.config.Sync.DryRun,
		"force":   s.config.Sync.Force,
		"workers": s.config.Sync.Workers,
	})

	items, duplicates, err := s.collectItems(ctx)
	if err != nil {
		return builder.finalize(), err
	}
	builder.setCounts(len(items), duplicates)

	// failing to fetch the catalog side of the initial listing is run-fatal,
	// same as failing to list the tracker's libraries
	if err := s.resolver.PrimeShelf(ctx); err != nil {
		return builder.finalize(), err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Sync.Workers)
	for i := range items {
		item := items[i]
		g.Go(func() error {
			// per-book failures are recorded, never propagated
			s.syncItem(gctx, &item, builder)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return builder.finalize(), err
	}

	result := builder.finalize()
	s.logger.Info("Sync run finished", map[string]interface{}{
		"run_id":     result.RunID,
		"total":      result.Total,
		"synced":     result.Synced,
		"completed":  result.Completed,
		"auto_added": result.AutoAdded,
		"skipped":    result.Skipped,
		"failed":     result.Failed,
		"duplicates": result.Duplicates,
		"duration":   result.FinishedAt.Sub(result.StartedAt).String(),
	})
	return result, nil
}

// collectItems fetches every library's items, removes duplicates by native
// item ID, applies the title filter and item cap, and folds in progress from
// the in-progress listing so most items need no per-item progress fetch.
func (s *Service) collectItems(ctx context.Context) ([]models.LibraryItem, int, error) {
	libraries, err := s.tracker.GetLibraries(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list libraries: %w", err)
	}

	var items []models.LibraryItem
	seen := make(map[string]struct{})
	duplicates := 0

	for _, library := range libraries {
		libraryItems, err := s.tracker.GetLibraryItems(ctx, library.ID)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to list items in library %s: %w", library.Name, err)
		}
		for _, item := range libraryItems {
			if _, dup := seen[item.ID]; dup {
				duplicates++
				continue
			}
			seen[item.ID] = struct{}{}

			if s.config.Sync.TitleFilter != "" &&
				!strings.Contains(strings.ToLower(item.Media.Metadata.Title), strings.ToLower(s.config.Sync.TitleFilter)) {
				continue
			}
			items = append(items, item)
		}
	}

	if max := s.config.Sync.MaxItems; max > 0 && len(items) > max {
		items = items[:max]
	}

	s.applyInProgressListing(ctx, items)

	if duplicates > 0 {
		s.logger.Debug("Removed duplicate library items", map[string]interface{}{
			"duplicates": duplicates,
		})
	}
	return items, duplicates, nil
}

// applyInProgressListing copies progress from the bulk in-progress endpoint
// onto the collected items. A failure here only costs per-item progress
// fetches later, so it is logged and tolerated.
func (s *Service) applyInProgressListing(ctx context.Context, items []models.LibraryItem) {
	inProgress, err := s.tracker.GetItemsInProgress(ctx)
	if err != nil {
		s.logger.Warn("Failed to fetch in-progress listing, falling back to per-item lookups", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	progressByID := make(map[string]models.ItemProgress, len(inProgress))
	for _, item := range inProgress {
		if item.HasProgressData() {
			progressByID[item.ID] = item.Progress
		}
	}
	for i := range items {
		if progress, ok := progressByID[items[i].ID]; ok && !items[i].HasProgressData() {
			items[i].Progress = progress
		}
	}
}

// syncItem handles one library item and records its outcome on the builder
func (s *Service) syncItem(ctx context.Context, item *models.LibraryItem, builder *resultBuilder) {
	start := time.Now()
	s.hydrateDetails(ctx, item)
	identity := matcher.ExtractIdentity(item)
	primaryID, primaryType := identity.Primary()

	detail := BookDetail{
		Title:          identity.Title,
		Identifier:     primaryID,
		IdentifierType: string(primaryType),
	}
	finish := func(status string) {
		detail.Status = status
		detail.Duration = time.Since(start)
		builder.add(detail)
	}
	fail := func(err error) {
		detail.Errors = append(detail.Errors, err.Error())
		s.logger.Error("Book sync failed", map[string]interface{}{
			"title": identity.Title,
			"error": err.Error(),
		})
		finish(BookFailed)
	}
	skip := func(reason string) {
		detail.Actions = append(detail.Actions, reason)
		finish(BookSkipped)
	}

	key := models.CacheKey{Identifier: primaryID, Type: primaryType}
	if !s.inflight.tryAcquire(key) {
		skip("already in flight")
		return
	}
	defer s.inflight.release(key)

	if !item.HasProgressData() {
		progress, err := s.tracker.GetUserProgress(ctx, item.ID)
		if err != nil {
			fail(fmt.Errorf("failed to fetch tracker progress: %w", err))
			return
		}
		if progress == nil {
			skip("no progress")
			return
		}
		item.ApplyMediaProgress(progress)
	}

	percent := item.ProgressPercent()
	finished := item.Progress.IsFinished || percent >= 100
	if !finished && percent < s.config.Sync.MinimumProgress {
		skip(fmt.Sprintf("below minimum progress (%.2f%%)", percent))
		return
	}

	statusID := models.StatusReading
	if finished {
		statusID = models.StatusRead
	}

	if !s.config.Sync.Force {
		check := s.cache.NeedsSyncCheck(ctx, s.config.UserID, primaryID, identity.Title, percent, primaryType, &statusID, nil)
		if !check.NeedsSync {
			skip(check.Reason)
			return
		}
		detail.Actions = append(detail.Actions, check.Reason)
	}

	match, err := s.resolver.Resolve(ctx, s.config.UserID, identity)
	if err != nil {
		fail(err)
		return
	}
	if match.AutoAdded {
		detail.Actions = append(detail.Actions, "added to shelf")
		builder.noteAutoAdded()
	}

	// re-check against the resolved edition: identifier-level checks cannot
	// see a book that drifted to a different catalog edition
	if check := s.cache.NeedsSyncCheck(ctx, s.config.UserID, primaryID, identity.Title, percent, primaryType, &statusID, &match.EditionID); check.EditionChanged {
		detail.Actions = append(detail.Actions, "edition changed")
	}

	if s.config.Sync.DryRun {
		if finished {
			detail.Actions = append(detail.Actions, "would mark completed")
			finish(BookCompleted)
		} else {
			detail.Actions = append(detail.Actions, fmt.Sprintf("would sync progress to %.1f%%", percent))
			finish(BookSynced)
		}
		return
	}

	current, err := s.catalog.GetBookCurrentProgress(ctx, match.UserBook.ID)
	if err != nil {
		fail(fmt.Errorf("failed to read current catalog progress: %w", err))
		return
	}

	value, useSeconds := item.ProgressValue()
	total := s.totalFor(item, match)

	if finished {
		s.handleFinished(ctx, item, match, current, total, useSeconds, &detail, finish, fail)
	} else {
		s.handleProgress(ctx, match, current, value, percent, total, useSeconds, &detail, finish, fail)
	}

	if detail.Status != BookFailed {
		s.storeCacheEntry(ctx, identity, primaryID, primaryType, match, percent, statusID, finished)
	}
}

// handleFinished drives the completion coordinator for a finished item
func (s *Service) handleFinished(
	ctx context.Context,
	item *models.LibraryItem,
	match *models.CatalogMatch,
	current *models.CurrentProgress,
	total float64,
	useSeconds bool,
	detail *BookDetail,
	finish func(string),
	fail func(error),
) {
	totalValue := total
	if totalValue <= 0 {
		totalValue, _ = item.ProgressValue()
	}

	editionID := match.EditionID
	input := session.CompletionInput{
		UserBookID: match.UserBook.ID,
		Existing:   current.LatestRead,
		TotalValue: totalValue,
		UseSeconds: useSeconds,
		EditionID:  &editionID,
		FinishedAt: formatUnixDate(item.Progress.FinishedAt),
	}

	ok, err := s.completion.MarkCompleted(ctx, input)
	if err != nil {
		fail(err)
		return
	}
	if !ok {
		fail(fmt.Errorf("status change was rejected after the finished session was written, remote state may be inconsistent"))
		return
	}
	detail.Actions = append(detail.Actions, "marked completed")
	finish(BookCompleted)
}

// handleProgress writes a non-final progress update, creating or updating the
// latest session per the session manager's decision.
func (s *Service) handleProgress(
	ctx context.Context,
	match *models.CatalogMatch,
	current *models.CurrentProgress,
	value, percent, total float64,
	useSeconds bool,
	detail *BookDetail,
	finish func(string),
	fail func(error),
) {
	decision := s.sessions.Decide(current.LatestRead, value, percent, total)
	detail.Actions = append(detail.Actions, decision.Reason)

	editionID := match.EditionID
	switch decision.Action {
	case session.ActionCreate:
		startedAt := time.Now().Format("2006-01-02")
		_, err := s.catalog.InsertReadingSession(ctx, hardcover.InsertReadingSessionInput{
			UserBookID: match.UserBook.ID,
			Value:      value,
			UseSeconds: useSeconds,
			EditionID:  &editionID,
			StartedAt:  &startedAt,
		})
		if err != nil {
			fail(fmt.Errorf("failed to create reading session: %w", err))
			return
		}
		detail.Actions = append(detail.Actions, "created reading session")
	default:
		_, err := s.catalog.UpdateReadingSession(ctx, hardcover.UpdateReadingSessionInput{
			ID:         current.LatestRead.ID,
			Value:      value,
			UseSeconds: useSeconds,
			EditionID:  &editionID,
		})
		if err != nil {
			fail(fmt.Errorf("failed to update reading session: %w", err))
			return
		}
		detail.Actions = append(detail.Actions, "updated reading session")
	}

	// a book being actively consumed should not sit at Want to Read
	if match.UserBook.StatusID == models.StatusWantToRead {
		if ok, err := s.catalog.UpdateBookStatus(ctx, match.UserBook.ID, models.StatusReading); err != nil {
			s.logger.Warn("Failed to move book to reading status", map[string]interface{}{
				"user_book_id": match.UserBook.ID,
				"error":        err.Error(),
			})
		} else if ok {
			detail.Actions = append(detail.Actions, "status set to reading")
		}
	}

	finish(BookSynced)
}

// hydrateDetails replaces minified listing media with the item's full
// metadata. Best effort: on failure the listing data is used as is.
func (s *Service) hydrateDetails(ctx context.Context, item *models.LibraryItem) {
	if item.Media.Duration > 0 || item.Media.NumPages > 0 {
		return
	}
	full, err := s.tracker.GetItemDetails(ctx, item.ID)
	if err != nil {
		s.logger.Debug("Item details fetch failed, using listing metadata", map[string]interface{}{
			"item_id": item.ID,
			"error":   err.Error(),
		})
		return
	}
	if full == nil {
		return
	}
	item.Media = full.Media
}

// totalFor returns the edition's full length in the item's progress unit
func (s *Service) totalFor(item *models.LibraryItem, match *models.CatalogMatch) float64 {
	if item.IsAudio() {
		if item.Media.Duration > 0 {
			return item.Media.Duration
		}
		if match.Edition != nil && match.Edition.AudioSeconds != nil {
			return float64(*match.Edition.AudioSeconds)
		}
		return 0
	}
	if item.Media.NumPages > 0 {
		return float64(item.Media.NumPages)
	}
	if match.Edition != nil && match.Edition.Pages != nil {
		return float64(*match.Edition.Pages)
	}
	return 0
}

// storeCacheEntry records the synced state. Cache failures are logged, not
// surfaced: the next run will simply re-check the book.
func (s *Service) storeCacheEntry(
	ctx context.Context,
	identity models.Identity,
	primaryID string,
	primaryType models.IdentifierType,
	match *models.CatalogMatch,
	percent float64,
	statusID int,
	finished bool,
) {
	if s.config.Sync.DryRun {
		return
	}

	data := cache.SyncData{
		UserID:          s.config.UserID,
		Identifier:      primaryID,
		IdentifierType:  primaryType,
		Title:           identity.Title,
		Author:          identity.Author,
		EditionID:       &match.EditionID,
		ProgressPercent: &percent,
		StatusID:        &statusID,
	}
	if finished {
		finishedAt := time.Now().Format("2006-01-02")
		data.FinishedAt = &finishedAt
	}

	if err := s.cache.StoreSyncData(ctx, data); err != nil {
		s.logger.Warn("Failed to store cache entry", map[string]interface{}{
			"title": identity.Title,
			"error": err.Error(),
		})
	}
}

// formatUnixDate converts a tracker millisecond timestamp to a date string,
// returning "" when the tracker did not report one.
func formatUnixDate(millis int64) string {
	if millis <= 0 {
		return ""
	}
	return time.UnixMilli(millis).Format("2006-01-02")
}
