// Package cache implements the durable progress cache backing the sync
// engine. It is the single source of "did anything change": the orchestrator
// consults it before doing any identity resolution or remote work, so its
// change checks must never produce a false "no change". Storage errors
// therefore degrade toward re-syncing, never toward skipping.
package cache

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	applogger "github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/models"
)

// progressEpsilon is the change threshold in percentage points. Differences
// at or below it are noise from float conversion, not real progress.
const progressEpsilon = 0.01

// recentWindow bounds the "recent" bucket in Stats
const recentWindow = 7 * 24 * time.Hour

// Cache is the durable per-user progress cache over a SQLite books table
type Cache struct {
	db     *gorm.DB
	path   string
	logger *applogger.Logger
}

// CachedInfo is the result of a point lookup. Exists false means the book has
// never been successfully resolved for this key (or the lookup failed).
type CachedInfo struct {
	Exists          bool
	EditionID       *int64
	ProgressPercent *float64
	StatusID        *int
}

// SyncData carries the fields of an upsert. Nil pointers leave the stored
// value untouched on the update path.
type SyncData struct {
	UserID          string
	Identifier      string
	IdentifierType  models.IdentifierType
	Title           string
	Author          string
	EditionID       *int64
	ProgressPercent *float64
	StatusID        *int
	StartedAt       *string
	FinishedAt      *string
}

// SyncCheck is the decision returned by NeedsSyncCheck
type SyncCheck struct {
	NeedsSync       bool
	Reason          string
	ProgressChanged bool
	StatusChanged   bool
	EditionChanged  bool
}

// Stats summarizes cache contents
type Stats struct {
	Total      int64 `json:"total"`
	Recent     int64 `json:"recent"`
	SizeOnDisk int64 `json:"size_on_disk"`
}

// New opens (or creates) the cache database at path and migrates the schema
func New(path string, log *applogger.Logger) (*Cache, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	// SQLite only supports one writer at a time
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&CacheRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate cache schema: %w", err)
	}

	c := &Cache{
		db:   db,
		path: path,
		logger: log.With(map[string]interface{}{
			"component": "progress_cache",
		}),
	}

	c.logger.Debug("Progress cache opened", map[string]interface{}{
		"path": path,
	})
	return c, nil
}

// Close closes the underlying database connection
func (c *Cache) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// GetCachedInfo looks up one record by its exact key. It never returns an
// error: storage failures degrade to Exists=false so callers fall back to a
// full re-check.
func (c *Cache) GetCachedInfo(ctx context.Context, userID, identifier, title string, typ models.IdentifierType) CachedInfo {
	record, err := c.find(ctx, userID, identifier, title, typ)
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			c.logger.Warn("Cache lookup failed, treating as miss", map[string]interface{}{
				"error":           err.Error(),
				"identifier":      identifier,
				"identifier_type": string(typ),
			})
		}
		return CachedInfo{}
	}
	return CachedInfo{
		Exists:          true,
		EditionID:       record.EditionID,
		ProgressPercent: record.ProgressPercent,
		StatusID:        record.StatusID,
	}
}

// FindByAnyKey looks a record up under every applicable key type, strongest
// first. A book cached under title_author is still found after later runs
// supply an ISBN or ASIN.
func (c *Cache) FindByAnyKey(ctx context.Context, userID, title string, keys []models.CacheKey) (*CacheRecord, bool) {
	for _, key := range keys {
		record, err := c.find(ctx, userID, key.Identifier, title, key.Type)
		if err == nil {
			return record, true
		}
		if err != gorm.ErrRecordNotFound {
			c.logger.Warn("Cache lookup failed during multi-key search", map[string]interface{}{
				"error":           err.Error(),
				"identifier_type": string(key.Type),
			})
		}
	}
	return nil, false
}

// StoreSyncData upserts a record by the unique (user, identifier, type, title)
// key. On the update path, nil fields preserve the stored values.
func (c *Cache) StoreSyncData(ctx context.Context, data SyncData) error {
	title := models.NormalizeTitle(data.Title)
	now := time.Now()

	existing, err := c.find(ctx, data.UserID, data.Identifier, data.Title, data.IdentifierType)
	if err != nil && err != gorm.ErrRecordNotFound {
		return fmt.Errorf("failed to look up cache record: %w", err)
	}

	if err == gorm.ErrRecordNotFound {
		record := CacheRecord{
			UserID:          data.UserID,
			Identifier:      data.Identifier,
			IdentifierType:  string(data.IdentifierType),
			Title:           title,
			Author:          data.Author,
			EditionID:       data.EditionID,
			ProgressPercent: data.ProgressPercent,
			StatusID:        data.StatusID,
			StartedAt:       data.StartedAt,
			FinishedAt:      data.FinishedAt,
			LastSync:        now,
		}
		if err := c.db.WithContext(ctx).Create(&record).Error; err != nil {
			return fmt.Errorf("failed to create cache record: %w", err)
		}
		return nil
	}

	updates := map[string]interface{}{
		"last_sync":  now,
		"updated_at": now,
	}
	if data.Author != "" {
		updates["author"] = data.Author
	}
	if data.EditionID != nil {
		updates["edition_id"] = *data.EditionID
	}
	if data.ProgressPercent != nil {
		updates["progress_percent"] = *data.ProgressPercent
	}
	if data.StatusID != nil {
		updates["status_id"] = *data.StatusID
	}
	if data.StartedAt != nil {
		updates["started_at"] = *data.StartedAt
	}
	if data.FinishedAt != nil {
		updates["finished_at"] = *data.FinishedAt
	}

	if err := c.db.WithContext(ctx).Model(&CacheRecord{}).
		Where("id = ?", existing.ID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update cache record: %w", err)
	}
	return nil
}

// HasProgressChanged reports whether newProgress differs from the cached
// value by more than the epsilon. A missing record counts as changed.
func (c *Cache) HasProgressChanged(ctx context.Context, userID, identifier, title string, newProgress float64, typ models.IdentifierType) bool {
	info := c.GetCachedInfo(ctx, userID, identifier, title, typ)
	if !info.Exists || info.ProgressPercent == nil {
		return true
	}
	return math.Abs(*info.ProgressPercent-newProgress) > progressEpsilon
}

// NeedsSyncCheck decides whether a book needs a full sync pass. Any lookup
// failure fails open (needs sync) rather than silently skipping a book.
// A NULL cached status or edition never triggers a change by itself.
func (c *Cache) NeedsSyncCheck(ctx context.Context, userID, identifier, title string, newProgress float64, typ models.IdentifierType, newStatusID *int, newEditionID *int64) SyncCheck {
	record, err := c.find(ctx, userID, identifier, title, typ)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return SyncCheck{NeedsSync: true, Reason: "not cached", ProgressChanged: true}
		}
		c.logger.Warn("Cache check failed, forcing sync", map[string]interface{}{
			"error":      err.Error(),
			"identifier": identifier,
		})
		return SyncCheck{NeedsSync: true, Reason: "cache error"}
	}

	check := SyncCheck{}

	if record.ProgressPercent == nil {
		check.ProgressChanged = true
	} else if math.Abs(*record.ProgressPercent-newProgress) > progressEpsilon {
		check.ProgressChanged = true
	}

	if newStatusID != nil && record.StatusID != nil && *record.StatusID != *newStatusID {
		check.StatusChanged = true
	}
	if newEditionID != nil && record.EditionID != nil && *record.EditionID != *newEditionID {
		check.EditionChanged = true
	}

	switch {
	case check.ProgressChanged:
		check.NeedsSync = true
		check.Reason = "progress changed"
	case check.StatusChanged:
		check.NeedsSync = true
		check.Reason = "status changed"
	case check.EditionChanged:
		check.NeedsSync = true
		check.Reason = "edition changed"
	default:
		check.Reason = "no change"
	}
	return check
}

// Clear removes every record from the cache
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.db.WithContext(ctx).Where("1 = 1").Delete(&CacheRecord{}).Error; err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	c.logger.Info("Progress cache cleared", nil)
	return nil
}

// GetStats returns counts and on-disk size
func (c *Cache) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats

	if err := c.db.WithContext(ctx).Model(&CacheRecord{}).Count(&stats.Total).Error; err != nil {
		return stats, fmt.Errorf("failed to count cache records: %w", err)
	}

	cutoff := time.Now().Add(-recentWindow)
	if err := c.db.WithContext(ctx).Model(&CacheRecord{}).
		Where("last_sync >= ?", cutoff).
		Count(&stats.Recent).Error; err != nil {
		return stats, fmt.Errorf("failed to count recent cache records: %w", err)
	}

	if fi, err := os.Stat(c.path); err == nil {
		stats.SizeOnDisk = fi.Size()
	}
	return stats, nil
}

func (c *Cache) find(ctx context.Context, userID, identifier, title string, typ models.IdentifierType) (*CacheRecord, error) {
	var record CacheRecord
	err := c.db.WithContext(ctx).
		Where("user_id = ? AND identifier = ? AND identifier_type = ? AND title = ?",
			userID, identifier, string(typ), models.NormalizeTitle(title)).
		First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}
