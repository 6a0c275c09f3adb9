package cache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/models"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	logger.ResetForTesting()

	c, err := New(filepath.Join(t.TempDir(), "cache.db"), logger.Get())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }
func int64Ptr(v int64) *int64     { return &v }

func storeBook(t *testing.T, c *Cache, progress float64, statusID int, editionID int64) {
	t.Helper()
	err := c.StoreSyncData(context.Background(), SyncData{
		UserID:          "user1",
		Identifier:      "9781234567890",
		IdentifierType:  models.IdentifierISBN,
		Title:           "The Test Book",
		Author:          "Test Author",
		EditionID:       int64Ptr(editionID),
		ProgressPercent: floatPtr(progress),
		StatusID:        intPtr(statusID),
	})
	require.NoError(t, err)
}

func TestStoreAndGetCachedInfo(t *testing.T) {
	c := newTestCache(t)
	storeBook(t, c, 42.5, models.StatusReading, 100)

	info := c.GetCachedInfo(context.Background(), "user1", "9781234567890", "The Test Book", models.IdentifierISBN)
	require.True(t, info.Exists)
	assert.Equal(t, 42.5, *info.ProgressPercent)
	assert.Equal(t, models.StatusReading, *info.StatusID)
	assert.Equal(t, int64(100), *info.EditionID)
}

func TestGetCachedInfoTitleIsCaseInsensitive(t *testing.T) {
	c := newTestCache(t)
	storeBook(t, c, 10, models.StatusReading, 100)

	info := c.GetCachedInfo(context.Background(), "user1", "9781234567890", "  THE TEST BOOK ", models.IdentifierISBN)
	assert.True(t, info.Exists)
}

func TestGetCachedInfoMiss(t *testing.T) {
	c := newTestCache(t)
	info := c.GetCachedInfo(context.Background(), "user1", "unknown", "Nope", models.IdentifierISBN)
	assert.False(t, info.Exists)
}

func TestHasProgressChangedEpsilon(t *testing.T) {
	c := newTestCache(t)
	storeBook(t, c, 50.0, models.StatusReading, 100)
	ctx := context.Background()

	tests := []struct {
		name        string
		newProgress float64
		want        bool
	}{
		{"identical value is no change", 50.0, false},
		{"difference below epsilon is noise", 50.005, false},
		{"difference just below epsilon is noise", 50.008, false},
		{"difference above epsilon is a change", 50.02, true},
		{"backward change above epsilon counts too", 49.9, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.HasProgressChanged(ctx, "user1", "9781234567890", "The Test Book", tt.newProgress, models.IdentifierISBN)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHasProgressChangedMissingRecord(t *testing.T) {
	c := newTestCache(t)
	got := c.HasProgressChanged(context.Background(), "user1", "missing", "Nope", 10, models.IdentifierISBN)
	assert.True(t, got, "an uncached book always counts as changed")
}

func TestNeedsSyncCheckNotCached(t *testing.T) {
	c := newTestCache(t)
	check := c.NeedsSyncCheck(context.Background(), "user1", "missing", "Nope", 10, models.IdentifierISBN, nil, nil)
	assert.True(t, check.NeedsSync)
	assert.Equal(t, "not cached", check.Reason)
	assert.True(t, check.ProgressChanged)
}

func TestNeedsSyncCheckNoChange(t *testing.T) {
	c := newTestCache(t)
	storeBook(t, c, 50.0, models.StatusReading, 100)

	check := c.NeedsSyncCheck(context.Background(), "user1", "9781234567890", "The Test Book",
		50.0, models.IdentifierISBN, intPtr(models.StatusReading), int64Ptr(100))
	assert.False(t, check.NeedsSync)
	assert.Equal(t, "no change", check.Reason)
}

func TestNeedsSyncCheckStatusChanged(t *testing.T) {
	c := newTestCache(t)
	storeBook(t, c, 50.0, models.StatusReading, 100)

	check := c.NeedsSyncCheck(context.Background(), "user1", "9781234567890", "The Test Book",
		50.0, models.IdentifierISBN, intPtr(models.StatusRead), int64Ptr(100))
	assert.True(t, check.NeedsSync)
	assert.Equal(t, "status changed", check.Reason)
	assert.True(t, check.StatusChanged)
	assert.False(t, check.ProgressChanged)
}

func TestNeedsSyncCheckEditionChanged(t *testing.T) {
	c := newTestCache(t)
	storeBook(t, c, 50.0, models.StatusReading, 100)

	check := c.NeedsSyncCheck(context.Background(), "user1", "9781234567890", "The Test Book",
		50.0, models.IdentifierISBN, intPtr(models.StatusReading), int64Ptr(200))
	assert.True(t, check.NeedsSync)
	assert.Equal(t, "edition changed", check.Reason)
}

func TestNeedsSyncCheckNullCachedFieldsAreNotChanges(t *testing.T) {
	c := newTestCache(t)

	// record with progress only: status and edition stay NULL
	err := c.StoreSyncData(context.Background(), SyncData{
		UserID:          "user1",
		Identifier:      "9781234567890",
		IdentifierType:  models.IdentifierISBN,
		Title:           "The Test Book",
		ProgressPercent: floatPtr(50.0),
	})
	require.NoError(t, err)

	check := c.NeedsSyncCheck(context.Background(), "user1", "9781234567890", "The Test Book",
		50.0, models.IdentifierISBN, intPtr(models.StatusReading), int64Ptr(100))
	assert.False(t, check.NeedsSync,
		"a NULL cached status or edition must never register as a change")
}

func TestNeedsSyncCheckFailsOpenOnStorageError(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Close())

	check := c.NeedsSyncCheck(context.Background(), "user1", "9781234567890", "The Test Book",
		50.0, models.IdentifierISBN, nil, nil)
	assert.True(t, check.NeedsSync, "storage errors must force a sync, not skip one")
	assert.Equal(t, "cache error", check.Reason)
}

func TestStoreSyncDataPreservesUnsetFields(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	storeBook(t, c, 50.0, models.StatusReading, 100)

	// second upsert carries only progress
	err := c.StoreSyncData(ctx, SyncData{
		UserID:          "user1",
		Identifier:      "9781234567890",
		IdentifierType:  models.IdentifierISBN,
		Title:           "The Test Book",
		ProgressPercent: floatPtr(75.0),
	})
	require.NoError(t, err)

	info := c.GetCachedInfo(ctx, "user1", "9781234567890", "The Test Book", models.IdentifierISBN)
	require.True(t, info.Exists)
	assert.Equal(t, 75.0, *info.ProgressPercent)
	require.NotNil(t, info.StatusID, "nil status in the upsert must not clear the stored one")
	assert.Equal(t, models.StatusReading, *info.StatusID)
	require.NotNil(t, info.EditionID)
	assert.Equal(t, int64(100), *info.EditionID)
}

func TestFindByAnyKeyPrefersStrongerKeyButFallsBack(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	// cached under title_author before the item had an ISBN
	err := c.StoreSyncData(ctx, SyncData{
		UserID:          "user1",
		Identifier:      models.TitleAuthorKey("The Test Book", "Test Author"),
		IdentifierType:  models.IdentifierTitleAuthor,
		Title:           "The Test Book",
		Author:          "Test Author",
		EditionID:       int64Ptr(100),
		ProgressPercent: floatPtr(30),
	})
	require.NoError(t, err)

	identity := models.Identity{
		ISBN:   "9781234567890",
		Title:  "The Test Book",
		Author: "Test Author",
	}
	record, found := c.FindByAnyKey(ctx, "user1", identity.Title, identity.CacheKeys())
	require.True(t, found, "the title_author fallback key must still match")
	assert.Equal(t, int64(100), *record.EditionID)
}

func TestUsersAreIsolated(t *testing.T) {
	c := newTestCache(t)
	storeBook(t, c, 50.0, models.StatusReading, 100)

	info := c.GetCachedInfo(context.Background(), "user2", "9781234567890", "The Test Book", models.IdentifierISBN)
	assert.False(t, info.Exists)
}

func TestClearAndStats(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	storeBook(t, c, 50.0, models.StatusReading, 100)

	stats, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Recent)
	assert.Greater(t, stats.SizeOnDisk, int64(0))

	require.NoError(t, c.Clear(ctx))

	stats, err = c.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Total)
}
