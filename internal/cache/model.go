package cache

import (
	"time"

	"gorm.io/gorm"
)

// CacheRecord is one row in the books table: the last-known sync state for
// one (user, identity) pair. Records are created on first successful
// resolution and only ever mutated by the owning user's sync run.
type CacheRecord struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	UserID         string `gorm:"index;uniqueIndex:idx_user_identity,priority:1;not null" json:"user_id"`
	Identifier     string `gorm:"index;uniqueIndex:idx_user_identity,priority:2;not null" json:"identifier"`
	IdentifierType string `gorm:"index;uniqueIndex:idx_user_identity,priority:3;not null" json:"identifier_type"`
	// Title is stored lower-cased and trimmed; it is part of the unique key
	Title           string     `gorm:"index;uniqueIndex:idx_user_identity,priority:4;not null" json:"title"`
	Author          string     `gorm:"index" json:"author"`
	EditionID       *int64     `gorm:"index" json:"edition_id"`
	ProgressPercent *float64   `json:"progress_percent"`
	StatusID        *int       `json:"status_id"`
	StartedAt       *string    `json:"started_at"`
	FinishedAt      *string    `json:"finished_at"`
	LastSync        time.Time  `json:"last_sync"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName overrides the GORM default so the schema matches the documented
// books table.
func (CacheRecord) TableName() string {
	return "books"
}

// BeforeCreate hook for CacheRecord
func (r *CacheRecord) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	return nil
}

// BeforeUpdate hook for CacheRecord
func (r *CacheRecord) BeforeUpdate(tx *gorm.DB) error {
	r.UpdatedAt = time.Now()
	return nil
}
