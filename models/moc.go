package models

import (
	"time"

	"gorm.io/gorm"
)

// Moc statuses.
const (
	MocStatusDraft     = "draft"
	MocStatusPublished = "published"
	MocStatusArchived  = "archived"
)

// Moc is one custom build project. FinalizedAt is write-once: once set it is
// never cleared. FinalizingAt is the finalization lease; at most one live
// (unexpired) lease exists per row, enforced by a conditional update.
type Moc struct {
	ID              string         `gorm:"type:char(36);primaryKey" json:"id"`
	UserID          string         `gorm:"size:64;index;not null" json:"user_id"`
	Title           string         `gorm:"size:200;not null" json:"title"`
	Description     string         `gorm:"type:text" json:"description"`
	Theme           string         `gorm:"size:100;index" json:"theme"`
	Tags            string         `gorm:"size:1024" json:"tags"` // comma separated
	Status          string         `gorm:"size:32;index;default:draft" json:"status"`
	ThumbnailURL    string         `gorm:"size:1024" json:"thumbnail_url"`
	TotalPieceCount int            `json:"total_piece_count"`
	PublishedAt     *time.Time     `json:"published_at"`
	FinalizedAt     *time.Time     `gorm:"index" json:"finalized_at"`
	FinalizingAt    *time.Time     `json:"finalizing_at"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`

	Files []MocFile `gorm:"foreignKey:MocID" json:"files,omitempty"`
}
