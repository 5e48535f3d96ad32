package models

import (
	"time"

	"gorm.io/gorm"
)

// MocStore wraps MOC row access, including the finalization lease which is a
// single conditional update on finalizing_at rather than an in-process lock.
type MocStore struct {
	db *gorm.DB
}

// NewMocStore creates a MocStore backed by gorm.
func NewMocStore(db *gorm.DB) *MocStore {
	return &MocStore{db: db}
}

// Get loads a MOC by id.
func (s *MocStore) Get(mocID string) (*Moc, error) {
	var moc Moc
	if err := s.db.Where("id = ?", mocID).First(&moc).Error; err != nil {
		return nil, err
	}
	return &moc, nil
}

// GetForUser loads a MOC by id and owner. A wrong id and a wrong owner both
// come back as gorm.ErrRecordNotFound so callers cannot tell them apart.
func (s *MocStore) GetForUser(mocID, userID string) (*Moc, error) {
	var moc Moc
	if err := s.db.Where("id = ? AND user_id = ?", mocID, userID).First(&moc).Error; err != nil {
		return nil, err
	}
	return &moc, nil
}

// TryAcquireFinalizeLock attempts the lease CAS: set finalizing_at = now only
// when the MOC is not finalized and holds no live lease. The lease self-expires
// after ttl so a crashed holder cannot wedge the MOC forever.
func (s *MocStore) TryAcquireFinalizeLock(mocID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	cutoff := now.Add(-ttl)
	res := s.db.Model(&Moc{}).
		Where("id = ? AND finalized_at IS NULL AND (finalizing_at IS NULL OR finalizing_at < ?)", mocID, cutoff).
		Update("finalizing_at", now)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ReleaseFinalizeLock unconditionally clears the lease. Called on every failure
// exit so a retry does not have to wait out the TTL. Never called on success:
// a set finalized_at already makes the lease irrelevant.
func (s *MocStore) ReleaseFinalizeLock(mocID string) error {
	return s.db.Model(&Moc{}).Where("id = ?", mocID).
		Update("finalizing_at", nil).Error
}

// CommitFinalize stamps finalized_at, clears the lease, and records the
// thumbnail and piece count in one update. The finalized_at IS NULL guard keeps
// the column write-once even if two commits ever raced past the lease.
func (s *MocStore) CommitFinalize(mocID, thumbnailURL string, totalPieceCount int, publish bool) error {
	now := time.Now()
	updates := map[string]interface{}{
		"finalized_at":      now,
		"finalizing_at":     nil,
		"thumbnail_url":     thumbnailURL,
		"total_piece_count": totalPieceCount,
		"updated_at":        now,
	}
	if publish {
		updates["status"] = MocStatusPublished
		updates["published_at"] = now
	}
	return s.db.Model(&Moc{}).
		Where("id = ? AND finalized_at IS NULL", mocID).
		Updates(updates).Error
}

// FileStore wraps file-record access for a MOC.
type FileStore struct {
	db *gorm.DB
}

// NewFileStore creates a FileStore backed by gorm.
func NewFileStore(db *gorm.DB) *FileStore {
	return &FileStore{db: db}
}

// ListByMoc returns every file attached to the MOC, oldest first.
func (s *FileStore) ListByMoc(mocID string) ([]MocFile, error) {
	var files []MocFile
	err := s.db.Where("moc_id = ?", mocID).Order("created_at ASC").Find(&files).Error
	return files, err
}

// ListByIDs returns the MOC's files restricted to the given ids.
func (s *FileStore) ListByIDs(mocID string, ids []string) ([]MocFile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var files []MocFile
	err := s.db.Where("moc_id = ? AND id IN ?", mocID, ids).Order("created_at ASC").Find(&files).Error
	return files, err
}

// Retag updates a single file's type, used to promote the first image to
// thumbnail during finalization.
func (s *FileStore) Retag(fileID, fileType string) error {
	return s.db.Model(&MocFile{}).Where("id = ?", fileID).
		Update("file_type", fileType).Error
}
