package models

import "time"

// File types for MocFile records.
const (
	FileTypeInstruction  = "instruction"
	FileTypePartsList    = "parts-list"
	FileTypeThumbnail    = "thumbnail"
	FileTypeGalleryImage = "gallery-image"
)

// MocFile is one uploaded file attached to a MOC. Rows are created when the
// upload subsystem issues upload URLs; this service only ever retags one image
// record to thumbnail during finalization.
type MocFile struct {
	ID               string    `gorm:"type:char(36);primaryKey" json:"id"`
	MocID            string    `gorm:"type:char(36);index;not null" json:"moc_id"`
	FileType         string    `gorm:"size:32;not null" json:"file_type"`
	FileURL          string    `gorm:"size:1024;not null" json:"file_url"`
	OriginalFilename string    `gorm:"size:512" json:"original_filename"`
	MimeType         string    `gorm:"size:128" json:"mime_type"`
	CreatedAt        time.Time `json:"created_at"`
}

// IsImage reports whether the file can serve as a MOC thumbnail.
func (f MocFile) IsImage() bool {
	return f.FileType == FileTypeGalleryImage || f.FileType == FileTypeThumbnail
}
