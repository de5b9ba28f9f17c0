package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ImageAsset is one stored image, shared by every entity that references the same source.
type ImageAsset struct {
	ID          string      `json:"id" gorm:"type:varchar(36);primaryKey"`
	DedupKey    string      `json:"dedup_key" gorm:"uniqueIndex;not null"`
	SourceURL   string      `json:"source_url" gorm:"not null"`
	StorageKey  string      `json:"storage_key"`
	URL         string      `json:"url"`
	ContentHash string      `json:"content_hash"`
	ContentType string      `json:"content_type"`
	SizeBytes   int64       `json:"size_bytes"`
	Status      ImageStatus `json:"status" gorm:"not null;default:pending"`
	ClaimedBy   string      `json:"claimed_by"`
	ClaimedAt   *time.Time  `json:"claimed_at"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type ImageStatus string

const (
	ImageStatusPending ImageStatus = "pending"
	ImageStatusReady   ImageStatus = "ready"
)

// ImageLink attaches an asset to a slot on a family or variant.
type ImageLink struct {
	ID        string    `json:"id" gorm:"type:varchar(36);primaryKey"`
	AssetID   string    `json:"asset_id" gorm:"type:varchar(36);not null;index"`
	OwnerType string    `json:"owner_type" gorm:"not null;uniqueIndex:idx_image_slot"`
	OwnerID   string    `json:"owner_id" gorm:"not null;uniqueIndex:idx_image_slot"`
	Field     string    `json:"field" gorm:"not null;uniqueIndex:idx_image_slot"`
	Position  int       `json:"position" gorm:"not null;uniqueIndex:idx_image_slot"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	OwnerFamily  = "product_family"
	OwnerVariant = "product_variant"

	FieldPrimaryImage = "primary_image"
	FieldGallery      = "gallery"
)

func (a *ImageAsset) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return nil
}

func (l *ImageLink) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	return nil
}
