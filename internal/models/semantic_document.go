package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SemanticDocument records what was last pushed to the semantic store for a product.
type SemanticDocument struct {
	ID         string    `json:"id" gorm:"type:varchar(36);primaryKey"`
	ProductID  string    `json:"product_id" gorm:"uniqueIndex;not null"`
	StoreID    string    `json:"store_id"`
	FileHandle string    `json:"file_handle"`
	SyncedHash string    `json:"synced_hash"`
	SyncedAt   time.Time `json:"synced_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (d *SemanticDocument) NeedsResync(currentHash string) bool {
	return d == nil || d.FileHandle == "" || d.SyncedHash != currentHash
}

func (d *SemanticDocument) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	return nil
}
