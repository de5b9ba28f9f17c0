package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SupplierFeed describes one supplier catalog and the outcome of its last sync.
type SupplierFeed struct {
	ID              string         `json:"id" gorm:"type:varchar(36);primaryKey"`
	Code            string         `json:"code" gorm:"uniqueIndex;not null"`
	Name            string         `json:"name"`
	FeedURL         string         `json:"feed_url"`
	AutoImport      bool           `json:"auto_import" gorm:"default:false"`
	Active          bool           `json:"active"`
	LastSyncHash    string         `json:"last_sync_hash"`
	LastFamilyCount int            `json:"last_family_count"`
	LastSyncStatus  SupplierStatus `json:"last_sync_status" gorm:"default:NEVER"`
	LastSyncMessage string         `json:"last_sync_message"`
	LastSyncAt      *time.Time     `json:"last_sync_at"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

type SupplierStatus string

const (
	SupplierStatusNever   SupplierStatus = "NEVER"
	SupplierStatusSyncing SupplierStatus = "SYNCING"
	SupplierStatusOK      SupplierStatus = "OK"
	SupplierStatusStopped SupplierStatus = "STOPPED"
	SupplierStatusError   SupplierStatus = "ERROR"
)

func (s *SupplierFeed) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}
