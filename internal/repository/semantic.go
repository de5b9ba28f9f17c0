package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"catalogsync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SemanticDocs struct {
	db *gorm.DB
}

func NewSemanticDocs(db *gorm.DB) *SemanticDocs {
	return &SemanticDocs{db: db}
}

func (r *SemanticDocs) Find(ctx context.Context, productID string) (*models.SemanticDocument, error) {
	var d models.SemanticDocument
	err := r.db.WithContext(ctx).Where("product_id = ?", productID).Take(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch semantic document: %w", err)
	}
	return &d, nil
}

// Save upserts the tracking row of a product by product id.
func (r *SemanticDocs) Save(ctx context.Context, d *models.SemanticDocument) error {
	if d.SyncedAt.IsZero() {
		d.SyncedAt = time.Now()
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "product_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"store_id", "file_handle", "synced_hash", "synced_at", "updated_at"}),
	}).Create(d).Error
	if err != nil {
		return fmt.Errorf("failed to save semantic document: %w", err)
	}
	return nil
}

func (r *SemanticDocs) Delete(ctx context.Context, productID string) error {
	return r.db.WithContext(ctx).Where("product_id = ?", productID).Delete(&models.SemanticDocument{}).Error
}
