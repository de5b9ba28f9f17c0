// Package repository holds the explicit persistence contracts of the pipeline:
// lookups by natural key, upserts and deletes.
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

var ErrNotFound = errors.New("record not found")

type Catalog struct {
	db *gorm.DB
}

func NewCatalog(db *gorm.DB) *Catalog {
	return &Catalog{db: db}
}

func (r *Catalog) GetSupplier(ctx context.Context, code string) (*models.SupplierFeed, error) {
	var s models.SupplierFeed
	err := r.db.WithContext(ctx).Where("code = ?", code).Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch supplier: %w", err)
	}
	return &s, nil
}

type SupplierFilter struct {
	ActiveOnly     bool
	AutoImportOnly bool
}

func (r *Catalog) ListSuppliers(ctx context.Context, f SupplierFilter) ([]models.SupplierFeed, error) {
	q := r.db.WithContext(ctx).Order("code ASC")
	if f.ActiveOnly {
		q = q.Where("active = ?", true)
	}
	if f.AutoImportOnly {
		q = q.Where("auto_import = ?", true)
	}
	var out []models.SupplierFeed
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list suppliers: %w", err)
	}
	return out, nil
}

// UpsertSupplier creates s or updates its descriptive fields by code.
func (r *Catalog) UpsertSupplier(ctx context.Context, s *models.SupplierFeed) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "feed_url", "auto_import", "active", "updated_at"}),
	}).Create(s).Error
	if err != nil {
		return fmt.Errorf("failed to save supplier: %w", err)
	}
	return nil
}

func (r *Catalog) DeleteSupplier(ctx context.Context, code string) error {
	res := r.db.WithContext(ctx).Where("code = ?", code).Delete(&models.SupplierFeed{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete supplier: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SyncResult is written back on the supplier when a run ends.
type SyncResult struct {
	Status      models.SupplierStatus
	Message     string
	Hash        string
	FamilyCount int
}

func (r *Catalog) RecordSync(ctx context.Context, code string, res SyncResult) error {
	now := time.Now()
	updates := map[string]interface{}{
		"last_sync_status":  res.Status,
		"last_sync_message": res.Message,
		"last_sync_at":      now,
		"updated_at":        now,
	}
	if res.Hash != "" {
		updates["last_sync_hash"] = res.Hash
		updates["last_family_count"] = res.FamilyCount
	}
	return r.db.WithContext(ctx).Model(&models.SupplierFeed{}).Where("code = ?", code).Updates(updates).Error
}

func (r *Catalog) MarkSyncing(ctx context.Context, code string) error {
	return r.db.WithContext(ctx).Model(&models.SupplierFeed{}).
		Where("code = ?", code).
		Update("last_sync_status", models.SupplierStatusSyncing).Error
}

// FamilyHashes returns the stored content hash of every live family of supplier.
func (r *Catalog) FamilyHashes(ctx context.Context, supplier string) (map[string]string, error) {
	type row struct {
		FamilyKey   string
		ContentHash string
	}
	var rows []row
	if err := r.db.WithContext(ctx).Model(&models.ProductFamily{}).
		Select("family_key, content_hash").
		Where("supplier_code = ? AND removed = ?", supplier, false).
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load family hashes: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.FamilyKey] = r.ContentHash
	}
	return out, nil
}

// FindFamily loads a family with its variants ordered by SKU.
func (r *Catalog) FindFamily(ctx context.Context, supplier, familyKey string) (*models.ProductFamily, error) {
	var f models.ProductFamily
	err := r.db.WithContext(ctx).
		Preload("Variants", func(db *gorm.DB) *gorm.DB { return db.Order("sku ASC") }).
		Where("supplier_code = ? AND family_key = ?", supplier, familyKey).
		Take(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch family: %w", err)
	}
	return &f, nil
}

func (r *Catalog) ListFamilies(ctx context.Context, supplier string, offset, limit int) ([]models.ProductFamily, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.ProductFamily{})
	if supplier != "" {
		q = q.Where("supplier_code = ?", supplier)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count families: %w", err)
	}
	var out []models.ProductFamily
	if err := q.Order("supplier_code ASC, family_key ASC").Offset(offset).Limit(limit).Find(&out).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list families: %w", err)
	}
	return out, total, nil
}

// SaveFamily persists family and its variants if its content hash changed.
// It reports false, without writing, when the stored hash already matches.
// Variants missing from the new set are deleted.
func (r *Catalog) SaveFamily(ctx context.Context, family *models.ProductFamily, variants []models.ProductVariant) (bool, error) {
	changed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.ProductFamily
		err := tx.Where("supplier_code = ? AND family_key = ?", family.SupplierCode, family.FamilyKey).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Omit("Variants").Create(family).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if existing.ContentHash == family.ContentHash && !existing.Removed {
				*family = existing
				return nil
			}
			family.ID = existing.ID
			family.CreatedAt = existing.CreatedAt
			family.Removed = false
			family.RemovedAt = nil
			res := tx.Model(&models.ProductFamily{}).
				Where("id = ? AND content_hash = ?", existing.ID, existing.ContentHash).
				Select("name", "description", "price_tiers", "currency", "dimensions", "variant_count",
					"content_hash", "removed", "removed_at", "synced_at", "updated_at").
				Updates(family)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// a concurrent writer stored a newer hash
				return nil
			}
		}

		skus := make([]string, 0, len(variants))
		for i := range variants {
			variants[i].FamilyID = family.ID
			skus = append(skus, variants[i].SKU)
		}
		if len(variants) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "sku"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"family_id", "color", "size", "material", "dimensions",
					"image_urls", "is_primary_for_color", "updated_at",
				}),
			}).Create(&variants).Error; err != nil {
				return err
			}
		}
		del := tx.Where("family_id = ?", family.ID)
		if len(skus) > 0 {
			del = del.Where("sku NOT IN ?", skus)
		}
		if err := del.Delete(&models.ProductVariant{}).Error; err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to save family %s/%s: %w", family.SupplierCode, family.FamilyKey, err)
	}
	return changed, nil
}

// VariantIDs maps SKU to variant id for a family.
func (r *Catalog) VariantIDs(ctx context.Context, familyID string) (map[string]string, error) {
	var vs []models.ProductVariant
	if err := r.db.WithContext(ctx).Select("id", "sku").Where("family_id = ?", familyID).Find(&vs).Error; err != nil {
		return nil, fmt.Errorf("failed to load variant ids: %w", err)
	}
	out := make(map[string]string, len(vs))
	for _, v := range vs {
		out[v.SKU] = v.ID
	}
	return out, nil
}

// InvalidateFamily clears the stored hash of a family and the supplier's
// manifest digest so the next run treats the family as changed.
func (r *Catalog) InvalidateFamily(ctx context.Context, supplier, familyKey string) error {
	now := time.Now()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ProductFamily{}).
			Where("supplier_code = ? AND family_key = ?", supplier, familyKey).
			Updates(map[string]interface{}{"content_hash": "", "updated_at": now}).Error; err != nil {
			return err
		}
		return tx.Model(&models.SupplierFeed{}).
			Where("code = ?", supplier).
			Updates(map[string]interface{}{"last_sync_hash": "", "updated_at": now}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate family %s/%s: %w", supplier, familyKey, err)
	}
	return nil
}

// UnsyncedFamilies counts live families of supplier with no stored hash.
func (r *Catalog) UnsyncedFamilies(ctx context.Context, supplier string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.ProductFamily{}).
		Where("supplier_code = ? AND removed = ? AND content_hash = ?", supplier, false, "").
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count unsynced families: %w", err)
	}
	return n, nil
}

// MarkRemoved flags families of supplier as removed from the feed.
func (r *Catalog) MarkRemoved(ctx context.Context, supplier string, familyKeys []string) (int64, error) {
	if len(familyKeys) == 0 {
		return 0, nil
	}
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&models.ProductFamily{}).
		Where("supplier_code = ? AND family_key IN ? AND removed = ?", supplier, familyKeys, false).
		Updates(map[string]interface{}{"removed": true, "removed_at": now, "updated_at": now})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark families removed: %w", res.Error)
	}
	return res.RowsAffected, nil
}
