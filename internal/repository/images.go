package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"catalogsync/internal/database"
	"catalogsync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrClaimed is returned when another worker already holds the asset row.
var ErrClaimed = errors.New("image asset already claimed")

type Images struct {
	db *gorm.DB
}

func NewImages(db *gorm.DB) *Images {
	return &Images{db: db}
}

func (r *Images) FindAsset(ctx context.Context, dedupKey string) (*models.ImageAsset, error) {
	var a models.ImageAsset
	err := r.db.WithContext(ctx).Where("dedup_key = ?", dedupKey).Take(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image asset: %w", err)
	}
	return &a, nil
}

// ClaimAsset inserts a pending asset row owned by owner. The unique dedup key
// makes exactly one concurrent caller win; the others get ErrClaimed.
func (r *Images) ClaimAsset(ctx context.Context, dedupKey, sourceURL, owner string) (*models.ImageAsset, error) {
	now := time.Now()
	a := &models.ImageAsset{
		DedupKey:  dedupKey,
		SourceURL: sourceURL,
		Status:    models.ImageStatusPending,
		ClaimedBy: owner,
		ClaimedAt: &now,
	}
	if err := r.db.WithContext(ctx).Create(a).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return nil, ErrClaimed
		}
		return nil, fmt.Errorf("failed to claim image asset: %w", err)
	}
	return a, nil
}

// TakeOver reassigns a pending asset whose claim is older than staleBefore.
func (r *Images) TakeOver(ctx context.Context, id, owner string, staleBefore time.Time) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&models.ImageAsset{}).
		Where("id = ? AND status = ? AND (claimed_at IS NULL OR claimed_at < ?)", id, models.ImageStatusPending, staleBefore).
		Updates(map[string]interface{}{"claimed_by": owner, "claimed_at": now, "updated_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("failed to take over image claim: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkReady records the stored object on an asset still claimed by owner.
func (r *Images) MarkReady(ctx context.Context, a *models.ImageAsset, owner string) error {
	res := r.db.WithContext(ctx).Model(&models.ImageAsset{}).
		Where("id = ? AND claimed_by = ?", a.ID, owner).
		Updates(map[string]interface{}{
			"storage_key":  a.StorageKey,
			"url":          a.URL,
			"content_hash": a.ContentHash,
			"content_type": a.ContentType,
			"size_bytes":   a.SizeBytes,
			"status":       models.ImageStatusReady,
			"claimed_by":   "",
			"claimed_at":   nil,
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark image ready: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrClaimed
	}
	a.Status = models.ImageStatusReady
	return nil
}

// Release drops a pending claim so the next attempt can take it immediately.
func (r *Images) Release(ctx context.Context, id, owner string) error {
	return r.db.WithContext(ctx).
		Where("id = ? AND claimed_by = ? AND status = ?", id, owner, models.ImageStatusPending).
		Delete(&models.ImageAsset{}).Error
}

// Link points an entity slot at an asset, replacing whatever the slot held.
func (r *Images) Link(ctx context.Context, l *models.ImageLink) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "owner_type"}, {Name: "owner_id"}, {Name: "field"}, {Name: "position"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"asset_id", "updated_at"}),
	}).Create(l).Error
	if err != nil {
		return fmt.Errorf("failed to link image: %w", err)
	}
	return nil
}

// LinkedImage is a resolved slot of an entity.
type LinkedImage struct {
	OwnerID  string `json:"owner_id"`
	Field    string `json:"field"`
	Position int    `json:"position"`
	URL      string `json:"url"`
}

// LinkedImages returns the ready images of the given owners ordered by slot.
func (r *Images) LinkedImages(ctx context.Context, ownerType string, ownerIDs []string) ([]LinkedImage, error) {
	if len(ownerIDs) == 0 {
		return nil, nil
	}
	var out []LinkedImage
	err := r.db.WithContext(ctx).Table("image_links AS l").
		Select("l.owner_id, l.field, l.position, a.url").
		Joins("JOIN image_assets AS a ON a.id = l.asset_id").
		Where("l.owner_type = ? AND l.owner_id IN ? AND a.status = ?", ownerType, ownerIDs, models.ImageStatusReady).
		Order("l.owner_id, l.field, l.position").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load linked images: %w", err)
	}
	return out, nil
}

func (r *Images) CountAssets(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.ImageAsset{}).Where("status = ?", models.ImageStatusReady).Count(&n).Error
	return n, err
}
