package repository

import (
	"context"
	"testing"
	"time"

	"catalogsync/internal/database/dbtest"
	"catalogsync/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func family(hash string) *models.ProductFamily {
	return &models.ProductFamily{
		SupplierCode: "A113",
		FamilyKey:    "MUG-1",
		Name:         models.Localized{"en": "Mug"},
		PriceTiers:   []models.PriceTier{{Quantity: 1, Price: decimal.RequireFromString("2.50")}},
		Dimensions:   &models.Dimensions{Height: 10, Unit: "cm"},
		ContentHash:  hash,
	}
}

func TestSaveFamilySkipsUnchangedHash(t *testing.T) {
	repo := NewCatalog(dbtest.Open(t))
	ctx := context.Background()

	changed, err := repo.SaveFamily(ctx, family("h1"), []models.ProductVariant{{SKU: "MUG-1-RED"}, {SKU: "MUG-1-BLUE"}})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.SaveFamily(ctx, family("h1"), []models.ProductVariant{{SKU: "MUG-1-RED"}})
	require.NoError(t, err)
	assert.False(t, changed)

	f, err := repo.FindFamily(ctx, "A113", "MUG-1")
	require.NoError(t, err)
	assert.Len(t, f.Variants, 2)
	require.NotNil(t, f.Dimensions)
	assert.Equal(t, 10.0, f.Dimensions.Height)
}

func TestSaveFamilyReplacesVariants(t *testing.T) {
	repo := NewCatalog(dbtest.Open(t))
	ctx := context.Background()

	first := family("h1")
	_, err := repo.SaveFamily(ctx, first, []models.ProductVariant{{SKU: "MUG-1-RED"}, {SKU: "MUG-1-BLUE"}})
	require.NoError(t, err)

	next := family("h2")
	next.Name = models.Localized{"en": "Big mug"}
	changed, err := repo.SaveFamily(ctx, next, []models.ProductVariant{{SKU: "MUG-1-RED", Color: "red"}})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, first.ID, next.ID)

	f, err := repo.FindFamily(ctx, "A113", "MUG-1")
	require.NoError(t, err)
	assert.Equal(t, "Big mug", f.Name.Get("en"))
	assert.Equal(t, "h2", f.ContentHash)
	require.Len(t, f.Variants, 1)
	assert.Equal(t, "red", f.Variants[0].Color)

	ids, err := repo.VariantIDs(ctx, f.ID)
	require.NoError(t, err)
	assert.Contains(t, ids, "MUG-1-RED")
}

func TestMarkRemovedHidesHashes(t *testing.T) {
	repo := NewCatalog(dbtest.Open(t))
	ctx := context.Background()

	_, err := repo.SaveFamily(ctx, family("h1"), nil)
	require.NoError(t, err)
	hashes, err := repo.FamilyHashes(ctx, "A113")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"MUG-1": "h1"}, hashes)

	n, err := repo.MarkRemoved(ctx, "A113", []string{"MUG-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	hashes, err = repo.FamilyHashes(ctx, "A113")
	require.NoError(t, err)
	assert.Empty(t, hashes)

	// a removed family comes back on the next save even with the same hash
	changed, err := repo.SaveFamily(ctx, family("h1"), nil)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestSupplierUpsertAndRecordSync(t *testing.T) {
	repo := NewCatalog(dbtest.Open(t))
	ctx := context.Background()

	require.NoError(t, repo.UpsertSupplier(ctx, &models.SupplierFeed{Code: "A113", Name: "Acme", Active: true}))
	require.NoError(t, repo.UpsertSupplier(ctx, &models.SupplierFeed{Code: "A113", Name: "Acme Ltd", Active: true, AutoImport: true}))

	list, err := repo.ListSuppliers(ctx, SupplierFilter{AutoImportOnly: true})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Acme Ltd", list[0].Name)

	require.NoError(t, repo.RecordSync(ctx, "A113", SyncResult{Status: models.SupplierStatusOK, Hash: "m1", FamilyCount: 4}))
	s, err := repo.GetSupplier(ctx, "A113")
	require.NoError(t, err)
	assert.Equal(t, models.SupplierStatusOK, s.LastSyncStatus)
	assert.Equal(t, "m1", s.LastSyncHash)
	assert.Equal(t, 4, s.LastFamilyCount)

	_, err = repo.GetSupplier(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestImageClaimIsExclusive(t *testing.T) {
	repo := NewImages(dbtest.Open(t))
	ctx := context.Background()

	a, err := repo.ClaimAsset(ctx, "k1", "https://img/1.jpg", "w1")
	require.NoError(t, err)
	_, err = repo.ClaimAsset(ctx, "k1", "https://img/1.jpg", "w2")
	assert.ErrorIs(t, err, ErrClaimed)

	ok, err := repo.TakeOver(ctx, a.ID, "w2", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "fresh claim must not be taken over")

	ok, err = repo.TakeOver(ctx, a.ID, "w2", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	a.URL = "https://cdn/1.jpg"
	assert.ErrorIs(t, repo.MarkReady(ctx, a, "w1"), ErrClaimed)
	require.NoError(t, repo.MarkReady(ctx, a, "w2"))

	require.NoError(t, repo.Link(ctx, &models.ImageLink{AssetID: a.ID, OwnerType: models.OwnerVariant, OwnerID: "v1", Field: models.FieldGallery}))
	require.NoError(t, repo.Link(ctx, &models.ImageLink{AssetID: a.ID, OwnerType: models.OwnerVariant, OwnerID: "v1", Field: models.FieldGallery}))

	imgs, err := repo.LinkedImages(ctx, models.OwnerVariant, []string{"v1"})
	require.NoError(t, err)
	require.Len(t, imgs, 1)
	assert.Equal(t, "https://cdn/1.jpg", imgs[0].URL)
}

func TestSemanticDocsUpsert(t *testing.T) {
	repo := NewSemanticDocs(dbtest.Open(t))
	ctx := context.Background()

	_, err := repo.Find(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.Save(ctx, &models.SemanticDocument{ProductID: "p1", StoreID: "s", FileHandle: "f1", SyncedHash: "h1"}))
	require.NoError(t, repo.Save(ctx, &models.SemanticDocument{ProductID: "p1", StoreID: "s", FileHandle: "f2", SyncedHash: "h2"}))

	d, err := repo.Find(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "f2", d.FileHandle)
	assert.False(t, d.NeedsResync("h2"))
	assert.True(t, d.NeedsResync("h3"))
}
