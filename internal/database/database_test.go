package database_test

import (
	"errors"
	"testing"

	"catalogsync/internal/database"
	"catalogsync/internal/database/dbtest"
	"catalogsync/internal/models"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsUniqueViolationOnSqlite(t *testing.T) {
	db := dbtest.Open(t)

	require.NoError(t, db.Create(&models.ImageAsset{DedupKey: "k1", SourceURL: "http://a"}).Error)
	err := db.Create(&models.ImageAsset{DedupKey: "k1", SourceURL: "http://b"}).Error

	require.Error(t, err)
	assert.True(t, database.IsUniqueViolation(err))
}

func TestIsUniqueViolationPgCode(t *testing.T) {
	assert.True(t, database.IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, database.IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, database.IsUniqueViolation(errors.New("boom")))
	assert.False(t, database.IsUniqueViolation(nil))
}

func TestLocalizedRoundTrip(t *testing.T) {
	db := dbtest.Open(t)

	fam := models.ProductFamily{
		SupplierCode: "A1",
		FamilyKey:    "F1",
		Name:         models.Localized{"en": "Mug", "de": "Becher"},
		Dimensions:   &models.Dimensions{Length: 10, Unit: "cm"},
	}
	require.NoError(t, db.Create(&fam).Error)

	var got models.ProductFamily
	require.NoError(t, db.First(&got, "id = ?", fam.ID).Error)
	assert.Equal(t, "Becher", got.Name.Get("de"))
	assert.Equal(t, "Mug", got.Name.Get("fr"))
	require.NotNil(t, got.Dimensions)
	assert.Equal(t, 10.0, got.Dimensions.Length)
}
