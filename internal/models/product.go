package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ProductFamily groups the variants of one supplier product.
type ProductFamily struct {
	ID           string                         `json:"id" gorm:"type:varchar(36);primaryKey"`
	SupplierCode string                         `json:"supplier_code" gorm:"not null;uniqueIndex:idx_family_natural"`
	FamilyKey    string                         `json:"family_key" gorm:"not null;uniqueIndex:idx_family_natural"`
	Name         Localized                      `json:"name" gorm:"type:text"`
	Description  Localized                      `json:"description" gorm:"type:text"`
	PriceTiers   datatypes.JSONSlice[PriceTier] `json:"price_tiers"`
	Currency     string                         `json:"currency" gorm:"default:EUR"`
	Dimensions   *Dimensions                    `json:"dimensions" gorm:"serializer:json;type:text"`
	VariantCount int                            `json:"variant_count"`
	ContentHash  string                         `json:"content_hash" gorm:"index"`
	Removed      bool                           `json:"removed" gorm:"default:false"`
	RemovedAt    *time.Time                     `json:"removed_at"`
	SyncedAt     *time.Time                     `json:"synced_at"`
	CreatedAt    time.Time                      `json:"created_at"`
	UpdatedAt    time.Time                      `json:"updated_at"`

	Variants []ProductVariant `json:"variants,omitempty" gorm:"foreignKey:FamilyID"`
}

type ProductVariant struct {
	ID                string                      `json:"id" gorm:"type:varchar(36);primaryKey"`
	FamilyID          string                      `json:"family_id" gorm:"type:varchar(36);not null;index"`
	SKU               string                      `json:"sku" gorm:"uniqueIndex;not null"`
	Color             string                      `json:"color"`
	Size              string                      `json:"size"`
	Material          string                      `json:"material"`
	Dimensions        *Dimensions                 `json:"dimensions" gorm:"serializer:json;type:text"`
	ImageURLs         datatypes.JSONSlice[string] `json:"image_urls"`
	IsPrimaryForColor bool                        `json:"is_primary_for_color"`
	CreatedAt         time.Time                   `json:"created_at"`
	UpdatedAt         time.Time                   `json:"updated_at"`
}

type PriceTier struct {
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

type Dimensions struct {
	Length float64 `json:"length,omitempty"`
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
	Weight float64 `json:"weight,omitempty"`
	Unit   string  `json:"unit,omitempty"`
}

func (d Dimensions) IsZero() bool {
	return d.Length == 0 && d.Width == 0 && d.Height == 0 && d.Weight == 0
}

// Localized maps a locale tag to text.
type Localized map[string]string

// Get returns the text for locale, falling back to English and then any value.
func (l Localized) Get(locale string) string {
	if v := l[locale]; v != "" {
		return v
	}
	if v := l["en"]; v != "" {
		return v
	}
	for _, v := range l {
		if v != "" {
			return v
		}
	}
	return ""
}

func (l Localized) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	b, err := json.Marshal(map[string]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *Localized) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported localized value %T", value)
	}
	m := map[string]string{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	*l = m
	return nil
}

func (f *ProductFamily) BeforeCreate(tx *gorm.DB) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	return nil
}

func (v *ProductVariant) BeforeCreate(tx *gorm.DB) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	return nil
}
