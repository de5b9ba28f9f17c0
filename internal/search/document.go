// Package search keeps the exact-match product index in Meilisearch. The
// indexed document is the single denormalized view of a product family.
package search

import (
	"sort"
	"strings"

	"catalogsync/internal/models"

	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
)

type Document struct {
	ID              string             `json:"id"`
	SupplierCode    string             `json:"supplier_code"`
	FamilyKey       string             `json:"family_key"`
	Slug            string             `json:"slug"`
	Name            map[string]string  `json:"name"`
	Description     map[string]string  `json:"description,omitempty"`
	Colors          []string           `json:"colors"`
	Sizes           []string           `json:"sizes"`
	Materials       []string           `json:"materials"`
	SKUs            []string           `json:"skus"`
	PriceMin        float64            `json:"price_min"`
	PriceMax        float64            `json:"price_max"`
	PriceTiers      []models.PriceTier `json:"price_tiers,omitempty"`
	Currency        string             `json:"currency"`
	Dimensions      *models.Dimensions `json:"dimensions,omitempty"`
	PrimaryImageURL string             `json:"primary_image_url,omitempty"`
	VariantCount    int                `json:"variant_count"`
	ContentHash     string             `json:"content_hash"`
	UpdatedAt       int64              `json:"updated_at"`
}

// DocumentID derives the index id of a family. Meilisearch ids only allow
// ASCII letters, digits, '-' and '_'.
func DocumentID(supplierCode, familyKey string) string {
	raw := supplierCode + "-" + familyKey
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	id := b.String()
	if len(id) > 511 {
		id = id[:511]
	}
	return id
}

// BuildDocument flattens a family and its variants. Variants are expected in
// SKU order; aggregated lists keep first-seen order.
func BuildDocument(f *models.ProductFamily, variants []models.ProductVariant, primaryImageURL string) *Document {
	doc := &Document{
		ID:              DocumentID(f.SupplierCode, f.FamilyKey),
		SupplierCode:    f.SupplierCode,
		FamilyKey:       f.FamilyKey,
		Slug:            slug.Make(f.Name.Get("en") + " " + f.FamilyKey),
		Name:            map[string]string(f.Name),
		Description:     map[string]string(f.Description),
		Colors:          []string{},
		Sizes:           []string{},
		Materials:       []string{},
		SKUs:            []string{},
		PriceTiers:      f.PriceTiers,
		Currency:        f.Currency,
		Dimensions:      f.Dimensions,
		PrimaryImageURL: primaryImageURL,
		VariantCount:    len(variants),
		ContentHash:     f.ContentHash,
		UpdatedAt:       f.UpdatedAt.Unix(),
	}
	colors, sizes, materials := newSet(), newSet(), newSet()
	for _, v := range variants {
		doc.SKUs = append(doc.SKUs, v.SKU)
		doc.Colors = colors.add(doc.Colors, v.Color)
		doc.Sizes = sizes.add(doc.Sizes, v.Size)
		doc.Materials = materials.add(doc.Materials, v.Material)
	}
	sort.Strings(doc.SKUs)

	if len(f.PriceTiers) > 0 {
		lo, hi := f.PriceTiers[0].Price, f.PriceTiers[0].Price
		for _, t := range f.PriceTiers[1:] {
			lo = decimal.Min(lo, t.Price)
			hi = decimal.Max(hi, t.Price)
		}
		doc.PriceMin = lo.InexactFloat64()
		doc.PriceMax = hi.InexactFloat64()
	}
	return doc
}

type set map[string]bool

func newSet() set { return set{} }

func (s set) add(list []string, v string) []string {
	v = strings.TrimSpace(v)
	key := strings.ToLower(v)
	if v == "" || s[key] {
		return list
	}
	s[key] = true
	return append(list, v)
}
