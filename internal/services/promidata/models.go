package promidata

import "catalogsync/internal/models"

// RawRecord is one variant document as delivered by the feed. Nested objects
// decode to maps and numbers to json.Number.
type RawRecord map[string]interface{}

// ManifestEntry is one line of a supplier import manifest.
type ManifestEntry struct {
	URL  string `json:"url"`
	Hash string `json:"hash"`
}

type Manifest struct {
	Supplier string          `json:"supplier"`
	Entries  []ManifestEntry `json:"entries"`
	// Digest covers every entry URL and hash, independent of line order.
	Digest string `json:"digest"`
}

// FamilyResult is the canonical output of one transform.
type FamilyResult struct {
	Family   models.ProductFamily
	Variants []models.ProductVariant
}

// ImageRefs lists every image slot of the family result, variants first.
func (r *FamilyResult) ImageRefs() []ImageRef {
	var refs []ImageRef
	for _, v := range r.Variants {
		for i, u := range v.ImageURLs {
			field := models.FieldGallery
			if i == 0 {
				field = models.FieldPrimaryImage
			}
			pos := i
			if i > 0 {
				pos = i - 1
			}
			refs = append(refs, ImageRef{OwnerType: models.OwnerVariant, OwnerKey: v.SKU, Field: field, Position: pos, URL: u})
		}
	}
	return refs
}

// ImageRef is a source image bound to an owner slot. OwnerKey is the SKU for
// variants and the family key for families.
type ImageRef struct {
	OwnerType string `json:"owner_type"`
	OwnerKey  string `json:"owner_key"`
	Field     string `json:"field"`
	Position  int    `json:"position"`
	URL       string `json:"url"`
}

type ValidationIssue struct {
	FamilyKey string `json:"family_key"`
	SKU       string `json:"sku,omitempty"`
	Field     string `json:"field"`
	Reason    string `json:"reason"`
}
