package promidata

import (
	"fmt"
	"sort"
	"strings"

	"catalogsync/internal/models"

	"golang.org/x/text/language"
)

const defaultLocale = "en"

type Transformer struct {
	locales  []string
	country  string
	currency string
}

// NewTransformer canonicalizes locales to their base language. English is
// always present because single-locale values default to it.
func NewTransformer(locales []string, country string) *Transformer {
	seen := map[string]bool{defaultLocale: true}
	out := []string{defaultLocale}
	for _, l := range locales {
		tag, err := language.Parse(strings.TrimSpace(l))
		if err != nil {
			continue
		}
		base, _ := tag.Base()
		code := base.String()
		if !seen[code] {
			seen[code] = true
			out = append(out, code)
		}
	}
	if country == "" {
		country = "NL"
	}
	return &Transformer{locales: out, country: strings.ToUpper(country), currency: "EUR"}
}

func (t *Transformer) Locales() []string { return t.locales }

// FamilyKey returns the family key of a record, or "".
func FamilyKey(r RawRecord) string {
	v, _ := ExtractString(r, FamilyKeyStrategies)
	return v
}

// SKU returns the SKU of a record, or "".
func SKU(r RawRecord) string {
	v, _ := ExtractString(r, SKUStrategies)
	return v
}

// Validate reports the first missing required field of a record.
func (t *Transformer) Validate(familyKey string, r RawRecord) *ValidationIssue {
	sku := SKU(r)
	switch {
	case sku == "":
		return &ValidationIssue{FamilyKey: familyKey, Field: "sku", Reason: "missing sku"}
	case FamilyKey(r) == "":
		return &ValidationIssue{FamilyKey: familyKey, SKU: sku, Field: "family_key", Reason: "missing family key"}
	}
	if name, _ := ExtractLocalized(r, NameStrategies); len(name) == 0 {
		return &ValidationIssue{FamilyKey: familyKey, SKU: sku, Field: "name", Reason: "missing name"}
	}
	return nil
}

// Transform builds the canonical family and its variants. Invalid records are
// skipped and returned as issues; if none remain the result is nil.
func (t *Transformer) Transform(supplier, familyKey string, records []RawRecord) (*FamilyResult, []ValidationIssue) {
	var issues []ValidationIssue
	valid := make([]RawRecord, 0, len(records))
	seen := map[string]bool{}
	for _, r := range records {
		if issue := t.Validate(familyKey, r); issue != nil {
			issues = append(issues, *issue)
			continue
		}
		sku := SKU(r)
		if seen[sku] {
			issues = append(issues, ValidationIssue{FamilyKey: familyKey, SKU: sku, Field: "sku", Reason: "duplicate sku"})
			continue
		}
		seen[sku] = true
		valid = append(valid, r)
	}
	if len(valid) == 0 {
		return nil, issues
	}
	sort.SliceStable(valid, func(i, j int) bool { return SKU(valid[i]) < SKU(valid[j]) })

	family := models.ProductFamily{
		SupplierCode: supplier,
		FamilyKey:    familyKey,
		Name:         models.Localized{},
		Description:  models.Localized{},
		Currency:     t.currency,
	}
	var tiers []rawTier
	variants := make([]models.ProductVariant, 0, len(valid))
	for _, r := range valid {
		name, _ := ExtractLocalized(r, NameStrategies)
		mergeLocalized(family.Name, t.spread(name))
		desc, _ := ExtractLocalized(r, DescriptionStrategies)
		mergeLocalized(family.Description, t.spread(desc))
		if c := str(r["Currency"]); c != "" && family.Currency == t.currency {
			family.Currency = strings.ToUpper(c)
		}
		tiers = append(tiers, extractTiers(r, t.country)...)

		v := models.ProductVariant{SKU: SKU(r)}
		v.Color, _ = ExtractString(r, ColorStrategies)
		v.Size, _ = ExtractString(r, SizeStrategies)
		v.Material, _ = ExtractString(r, MaterialStrategies)
		if l, w, h, wt, ok := ExtractDimensions(r); ok {
			v.Dimensions = &models.Dimensions{Length: l, Width: w, Height: h, Weight: wt, Unit: "cm"}
			if family.Dimensions == nil {
				d := *v.Dimensions
				family.Dimensions = &d
			}
		}
		imgs, _ := ExtractList(r, ImageStrategies)
		v.ImageURLs = dedupe(imgs)
		variants = append(variants, v)
	}
	if len(family.Description) == 0 {
		family.Description = nil
	}

	family.PriceTiers = normalizeTiers(tiers)
	family.VariantCount = len(variants)
	markPrimaryPerColor(variants)
	if err := EnsurePrimaryPerColor(variants); err != nil {
		return nil, append(issues, ValidationIssue{FamilyKey: familyKey, Field: "color", Reason: err.Error()})
	}
	return &FamilyResult{Family: family, Variants: variants}, issues
}

// spread replicates an unlabelled value to every configured locale and fills
// locales missing from a labelled map with the English text.
func (t *Transformer) spread(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	if v, ok := m[""]; ok {
		out := make(map[string]string, len(t.locales))
		for _, l := range t.locales {
			out[l] = v
		}
		return out
	}
	fallback := m[defaultLocale]
	if fallback == "" {
		fallback = firstSorted(m)
	}
	out := make(map[string]string, len(t.locales))
	for k, v := range m {
		out[k] = v
	}
	for _, l := range t.locales {
		if out[l] == "" {
			out[l] = fallback
		}
	}
	return out
}

// mergeLocalized keeps the first non-empty text per locale.
func mergeLocalized(dst models.Localized, src map[string]string) {
	for k, v := range src {
		if dst[k] == "" && v != "" {
			dst[k] = v
		}
	}
}

// normalizeTiers sorts tiers by quantity ascending, keeping the first price
// seen for a quantity.
func normalizeTiers(in []rawTier) []models.PriceTier {
	seen := map[int]bool{}
	out := make([]models.PriceTier, 0, len(in))
	for _, t := range in {
		if seen[t.Quantity] {
			continue
		}
		seen[t.Quantity] = true
		out = append(out, models.PriceTier{Quantity: t.Quantity, Price: t.Price})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Quantity < out[j].Quantity })
	return out
}

// markPrimaryPerColor flags the first variant of each color. Variants must be
// in SKU order.
func markPrimaryPerColor(variants []models.ProductVariant) {
	seen := map[string]bool{}
	for i := range variants {
		key := strings.ToLower(variants[i].Color)
		variants[i].IsPrimaryForColor = !seen[key]
		seen[key] = true
	}
}

// EnsurePrimaryPerColor checks that every color has exactly one primary variant.
func EnsurePrimaryPerColor(variants []models.ProductVariant) error {
	count := map[string]int{}
	for _, v := range variants {
		key := strings.ToLower(v.Color)
		if _, ok := count[key]; !ok {
			count[key] = 0
		}
		if v.IsPrimaryForColor {
			count[key]++
		}
	}
	for color, n := range count {
		if n != 1 {
			return fmt.Errorf("color %q has %d primary variants", color, n)
		}
	}
	return nil
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func firstSorted(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if v != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)
	return m[keys[0]]
}
