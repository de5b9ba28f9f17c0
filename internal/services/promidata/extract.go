package promidata

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// The feed has carried several shapes for the same field over time. Each
// field is read through a fixed, ordered list of named strategies; the first
// strategy that yields a value wins.

// StringStrategy reads a single string from a record.
type StringStrategy struct {
	Name string
	Get  func(r RawRecord) string
}

// LocalizedStrategy reads per-locale text from a record. A strategy that can
// only see one unlabelled string returns it under the empty locale.
type LocalizedStrategy struct {
	Name string
	Get  func(r RawRecord) map[string]string
}

type DimensionsStrategy struct {
	Name string
	Get  func(r RawRecord) (length, width, height, weight float64, ok bool)
}

type TierStrategy struct {
	Name string
	Get  func(r RawRecord, country string) []rawTier
}

type ListStrategy struct {
	Name string
	Get  func(r RawRecord) []string
}

type rawTier struct {
	Quantity int
	Price    decimal.Decimal
}

var (
	SKUStrategies = []StringStrategy{
		{Name: "flat:SKU", Get: flat("SKU")},
		{Name: "flat:Sku", Get: flat("Sku")},
		{Name: "path:ProductDetails.SKU", Get: path("ProductDetails", "SKU")},
	}
	FamilyKeyStrategies = []StringStrategy{
		{Name: "flat:ANumber", Get: flat("ANumber")},
		{Name: "flat:ParentSKU", Get: flat("ParentSKU")},
		{Name: "path:NonLanguageDependedProductDetails.ANumber", Get: path("NonLanguageDependedProductDetails", "ANumber")},
	}
	NameStrategies = []LocalizedStrategy{
		{Name: "localized:ProductDetails.<loc>.Name", Get: localized("Name")},
		{Name: "flat:Name", Get: single(flat("Name"))},
	}
	DescriptionStrategies = []LocalizedStrategy{
		{Name: "localized:ProductDetails.<loc>.Description", Get: localized("Description")},
		{Name: "flat:Description", Get: single(flat("Description"))},
	}
	ColorStrategies = []StringStrategy{
		{Name: "config:ConfigurationFields[Color]", Get: configField("Color")},
		{Name: "localized:ProductDetails.<loc>.Color", Get: firstLocalized("Color")},
		{Name: "flat:Color", Get: flat("Color")},
	}
	SizeStrategies = []StringStrategy{
		{Name: "config:ConfigurationFields[Size]", Get: configField("Size")},
		{Name: "flat:Size", Get: flat("Size")},
	}
	MaterialStrategies = []StringStrategy{
		{Name: "localized:ProductDetails.<loc>.Material", Get: firstLocalized("Material")},
		{Name: "flat:Material", Get: flat("Material")},
	}
	DimensionStrategies = []DimensionsStrategy{
		{Name: "path:NonLanguageDependedProductDetails.Dimensions*", Get: nestedDimensions},
		{Name: "flat:Length/Width/Height/Weight", Get: flatDimensions},
	}
	PriceStrategies = []TierStrategy{
		{Name: "path:ProductPriceCountryBased.<country>.RecommendedSellingPrice[]", Get: countryPrices},
		{Name: "flat:Prices[]", Get: func(r RawRecord, _ string) []rawTier { return tierList(r["Prices"]) }},
		{Name: "flat:Price", Get: flatPrice},
	}
	ImageStrategies = []ListStrategy{
		{Name: "path:MediaGalleryImages[].Url", Get: galleryImages},
		{Name: "localized:ProductDetails.<loc>.Image.Url", Get: localizedImage},
		{Name: "flat:ImageURL", Get: func(r RawRecord) []string { return nonEmpty(flat("ImageURL")(r)) }},
	}
)

// ExtractString runs strategies in order and reports the value and the name of
// the strategy that produced it.
func ExtractString(r RawRecord, strategies []StringStrategy) (string, string) {
	for _, s := range strategies {
		if v := strings.TrimSpace(s.Get(r)); v != "" {
			return v, s.Name
		}
	}
	return "", ""
}

func ExtractLocalized(r RawRecord, strategies []LocalizedStrategy) (map[string]string, string) {
	for _, s := range strategies {
		if m := s.Get(r); len(m) > 0 {
			return m, s.Name
		}
	}
	return nil, ""
}

func ExtractDimensions(r RawRecord) (l, w, h, wt float64, ok bool) {
	for _, s := range DimensionStrategies {
		if l, w, h, wt, ok = s.Get(r); ok {
			return
		}
	}
	return 0, 0, 0, 0, false
}

func extractTiers(r RawRecord, country string) []rawTier {
	for _, s := range PriceStrategies {
		if tiers := s.Get(r, country); len(tiers) > 0 {
			return tiers
		}
	}
	return nil
}

func ExtractList(r RawRecord, strategies []ListStrategy) ([]string, string) {
	for _, s := range strategies {
		if v := s.Get(r); len(v) > 0 {
			return v, s.Name
		}
	}
	return nil, ""
}

func flat(key string) func(RawRecord) string {
	return func(r RawRecord) string { return str(r[key]) }
}

func path(keys ...string) func(RawRecord) string {
	return func(r RawRecord) string { return str(dig(r, keys...)) }
}

func single(get func(RawRecord) string) func(RawRecord) map[string]string {
	return func(r RawRecord) map[string]string {
		if v := strings.TrimSpace(get(r)); v != "" {
			return map[string]string{"": v}
		}
		return nil
	}
}

// localized reads ProductDetails.<locale>.<field> for every locale present.
func localized(field string) func(RawRecord) map[string]string {
	return func(r RawRecord) map[string]string {
		details, ok := r["ProductDetails"].(map[string]interface{})
		if !ok {
			return nil
		}
		out := map[string]string{}
		for loc, v := range details {
			block, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			if s := strings.TrimSpace(str(block[field])); s != "" {
				out[strings.ToLower(loc)] = s
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
}

func firstLocalized(field string) func(RawRecord) string {
	get := localized(field)
	return func(r RawRecord) string {
		m := get(r)
		if v := m["en"]; v != "" {
			return v
		}
		return firstSorted(m)
	}
}

// configField reads ConfigurationFields[{ConfigurationName, ConfigurationValue}].
func configField(name string) func(RawRecord) string {
	return func(r RawRecord) string {
		fields, ok := r["ConfigurationFields"].([]interface{})
		if !ok {
			return ""
		}
		for _, f := range fields {
			m, ok := f.(map[string]interface{})
			if !ok {
				continue
			}
			if strings.EqualFold(str(m["ConfigurationName"]), name) {
				return str(m["ConfigurationValue"])
			}
		}
		return ""
	}
}

func nestedDimensions(r RawRecord) (float64, float64, float64, float64, bool) {
	d, ok := r["NonLanguageDependedProductDetails"].(map[string]interface{})
	if !ok {
		return 0, 0, 0, 0, false
	}
	l, w, h, wt := num(d["DimensionsLength"]), num(d["DimensionsWidth"]), num(d["DimensionsHeight"]), num(d["Weight"])
	return l, w, h, wt, l != 0 || w != 0 || h != 0 || wt != 0
}

func flatDimensions(r RawRecord) (float64, float64, float64, float64, bool) {
	l, w, h, wt := num(r["Length"]), num(r["Width"]), num(r["Height"]), num(r["Weight"])
	return l, w, h, wt, l != 0 || w != 0 || h != 0 || wt != 0
}

func countryPrices(r RawRecord, country string) []rawTier {
	byCountry, ok := r["ProductPriceCountryBased"].(map[string]interface{})
	if !ok {
		return nil
	}
	block, ok := byCountry[strings.ToUpper(country)].(map[string]interface{})
	if !ok {
		return nil
	}
	return tierList(block["RecommendedSellingPrice"])
}

func tierList(v interface{}) []rawTier {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []rawTier
	for _, it := range items {
		m, ok := it.(map[string]interface{})
		if !ok {
			continue
		}
		price, ok := dec(m["Price"])
		if !ok {
			continue
		}
		qty := int(num(m["Quantity"]))
		if qty <= 0 {
			qty = 1
		}
		out = append(out, rawTier{Quantity: qty, Price: price})
	}
	return out
}

func flatPrice(r RawRecord, _ string) []rawTier {
	if p, ok := dec(r["Price"]); ok {
		return []rawTier{{Quantity: 1, Price: p}}
	}
	return nil
}

func galleryImages(r RawRecord) []string {
	items, ok := r["MediaGalleryImages"].([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, it := range items {
		if m, ok := it.(map[string]interface{}); ok {
			if u := strings.TrimSpace(str(m["Url"])); u != "" {
				out = append(out, u)
			}
		}
	}
	return out
}

func localizedImage(r RawRecord) []string {
	details, ok := r["ProductDetails"].(map[string]interface{})
	if !ok {
		return nil
	}
	urls := map[string]string{}
	for loc, v := range details {
		if u := str(dig(v, "Image", "Url")); u != "" {
			urls[strings.ToLower(loc)] = u
		}
	}
	if u := urls["en"]; u != "" {
		return []string{u}
	}
	return nonEmpty(firstSorted(urls))
}

func dig(v interface{}, keys ...string) interface{} {
	for _, k := range keys {
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil
		}
		v = m[k]
	}
	return v
}

func str(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case RawRecord, map[string]interface{}, []interface{}:
		return ""
	}
	return fmt.Sprint(v)
}

func num(v interface{}) float64 {
	s := strings.ReplaceAll(strings.TrimSpace(str(v)), ",", ".")
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func dec(v interface{}) (decimal.Decimal, bool) {
	s := strings.ReplaceAll(strings.TrimSpace(str(v)), ",", ".")
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Zero, false
	}
	return d, true
}

func nonEmpty(s string) []string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return []string{s}
}
