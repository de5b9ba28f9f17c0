package promidata

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(t *testing.T, doc string) RawRecord {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(doc))
	dec.UseNumber()
	var r RawRecord
	require.NoError(t, dec.Decode(&r))
	return r
}

func TestStringStrategiesPrecedence(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		strats   []StringStrategy
		want     string
		strategy string
	}{
		{"flat sku", `{"SKU":"A-1","Sku":"B-1"}`, SKUStrategies, "A-1", "flat:SKU"},
		{"legacy sku", `{"Sku":"B-1"}`, SKUStrategies, "B-1", "flat:Sku"},
		{"nested sku", `{"ProductDetails":{"SKU":"C-1"}}`, SKUStrategies, "C-1", "path:ProductDetails.SKU"},
		{"numeric family key", `{"ANumber":12345}`, FamilyKeyStrategies, "12345", "flat:ANumber"},
		{"parent sku", `{"ParentSKU":"P-9"}`, FamilyKeyStrategies, "P-9", "flat:ParentSKU"},
		{"nested family key", `{"NonLanguageDependedProductDetails":{"ANumber":"N-1"}}`, FamilyKeyStrategies, "N-1", "path:NonLanguageDependedProductDetails.ANumber"},
		{
			"configured color beats localized",
			`{"ConfigurationFields":[{"ConfigurationName":"Color","ConfigurationValue":"red"}],"ProductDetails":{"en":{"Color":"blue"}}}`,
			ColorStrategies, "red", "config:ConfigurationFields[Color]",
		},
		{"localized color prefers english", `{"ProductDetails":{"de":{"Color":"blau"},"en":{"Color":"blue"}}}`, ColorStrategies, "blue", "localized:ProductDetails.<loc>.Color"},
		{"flat size", `{"Size":"XL"}`, SizeStrategies, "XL", "flat:Size"},
		{"nothing", `{}`, MaterialStrategies, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, strategy := ExtractString(record(t, tt.doc), tt.strats)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.strategy, strategy)
		})
	}
}

func TestLocalizedStrategies(t *testing.T) {
	m, strategy := ExtractLocalized(record(t, `{"ProductDetails":{"EN":{"Name":"Mug"},"de":{"Name":"Becher"}},"Name":"ignored"}`), NameStrategies)
	assert.Equal(t, "localized:ProductDetails.<loc>.Name", strategy)
	assert.Equal(t, map[string]string{"en": "Mug", "de": "Becher"}, m)

	m, strategy = ExtractLocalized(record(t, `{"Name":"Mug"}`), NameStrategies)
	assert.Equal(t, "flat:Name", strategy)
	assert.Equal(t, map[string]string{"": "Mug"}, m)
}

func TestPriceStrategies(t *testing.T) {
	r := record(t, `{
		"ProductPriceCountryBased":{"NL":{"RecommendedSellingPrice":[{"Quantity":100,"Price":"1,10"},{"Quantity":1,"Price":2.5}]}},
		"Prices":[{"Quantity":1,"Price":9}]
	}`)
	tiers := extractTiers(r, "nl")
	require.Len(t, tiers, 2)
	assert.Equal(t, "1.1", tiers[0].Price.String())

	tiers = extractTiers(r, "BE")
	require.Len(t, tiers, 1, "falls back to flat Prices when the country block is absent")
	assert.Equal(t, "9", tiers[0].Price.String())

	tiers = extractTiers(record(t, `{"Price":"3.20"}`), "NL")
	require.Len(t, tiers, 1)
	assert.Equal(t, 1, tiers[0].Quantity)

	assert.Empty(t, extractTiers(record(t, `{"Price":"n/a"}`), "NL"))
}

func TestImageAndDimensionStrategies(t *testing.T) {
	urls, strategy := ExtractList(record(t, `{"MediaGalleryImages":[{"Url":"https://a/1.jpg"},{"Url":""},{"Url":"https://a/2.jpg"}],"ImageURL":"https://a/x.jpg"}`), ImageStrategies)
	assert.Equal(t, "path:MediaGalleryImages[].Url", strategy)
	assert.Equal(t, []string{"https://a/1.jpg", "https://a/2.jpg"}, urls)

	urls, strategy = ExtractList(record(t, `{"ProductDetails":{"en":{"Image":{"Url":"https://a/en.jpg"}}}}`), ImageStrategies)
	assert.Equal(t, "localized:ProductDetails.<loc>.Image.Url", strategy)
	assert.Equal(t, []string{"https://a/en.jpg"}, urls)

	l, w, h, wt, ok := ExtractDimensions(record(t, `{"NonLanguageDependedProductDetails":{"DimensionsLength":"10,5","DimensionsHeight":4}}`))
	require.True(t, ok)
	assert.Equal(t, 10.5, l)
	assert.Zero(t, w)
	assert.Equal(t, 4.0, h)
	assert.Zero(t, wt)

	_, _, _, _, ok = ExtractDimensions(record(t, `{}`))
	assert.False(t, ok)
}
