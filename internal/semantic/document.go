package semantic

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"catalogsync/internal/search"
)

// Markdown renders a search document as the text uploaded to the store. Only
// fields of the search document are used.
func Markdown(doc *search.Document) string {
	var b strings.Builder
	title := doc.Name["en"]
	if title == "" {
		title = doc.FamilyKey
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "- Product ID: %s\n", doc.ID)
	fmt.Fprintf(&b, "- Supplier: %s\n", doc.SupplierCode)
	fmt.Fprintf(&b, "- Family: %s\n", doc.FamilyKey)
	if len(doc.SKUs) > 0 {
		fmt.Fprintf(&b, "- SKUs: %s\n", strings.Join(doc.SKUs, ", "))
	}
	if len(doc.Colors) > 0 {
		fmt.Fprintf(&b, "- Colors: %s\n", strings.Join(doc.Colors, ", "))
	}
	if len(doc.Sizes) > 0 {
		fmt.Fprintf(&b, "- Sizes: %s\n", strings.Join(doc.Sizes, ", "))
	}
	if len(doc.Materials) > 0 {
		fmt.Fprintf(&b, "- Materials: %s\n", strings.Join(doc.Materials, ", "))
	}
	if doc.PriceMax > 0 {
		fmt.Fprintf(&b, "- Price: %.2f - %.2f %s\n", doc.PriceMin, doc.PriceMax, doc.Currency)
	}
	if d := doc.Dimensions; d != nil && !d.IsZero() {
		fmt.Fprintf(&b, "- Dimensions: %gx%gx%g %s, weight %g\n", d.Length, d.Width, d.Height, d.Unit, d.Weight)
	}
	if doc.PrimaryImageURL != "" {
		fmt.Fprintf(&b, "- Image: %s\n", doc.PrimaryImageURL)
	}

	locales := make([]string, 0, len(doc.Name))
	for l := range doc.Name {
		locales = append(locales, l)
	}
	sort.Strings(locales)
	for _, l := range locales {
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", l, doc.Name[l])
		if desc := doc.Description[l]; desc != "" {
			fmt.Fprintf(&b, "\n%s\n", desc)
		}
	}
	return b.String()
}

func ContentHash(markdown string) string {
	sum := sha256.Sum256([]byte(markdown))
	return hex.EncodeToString(sum[:])
}
