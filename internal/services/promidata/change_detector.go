package promidata

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

type ChangeKind string

const (
	ChangeNew       ChangeKind = "new"
	ChangeChanged   ChangeKind = "changed"
	ChangeUnchanged ChangeKind = "unchanged"
	ChangeRemoved   ChangeKind = "removed"
)

type FamilyChange struct {
	FamilyKey string
	Kind      ChangeKind
	Hash      string
	Records   []RawRecord
}

type ChangeSet struct {
	Families []FamilyChange
}

func (c *ChangeSet) Count(kind ChangeKind) int {
	n := 0
	for _, f := range c.Families {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

func (c *ChangeSet) Of(kinds ...ChangeKind) []FamilyChange {
	var out []FamilyChange
	for _, f := range c.Families {
		for _, k := range kinds {
			if f.Kind == k {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

type ChangeDetector struct{}

func NewChangeDetector() *ChangeDetector {
	return &ChangeDetector{}
}

// Hash digests the records of one family. encoding/json writes map keys in
// sorted order, so the result does not depend on field order in the feed;
// records are ordered by SKU and then by their canonical bytes.
func (d *ChangeDetector) Hash(records []RawRecord) (string, error) {
	type keyed struct {
		sku string
		raw []byte
	}
	items := make([]keyed, 0, len(records))
	for _, r := range records {
		raw, err := json.Marshal(map[string]interface{}(r))
		if err != nil {
			return "", fmt.Errorf("failed to serialize record: %w", err)
		}
		items = append(items, keyed{sku: SKU(r), raw: raw})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].sku != items[j].sku {
			return items[i].sku < items[j].sku
		}
		return bytes.Compare(items[i].raw, items[j].raw) < 0
	})
	h := sha256.New()
	for _, it := range items {
		h.Write(it.raw)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Detect classifies every family in groups against the stored hashes. Groups
// with no records left and stored families missing from groups are removed.
func (d *ChangeDetector) Detect(groups map[string][]RawRecord, stored map[string]string) (*ChangeSet, error) {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	set := &ChangeSet{}
	for _, key := range keys {
		records := groups[key]
		if len(records) == 0 {
			set.Families = append(set.Families, FamilyChange{FamilyKey: key, Kind: ChangeRemoved})
			continue
		}
		hash, err := d.Hash(records)
		if err != nil {
			return nil, fmt.Errorf("family %s: %w", key, err)
		}
		change := FamilyChange{FamilyKey: key, Hash: hash, Records: records}
		prev, ok := stored[key]
		switch {
		case !ok:
			change.Kind = ChangeNew
		case prev == hash:
			change.Kind = ChangeUnchanged
		default:
			change.Kind = ChangeChanged
		}
		set.Families = append(set.Families, change)
	}

	var gone []string
	for key := range stored {
		if _, ok := groups[key]; !ok {
			gone = append(gone, key)
		}
	}
	sort.Strings(gone)
	for _, key := range gone {
		set.Families = append(set.Families, FamilyChange{FamilyKey: key, Kind: ChangeRemoved})
	}
	return set, nil
}

// ManifestDigest hashes manifest entries independent of their order.
func ManifestDigest(entries []ManifestEntry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.URL+"|"+e.Hash)
	}
	sort.Strings(lines)
	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
