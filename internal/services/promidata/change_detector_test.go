package promidata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashIgnoresFieldAndRecordOrder(t *testing.T) {
	d := NewChangeDetector()
	a := []RawRecord{
		record(t, `{"SKU":"2","Name":"b","Nested":{"x":1,"y":[1,2]}}`),
		record(t, `{"SKU":"1","Name":"a"}`),
	}
	b := []RawRecord{
		record(t, `{"Name":"a","SKU":"1"}`),
		record(t, `{"Nested":{"y":[1,2],"x":1},"Name":"b","SKU":"2"}`),
	}
	ha, err := d.Hash(a)
	require.NoError(t, err)
	hb, err := d.Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)

	c := []RawRecord{record(t, `{"SKU":"1","Name":"a"}`), record(t, `{"SKU":"2","Name":"b","Nested":{"x":1,"y":[2,1]}}`)}
	hc, err := d.Hash(c)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc, "array order is content")
}

func TestDetectClassifiesFamilies(t *testing.T) {
	d := NewChangeDetector()
	same := []RawRecord{record(t, `{"SKU":"S1","ANumber":"F1","Name":"a"}`)}
	sameHash, err := d.Hash(same)
	require.NoError(t, err)

	groups := map[string][]RawRecord{
		"F1": same,
		"F2": {record(t, `{"SKU":"S2","ANumber":"F2","Name":"new"}`)},
		"F3": {record(t, `{"SKU":"S3","ANumber":"F3","Name":"edited"}`)},
		"F4": nil,
	}
	stored := map[string]string{"F1": sameHash, "F3": "old", "F4": "x", "F5": "y"}

	set, err := d.Detect(groups, stored)
	require.NoError(t, err)

	kinds := map[string]ChangeKind{}
	for _, f := range set.Families {
		kinds[f.FamilyKey] = f.Kind
	}
	assert.Equal(t, map[string]ChangeKind{
		"F1": ChangeUnchanged,
		"F2": ChangeNew,
		"F3": ChangeChanged,
		"F4": ChangeRemoved,
		"F5": ChangeRemoved,
	}, kinds)
	assert.Equal(t, 1, set.Count(ChangeUnchanged))
	assert.Len(t, set.Of(ChangeNew, ChangeChanged), 2)
	assert.Equal(t, "F5", set.Families[len(set.Families)-1].FamilyKey)
}

func TestManifestDigestIsOrderIndependent(t *testing.T) {
	a := []ManifestEntry{{URL: "u1", Hash: "h1"}, {URL: "u2", Hash: "h2"}}
	b := []ManifestEntry{{URL: "u2", Hash: "h2"}, {URL: "u1", Hash: "h1"}}
	assert.Equal(t, ManifestDigest(a), ManifestDigest(b))
	assert.NotEqual(t, ManifestDigest(a), ManifestDigest(a[:1]))
}
