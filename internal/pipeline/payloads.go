// Package pipeline holds the job payloads exchanged between the sync queues
// and the entry point that opens a supplier sync.
package pipeline

import (
	"fmt"

	"catalogsync/internal/services/promidata"
)

type SupplierSyncPayload struct {
	SupplierCode string `json:"supplier_code"`
	SessionID    string `json:"session_id"`
	Force        bool   `json:"force,omitempty"`
}

// FamilyPayload carries the raw records of one changed family so the
// product-family stage never refetches the feed.
type FamilyPayload struct {
	SupplierCode string                `json:"supplier_code"`
	FamilyKey    string                `json:"family_key"`
	SessionID    string                `json:"session_id"`
	Hash         string                `json:"hash"`
	Records      []promidata.RawRecord `json:"records"`
}

type ImagePayload struct {
	SupplierCode string `json:"supplier_code"`
	FamilyKey    string `json:"family_key"`
	SessionID    string `json:"session_id"`
	OwnerType    string `json:"owner_type"`
	OwnerID      string `json:"owner_id"`
	Field        string `json:"field"`
	Position     int    `json:"position"`
	URL          string `json:"url"`
}

type SearchPayload struct {
	SupplierCode string `json:"supplier_code"`
	FamilyKey    string `json:"family_key"`
	SessionID    string `json:"session_id"`
}

type SemanticPayload struct {
	SupplierCode string `json:"supplier_code"`
	FamilyKey    string `json:"family_key"`
	ProductID    string `json:"product_id"`
	SessionID    string `json:"session_id"`
}

func SupplierKey(code string) string {
	return "supplier:" + code
}

func FamilyKey(code, family string) string {
	return fmt.Sprintf("family:%s:%s", code, family)
}

func ImageKey(code, ownerID, field string, position int) string {
	return fmt.Sprintf("image:%s:%s:%s:%d", code, ownerID, field, position)
}

func SearchKey(code, family string) string {
	return fmt.Sprintf("search:%s:%s", code, family)
}

func SemanticKey(code, family string) string {
	return fmt.Sprintf("semantic:%s:%s", code, family)
}
