package processors

import (
	"fmt"
	"time"

	"catalogsync/internal/models"
	"catalogsync/internal/pipeline"
	"catalogsync/internal/queue"
	"catalogsync/internal/services/promidata"
	"catalogsync/internal/syncerr"
	"catalogsync/internal/worker/runtime"
)

// ProductFamily transforms the raw records of one family, persists it and
// schedules its images as children. The search sync runs as the continuation
// once every image job resolved.
type ProductFamily struct {
	deps   Deps
	stages stages
}

func NewProductFamily(deps Deps) *ProductFamily {
	return &ProductFamily{deps: deps, stages: stages{tracker: deps.Tracker}}
}

func (p *ProductFamily) Queue() string { return queue.ProductFamily }

type FamilyResult struct {
	FamilyID       string `json:"family_id"`
	FamilyKey      string `json:"family_key"`
	Changed        bool   `json:"changed"`
	Variants       int    `json:"variants"`
	InvalidRecords int    `json:"invalid_records"`
	ImageJobs      int    `json:"image_jobs"`
	Stopped        bool   `json:"stopped,omitempty"`
}

func (p *ProductFamily) Run(jc *runtime.Context) (queue.Outcome, error) {
	var payload pipeline.FamilyPayload
	if err := jc.Decode(&payload); err != nil {
		return queue.Outcome{}, err
	}
	if p.stages.stopRequested(jc) {
		p.stages.skipped(jc, models.StagePromidata, models.StageSearch, models.StageSemantic)
		return queue.Outcome{Result: map[string]string{"reason": "session stopped"}, Skipped: true}, nil
	}

	result, issues := p.deps.Transformer.Transform(payload.SupplierCode, payload.FamilyKey, payload.Records)
	for _, is := range issues {
		jc.Logger.Warn("Skipping invalid record", "family", is.FamilyKey, "sku", is.SKU, "field", is.Field, "reason", is.Reason)
	}
	if result == nil {
		return queue.Outcome{}, syncerr.Invalid("transform family", fmt.Errorf("family %s has no valid variants", payload.FamilyKey))
	}

	family := result.Family
	family.ContentHash = payload.Hash
	now := time.Now()
	family.SyncedAt = &now
	changed, err := p.deps.Catalog.SaveFamily(jc.Ctx, &family, result.Variants)
	if err != nil {
		return queue.Outcome{}, err
	}
	jc.Progress("saved", 30)

	ids, err := p.deps.Catalog.VariantIDs(jc.Ctx, family.ID)
	if err != nil {
		return queue.Outcome{}, err
	}
	created, stopped, err := p.enqueueImages(jc, payload, result.ImageRefs(), ids)
	if err != nil {
		return queue.Outcome{}, err
	}
	// image totals go in before this unit counts as processed, so the session
	// cannot settle while they are outstanding
	if err := p.stages.addTotals(jc, map[models.Stage]int{models.StageImages: created}); err != nil {
		return queue.Outcome{}, err
	}

	out := queue.Outcome{Result: FamilyResult{
		FamilyID:       family.ID,
		FamilyKey:      family.FamilyKey,
		Changed:        changed,
		Variants:       len(result.Variants),
		InvalidRecords: len(issues),
		ImageJobs:      created,
		Stopped:        stopped,
	}}
	p.stages.processed(jc, models.StagePromidata)
	if stopped {
		p.stages.skipped(jc, models.StageSearch, models.StageSemantic)
		return out, nil
	}
	out.Next = &queue.Continuation{
		Queue: queue.MeilisearchSync,
		Key:   pipeline.SearchKey(payload.SupplierCode, payload.FamilyKey),
		Payload: pipeline.SearchPayload{
			SupplierCode: payload.SupplierCode,
			FamilyKey:    payload.FamilyKey,
			SessionID:    jc.SessionID(),
		},
	}
	return out, nil
}

// enqueueImages schedules one child job per image slot, checking for a stop
// request between batches. It returns how many jobs were newly created.
func (p *ProductFamily) enqueueImages(jc *runtime.Context, payload pipeline.FamilyPayload, refs []promidata.ImageRef, ids map[string]string) (int, bool, error) {
	created := 0
	for i, ref := range refs {
		if i > 0 && i%p.deps.ImageBatch == 0 {
			if p.stages.stopRequested(jc) {
				return created, true, nil
			}
			jc.Progress("images", 30+60*i/len(refs))
		}
		ownerID := ids[ref.OwnerKey]
		if ownerID == "" {
			jc.Logger.Warn("Image owner missing after save", "owner", ref.OwnerKey)
			continue
		}
		_, ok, err := jc.EnqueueChild(queue.ImageUpload, pipeline.ImagePayload{
			SupplierCode: payload.SupplierCode,
			FamilyKey:    payload.FamilyKey,
			SessionID:    jc.SessionID(),
			OwnerType:    ref.OwnerType,
			OwnerID:      ownerID,
			Field:        ref.Field,
			Position:     ref.Position,
			URL:          ref.URL,
		}, queue.Options{JobKey: pipeline.ImageKey(payload.SupplierCode, ownerID, ref.Field, ref.Position)})
		if err != nil {
			return created, false, err
		}
		if ok {
			created++
		}
	}
	return created, false, nil
}

// OnFailed also forgets the family hash saved by the run, otherwise the next
// sync would see the family as unchanged and never schedule its images.
func (p *ProductFamily) OnFailed(jc *runtime.Context, cause error) {
	p.stages.failed(jc, cause, pipeline.StageChain(queue.ProductFamily)...)

	var payload pipeline.FamilyPayload
	if err := jc.Decode(&payload); err != nil || payload.SupplierCode == "" {
		return
	}
	if err := p.deps.Catalog.InvalidateFamily(jc.Ctx, payload.SupplierCode, payload.FamilyKey); err != nil {
		jc.Logger.Warn("Failed to invalidate family", "family", payload.FamilyKey, "error", err)
	}
}

func (p *ProductFamily) OnSkipped(jc *runtime.Context, cause error) {
	p.stages.skipped(jc, pipeline.StageChain(queue.ProductFamily)...)
}
