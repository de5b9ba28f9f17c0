package processors

import (
	"errors"
	"fmt"

	"catalogsync/internal/models"
	"catalogsync/internal/pipeline"
	"catalogsync/internal/queue"
	"catalogsync/internal/repository"
	"catalogsync/internal/search"
	"catalogsync/internal/syncerr"
	"catalogsync/internal/worker/runtime"
)

// SearchSync writes the flattened family document to the search index and
// hands the product to the semantic stage.
type SearchSync struct {
	deps   Deps
	stages stages
}

func NewSearchSync(deps Deps) *SearchSync {
	return &SearchSync{deps: deps, stages: stages{tracker: deps.Tracker}}
}

func (p *SearchSync) Queue() string { return queue.MeilisearchSync }

func (p *SearchSync) Run(jc *runtime.Context) (queue.Outcome, error) {
	var payload pipeline.SearchPayload
	if err := jc.Decode(&payload); err != nil {
		return queue.Outcome{}, err
	}
	if p.stages.stopRequested(jc) {
		p.stages.skipped(jc, models.StageSearch, models.StageSemantic)
		return queue.Outcome{Result: map[string]string{"reason": "session stopped"}, Skipped: true}, nil
	}

	family, err := p.deps.Catalog.FindFamily(jc.Ctx, payload.SupplierCode, payload.FamilyKey)
	if errors.Is(err, repository.ErrNotFound) {
		return queue.Outcome{}, syncerr.NotFound("load family", fmt.Errorf("family %s/%s", payload.SupplierCode, payload.FamilyKey))
	}
	if err != nil {
		return queue.Outcome{}, err
	}
	if family.Removed {
		return queue.Outcome{}, syncerr.NotFound("load family", fmt.Errorf("family %s/%s was removed", payload.SupplierCode, payload.FamilyKey))
	}

	image, err := p.primaryImage(jc, family)
	if err != nil {
		return queue.Outcome{}, err
	}
	doc := search.BuildDocument(family, family.Variants, image)
	if err := p.deps.Index.Upsert(jc.Ctx, doc); err != nil {
		return queue.Outcome{}, err
	}
	p.stages.processed(jc, models.StageSearch)

	return queue.Outcome{
		Result: map[string]string{"document_id": doc.ID},
		Next: &queue.Continuation{
			Queue: queue.GeminiSync,
			Key:   pipeline.SemanticKey(payload.SupplierCode, payload.FamilyKey),
			Payload: pipeline.SemanticPayload{
				SupplierCode: payload.SupplierCode,
				FamilyKey:    payload.FamilyKey,
				ProductID:    doc.ID,
				SessionID:    jc.SessionID(),
			},
		},
	}, nil
}

// primaryImage picks the primary image of the first variant, in SKU order,
// that has one, preferring variants marked primary for their color.
func (p *SearchSync) primaryImage(jc *runtime.Context, family *models.ProductFamily) (string, error) {
	ids := make([]string, 0, len(family.Variants))
	for _, v := range family.Variants {
		ids = append(ids, v.ID)
	}
	linked, err := p.deps.ImageRepo.LinkedImages(jc.Ctx, models.OwnerVariant, ids)
	if err != nil {
		return "", err
	}
	primary := map[string]string{}
	for _, l := range linked {
		if l.Field == models.FieldPrimaryImage && l.Position == 0 {
			primary[l.OwnerID] = l.URL
		}
	}
	fallback := ""
	for _, v := range family.Variants {
		u := primary[v.ID]
		if u == "" {
			continue
		}
		if v.IsPrimaryForColor {
			return u, nil
		}
		if fallback == "" {
			fallback = u
		}
	}
	return fallback, nil
}

func (p *SearchSync) OnFailed(jc *runtime.Context, cause error) {
	p.stages.failed(jc, cause, pipeline.StageChain(queue.MeilisearchSync)...)
}

func (p *SearchSync) OnSkipped(jc *runtime.Context, cause error) {
	p.stages.skipped(jc, pipeline.StageChain(queue.MeilisearchSync)...)
}
