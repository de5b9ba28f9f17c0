package processors

import (
	"catalogsync/internal/models"
	"catalogsync/internal/pipeline"
	"catalogsync/internal/queue"
	"catalogsync/internal/search"
	"catalogsync/internal/worker/runtime"
)

// SemanticSync uploads the product document read back from the search index.
type SemanticSync struct {
	deps   Deps
	stages stages
}

func NewSemanticSync(deps Deps) *SemanticSync {
	return &SemanticSync{deps: deps, stages: stages{tracker: deps.Tracker}}
}

func (p *SemanticSync) Queue() string { return queue.GeminiSync }

func (p *SemanticSync) Run(jc *runtime.Context) (queue.Outcome, error) {
	var payload pipeline.SemanticPayload
	if err := jc.Decode(&payload); err != nil {
		return queue.Outcome{}, err
	}
	if p.stages.stopRequested(jc) {
		p.stages.skipped(jc, models.StageSemantic)
		return queue.Outcome{Result: map[string]string{"reason": "session stopped"}, Skipped: true}, nil
	}
	productID := payload.ProductID
	if productID == "" {
		productID = search.DocumentID(payload.SupplierCode, payload.FamilyKey)
	}

	res, err := p.deps.Semantic.Sync(jc.Ctx, productID)
	if err != nil {
		return queue.Outcome{}, err
	}
	if res.Skipped() {
		jc.Logger.Info("Semantic sync skipped", "product_id", productID, "status", res.Status, "reason", res.Reason)
		p.stages.skipped(jc, models.StageSemantic)
		return queue.Outcome{Result: res, Skipped: true}, nil
	}
	p.stages.processed(jc, models.StageSemantic)
	return queue.Outcome{Result: res}, nil
}

func (p *SemanticSync) OnFailed(jc *runtime.Context, cause error) {
	p.stages.failed(jc, cause, pipeline.StageChain(queue.GeminiSync)...)
}

func (p *SemanticSync) OnSkipped(jc *runtime.Context, cause error) {
	p.stages.skipped(jc, pipeline.StageChain(queue.GeminiSync)...)
}
