package processors

import (
	"errors"

	"catalogsync/internal/images"
	"catalogsync/internal/models"
	"catalogsync/internal/pipeline"
	"catalogsync/internal/queue"
	"catalogsync/internal/syncerr"
	"catalogsync/internal/worker/runtime"
)

// ImageUpload resolves one image slot through the dedup pipeline.
type ImageUpload struct {
	deps   Deps
	stages stages
}

func NewImageUpload(deps Deps) *ImageUpload {
	return &ImageUpload{deps: deps, stages: stages{tracker: deps.Tracker}}
}

func (p *ImageUpload) Queue() string { return queue.ImageUpload }

func (p *ImageUpload) Run(jc *runtime.Context) (queue.Outcome, error) {
	var payload pipeline.ImagePayload
	if err := jc.Decode(&payload); err != nil {
		return queue.Outcome{}, err
	}
	if payload.OwnerID == "" || payload.URL == "" {
		return queue.Outcome{}, syncerr.Invalid("image payload", errors.New("owner and url are required"))
	}

	res, err := p.deps.Images.Process(jc.Ctx, images.Request{
		Supplier:  payload.SupplierCode,
		OwnerType: payload.OwnerType,
		OwnerID:   payload.OwnerID,
		Field:     payload.Field,
		Position:  payload.Position,
		SourceURL: payload.URL,
	})
	if err != nil {
		return queue.Outcome{}, err
	}
	p.stages.processed(jc, models.StageImages)
	return queue.Outcome{Result: res}, nil
}

func (p *ImageUpload) OnFailed(jc *runtime.Context, cause error) {
	p.stages.failed(jc, cause, pipeline.StageChain(queue.ImageUpload)...)
}

func (p *ImageUpload) OnSkipped(jc *runtime.Context, cause error) {
	p.stages.skipped(jc, pipeline.StageChain(queue.ImageUpload)...)
}
