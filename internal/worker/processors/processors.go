// Package processors holds one job handler per pipeline queue.
package processors

import (
	"fmt"

	"catalogsync/internal/images"
	"catalogsync/internal/logger"
	"catalogsync/internal/models"
	"catalogsync/internal/repository"
	"catalogsync/internal/search"
	"catalogsync/internal/semantic"
	"catalogsync/internal/services/promidata"
	"catalogsync/internal/session"
	"catalogsync/internal/syncerr"
	"catalogsync/internal/worker/runtime"
)

// Deps are the collaborators shared by the processors.
type Deps struct {
	Catalog     *repository.Catalog
	ImageRepo   *repository.Images
	Feed        *promidata.Client
	Transformer *promidata.Transformer
	Detector    *promidata.ChangeDetector
	Images      *images.Pipeline
	Index       search.Index
	Semantic    *semantic.Syncer
	Tracker     *session.Tracker
	Logger      *logger.Logger

	// FetchConcurrency bounds parallel product document downloads per supplier.
	FetchConcurrency int
	// ImageBatch is how many image jobs are enqueued between stop checks.
	ImageBatch int
}

// Register adds a handler for every pipeline queue to r.
func Register(r *runtime.Registry, deps Deps) error {
	if deps.Detector == nil {
		deps.Detector = promidata.NewChangeDetector()
	}
	if deps.FetchConcurrency <= 0 {
		deps.FetchConcurrency = 4
	}
	if deps.ImageBatch <= 0 {
		deps.ImageBatch = 25
	}
	handlers := []runtime.Handler{
		NewSupplierSync(deps),
		NewProductFamily(deps),
		NewImageUpload(deps),
		NewSearchSync(deps),
		NewSemanticSync(deps),
	}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return fmt.Errorf("failed to register %s: %w", h.Queue(), err)
		}
	}
	return nil
}

// stages applies session counters on behalf of a processor. Counter writes
// never fail a job; a lost increment shows up in session verification.
type stages struct {
	tracker *session.Tracker
}

func (s stages) record(jc *runtime.Context, stage models.Stage, c session.Counts) {
	if err := s.tracker.Record(jc.Ctx, jc.SessionID(), stage, c); err != nil {
		jc.Logger.Warn("Failed to record session progress", "stage", stage, "error", err)
	}
}

func (s stages) processed(jc *runtime.Context, stage models.Stage) {
	s.record(jc, stage, session.Counts{Processed: 1})
}

func (s stages) skipped(jc *runtime.Context, list ...models.Stage) {
	for _, st := range list {
		s.record(jc, st, session.Counts{Skipped: 1})
	}
}

// failed counts a permanently failed unit on the first stage of chain and
// skips the stages that would have followed it.
func (s stages) failed(jc *runtime.Context, cause error, chain ...models.Stage) {
	if len(chain) == 0 {
		return
	}
	s.record(jc, chain[0], session.Counts{Failed: 1})
	s.skipped(jc, chain[1:]...)
	s.tracker.RecordError(jc.Ctx, jc.SessionID(), fmt.Errorf("%s %s: %w", jc.Job.Queue, jc.Job.JobKey, cause))
}

func (s stages) addTotals(jc *runtime.Context, totals map[models.Stage]int) error {
	if jc.SessionID() == "" {
		return nil
	}
	if err := s.tracker.AddTotals(jc.Ctx, jc.SessionID(), totals); err != nil {
		return syncerr.TransientErr("session totals", err)
	}
	return nil
}

func (s stages) stopRequested(jc *runtime.Context) bool {
	return s.tracker.StopRequested(jc.Ctx, jc.SessionID())
}
