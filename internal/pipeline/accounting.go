package pipeline

import (
	"context"
	"errors"
	"fmt"

	"catalogsync/internal/logger"
	"catalogsync/internal/models"
	"catalogsync/internal/queue"
	"catalogsync/internal/session"
)

var errCancelled = errors.New("cancelled")

// StageChain lists the session stage a unit of queue counts against, followed
// by the stages that never run for that unit once it ends early.
func StageChain(q string) []models.Stage {
	switch q {
	case queue.ProductFamily:
		return []models.Stage{models.StagePromidata, models.StageSearch, models.StageSemantic}
	case queue.ImageUpload:
		return []models.Stage{models.StageImages}
	case queue.MeilisearchSync:
		return []models.Stage{models.StageSearch, models.StageSemantic}
	case queue.GeminiSync:
		return []models.Stage{models.StageSemantic}
	}
	return nil
}

// Accounting keeps session counters complete for work that ends outside a
// worker run. It implements queue.Accountant.
type Accounting struct {
	tracker *session.Tracker
	logger  *logger.Logger
}

func NewAccounting(tracker *session.Tracker, log *logger.Logger) *Accounting {
	return &Accounting{tracker: tracker, logger: log.With("component", "accounting")}
}

// Cancelled counts a cancelled unit as failed and its downstream stages as
// skipped. A cancelled supplier sync ends its session.
func (a *Accounting) Cancelled(ctx context.Context, job *models.SyncJob) {
	if job.SessionID == "" {
		return
	}
	cause := fmt.Errorf("%s %s: %w", job.Queue, job.JobKey, errCancelled)
	if job.Queue == queue.SupplierSync {
		if err := a.tracker.Fail(ctx, job.SessionID, cause); err != nil && !errors.Is(err, session.ErrInvalidTransition) {
			a.logger.Warn("Failed to end cancelled session", "session_id", job.SessionID, "error", err)
		}
		return
	}
	chain := StageChain(job.Queue)
	if len(chain) == 0 {
		return
	}
	a.tracker.RecordError(ctx, job.SessionID, cause)
	a.record(ctx, job.SessionID, chain[0], session.Counts{Failed: 1})
	for _, st := range chain[1:] {
		a.record(ctx, job.SessionID, st, session.Counts{Skipped: 1})
	}
}

// Merged counts sessionID's follow-up as skipped on every stage it would have
// covered: the live job reports to its own session.
func (a *Accounting) Merged(ctx context.Context, sessionID, q string, live *models.SyncJob) {
	a.logger.Debug("Follow-up owned by another session", "session_id", sessionID, "queue", q, "job_id", live.ID, "owner", live.SessionID)
	for _, st := range StageChain(q) {
		a.record(ctx, sessionID, st, session.Counts{Skipped: 1})
	}
}

func (a *Accounting) record(ctx context.Context, id string, stage models.Stage, c session.Counts) {
	if err := a.tracker.Record(ctx, id, stage, c); err != nil {
		a.logger.Warn("Failed to record session progress", "session_id", id, "stage", stage, "error", err)
	}
}
