package pipeline

import (
	"context"
	"errors"
	"fmt"

	"catalogsync/internal/events"
	"catalogsync/internal/logger"
	"catalogsync/internal/queue"
	"catalogsync/internal/repository"
	"catalogsync/internal/session"
)

var (
	ErrSupplierInactive = errors.New("supplier is not active")
	ErrSyncInProgress   = errors.New("supplier sync already in progress")
)

// Started describes a sync opened by the Starter.
type Started struct {
	SupplierCode string `json:"supplier_code"`
	SessionID    string `json:"session_id,omitempty"`
	JobID        string `json:"job_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Starter opens a session for a supplier and schedules its supplier-sync job.
type Starter struct {
	jobs    *queue.Service
	tracker *session.Tracker
	catalog *repository.Catalog
	events  events.Publisher
	logger  *logger.Logger
}

func NewStarter(jobs *queue.Service, tracker *session.Tracker, catalog *repository.Catalog, pub events.Publisher, log *logger.Logger) *Starter {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Starter{
		jobs:    jobs,
		tracker: tracker,
		catalog: catalog,
		events:  pub,
		logger:  log.With("component", "starter"),
	}
}

// StartSupplierSync creates a session and enqueues the supplier-sync job. A
// supplier with a live sync job or an open session is reported as
// ErrSyncInProgress together with what is running.
func (s *Starter) StartSupplierSync(ctx context.Context, code string, force bool) (*Started, error) {
	supplier, err := s.catalog.GetSupplier(ctx, code)
	if err != nil {
		return nil, err
	}
	if !supplier.Active {
		return nil, fmt.Errorf("%w: %s", ErrSupplierInactive, code)
	}

	key := SupplierKey(code)
	if live, err := s.jobs.GetJob(ctx, queue.SupplierSync, key); err == nil && !live.State.Terminal() {
		return &Started{SupplierCode: code, SessionID: live.SessionID, JobID: live.ID}, ErrSyncInProgress
	} else if err != nil && !errors.Is(err, queue.ErrJobNotFound) {
		return nil, err
	}
	// downstream jobs of an open session share natural keys with the ones a
	// new session would schedule
	if open, err := s.tracker.InFlight(ctx, code); err == nil {
		return &Started{SupplierCode: code, SessionID: open.ID}, ErrSyncInProgress
	} else if !errors.Is(err, session.ErrNotFound) {
		return nil, err
	}

	sess, err := s.tracker.Create(ctx, code, force)
	if err != nil {
		return nil, err
	}
	payload := SupplierSyncPayload{SupplierCode: code, SessionID: sess.ID, Force: force}
	job, created, err := s.jobs.Enqueue(ctx, queue.SupplierSync, payload, queue.Options{
		JobKey:    key,
		SessionID: sess.ID,
	})
	if err != nil {
		_ = s.tracker.Fail(ctx, sess.ID, err)
		return nil, err
	}
	if !created {
		// another caller won the race for the job key
		_ = s.tracker.Fail(ctx, sess.ID, ErrSyncInProgress)
		return &Started{SupplierCode: code, SessionID: job.SessionID, JobID: job.ID}, ErrSyncInProgress
	}

	if err := s.events.Publish(ctx, events.Event{
		Type:         events.TypeSyncRequested,
		SessionID:    sess.ID,
		SupplierCode: code,
		Force:        force,
	}); err != nil {
		s.logger.Warn("Failed to publish sync request", "supplier", code, "error", err)
	}
	s.logger.Info("Supplier sync scheduled", "supplier", code, "session_id", sess.ID, "job_id", job.ID, "force", force)
	return &Started{SupplierCode: code, SessionID: sess.ID, JobID: job.ID}, nil
}

// StartAll schedules every active supplier, or only the auto-import ones.
// Suppliers already syncing are reported, not treated as errors.
func (s *Starter) StartAll(ctx context.Context, force, autoImportOnly bool) ([]Started, error) {
	suppliers, err := s.catalog.ListSuppliers(ctx, repository.SupplierFilter{ActiveOnly: true, AutoImportOnly: autoImportOnly})
	if err != nil {
		return nil, err
	}
	out := make([]Started, 0, len(suppliers))
	for _, sup := range suppliers {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		st, err := s.StartSupplierSync(ctx, sup.Code, force)
		if err != nil {
			if st == nil {
				st = &Started{SupplierCode: sup.Code}
			}
			st.Error = err.Error()
			if !errors.Is(err, ErrSyncInProgress) {
				s.logger.Warn("Failed to start supplier sync", "supplier", sup.Code, "error", err)
			}
		}
		out = append(out, *st)
	}
	return out, nil
}

