package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"catalogsync/internal/models"
	"catalogsync/internal/queue"

	"golang.org/x/sync/errgroup"
)

// Pinger checks that a dependency the pipeline needs is reachable.
type Pinger interface {
	Name() string
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc struct {
	Service string
	Fn      func(ctx context.Context) error
}

func (p PingFunc) Name() string                   { return p.Service }
func (p PingFunc) Ping(ctx context.Context) error { return p.Fn(ctx) }

type ServiceHealth struct {
	Reachable bool   `json:"reachable"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type HealthReport struct {
	Status         string                   `json:"status"`
	ActiveSessions int64                    `json:"active_sessions"`
	Finished7d     int64                    `json:"finished_7d"`
	Succeeded7d    int64                    `json:"succeeded_7d"`
	SuccessRate7d  float64                  `json:"success_rate_7d"`
	Services       map[string]ServiceHealth `json:"services"`
}

// Health summarizes session activity over the last seven days and pings every
// registered dependency concurrently.
func (t *Tracker) Health(ctx context.Context) (*HealthReport, error) {
	db := t.db.WithContext(ctx)
	report := &HealthReport{Status: "ok", Services: map[string]ServiceHealth{}}

	if err := db.Model(&models.SyncSession{}).
		Where("status IN ?", []models.SessionStatus{models.SessionPending, models.SessionRunning}).
		Count(&report.ActiveSessions).Error; err != nil {
		return nil, fmt.Errorf("failed to count active sessions: %w", err)
	}

	since := t.now().Add(-7 * 24 * time.Hour)
	if err := db.Model(&models.SyncSession{}).
		Where("status IN ? AND ended_at >= ?", []models.SessionStatus{models.SessionCompleted, models.SessionFailed}, since).
		Count(&report.Finished7d).Error; err != nil {
		return nil, fmt.Errorf("failed to count finished sessions: %w", err)
	}
	if err := db.Model(&models.SyncSession{}).
		Where("status = ? AND ended_at >= ?", models.SessionCompleted, since).
		Count(&report.Succeeded7d).Error; err != nil {
		return nil, fmt.Errorf("failed to count completed sessions: %w", err)
	}
	if report.Finished7d > 0 {
		report.SuccessRate7d = float64(report.Succeeded7d) / float64(report.Finished7d)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, p := range t.pingers {
		p := p
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			start := time.Now()
			err := p.Ping(pctx)
			h := ServiceHealth{Reachable: err == nil, LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				h.Error = err.Error()
			}
			mu.Lock()
			report.Services[p.Name()] = h
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, h := range report.Services {
		if !h.Reachable {
			report.Status = "degraded"
		}
	}
	return report, nil
}

type Mismatch struct {
	Stage    models.Stage `json:"stage"`
	Counter  string       `json:"counter"`
	Recorded int          `json:"recorded"`
	Actual   int          `json:"actual"`
}

type Verification struct {
	SessionID  string     `json:"session_id"`
	Consistent bool       `json:"consistent"`
	Mismatches []Mismatch `json:"mismatches"`
}

var stageQueues = map[models.Stage]string{
	models.StagePromidata: queue.ProductFamily,
	models.StageImages:    queue.ImageUpload,
	models.StageSearch:    queue.MeilisearchSync,
	models.StageSemantic:  queue.GeminiSync,
}

// Verify compares the recorded processed and failed counters of each stage
// with the outcomes of the jobs that ran for the session.
func (t *Tracker) Verify(ctx context.Context, id string) (*Verification, error) {
	s, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	type row struct {
		Queue   string
		State   models.JobState
		Skipped bool
		N       int
	}
	var rows []row
	if err := t.db.WithContext(ctx).Model(&models.SyncJob{}).
		Select("queue, state, skipped, COUNT(*) AS n").
		Where("session_id = ?", id).
		Group("queue, state, skipped").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count session jobs: %w", err)
	}

	type actual struct{ processed, failed int }
	byQueue := map[string]*actual{}
	for _, r := range rows {
		a := byQueue[r.Queue]
		if a == nil {
			a = &actual{}
			byQueue[r.Queue] = a
		}
		switch {
		case r.State == models.JobStateCompleted && !r.Skipped:
			a.processed += r.N
		case r.State == models.JobStateFailed:
			a.failed += r.N
		}
	}

	v := &Verification{SessionID: id, Mismatches: []Mismatch{}}
	for _, st := range models.Stages {
		p := s.Progress(st)
		a := byQueue[stageQueues[st]]
		if a == nil {
			a = &actual{}
		}
		if p.Processed != a.processed {
			v.Mismatches = append(v.Mismatches, Mismatch{Stage: st, Counter: "processed", Recorded: p.Processed, Actual: a.processed})
		}
		if p.Failed != a.failed {
			v.Mismatches = append(v.Mismatches, Mismatch{Stage: st, Counter: "failed", Recorded: p.Failed, Actual: a.failed})
		}
		if s.FeedDone && p.Done() > p.Total {
			v.Mismatches = append(v.Mismatches, Mismatch{Stage: st, Counter: "total", Recorded: p.Total, Actual: p.Done()})
		}
	}
	v.Consistent = len(v.Mismatches) == 0
	return v, nil
}
