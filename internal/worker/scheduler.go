package worker

import (
	"context"
	"errors"
	"time"

	"catalogsync/internal/logger"
	"catalogsync/internal/queue"
	"catalogsync/internal/session"
)

type SchedulerConfig struct {
	// AutoImportEvery starts auto-import suppliers on this interval; zero disables it.
	AutoImportEvery time.Duration
	JanitorEvery    time.Duration
	SessionTimeout  time.Duration
	ResumeBatch     int
}

// Scheduler runs periodic maintenance: auto-import of suppliers, reaping of
// stalled jobs, resuming continuations whose firing was interrupted, and
// expiring sessions that never finished.
type Scheduler struct {
	cfg     SchedulerConfig
	jobs    *queue.Service
	tracker *session.Tracker
	starter SyncStarter
	logger  *logger.Logger
	now     func() time.Time
}

func NewScheduler(cfg SchedulerConfig, jobs *queue.Service, tracker *session.Tracker, starter SyncStarter, log *logger.Logger) *Scheduler {
	if cfg.JanitorEvery <= 0 {
		cfg.JanitorEvery = 30 * time.Second
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 6 * time.Hour
	}
	if cfg.ResumeBatch <= 0 {
		cfg.ResumeBatch = 100
	}
	return &Scheduler{
		cfg:     cfg,
		jobs:    jobs,
		tracker: tracker,
		starter: starter,
		logger:  log.With("component", "scheduler"),
		now:     time.Now,
	}
}

func (s *Scheduler) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	start := s.now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	err := fn(ctx)
	if err != nil {
		s.logger.Warn("scheduled job failed", "job", name, "took", time.Since(start), "error", err)
		return err
	}
	s.logger.Debug("scheduled job finished", "job", name, "took", time.Since(start))
	return nil
}

// Janitor runs the maintenance jobs once.
func (s *Scheduler) Janitor(parent context.Context) error {
	var err error
	err = errors.Join(err, s.runJob(parent, "reap_stalled", 30*time.Second, func(ctx context.Context) error {
		n, err := s.jobs.ReapStalled(ctx)
		if n > 0 {
			s.logger.Info("Reaped stalled jobs", "count", n)
		}
		return err
	}))
	err = errors.Join(err, s.runJob(parent, "resume_continuations", 30*time.Second, func(ctx context.Context) error {
		n, err := s.jobs.ResumeContinuations(ctx, s.cfg.ResumeBatch)
		if n > 0 {
			s.logger.Info("Resumed continuations", "count", n)
		}
		return err
	}))
	err = errors.Join(err, s.runJob(parent, "expire_sessions", 30*time.Second, func(ctx context.Context) error {
		n, err := s.tracker.ExpireStale(ctx, s.cfg.SessionTimeout)
		if n > 0 {
			s.logger.Info("Expired stale sessions", "count", n)
		}
		return err
	}))
	return err
}

// AutoImport starts every active auto-import supplier once.
func (s *Scheduler) AutoImport(parent context.Context) error {
	return s.runJob(parent, "auto_import", 5*time.Minute, func(ctx context.Context) error {
		started, err := s.starter.StartAll(ctx, false, true)
		if err != nil {
			return err
		}
		opened := 0
		for _, st := range started {
			if st.Error == "" {
				opened++
			}
		}
		s.logger.Info("Auto-import run", "suppliers", len(started), "started", opened)
		return nil
	})
}

// Run loops until ctx is cancelled. Failures are logged and retried on the
// next tick.
func (s *Scheduler) Run(ctx context.Context) {
	janitor := time.NewTicker(s.cfg.JanitorEvery)
	defer janitor.Stop()

	var autoImport <-chan time.Time
	if s.cfg.AutoImportEvery > 0 {
		t := time.NewTicker(s.cfg.AutoImportEvery)
		defer t.Stop()
		autoImport = t.C
	}

	_ = s.Janitor(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-janitor.C:
			_ = s.Janitor(ctx)
		case <-autoImport:
			_ = s.AutoImport(ctx)
		}
	}
}
