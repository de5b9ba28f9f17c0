package worker

import (
	"context"
	"sync"

	"catalogsync/internal/logger"
	"catalogsync/internal/queue"
	"catalogsync/internal/worker/runtime"
)

// Runner is a background loop that lives as long as the manager, such as the
// queue listener, the trigger consumer or the scheduler.
type Runner interface {
	Run(ctx context.Context)
}

type RunnerFunc func(ctx context.Context)

func (f RunnerFunc) Run(ctx context.Context) { f(ctx) }

type ManagerOptions struct {
	// Pools holds per-queue options; queues without an entry use Default.
	Pools   map[string]PoolOptions
	Default PoolOptions
	Runners []Runner
}

// Manager owns one pool per registered queue plus the background runners.
type Manager struct {
	pools   []*Pool
	runners []Runner
	logger  *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(jobs *queue.Service, reg *runtime.Registry, log *logger.Logger, opts ManagerOptions) *Manager {
	m := &Manager{runners: opts.Runners, logger: log.With("component", "worker")}
	for _, q := range reg.Queues() {
		h, _ := reg.Get(q)
		po, ok := opts.Pools[q]
		if !ok {
			po = opts.Default
		}
		m.pools = append(m.pools, NewPool(jobs, h, log, po))
	}
	return m
}

func (m *Manager) Pools() []*Pool { return m.pools }

func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	for _, p := range m.pools {
		p.Start(ctx)
	}
	for _, r := range m.runners {
		m.wg.Add(1)
		go func(r Runner) {
			defer m.wg.Done()
			r.Run(ctx)
		}(r)
	}
	m.logger.Info("Worker started", "pools", len(m.pools), "runners", len(m.runners))
}

// Stop stops claiming new jobs and waits for running ones to finish. If ctx
// expires first, Stop returns its error and running jobs are left to the
// stalled-job reaper.
func (m *Manager) Stop(ctx context.Context) error {
	m.logger.Info("Stopping worker...")
	if m.cancel != nil {
		m.cancel()
	}
	done := make(chan struct{})
	go func() {
		for _, p := range m.pools {
			p.Wait()
		}
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("Worker stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("Worker stop timed out, jobs still running")
		return ctx.Err()
	}
}
