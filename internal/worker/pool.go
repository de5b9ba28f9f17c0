package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"catalogsync/internal/logger"
	"catalogsync/internal/metrics"
	"catalogsync/internal/models"
	"catalogsync/internal/queue"
	"catalogsync/internal/syncerr"
	"catalogsync/internal/worker/runtime"
)

// Pool runs one queue's handler on a fixed number of loops.
type Pool struct {
	queue       string
	concurrency int
	jobs        *queue.Service
	handler     runtime.Handler
	logger      *logger.Logger
	metrics     *metrics.Pipeline
	poll        time.Duration
	heartbeat   time.Duration

	wg sync.WaitGroup
}

type PoolOptions struct {
	Concurrency int
	Poll        time.Duration
	Heartbeat   time.Duration
	Metrics     *metrics.Pipeline
}

func NewPool(jobs *queue.Service, h runtime.Handler, log *logger.Logger, opts PoolOptions) *Pool {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Poll <= 0 {
		opts.Poll = time.Second
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	return &Pool{
		queue:       h.Queue(),
		concurrency: opts.Concurrency,
		jobs:        jobs,
		handler:     h,
		logger:      log.With("component", "pool", "queue", h.Queue()),
		metrics:     opts.Metrics,
		poll:        opts.Poll,
		heartbeat:   opts.Heartbeat,
	}
}

// Start launches the loops. Cancelling ctx stops claiming; jobs already
// running finish under a context that outlives ctx.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("starting pool", "concurrency", p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go func(loopID int) {
			defer p.wg.Done()
			p.runLoop(ctx, loopID)
		}(i + 1)
	}
}

// Wait blocks until every loop has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Drain runs runnable jobs on the calling goroutine until none is left and
// returns how many ran.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	n := 0
	for ctx.Err() == nil {
		job, err := p.jobs.Claim(ctx, p.queue)
		if err != nil {
			return n, err
		}
		if job == nil {
			return n, nil
		}
		p.process(ctx, job)
		n++
	}
	return n, ctx.Err()
}

func (p *Pool) runLoop(ctx context.Context, loopID int) {
	wake := p.jobs.Wake(p.queue)
	timer := time.NewTimer(p.poll)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.jobs.Claim(ctx, p.queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("claim failed", "loop", loopID, "error", err)
		}
		if job != nil {
			// let a sibling loop look for more work
			p.jobs.Signal(p.queue)
			p.process(context.WithoutCancel(ctx), job)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.poll)
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-timer.C:
		}
	}
}

func (p *Pool) process(ctx context.Context, job *models.SyncJob) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.metrics.JobStarted(p.queue)
	defer p.metrics.JobDone(p.queue)

	go p.beat(ctx, job)

	jc := runtime.NewContext(ctx, job, p.jobs, p.logger)
	start := time.Now()
	out, err := p.safeRun(jc)
	took := time.Since(start)

	if err == nil {
		p.complete(jc, out, took)
		return
	}

	switch syncerr.KindOf(err) {
	case syncerr.NotFoundUpstream, syncerr.Validation:
		jc.Logger.Info("job skipped", "reason", err.Error())
		if p.complete(jc, queue.Outcome{Result: map[string]string{"skipped": err.Error()}, Skipped: true}, took) {
			if sh, ok := p.handler.(runtime.SkipHandler); ok {
				sh.OnSkipped(jc, err)
			}
		}
		return
	case syncerr.Fatal:
		p.fail(jc, err, false, took)
	default:
		p.fail(jc, err, true, took)
	}
}

func (p *Pool) safeRun(jc *runtime.Context) (out queue.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			jc.Logger.Error("job handler panic", "panic", r)
			err = syncerr.FatalErr("run", fmt.Errorf("panic: %v", r))
		}
	}()
	return p.handler.Run(jc)
}

// complete reports whether the outcome was stored.
func (p *Pool) complete(jc *runtime.Context, out queue.Outcome, took time.Duration) bool {
	if err := p.jobs.Complete(jc.Ctx, jc.Job, out); err != nil {
		if errors.Is(err, queue.ErrLostClaim) {
			jc.Logger.Warn("job was reclaimed before completion")
			return false
		}
		jc.Logger.Error("failed to complete job", "error", err)
		return false
	}
	outcome := metrics.OutcomeCompleted
	if out.Skipped {
		outcome = metrics.OutcomeSkipped
	}
	p.metrics.JobFinished(p.queue, outcome, took)
	jc.Logger.Debug("job completed", "took", took, "skipped", out.Skipped)
	return true
}

func (p *Pool) fail(jc *runtime.Context, cause error, retry bool, took time.Duration) {
	retried, err := p.jobs.Fail(jc.Ctx, jc.Job, cause, retry)
	if err != nil {
		if errors.Is(err, queue.ErrLostClaim) {
			jc.Logger.Warn("job was reclaimed before failure was recorded")
			return
		}
		jc.Logger.Error("failed to record job failure", "error", err, "cause", cause)
		return
	}
	if retried {
		p.metrics.JobFinished(p.queue, metrics.OutcomeRetried, took)
		jc.Logger.Warn("job failed, retry scheduled", "error", cause)
		return
	}
	p.metrics.JobFinished(p.queue, metrics.OutcomeFailed, took)
	jc.Logger.Error("job failed", "error", cause, "kind", syncerr.KindOf(cause).String())
	if fh, ok := p.handler.(runtime.FailureHandler); ok {
		fh.OnFailed(jc, cause)
	}
}

func (p *Pool) beat(ctx context.Context, job *models.SyncJob) {
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.jobs.Heartbeat(ctx, job); err != nil && ctx.Err() == nil {
				p.logger.Warn("heartbeat failed", "job_id", job.ID, "error", err)
			}
		}
	}
}
