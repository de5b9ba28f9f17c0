package runtime

import (
	"bytes"
	"context"
	"encoding/json"

	"catalogsync/internal/logger"
	"catalogsync/internal/models"
	"catalogsync/internal/queue"
	"catalogsync/internal/syncerr"
)

// Context is the execution handle for a single job run. Handlers report
// progress and schedule follow-up work only through it.
type Context struct {
	Ctx    context.Context
	Job    *models.SyncJob
	Logger *logger.Logger
	jobs   *queue.Service
}

func NewContext(ctx context.Context, job *models.SyncJob, jobs *queue.Service, log *logger.Logger) *Context {
	return &Context{
		Ctx:    ctx,
		Job:    job,
		Logger: log.With("queue", job.Queue, "job_id", job.ID, "attempt", job.Attempts),
		jobs:   jobs,
	}
}

// Decode unmarshals the job payload into v, keeping untyped numbers as
// json.Number. A malformed payload can never succeed, so it is fatal.
func (c *Context) Decode(v any) error {
	if len(c.Job.Payload) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(c.Job.Payload))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return syncerr.FatalErr("decode payload", err)
	}
	return nil
}

func (c *Context) SessionID() string { return c.Job.SessionID }

// FinalAttempt reports whether a transient failure now would fail the job for good.
func (c *Context) FinalAttempt() bool { return c.Job.Attempts >= c.Job.MaxAttempts }

func (c *Context) Progress(step string, pct int) {
	if err := c.jobs.Progress(c.Ctx, c.Job, step, pct); err != nil {
		c.Logger.Warn("failed to record progress", "step", step, "error", err)
	}
}

// Enqueue schedules an independent job carrying this job's session.
func (c *Context) Enqueue(q string, payload any, opts queue.Options) (*models.SyncJob, bool, error) {
	if opts.SessionID == "" {
		opts.SessionID = c.Job.SessionID
	}
	return c.jobs.Enqueue(c.Ctx, q, payload, opts)
}

// EnqueueChild schedules a job this one depends on: any continuation of this
// job waits until the child completes or fails.
func (c *Context) EnqueueChild(q string, payload any, opts queue.Options) (*models.SyncJob, bool, error) {
	opts.ParentID = c.Job.ID
	return c.Enqueue(q, payload, opts)
}
