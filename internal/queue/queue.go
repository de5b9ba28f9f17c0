// Package queue is the durable job orchestrator. Jobs live in the sync_jobs
// table; workers claim them by polling, woken early by local signals and
// postgres notifications.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"catalogsync/internal/database"
	"catalogsync/internal/logger"
	"catalogsync/internal/models"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	SupplierSync    = "supplier-sync"
	ProductFamily   = "product-family"
	ImageUpload     = "image-upload"
	MeilisearchSync = "meilisearch-sync"
	GeminiSync      = "gemini-sync"
)

// Names lists the pipeline queues in stage order.
var Names = []string{SupplierSync, ProductFamily, ImageUpload, MeilisearchSync, GeminiSync}

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrUnknownQueue = errors.New("unknown queue")
	ErrJobActive    = errors.New("job is active")
	ErrLostClaim    = errors.New("job claim lost")
	ErrBadState     = errors.New("state cannot be cleaned")
)

type Options struct {
	// JobKey is the natural id; a live job with the same key is reused.
	JobKey    string
	SessionID string
	ParentID  string
	Attempts  int
	Backoff   *Backoff
	Delay     time.Duration
}

type Service struct {
	db         *gorm.DB
	logger     *logger.Logger
	policies   map[string]Policy
	notifier   Notifier
	staleAfter time.Duration
	now        func() time.Time

	mu         sync.Mutex
	signals    map[string]chan struct{}
	accountant Accountant
}

// Accountant is told about work that ends for a session without a worker
// run: cancelled jobs, and continuations folded into a live job another
// session owns.
type Accountant interface {
	// Cancelled receives the job as it was stored before Cancel failed it.
	Cancelled(ctx context.Context, job *models.SyncJob)
	// Merged reports that sessionID's follow-up on queue was absorbed by live.
	Merged(ctx context.Context, sessionID, queue string, live *models.SyncJob)
}

type Option func(*Service)

func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithStaleAfter(d time.Duration) Option { return func(s *Service) { s.staleAfter = d } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(db *gorm.DB, log *logger.Logger, policies map[string]Policy, opts ...Option) *Service {
	s := &Service{
		db:         db,
		logger:     log.With("component", "queue"),
		policies:   policies,
		staleAfter: 2 * time.Minute,
		now:        time.Now,
		signals:    make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	for name := range policies {
		s.signals[name] = make(chan struct{}, 1)
	}
	return s
}

// SetAccountant installs a. It replaces any earlier one.
func (s *Service) SetAccountant(a Accountant) {
	s.mu.Lock()
	s.accountant = a
	s.mu.Unlock()
}

func (s *Service) account() Accountant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountant
}

// Wake returns a channel that receives when work may be available on queue.
func (s *Service) Wake(queue string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.signals[queue]
	if !ok {
		ch = make(chan struct{}, 1)
		s.signals[queue] = ch
	}
	return ch
}

// Signal wakes idle workers of queue in this process.
func (s *Service) Signal(queue string) {
	s.mu.Lock()
	ch := s.signals[queue]
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Service) announce(ctx context.Context, queue string) {
	s.Signal(queue)
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, queue); err != nil {
		s.logger.Warn("queue notify failed", "queue", queue, "error", err)
	}
}

func (s *Service) policy(queue string) (Policy, error) {
	p, ok := s.policies[queue]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	return p, nil
}

// Enqueue schedules payload on queue. A job with the same key that is still
// live is returned unchanged; a finished one is recycled into a fresh run.
// The bool reports whether a new run was scheduled.
func (s *Service) Enqueue(ctx context.Context, queue string, payload any, opts Options) (*models.SyncJob, bool, error) {
	pol, err := s.policy(queue)
	if err != nil {
		return nil, false, err
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, false, err
	}

	attempts := pol.Attempts
	if opts.Attempts > 0 {
		attempts = opts.Attempts
	}
	if attempts <= 0 {
		attempts = 1
	}
	backoff := pol.Backoff
	if opts.Backoff != nil {
		backoff = *opts.Backoff
	}
	if backoff.Kind == "" {
		backoff.Kind = models.BackoffExponential
	}
	key := opts.JobKey
	if key == "" {
		key = uuid.NewString()
	}

	now := s.now()
	state := models.JobStateWaiting
	runAt := now
	if opts.Delay > 0 {
		state = models.JobStateDelayed
		runAt = now.Add(opts.Delay)
	}
	var parentID *string
	if opts.ParentID != "" {
		parentID = &opts.ParentID
	}

	fresh := &models.SyncJob{
		Queue:          queue,
		JobKey:         key,
		SessionID:      opts.SessionID,
		Payload:        raw,
		State:          state,
		MaxAttempts:    attempts,
		Backoff:        backoff.Kind,
		BackoffDelayMS: backoff.Delay.Milliseconds(),
		RunAt:          runAt,
		ParentID:       parentID,
	}

	var out *models.SyncJob
	created := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.SyncJob
		err := tx.Where("queue = ? AND job_key = ?", queue, key).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(fresh).Error; err != nil {
				return err
			}
			out, created = fresh, true
			return nil
		case err != nil:
			return err
		}

		if !existing.State.Terminal() {
			out = &existing
			return nil
		}

		// detach children of the previous run so they do not count against this one
		if err := tx.Model(&models.SyncJob{}).Where("parent_id = ?", existing.ID).
			Update("parent_id", nil).Error; err != nil {
			return err
		}
		res := tx.Model(&models.SyncJob{}).
			Where("id = ? AND state = ?", existing.ID, existing.State).
			Updates(map[string]interface{}{
				"session_id":       opts.SessionID,
				"payload":          raw,
				"result":           nil,
				"state":            state,
				"attempts":         0,
				"max_attempts":     attempts,
				"backoff":          backoff.Kind,
				"backoff_delay_ms": backoff.Delay.Milliseconds(),
				"run_at":           runAt,
				"progress_step":    "",
				"progress_pct":     0,
				"last_error":       "",
				"skipped":          false,
				"parent_id":        parentID,
				"next_queue":       "",
				"next_key":         "",
				"next_payload":     nil,
				"continued_at":     nil,
				"started_at":       nil,
				"heartbeat_at":     nil,
				"finished_at":      nil,
				"updated_at":       now,
			})
		if res.Error != nil {
			return res.Error
		}
		if err := tx.Where("id = ?", existing.ID).Take(&existing).Error; err != nil {
			return err
		}
		out, created = &existing, res.RowsAffected == 1
		return nil
	})
	if err != nil && database.IsUniqueViolation(err) {
		// lost the insert race to another producer
		var existing models.SyncJob
		if ferr := s.db.WithContext(ctx).Where("queue = ? AND job_key = ?", queue, key).Take(&existing).Error; ferr != nil {
			return nil, false, fmt.Errorf("failed to load job after conflict: %w", ferr)
		}
		return &existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue %s job: %w", queue, err)
	}

	if created {
		s.announce(ctx, queue)
	}
	return out, created, nil
}

func encodePayload(payload any) (datatypes.JSON, error) {
	switch v := payload.(type) {
	case nil:
		return datatypes.JSON("{}"), nil
	case datatypes.JSON:
		return v, nil
	case json.RawMessage:
		return datatypes.JSON(v), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return datatypes.JSON(b), nil
}

// GetJob looks a job up by id or natural key.
func (s *Service) GetJob(ctx context.Context, queue, id string) (*JobSnapshot, error) {
	var job models.SyncJob
	err := s.db.WithContext(ctx).
		Where("queue = ? AND (id = ? OR job_key = ?)", queue, id, id).
		Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job: %w", err)
	}
	total, pending, err := s.childCounts(s.db.WithContext(ctx), job.ID)
	if err != nil {
		return nil, err
	}
	return newSnapshot(&job, total, pending), nil
}

func (s *Service) childCounts(tx *gorm.DB, id string) (total, pending int64, err error) {
	type row struct {
		Total   int64
		Pending int64
	}
	var r row
	err = tx.Model(&models.SyncJob{}).
		Select("COUNT(*) AS total, COALESCE(SUM(CASE WHEN state IN ? THEN 0 ELSE 1 END), 0) AS pending",
			[]models.JobState{models.JobStateCompleted, models.JobStateFailed}).
		Where("parent_id = ?", id).
		Scan(&r).Error
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count children: %w", err)
	}
	return r.Total, r.Pending, nil
}

const pendingChildren = `EXISTS (SELECT 1 FROM sync_jobs c WHERE c.parent_id = sync_jobs.id AND c.state NOT IN ('completed','failed'))`

// GetStats counts jobs per reported state.
func (s *Service) GetStats(ctx context.Context, queue string) (*Stats, error) {
	if _, err := s.policy(queue); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)

	type row struct {
		State models.JobState
		N     int64
	}
	stats := &Stats{Queue: queue}
	var rows []row
	if err := db.Model(&models.SyncJob{}).
		Select("state, COUNT(*) AS n").
		Where("queue = ?", queue).
		Group("state").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	var awaitingRows []row
	if err := db.Model(&models.SyncJob{}).
		Select("state, COUNT(*) AS n").
		Where("queue = ? AND state IN ?", queue, []models.JobState{models.JobStateCompleted, models.JobStateFailed}).
		Where(pendingChildren).
		Group("state").
		Scan(&awaitingRows).Error; err != nil {
		return nil, fmt.Errorf("failed to count awaiting jobs: %w", err)
	}
	awaiting := map[models.JobState]int64{}
	for _, r := range awaitingRows {
		awaiting[r.State] = r.N
		stats.AwaitingDependents += r.N
	}

	for _, r := range rows {
		switch r.State {
		case models.JobStateWaiting:
			stats.Waiting = r.N
		case models.JobStateActive:
			stats.Active = r.N
		case models.JobStateDelayed:
			stats.Delayed = r.N
		case models.JobStateCompleted:
			stats.Completed = r.N - awaiting[r.State]
		case models.JobStateFailed:
			stats.Failed = r.N - awaiting[r.State]
		}
	}

	paused, err := s.IsPaused(ctx, queue)
	if err != nil {
		return nil, err
	}
	stats.Paused = paused
	return stats, nil
}

func (s *Service) Pause(ctx context.Context, queue string) error {
	return s.setPaused(ctx, queue, true)
}

func (s *Service) Resume(ctx context.Context, queue string) error {
	if err := s.setPaused(ctx, queue, false); err != nil {
		return err
	}
	s.announce(ctx, queue)
	return nil
}

func (s *Service) setPaused(ctx context.Context, queue string, paused bool) error {
	if _, err := s.policy(queue); err != nil {
		return err
	}
	row := models.QueueState{Name: queue, Paused: paused, UpdatedAt: s.now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"paused", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to update queue %s: %w", queue, err)
	}
	s.logger.Info("queue pause changed", "queue", queue, "paused", paused)
	return nil
}

func (s *Service) IsPaused(ctx context.Context, queue string) (bool, error) {
	var st models.QueueState
	err := s.db.WithContext(ctx).Where("name = ?", queue).Take(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read queue state: %w", err)
	}
	return st.Paused, nil
}

// Clean deletes finished jobs in state older than olderThan. Parents still
// awaiting children are kept.
func (s *Service) Clean(ctx context.Context, queue string, olderThan time.Duration, state models.JobState) (int64, error) {
	if _, err := s.policy(queue); err != nil {
		return 0, err
	}
	if !state.Terminal() {
		return 0, fmt.Errorf("%w: %s", ErrBadState, state)
	}
	cutoff := s.now().Add(-olderThan)
	res := s.db.WithContext(ctx).
		Where("queue = ? AND state = ? AND finished_at < ?", queue, state, cutoff).
		Where("NOT " + pendingChildren).
		Delete(&models.SyncJob{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clean jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// RetryFailed moves up to limit failed jobs back to waiting with a fresh attempt budget.
func (s *Service) RetryFailed(ctx context.Context, queue string, limit int) (int64, error) {
	if _, err := s.policy(queue); err != nil {
		return 0, err
	}
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	if err := s.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("queue = ? AND state = ?", queue, models.JobStateFailed).
		Order("finished_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("failed to list failed jobs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id IN ? AND state = ?", ids, models.JobStateFailed).
		Updates(map[string]interface{}{
			"state":       models.JobStateWaiting,
			"attempts":    0,
			"last_error":  "",
			"run_at":      now,
			"finished_at": nil,
			"updated_at":  now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to retry jobs: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.announce(ctx, queue)
	}
	return res.RowsAffected, nil
}

// Cancel fails a job that has not started and reports it to the accountant
// so the owning session counts it. Active jobs are stopped cooperatively
// through their session instead.
func (s *Service) Cancel(ctx context.Context, queue, id string) error {
	var job models.SyncJob
	err := s.db.WithContext(ctx).
		Where("queue = ? AND (id = ? OR job_key = ?)", queue, id, id).
		Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to fetch job: %w", err)
	}
	switch job.State {
	case models.JobStateActive:
		return ErrJobActive
	case models.JobStateCompleted, models.JobStateFailed:
		return nil
	}
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND state = ?", job.ID, job.State).
		Updates(map[string]interface{}{
			"state":       models.JobStateFailed,
			"last_error":  "cancelled",
			"finished_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to cancel job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrJobActive
	}
	s.logger.Info("job cancelled", "queue", queue, "job_id", job.ID, "job_key", job.JobKey, "session_id", job.SessionID)
	if a := s.account(); a != nil {
		a.Cancelled(ctx, &job)
	}
	if job.ParentID != nil {
		return s.resolveParent(ctx, *job.ParentID)
	}
	return nil
}
