package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"catalogsync/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Continuation is enqueued once a job and all of its children have resolved.
type Continuation struct {
	Queue   string
	Key     string
	Payload any
}

// Outcome is what a handler produced for a successfully finished job.
type Outcome struct {
	Result  any
	Skipped bool
	Next    *Continuation
}

// Claim takes the next runnable job of queue, or returns nil when there is none.
// Stale active jobs whose heartbeat stopped are reclaimed while attempts remain.
func (s *Service) Claim(ctx context.Context, queue string) (*models.SyncJob, error) {
	paused, err := s.IsPaused(ctx, queue)
	if err != nil || paused {
		return nil, err
	}

	for try := 0; try < 3; try++ {
		job, err := s.claimOnce(ctx, queue)
		if errors.Is(err, errRaced) {
			continue
		}
		return job, err
	}
	return nil, nil
}

// errRaced means another worker took the candidate first.
var errRaced = errors.New("claim raced")

func (s *Service) claimOnce(ctx context.Context, queue string) (*models.SyncJob, error) {
	now := s.now()
	staleCutoff := now.Add(-s.staleAfter)

	var claimed *models.SyncJob
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var job models.SyncJob
		err := q.Where("queue = ?", queue).
			Where(`(
          (state IN ? AND run_at <= ?)
          OR (
            state = ?
            AND heartbeat_at IS NOT NULL
            AND heartbeat_at < ?
            AND attempts < max_attempts
          )
        )`, []models.JobState{models.JobStateWaiting, models.JobStateDelayed}, now,
				models.JobStateActive, staleCutoff).
			Order("run_at ASC").
			Order("created_at ASC").
			Take(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		res := tx.Model(&models.SyncJob{}).
			Where("id = ? AND state = ? AND attempts = ?", job.ID, job.State, job.Attempts).
			Updates(map[string]interface{}{
				"state":        models.JobStateActive,
				"attempts":     job.Attempts + 1,
				"started_at":   now,
				"heartbeat_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errRaced
		}
		if job.State == models.JobStateActive {
			s.logger.Warn("reclaimed stalled job", "queue", queue, "job_id", job.ID, "attempt", job.Attempts+1)
		}
		job.State = models.JobStateActive
		job.Attempts++
		job.StartedAt = &now
		job.HeartbeatAt = &now
		claimed = &job
		return nil
	})
	if errors.Is(err, errRaced) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim %s job: %w", queue, err)
	}
	return claimed, nil
}

func (s *Service) Heartbeat(ctx context.Context, job *models.SyncJob) error {
	now := s.now()
	return s.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND state = ? AND attempts = ?", job.ID, models.JobStateActive, job.Attempts).
		Updates(map[string]interface{}{"heartbeat_at": now, "updated_at": now}).Error
}

func (s *Service) Progress(ctx context.Context, job *models.SyncJob, step string, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return s.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND state = ?", job.ID, models.JobStateActive).
		Updates(map[string]interface{}{
			"progress_step": step,
			"progress_pct":  pct,
			"heartbeat_at":  s.now(),
		}).Error
}

// Complete records a successful run. Continuations fire once nothing is
// outstanding below the job, and the parent is re-evaluated.
func (s *Service) Complete(ctx context.Context, job *models.SyncJob, out Outcome) error {
	result, err := encodePayload(out.Result)
	if err != nil {
		return err
	}
	now := s.now()
	updates := map[string]interface{}{
		"state":        models.JobStateCompleted,
		"result":       result,
		"skipped":      out.Skipped,
		"progress_pct": 100,
		"last_error":   "",
		"finished_at":  now,
		"updated_at":   now,
	}
	if out.Next != nil {
		next, err := encodePayload(out.Next.Payload)
		if err != nil {
			return err
		}
		if _, err := s.policy(out.Next.Queue); err != nil {
			return err
		}
		updates["next_queue"] = out.Next.Queue
		updates["next_key"] = out.Next.Key
		updates["next_payload"] = next
	}

	res := s.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND state = ? AND attempts = ?", job.ID, models.JobStateActive, job.Attempts).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to complete job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLostClaim
	}

	if err := s.fireContinuation(ctx, job.ID); err != nil {
		return err
	}
	if job.ParentID != nil {
		return s.resolveParent(ctx, *job.ParentID)
	}
	return nil
}

// SetContinuation stores the follow-up of an active job ahead of completion,
// for handlers that decide it before scheduling children.
func (s *Service) SetContinuation(ctx context.Context, job *models.SyncJob, next Continuation) error {
	if _, err := s.policy(next.Queue); err != nil {
		return err
	}
	raw, err := encodePayload(next.Payload)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND state = ? AND attempts = ?", job.ID, models.JobStateActive, job.Attempts).
		Updates(map[string]interface{}{
			"next_queue":   next.Queue,
			"next_key":     next.Key,
			"next_payload": raw,
			"updated_at":   s.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to set continuation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLostClaim
	}
	return nil
}

// Fail records a failed run. When retry is set and attempts remain the job is
// delayed by its backoff; otherwise it fails for good. It reports whether a
// retry was scheduled.
func (s *Service) Fail(ctx context.Context, job *models.SyncJob, cause error, retry bool) (bool, error) {
	now := s.now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	willRetry := retry && job.Attempts < job.MaxAttempts
	updates := map[string]interface{}{
		"last_error": msg,
		"updated_at": now,
	}
	if willRetry {
		b := Backoff{Kind: job.Backoff, Delay: time.Duration(job.BackoffDelayMS) * time.Millisecond}
		updates["state"] = models.JobStateDelayed
		updates["run_at"] = now.Add(b.Next(job.Attempts))
	} else {
		updates["state"] = models.JobStateFailed
		updates["finished_at"] = now
	}

	res := s.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND state = ? AND attempts = ?", job.ID, models.JobStateActive, job.Attempts).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to record job failure: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, ErrLostClaim
	}
	if !willRetry && job.ParentID != nil {
		if err := s.resolveParent(ctx, *job.ParentID); err != nil {
			return false, err
		}
	}
	return willRetry, nil
}

// resolveParent fires the parent's continuation if it has finished its own
// work and no children remain outstanding.
func (s *Service) resolveParent(ctx context.Context, parentID string) error {
	var parent models.SyncJob
	err := s.db.WithContext(ctx).Where("id = ?", parentID).Take(&parent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load parent job: %w", err)
	}
	if parent.State != models.JobStateCompleted {
		return nil
	}
	if err := s.fireContinuation(ctx, parent.ID); err != nil {
		return err
	}
	if parent.ParentID != nil {
		return s.resolveParent(ctx, *parent.ParentID)
	}
	return nil
}

func (s *Service) fireContinuation(ctx context.Context, id string) error {
	db := s.db.WithContext(ctx)
	_, pending, err := s.childCounts(db, id)
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}

	now := s.now()
	res := db.Model(&models.SyncJob{}).
		Where("id = ? AND state = ? AND next_queue <> '' AND continued_at IS NULL", id, models.JobStateCompleted).
		Update("continued_at", now)
	if res.Error != nil {
		return fmt.Errorf("failed to mark continuation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}

	var job models.SyncJob
	if err := db.Where("id = ?", id).Take(&job).Error; err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	next, created, err := s.Enqueue(ctx, job.NextQueue, datatypes.JSON(job.NextPayload), Options{
		JobKey:    job.NextKey,
		SessionID: job.SessionID,
	})
	if err != nil {
		// unmark so ResumeContinuations can pick it up again
		db.Model(&models.SyncJob{}).Where("id = ?", id).Update("continued_at", nil)
		return fmt.Errorf("failed to enqueue continuation: %w", err)
	}
	if !created && job.SessionID != "" && next.SessionID != job.SessionID {
		s.logger.Info("continuation merged into live job",
			"job_id", id, "session_id", job.SessionID, "live_job_id", next.ID, "live_session_id", next.SessionID)
		if a := s.account(); a != nil {
			a.Merged(ctx, job.SessionID, job.NextQueue, next)
		}
	}
	s.logger.Debug("continuation enqueued", "job_id", id, "next_queue", job.NextQueue, "next_key", job.NextKey)
	return nil
}

// ResumeContinuations fires continuations that were missed, for example when a
// process died between completing a job and enqueueing its follow-up.
func (s *Service) ResumeContinuations(ctx context.Context, limit int) (int, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("state = ? AND next_queue <> '' AND continued_at IS NULL", models.JobStateCompleted).
		Where("NOT " + pendingChildren).
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list pending continuations: %w", err)
	}
	fired := 0
	for _, id := range ids {
		if err := s.fireContinuation(ctx, id); err != nil {
			return fired, err
		}
		fired++
	}
	return fired, nil
}

// ReapStalled fails active jobs whose heartbeat stopped and that have no
// attempts left to be reclaimed with.
func (s *Service) ReapStalled(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.staleAfter)
	var jobs []models.SyncJob
	err := s.db.WithContext(ctx).
		Where("state = ? AND heartbeat_at < ? AND attempts >= max_attempts", models.JobStateActive, cutoff).
		Find(&jobs).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list stalled jobs: %w", err)
	}
	reaped := 0
	for i := range jobs {
		if _, err := s.Fail(ctx, &jobs[i], errors.New("job stalled: heartbeat lost"), false); err != nil {
			if errors.Is(err, ErrLostClaim) {
				continue
			}
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}
