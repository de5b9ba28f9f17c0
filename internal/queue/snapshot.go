package queue

import (
	"encoding/json"
	"time"

	"catalogsync/internal/models"
)

type Progress struct {
	Step string `json:"step"`
	Pct  int    `json:"pct"`
}

// JobSnapshot is the externally visible view of a job.
type JobSnapshot struct {
	ID              string          `json:"id"`
	Queue           string          `json:"queue"`
	Key             string          `json:"key"`
	SessionID       string          `json:"session_id,omitempty"`
	State           models.JobState `json:"state"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"max_attempts"`
	Progress        Progress        `json:"progress"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	Skipped         bool            `json:"skipped"`
	ParentID        string          `json:"parent_id,omitempty"`
	ChildrenTotal   int64           `json:"children_total"`
	ChildrenPending int64           `json:"children_pending"`
	RunAt           time.Time       `json:"run_at"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

func newSnapshot(job *models.SyncJob, childrenTotal, childrenPending int64) *JobSnapshot {
	snap := &JobSnapshot{
		ID:              job.ID,
		Queue:           job.Queue,
		Key:             job.JobKey,
		SessionID:       job.SessionID,
		State:           ReportedState(job.State, childrenPending),
		Attempts:        job.Attempts,
		MaxAttempts:     job.MaxAttempts,
		Progress:        Progress{Step: job.ProgressStep, Pct: job.ProgressPct},
		Payload:         json.RawMessage(job.Payload),
		Result:          json.RawMessage(job.Result),
		Error:           job.LastError,
		Skipped:         job.Skipped,
		ChildrenTotal:   childrenTotal,
		ChildrenPending: childrenPending,
		RunAt:           job.RunAt,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		FinishedAt:      job.FinishedAt,
	}
	if job.ParentID != nil {
		snap.ParentID = *job.ParentID
	}
	return snap
}

// ReportedState folds outstanding children into the stored state: a parent
// whose own run ended, successfully or not, is neither completed nor failed
// until every child resolved. The snapshot keeps the parent's error.
func ReportedState(stored models.JobState, pendingChildren int64) models.JobState {
	if stored.Terminal() && pendingChildren > 0 {
		return models.JobStateAwaitingDependents
	}
	return stored
}

type Stats struct {
	Queue              string `json:"queue"`
	Waiting            int64  `json:"waiting"`
	Active             int64  `json:"active"`
	Completed          int64  `json:"completed"`
	Failed             int64  `json:"failed"`
	Delayed            int64  `json:"delayed"`
	AwaitingDependents int64  `json:"awaiting_dependents"`
	Paused             bool   `json:"paused"`
}
