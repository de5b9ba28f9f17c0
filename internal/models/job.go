package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SyncJob is one durable unit of work on a named queue.
type SyncJob struct {
	ID             string         `json:"id" gorm:"type:varchar(36);primaryKey"`
	Queue          string         `json:"queue" gorm:"not null;uniqueIndex:idx_job_key;index:idx_job_claim,priority:1"`
	JobKey         string         `json:"job_key" gorm:"not null;uniqueIndex:idx_job_key"`
	SessionID      string         `json:"session_id" gorm:"index"`
	Payload        datatypes.JSON `json:"payload"`
	Result         datatypes.JSON `json:"result"`
	State          JobState       `json:"state" gorm:"not null;index:idx_job_claim,priority:2"`
	Attempts       int            `json:"attempts" gorm:"not null;default:0"`
	MaxAttempts    int            `json:"max_attempts" gorm:"not null"`
	Backoff        BackoffKind    `json:"backoff" gorm:"not null;default:exponential"`
	BackoffDelayMS int64          `json:"backoff_delay_ms"`
	RunAt          time.Time      `json:"run_at" gorm:"index:idx_job_claim,priority:3"`
	ProgressStep   string         `json:"progress_step"`
	ProgressPct    int            `json:"progress_pct"`
	LastError      string         `json:"last_error"`
	Skipped        bool           `json:"skipped"`
	ParentID       *string        `json:"parent_id" gorm:"type:varchar(36);index"`
	NextQueue      string         `json:"next_queue"`
	NextKey        string         `json:"next_key"`
	NextPayload    datatypes.JSON `json:"next_payload"`
	ContinuedAt    *time.Time     `json:"continued_at"`
	StartedAt      *time.Time     `json:"started_at"`
	HeartbeatAt    *time.Time     `json:"heartbeat_at"`
	FinishedAt     *time.Time     `json:"finished_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (SyncJob) TableName() string { return "sync_jobs" }

// JobState is the persisted state of a job. JobStateAwaitingDependents is never
// stored; it is derived on read for completed parents with outstanding children.
type JobState string

const (
	JobStateWaiting            JobState = "waiting"
	JobStateActive             JobState = "active"
	JobStateDelayed            JobState = "delayed"
	JobStateCompleted          JobState = "completed"
	JobStateFailed             JobState = "failed"
	JobStateAwaitingDependents JobState = "awaiting_dependents"
)

func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// QueueState holds operator controls for a queue.
type QueueState struct {
	Name      string    `json:"name" gorm:"primaryKey"`
	Paused    bool      `json:"paused"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (QueueState) TableName() string { return "sync_queues" }

func (j *SyncJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	return nil
}
