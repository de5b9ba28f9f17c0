package models

import (
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

// SyncSession tracks one end-to-end sync of a supplier across all four stages.
type SyncSession struct {
	ID              string        `json:"id" gorm:"type:varchar(26);primaryKey"`
	SupplierCode    string        `json:"supplier_code" gorm:"not null;index"`
	Status          SessionStatus `json:"status" gorm:"not null;index"`
	Force           bool          `json:"force"`
	FeedDone        bool          `json:"feed_done"`
	Promidata       StageProgress `json:"promidata" gorm:"embedded;embeddedPrefix:promidata_"`
	Images          StageProgress `json:"images" gorm:"embedded;embeddedPrefix:images_"`
	Search          StageProgress `json:"search" gorm:"embedded;embeddedPrefix:search_"`
	Semantic        StageProgress `json:"semantic" gorm:"embedded;embeddedPrefix:semantic_"`
	ErrorCount      int           `json:"error_count"`
	LastError       string        `json:"last_error"`
	StopRequestedAt *time.Time    `json:"stop_requested_at"`
	StartedAt       *time.Time    `json:"started_at"`
	EndedAt         *time.Time    `json:"ended_at"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

type StageProgress struct {
	Status    StageStatus `json:"status" gorm:"default:pending"`
	Total     int         `json:"total"`
	Processed int         `json:"processed"`
	Failed    int         `json:"failed"`
	Skipped   int         `json:"skipped"`
}

// Done reports how many units reached an outcome.
func (p StageProgress) Done() int {
	return p.Processed + p.Failed + p.Skipped
}

type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionStopped   SessionStatus = "stopped"
)

func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionStopped
}

type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// Stage names a pipeline stage tracked on a session.
type Stage string

const (
	StagePromidata Stage = "promidata"
	StageImages    Stage = "images"
	StageSearch    Stage = "search"
	StageSemantic  Stage = "semantic"
)

var Stages = []Stage{StagePromidata, StageImages, StageSearch, StageSemantic}

// Progress returns the counters for stage.
func (s *SyncSession) Progress(stage Stage) StageProgress {
	switch stage {
	case StagePromidata:
		return s.Promidata
	case StageImages:
		return s.Images
	case StageSearch:
		return s.Search
	case StageSemantic:
		return s.Semantic
	}
	return StageProgress{}
}

func (s *SyncSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = ulid.Make().String()
	}
	return nil
}
