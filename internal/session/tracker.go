// Package session tracks end-to-end supplier sync sessions across the
// promidata, images, search and semantic stages.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"catalogsync/internal/events"
	"catalogsync/internal/logger"
	"catalogsync/internal/metrics"
	"catalogsync/internal/models"

	"gorm.io/gorm"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session transition")
)

// Counts is an increment applied to one stage.
type Counts struct {
	Processed int
	Failed    int
	Skipped   int
}

type Tracker struct {
	db      *gorm.DB
	logger  *logger.Logger
	events  events.Publisher
	metrics *metrics.Pipeline
	pingers []Pinger
	now     func() time.Time
}

type Option func(*Tracker)

func WithEvents(p events.Publisher) Option { return func(t *Tracker) { t.events = p } }

func WithMetrics(m *metrics.Pipeline) Option { return func(t *Tracker) { t.metrics = m } }

func WithPingers(p ...Pinger) Option { return func(t *Tracker) { t.pingers = append(t.pingers, p...) } }

func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

func NewTracker(db *gorm.DB, log *logger.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		db:     db,
		logger: log.With("component", "session"),
		events: events.Nop{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create opens a pending session for supplier.
func (t *Tracker) Create(ctx context.Context, supplierCode string, force bool) (*models.SyncSession, error) {
	s := &models.SyncSession{
		SupplierCode: supplierCode,
		Status:       models.SessionPending,
		Force:        force,
	}
	for _, st := range models.Stages {
		setStage(s, st, models.StageProgress{Status: models.StagePending})
	}
	if err := t.db.WithContext(ctx).Create(s).Error; err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return s, nil
}

func setStage(s *models.SyncSession, stage models.Stage, p models.StageProgress) {
	switch stage {
	case models.StagePromidata:
		s.Promidata = p
	case models.StageImages:
		s.Images = p
	case models.StageSearch:
		s.Search = p
	case models.StageSemantic:
		s.Semantic = p
	}
}

func (t *Tracker) Get(ctx context.Context, id string) (*models.SyncSession, error) {
	var s models.SyncSession
	err := t.db.WithContext(ctx).Where("id = ?", id).Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch session: %w", err)
	}
	return &s, nil
}

func (t *Tracker) List(ctx context.Context, supplierCode string, limit int) ([]models.SyncSession, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := t.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if supplierCode != "" {
		q = q.Where("supplier_code = ?", supplierCode)
	}
	var out []models.SyncSession
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return out, nil
}

// InFlight returns the newest pending or running session of supplier, or
// ErrNotFound when the supplier has none open.
func (t *Tracker) InFlight(ctx context.Context, supplierCode string) (*models.SyncSession, error) {
	var s models.SyncSession
	err := t.db.WithContext(ctx).
		Where("supplier_code = ? AND status IN ?", supplierCode,
			[]models.SessionStatus{models.SessionPending, models.SessionRunning}).
		Order("created_at DESC").
		Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open session: %w", err)
	}
	return &s, nil
}

// transition moves id to status if its current status is one of from.
func (t *Tracker) transition(ctx context.Context, id string, to models.SessionStatus, from []models.SessionStatus, extra map[string]interface{}) error {
	updates := map[string]interface{}{"status": to, "updated_at": t.now()}
	for k, v := range extra {
		updates[k] = v
	}
	res := t.db.WithContext(ctx).Model(&models.SyncSession{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := t.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: to %s", ErrInvalidTransition, to)
	}
	return nil
}

// Start moves a pending session to running.
func (t *Tracker) Start(ctx context.Context, id string) error {
	now := t.now()
	err := t.transition(ctx, id, models.SessionRunning, []models.SessionStatus{models.SessionPending}, map[string]interface{}{
		"started_at":       now,
		"promidata_status": models.StageRunning,
	})
	if err != nil {
		return err
	}
	t.publish(ctx, id, events.TypeSessionStarted, "", string(models.SessionRunning), "")
	return nil
}

func stageColumn(stage models.Stage, field string) string {
	return string(stage) + "_" + field
}

// SetTotal sets the expected unit count of a stage.
func (t *Tracker) SetTotal(ctx context.Context, id string, stage models.Stage, total int) error {
	return t.db.WithContext(ctx).Model(&models.SyncSession{}).
		Where("id = ?", id).
		Update(stageColumn(stage, "total"), total).Error
}

// AddTotals raises the expected unit counts of several stages at once.
func (t *Tracker) AddTotals(ctx context.Context, id string, totals map[models.Stage]int) error {
	updates := map[string]interface{}{}
	for stage, n := range totals {
		if n == 0 {
			continue
		}
		col := stageColumn(stage, "total")
		updates[col] = gorm.Expr(col+" + ?", n)
		updates[stageColumn(stage, "status")] = models.StageRunning
	}
	if len(updates) == 0 {
		return nil
	}
	if err := t.db.WithContext(ctx).Model(&models.SyncSession{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to add stage totals: %w", err)
	}
	return nil
}

// Record applies c to stage and settles the session if everything is accounted for.
func (t *Tracker) Record(ctx context.Context, id string, stage models.Stage, c Counts) error {
	if id == "" {
		return nil
	}
	updates := map[string]interface{}{}
	add := func(field string, n int) {
		if n == 0 {
			return
		}
		col := stageColumn(stage, field)
		updates[col] = gorm.Expr(col+" + ?", n)
		t.metrics.StageUnits(string(stage), field, n)
	}
	add("processed", c.Processed)
	add("failed", c.Failed)
	add("skipped", c.Skipped)
	if len(updates) == 0 {
		return nil
	}
	if err := t.db.WithContext(ctx).Model(&models.SyncSession{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to record %s progress: %w", stage, err)
	}
	_, err := t.MaybeFinalize(ctx, id)
	return err
}

// RecordError counts a fatal error against the session and keeps the latest message.
func (t *Tracker) RecordError(ctx context.Context, id string, cause error) {
	if id == "" || cause == nil {
		return
	}
	err := t.db.WithContext(ctx).Model(&models.SyncSession{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"error_count": gorm.Expr("error_count + 1"),
			"last_error":  truncate(cause.Error(), 1000),
		}).Error
	if err != nil {
		t.logger.Warn("failed to record session error", "session_id", id, "error", err)
	}
}

// FeedDone marks the supplier feed as fully enumerated: stage totals are final from here on.
func (t *Tracker) FeedDone(ctx context.Context, id string) error {
	if err := t.db.WithContext(ctx).Model(&models.SyncSession{}).
		Where("id = ?", id).
		Update("feed_done", true).Error; err != nil {
		return fmt.Errorf("failed to mark feed done: %w", err)
	}
	_, err := t.MaybeFinalize(ctx, id)
	return err
}

// Fail ends a session that cannot continue.
func (t *Tracker) Fail(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = truncate(cause.Error(), 1000)
	}
	err := t.transition(ctx, id, models.SessionFailed,
		[]models.SessionStatus{models.SessionPending, models.SessionRunning},
		map[string]interface{}{
			"ended_at":         t.now(),
			"last_error":       msg,
			"error_count":      gorm.Expr("error_count + 1"),
			"promidata_status": models.StageFailed,
		})
	if err != nil {
		return err
	}
	t.publish(ctx, id, events.TypeSessionFinished, "", string(models.SessionFailed), msg)
	return nil
}

// RequestStop asks the running sync to halt between units of work.
func (t *Tracker) RequestStop(ctx context.Context, id string) error {
	s, err := t.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		return fmt.Errorf("%w: session already %s", ErrInvalidTransition, s.Status)
	}
	if s.Status == models.SessionPending {
		return t.transition(ctx, id, models.SessionStopped, []models.SessionStatus{models.SessionPending},
			map[string]interface{}{"stop_requested_at": t.now(), "ended_at": t.now()})
	}
	return t.db.WithContext(ctx).Model(&models.SyncSession{}).
		Where("id = ? AND stop_requested_at IS NULL", id).
		Update("stop_requested_at", t.now()).Error
}

// StopRequested is the cooperative stop check used between units of work.
func (t *Tracker) StopRequested(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}
	var s models.SyncSession
	err := t.db.WithContext(ctx).Select("status", "stop_requested_at").Where("id = ?", id).Take(&s).Error
	if err != nil {
		return false
	}
	return s.StopRequestedAt != nil || s.Status == models.SessionStopped
}

// MaybeFinalize ends the session once the feed is enumerated and every stage
// has an outcome for each of its units. It reports whether this call ended it.
func (t *Tracker) MaybeFinalize(ctx context.Context, id string) (bool, error) {
	s, err := t.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if s.Status != models.SessionRunning || !s.FeedDone {
		return false, nil
	}
	for _, st := range models.Stages {
		p := s.Progress(st)
		if p.Done() < p.Total {
			return false, nil
		}
	}

	to := models.SessionCompleted
	if s.StopRequestedAt != nil {
		to = models.SessionStopped
	}
	extra := map[string]interface{}{"ended_at": t.now()}
	for _, st := range models.Stages {
		extra[stageColumn(st, "status")] = stageOutcome(s.Progress(st))
	}
	err = t.transition(ctx, id, to, []models.SessionStatus{models.SessionRunning}, extra)
	if errors.Is(err, ErrInvalidTransition) {
		// another worker settled it first
		return false, nil
	}
	if err != nil {
		return false, err
	}
	t.logger.Info("session finished",
		"session_id", id,
		"supplier", s.SupplierCode,
		"status", to,
		"families", s.Promidata.Processed,
		"unchanged", s.Promidata.Skipped,
		"images", s.Images.Processed,
	)
	t.publish(ctx, id, events.TypeSessionFinished, "", string(to), "")
	return true, nil
}

func stageOutcome(p models.StageProgress) models.StageStatus {
	if p.Total > 0 && p.Failed == p.Total {
		return models.StageFailed
	}
	return models.StageCompleted
}

// ExpireStale fails running sessions older than timeout.
func (t *Tracker) ExpireStale(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := t.now().Add(-timeout)
	var ids []string
	err := t.db.WithContext(ctx).Model(&models.SyncSession{}).
		Where("status IN ? AND created_at < ?", []models.SessionStatus{models.SessionPending, models.SessionRunning}, cutoff).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list stale sessions: %w", err)
	}
	expired := 0
	for _, id := range ids {
		err := t.Fail(ctx, id, fmt.Errorf("session timed out after %s", timeout))
		if errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (t *Tracker) publish(ctx context.Context, id, typ, stage, status, msg string) {
	var suppliers []string
	t.db.WithContext(ctx).Model(&models.SyncSession{}).Where("id = ?", id).Pluck("supplier_code", &suppliers)
	ev := events.Event{
		Type:      typ,
		SessionID: id,
		Stage:     stage,
		Status:    status,
		Message:   msg,
		Timestamp: t.now().UTC(),
	}
	if len(suppliers) > 0 {
		ev.SupplierCode = suppliers[0]
	}
	if err := t.events.Publish(ctx, ev); err != nil {
		t.logger.Warn("failed to publish session event", "session_id", id, "type", typ, "error", err)
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
