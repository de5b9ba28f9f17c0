package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"catalogsync/internal/database/dbtest"
	"catalogsync/internal/events"
	"catalogsync/internal/logger"
	"catalogsync/internal/models"
	"catalogsync/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTracker(t *testing.T, opts ...Option) (*Tracker, *gorm.DB, *events.Recorder) {
	t.Helper()
	db := dbtest.Open(t)
	rec := &events.Recorder{}
	opts = append([]Option{WithEvents(rec)}, opts...)
	return NewTracker(db, logger.Nop(), opts...), db, rec
}

func TestSessionLifecycleCompletes(t *testing.T) {
	tr, _, rec := newTracker(t)
	ctx := context.Background()

	s, err := tr.Create(ctx, "A113", false)
	require.NoError(t, err)
	assert.Equal(t, models.SessionPending, s.Status)
	assert.Len(t, s.ID, 26)

	require.NoError(t, tr.Start(ctx, s.ID))
	require.NoError(t, tr.AddTotals(ctx, s.ID, map[models.Stage]int{
		models.StagePromidata: 3,
		models.StageSearch:    2,
		models.StageSemantic:  2,
	}))
	require.NoError(t, tr.Record(ctx, s.ID, models.StagePromidata, Counts{Skipped: 1}))
	require.NoError(t, tr.FeedDone(ctx, s.ID))

	require.NoError(t, tr.Record(ctx, s.ID, models.StagePromidata, Counts{Processed: 2}))
	require.NoError(t, tr.AddTotals(ctx, s.ID, map[models.Stage]int{models.StageImages: 1}))
	require.NoError(t, tr.Record(ctx, s.ID, models.StageImages, Counts{Processed: 1}))
	require.NoError(t, tr.Record(ctx, s.ID, models.StageSearch, Counts{Processed: 2}))
	require.NoError(t, tr.Record(ctx, s.ID, models.StageSemantic, Counts{Processed: 1}))

	got, err := tr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionRunning, got.Status, "semantic stage still has one unit outstanding")

	require.NoError(t, tr.Record(ctx, s.ID, models.StageSemantic, Counts{Skipped: 1}))
	got, err = tr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, got.Status)
	assert.NotNil(t, got.EndedAt)
	assert.Equal(t, models.StageCompleted, got.Semantic.Status)
	assert.Equal(t, 1, got.Promidata.Skipped)

	evs := rec.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, events.TypeSessionStarted, evs[0].Type)
	assert.Equal(t, events.TypeSessionFinished, evs[1].Type)
	assert.Equal(t, "A113", evs[1].SupplierCode)
	assert.Equal(t, string(models.SessionCompleted), evs[1].Status)
}

func TestGuardedTransitions(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx := context.Background()

	s, err := tr.Create(ctx, "A1", false)
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx, s.ID))
	assert.ErrorIs(t, tr.Start(ctx, s.ID), ErrInvalidTransition)

	require.NoError(t, tr.Fail(ctx, s.ID, errors.New("feed unreachable")))
	assert.ErrorIs(t, tr.Fail(ctx, s.ID, errors.New("again")), ErrInvalidTransition)
	assert.ErrorIs(t, tr.RequestStop(ctx, s.ID), ErrInvalidTransition)

	got, err := tr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionFailed, got.Status)
	assert.Equal(t, "feed unreachable", got.LastError)
	assert.Equal(t, models.StageFailed, got.Promidata.Status)

	assert.ErrorIs(t, tr.Start(ctx, "missing"), ErrNotFound)
}

func TestStopRequestEndsAsStopped(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx := context.Background()

	s, err := tr.Create(ctx, "A1", false)
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx, s.ID))
	assert.False(t, tr.StopRequested(ctx, s.ID))

	require.NoError(t, tr.RequestStop(ctx, s.ID))
	assert.True(t, tr.StopRequested(ctx, s.ID))

	require.NoError(t, tr.FeedDone(ctx, s.ID))
	got, err := tr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStopped, got.Status)
}

func TestStopPendingSession(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx := context.Background()

	s, err := tr.Create(ctx, "A1", false)
	require.NoError(t, err)
	require.NoError(t, tr.RequestStop(ctx, s.ID))

	got, err := tr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStopped, got.Status)
	assert.ErrorIs(t, tr.Start(ctx, s.ID), ErrInvalidTransition)
}

func TestExpireStale(t *testing.T) {
	now := time.Now()
	tr, _, _ := newTracker(t, WithClock(func() time.Time { return now.Add(7 * time.Hour) }))
	ctx := context.Background()

	s, err := tr.Create(ctx, "A1", false)
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx, s.ID))

	n, err := tr.ExpireStale(ctx, 6*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := tr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionFailed, got.Status)
	assert.Contains(t, got.LastError, "timed out")
}

func TestHealthReport(t *testing.T) {
	tr, _, _ := newTracker(t, WithPingers(
		PingFunc{Service: "database", Fn: func(context.Context) error { return nil }},
		PingFunc{Service: "search", Fn: func(context.Context) error { return errors.New("connection refused") }},
	))
	ctx := context.Background()

	ok, err := tr.Create(ctx, "A1", false)
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx, ok.ID))
	require.NoError(t, tr.FeedDone(ctx, ok.ID))

	bad, err := tr.Create(ctx, "A2", false)
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx, bad.ID))
	require.NoError(t, tr.Fail(ctx, bad.ID, errors.New("boom")))

	_, err = tr.Create(ctx, "A3", false)
	require.NoError(t, err)

	report, err := tr.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.ActiveSessions)
	assert.Equal(t, int64(2), report.Finished7d)
	assert.InDelta(t, 0.5, report.SuccessRate7d, 0.0001)
	assert.Equal(t, "degraded", report.Status)
	assert.True(t, report.Services["database"].Reachable)
	assert.False(t, report.Services["search"].Reachable)
	assert.Equal(t, "connection refused", report.Services["search"].Error)
}

func TestVerifyReportsMismatches(t *testing.T) {
	tr, db, _ := newTracker(t)
	ctx := context.Background()

	s, err := tr.Create(ctx, "A1", false)
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx, s.ID))

	jobs := []models.SyncJob{
		{Queue: queue.ProductFamily, JobKey: "f1", SessionID: s.ID, State: models.JobStateCompleted, MaxAttempts: 1},
		{Queue: queue.ProductFamily, JobKey: "f2", SessionID: s.ID, State: models.JobStateCompleted, MaxAttempts: 1},
		{Queue: queue.ImageUpload, JobKey: "i1", SessionID: s.ID, State: models.JobStateFailed, MaxAttempts: 1},
		{Queue: queue.GeminiSync, JobKey: "g1", SessionID: s.ID, State: models.JobStateCompleted, Skipped: true, MaxAttempts: 1},
	}
	require.NoError(t, db.Create(&jobs).Error)

	require.NoError(t, tr.Record(ctx, s.ID, models.StagePromidata, Counts{Processed: 2}))
	require.NoError(t, tr.Record(ctx, s.ID, models.StageImages, Counts{Failed: 1}))
	require.NoError(t, tr.Record(ctx, s.ID, models.StageSemantic, Counts{Skipped: 1}))

	v, err := tr.Verify(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, v.Consistent, "%+v", v.Mismatches)

	require.NoError(t, tr.Record(ctx, s.ID, models.StageSearch, Counts{Processed: 1}))
	v, err = tr.Verify(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, v.Consistent)
	require.Len(t, v.Mismatches, 1)
	assert.Equal(t, models.StageSearch, v.Mismatches[0].Stage)
	assert.Equal(t, 1, v.Mismatches[0].Recorded)
	assert.Equal(t, 0, v.Mismatches[0].Actual)
}

func TestInFlightFindsOpenSession(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx := context.Background()

	_, err := tr.InFlight(ctx, "A1")
	assert.ErrorIs(t, err, ErrNotFound)

	s, err := tr.Create(ctx, "A1", false)
	require.NoError(t, err)
	got, err := tr.InFlight(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	_, err = tr.InFlight(ctx, "B2")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, tr.Fail(ctx, s.ID, errors.New("feed down")))
	_, err = tr.InFlight(ctx, "A1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "Kaffeebecher Gr", truncate("Kaffeebecher Größe L", 16), "ö spans bytes 15 and 16")
	assert.Equal(t, "", truncate("日本", 2))
	assert.Equal(t, "日", truncate("日本", 4))
}

func TestRecordErrorStoresValidUTF8(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx := context.Background()
	s, err := tr.Create(ctx, "A1", false)
	require.NoError(t, err)

	tr.RecordError(ctx, s.ID, errors.New(strings.Repeat("ü", 600)))
	got, err := tr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(got.LastError))
	assert.Len(t, got.LastError, 1000)
}
