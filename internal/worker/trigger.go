package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"catalogsync/internal/events"
	"catalogsync/internal/logger"
	"catalogsync/internal/pipeline"

	"github.com/segmentio/kafka-go"
)

// SyncStarter opens sessions for incoming sync requests.
type SyncStarter interface {
	StartSupplierSync(ctx context.Context, code string, force bool) (*pipeline.Started, error)
	StartAll(ctx context.Context, force, autoImportOnly bool) ([]pipeline.Started, error)
}

// Trigger consumes sync requests from Kafka. An event with an empty supplier
// code or "*" starts every active supplier.
type Trigger struct {
	reader  *kafka.Reader
	starter SyncStarter
	logger  *logger.Logger
}

func NewTrigger(brokers, topic, groupID string, starter SyncStarter, log *logger.Logger) *Trigger {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        strings.Split(brokers, ","),
		GroupID:        groupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		CommitInterval: time.Second,
	})
	return &Trigger{reader: reader, starter: starter, logger: log.With("component", "trigger", "topic", topic)}
}

func (t *Trigger) Run(ctx context.Context) {
	t.logger.Info("Trigger started, listening for sync requests...")
	defer t.reader.Close()

	for {
		msg, err := t.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Error("Failed to read message", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := t.Handle(ctx, msg.Value); err != nil {
			t.logger.Error("Failed to handle sync request", "error", err, "offset", msg.Offset)
		}
		if err := t.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			t.logger.Warn("Failed to commit message", "error", err)
		}
	}
}

// Handle decodes one message and starts the requested syncs. Events of other
// types are ignored, as are requests that already carry a session: those are
// the announcements published once a sync was scheduled. A supplier that is
// already syncing is not an error.
func (t *Trigger) Handle(ctx context.Context, value []byte) error {
	var ev events.Event
	if err := json.Unmarshal(value, &ev); err != nil {
		return fmt.Errorf("failed to parse event: %w", err)
	}
	if ev.Type != events.TypeSyncRequested || ev.SessionID != "" {
		t.logger.Debug("Ignoring event", "type", ev.Type, "session_id", ev.SessionID)
		return nil
	}

	if ev.SupplierCode == "" || ev.SupplierCode == "*" {
		started, err := t.starter.StartAll(ctx, ev.Force, false)
		if err != nil {
			return err
		}
		t.logger.Info("Sync requested for all suppliers", "suppliers", len(started))
		return nil
	}

	st, err := t.starter.StartSupplierSync(ctx, ev.SupplierCode, ev.Force)
	if errors.Is(err, pipeline.ErrSyncInProgress) {
		t.logger.Info("Sync already in progress", "supplier", ev.SupplierCode)
		return nil
	}
	if err != nil {
		return err
	}
	t.logger.Info("Sync requested", "supplier", st.SupplierCode, "session_id", st.SessionID)
	return nil
}
