package queue

import (
	"context"
	"time"

	"catalogsync/internal/logger"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

// Channel is the postgres notification channel for new work.
const Channel = "sync_jobs"

type Notifier interface {
	Notify(ctx context.Context, queue string) error
}

// PGNotifier publishes enqueue events with pg_notify.
type PGNotifier struct {
	db *gorm.DB
}

func NewPGNotifier(db *gorm.DB) *PGNotifier {
	return &PGNotifier{db: db}
}

func (n *PGNotifier) Notify(ctx context.Context, queue string) error {
	return n.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", Channel, queue).Error
}

// Listener forwards postgres notifications into the local wake signals of a Service.
type Listener struct {
	listener *pq.Listener
	service  *Service
	logger   *logger.Logger
	done     chan struct{}
}

func NewListener(dsn string, service *Service, log *logger.Logger) (*Listener, error) {
	l := &Listener{
		service: service,
		logger:  log.With("component", "queue-listener"),
		done:    make(chan struct{}),
	}
	l.listener = pq.NewListener(dsn, 5*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			l.logger.Warn("listener event", "event", ev, "error", err)
		}
	})
	if err := l.listener.Listen(Channel); err != nil {
		_ = l.listener.Close()
		return nil, err
	}
	return l, nil
}

// Run dispatches notifications until ctx is cancelled or Close is called.
func (l *Listener) Run(ctx context.Context) {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case n, ok := <-l.listener.Notify:
			if !ok {
				return
			}
			// nil after a reconnect: anything may have been missed
			if n == nil {
				for _, q := range Names {
					l.service.Signal(q)
				}
				continue
			}
			l.service.Signal(n.Extra)
		case <-ping.C:
			if err := l.listener.Ping(); err != nil {
				l.logger.Warn("listener ping failed", "error", err)
			}
		}
	}
}

func (l *Listener) Close() error {
	close(l.done)
	return l.listener.Close()
}
