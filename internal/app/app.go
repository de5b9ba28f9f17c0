// Package app wires the services shared by the API and worker processes.
package app

import (
	"errors"
	"fmt"
	"strings"

	"catalogsync/internal/config"
	"catalogsync/internal/database"
	"catalogsync/internal/events"
	"catalogsync/internal/logger"
	"catalogsync/internal/metrics"
	"catalogsync/internal/models"
	"catalogsync/internal/pipeline"
	"catalogsync/internal/queue"
	"catalogsync/internal/repository"
	"catalogsync/internal/search"
	"catalogsync/internal/semantic"
	"catalogsync/internal/session"
)

// Core holds the services both processes need.
type Core struct {
	Config   *config.Config
	Logger   *logger.Logger
	Database *database.Database
	Jobs     *queue.Service
	Tracker  *session.Tracker
	Catalog  *repository.Catalog
	Starter  *pipeline.Starter
	Events   events.Publisher
	Search   *search.Client
	Semantic *semantic.Client
	Metrics  *metrics.Pipeline

	closers []func() error
}

// Policies turns the per-queue pool configuration into queue retry policies.
func Policies(cfg *config.Config) map[string]queue.Policy {
	out := make(map[string]queue.Policy, len(queue.Names))
	for _, name := range queue.Names {
		pc := cfg.Pools[name]
		kind := models.BackoffExponential
		if strings.EqualFold(pc.Backoff, string(models.BackoffFixed)) {
			kind = models.BackoffFixed
		}
		attempts := pc.Attempts
		if attempts < 1 {
			attempts = 1
		}
		out[name] = queue.Policy{Attempts: attempts, Backoff: queue.Backoff{Kind: kind, Delay: pc.BackoffDelay}}
	}
	return out
}

func IsPostgres(cfg *config.Config) bool {
	return !strings.HasPrefix(cfg.DatabaseURL, "sqlite://")
}

func NewCore(cfg *config.Config, log *logger.Logger) (*Core, error) {
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	c := &Core{Config: cfg, Logger: log, Database: db, Metrics: metrics.Default()}
	c.closers = append(c.closers, db.Close)

	opts := []queue.Option{queue.WithStaleAfter(cfg.QueueStaleAfter)}
	if cfg.QueueNotify && IsPostgres(cfg) {
		opts = append(opts, queue.WithNotifier(queue.NewPGNotifier(db.DB)))
	}
	c.Jobs = queue.NewService(db.DB, log, Policies(cfg), opts...)

	c.Events = events.Nop{}
	if cfg.KafkaBrokers != "" {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		c.Events = kp
		c.closers = append(c.closers, kp.Close)
	}

	c.Search = search.NewClient(cfg.MeiliURL, cfg.MeiliAPIKey, cfg.MeiliIndex, cfg.MeiliRPS, log)
	c.Semantic = semantic.NewClient(cfg.GeminiBaseURL, cfg.GeminiAPIKey, cfg.GeminiRPS, log)

	c.Tracker = session.NewTracker(db.DB, log,
		session.WithEvents(c.Events),
		session.WithMetrics(c.Metrics),
		session.WithPingers(
			session.PingFunc{Service: "database", Fn: db.Ping},
			session.PingFunc{Service: "meilisearch", Fn: c.Search.Health},
			session.PingFunc{Service: "gemini", Fn: c.Semantic.Ping},
		),
	)
	c.Jobs.SetAccountant(pipeline.NewAccounting(c.Tracker, log))
	c.Catalog = repository.NewCatalog(db.DB)
	c.Starter = pipeline.NewStarter(c.Jobs, c.Tracker, c.Catalog, c.Events, log)
	return c, nil
}

// Listener starts the postgres LISTEN loop for queue wake-ups, or returns nil
// when notifications are off.
func (c *Core) Listener() (*queue.Listener, error) {
	if !c.Config.QueueNotify || !IsPostgres(c.Config) {
		return nil, nil
	}
	l, err := queue.NewListener(c.Config.DatabaseURL, c.Jobs, c.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for queue notifications: %w", err)
	}
	c.closers = append(c.closers, l.Close)
	return l, nil
}

// OnClose registers fn to run on Close, before earlier registrations.
func (c *Core) OnClose(fn func() error) {
	c.closers = append(c.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (c *Core) Close() error {
	var err error
	for i := len(c.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, c.closers[i]())
	}
	return err
}

