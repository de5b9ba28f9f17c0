package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"catalogsync/internal/app"
	"catalogsync/internal/config"
	"catalogsync/internal/images"
	"catalogsync/internal/lock"
	"catalogsync/internal/logger"
	"catalogsync/internal/queue"
	"catalogsync/internal/repository"
	"catalogsync/internal/semantic"
	"catalogsync/internal/services/promidata"
	"catalogsync/internal/worker"
	"catalogsync/internal/worker/processors"
	"catalogsync/internal/worker/runtime"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	// Initialize logger
	logger := logger.New(cfg.Env, cfg.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	core, err := app.NewCore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize services", "error", err)
	}
	defer core.Close()

	setupCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	blob, err := images.NewGCSBlob(setupCtx, cfg.GCSBucket, cfg.GCSCredentialsFile, cfg.GCSPublicBaseURL)
	if err != nil {
		logger.Fatal("Failed to create blob storage", "error", err)
	}
	core.OnClose(blob.Close)

	if err := core.Search.EnsureIndex(setupCtx); err != nil {
		logger.Fatal("Failed to prepare search index", "error", err)
	}

	var resolverOpts []semantic.ResolverOption
	if cfg.RedisURL != "" && cfg.SemanticLockEnable {
		locker, client, err := lock.NewFromURL(setupCtx, cfg.RedisURL, "catalogsync:")
		if err != nil {
			logger.Fatal("Failed to connect to redis", "error", err)
		}
		core.OnClose(client.Close)
		resolverOpts = append(resolverOpts, semantic.WithLocker(locker, cfg.SemanticLockTTL))
	}
	resolver := semantic.NewStoreResolver(core.Semantic, cfg.GeminiStoreName, logger, resolverOpts...)

	imageRepo := repository.NewImages(core.Database.DB)
	registry := runtime.NewRegistry()
	err = processors.Register(registry, processors.Deps{
		Catalog:     core.Catalog,
		ImageRepo:   imageRepo,
		Feed:        promidata.NewClient(cfg.FeedBaseURL, cfg.FeedTimeout, logger),
		Transformer: promidata.NewTransformer(cfg.Locales, cfg.DefaultCountry),
		Detector:    promidata.NewChangeDetector(),
		Images: images.NewPipeline(imageRepo, blob, logger, images.Options{
			MaxBytes: cfg.ImageMaxBytes,
			ClaimTTL: cfg.ImageClaimTTL,
			Metrics:  core.Metrics,
		}),
		Index: core.Search,
		Semantic: semantic.NewSyncer(core.Search, core.Semantic, resolver, repository.NewSemanticDocs(core.Database.DB), logger, semantic.SyncerOptions{
			MaxPolls:  cfg.SemanticMaxPolls,
			PollEvery: cfg.SemanticPollEvery,
		}),
		Tracker: core.Tracker,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("Failed to register processors", "error", err)
	}

	runners := []worker.Runner{
		worker.NewScheduler(worker.SchedulerConfig{
			AutoImportEvery: cfg.AutoImportInterval,
			SessionTimeout:  cfg.SessionTimeout,
		}, core.Jobs, core.Tracker, core.Starter, logger),
	}
	listener, err := core.Listener()
	if err != nil {
		logger.Fatal("Failed to start queue listener", "error", err)
	}
	if listener != nil {
		runners = append(runners, listener)
	}
	if cfg.KafkaBrokers != "" {
		runners = append(runners, worker.NewTrigger(cfg.KafkaBrokers, cfg.KafkaTriggerTopic, cfg.KafkaGroupID, core.Starter, logger))
	}

	pools := make(map[string]worker.PoolOptions, len(queue.Names))
	for _, name := range queue.Names {
		pools[name] = worker.PoolOptions{
			Concurrency: cfg.Pools[name].Concurrency,
			Poll:        cfg.QueuePollInterval,
			Heartbeat:   cfg.QueueHeartbeat,
			Metrics:     core.Metrics,
		}
	}
	manager := worker.NewManager(core.Jobs, registry, logger, worker.ManagerOptions{Pools: pools, Runners: runners})

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()

	logger.Info("Starting worker...")
	manager.Start(ctx)
	<-ctx.Done()

	shutdown, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := manager.Stop(shutdown); err != nil {
		logger.Error("Worker did not drain in time", "error", err)
	}
	_ = metricsServer.Shutdown(shutdown)
}
