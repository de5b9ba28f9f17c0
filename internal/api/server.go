package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"catalogsync/internal/api/handlers"
	"catalogsync/internal/api/middleware"
	"catalogsync/internal/config"
	"catalogsync/internal/logger"
	"catalogsync/internal/pipeline"
	"catalogsync/internal/queue"
	"catalogsync/internal/repository"
	"catalogsync/internal/search"
	"catalogsync/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the services the admin API exposes.
type Deps struct {
	Jobs    *queue.Service
	Tracker *session.Tracker
	Catalog *repository.Catalog
	Starter *pipeline.Starter
	Index   search.Index
}

type Server struct {
	config *config.Config
	logger *logger.Logger
	router *gin.Engine
	server *http.Server
}

func New(cfg *config.Config, log *logger.Logger, deps Deps) *Server {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.Logger(log))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.CORS(cfg.CORSOrigins))

	queueHandler := handlers.NewQueueHandler(deps.Jobs, log)
	supplierHandler := handlers.NewSupplierHandler(deps.Catalog, deps.Starter, log)
	sessionHandler := handlers.NewSessionHandler(deps.Tracker, log)
	familyHandler := handlers.NewFamilyHandler(deps.Catalog, deps.Index, log)

	router.GET("/health", sessionHandler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		queues := v1.Group("/queues")
		{
			queues.GET("", queueHandler.List)
			queues.GET("/:queue", queueHandler.Stats)
			queues.GET("/:queue/jobs/:id", queueHandler.Job)
			queues.DELETE("/:queue/jobs/:id", queueHandler.Cancel)
			queues.POST("/:queue/pause", queueHandler.Pause)
			queues.POST("/:queue/resume", queueHandler.Resume)
			queues.POST("/:queue/clean", queueHandler.Clean)
			queues.POST("/:queue/retry", queueHandler.Retry)
		}

		suppliers := v1.Group("/suppliers")
		{
			suppliers.GET("", supplierHandler.List)
			suppliers.POST("", supplierHandler.Create)
			suppliers.POST("/sync", supplierHandler.SyncAll)
			suppliers.GET("/:code", supplierHandler.Get)
			suppliers.PUT("/:code", supplierHandler.Update)
			suppliers.DELETE("/:code", supplierHandler.Delete)
			suppliers.POST("/:code/sync", supplierHandler.Sync)
		}

		sessions := v1.Group("/sessions")
		{
			sessions.GET("", sessionHandler.List)
			sessions.GET("/:id", sessionHandler.Get)
			sessions.GET("/:id/verify", sessionHandler.Verify)
			sessions.POST("/:id/stop", sessionHandler.Stop)
		}

		families := v1.Group("/families")
		{
			families.GET("", familyHandler.List)
			families.GET("/:supplier/:key", familyHandler.Get)
		}
		v1.GET("/search", familyHandler.Search)
	}

	return &Server{
		config: cfg,
		logger: log,
		router: router,
	}
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%s", s.config.APIHost, s.config.APIPort)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting server", "addr", addr)
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server...")
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}
