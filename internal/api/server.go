package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/eventstore/config"
	"example.com/backstage/services/eventstore/internal/eventstore"
)

// MetricsProvider exposes collected metrics
type MetricsProvider interface {
	GetAllMetrics() map[string]interface{}
}

// Server is the HTTP server for the event store API
type Server struct {
	cfg         config.ServerConfig
	router      *gin.Engine
	httpServer  *http.Server
	store       *eventstore.Service
	projections ProjectionEngine
	metrics     MetricsProvider
	app         *newrelic.Application
}

// Option configures a Server
type Option func(*Server)

// WithProjections mounts the projection administration routes
func WithProjections(engine ProjectionEngine) Option {
	return func(s *Server) {
		s.projections = engine
	}
}

// WithMetrics mounts GET /metrics
func WithMetrics(metrics MetricsProvider) Option {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// WithApplication traces requests with New Relic
func WithApplication(app *newrelic.Application) Option {
	return func(s *Server) {
		s.app = app
	}
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, store *eventstore.Service, opts ...Option) *Server {
	s := &Server{
		cfg:   cfg,
		store: store,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}

	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(RequestIDMiddleware())
	if s.cfg.CorsEnabled {
		s.router.Use(CORSMiddleware(s.cfg.CorsOrigins))
	}
	s.router.Use(gin.Recovery())
	if s.app != nil {
		s.router.Use(nrgin.Middleware(s.app))
	}
	s.router.Use(LoggingMiddleware())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics != nil && s.cfg.MetricsEnabled {
		s.router.GET("/metrics", func(c *gin.Context) {
			c.JSON(http.StatusOK, s.metrics.GetAllMetrics())
		})
	}

	v1 := s.router.Group("/api/v1")

	tenantRoutes := v1.Group("", TenantMiddleware())
	{
		tenantRoutes.GET("/events", s.readAll)
		tenantRoutes.GET("/events/search", s.search)
		tenantRoutes.GET("/statistics", s.getStatistics)

		streams := tenantRoutes.Group("/streams/:type/:id")
		streams.GET("", s.getStreamInfo)
		streams.DELETE("", s.deleteStream)
		streams.POST("/events", s.appendEvents)
		streams.GET("/events", s.readStream)
		streams.GET("/concurrency", s.checkConcurrency)
		streams.PUT("/snapshot", s.createSnapshot)
		streams.GET("/snapshot", s.getSnapshot)
		streams.GET("/aggregate", s.loadAggregate)
	}

	if s.projections != nil {
		projections := v1.Group("/projections")
		projections.GET("", s.listProjections)
		projections.GET("/:name", s.getProjection)
		projections.GET("/:name/lag", s.getProjectionLag)
		projections.POST("/:name/start", s.projectionAction(s.projections.Start))
		projections.POST("/:name/stop", s.projectionAction(s.projections.Stop))
		projections.POST("/:name/pause", s.projectionAction(s.projections.Pause))
		projections.POST("/:name/resume", s.projectionAction(s.projections.Resume))
		projections.POST("/:name/reset", s.resetProjection)
		projections.POST("/:name/process", s.processBatch)
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.cfg.Address).Msg("Starting HTTP server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "HTTP server error")
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}
	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
