package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sreeram77/gpu-collector/internal/cache"
	"github.com/sreeram77/gpu-collector/internal/config"
	"github.com/sreeram77/gpu-collector/internal/group"
	"github.com/sreeram77/gpu-collector/internal/source"
	"github.com/sreeram77/gpu-collector/internal/telemetry"
	"github.com/sreeram77/gpu-collector/internal/watch"
)

const requestIDHeader = "X-Request-ID"

// Collector is the part of the engine the API serves.
type Collector interface {
	Watch(groupID, fieldGroupID uint32, opts watch.Options) error
	Unwatch(groupID, fieldGroupID uint32) error
	Requests() []watch.Request
	GetLatest(device uint32, field telemetry.FieldID) (telemetry.Sample, error)
	GetSince(device uint32, field telemetry.FieldID, since uint64) (telemetry.Sample, uint64, error)
	Latest() map[telemetry.FieldKey]telemetry.Sample
	UpdateAll(wait bool)
	JobStart(jobID string, groupID uint32, period time.Duration) (string, error)
	JobStop(jobID string) error
	JobGetStats(jobID string) (cache.JobInfo, error)
	JobRemove(jobID string) error
	JobRemoveAll()
	JobIDs() []string
	Devices() ([]source.DeviceAttributes, error)
	Running() bool
}

// Groups is the group registry the API manages.
type Groups interface {
	CreateGroup(name string, devices []uint32) (uint32, error)
	AddDevice(groupID, device uint32) error
	DeleteGroup(groupID uint32) error
	Groups() ([]group.Group, error)
	CreateFieldGroup(name string, fields []telemetry.FieldID) (uint32, error)
	DeleteFieldGroup(id uint32) error
	FieldGroups() []group.FieldGroup
}

// Server represents the API server
type Server struct {
	router     *gin.Engine
	logger     zerolog.Logger
	httpServer *http.Server
	collector  Collector
	groups     Groups
	version    string
}

// NewServer creates a new API server instance. metrics, when not nil, is
// served on /metrics.
func NewServer(logger zerolog.Logger, cfg config.HTTPServerConfig, version string, collector Collector, groups Groups, metrics http.Handler) *Server {
	logger = logger.With().Str("component", "api").Logger()
	srv := &Server{
		logger:    logger,
		collector: collector,
		groups:    groups,
		version:   version,
	}

	// Configure Gin
	if os.Getenv("GIN_MODE") != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	srv.router = gin.New()
	srv.router.Use(
		gin.Recovery(),
		requestID(),
		requestLogger(logger),
	)

	srv.registerRoutes()
	if metrics != nil {
		srv.router.GET("/metrics", gin.WrapH(metrics))
	}

	srv.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      srv.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return srv
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("Starting API server")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down server...")

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error during server shutdown")
		return err
	}

	s.logger.Info().Msg("Server stopped")
	return nil
}

// registerRoutes registers all API routes
func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/fields", s.listFields)

		devices := v1.Group("/devices")
		{
			devices.GET("", s.listDevices)
			devices.GET("/:device/fields/:field/latest", s.getLatest)
			devices.GET("/:device/fields/:field/history", s.getHistory)
		}

		groups := v1.Group("/groups")
		{
			groups.GET("", s.listGroups)
			groups.POST("", s.createGroup)
			groups.POST("/:id/devices", s.addGroupDevice)
			groups.DELETE("/:id", s.deleteGroup)
		}

		fieldGroups := v1.Group("/field-groups")
		{
			fieldGroups.GET("", s.listFieldGroups)
			fieldGroups.POST("", s.createFieldGroup)
			fieldGroups.DELETE("/:id", s.deleteFieldGroup)
		}

		watches := v1.Group("/watches")
		{
			watches.GET("", s.listWatches)
			watches.POST("", s.createWatch)
			watches.DELETE("/:group/:fieldGroup", s.deleteWatch)
		}

		v1.POST("/update", s.updateAll)

		jobs := v1.Group("/jobs")
		{
			jobs.GET("", s.listJobs)
			jobs.POST("", s.startJob)
			jobs.DELETE("", s.removeAllJobs)
			jobs.GET("/:id", s.getJobStats)
			jobs.POST("/:id/stop", s.stopJob)
			jobs.DELETE("/:id", s.removeJob)
		}
	}
}

// healthCheck handles the health check endpoint
func (s *Server) healthCheck(c *gin.Context) {
	status, code := "ok", http.StatusOK
	if !s.collector.Running() {
		status, code = "stopped", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":  status,
		"version": s.version,
	})
}

// requestID tags every request with an id, reusing one the client supplied.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// requestLogger is a middleware that logs HTTP requests
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		event := logger.Debug()
		if statusCode >= http.StatusInternalServerError {
			event = logger.Error().Str("error", c.Errors.ByType(gin.ErrorTypePrivate).String())
		}

		event = event.Str("method", c.Request.Method).
			Str("path", path).
			Int("status", statusCode).
			Str("ip", c.ClientIP()).
			Str("request_id", c.GetString("request_id")).
			Dur("latency", latency)

		if query != "" {
			event = event.Str("query", query)
		}

		event.Msg("Request processed")
	}
}
