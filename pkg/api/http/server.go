// Package http serves the read-only monitoring API for a running
// invocation: run status, per-participant stage progress, a tail of recent
// events, Prometheus metrics and a health probe. It never mutates the run;
// control stays with the command line.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dwiprep/dwiprep/internal/domain"
)

// StatusProvider yields a consistent snapshot of the current run.
type StatusProvider interface {
	Snapshot() *domain.RunRecord
}

// Server is the monitoring HTTP server.
type Server struct {
	router *gin.Engine
	server *http.Server
	status StatusProvider
	events *eventTail
	logger *zap.Logger
}

// NewServer creates the monitoring server listening on the given port.
func NewServer(port int, status StatusProvider, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	s := &Server{
		router: router,
		status: status,
		events: &eventTail{},
		logger: logger,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/run", s.handleGetRun)
		v1.GET("/run/events", s.handleGetEvents)
		v1.GET("/run/participants/:id", s.handleGetParticipant)
	}
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting monitoring server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("monitoring server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down monitoring server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown monitoring server: %w", err)
	}
	return nil
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
