// Package server exposes the health probes, stats and Prometheus metrics of a
// running service over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Prober is implemented by the ingestion coordinator and the dedup service.
type Prober interface {
	Alive() bool
	Ready() bool
}

// Stopper is implemented by probers with a terminal state.
type Stopper interface {
	MarkStopped()
}

// StatsFunc returns the JSON body served on /stats.
type StatsFunc func() any

// DrainPeriod is how long the probes keep answering after the prober was
// marked stopped.
const DrainPeriod = 2 * time.Second

// Server is the probe HTTP server. Handlers only read state.
type Server struct {
	httpServer *http.Server
	prober     Prober
	drain      time.Duration
	logger     logrus.FieldLogger

	mu       sync.Mutex
	listener net.Listener
}

// NewRouter builds the probe routes.
func NewRouter(prober Prober, stats StatsFunc) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		if prober.Alive() {
			c.JSON(http.StatusOK, gin.H{"status": "healthy"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
	})

	router.GET("/ready", func(c *gin.Context) {
		if prober.Ready() {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
	})

	router.GET("/stats", func(c *gin.Context) {
		if stats == nil {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
		c.JSON(http.StatusOK, stats())
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

// New creates a probe server listening on port.
func New(port string, prober Prober, stats StatsFunc, logger logrus.FieldLogger) *Server {
	gin.SetMode(gin.ReleaseMode)
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%s", port),
			Handler:           NewRouter(prober, stats),
			ReadHeaderTimeout: 5 * time.Second,
		},
		prober: prober,
		drain:  DrainPeriod,
		logger: logger.WithField("component", "probe-server"),
	}
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("health server: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.WithField("addr", ln.Addr().String()).Info("Health server started")
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// Addr is the address being served, or nil before Start listened.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run starts the server in the background. When ctx is done the prober is
// marked stopped, the probes keep reporting that for the drain period and the
// server shuts down. The returned channel is closed once shutdown finished.
func (s *Server) Run(ctx context.Context) <-chan struct{} {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.WithError(err).Error("Health server error")
		}
	}()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()

		if stopper, ok := s.prober.(Stopper); ok {
			stopper.MarkStopped()
			s.logger.WithField("drain", s.drain).Info("Probes report stopped, draining")
			time.Sleep(s.drain)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Error("Health server shutdown error")
		}
	}()
	return stopped
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
