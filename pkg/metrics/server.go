package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/marmos91/dhtfs/internal/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const stopGrace = 5 * time.Second

// ServerConfig configures the metrics endpoint.
type ServerConfig struct {
	// Port is the TCP port of /metrics. Zero selects 9090.
	Port int
}

// Server exposes /metrics for scraping while the mount is up.
type Server struct {
	http    *http.Server
	port    int
	stopped atomic.Bool
}

// NewServer builds the endpoint without listening yet. While collection
// is disabled /metrics answers 503.
func NewServer(config ServerConfig) *Server {
	if config.Port <= 0 {
		config.Port = 9090
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", scrapeHandler())

	return &Server{
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", config.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
		},
		port: config.Port,
	}
}

func scrapeHandler() http.Handler {
	reg := GetRegistry()
	if reg == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics collection is disabled", http.StatusServiceUnavailable)
		})
	}
	return promhttp.InstrumentMetricHandler(reg,
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
}

// Start listens and serves until ctx ends or Stop is called. A port that
// cannot be bound is reported right away.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("metrics listen on port %d: %w", s.port, err)
	}
	logger.Info("Metrics: serving http://localhost:%d/metrics", s.port)

	served := make(chan error, 1)
	go func() {
		served <- s.http.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
		defer cancel()
		return s.Stop(stopCtx)
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

// Stop drains in-flight scrapes. Calls after the first do nothing.
func (s *Server) Stop(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.http.Shutdown(ctx); err != nil {
		logger.Warn("Metrics: shutdown: %v", err)
		return fmt.Errorf("metrics shutdown: %w", err)
	}
	logger.Debug("Metrics: stopped")
	return nil
}
