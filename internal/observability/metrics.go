package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cory-johannsen/dungeon/internal/config"
)

// Metrics holds the Prometheus collectors for the dungeon server. Each
// Metrics owns its registry, so several can coexist in one process.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive   prometheus.Gauge
	connectionsTotal prometheus.Counter
	commandsTotal    *prometheus.CounterVec
	linesIgnored     *prometheus.CounterVec
	lockWait         prometheus.Histogram
	lockHold         prometheus.Histogram
	broadcastsTotal  prometheus.Counter
	gamesTotal       *prometheus.CounterVec
}

// NewMetrics creates and registers the dungeon collectors plus the Go runtime
// and process collectors.
//
// Postcondition: Returns a Metrics with every collector registered.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dungeon_sessions_active",
			Help: "Number of currently connected sessions.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dungeon_connections_total",
			Help: "Total connections accepted since server start.",
		}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dungeon_commands_total",
			Help: "Commands applied to the engine by verb.",
		}, []string{"verb"}),
		linesIgnored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dungeon_lines_ignored_total",
			Help: "Inbound lines discarded by reason.",
		}, []string{"reason"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dungeon_engine_lock_wait_seconds",
			Help:    "Time spent waiting for the engine lock.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		lockHold: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dungeon_engine_lock_hold_seconds",
			Help:    "Time the engine lock was held per critical section.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		broadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dungeon_broadcasts_total",
			Help: "Broadcasts fanned out to sessions.",
		}),
		gamesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dungeon_games_finished_total",
			Help: "Finished games by map.",
		}, []string{"map"}),
	}

	m.registry.MustRegister(
		m.sessionsActive,
		m.connectionsTotal,
		m.commandsTotal,
		m.linesIgnored,
		m.lockWait,
		m.lockHold,
		m.broadcastsTotal,
		m.gamesTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ConnectionAccepted counts one accepted TCP connection.
func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// CommandApplied counts one command passed to the engine.
func (m *Metrics) CommandApplied(verb string) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(verb).Inc()
}

// LineIgnored counts one discarded inbound line.
func (m *Metrics) LineIgnored(reason string) {
	if m == nil {
		return
	}
	m.linesIgnored.WithLabelValues(reason).Inc()
}

// BroadcastSent counts one fan-out.
func (m *Metrics) BroadcastSent() {
	if m == nil {
		return
	}
	m.broadcastsTotal.Inc()
}

// GameFinished counts one finished game on mapName.
func (m *Metrics) GameFinished(mapName string) {
	if m == nil {
		return
	}
	m.gamesTotal.WithLabelValues(mapName).Inc()
}

// ObserveLockWait records engine lock acquisition latency.
func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

// ObserveLockHold records engine lock hold time.
func (m *Metrics) ObserveLockHold(d time.Duration) {
	if m == nil {
		return
	}
	m.lockHold.Observe(d.Seconds())
}

// Handler returns an http.Handler serving the registry in the Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// MetricsServer serves Metrics on /metrics. It implements server.Service.
type MetricsServer struct {
	cfg     config.MetricsConfig
	metrics *Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// NewMetricsServer creates a scrape endpoint for metrics.
//
// Precondition: metrics and logger must be non-nil.
func NewMetricsServer(cfg config.MetricsConfig, metrics *Metrics, logger *zap.Logger) *MetricsServer {
	return &MetricsServer{cfg: cfg, metrics: metrics, logger: logger}
}

// Start binds the endpoint and serves until Stop.
//
// Postcondition: Returns nil after Stop, or the bind or serve error.
func (s *MetricsServer) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.srv = srv
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("metrics endpoint listening", zap.String("addr", listener.Addr().String()))
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving metrics: %w", err)
	}
	return nil
}

// Stop shuts the endpoint down.
func (s *MetricsServer) Stop() {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("shutting down metrics endpoint", zap.Error(err))
	}
}

// Addr returns the bound address, or "" before Start.
func (s *MetricsServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
