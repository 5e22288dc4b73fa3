// Package metrics exports semfloor's operational counters over
// Prometheus. Export only: dashboards live elsewhere.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the daemon updates. A nil *Metrics is
// valid and turns every method into a no-op, so callers never need to
// branch on whether export is configured.
type Metrics struct {
	registry *prometheus.Registry

	transitions *prometheus.CounterVec
	trips       *prometheus.CounterVec
	messages    *prometheus.CounterVec
	decisions   *prometheus.CounterVec
	activeTasks prometheus.Gauge
	hbAge       *prometheus.GaugeVec
	costUSD     *prometheus.GaugeVec
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "semfloor_transitions_total",
			Help: "State machine transitions applied, by event.",
		}, []string{"event"}),
		trips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "semfloor_breaker_trips_total",
			Help: "Circuit breaker trips, by trigger.",
		}, []string{"trigger"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "semfloor_messages_sent_total",
			Help: "Bus messages sent, by type.",
		}, []string{"type"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "semfloor_gate_decisions_total",
			Help: "Draft gate decisions, by outcome.",
		}, []string{"outcome"}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "semfloor_active_tasks",
			Help: "Tasks currently on the line.",
		}),
		hbAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "semfloor_heartbeat_age_seconds",
			Help: "Seconds since each agent's last heartbeat.",
		}, []string{"agent"}),
		costUSD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "semfloor_task_cost_usd",
			Help: "Accumulated LLM spend per task.",
		}, []string{"task_id"}),
	}
	m.registry.MustRegister(
		m.transitions, m.trips, m.messages, m.decisions,
		m.activeTasks, m.hbAge, m.costUSD,
	)
	return m
}

// TransitionApplied counts one applied state transition.
func (m *Metrics) TransitionApplied(event string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(event).Inc()
}

// BreakerTripped counts one breaker trip.
func (m *Metrics) BreakerTripped(trigger string) {
	if m == nil {
		return
	}
	m.trips.WithLabelValues(trigger).Inc()
}

// MessageSent counts one bus send.
func (m *Metrics) MessageSent(msgType string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(msgType).Inc()
}

// GateDecision counts one gate outcome (ACCEPT, REJECT, ESCALATE).
func (m *Metrics) GateDecision(outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome).Inc()
}

// SetActiveTasks records how many tasks are on the line.
func (m *Metrics) SetActiveTasks(n int) {
	if m == nil {
		return
	}
	m.activeTasks.Set(float64(n))
}

// SetHeartbeatAge records the silence of one agent.
func (m *Metrics) SetHeartbeatAge(agent string, age time.Duration) {
	if m == nil {
		return
	}
	m.hbAge.WithLabelValues(agent).Set(age.Seconds())
}

// SetTaskCost records a task's accumulated spend.
func (m *Metrics) SetTaskCost(taskID string, usd float64) {
	if m == nil {
		return
	}
	m.costUSD.WithLabelValues(taskID).Set(usd)
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server serves the scrape endpoint at /metrics on addr until the
// context is cancelled.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds the metrics HTTP server. Returns nil when addr is
// empty: the daemon runs fine without export.
func NewServer(addr string, m *Metrics, logger *slog.Logger) *Server {
	if addr == "" || m == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Start serves in the background and shuts down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	if s == nil {
		return
	}
	go func() {
		s.logger.Info("metrics server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("metrics server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("metrics server shutdown", "error", err)
		}
	}()
}

// Addr returns the configured listen address, for logs.
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.srv.Addr
}
