// Package metrics exposes session metrics in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yllada/nebula-manager/common"
)

// States lists every session state label, in gauge order.
var States = []string{
	"Idle", "PermissionPending", "Starting", "Connected", "Stopping", "Disconnected", "Failed",
}

// Metrics holds all Prometheus metrics for the session manager.
type Metrics struct {
	// Session metrics
	Transitions *prometheus.CounterVec
	State       *prometheus.GaugeVec

	// Reconciliation metrics
	Reconciles *prometheus.CounterVec

	// Diagnostics
	Pings *prometheus.CounterVec

	// Permission metrics
	PermissionRequests *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_manager_transitions_total",
			Help: "Total number of session state transitions",
		},
		[]string{"from", "to"},
	)

	m.State = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nebula_manager_state",
			Help: "Current session state (1 for the active state)",
		},
		[]string{"state"},
	)

	m.Reconciles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_manager_reconcile_total",
			Help: "Total number of reconciliation polls by outcome",
		},
		[]string{"result"},
	)

	m.Pings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_manager_ping_total",
			Help: "Total number of diagnostic pings by outcome",
		},
		[]string{"result"},
	)

	m.PermissionRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_manager_permission_requests_total",
			Help: "Total number of permission requests by outcome",
		},
		[]string{"outcome"},
	)

	m.registry.MustRegister(
		m.Transitions,
		m.State,
		m.Reconciles,
		m.Pings,
		m.PermissionRequests,
	)

	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m.setState("Idle")
	return m
}

func (m *Metrics) setState(state string) {
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		m.State.WithLabelValues(s).Set(v)
	}
}

// ObserveTransition records a state change.
func (m *Metrics) ObserveTransition(from, to string) {
	m.Transitions.WithLabelValues(from, to).Inc()
	m.setState(to)
}

// ObserveReconcile records the outcome of one reconciliation poll.
func (m *Metrics) ObserveReconcile(result string) {
	m.Reconciles.WithLabelValues(result).Inc()
}

// ObservePing records a diagnostic ping.
func (m *Metrics) ObservePing(reachable bool) {
	result := "unreachable"
	if reachable {
		result = "reachable"
	}
	m.Pings.WithLabelValues(result).Inc()
}

// ObservePermission records a permission request outcome.
func (m *Metrics) ObservePermission(outcome string) {
	m.PermissionRequests.WithLabelValues(outcome).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Router returns the endpoint router: /metrics and /healthz. healthy may
// be nil.
func (m *Metrics) Router(healthy func() bool) http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", m.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if healthy != nil && !healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("unavailable\n"))
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

// Server serves the metrics router until its context is cancelled.
type Server struct {
	srv *http.Server
	log common.Logger
}

// NewServer creates a server listening on addr.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: common.Component("metrics"),
	}
}

// Run listens until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Metrics server listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
