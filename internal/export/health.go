package export

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// HealthConfig configures the Prometheus health metrics server.
type HealthConfig struct {
	// Addr is the listen address for the health metrics server.
	// Defaults to ":9090".
	Addr string `yaml:"addr"`
}

// HealthMetrics exposes Prometheus metrics for agent health.
type HealthMetrics struct {
	log      logrus.FieldLogger
	addr     string
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry

	// Discovery
	FunctionsDiscovered prometheus.Gauge
	FunctionsSkipped    prometheus.Gauge
	GlobMatches         *prometheus.GaugeVec // action (allow/deny), glob

	// Attachment
	FunctionsAttached prometheus.Gauge
	AttachStrategy    *prometheus.GaugeVec // strategy
	KernelFeatures    *prometheus.GaugeVec // feature
	StartPhaseSeconds *prometheus.GaugeVec // phase

	running atomic.Bool
}

// NewHealthMetrics creates a new health metrics server.
func NewHealthMetrics(
	log logrus.FieldLogger,
	cfg HealthConfig,
) *HealthMetrics {
	reg := prometheus.NewRegistry()

	h := &HealthMetrics{
		log:      log.WithField("component", "health"),
		addr:     cfg.Addr,
		registry: reg,

		FunctionsDiscovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kfuncsnoop",
			Name:      "functions_discovered",
			Help:      "Number of kernel functions accepted into the working set.",
		}),
		FunctionsSkipped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kfuncsnoop",
			Name:      "functions_skipped",
			Help:      "Number of candidate functions skipped during discovery.",
		}),
		GlobMatches: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "kfuncsnoop",
				Name:      "glob_matches",
				Help:      "Number of functions matched per filter glob.",
			},
			[]string{"action", "glob"},
		),
		FunctionsAttached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kfuncsnoop",
			Name:      "functions_attached",
			Help:      "Number of kernel functions with live instrumentation.",
		}),
		AttachStrategy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "kfuncsnoop",
				Name:      "attach_strategy",
				Help:      "Selected attach strategy (1 for the active one).",
			},
			[]string{"strategy"},
		),
		KernelFeatures: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "kfuncsnoop",
				Name:      "kernel_features",
				Help:      "Calibrated kernel BPF capabilities (1=supported).",
			},
			[]string{"feature"},
		),
		StartPhaseSeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "kfuncsnoop",
				Name:      "start_phase_duration_seconds",
				Help:      "Duration of agent startup phases.",
			},
			[]string{"phase"},
		),
	}

	reg.MustRegister(
		h.FunctionsDiscovered,
		h.FunctionsSkipped,
		h.GlobMatches,
		h.FunctionsAttached,
		h.AttachStrategy,
		h.KernelFeatures,
		h.StartPhaseSeconds,
	)

	return h
}

// Start begins serving the /metrics endpoint.
func (h *HealthMetrics) Start(_ context.Context) error {
	if h.addr == "" {
		h.addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		h.registry,
		promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	// pprof endpoints for CPU/memory profiling.
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}

	h.listener = ln

	h.server = &http.Server{
		Handler: mux,
	}

	h.running.Store(true)

	go func() {
		h.log.WithField("addr", ln.Addr().String()).
			Info("Health metrics server started")

		if err := h.server.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			h.log.WithError(err).
				Error("Health metrics server error")
		}

		h.running.Store(false)
	}()

	return nil
}

// Addr returns the actual listener address. Useful when started
// with ":0" to get the OS-assigned port.
func (h *HealthMetrics) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}

	return h.addr
}

// Stop gracefully shuts down the health metrics server.
func (h *HealthMetrics) Stop() error {
	if h.server == nil {
		return nil
	}

	return h.server.Close()
}
