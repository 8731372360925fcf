// Package metrics exposes the dispatcher's counters over a Prometheus
// exposition endpoint, per SPEC_FULL.md §10. It is entirely ancillary: a
// nil *Metrics or failure of its HTTP listener never affects the main loop.
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

// Drop reasons counted by FramesDropped, per SPEC_FULL.md §7.
const (
	ReasonShortFrame   = "short_frame"
	ReasonBadChecksum  = "bad_checksum"
	ReasonNoARP        = "no_arp"
	ReasonUnhandled    = "unhandled_proto"
	ReasonUnknownDest  = "unknown_dest_mac"
)

// Metrics holds the counters/gauges described in SPEC_FULL.md §10.
type Metrics struct {
	FramesRead        prometheus.Counter
	FramesWritten      prometheus.Counter
	FramesDropped      *prometheus.CounterVec
	ARPCacheSize       prometheus.Gauge
	ActiveConnections  prometheus.Gauge
	Retransmissions    prometheus.Counter
	FastRetransmits    prometheus.Counter

	reg *prometheus.Registry
}

// New constructs a Metrics instance registered against a fresh registry
// (not the global default, so tests can construct more than one without
// collisions).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		FramesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tapstack_frames_read_total",
			Help: "Ethernet frames read from the TAP device.",
		}),
		FramesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tapstack_frames_written_total",
			Help: "Ethernet frames written to the TAP device.",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tapstack_frames_dropped_total",
			Help: "Inbound frames dropped, by reason.",
		}, []string{"reason"}),
		ARPCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tapstack_arp_cache_entries",
			Help: "Current number of resolved neighbors in the ARP cache.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tapstack_tcp_connections_active",
			Help: "Current number of TCBs tracked by the TCP engine.",
		}),
		Retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tapstack_tcp_retransmissions_total",
			Help: "RTO-triggered retransmissions.",
		}),
		FastRetransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tapstack_tcp_fast_retransmits_total",
			Help: "Fast-retransmit events (3 duplicate ACKs).",
		}),
	}
	reg.MustRegister(m.FramesRead, m.FramesWritten, m.FramesDropped,
		m.ARPCacheSize, m.ActiveConnections, m.Retransmissions, m.FastRetransmits)
	return m
}

// Serve starts the metrics HTTP listener on addr and blocks until ctx is
// canceled or the listener fails. An empty addr is a no-op (SPEC_FULL.md
// §10: "skipped entirely if METRICS_ADDR is empty").
func (m *Metrics) Serve(ctx context.Context, addr string, log *slog.Logger) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: addr, Handler: mux}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
