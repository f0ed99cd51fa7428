// Package metrics exposes prometheus counters for the sandbox mediation
// layer: gate decisions, bridge callbacks, line traffic and frame lifecycle.
//
// All recording methods are safe on a nil *Metrics, so components can be
// built without a collector.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the collectors registered against a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Requests   *prometheus.CounterVec
	Callbacks  *prometheus.CounterVec
	Messages   *prometheus.CounterVec
	Frames     *prometheus.CounterVec
	Interrupts prometheus.Counter
	Cookies    prometheus.Counter
}

// New creates a collector with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "koala_requests_total",
				Help: "Resource requests seen by the access gate",
			},
			[]string{"scheme", "decision"},
		),
		Callbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "koala_callbacks_total",
				Help: "Host to guest callback requests",
			},
			[]string{"kind", "outcome"},
		),
		Messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "koala_messages_total",
				Help: "Lines exchanged over the stdio channel",
			},
			[]string{"direction"},
		),
		Frames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "koala_frame_events_total",
				Help: "Frame lifecycle events forwarded to the guest",
			},
			[]string{"event"},
		),
		Interrupts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "koala_interrupts_declined_total",
				Help: "Long-running script interrupt requests that were declined",
			},
		),
		Cookies: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "koala_cookie_updates_total",
				Help: "Cookie store change notifications",
			},
		),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RequestDecided(scheme string, allowed bool) {
	if m == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.Requests.WithLabelValues(scheme, decision).Inc()
}

// Callback records a bridge request; outcome is "answered", "default" or
// "error".
func (m *Metrics) Callback(kind, outcome string) {
	if m == nil {
		return
	}
	m.Callbacks.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) MessageIn() {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues("in").Inc()
}

func (m *Metrics) MessageOut() {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues("out").Inc()
}

func (m *Metrics) FrameEvent(event string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(event).Inc()
}

func (m *Metrics) InterruptDeclined() {
	if m == nil {
		return
	}
	m.Interrupts.Inc()
}

func (m *Metrics) CookiesUpdated() {
	if m == nil {
		return
	}
	m.Cookies.Inc()
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("metrics listener started", zap.String("addr", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
