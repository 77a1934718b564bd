// Package metrics holds the prometheus collectors of a provider process.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "provider"

// Metrics groups every collector a provider updates. Collectors are
// registered on the Registerer given to New, never on the global default,
// so several providers can live in one test binary.
type Metrics struct {
	FramesReceived *prometheus.CounterVec
	MessagesSent   *prometheus.CounterVec
	Calls          *prometheus.CounterVec
	CallDuration   *prometheus.HistogramVec
	QueueDepth     *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ipc",
				Name:      "frames_received_total",
				Help:      "Inbound frames routed, by message code.",
			},
			[]string{"code"},
		),
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ipc",
				Name:      "messages_sent_total",
				Help:      "Outbound messages written, by message code.",
			},
			[]string{"code"},
		),
		Calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "function",
				Name:      "calls_total",
				Help:      "Function calls completed, by function and outcome.",
			},
			[]string{"function", "outcome"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "function",
				Name:      "call_duration_seconds",
				Help:      "Function call duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"function"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Items pending or in flight, by dispatch queue.",
			},
			[]string{"queue"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.FramesReceived, m.MessagesSent, m.Calls, m.CallDuration, m.QueueDepth)
	}
	return m
}

// Nop returns collectors registered nowhere.
func Nop() *Metrics {
	return New(nil)
}

func (m *Metrics) RecordFrame(code string) {
	m.FramesReceived.WithLabelValues(code).Inc()
}

func (m *Metrics) RecordSent(code string) {
	m.MessagesSent.WithLabelValues(code).Inc()
}

func (m *Metrics) RecordCall(function, outcome string, d time.Duration) {
	m.Calls.WithLabelValues(function, outcome).Inc()
	m.CallDuration.WithLabelValues(function).Observe(d.Seconds())
}

// DepthObserver returns a callback that keeps the gauge of queue current.
func (m *Metrics) DepthObserver(queue string) func(depth int) {
	g := m.QueueDepth.WithLabelValues(queue)
	return func(depth int) { g.Set(float64(depth)) }
}

// Serve exposes gatherer on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
