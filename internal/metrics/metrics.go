// Package metrics exports broker-specific Prometheus metrics: batch
// queue depth, active streaming count, expiring-store size and
// messenger edit latency. Grounded wholesale on ai/metrics/prometheus.go
// (same Config/DefaultConfig/NewPrometheusExporter/Record*/Handler/
// ExportText/Close shape), re-themed from AI-chat-call metrics to the
// batch executor and streaming pipeline's own concerns.
package metrics

import (
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter exports broker metrics in Prometheus format.
type Exporter struct {
	registry *prometheus.Registry

	batchQueueDepth  *prometheus.GaugeVec
	batchesProcessed *prometheus.CounterVec
	batchLatency     *prometheus.HistogramVec

	activeStreams prometheus.Gauge
	streamErrors  *prometheus.CounterVec

	storeSize prometheus.Gauge
	expiries  *prometheus.CounterVec

	editLatency *prometheus.HistogramVec
	editErrors  *prometheus.CounterVec

	accessDenied *prometheus.CounterVec

	mu       sync.RWMutex
	handlers map[string]http.Handler
}

// Config configures the exporter.
type Config struct {
	Registry       *prometheus.Registry
	LatencyBuckets []float64
}

// DefaultConfig returns default exporter configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}
}

// New creates a broker metrics Exporter.
func New(cfg Config) *Exporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry, handlers: make(map[string]http.Handler)}

	e.batchQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "chatbroker", Subsystem: "executor", Name: "batch_queue_depth", Help: "Pending batches per chat."},
		[]string{"chat_id"},
	)
	e.batchesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "chatbroker", Subsystem: "executor", Name: "batches_processed_total", Help: "Total batches run to completion."},
		[]string{"outcome"},
	)
	e.batchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "chatbroker", Subsystem: "executor", Name: "batch_latency_seconds", Help: "Batch pipeline latency in seconds.", Buckets: cfg.LatencyBuckets},
		[]string{"outcome"},
	)

	e.activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "chatbroker", Subsystem: "streaming", Name: "active_streams", Help: "Number of chats currently streaming an AI response."},
	)
	e.streamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "chatbroker", Subsystem: "streaming", Name: "errors_total", Help: "Total streaming pipeline failures."},
		[]string{"reason"},
	)

	e.storeSize = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "chatbroker", Subsystem: "store", Name: "entries", Help: "Number of live entries in the expiring store."},
	)
	e.expiries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "chatbroker", Subsystem: "store", Name: "expired_total", Help: "Total keys expired and notified."},
		[]string{"key_kind"},
	)

	e.editLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "chatbroker", Subsystem: "messenger", Name: "edit_latency_seconds", Help: "Messenger edit call latency in seconds.", Buckets: cfg.LatencyBuckets},
		[]string{"op"},
	)
	e.editErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "chatbroker", Subsystem: "messenger", Name: "errors_total", Help: "Total messenger call failures."},
		[]string{"op"},
	)

	e.accessDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "chatbroker", Subsystem: "access", Name: "denied_total", Help: "Total events dropped by the access checker."},
		[]string{"reason"},
	)

	registry.MustRegister(
		e.batchQueueDepth, e.batchesProcessed, e.batchLatency,
		e.activeStreams, e.streamErrors,
		e.storeSize, e.expiries,
		e.editLatency, e.editErrors,
		e.accessDenied,
	)

	return e
}

// RecordBatch records one completed batch's pipeline outcome and
// latency (outcome is "finished"/"cancelled"/"failed"/"skipped").
func (e *Exporter) RecordBatch(outcome string, latency time.Duration) {
	e.batchesProcessed.WithLabelValues(outcome).Inc()
	e.batchLatency.WithLabelValues(outcome).Observe(latency.Seconds())
}

// SetQueueDepth reports the number of batches queued behind the one
// currently running for chatID.
func (e *Exporter) SetQueueDepth(chatID string, depth int) {
	e.batchQueueDepth.WithLabelValues(chatID).Set(float64(depth))
}

// SetActiveStreams reports the current count of in-progress AI streams.
func (e *Exporter) SetActiveStreams(count int) {
	e.activeStreams.Set(float64(count))
}

// RecordStreamError records a streaming pipeline failure by reason.
func (e *Exporter) RecordStreamError(reason string) {
	e.streamErrors.WithLabelValues(reason).Inc()
}

// SetStoreSize reports the expiring store's current entry count.
func (e *Exporter) SetStoreSize(count int) {
	e.storeSize.Set(float64(count))
}

// RecordExpiry records one key's expiration notification.
func (e *Exporter) RecordExpiry(keyKind string) {
	e.expiries.WithLabelValues(keyKind).Inc()
}

// RecordEdit records one messenger call's latency and, if failed, its
// error count.
func (e *Exporter) RecordEdit(op string, latency time.Duration, err error) {
	e.editLatency.WithLabelValues(op).Observe(latency.Seconds())
	if err != nil {
		e.editErrors.WithLabelValues(op).Inc()
	}
}

// RecordAccessDenied records one event dropped by the access checker.
func (e *Exporter) RecordAccessDenied(reason string) {
	e.accessDenied.WithLabelValues(reason).Inc()
}

// Handler returns the HTTP handler serving the Prometheus exposition
// format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.Handler().ServeHTTP(w, r)
}

// RegisterHandler records a custom handler for a specific path in the
// exporter's table; nothing in the module reads the table back or serves
// it.
func (e *Exporter) RegisterHandler(path string, handler http.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[path] = handler
}

// ExportText exports the current metrics snapshot in Prometheus text
// format.
func (e *Exporter) ExportText() (string, error) {
	var sb strings.Builder

	families, err := e.registry.Gather()
	if err != nil {
		return "", err
	}

	for _, mf := range families {
		sb.WriteString("# HELP ")
		sb.WriteString(mf.GetName())
		sb.WriteString(" ")
		sb.WriteString(mf.GetHelp())
		sb.WriteString("\n# TYPE ")
		sb.WriteString(mf.GetName())
		sb.WriteString(" ")
		sb.WriteString(mf.GetType().String())
		sb.WriteString("\n")

		for _, m := range mf.GetMetric() {
			sb.WriteString(mf.GetName())
			if len(m.GetLabel()) > 0 {
				sb.WriteString("{")
				labels := make([]string, 0, len(m.GetLabel()))
				for _, l := range m.GetLabel() {
					labels = append(labels, l.GetName()+"=\""+l.GetValue()+"\"")
				}
				sort.Strings(labels)
				sb.WriteString(strings.Join(labels, ","))
				sb.WriteString("}")
			}
			sb.WriteString(" ")
			switch mf.GetType().String() {
			case "COUNTER":
				sb.WriteString(strconv.FormatFloat(m.GetCounter().GetValue(), 'f', -1, 64))
			case "GAUGE":
				sb.WriteString(strconv.FormatFloat(m.GetGauge().GetValue(), 'f', -1, 64))
			case "HISTOGRAM":
				sb.WriteString(strconv.FormatFloat(m.GetHistogram().GetSampleSum(), 'f', -1, 64))
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// Close releases the exporter's registered custom-handler table. The
// Prometheus registry itself has no teardown.
func (e *Exporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = make(map[string]http.Handler)
	slog.Debug("metrics: exporter closed")
	return nil
}
