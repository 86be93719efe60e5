// Package metrics exports pool, listener and retry events to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/petroleumjelliffe/skybot/internal/bot"
	prom "github.com/prometheus/client_golang/prometheus"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// Exporter adapts bot.Metrics and the retrier observer to Prometheus collectors.
type Exporter struct {
	handleSeconds   *prom.HistogramVec
	failedTotal     *prom.CounterVec
	droppedTotal    *prom.CounterVec
	workerExits     *prom.CounterVec
	queueDepth      *prom.GaugeVec
	restartsTotal   *prom.CounterVec
	receivedTotal   *prom.CounterVec
	retryCallsTotal *prom.CounterVec
	retryAttempts   *prom.HistogramVec
}

var _ bot.Metrics = (*Exporter)(nil)

// NewExporter creates and registers the collectors. A nil registerer uses
// the default one.
func NewExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*Exporter, error) {
	if namespace == "" {
		namespace = "skybot"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	e := &Exporter{
		handleSeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "item_handle_seconds",
			Help:      "Handler duration for successfully handled items.",
			Buckets:   buckets,
		}, []string{"pool"}),
		failedTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "item_failed_total",
			Help:      "Items whose handler returned an error or panicked.",
		}, []string{"pool"}),
		droppedTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "item_dropped_total",
			Help:      "Items discarded without being handled.",
		}, []string{"pool", "reason"}),
		workerExits: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "worker_exited_total",
			Help:      "Workers lost to a failing handler.",
		}, []string{"pool"}),
		queueDepth: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current queue depth.",
		}, []string{"pool"}),
		restartsTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "stream_restarts_total",
			Help:      "Stream failures followed by a restart.",
		}, []string{"listener"}),
		receivedTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "stream_items_total",
			Help:      "Items pulled from the stream.",
		}, []string{"listener"}),
		retryCallsTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "retry_calls_total",
			Help:      "Rate-limited calls by outcome.",
		}, []string{"call", "outcome"}),
		retryAttempts: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "retry_attempts",
			Help:      "Attempts made per rate-limited call.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}, []string{"call"}),
	}

	var err error
	if e.handleSeconds, err = registerCollector(reg, e.handleSeconds); err != nil {
		return nil, err
	}
	if e.failedTotal, err = registerCollector(reg, e.failedTotal); err != nil {
		return nil, err
	}
	if e.droppedTotal, err = registerCollector(reg, e.droppedTotal); err != nil {
		return nil, err
	}
	if e.workerExits, err = registerCollector(reg, e.workerExits); err != nil {
		return nil, err
	}
	if e.queueDepth, err = registerCollector(reg, e.queueDepth); err != nil {
		return nil, err
	}
	if e.restartsTotal, err = registerCollector(reg, e.restartsTotal); err != nil {
		return nil, err
	}
	if e.receivedTotal, err = registerCollector(reg, e.receivedTotal); err != nil {
		return nil, err
	}
	if e.retryCallsTotal, err = registerCollector(reg, e.retryCallsTotal); err != nil {
		return nil, err
	}
	if e.retryAttempts, err = registerCollector(reg, e.retryAttempts); err != nil {
		return nil, err
	}
	return e, nil
}

// ItemHandled records a successful handler run.
func (e *Exporter) ItemHandled(pool string, d time.Duration) {
	if e == nil {
		return
	}
	e.handleSeconds.WithLabelValues(normalizeLabel(pool, "unknown")).Observe(d.Seconds())
}

// ItemFailed records a handler error or panic.
func (e *Exporter) ItemFailed(pool string) {
	if e == nil {
		return
	}
	e.failedTotal.WithLabelValues(normalizeLabel(pool, "unknown")).Inc()
}

// ItemDropped records an item discarded for reason.
func (e *Exporter) ItemDropped(pool, reason string) {
	if e == nil {
		return
	}
	e.droppedTotal.WithLabelValues(normalizeLabel(pool, "unknown"), normalizeLabel(reason, "unknown")).Inc()
}

// WorkerExited records a worker lost in fail-fast mode.
func (e *Exporter) WorkerExited(pool string) {
	if e == nil {
		return
	}
	e.workerExits.WithLabelValues(normalizeLabel(pool, "unknown")).Inc()
}

// QueueDepth records queue depth.
func (e *Exporter) QueueDepth(pool string, depth int) {
	if e == nil {
		return
	}
	e.queueDepth.WithLabelValues(normalizeLabel(pool, "unknown")).Set(float64(depth))
}

// StreamRestarted records a listener restart.
func (e *Exporter) StreamRestarted(listener string) {
	if e == nil {
		return
	}
	e.restartsTotal.WithLabelValues(normalizeLabel(listener, "unknown")).Inc()
}

// ItemReceived records an item pulled from a stream.
func (e *Exporter) ItemReceived(listener string) {
	if e == nil {
		return
	}
	e.receivedTotal.WithLabelValues(normalizeLabel(listener, "unknown")).Inc()
}

// RetryOutcome has the signature of a retry.WithObserver callback.
func (e *Exporter) RetryOutcome(call, outcome string, attempts int) {
	if e == nil {
		return
	}
	call = normalizeLabel(call, "unknown")
	e.retryCallsTotal.WithLabelValues(call, normalizeLabel(outcome, "unknown")).Inc()
	e.retryAttempts.WithLabelValues(call).Observe(float64(attempts))
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
