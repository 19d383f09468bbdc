package sentryclient

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "sentry_client"
)

// metricsCollector implements prometheus.Collector interface
type metricsCollector struct {
	// Atomic counters for thread-safe metric updates
	capturedEvents       *uint64 // Total events accepted by the capture pipeline
	sentEnvelopes        *uint64 // Total successfully delivered envelopes
	failedEnvelopes      *uint64 // Total envelopes dropped after send failures
	droppedEnvelopes     *uint64 // Total envelopes dropped by backpressure or requeue caps
	retriedEnvelopes     *uint64 // Total retry attempts scheduled
	rateLimitedEnvelopes *uint64 // Total envelopes deferred by rate limits
	queueLength          *int64  // Current main queue length

	// Prometheus metric descriptors
	capturedEventsDesc       *prometheus.Desc
	sentEnvelopesDesc        *prometheus.Desc
	failedEnvelopesDesc      *prometheus.Desc
	droppedEnvelopesDesc     *prometheus.Desc
	retriedEnvelopesDesc     *prometheus.Desc
	rateLimitedEnvelopesDesc *prometheus.Desc
	queueLengthDesc          *prometheus.Desc

	// Vector metric for capture-pipeline discards by reason
	discardsByReason *prometheus.CounterVec
}

// newMetricsCollector creates a new metrics collector
func newMetricsCollector() *metricsCollector {
	return &metricsCollector{
		// Initialize atomic counters
		capturedEvents:       ptrTo(uint64(0)),
		sentEnvelopes:        ptrTo(uint64(0)),
		failedEnvelopes:      ptrTo(uint64(0)),
		droppedEnvelopes:     ptrTo(uint64(0)),
		retriedEnvelopes:     ptrTo(uint64(0)),
		rateLimitedEnvelopes: ptrTo(uint64(0)),
		queueLength:          ptrTo(int64(0)),

		// Create metric descriptors
		capturedEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "captured_events_total"),
			"Total number of events accepted by the capture pipeline",
			nil, nil),

		sentEnvelopesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sent_envelopes_total"),
			"Total number of envelopes delivered to the server",
			nil, nil),

		failedEnvelopesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "failed_envelopes_total"),
			"Total number of envelopes dropped after send failures",
			nil, nil),

		droppedEnvelopesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "dropped_envelopes_total"),
			"Total number of envelopes dropped by queue backpressure or requeue caps",
			nil, nil),

		retriedEnvelopesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "retried_envelopes_total"),
			"Total number of scheduled envelope retries",
			nil, nil),

		rateLimitedEnvelopesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "rate_limited_envelopes_total"),
			"Total number of envelopes deferred by server rate limits",
			nil, nil),

		queueLengthDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "queue_length"),
			"Current number of envelopes waiting on the main queue",
			nil, nil),

		// Vector metric with discard reason label
		discardsByReason: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prometheus.BuildFQName(namespace, "", "discarded_events_total"),
				Help: "Total number of events discarded before enqueueing, by reason",
			},
			[]string{"reason"}),
	}
}

// Public methods for updating metrics (called from business logic)

// IncEventsCaptured increments the accepted events counter
func (mc *metricsCollector) IncEventsCaptured() {
	atomic.AddUint64(mc.capturedEvents, 1)
}

// IncEnvelopesSent increments the delivered envelopes counter
func (mc *metricsCollector) IncEnvelopesSent() {
	atomic.AddUint64(mc.sentEnvelopes, 1)
}

// IncEnvelopesFailed increments the failed envelopes counter
func (mc *metricsCollector) IncEnvelopesFailed() {
	atomic.AddUint64(mc.failedEnvelopes, 1)
}

// IncEnvelopesDropped increments the dropped envelopes counter
func (mc *metricsCollector) IncEnvelopesDropped() {
	atomic.AddUint64(mc.droppedEnvelopes, 1)
}

// IncEnvelopesRetried increments the retry counter
func (mc *metricsCollector) IncEnvelopesRetried() {
	atomic.AddUint64(mc.retriedEnvelopes, 1)
}

// IncEnvelopesRateLimited increments the rate-limit deferral counter
func (mc *metricsCollector) IncEnvelopesRateLimited() {
	atomic.AddUint64(mc.rateLimitedEnvelopes, 1)
}

// SetQueueLength records the current main queue length
func (mc *metricsCollector) SetQueueLength(length int) {
	atomic.StoreInt64(mc.queueLength, int64(length))
}

// IncDiscarded increments the capture-pipeline discard counter for a reason
func (mc *metricsCollector) IncDiscarded(reason DiscardReason) {
	mc.discardsByReason.WithLabelValues(string(reason)).Inc()
}

// Implement prometheus.Collector interface

// Describe sends all metric descriptions to Prometheus
func (mc *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- mc.capturedEventsDesc
	ch <- mc.sentEnvelopesDesc
	ch <- mc.failedEnvelopesDesc
	ch <- mc.droppedEnvelopesDesc
	ch <- mc.retriedEnvelopesDesc
	ch <- mc.rateLimitedEnvelopesDesc
	ch <- mc.queueLengthDesc

	// Vector metric handles its own description
	mc.discardsByReason.Describe(ch)
}

// Collect sends current metric values to Prometheus
func (mc *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	// Send current values of atomic counters
	ch <- prometheus.MustNewConstMetric(
		mc.capturedEventsDesc,
		prometheus.CounterValue,
		float64(atomic.LoadUint64(mc.capturedEvents)))

	ch <- prometheus.MustNewConstMetric(
		mc.sentEnvelopesDesc,
		prometheus.CounterValue,
		float64(atomic.LoadUint64(mc.sentEnvelopes)))

	ch <- prometheus.MustNewConstMetric(
		mc.failedEnvelopesDesc,
		prometheus.CounterValue,
		float64(atomic.LoadUint64(mc.failedEnvelopes)))

	ch <- prometheus.MustNewConstMetric(
		mc.droppedEnvelopesDesc,
		prometheus.CounterValue,
		float64(atomic.LoadUint64(mc.droppedEnvelopes)))

	ch <- prometheus.MustNewConstMetric(
		mc.retriedEnvelopesDesc,
		prometheus.CounterValue,
		float64(atomic.LoadUint64(mc.retriedEnvelopes)))

	ch <- prometheus.MustNewConstMetric(
		mc.rateLimitedEnvelopesDesc,
		prometheus.CounterValue,
		float64(atomic.LoadUint64(mc.rateLimitedEnvelopes)))

	ch <- prometheus.MustNewConstMetric(
		mc.queueLengthDesc,
		prometheus.GaugeValue,
		float64(atomic.LoadInt64(mc.queueLength)))

	// Vector metric collects itself
	mc.discardsByReason.Collect(ch)
}
