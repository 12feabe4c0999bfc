package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Router metrics
	MessagesRouted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradecapture_messages_routed_total",
			Help: "Total number of messages routed to partition subtopics",
		},
	)

	RoutingFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecapture_routing_failures_total",
			Help: "Total number of routing failures by reason",
		},
		[]string{"reason"},
	)

	PartitionsObserved = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecapture_partitions_observed",
			Help: "Number of distinct partition keys observed by the router",
		},
	)

	// Pipeline metrics
	MessagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecapture_messages_processed_total",
			Help: "Total number of processed messages by outcome",
		},
		[]string{"outcome"},
	)

	ProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tradecapture_processing_duration_seconds",
			Help:    "End-to-end orchestrator run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProcessingFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecapture_processing_failures_total",
			Help: "Total number of pipeline failures by error code",
		},
		[]string{"code"},
	)

	// Sequence / buffer metrics
	BufferedMessages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecapture_buffered_messages",
			Help: "Messages currently held in the out-of-order buffer",
		},
	)

	BufferDrains = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecapture_buffer_drains_total",
			Help: "Out-of-order buffer drains by cause",
		},
		[]string{"cause"},
	)

	SequenceRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecapture_sequence_rejections_total",
			Help: "Sequence validation rejections by reason",
		},
		[]string{"reason"},
	)

	// Rate-limit metrics
	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecapture_rate_limit_decisions_total",
			Help: "Rate limiter decisions by scope and result",
		},
		[]string{"scope", "result"},
	)

	RateLimitTokens = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradecapture_rate_limit_tokens",
			Help: "Tokens remaining in the bucket at the last admission, by scope",
		},
		[]string{"scope"},
	)

	RateLimitFailOpen = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradecapture_rate_limit_fail_open_total",
			Help: "Admissions granted because the coordination store was unavailable",
		},
	)

	// Lock metrics
	LockAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecapture_lock_acquisitions_total",
			Help: "Partition lock acquisition attempts by result",
		},
		[]string{"result"},
	)

	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tradecapture_lock_wait_duration_seconds",
			Help:    "Time spent waiting for the partition lock in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Idempotency metrics
	DuplicatesDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecapture_duplicates_detected_total",
			Help: "Duplicate submissions detected by tier (cache or store)",
		},
		[]string{"tier"},
	)

	// Backpressure metrics
	ConsumerLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecapture_consumer_lag",
			Help: "Broker consumer lag summed across partitions",
		},
	)

	ConsumerPaused = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecapture_consumer_paused",
			Help: "Whether the subscription is paused for backpressure (1 = paused)",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecapture_queue_depth",
			Help: "In-process queue depth",
		},
	)

	// Reference-data metrics
	RefDataCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecapture_refdata_calls_total",
			Help: "Reference-data calls by service and result",
		},
		[]string{"service", "result"},
	)

	RefDataCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradecapture_refdata_call_duration_seconds",
			Help:    "Reference-data call duration in seconds by service",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradecapture_breaker_state",
			Help: "Circuit breaker state by service (0 = closed, 1 = half-open, 2 = open)",
		},
		[]string{"service"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecapture_cache_hits_total",
			Help: "Reference-data cache hits and misses by cache",
		},
		[]string{"cache", "result"},
	)

	// DLQ metrics
	DLQMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecapture_dlq_messages_total",
			Help: "Messages parked on the DLQ by reason",
		},
		[]string{"reason"},
	)

	// Output publisher metrics
	OutputPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecapture_output_published_total",
			Help: "Blotters published downstream by channel and result",
		},
		[]string{"channel", "result"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(MessagesRouted)
	prometheus.MustRegister(RoutingFailures)
	prometheus.MustRegister(PartitionsObserved)
	prometheus.MustRegister(MessagesProcessed)
	prometheus.MustRegister(ProcessingDuration)
	prometheus.MustRegister(ProcessingFailures)
	prometheus.MustRegister(BufferedMessages)
	prometheus.MustRegister(BufferDrains)
	prometheus.MustRegister(SequenceRejections)
	prometheus.MustRegister(RateLimitDecisions)
	prometheus.MustRegister(RateLimitTokens)
	prometheus.MustRegister(RateLimitFailOpen)
	prometheus.MustRegister(LockAcquisitions)
	prometheus.MustRegister(LockWaitDuration)
	prometheus.MustRegister(DuplicatesDetected)
	prometheus.MustRegister(ConsumerLag)
	prometheus.MustRegister(ConsumerPaused)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(RefDataCalls)
	prometheus.MustRegister(RefDataCallDuration)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(DLQMessages)
	prometheus.MustRegister(OutputPublished)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
