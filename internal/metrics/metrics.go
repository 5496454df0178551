// Package metrics provides Prometheus metrics for the color depth search.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the search services.
type Metrics struct {
	// Batch metrics
	BatchesProcessed *prometheus.CounterVec
	BatchesFailed    *prometheus.CounterVec
	BatchDuration    *prometheus.HistogramVec

	// Comparison metrics
	Comparisons *prometheus.CounterVec
	Matches     *prometheus.CounterVec
	PairErrors  *prometheus.CounterVec

	// Loader metrics
	LoadRetries   *prometheus.CounterVec
	LoadExhausted *prometheus.CounterVec
	LoadNotFound  *prometheus.CounterVec
	LoadDuration  *prometheus.HistogramVec
	LoadBytes     *prometheus.CounterVec
	StorageErrors *prometheus.CounterVec

	// Gradient metrics
	GradientCandidates *prometheus.CounterVec
	IncomputableGaps   *prometheus.CounterVec
	RefineDuration     *prometheus.HistogramVec
	AggregatorInFlight prometheus.Gauge

	// Dispatch metrics
	BatchesDispatched  *prometheus.CounterVec
	DispatchRetries    *prometheus.CounterVec
	DispatchFailed     *prometheus.CounterVec
	DispatchQueueDepth prometheus.Gauge

	// Task table metrics
	TaskWrites *prometheus.CounterVec
	TaskErrors *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics registered on the
// default registry. Call this once at startup.
func Init(namespace string) *Metrics {
	m := New(namespace, prometheus.DefaultRegisterer)
	defaultMetrics = m
	return m
}

// New creates metrics registered on reg.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "cds_search"
	}
	f := promauto.With(reg)

	return &Metrics{
		BatchesProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_processed_total",
				Help:      "Total number of search batches processed",
			},
			[]string{"algorithm"},
		),
		BatchesFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_failed_total",
				Help:      "Total number of search batches that failed",
			},
			[]string{"algorithm", "reason"},
		),
		BatchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Time to search one batch",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
			},
			[]string{"algorithm"},
		),
		Comparisons: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "comparisons_total",
				Help:      "Total number of mask/target comparisons",
			},
			[]string{"algorithm"},
		),
		Matches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "matches_total",
				Help:      "Total number of comparisons classified as matches",
			},
			[]string{"algorithm"},
		),
		PairErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pair_errors_total",
				Help:      "Total number of comparisons that raised an error",
			},
			[]string{"algorithm"},
		),
		LoadRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "load_retries_total",
				Help:      "Total number of object load retry attempts",
			},
			[]string{"operation"},
		),
		LoadExhausted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "load_exhausted_total",
				Help:      "Total number of loads that exhausted the retry budget",
			},
			[]string{"operation"},
		),
		LoadNotFound: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "load_not_found_total",
				Help:      "Total number of loads of absent objects",
			},
			[]string{"operation"},
		),
		LoadDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "load_duration_seconds",
				Help:      "Time to load one object including retries",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
			[]string{"operation"},
		),
		LoadBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "load_bytes_total",
				Help:      "Total bytes transferred by the loader",
			},
			[]string{"operation"},
		),
		StorageErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of object store errors",
			},
			[]string{"operation"},
		),
		GradientCandidates: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gradient_candidates_total",
				Help:      "Total number of candidates scored by the gradient aggregator",
			},
			[]string{"outcome"},
		),
		IncomputableGaps: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "incomputable_gaps_total",
				Help:      "Total number of candidates whose area gap could not be computed",
			},
			[]string{"reason"},
		),
		RefineDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "refine_duration_seconds",
				Help:      "Time to refine one mask group",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"outcome"},
		),
		AggregatorInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "aggregator_in_flight",
				Help:      "Number of aggregator tasks currently running",
			},
		),
		BatchesDispatched: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_dispatched_total",
				Help:      "Total number of batch jobs handed to an invoker",
			},
			[]string{"invoker"},
		),
		DispatchRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_retries_total",
				Help:      "Total number of dispatch retry attempts",
			},
			[]string{"invoker"},
		),
		DispatchFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_failed_total",
				Help:      "Total number of batch jobs that could not be dispatched",
			},
			[]string{"invoker"},
		),
		DispatchQueueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dispatch_queue_depth",
				Help:      "Current number of batch jobs waiting for a dispatch worker",
			},
		),
		TaskWrites: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_writes_total",
				Help:      "Total number of task table records written",
			},
			[]string{"backend"},
		),
		TaskErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_errors_total",
				Help:      "Total number of task table errors",
			},
			[]string{"backend", "operation"},
		),
	}
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Algorithm string
	Operation string
	Backend   string
	Invoker   string
	Outcome   string
	Reason    string
}

// IncBatchesProcessed increments the batches processed counter.
func (m *Metrics) IncBatchesProcessed(l Labels) {
	m.BatchesProcessed.WithLabelValues(l.Algorithm).Inc()
}

// IncBatchesFailed increments the batches failed counter.
func (m *Metrics) IncBatchesFailed(l Labels) {
	m.BatchesFailed.WithLabelValues(l.Algorithm, l.Reason).Inc()
}

// ObserveBatchDuration records the time to search one batch.
func (m *Metrics) ObserveBatchDuration(l Labels, seconds float64) {
	m.BatchDuration.WithLabelValues(l.Algorithm).Observe(seconds)
}

// AddComparisons adds to the comparisons counter.
func (m *Metrics) AddComparisons(l Labels, n float64) {
	m.Comparisons.WithLabelValues(l.Algorithm).Add(n)
}

// AddMatches adds to the matches counter.
func (m *Metrics) AddMatches(l Labels, n float64) {
	m.Matches.WithLabelValues(l.Algorithm).Add(n)
}

// AddPairErrors adds to the pair errors counter.
func (m *Metrics) AddPairErrors(l Labels, n float64) {
	m.PairErrors.WithLabelValues(l.Algorithm).Add(n)
}

// IncLoadRetries increments the loader retry counter.
func (m *Metrics) IncLoadRetries(l Labels) {
	m.LoadRetries.WithLabelValues(l.Operation).Inc()
}

// IncLoadExhausted increments the exhausted loads counter.
func (m *Metrics) IncLoadExhausted(l Labels) {
	m.LoadExhausted.WithLabelValues(l.Operation).Inc()
}

// IncLoadNotFound increments the absent objects counter.
func (m *Metrics) IncLoadNotFound(l Labels) {
	m.LoadNotFound.WithLabelValues(l.Operation).Inc()
}

// ObserveLoad records the duration and size of one load.
func (m *Metrics) ObserveLoad(l Labels, seconds float64, bytes int) {
	m.LoadDuration.WithLabelValues(l.Operation).Observe(seconds)
	m.LoadBytes.WithLabelValues(l.Operation).Add(float64(bytes))
}

// IncStorageErrors increments the storage errors counter.
func (m *Metrics) IncStorageErrors(l Labels) {
	m.StorageErrors.WithLabelValues(l.Operation).Inc()
}

// IncGradientCandidates increments the scored candidates counter.
func (m *Metrics) IncGradientCandidates(l Labels) {
	m.GradientCandidates.WithLabelValues(l.Outcome).Inc()
}

// IncIncomputableGaps increments the incomputable gaps counter.
func (m *Metrics) IncIncomputableGaps(l Labels) {
	m.IncomputableGaps.WithLabelValues(l.Reason).Inc()
}

// ObserveRefineDuration records the time to refine one mask group.
func (m *Metrics) ObserveRefineDuration(l Labels, seconds float64) {
	m.RefineDuration.WithLabelValues(l.Outcome).Observe(seconds)
}

// IncBatchesDispatched increments the dispatched batches counter.
func (m *Metrics) IncBatchesDispatched(l Labels) {
	m.BatchesDispatched.WithLabelValues(l.Invoker).Inc()
}

// IncDispatchRetries increments the dispatch retry counter.
func (m *Metrics) IncDispatchRetries(l Labels) {
	m.DispatchRetries.WithLabelValues(l.Invoker).Inc()
}

// IncDispatchFailed increments the failed dispatch counter.
func (m *Metrics) IncDispatchFailed(l Labels) {
	m.DispatchFailed.WithLabelValues(l.Invoker).Inc()
}

// SetDispatchQueueDepth sets the current dispatch queue depth.
func (m *Metrics) SetDispatchQueueDepth(depth float64) {
	m.DispatchQueueDepth.Set(depth)
}

// IncTaskWrites increments the task table writes counter.
func (m *Metrics) IncTaskWrites(l Labels) {
	m.TaskWrites.WithLabelValues(l.Backend).Inc()
}

// IncTaskErrors increments the task table errors counter.
func (m *Metrics) IncTaskErrors(l Labels) {
	m.TaskErrors.WithLabelValues(l.Backend, l.Operation).Inc()
}
