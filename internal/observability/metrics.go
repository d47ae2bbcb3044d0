package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	turnsTotal             *prometheus.CounterVec
	turnDuration           *prometheus.HistogramVec
	classificationFallback *prometheus.CounterVec
	guardrailBlocks        *prometheus.CounterVec

	generatorCalls    *prometheus.CounterVec
	generatorDuration *prometheus.HistogramVec
	generatorRetries  *prometheus.CounterVec

	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram

	memoryAppendDuration prometheus.Histogram
	memoryQueryDuration  *prometheus.HistogramVec
	memoryErrors         *prometheus.CounterVec

	policyIngestDuration prometheus.Histogram
	policyQueryDuration  prometheus.Histogram
	policyChunks         prometheus.Gauge

	embeddingCacheHits   prometheus.Counter
	embeddingCacheMisses prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "tripmate_lane_queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tripmate_lane_enqueue_total",
					Help: "Total enqueue operations by lane kind.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tripmate_lane_dequeue_total",
					Help: "Total completed lane tasks by lane kind and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tripmate_lane_task_duration_seconds",
					Help:    "Lane task execution duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			turnsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tripmate_turns_total",
					Help: "Total conversation turns by intent and outcome.",
				},
				[]string{"intent", "outcome"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tripmate_turn_duration_seconds",
					Help:    "End-to-end turn duration in seconds by intent.",
					Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
				},
				[]string{"intent"},
			),
			classificationFallback: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tripmate_classification_fallback_total",
					Help: "Router fallbacks to the default intent by reason.",
				},
				[]string{"reason"},
			),
			guardrailBlocks: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tripmate_guardrail_blocks_total",
					Help: "Inputs blocked by guardrails by reason.",
				},
				[]string{"reason"},
			),
			generatorCalls: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tripmate_generator_calls_total",
					Help: "Generative model calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			generatorDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tripmate_generator_duration_seconds",
					Help:    "Generative model call duration in seconds by provider.",
					Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
				},
				[]string{"provider"},
			),
			generatorRetries: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tripmate_generator_retries_total",
					Help: "Generative model retries by provider.",
				},
				[]string{"provider"},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "tripmate_session_load_duration_seconds",
					Help:    "Session history load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "tripmate_session_save_duration_seconds",
					Help:    "Session history append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memoryAppendDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "tripmate_memory_append_duration_seconds",
					Help:    "Memory record append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memoryQueryDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tripmate_memory_query_duration_seconds",
					Help:    "Memory read duration in seconds by operation.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"op"},
			),
			memoryErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tripmate_memory_errors_total",
					Help: "Memory store failures by operation and kind.",
				},
				[]string{"op", "kind"},
			),
			policyIngestDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "tripmate_policy_ingest_duration_seconds",
					Help:    "Policy document ingest duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			policyQueryDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "tripmate_policy_query_duration_seconds",
					Help:    "Policy index query duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			policyChunks: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "tripmate_policy_chunks",
					Help: "Policy chunks currently indexed.",
				},
			),
			embeddingCacheHits: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "tripmate_embedding_cache_hits_total",
					Help: "Embedding cache hits.",
				},
			),
			embeddingCacheMisses: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "tripmate_embedding_cache_misses_total",
					Help: "Embedding cache misses.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.turnsTotal,
			m.turnDuration,
			m.classificationFallback,
			m.guardrailBlocks,
			m.generatorCalls,
			m.generatorDuration,
			m.generatorRetries,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.memoryAppendDuration,
			m.memoryQueryDuration,
			m.memoryErrors,
			m.policyIngestDuration,
			m.policyQueryDuration,
			m.policyChunks,
			m.embeddingCacheHits,
			m.embeddingCacheMisses,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordTurn(intent, outcome string, duration time.Duration) {
	m := getMetrics()
	m.turnsTotal.WithLabelValues(intent, outcome).Inc()
	m.turnDuration.WithLabelValues(intent).Observe(duration.Seconds())
}

func RecordClassificationFallback(reason string) {
	getMetrics().classificationFallback.WithLabelValues(reason).Inc()
}

func RecordGuardrailBlock(reason string) {
	getMetrics().guardrailBlocks.WithLabelValues(reason).Inc()
}

func RecordGeneratorCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.generatorCalls.WithLabelValues(provider, statusLabel(success)).Inc()
	m.generatorDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordGeneratorRetry(provider string) {
	getMetrics().generatorRetries.WithLabelValues(provider).Inc()
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

func RecordMemoryAppend(duration time.Duration) {
	getMetrics().memoryAppendDuration.Observe(duration.Seconds())
}

func RecordMemoryQuery(op string, duration time.Duration) {
	getMetrics().memoryQueryDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func RecordMemoryError(op, kind string) {
	getMetrics().memoryErrors.WithLabelValues(op, kind).Inc()
}

func RecordPolicyIngest(duration time.Duration) {
	getMetrics().policyIngestDuration.Observe(duration.Seconds())
}

func RecordPolicyQuery(duration time.Duration) {
	getMetrics().policyQueryDuration.Observe(duration.Seconds())
}

func SetPolicyChunks(total int) {
	getMetrics().policyChunks.Set(float64(total))
}

func RecordEmbeddingCache(hit bool) {
	m := getMetrics()
	if hit {
		m.embeddingCacheHits.Inc()
		return
	}
	m.embeddingCacheMisses.Inc()
}
