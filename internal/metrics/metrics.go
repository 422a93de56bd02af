package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pagetrack"

var (
	chunksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_chunks_total",
			Help:      "Chunks received by result (new, duplicate, rejected)",
		},
		[]string{"result"},
	)

	assemblies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_assemblies_total",
			Help:      "Upload assemblies by result",
		},
		[]string{"result"},
	)

	jobTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Job status transitions by target status",
		},
		[]string{"status"},
	)

	pagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_processed_total",
			Help:      "Pages processed by result (completed, failed, retried)",
		},
		[]string{"result"},
	)

	recognizeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recognize_duration_seconds",
			Help:      "Duration of recognition calls by engine",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"engine"},
	)

	storageOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operations_total",
			Help:      "Storage operations by backend, op and result",
		},
		[]string{"backend", "op", "result"},
	)

	persistLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "record_persist_duration_seconds",
			Help:      "Time to persist a processing record",
			Buckets:   prometheus.DefBuckets,
		},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Queue depth gauges for stream, delayed and dlq",
		},
		[]string{"type"},
	)

	sweptSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_sessions_total",
			Help:      "Idle sessions deleted by the cleanup sweep",
		},
	)

	activeJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_jobs",
			Help:      "Jobs currently held by the in-memory registry",
		},
	)

	initOnce sync.Once
)

// Init registers collectors. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(chunksReceived, assemblies, jobTransitions, pagesProcessed,
			recognizeLatency, storageOps, persistLatency, queueDepth, sweptSessions, activeJobs)
	})
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func IncChunk(result string)      { chunksReceived.WithLabelValues(result).Inc() }
func IncAssembly(result string)   { assemblies.WithLabelValues(result).Inc() }
func IncTransition(status string) { jobTransitions.WithLabelValues(status).Inc() }
func IncPage(result string)       { pagesProcessed.WithLabelValues(result).Inc() }
func IncSwept()                   { sweptSessions.Inc() }
func SetActiveJobs(n int)         { activeJobs.Set(float64(n)) }

func ObserveRecognize(engine string, dur time.Duration) {
	recognizeLatency.WithLabelValues(engine).Observe(dur.Seconds())
}

func ObservePersist(dur time.Duration) { persistLatency.Observe(dur.Seconds()) }

func IncStorage(backend, op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	storageOps.WithLabelValues(backend, op, result).Inc()
}

func SetQueueDepth(kind string, v int64) { queueDepth.WithLabelValues(kind).Set(float64(v)) }
