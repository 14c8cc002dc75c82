package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	questionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlassist_questions_total",
			Help: "Total number of natural-language questions accepted into the pipeline.",
		},
	)
	pipelineDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlassist_pipeline_duration_seconds",
			Help:    "End-to-end duration of one pipeline run.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)
	stageFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlassist_stage_fallbacks_total",
			Help: "Pipeline stages that recovered via their local fallback.",
		},
		[]string{"stage"},
	)
	validationRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlassist_validation_rejections_total",
			Help: "Generated queries discarded by the validation stage.",
		},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlassist_sessions_active",
			Help: "Current number of live sessions in the registry.",
		},
	)
	sessionsEvictedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlassist_sessions_evicted_total",
			Help: "Sessions removed by the TTL sweep.",
		},
	)
	sessionsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlassist_sessions_created_total",
			Help: "Sessions created, by dataset source.",
		},
		[]string{"source"},
	)
)

func init() {
	prometheus.MustRegister(
		questionsTotal,
		pipelineDurationSeconds,
		stageFallbacksTotal,
		validationRejectionsTotal,
		sessionsActive,
		sessionsEvictedTotal,
		sessionsCreatedTotal,
	)
}

func ObservePipelineRun(elapsed time.Duration) {
	questionsTotal.Inc()
	pipelineDurationSeconds.Observe(elapsed.Seconds())
}

func IncrementStageFallback(stage string) {
	stageFallbacksTotal.WithLabelValues(stage).Inc()
}

func IncrementValidationRejection() {
	validationRejectionsTotal.Inc()
}

func SetActiveSessions(count int) {
	if count < 0 {
		count = 0
	}
	sessionsActive.Set(float64(count))
}

func AddEvictedSessions(count int) {
	if count > 0 {
		sessionsEvictedTotal.Add(float64(count))
	}
}

func IncrementSessionCreated(source string) {
	sessionsCreatedTotal.WithLabelValues(source).Inc()
}
