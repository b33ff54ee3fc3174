package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusPending = "pending"
)

// MetricsGenerator is what the user operation pipeline reports to.
type MetricsGenerator interface {
	IncStage(stage, status string)
	ObserveStageDuration(stage string, d time.Duration)
	ObserveReceiptWait(d time.Duration)
	IncSponsored()
}

// PipelineMetrics contains instrumented metrics that are incremented by the pipeline using the methods below
type PipelineMetrics struct {
	stageTotal    *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	receiptWait   prometheus.Histogram
	sponsored     prometheus.Counter
}

const apNamespace = "ap"

func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	return &PipelineMetrics{
		stageTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Subsystem: "userop",
				Name:      "stage_total",
				Help:      "The number of user operation pipeline stages run, by outcome",
			}, []string{"stage", "status"}),

		stageDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: apNamespace,
				Subsystem: "userop",
				Name:      "stage_duration_seconds",
				Help:      "Time spent in each user operation pipeline stage",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			}, []string{"stage"}),

		receiptWait: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: apNamespace,
				Subsystem: "userop",
				Name:      "receipt_wait_seconds",
				Help:      "Time from submission until the receipt was found or the wait gave up",
				Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
			}),

		sponsored: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Subsystem: "userop",
				Name:      "sponsored_total",
				Help:      "The number of user operations carrying a paymaster attestation",
			}),
	}
}

func (m *PipelineMetrics) IncStage(stage, status string) {
	m.stageTotal.WithLabelValues(stage, status).Inc()
}

func (m *PipelineMetrics) ObserveStageDuration(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *PipelineMetrics) ObserveReceiptWait(d time.Duration) {
	m.receiptWait.Observe(d.Seconds())
}

func (m *PipelineMetrics) IncSponsored() {
	m.sponsored.Inc()
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) IncStage(stage, status string)                      {}
func (NoopMetrics) ObserveStageDuration(stage string, d time.Duration) {}
func (NoopMetrics) ObserveReceiptWait(d time.Duration)                 {}
func (NoopMetrics) IncSponsored()                                      {}
