package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the Prometheus series of a single run.
//
// Every run gets its own registry so that a process can host several runs in
// tests without duplicate-registration panics. Call WriteTextfile at the end
// of a run to persist the series next to the checkpoints.
//
// All recording helpers accept a nil receiver and do nothing, so components
// can treat metrics as optional.
type Metrics struct {
	registry *prometheus.Registry

	// TrainSteps counts optimizer steps taken.
	TrainSteps prometheus.Counter

	// TrainLoss is the loss of the most recent training batch.
	TrainLoss prometheus.Gauge

	// StepDuration measures one training step in seconds.
	// Buckets: 1ms to ~4s
	StepDuration prometheus.Histogram

	// DevMetric holds the latest dev-set score.
	// Labels: metric (f1|em|loss)
	DevMetric *prometheus.GaugeVec

	// CheckpointSaves counts written snapshots.
	// Labels: tag (raw|ema), slot (rolling|best)
	CheckpointSaves *prometheus.CounterVec

	// CheckpointLoads counts load attempts by outcome.
	// Labels: tag (raw|ema), outcome (restored|fresh|missing)
	CheckpointLoads *prometheus.CounterVec

	// InferenceDuration measures a full prediction pass in seconds.
	// Labels: pass (single|ensemble_member|inspect|dev)
	InferenceDuration *prometheus.HistogramVec

	// ExamplesPredicted counts examples for which an answer was extracted.
	ExamplesPredicted prometheus.Counter

	// EnsembleAgreement is the fraction of base models that proposed the
	// final answer, one observation per question.
	EnsembleAgreement prometheus.Histogram
}

// NewMetrics creates the run metrics on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		TrainSteps: factory.NewCounter(prometheus.CounterOpts{
			Name: "squadqa_train_steps_total",
			Help: "Total number of training steps taken",
		}),
		TrainLoss: factory.NewGauge(prometheus.GaugeOpts{
			Name: "squadqa_train_loss",
			Help: "Loss of the most recent training batch",
		}),
		StepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "squadqa_train_step_duration_seconds",
			Help:    "Duration of a single training step in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		DevMetric: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "squadqa_dev_metric",
			Help: "Latest dev-set evaluation score by metric",
		}, []string{"metric"}),
		CheckpointSaves: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "squadqa_checkpoint_saves_total",
			Help: "Number of checkpoint snapshots written by tag and slot",
		}, []string{"tag", "slot"}),
		CheckpointLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "squadqa_checkpoint_loads_total",
			Help: "Number of checkpoint load attempts by tag and outcome",
		}, []string{"tag", "outcome"}),
		InferenceDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "squadqa_inference_duration_seconds",
			Help:    "Duration of a full prediction pass in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"pass"}),
		ExamplesPredicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "squadqa_examples_predicted_total",
			Help: "Number of examples for which an answer span was extracted",
		}),
		EnsembleAgreement: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "squadqa_ensemble_agreement_ratio",
			Help:    "Fraction of base models proposing the final answer",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
	}
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordStep records one training step.
func (m *Metrics) RecordStep(loss float64, took time.Duration) {
	if m == nil {
		return
	}
	m.TrainSteps.Inc()
	m.TrainLoss.Set(loss)
	m.StepDuration.Observe(took.Seconds())
}

// RecordDev records a dev-set evaluation.
func (m *Metrics) RecordDev(f1, em, loss float64) {
	if m == nil {
		return
	}
	m.DevMetric.WithLabelValues("f1").Set(f1)
	m.DevMetric.WithLabelValues("em").Set(em)
	m.DevMetric.WithLabelValues("loss").Set(loss)
}

// RecordSave counts a written snapshot.
func (m *Metrics) RecordSave(tag, slot string) {
	if m == nil {
		return
	}
	m.CheckpointSaves.WithLabelValues(tag, slot).Inc()
}

// RecordLoad counts a load attempt.
func (m *Metrics) RecordLoad(tag, outcome string) {
	if m == nil {
		return
	}
	m.CheckpointLoads.WithLabelValues(tag, outcome).Inc()
}

// RecordInference records a prediction pass over n examples.
func (m *Metrics) RecordInference(pass string, n int, took time.Duration) {
	if m == nil {
		return
	}
	m.InferenceDuration.WithLabelValues(pass).Observe(took.Seconds())
	m.ExamplesPredicted.Add(float64(n))
}

// RecordAgreement records the agreement ratio of one aggregated question.
func (m *Metrics) RecordAgreement(ratio float64) {
	if m == nil {
		return
	}
	m.EnsembleAgreement.Observe(ratio)
}

// WriteTextfile writes the current values in the Prometheus text format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
