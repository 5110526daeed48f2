// Package metrics exposes training and arithmetic progress as prometheus
// series. All collectors register on the default registry, which the server
// publishes on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TrainLoss = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskarith_train_loss",
		Help: "Most recent training loss by dataset and component (total, ce, orth)",
	}, []string{"dataset", "component"})

	TrainAccuracy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskarith_train_accuracy",
		Help: "Top-1 accuracy of the most recent training batch",
	}, []string{"dataset"})

	LearningRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskarith_train_learning_rate",
		Help: "Learning rate applied at the last optimizer step",
	})

	RotationDeterminant = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskarith_train_rotation_determinant",
		Help: "Mean determinant of the Delta rotations",
	})

	OptimizerSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskarith_train_optimizer_steps_total",
		Help: "Optimizer steps taken",
	})

	StepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskarith_train_step_seconds",
		Help:    "Wall time of one optimizer step including accumulation",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	ArithmeticAccuracy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskarith_arithmetic_accuracy",
		Help: "Accuracy of the edited encoder per scaling coefficient and dataset",
	}, []string{"coef", "dataset"})

	SkippedKeys = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskarith_algebra_skipped_keys_total",
		Help: "Keys skipped by task vector operations",
	}, []string{"op"})
)

// TrainStep is the per-step snapshot reported by the trainer.
type TrainStep struct {
	Dataset     string
	Loss        float64
	CELoss      float64
	OrthLoss    float64
	Accuracy    float64
	LR          float64
	Determinant float64
	Duration    time.Duration
}

// RecordTrainStep publishes one optimizer step.
func RecordTrainStep(s TrainStep) {
	TrainLoss.WithLabelValues(s.Dataset, "total").Set(s.Loss)
	TrainLoss.WithLabelValues(s.Dataset, "ce").Set(s.CELoss)
	TrainLoss.WithLabelValues(s.Dataset, "orth").Set(s.OrthLoss)
	TrainAccuracy.WithLabelValues(s.Dataset).Set(s.Accuracy)
	LearningRate.Set(s.LR)
	RotationDeterminant.Set(s.Determinant)
	OptimizerSteps.Inc()
	StepDuration.Observe(s.Duration.Seconds())
}

// RecordArithmetic publishes the accuracy of one dataset at the coefficient
// labelled coef.
func RecordArithmetic(coef, dataset string, acc float64) {
	ArithmeticAccuracy.WithLabelValues(coef, dataset).Set(acc)
}

// RecordSkipped counts keys skipped by op.
func RecordSkipped(op string, n int) {
	if n > 0 {
		SkippedKeys.WithLabelValues(op).Add(float64(n))
	}
}
