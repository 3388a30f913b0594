package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveryAttemptsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wabridge",
			Subsystem: "webhook",
			Name:      "delivery_attempts_total",
			Help:      "Webhook POST attempts by event and outcome.",
		},
		[]string{"event", "outcome"}, // outcome: "success", "failure"
	)

	deliveryDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wabridge",
			Subsystem: "webhook",
			Name:      "delivery_duration_seconds",
			Help:      "Duration of webhook POST attempts.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"event"},
	)

	queueDepthGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wabridge",
			Subsystem: "webhook",
			Name:      "queue_depth",
			Help:      "Delivery tasks waiting in the queue, including scheduled retries.",
		},
	)

	droppedTasksCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wabridge",
			Subsystem: "webhook",
			Name:      "dropped_tasks_total",
			Help:      "Delivery tasks abandoned without success.",
		},
		[]string{"reason"}, // "retries_exhausted", "shutdown"
	)
)
