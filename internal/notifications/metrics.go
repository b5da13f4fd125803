package notifications

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_notifications_delivered_total",
			Help: "Notification delivery attempts by channel, event type and outcome",
		},
		[]string{"channel", "event_type", "status"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meter_notification_delivery_duration_seconds",
			Help:    "Notification delivery duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"channel"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_notification_retries_total",
			Help: "Notification retry attempts",
		},
		[]string{"channel", "attempt"},
	)

	retryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meter_notification_retry_queue_depth",
			Help: "Deliveries waiting for a retry",
		},
	)

	duplicatesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meter_notification_duplicates_total",
			Help: "Alert events skipped because they were already delivered",
		},
	)
)

func recordDelivery(channel, eventType, status string, d time.Duration) {
	deliveredTotal.WithLabelValues(channel, eventType, status).Inc()
	deliveryDuration.WithLabelValues(channel).Observe(d.Seconds())
}

func recordRetry(channel string, attempt int) {
	retriesTotal.WithLabelValues(channel, strconv.Itoa(attempt)).Inc()
}
