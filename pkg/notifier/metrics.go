// file: pkg/notifier/metrics.go

package notifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kube_notifier_notifications_total",
			Help: "Notifications that reached a terminal state, by outcome (delivered, dropped, abandoned).",
		},
		[]string{"outcome"},
	)
	deliveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kube_notifier_delivery_attempts_total",
			Help: "Webhook delivery attempts by result (success, transient, permanent).",
		},
		[]string{"result"},
	)
	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kube_notifier_delivery_duration_seconds",
			Help:    "Duration of a single webhook delivery attempt.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"result"},
	)
	pendingNotifications = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kube_notifier_pending_notifications",
		Help: "Notifications accepted by the dispatcher that have not reached a terminal state.",
	})
)
