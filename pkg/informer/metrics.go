// file: pkg/informer/metrics.go

package informer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	watchEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kube_notifier_watch_events_total",
		Help: "Total watch events received, by event type.",
	}, []string{"type"})

	watchReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kube_notifier_watch_reconnects_total",
		Help: "Total watch reconnect attempts after a connection failure.",
	})

	watchRolloversTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kube_notifier_watch_rollovers_total",
		Help: "Total watches closed by the server after delivering events, re-established without backoff.",
	})

	watchRelistsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kube_notifier_watch_relists_total",
		Help: "Total full relists, on start without a checkpoint or after the checkpoint expired.",
	})
)
