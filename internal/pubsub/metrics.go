package pubsub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statusmon_pubsub_deliveries_total",
		Help: "Deliveries to subscribers by result (ok, error, queue_full)",
	}, []string{"result"})

	droppedSubscribersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statusmon_pubsub_dropped_subscribers_total",
		Help: "Subscribers removed after failing past the failure limit",
	})
)
