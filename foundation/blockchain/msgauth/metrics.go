package msgauth

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// authorized counts envelopes that passed every check.
	authorized prometheus.Counter

	// rejections counts failed envelopes by the check that stopped them.
	rejections *prometheus.CounterVec

	// trimRecoveries counts raw messages that only decoded after the
	// trailing bytes were dropped.
	trimRecoveries prometheus.Counter
)

// prometheusInitOnce guards registration. Registering the same metric
// twice panics, and tests construct more than one Authorizer.
var prometheusInitOnce sync.Once

func initPrometheusMetrics() {
	prometheusInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	authorized = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "msgauth",
			Name:      "envelopes_authorized_total",
			Help:      "Number of peer envelopes that passed every check",
		},
	)

	rejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "msgauth",
			Name:      "envelopes_rejected_total",
			Help:      "Number of peer envelopes rejected, by failing check",
		},
		[]string{"check"},
	)

	trimRecoveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "msgauth",
			Name:      "trim_recoveries_total",
			Help:      "Number of raw messages recovered by dropping trailing bytes",
		},
	)
}
