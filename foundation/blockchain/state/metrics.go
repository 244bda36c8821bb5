package state

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// blocksConnected counts blocks that extended the active chain.
	blocksConnected prometheus.Counter

	// blocksSidelined counts blocks stored on a side branch.
	blocksSidelined prometheus.Counter

	// blocksParked counts blocks parked while waiting for their parent.
	blocksParked prometheus.Counter

	// reorganizations counts switches to a heavier branch.
	reorganizations prometheus.Counter

	// deepReorgRejections counts branches refused because adopting them
	// would rewrite finalized blocks.
	deepReorgRejections prometheus.Counter
)

// prometheusInitOnce guards registration. Registering the same metric
// twice panics, and tests construct more than one State.
var prometheusInitOnce sync.Once

func initPrometheusMetrics() {
	prometheusInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	blocksConnected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "state",
			Name:      "blocks_connected_total",
			Help:      "Number of blocks that extended the active chain",
		},
	)

	blocksSidelined = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "state",
			Name:      "blocks_sidelined_total",
			Help:      "Number of blocks stored on a side branch",
		},
	)

	blocksParked = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "state",
			Name:      "blocks_parked_total",
			Help:      "Number of blocks parked while waiting for their parent",
		},
	)

	reorganizations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "state",
			Name:      "reorganizations_total",
			Help:      "Number of switches to a heavier branch",
		},
	)

	deepReorgRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "state",
			Name:      "deep_reorg_rejections_total",
			Help:      "Number of branches refused for crossing the finality window",
		},
	)
}
