package presence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AnnouncesIngestedTotal counts announces successfully persisted.
var AnnouncesIngestedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "meshpresence_announces_ingested_total",
		Help: "Total number of announces successfully persisted",
	},
)

// AnnouncesDroppedTotal counts announces dropped, by reason.
var AnnouncesDroppedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "meshpresence_announces_dropped_total",
		Help: "Total number of announces dropped",
	},
	[]string{"reason"},
)

// ReachabilityRecomputesTotal counts reachability recomputes, by outcome.
var ReachabilityRecomputesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "meshpresence_reachability_recomputes_total",
		Help: "Total number of reachability recompute attempts",
	},
	[]string{"outcome"},
)

// ReachablePeers reports the last published reachable-peer count.
var ReachablePeers = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "meshpresence_reachable_peers",
		Help: "Number of known peers currently reachable via the mesh",
	},
)

// MarkerPublishesTotal counts marker list publications.
var MarkerPublishesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "meshpresence_marker_publishes_total",
		Help: "Total number of contact marker list publications",
	},
)
