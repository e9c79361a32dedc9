package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "editor",
	Name:      "connections",
	Help:      "Open websocket connections.",
})

var openDocsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "editor",
	Name:      "open_documents",
	Help:      "Documents with a live room.",
})

var operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "editor",
	Name:      "operations_total",
	Help:      "CRDT operations applied by rooms.",
}, []string{"type"})

var framesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "editor",
	Name:      "frames_dropped_total",
	Help:      "Frames dropped on full client buffers.",
})

var savesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "editor",
	Name:      "saves_total",
	Help:      "Document checkpoints written.",
})

var saveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "editor",
	Name:      "save_duration_seconds",
	Help:      "Checkpoint write latency.",
	Buckets:   prometheus.DefBuckets,
})
