package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "snapgw_sessions_active",
		Help: "Current number of open device WebSocket sessions",
	})

	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapgw_sessions_total",
		Help: "Total sessions by terminal outcome",
	}, []string{"outcome"})

	Leader = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "snapgw_leader",
		Help: "1 while this replica holds the leader lock",
	})

	CapturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapgw_captures_total",
		Help: "Snapshot capture attempts by result",
	}, []string{"result"})

	CaptureDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "snapgw_capture_duration_seconds",
		Help:    "Wall time of the ffmpeg snapshot run",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
	})

	StoreQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "snapgw_store_queue_depth",
		Help: "Captured events waiting for the storage worker",
	})

	SnapshotsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapgw_snapshots_stored_total",
		Help: "Snapshots handed to a storage adapter, by result",
	}, []string{"storage", "result"})

	TunnelBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapgw_tunnel_bytes_total",
		Help: "RTSP bytes relayed through the tunnel by direction",
	}, []string{"direction"})
)
