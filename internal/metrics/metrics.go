package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pnode_monitor_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// WebSocket metrics
	WebSocketConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pnode_monitor_websocket_connections_active",
			Help: "Number of active WebSocket clients",
		},
	)

	// Refresh cycle metrics
	RefreshCycleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pnode_monitor_refresh_cycles_total",
			Help: "Total number of refresh cycles",
		},
		[]string{"source", "status"},
	)

	PNodesTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pnode_monitor_pnodes_tracked",
			Help: "Number of pNodes in the current dataset",
		},
	)

	// Decoder metrics
	DecodeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pnode_monitor_decode_total",
			Help: "Total number of account decode attempts",
		},
		[]string{"status"},
	)

	// pRPC upstream client metrics
	UpstreamCommandTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pnode_monitor_upstream_command_total",
			Help: "Total number of pRPC commands",
		},
		[]string{"method", "status"},
	)

	// Geolocation metrics
	GeolocationEnrichTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pnode_monitor_geolocation_enrich_total",
			Help: "Total number of geolocation enrichments",
		},
		[]string{"status"},
	)
)
