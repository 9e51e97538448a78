package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "syncdb"

var (
	Registry = prometheus.NewRegistry()

	RPCCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_calls_total",
		Help:      "RPC calls by method and result code.",
	}, []string{"method", "code"})

	RPCDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rpc_duration_seconds",
		Help:      "RPC handling time by method.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Open websocket connections.",
	})

	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Tenant sessions currently loaded.",
	})

	BroadcastDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_deliveries_total",
		Help:      "Broadcast deliveries to peer connections by result.",
	}, []string{"result"})

	Commits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commits_total",
		Help:      "Commit batches by result.",
	}, []string{"result"})

	WALBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "wal_bytes_written_total",
		Help:      "Bytes appended to write-ahead logs.",
	})

	Checkpoints = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkpoints_total",
		Help:      "Snapshot checkpoints by result.",
	}, []string{"result"})
)

func init() {
	Registry.MustRegister(
		RPCCalls,
		RPCDuration,
		ConnectionsActive,
		SessionsActive,
		BroadcastDeliveries,
		Commits,
		WALBytes,
		Checkpoints,
		collectors.NewGoCollector(),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
