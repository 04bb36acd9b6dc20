// Registry wires the core's runtime counters/gauges into a
// prometheus.Registry, grounded on the registration pattern of caddy's
// metrics.go (one Registry, typed constructor helpers per subsystem) and
// wired into the SPEC_FULL.md domain-stack components: pool client states,
// pending-stream depth, active streams, DFP sub-cluster count, and
// premature-reset closes (spec.md §4.7).
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "rpcore"

// Registry holds every metric the core's components populate. cmd/rpcore
// builds a single Registry for the whole process and passes it to every
// component.
type Registry struct {
	Reg *prometheus.Registry

	ActiveStreams      prometheus.Gauge
	PoolReadyClients   *prometheus.GaugeVec
	PoolBusyClients    *prometheus.GaugeVec
	PoolConnecting     *prometheus.GaugeVec
	PoolPendingStreams *prometheus.GaugeVec
	PoolOverflows      *prometheus.CounterVec
	DFPSubClusters     prometheus.Gauge
	DFPCacheHits       prometheus.Counter
	DFPCacheMisses     prometheus.Counter
	PrematureCloses    prometheus.Counter
	UpstreamResets     *prometheus.CounterVec
}

// NewRegistry constructs and registers every metric against a fresh
// registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		Reg: reg,
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "connmanager", Name: "active_streams",
			Help: "Number of streams currently open on the connection manager.",
		}),
		PoolReadyClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "ready_clients",
			Help: "Active clients currently idle and ready to accept a stream.",
		}, []string{"cluster"}),
		PoolBusyClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "busy_clients",
			Help: "Active clients currently serving a stream.",
		}, []string{"cluster"}),
		PoolConnecting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "connecting_clients",
			Help: "Active clients currently establishing their connection.",
		}, []string{"cluster"}),
		PoolPendingStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "pending_streams",
			Help: "Streams queued waiting for a ready client.",
		}, []string{"cluster"}),
		PoolOverflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "overflow_total",
			Help: "Requests rejected because the pool's resource budget was exhausted.",
		}, []string{"cluster"}),
		DFPSubClusters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "dfp", Name: "sub_clusters",
			Help: "Sub-clusters currently cached by the dynamic forward proxy.",
		}),
		DFPCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dfp", Name: "cache_hits_total",
			Help: "Dynamic forward proxy lookups resolved from the thread-local cache.",
		}),
		DFPCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dfp", Name: "cache_misses_total",
			Help: "Dynamic forward proxy lookups that required on-demand cluster creation.",
		}),
		PrematureCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connmanager", Name: "premature_reset_closes_total",
			Help: "Connections closed for exceeding the premature-reset-abuse threshold.",
		}),
		UpstreamResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "upstream_resets_total",
			Help: "Upstream request resets observed by the router, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		r.ActiveStreams,
		r.PoolReadyClients, r.PoolBusyClients, r.PoolConnecting, r.PoolPendingStreams, r.PoolOverflows,
		r.DFPSubClusters, r.DFPCacheHits, r.DFPCacheMisses,
		r.PrematureCloses,
		r.UpstreamResets,
	)
	return r
}
