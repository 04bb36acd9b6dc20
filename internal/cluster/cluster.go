// Package cluster implements spec.md §4.4's Cluster Manager and
// ThreadLocalCluster: a named set of upstream hosts, the load-balancer
// policy chosen for them, and a per-host connection-pool map.
//
// Grounded on modules/caddyhttp/reverseproxy/selectionpolicies_test.go's
// UpstreamPool shape for host bookkeeping, merged with the v1
// caddyhttp/proxy/policy.go registry pattern for resolving a config-named
// policy to an implementation (internal/cluster/lb.New).
package cluster

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rpcore/rpcore/internal/cluster/lb"
	"github.com/rpcore/rpcore/internal/config"
	"github.com/rpcore/rpcore/internal/metrics"
	"github.com/rpcore/rpcore/internal/pool"
)

// Cluster is one named upstream cluster: its host set, selection policy,
// and the per-host connection pools reachable from it. Mirrors spec.md
// §4.4's "Cluster: hosts, load balancer, PriorityConnPoolMap" shape; the
// priority dimension itself (spec.md's priority levels 0/1) collapses here
// to a single level since SPEC_FULL.md's config surface only models one.
type Cluster struct {
	name   string
	config config.ClusterConfig

	mu    sync.RWMutex
	hosts []*lb.Host

	policy lb.Policy

	poolsMu sync.Mutex
	pools   map[*lb.Host]*pool.Pool

	metrics *metrics.Registry
}

func newCluster(cfg config.ClusterConfig) *Cluster {
	hosts := make([]*lb.Host, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		hosts = append(hosts, &lb.Host{Address: ep.Address, Port: ep.Port, Weight: 1})
	}
	return &Cluster{
		name:   cfg.Name,
		config: cfg,
		hosts:  hosts,
		policy: lb.New(cfg.LBPolicy),
		pools:  make(map[*lb.Host]*pool.Pool),
	}
}

// Name returns the cluster's configured name.
func (c *Cluster) Name() string { return c.name }

// Type returns the cluster's configured discovery type, letting callers
// (e.g. the router) recognize a DYNAMIC_FORWARD_PROXY cluster that needs
// on-demand sub-cluster resolution rather than a direct host choice.
func (c *Cluster) Type() config.DiscoveryType { return c.config.Type }

// Hosts returns a snapshot of the current host set.
func (c *Cluster) Hosts() []*lb.Host {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*lb.Host, len(c.hosts))
	copy(out, c.hosts)
	return out
}

// SetHosts replaces the host set, for discovery-driven clusters (spec.md
// §4.4's STRICT_DNS/LOGICAL_DNS refresh, or §4.6's DFP on-demand cluster
// appending one host at a time).
func (c *Cluster) SetHosts(hosts []*lb.Host) {
	c.mu.Lock()
	c.hosts = hosts
	c.mu.Unlock()
}

// AddHost appends a single host if not already present, by address:port.
// Used by internal/dfp when it resolves a new origin on demand.
func (c *Cluster) AddHost(h *lb.Host) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.hosts {
		if existing.Address == h.Address && existing.Port == h.Port {
			return
		}
	}
	c.hosts = append(c.hosts, h)
}

// ChooseHost implements spec.md §4.4's choose_host: ask the cluster's
// policy to pick among its current healthy hosts.
func (c *Cluster) ChooseHost() *lb.Host {
	return c.policy.Select(c.Hosts())
}

// PoolFor returns (creating if necessary) the connection pool for host h,
// spec.md §4.4's PriorityConnPoolMap lookup collapsed to the single
// priority level this config models.
func (c *Cluster) PoolFor(h *lb.Host, settings config.HTTP1Settings) *pool.Pool {
	c.poolsMu.Lock()
	defer c.poolsMu.Unlock()
	if p, ok := c.pools[h]; ok {
		return p
	}
	dialer := &tcpDialer{address: fmt.Sprintf("%s:%d", h.Address, h.Port), timeout: c.config.ConnectTimeout}
	p := pool.New(dialer, settings, c.config.MaxConnections, c.config.MaxConnectingCap, c.config.MaxPendingRequests, c.metrics, c.name)
	c.pools[h] = p
	return p
}

// DrainAllPools implements the draining half of spec.md §4.3.3 at the
// cluster level: called when a host is removed from discovery, or the
// whole cluster is torn down.
func (c *Cluster) DrainAllPools() {
	c.poolsMu.Lock()
	defer c.poolsMu.Unlock()
	for _, p := range c.pools {
		p.DrainConnections()
	}
}

// tcpDialer implements pool.Dialer over a plain TCP connection, the
// TransportSocket stand-in spec.md §1/§6 treats as an external collaborator
// (no TLS termination lives here).
type tcpDialer struct {
	address string
	timeout time.Duration
}

func (d *tcpDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	dialer := net.Dialer{Timeout: d.timeout}
	return dialer.DialContext(ctx, "tcp", d.address)
}

// Manager owns every configured cluster, looked up by name by the router
// (spec.md §4.5's route->cluster_name resolution).
type Manager struct {
	mu       sync.RWMutex
	clusters map[string]*Cluster
	metrics  *metrics.Registry
}

// NewManager builds a Manager from the cluster list decoded out of
// internal/config. reg may be nil, in which case no cluster reports pool
// metrics.
func NewManager(cfgs []config.ClusterConfig, reg *metrics.Registry) *Manager {
	m := &Manager{clusters: make(map[string]*Cluster, len(cfgs)), metrics: reg}
	for _, cfg := range cfgs {
		c := newCluster(cfg)
		c.metrics = reg
		m.clusters[cfg.Name] = c
	}
	return m
}

// Get returns the named cluster, or false if no such cluster is configured
// (spec.md §7's NoClusterFound response flag traces back to this miss).
func (m *Manager) Get(name string) (*Cluster, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clusters[name]
	return c, ok
}

// AddDynamic registers a cluster created on demand (spec.md §4.6's dynamic
// forward proxy sub-cluster creation).
func (m *Manager) AddDynamic(c *Cluster) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.metrics = m.metrics
	m.clusters[c.name] = c
}

// Remove drains and drops a cluster, e.g. a DFP sub-cluster reaped for
// inactivity (spec.md §4.6's touch/reap).
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	c, ok := m.clusters[name]
	delete(m.clusters, name)
	m.mu.Unlock()
	if ok {
		c.DrainAllPools()
	}
}

// NewDynamicCluster is the constructor internal/dfp uses to synthesize a
// single-host cluster for an on-demand origin.
func NewDynamicCluster(name, address string, port int, lbPolicy config.LBPolicy) *Cluster {
	return newCluster(config.ClusterConfig{
		Name:     name,
		LBPolicy: lbPolicy,
		Endpoints: []config.Endpoint{
			{Address: address, Port: port},
		},
		MaxConnections:     64,
		MaxConnectingCap:   64,
		MaxPendingRequests: 64,
	})
}
