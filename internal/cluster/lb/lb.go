// Package lb implements spec.md §4.4's load-balancer policy family: round
// robin, weighted round robin, random, and least-request host selection
// over a cluster's current host set.
//
// Grounded on modules/caddyhttp/reverseproxy/selectionpolicies_test.go's
// RoundRobinSelection/WeightedRoundRobinSelection/UpstreamPool shape (the
// v2 source itself is absent from the retrieval pack; reconstructed here
// from the test-observed Select(pool, ctx) behavior), merged with the v1
// caddyhttp/proxy/policy.go policy-registry pattern for RANDOM and
// LEAST_REQUEST.
package lb

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/rpcore/rpcore/internal/config"
)

// Host is one upstream endpoint a load balancer chooses among. ActiveRequests
// is maintained by the caller (the router, via OnRequestStart/OnRequestDone)
// so LEAST_REQUEST has fresh data without the load balancer itself tracking
// request lifecycle.
type Host struct {
	Address string
	Port    int
	Weight  int // 0 treated as 1 for WEIGHTED_ROUND_ROBIN

	activeRequests int64
	healthy        int32 // atomic bool, default healthy (0 == healthy)
}

func (h *Host) OnRequestStart() { atomic.AddInt64(&h.activeRequests, 1) }
func (h *Host) OnRequestDone()  { atomic.AddInt64(&h.activeRequests, -1) }
func (h *Host) ActiveRequests() int64 { return atomic.LoadInt64(&h.activeRequests) }

func (h *Host) SetHealthy(ok bool) {
	if ok {
		atomic.StoreInt32(&h.healthy, 0)
	} else {
		atomic.StoreInt32(&h.healthy, 1)
	}
}
func (h *Host) Healthy() bool { return atomic.LoadInt32(&h.healthy) == 0 }

// Policy chooses a host from a pool. Implementations must be safe for
// concurrent use by multiple worker threads (spec.md §4.4: "thread-local
// cluster, shared policy state").
type Policy interface {
	Select(hosts []*Host) *Host
}

// New builds the Policy spec.md §4.4/§6 names for a cluster's configured
// lb_policy.
func New(p config.LBPolicy) Policy {
	switch p {
	case config.LBWeightedRoundRobin:
		return &weightedRoundRobin{}
	case config.LBRandom:
		return randomPolicy{}
	case config.LBLeastRequest:
		return leastRequest{}
	default:
		return &roundRobin{}
	}
}

func healthyHosts(hosts []*Host) []*Host {
	out := make([]*Host, 0, len(hosts))
	for _, h := range hosts {
		if h.Healthy() {
			out = append(out, h)
		}
	}
	return out
}

// roundRobin cycles through hosts in order, skipping unhealthy ones.
type roundRobin struct {
	mu   sync.Mutex
	next int
}

func (r *roundRobin) Select(hosts []*Host) *Host {
	healthy := healthyHosts(hosts)
	if len(healthy) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h := healthy[r.next%len(healthy)]
	r.next++
	return h
}

// weightedRoundRobin implements smooth weighted round robin (the same
// algorithm caddy's WeightedRoundRobinSelection test observes: each pick
// adds weight to a running total, picks the max, then subtracts the sum of
// weights from the winner).
type weightedRoundRobin struct {
	mu      sync.Mutex
	current map[*Host]int
}

func (w *weightedRoundRobin) Select(hosts []*Host) *Host {
	healthy := healthyHosts(hosts)
	if len(healthy) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		w.current = make(map[*Host]int, len(healthy))
	}

	total := 0
	var best *Host
	bestScore := -1
	for _, h := range healthy {
		weight := h.Weight
		if weight <= 0 {
			weight = 1
		}
		total += weight
		w.current[h] += weight
		if w.current[h] > bestScore {
			bestScore = w.current[h]
			best = h
		}
	}
	w.current[best] -= total
	return best
}

type randomPolicy struct{}

func (randomPolicy) Select(hosts []*Host) *Host {
	healthy := healthyHosts(hosts)
	if len(healthy) == 0 {
		return nil
	}
	//nolint:gosec
	return healthy[rand.Intn(len(healthy))]
}

type leastRequest struct{}

func (leastRequest) Select(hosts []*Host) *Host {
	healthy := healthyHosts(hosts)
	if len(healthy) == 0 {
		return nil
	}
	best := healthy[0]
	for _, h := range healthy[1:] {
		if h.ActiveRequests() < best.ActiveRequests() {
			best = h
		}
	}
	return best
}
