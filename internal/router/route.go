// Package router implements spec.md §4.5's Router Filter and Upstream
// Request: route lookup, host selection via the chosen cluster's load
// balancer, a generic connection-pool-backed upstream request, and
// response bridging back through the filter manager's encoder chain.
//
// Grounded on caddyhttp/proxy/proxy.go's ServeHTTP and createUpstreamRequest,
// restructured into the decoder-filter shape spec.md §4.5 specifies. The
// filter acquires its pool client synchronously on the calling goroutine and
// never calls ContinueDecoding; the upstream response is written back through
// the encoder chain as it arrives. Each request gets a single upstream
// attempt (no retry or failover), and only hop-by-hop headers are rewritten:
// no X-Forwarded-* headers are added.
package router

import "strings"

// Route is one entry in a route table: a set of match predicates and the
// cluster name traffic matching them is sent to.
type Route struct {
	Name        string
	Methods     []string // empty: match any method
	HostExact   string   // empty: match any host
	PathPrefix  string   // empty: match any path
	ClusterName string
}

func (r *Route) matches(method, host, path string) bool {
	if len(r.Methods) > 0 {
		ok := false
		for _, m := range r.Methods {
			if strings.EqualFold(m, method) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if r.HostExact != "" && !strings.EqualFold(r.HostExact, host) {
		return false
	}
	if r.PathPrefix != "" && !strings.HasPrefix(path, r.PathPrefix) {
		return false
	}
	return true
}

// Table is an ordered list of routes, matched first-to-last (spec.md
// §4.5's "first matching route wins").
type Table struct {
	Name   string
	Routes []Route
}

// Match returns the first route whose predicates match, or false if none
// do (spec.md §7's NoRouteFound response flag traces back to this miss).
func (t *Table) Match(method, host, path string) (*Route, bool) {
	for i := range t.Routes {
		if t.Routes[i].matches(method, host, path) {
			return &t.Routes[i], true
		}
	}
	return nil, false
}
