package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/rpcore/rpcore/internal/cluster"
	"github.com/rpcore/rpcore/internal/cluster/lb"
	"github.com/rpcore/rpcore/internal/codec/http1"
	"github.com/rpcore/rpcore/internal/config"
	"github.com/rpcore/rpcore/internal/dfp"
	"github.com/rpcore/rpcore/internal/filtermanager"
	"github.com/rpcore/rpcore/internal/header"
	"github.com/rpcore/rpcore/internal/metrics"
	"github.com/rpcore/rpcore/internal/pool"
	"github.com/rpcore/rpcore/internal/rperrors"
	"github.com/rpcore/rpcore/internal/stream"
)

// DownstreamResponseWriter is the subset of FilterManager the router calls
// to emit the upstream's response back through the encoder chain. A
// *filtermanager.FilterManager satisfies this directly.
type DownstreamResponseWriter interface {
	EncodeHeaders(status int, headers *header.Map, endStream bool)
	EncodeData(data []byte, endStream bool)
	EncodeTrailers(trailers *header.Map)
}

// hopByHopHeaders are stripped before forwarding a request upstream or a
// response downstream, per spec.md §4.5's header-mutation rules (the same
// set caddyhttp/proxy/proxy.go's hopHeaders strips).
var hopByHopHeaders = []string{
	header.Connection, header.KeepAlive, header.ProxyConnection,
	header.TE, header.Upgrade, "trailer", "proxy-authenticate", "proxy-authorization",
}

func stripHopByHop(h *header.Map) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// Filter is spec.md §4.5's Router Filter: the terminal decoder filter that
// selects a route and cluster, chooses a host, and drives an upstream
// request over that host's connection pool.
//
// Grounded on caddyhttp/proxy/proxy.go's ServeHTTP: route match ->
// upstream selection -> createUpstreamRequest -> response copy-back,
// reshaped into filter-chain callbacks instead of a single blocking
// http.Handler call. NewStream is dialed synchronously against the pool
// (spec.md §9: the core assumes a single-threaded-per-worker dispatcher,
// so a pool hit either returns immediately or blocks this worker's
// goroutine until a connection frees up or a new one completes — there is
// no separate async completion callback modeled here).
type Filter struct {
	filtermanager.NoOpDecoderFilter

	table     *Table
	clusters  *cluster.Manager
	settings  config.HTTP1Settings
	metrics   *metrics.Registry
	dfpStores map[string]*dfp.Store

	cb       filtermanager.DecoderFilterCallbacks
	sink     DownstreamResponseWriter

	reqHeaders *header.Map
	client     *pool.Client
	clientPool *pool.Pool
	host       *lb.Host
	encoder    http1.RequestEncoder
	method     string
}

// New builds a router filter bound to a route table, cluster manager, and
// the downstream sink its responses are written to. reg may be nil, in
// which case upstream resets are not reported. dfpStores may be nil (or
// missing the entry for a given cluster name); it maps a
// DYNAMIC_FORWARD_PROXY cluster's configured name to the store that
// resolves its on-demand sub-clusters (spec.md §4.6).
func New(table *Table, clusters *cluster.Manager, settings config.HTTP1Settings, sink DownstreamResponseWriter, reg *metrics.Registry, dfpStores map[string]*dfp.Store) *Filter {
	return &Filter{table: table, clusters: clusters, settings: settings, sink: sink, metrics: reg, dfpStores: dfpStores}
}

func (f *Filter) SetDecoderFilterCallbacks(cb filtermanager.DecoderFilterCallbacks) { f.cb = cb }

// DecodeHeaders implements spec.md §4.5: match a route, resolve its
// cluster, choose a host, and forward the request headers upstream.
func (f *Filter) DecodeHeaders(headers *header.Map, endStream bool) filtermanager.FilterStatus {
	f.reqHeaders = headers
	f.method = headers.Get(header.PseudoMethod)
	host := headers.Get(header.Host)
	path := headers.Get(header.PseudoPath)

	route, ok := f.table.Match(f.method, host, path)
	if !ok {
		f.cb.SendLocalReply(404, []byte("no matching route\n"), nil, "route_not_found")
		return filtermanager.StopIteration
	}

	cl, ok := f.clusters.Get(route.ClusterName)
	if !ok {
		f.cb.SendLocalReply(503, []byte("cluster not found\n"), nil, "cluster_not_found")
		return filtermanager.StopIteration
	}

	if cl.Type() == config.DiscoveryDynamicForwardProxy {
		resolved, status := f.resolveDynamicCluster(cl, host)
		if status != filtermanager.Continue {
			return status
		}
		cl = resolved
	}

	if info := f.cb.StreamInfo(); info != nil {
		info.SelectedRoute = route.Name
		info.SelectedCluster = cl.Name()
	}

	h := cl.ChooseHost()
	if h == nil {
		f.cb.SendLocalReply(503, []byte("no healthy upstream hosts\n"), nil, "no_healthy_host")
		return filtermanager.StopIteration
	}
	f.host = h
	f.clientPool = cl.PoolFor(h, f.settings)

	c, err := f.clientPool.NewStream(context.Background())
	if err != nil {
		if errors.Is(err, pool.ErrOverflow) {
			if f.metrics != nil {
				f.metrics.UpstreamResets.WithLabelValues(rperrors.Overflow.String()).Inc()
			}
			f.cb.SendLocalReply(503, []byte("upstream connection pool overflow\n"), nil, "overflow")
			return filtermanager.StopIteration
		}
		f.cb.SendLocalReply(503, []byte("upstream connection failed\n"), nil, "connect_failure")
		return filtermanager.StopIteration
	}
	f.client = c
	h.OnRequestStart()

	enc, err := c.Conn().NewStream(&upstreamResponseBridge{router: f}, f.method)
	if err != nil {
		f.releaseHost()
		f.clientPool.Fail(c)
		f.cb.SendLocalReply(503, []byte("upstream busy\n"), nil, "upstream_busy")
		return filtermanager.StopIteration
	}
	f.encoder = enc

	outHeaders := headers.Clone()
	stripHopByHop(outHeaders)

	target := buildTarget(path)
	if err := f.encoder.EncodeHeaders(f.method, target, outHeaders, endStream); err != nil {
		f.failUpstream(rperrors.LocalConnectionFailure)
		return filtermanager.StopIteration
	}
	return filtermanager.StopIteration // downstream body arrives via DecodeData, not by Continue-ing into a non-existent next filter
}

// resolveDynamicCluster implements spec.md §4.6's on-demand path: parse the
// request's authority into host/port, stash them in the stream's filter
// state under the canonical dynamic_host/dynamic_port keys, and ask the
// cluster's DFP store for (creating if needed) the single-host sub-cluster
// that actually serves it. Folded into the router filter rather than a
// separate decoder filter ahead of it: the router already does the one
// route/cluster match this needs, and a second filter would just redo it
// to learn the same cluster is DFP-typed.
func (f *Filter) resolveDynamicCluster(cl *cluster.Cluster, authority string) (*cluster.Cluster, filtermanager.FilterStatus) {
	store := f.dfpStores[cl.Name()]
	if store == nil {
		f.cb.SendLocalReply(503, []byte("dynamic forward proxy not configured\n"), nil, "dfp_unconfigured")
		return nil, filtermanager.StopIteration
	}

	dhost, dport, err := dfp.ParseHostPort(authority)
	if err != nil {
		f.cb.SendLocalReply(400, []byte("invalid authority\n"), nil, "dfp_invalid_authority")
		return nil, filtermanager.StopIteration
	}
	if fs := f.cb.FilterState(); fs != nil {
		fs.Set(stream.LifespanRequest, stream.KeyDynamicHost, dhost)
		fs.Set(stream.LifespanRequest, stream.KeyDynamicPort, dport)
	}

	sub, err := store.GetOrCreateCluster(context.Background(), dhost, dport)
	if err != nil {
		f.cb.SendLocalReply(503, []byte("dynamic forward proxy resolution failed\n"), nil, "dfp_resolution_failed")
		return nil, filtermanager.StopIteration
	}
	return sub, filtermanager.Continue
}

func buildTarget(path string) string {
	if path == "" {
		return "/"
	}
	return path
}

// DecodeData forwards request body bytes to the upstream request.
func (f *Filter) DecodeData(data []byte, endStream bool) filtermanager.FilterStatus {
	if f.encoder == nil {
		return filtermanager.StopIteration
	}
	if err := f.encoder.EncodeData(data, endStream); err != nil {
		f.failUpstream(rperrors.LocalConnectionFailure)
	}
	return filtermanager.StopIteration
}

// DecodeTrailers forwards request trailers upstream.
func (f *Filter) DecodeTrailers(trailers *header.Map) filtermanager.FilterStatus {
	if f.encoder == nil {
		return filtermanager.StopIteration
	}
	if err := f.encoder.EncodeTrailers(trailers); err != nil {
		f.failUpstream(rperrors.LocalConnectionFailure)
	}
	return filtermanager.StopIteration
}

func (f *Filter) releaseHost() {
	if f.host != nil {
		f.host.OnRequestDone()
	}
}

func (f *Filter) failUpstream(reason rperrors.StreamResetReason) {
	f.releaseHost()
	if f.client != nil && f.clientPool != nil {
		f.clientPool.Fail(f.client)
		f.client = nil
	}
	if f.metrics != nil {
		f.metrics.UpstreamResets.WithLabelValues(reason.String()).Inc()
	}
	f.cb.SendLocalReply(reason.ResponseStatus(), []byte(fmt.Sprintf("upstream error: %s\n", reason)), nil, "upstream_reset")
}

// upstreamResponseBridge implements http1.ResponseDecoder, translating
// upstream response events back into the downstream encoder chain (spec.md
// §4.5's response copy-back).
type upstreamResponseBridge struct {
	router *Filter
}

func (b *upstreamResponseBridge) Decode1xxHeaders(headers *header.Map) {
	status := statusFromPseudo(headers)
	b.router.sink.EncodeHeaders(status, headers, false)
}

func (b *upstreamResponseBridge) DecodeHeaders(headers *header.Map, endStream bool) {
	status := statusFromPseudo(headers)
	outHeaders := headers.Clone()
	outHeaders.Del(header.PseudoStatus)
	stripHopByHop(outHeaders)
	b.router.sink.EncodeHeaders(status, outHeaders, endStream)
	if endStream {
		b.router.finishSuccessfully()
	}
}

func (b *upstreamResponseBridge) DecodeData(data []byte, endStream bool) {
	b.router.sink.EncodeData(data, endStream)
	if endStream {
		b.router.finishSuccessfully()
	}
}

func (b *upstreamResponseBridge) DecodeTrailers(trailers *header.Map) {
	b.router.sink.EncodeTrailers(trailers)
	b.router.finishSuccessfully()
}

func (b *upstreamResponseBridge) DecodeReset(reason rperrors.StreamResetReason) {
	b.router.failUpstream(reason)
}

func (f *Filter) finishSuccessfully() {
	f.releaseHost()
	if f.client != nil && f.clientPool != nil {
		f.clientPool.Release(f.client)
		f.client = nil
	}
}

func statusFromPseudo(h *header.Map) int {
	s := h.Get(header.PseudoStatus)
	var code int
	fmt.Sscanf(s, "%d", &code)
	if code == 0 {
		code = 502
	}
	return code
}

// OnDestroy releases any still-held pool client if the stream tears down
// before the upstream response completed (spec.md §4.7's premature-close
// cleanup).
func (f *Filter) OnDestroy() {
	if f.client != nil && f.clientPool != nil {
		f.releaseHost()
		f.clientPool.Fail(f.client)
		f.client = nil
	}
}
