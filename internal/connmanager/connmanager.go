// Package connmanager implements spec.md §4.7's HTTP Connection Manager: a
// per-downstream-connection network read filter that installs the HTTP/1
// codec, spins up a filter manager per request, and defends against the
// premature-reset pattern spec.md §4.7 names.
//
// Grounded on caddyhttp/httpserver/server.go and graceful.go: the
// accept-loop-per-listener plus goroutine-per-connection shape, and the
// signal-driven drain/shutdown channel pattern, adapted from an
// http.Server wrapper into a raw net.Listener driving internal/codec/http1
// directly (spec.md §1 excludes net/http's own server loop — the codec is
// the one being specified here).
package connmanager

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/rpcore/rpcore/internal/cluster"
	"github.com/rpcore/rpcore/internal/codec/http1"
	"github.com/rpcore/rpcore/internal/config"
	"github.com/rpcore/rpcore/internal/dfp"
	"github.com/rpcore/rpcore/internal/filtermanager"
	"github.com/rpcore/rpcore/internal/header"
	"github.com/rpcore/rpcore/internal/log"
	"github.com/rpcore/rpcore/internal/metrics"
	"github.com/rpcore/rpcore/internal/rperrors"
	"github.com/rpcore/rpcore/internal/router"
)

// EncoderFilterFactory builds a fresh set of per-stream encoder filters
// (e.g. compression, see internal/filters/encode), called once per
// request so stateful filters never leak state across streams.
type EncoderFilterFactory func() []filtermanager.EncoderFilter

// Manager owns one listener's accept loop and the per-connection state
// spec.md §4.7 describes: codec install, active-stream registry,
// drain/go-away, and premature-reset defense.
type Manager struct {
	log       *zap.Logger
	cfg       config.ConnectionManagerConfig
	table     *router.Table
	clusters  *cluster.Manager
	encoders  EncoderFilterFactory
	metrics   *metrics.Registry
	dfpStores map[string]*dfp.Store

	wg       sync.WaitGroup
	draining atomic.Bool
}

// New builds a connection manager serving table's routes against clusters,
// per the connection_manager config group (spec.md §6). reg may be nil, in
// which case metrics are skipped. dfpStores may be nil if no listener
// routes to a DYNAMIC_FORWARD_PROXY cluster.
func New(logger *zap.Logger, cfg config.ConnectionManagerConfig, table *router.Table, clusters *cluster.Manager, encoders EncoderFilterFactory, reg *metrics.Registry, dfpStores map[string]*dfp.Store) *Manager {
	if logger == nil {
		logger = log.Nop()
	}
	return &Manager{log: logger, cfg: cfg, table: table, clusters: clusters, encoders: encoders, metrics: reg, dfpStores: dfpStores}
}

// Serve accepts connections off ln until ctx is cancelled or Drain is
// called, handling each on its own goroutine (caddyhttp/httpserver/
// server.go's one-goroutine-per-connection model).
func (m *Manager) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				m.wg.Wait()
				return nil
			}
			return err
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleConnection(conn)
		}()
	}
}

// Drain marks the manager as draining. The per-connection loop does not
// consult the flag, so existing connections keep accepting new requests
// until they close; the caller stops the listener separately.
func (m *Manager) Drain() { m.draining.Store(true) }

// Wait blocks until every in-flight connection goroutine has returned.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) handleConnection(conn net.Conn) {
	defer conn.Close()

	pr := &prematureResetTracker{
		absoluteThreshold: m.cfg.PrematureResetAbsoluteThreshold,
		rateThreshold:     m.cfg.PrematureResetRateThreshold,
	}

	h := &connHandler{manager: m, conn: conn, prematureResets: pr}
	defer h.destroyActive()
	sc := http1.NewServerConnection(m.cfg.HTTP1, m.cfg.MaxRequestHeadersKB, m.cfg.MaxRequestHeadersCount, h, conn)
	h.sc = sc

	buf := make([]byte, 32*1024)
	requestsServed := 0
	for {
		if m.cfg.MaxRequestsPerConnection > 0 && requestsServed >= m.cfg.MaxRequestsPerConnection {
			return
		}
		n, err := conn.Read(buf)
		if n > 0 {
			status, dispatchErr := sc.Dispatch(buf[:n])
			if dispatchErr != nil || status != http1.DispatchOK {
				m.log.Debug("closing downstream connection after dispatch error", zap.Error(dispatchErr), zap.Int("status", int(status)))
				return
			}
			requestsServed = h.streamsCompleted
		}
		if err != nil {
			return
		}
		if pr.tripped() {
			m.log.Warn("closing downstream connection: premature-reset threshold exceeded")
			if m.metrics != nil {
				m.metrics.PrematureCloses.Inc()
			}
			return
		}
	}
}

// destroyActive tears down whichever stream was in flight when the
// connection goroutine returns, covering every abnormal-close path (read
// error, dispatch error, premature-reset trip) with a single deferred call
// rather than one at each return site.
func (h *connHandler) destroyActive() {
	if h.active != nil {
		h.active.Destroy()
	}
}

// connHandler implements http1.ServerConnectionCallbacks, building a fresh
// filter manager (router + any configured encoder filters) per request.
type connHandler struct {
	manager *Manager
	conn    net.Conn
	sc      *http1.ServerConnection

	prematureResets  *prematureResetTracker
	streamsCompleted int

	// active is the filter manager for whichever stream is currently
	// in-flight on this connection, if any. handleConnection calls its
	// Destroy on abnormal connection close so a filter still holding a
	// resource (e.g. the router's pool client) releases it even though the
	// stream never reached a normal finish.
	active *filtermanager.FilterManager
}

func (h *connHandler) NewStream(encoder http1.ResponseEncoder) http1.RequestDecoder {
	if h.manager.metrics != nil {
		h.manager.metrics.ActiveStreams.Inc()
	}
	cb := &streamCallbacks{handler: h}

	// router.Filter writes its upstream's response back through the encode
	// chain via a *filtermanager.FilterManager, but that manager doesn't
	// exist until filtermanager.New returns — and New calls
	// CreateFilterChain (which builds the router filter) before returning.
	// fmSink breaks the cycle: it's handed to the router now and filled in
	// with the real manager once it's built, before any request ever
	// reaches the router (construction is synchronous, dispatch is not).
	sink := &fmSink{}
	factory := chainFactory{
		router:        router.New(h.manager.table, h.manager.clusters, h.manager.cfg.HTTP1, sink, h.manager.metrics, h.manager.dfpStores),
		extraEncoders: h.manager.encoders,
	}
	fm := filtermanager.New(factory, encoder, cb)
	fm.SetMaxBufferBytes(h.manager.cfg.MaxBufferBytes)
	sink.fm = fm
	h.active = fm
	return fm
}

// fmSink adapts a *filtermanager.FilterManager to router.DownstreamResponseWriter.
type fmSink struct {
	fm *filtermanager.FilterManager
}

func (s *fmSink) EncodeHeaders(status int, headers *header.Map, endStream bool) {
	s.fm.EncodeHeaders(status, headers, endStream)
}

func (s *fmSink) EncodeData(data []byte, endStream bool) {
	s.fm.EncodeData(data, endStream)
}

func (s *fmSink) EncodeTrailers(trailers *header.Map) {
	s.fm.EncodeTrailers(trailers)
}

// chainFactory implements filtermanager.FilterChainFactory, putting the
// router filter terminal in the decoder chain and any configured encoder
// filters (e.g. compression) ahead of the codec in the encoder chain. An
// encoder filter that also implements DecoderFilter is registered ahead of
// the router in the decoder chain as well.
type chainFactory struct {
	router        filtermanager.DecoderFilter
	extraEncoders EncoderFilterFactory
}

func (f chainFactory) CreateFilterChain() ([]filtermanager.DecoderFilter, []filtermanager.EncoderFilter) {
	var encoders []filtermanager.EncoderFilter
	if f.extraEncoders != nil {
		encoders = f.extraEncoders()
	}
	var decoders []filtermanager.DecoderFilter
	for _, e := range encoders {
		if d, ok := e.(filtermanager.DecoderFilter); ok {
			decoders = append(decoders, d)
		}
	}
	return append(decoders, f.router), encoders
}

// streamCallbacks implements filtermanager.ManagerCallbacks, the terminal
// sink a FilterManager reports stream-lifecycle events to.
type streamCallbacks struct {
	handler *connHandler
}

func (s *streamCallbacks) EndStream() {
	s.handler.streamsCompleted++
	s.handler.prematureResets.recordStream()
	if m := s.handler.manager.metrics; m != nil {
		m.ActiveStreams.Dec()
	}
}

func (s *streamCallbacks) Reset(reason rperrors.StreamResetReason) {
	s.handler.streamsCompleted++
	s.handler.prematureResets.recordStream()
	s.handler.prematureResets.recordReset()
	if m := s.handler.manager.metrics; m != nil {
		m.ActiveStreams.Dec()
	}
}
