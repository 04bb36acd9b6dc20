// Package pool implements spec.md §4.3's HTTP/1 connection pool: a set of
// physical connections to one upstream host, tracked across four lists
// (connecting, ready, busy, draining) with a pending-stream FIFO for
// requests that arrive when no client is free.
//
// Grounded on caddyhttp/proxy/upstream.go's UpstreamHost.Conns counter
// (Full()/Available()), generalized from a single atomic int into the
// four-list state machine spec.md §4.3 requires, with the pending-stream
// queue drawn from proxy/proxy.go's retry/requiresBuffering story.
package pool

import (
	"container/list"
	"context"
	"io"
	"sync"

	"github.com/rpcore/rpcore/internal/codec/http1"
	"github.com/rpcore/rpcore/internal/config"
	"github.com/rpcore/rpcore/internal/metrics"
)

// ClientState is a physical connection's place in the pool's state machine
// (spec.md §4.3.2).
type ClientState int

const (
	StateConnecting ClientState = iota
	StateReady
	StateBusy
	StateDraining
)

// Dialer creates the physical upstream connection a Client wraps. Supplied
// by the cluster manager per spec.md §4.4 (one Dialer per host).
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

// Client is one physical connection plus its codec and pool bookkeeping.
type Client struct {
	conn  io.ReadWriteCloser
	codec *http1.ClientConnection

	state   ClientState
	elem    *list.Element
	streams int // outstanding streams on this connection (spec.md §4.3: HTTP/1 allows at most 1)
}

// Conn exposes the wrapped codec so a caller (the router's upstream
// request) can start a stream on it.
func (c *Client) Conn() *http1.ClientConnection { return c.codec }

// pendingResult is what a pending waiter is handed: either a client, once
// one frees up, or an error (pool closed, or drained out from under it).
type pendingResult struct {
	client *Client
	err    error
}

// pendingRequest is one stream waiting for a free client (spec.md §4.3.1's
// "queue the stream" branch).
type pendingRequest struct {
	ctx    context.Context
	notify chan pendingResult
}

// Pool is the per-host connection pool (spec.md §4.3).
type Pool struct {
	mu sync.Mutex

	dialer        Dialer
	settings      config.HTTP1Settings
	maxConns      int
	maxConnecting int
	maxPending    int

	connecting *list.List // of *Client
	ready      *list.List
	busy       *list.List
	draining   *list.List

	pending *list.List // of *pendingRequest

	closed bool

	metrics      *metrics.Registry
	clusterLabel string
}

// New builds a pool for one host. maxConns bounds connecting+ready+busy
// together (spec.md §4.3.1's "at capacity" check); maxConnecting bounds how
// many dials may be in flight at once; maxPending bounds the pending-stream
// FIFO (spec.md §4.3.1 step 2/3) — unlike maxConns/maxConnecting, a
// maxPending of 0 is taken literally (no pending capacity at all) rather
// than defaulted, since spec.md's Testable-Properties scenario 5 requires
// `max_pending_requests = 0` to reject synchronously; config.Provision
// supplies the positive default for the common unset case. reg may be nil,
// in which case pool state is never reported; clusterLabel tags this pool's
// gauges/counters when it is not.
func New(dialer Dialer, settings config.HTTP1Settings, maxConns, maxConnecting, maxPending int, reg *metrics.Registry, clusterLabel string) *Pool {
	if maxConns <= 0 {
		maxConns = 1024
	}
	if maxConnecting <= 0 {
		maxConnecting = maxConns
	}
	return &Pool{
		dialer:        dialer,
		settings:      settings,
		maxConns:      maxConns,
		maxConnecting: maxConnecting,
		maxPending:    maxPending,
		connecting:    list.New(),
		ready:         list.New(),
		busy:          list.New(),
		draining:      list.New(),
		pending:       list.New(),
		metrics:       reg,
		clusterLabel:  clusterLabel,
	}
}

// reportMetrics snapshots the pool's list sizes into this pool's gauges.
// Point-in-time sync rather than per-transition inc/dec bookkeeping: every
// state-mutating method defers a call to this instead of updating a gauge
// at each individual list move, so a missed transition can never leave a
// counter permanently out of sync with reality.
func (p *Pool) reportMetrics() {
	if p.metrics == nil {
		return
	}
	s := p.Stats()
	p.metrics.PoolConnecting.WithLabelValues(p.clusterLabel).Set(float64(s.Connecting))
	p.metrics.PoolReadyClients.WithLabelValues(p.clusterLabel).Set(float64(s.Ready))
	p.metrics.PoolBusyClients.WithLabelValues(p.clusterLabel).Set(float64(s.Busy))
	p.metrics.PoolPendingStreams.WithLabelValues(p.clusterLabel).Set(float64(s.Pending))
}

func (p *Pool) recordOverflow() {
	if p.metrics != nil {
		p.metrics.PoolOverflows.WithLabelValues(p.clusterLabel).Inc()
	}
}

// totalConns is the count the spec's capacity check compares against
// max_connections: every client not yet fully drained/closed.
func (p *Pool) totalConns() int {
	return p.connecting.Len() + p.ready.Len() + p.busy.Len()
}

// NewStream implements spec.md §4.3.1: hand back a ready client immediately,
// start a new connection if capacity allows, or queue the request.
//
// On success the returned Client is moved to Busy; the caller must call
// Release (on stream completion) to return it to Ready, or Fail to dispose
// of a client whose connection died mid-use.
func (p *Pool) NewStream(ctx context.Context) (*Client, error) {
	defer p.reportMetrics()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if e := p.ready.Front(); e != nil {
		c := e.Value.(*Client)
		p.ready.Remove(e)
		c.state = StateBusy
		c.elem = p.busy.PushBack(c)
		p.mu.Unlock()
		return c, nil
	}

	if p.totalConns() >= p.maxConns || p.connecting.Len() >= p.maxConnecting {
		if p.pending.Len() >= p.maxPending {
			p.mu.Unlock()
			p.recordOverflow()
			return nil, ErrOverflow
		}
		ch := make(chan pendingResult, 1)
		req := &pendingRequest{ctx: ctx, notify: ch}
		elem := p.pending.PushBack(req)
		p.mu.Unlock()
		return p.awaitPending(ctx, elem, req)
	}

	c := &Client{state: StateConnecting}
	c.elem = p.connecting.PushBack(c)
	p.mu.Unlock()

	conn, err := p.dialer.Dial(ctx)
	if err != nil {
		p.mu.Lock()
		p.connecting.Remove(c.elem)
		p.mu.Unlock()
		return nil, err
	}
	c.conn = conn
	c.codec = http1.NewClientConnection(p.settings, 60, 100, conn)
	go p.pumpReads(c)

	p.mu.Lock()
	p.connecting.Remove(c.elem)
	c.state = StateBusy
	c.elem = p.busy.PushBack(c)
	p.mu.Unlock()
	return c, nil
}

// pumpReads is the read half of the connection: feeds bytes read off the
// wire to the client codec's Dispatch, which invokes the upstream response
// decoder registered by whichever stream is currently using this client.
// Spec.md §1 treats the transport (how bytes actually arrive) as an
// external collaborator; this is the minimal reference loop that drives it
// for the plain-TCP dialer internal/cluster supplies.
func (p *Pool) pumpReads(c *Client) {
	buf := make([]byte, 32*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			if status, dispatchErr := c.codec.Dispatch(buf[:n]); dispatchErr != nil || status != http1.DispatchOK {
				p.Fail(c)
				return
			}
		}
		if err != nil {
			_ = c.codec.Finish()
			p.Fail(c)
			return
		}
	}
}

func (p *Pool) awaitPending(ctx context.Context, elem *list.Element, req *pendingRequest) (*Client, error) {
	select {
	case res := <-req.notify:
		return res.client, res.err
	case <-ctx.Done():
		p.mu.Lock()
		p.pending.Remove(elem)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Release returns a client to Ready once its stream completes (spec.md
// §4.3.2's busy->ready transition), handing it directly to the oldest
// pending waiter if one exists.
func (p *Pool) Release(c *Client) {
	defer p.reportMetrics()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busy.Remove(c.elem)

	if c.state == StateDraining {
		p.closeClient(c)
		return
	}

	if e := p.pending.Front(); e != nil {
		req := e.Value.(*pendingRequest)
		p.pending.Remove(e)
		c.state = StateBusy
		c.elem = p.busy.PushBack(c)
		req.notify <- pendingResult{client: c}
		return
	}

	c.state = StateReady
	c.elem = p.ready.PushBack(c)
}

// Fail removes a client from the pool entirely after a connection error,
// per spec.md §4.3.2 ("a connection error on a ready or busy client always
// destroys it rather than recycling it").
func (p *Pool) Fail(c *Client) {
	defer p.reportMetrics()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeFromCurrentList(c)
	p.closeClient(c)
}

func (p *Pool) removeFromCurrentList(c *Client) {
	switch c.state {
	case StateConnecting:
		p.connecting.Remove(c.elem)
	case StateReady:
		p.ready.Remove(c.elem)
	case StateBusy:
		p.busy.Remove(c.elem)
	case StateDraining:
		p.draining.Remove(c.elem)
	}
}

func (p *Pool) closeClient(c *Client) {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// DrainConnections implements spec.md §4.3.3: close every idle (Ready)
// client at once, mark every Busy client so
// it drains once its current stream finishes instead of returning to
// Ready, and fail every queued pending stream with Overflow.
func (p *Pool) DrainConnections() {
	defer p.reportMetrics()
	p.mu.Lock()
	defer p.mu.Unlock()
	for e := p.ready.Front(); e != nil; {
		next := e.Next()
		c := e.Value.(*Client)
		p.ready.Remove(e)
		p.closeClient(c)
		e = next
	}
	for e := p.busy.Front(); e != nil; e = e.Next() {
		e.Value.(*Client).state = StateDraining
	}
	for e := p.pending.Front(); e != nil; {
		next := e.Next()
		req := e.Value.(*pendingRequest)
		p.pending.Remove(e)
		req.notify <- pendingResult{err: ErrOverflow}
		e = next
	}
}

// Close tears down the pool, failing every pending waiter.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for e := p.pending.Front(); e != nil; e = e.Next() {
		e.Value.(*pendingRequest).notify <- pendingResult{err: ErrPoolClosed}
	}
	for _, l := range []*list.List{p.connecting, p.ready, p.busy, p.draining} {
		for e := l.Front(); e != nil; e = e.Next() {
			p.closeClient(e.Value.(*Client))
		}
	}
}

// Stats reports current list sizes, for metrics/tests.
type Stats struct {
	Connecting, Ready, Busy, Draining, Pending int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Connecting: p.connecting.Len(),
		Ready:      p.ready.Len(),
		Busy:       p.busy.Len(),
		Draining:   p.draining.Len(),
		Pending:    p.pending.Len(),
	}
}
