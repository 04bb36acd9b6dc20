// Package stream implements the Stream Callback Helper and Stream identity
// of spec.md §2.C / §3: reusable reset/watermark callback registration plus
// the per-request-cycle state every higher layer (filter manager, router,
// connection manager) shares a reference to.
//
// Grounded on the per-request Context struct pattern in
// caddyhttp/httpserver/context.go and the request-id generation in
// modules/caddyhttp/errors.go, with the id generator swapped to
// github.com/google/uuid.
package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rpcore/rpcore/internal/header"
	"github.com/rpcore/rpcore/internal/rperrors"
)

// ResetCallback is invoked when a stream is reset, carrying the reason.
type ResetCallback func(reason rperrors.StreamResetReason)

// WatermarkCallback signals backpressure transitions.
type WatermarkCallback func()

// Callbacks is the Stream Callback Helper: reusable registration/firing
// machinery for reset and watermark notifications (spec.md §2.C). Any
// component that owns a Stream composes one of these rather than
// reimplementing listener bookkeeping.
type Callbacks struct {
	mu               sync.Mutex
	resetListeners   []ResetCallback
	highWatermarkers []WatermarkCallback
	lowWatermarkers  []WatermarkCallback
}

// AddResetListener registers fn to run on every reset.
func (c *Callbacks) AddResetListener(fn ResetCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetListeners = append(c.resetListeners, fn)
}

// AddWatermarkListeners registers a high/low watermark pair.
func (c *Callbacks) AddWatermarkListeners(high, low WatermarkCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.highWatermarkers = append(c.highWatermarkers, high)
	c.lowWatermarkers = append(c.lowWatermarkers, low)
}

// FireReset invokes every registered reset listener, in registration order.
func (c *Callbacks) FireReset(reason rperrors.StreamResetReason) {
	c.mu.Lock()
	listeners := append([]ResetCallback(nil), c.resetListeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(reason)
	}
}

// FireAboveHighWatermark notifies every registered high-watermark listener.
func (c *Callbacks) FireAboveHighWatermark() {
	c.mu.Lock()
	listeners := append([]WatermarkCallback(nil), c.highWatermarkers...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// FireBelowLowWatermark notifies every registered low-watermark listener.
func (c *Callbacks) FireBelowLowWatermark() {
	c.mu.Lock()
	listeners := append([]WatermarkCallback(nil), c.lowWatermarkers...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// Info carries the per-stream facts other components (router, connection
// manager, access logging if ever wired) read, mirroring spec.md §3's
// "stream info (protocol, timings, response code, filter state, selected
// route, selected cluster)".
type Info struct {
	Protocol       string // "HTTP/1.1" or "HTTP/1.0"
	StartTime      time.Time
	ResponseCode   int
	ResponseFlags  []rperrors.ResponseFlag
	SelectedRoute  string
	SelectedClusterName string
}

// AddResponseFlag appends a flag if not already present.
func (i *Info) AddResponseFlag(f rperrors.ResponseFlag) {
	for _, existing := range i.ResponseFlags {
		if existing == f {
			return
		}
	}
	i.ResponseFlags = append(i.ResponseFlags, f)
}

// Stream is the identity of one request/response cycle (spec.md §3). It is
// created when the codec signals a new stream (server) or when the router
// acquires an upstream (client), and destroyed after both encode-complete
// and the last downstream byte are acknowledged — unless a reset
// short-circuits that.
type Stream struct {
	ID uuid.UUID

	RequestHeaders   *header.Map
	RequestTrailers  *header.Map
	ResponseHeaders  *header.Map
	ResponseTrailers *header.Map

	Info        Info
	FilterState *FilterState

	Callbacks Callbacks

	// CodecSawLocalComplete and IsInternallyDestroyed are spec.md §3's pair
	// of state flags guarding the double-destroy path (spec.md §9 Open
	// Questions).
	CodecSawLocalComplete bool
	IsInternallyDestroyed bool

	destroyOnce sync.Once
	onDestroy   func()
}

// New creates a Stream with a fresh id and empty header maps.
func New() *Stream {
	return &Stream{
		ID:              uuid.New(),
		RequestHeaders:  header.New(0),
		ResponseHeaders: header.New(0),
		FilterState:     NewFilterState(),
		Info:            Info{StartTime: time.Now()},
	}
}

// OnDestroy registers the function to run exactly once when Destroy is
// called, regardless of how many times Destroy itself is invoked or from
// which of the two paths (encode-complete vs internal reset) it is reached.
func (s *Stream) OnDestroy(fn func()) {
	s.onDestroy = fn
}

// Destroy releases the stream's per-request filter state and runs the
// registered destroy hook exactly once, satisfying spec.md §8's "streams'
// destruction occurs strictly after both codec_encode_complete and
// downstream_end_stream are observed, unless a reset short-circuits" by
// construction: every call path funnels through this sync.Once.
func (s *Stream) Destroy() {
	s.destroyOnce.Do(func() {
		s.FilterState.ClearRequest()
		if s.onDestroy != nil {
			s.onDestroy()
		}
	})
}

// ReadyForDestruction reports whether both halves of the stream's lifecycle
// have completed, per spec.md §3's destruction precondition.
func (s *Stream) ReadyForDestruction(downstreamEndStreamObserved bool) bool {
	return s.IsInternallyDestroyed || (s.CodecSawLocalComplete && downstreamEndStreamObserved)
}
