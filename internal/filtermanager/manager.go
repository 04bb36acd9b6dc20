package filtermanager

import (
	"fmt"

	"github.com/rpcore/rpcore/internal/buffer"
	"github.com/rpcore/rpcore/internal/header"
	"github.com/rpcore/rpcore/internal/rperrors"
	"github.com/rpcore/rpcore/internal/stream"
)

// FilterChainFactory builds the ordered filter lists for one stream. The
// connection manager supplies one of these per listener/route-table,
// mirroring spec.md §4.2.1's create_filter_chain.
type FilterChainFactory interface {
	CreateFilterChain() (decoders []DecoderFilter, encoders []EncoderFilter)
}

// decoderEntry/encoderEntry pair a filter with the iteration state spec.md
// §9 asks for per filter: whether it's the one that stopped the chain, and
// any data buffered while it was stopped.
type decoderEntry struct {
	filter  DecoderFilter
	stopped bool
	buf     *buffer.Buffer
}

type encoderEntry struct {
	filter  EncoderFilter
	stopped bool
	buf     *buffer.Buffer
}

// FilterManager drives one stream's decoder and encoder filter chains, per
// spec.md §4.2. It is created fresh per stream by the connection manager.
//
// Grounded on caddyhttp/httpserver/middleware.go's Handler chain-of-
// responsibility, generalized here into a resumable walk: middleware.go's
// chain runs start-to-finish in one call, but spec.md §4.2.2 requires a
// filter to suspend the walk (StopIteration) and later resume it from
// exactly where it left off, so the manager keeps a cursor plus per-filter
// buffered state instead of relying on the call stack.
type FilterManager struct {
	decoders []decoderEntry
	encoders []encoderEntry

	decodeIdx int
	encodeIdx int

	requestHeaders  *header.Map
	requestTrailers *header.Map
	responseHeaders *header.Map

	decodeEndStream  bool
	encodeEndStream  bool
	decodeComplete   bool
	encodeComplete   bool
	localReplySent   bool

	// decodeHeadersStopped/encodeHeadersStopped record that the current
	// stop on that side happened during the headers walk, so the matching
	// Continue* call resumes with headers; responseStatus is kept for that.
	decodeHeadersStopped bool
	encodeHeadersStopped bool
	responseStatus       int

	sink     ResponseSink
	upstream ManagerCallbacks

	streamInfo StreamInfoView
	stream     *stream.Stream

	encodeCallIdx int
	injected      bool

	maxBufferBytes int
}

// SetMaxBufferBytes configures the per-stream body-buffering cap spec.md
// §4.2.2 step 3 enforces: once a filter stopped on StopIterationAndBuffer
// has accumulated more than this many bytes, the manager gives up buffering
// and sends a 413 instead. Zero (the default) means unlimited, matching the
// pre-existing behavior for callers that never configure a limit.
func (fm *FilterManager) SetMaxBufferBytes(n int) { fm.maxBufferBytes = n }

// New builds a filter manager from a factory's chain, wired to sink (the
// codec's ResponseEncoder, for emitting local replies and the final
// response) and upstream (the connection manager, notified of terminal
// events). A fresh stream.Stream backs the manager's destroy lifecycle and
// filter-state bag (spec.md §3); its OnDestroy hook fans out to every
// registered filter's OnDestroy(), so a filter holding a resource (e.g.
// router.Filter's pool client) always gets a chance to release it, whether
// the stream finishes normally or is torn down early.
func New(factory FilterChainFactory, sink ResponseSink, upstream ManagerCallbacks) *FilterManager {
	decs, encs := factory.CreateFilterChain()
	fm := &FilterManager{sink: sink, upstream: upstream, stream: stream.New()}
	fm.stream.OnDestroy(fm.destroyFilters)
	for _, d := range decs {
		fm.decoders = append(fm.decoders, decoderEntry{filter: d})
		d.SetDecoderFilterCallbacks(fm)
	}
	// encoders are stored in reverse registration order, the order the
	// encode walks visit them in
	for i := len(encs) - 1; i >= 0; i-- {
		e := encs[i]
		fm.encoders = append(fm.encoders, encoderEntry{filter: e})
		e.SetEncoderFilterCallbacks(fm)
	}
	return fm
}

func (fm *FilterManager) destroyFilters() {
	for _, e := range fm.decoders {
		e.filter.OnDestroy()
	}
	for _, e := range fm.encoders {
		e.filter.OnDestroy()
	}
}

// FilterState implements DecoderFilterCallbacks, exposing the stream's
// typed keyed bag (spec.md §3) so a filter can stash data another filter
// further down the chain reads back — e.g. the router filter's dynamic
// forward proxy path writes dynamic_host/dynamic_port here.
func (fm *FilterManager) FilterState() *stream.FilterState { return fm.stream.FilterState }

// Destroy tears the stream down, idempotently, fanning OnDestroy out to
// every filter. The connection manager calls this on abnormal connection
// close so a filter still holding a resource releases it even though the
// stream never reached a normal finish (spec.md §3's "destroyed ... unless
// a reset short-circuits").
func (fm *FilterManager) Destroy() {
	fm.stream.IsInternallyDestroyed = true
	fm.stream.Destroy()
}

// ContinueDecoding implements DecoderFilterCallbacks, resuming the decode
// walk from the filter that last stopped it (spec.md §4.2.2).
func (fm *FilterManager) ContinueDecoding() {
	if fm.decodeIdx == 0 || fm.decodeIdx > len(fm.decoders) {
		return
	}
	start := fm.decodeIdx
	entry := &fm.decoders[start-1]
	entry.stopped = false
	var buffered []byte
	if entry.buf != nil {
		buffered = entry.buf.Bytes()
	}
	if fm.decodeHeadersStopped {
		fm.decodeHeadersStopped = false
		fm.walkDecodeHeaders(start, fm.requestHeaders, fm.decodeEndStream && len(buffered) == 0)
		if len(buffered) == 0 || fm.decodeHeadersStopped || fm.localReplySent {
			return
		}
	}
	fm.walkDecode(start, buffered, fm.decodeEndStream)
}

// ContinueEncoding is the encode-side mirror.
func (fm *FilterManager) ContinueEncoding() {
	if fm.encodeIdx == 0 || fm.encodeIdx > len(fm.encoders) {
		return
	}
	start := fm.encodeIdx
	entry := &fm.encoders[start-1]
	entry.stopped = false
	var buffered []byte
	if entry.buf != nil {
		buffered = entry.buf.Bytes()
	}
	if fm.encodeHeadersStopped {
		fm.encodeHeadersStopped = false
		fm.walkEncodeHeaders(start, fm.responseStatus, fm.responseHeaders, fm.encodeEndStream && len(buffered) == 0)
		if len(buffered) == 0 || fm.encodeHeadersStopped {
			return
		}
	}
	fm.walkEncode(start, buffered, fm.encodeEndStream)
}

// InjectEncodedData lets the filter currently executing EncodeData (called
// synchronously, from inside that call) substitute its own output for the
// bytes it was given — a transforming filter like compression calls this
// with its compressed chunk, then returns StopIterationNoBuffer so
// walkEncode knows not to also deliver or buffer its raw input.
func (fm *FilterManager) InjectEncodedData(data []byte, endStream bool) {
	fm.walkEncode(fm.encodeCallIdx+1, data, endStream)
	fm.injected = true
}

// StreamInfo implements both callback interfaces' read-only accessor.
func (fm *FilterManager) StreamInfo() *StreamInfoView { return &fm.streamInfo }

// DecodeHeaders starts (or resumes after a prior stop) the request-headers
// walk through the decoder chain (spec.md §4.2.2).
func (fm *FilterManager) DecodeHeaders(headers *header.Map, endStream bool) {
	fm.requestHeaders = headers
	fm.decodeEndStream = endStream
	fm.walkDecodeHeaders(0, headers, endStream)
}

func (fm *FilterManager) walkDecodeHeaders(start int, headers *header.Map, endStream bool) {
	for i := start; i < len(fm.decoders); i++ {
		status := fm.decoders[i].filter.DecodeHeaders(headers, endStream)
		if fm.localReplySent {
			return
		}
		if status != Continue {
			fm.stopDecodeAt(i, status, nil)
			fm.decodeHeadersStopped = true
			return
		}
	}
	fm.decodeIdx = len(fm.decoders)
	if endStream {
		fm.finishDecode()
	}
}

// DecodeData walks body bytes from the top of the decoder chain, handing the
// same bytes to each filter in turn until one returns something other than
// Continue (spec.md §4.2.2's data path). A filter stopped on headers is still
// offered the data, and gates it from the filters after it.
func (fm *FilterManager) DecodeData(data []byte, endStream bool) {
	fm.decodeEndStream = endStream
	fm.walkDecode(0, data, endStream)
}

func (fm *FilterManager) walkDecode(start int, data []byte, endStream bool) {
	for i := start; i < len(fm.decoders); i++ {
		status := fm.decoders[i].filter.DecodeData(data, endStream)
		if fm.localReplySent {
			return
		}
		if status != Continue {
			fm.stopDecodeAt(i, status, data)
			return
		}
	}
	fm.decodeIdx = len(fm.decoders)
	if endStream {
		fm.finishDecode()
	}
}

func (fm *FilterManager) stopDecodeAt(i int, status FilterStatus, data []byte) {
	fm.decodeIdx = i + 1
	entry := &fm.decoders[i]
	entry.stopped = true
	if status == StopIterationAndBuffer && len(data) > 0 {
		if entry.buf == nil {
			entry.buf = buffer.New()
		}
		entry.buf.Append(data)
		if fm.maxBufferBytes > 0 && entry.buf.Len() > fm.maxBufferBytes {
			fm.SendLocalReply(413, []byte("request body exceeds the buffer limit\n"), nil, "buffer_limit_exceeded")
			return
		}
	} else if status == StopIterationNoBuffer {
		entry.buf = nil
	}
}

// DecodeTrailers walks trailers through the remaining chain.
func (fm *FilterManager) DecodeTrailers(trailers *header.Map) {
	fm.requestTrailers = trailers
	for i := fm.decodeIdx; i < len(fm.decoders); i++ {
		if fm.decoders[i].filter.DecodeTrailers(trailers) != Continue {
			fm.decodeIdx = i + 1
			fm.decoders[i].stopped = true
			return
		}
	}
	fm.decodeIdx = len(fm.decoders)
	fm.finishDecode()
}

func (fm *FilterManager) finishDecode() {
	if fm.decodeComplete {
		return
	}
	fm.decodeComplete = true
	for _, e := range fm.decoders {
		e.filter.DecodeComplete()
	}
	if fm.stream.ReadyForDestruction(fm.decodeComplete) {
		fm.stream.Destroy()
	}
}

// EncodeHeaders starts the response walk through the encoder chain, run in
// reverse registration order per spec.md §4.2.3.
func (fm *FilterManager) EncodeHeaders(status int, headers *header.Map, endStream bool) {
	fm.responseHeaders = headers
	fm.responseStatus = status
	fm.encodeEndStream = endStream
	fm.walkEncodeHeaders(0, status, headers, endStream)
}

func (fm *FilterManager) walkEncodeHeaders(start int, status int, headers *header.Map, endStream bool) {
	for i := start; i < len(fm.encoders); i++ {
		fstatus := fm.encoders[i].filter.EncodeHeaders(status, headers, endStream)
		if fstatus != Continue {
			fm.stopEncodeAt(i, fstatus, nil)
			fm.encodeHeadersStopped = true
			return
		}
	}
	fm.encodeIdx = len(fm.encoders)
	fm.sink.EncodeHeaders(status, headers, endStream)
	if endStream {
		fm.finishEncode()
	}
}

func (fm *FilterManager) walkEncode(start int, data []byte, endStream bool) {
	for i := start; i < len(fm.encoders); i++ {
		fm.encodeCallIdx = i
		status := fm.encoders[i].filter.EncodeData(data, endStream)
		if fm.injected {
			// the filter replaced its output via InjectEncodedData, which
			// already walked the rest of the chain (and the sink) with its
			// own bytes; the status it returned governs nothing further.
			fm.injected = false
			return
		}
		if status != Continue {
			fm.stopEncodeAt(i, status, data)
			return
		}
	}
	fm.encodeIdx = len(fm.encoders)
	fm.sink.EncodeData(data, endStream)
	if endStream {
		fm.finishEncode()
	}
}

// EncodeData walks body bytes through the encoder chain, from its first
// filter.
func (fm *FilterManager) EncodeData(data []byte, endStream bool) {
	fm.encodeEndStream = endStream
	fm.walkEncode(0, data, endStream)
}

// EncodeTrailers walks trailers through the remaining encoder chain.
func (fm *FilterManager) EncodeTrailers(trailers *header.Map) {
	for i := fm.encodeIdx; i < len(fm.encoders); i++ {
		if fm.encoders[i].filter.EncodeTrailers(trailers) != Continue {
			fm.encodeIdx = i + 1
			fm.encoders[i].stopped = true
			return
		}
	}
	fm.encodeIdx = len(fm.encoders)
	fm.sink.EncodeTrailers(trailers)
	fm.finishEncode()
}

func (fm *FilterManager) stopEncodeAt(i int, status FilterStatus, data []byte) {
	fm.encodeIdx = i + 1
	entry := &fm.encoders[i]
	entry.stopped = true
	if status == StopIterationAndBuffer && len(data) > 0 {
		if entry.buf == nil {
			entry.buf = buffer.New()
		}
		entry.buf.Append(data)
	} else if status == StopIterationNoBuffer {
		entry.buf = nil
	}
}

func (fm *FilterManager) finishEncode() {
	if fm.encodeComplete {
		return
	}
	fm.encodeComplete = true
	for _, e := range fm.encoders {
		e.filter.EncodeComplete()
	}
	fm.upstream.EndStream()
	fm.stream.CodecSawLocalComplete = true
	if fm.stream.ReadyForDestruction(fm.decodeComplete) {
		fm.stream.Destroy()
	}
}

// SendProtocolError implements http1.RequestDecoder, the codec's hook for
// spec.md §4.1.7: a dispatch failure (malformed request line, a CONNECT
// carrying a body, a Transfer-Encoding/Content-Length conflict, ...) has no
// decoder chain to walk through yet, so this goes straight to SendLocalReply
// with no body-rewrite callback.
func (fm *FilterManager) SendProtocolError(code int, detail string) {
	fm.SendLocalReply(code, []byte(fmt.Sprintf("protocol error: %s\n", detail)), nil, detail)
}

// SendLocalReply implements spec.md §4.2.4: short-circuits the decode walk,
// gives every filter registered so far a chance to veto via OnLocalReply,
// then synthesizes and emits a response directly, bypassing the rest of the
// decoder chain and re-entering the encoder chain from the top.
func (fm *FilterManager) SendLocalReply(code int, body []byte, modifyHeaders func(*header.Map), details string) {
	if fm.localReplySent {
		return
	}
	fm.localReplySent = true

	resetInstead := false
	for _, e := range fm.decoders {
		if e.filter.OnLocalReply(code) == ContinueAndResetStream {
			resetInstead = true
		}
	}
	for _, e := range fm.encoders {
		if e.filter.OnLocalReply(code) == ContinueAndResetStream {
			resetInstead = true
		}
	}
	if resetInstead {
		fm.upstream.Reset(rperrors.LocalReset)
		return
	}

	h := header.New(4)
	if modifyHeaders != nil {
		modifyHeaders(h)
	}
	fm.encoderResetForLocalReply()
	fm.EncodeHeaders(code, h, len(body) == 0)
	if len(body) > 0 {
		fm.EncodeData(body, true)
	}
}

// encoderResetForLocalReply rewinds the encoder cursor so a local reply
// (which may be produced mid-decode, before any encoder filter has run)
// starts its walk from the top.
func (fm *FilterManager) encoderResetForLocalReply() {
	fm.encodeIdx = 0
	fm.encodeComplete = false
	fm.encodeHeadersStopped = false
	for i := range fm.encoders {
		fm.encoders[i].stopped = false
		fm.encoders[i].buf = nil
	}
}
