// Package filtermanager implements spec.md §4.2: the ordered bidirectional
// chain of decoder/encoder filters every stream flows through, with
// iteration control, per-filter body buffering, and local-reply synthesis.
//
// Grounded on caddyhttp/httpserver/middleware.go's Handler-chain-of-
// responsibility model, generalized from a single-pass chain into the
// resumable one spec.md §4.2 requires (arena+index state per spec.md §9,
// here simply a slice index plus saved buffers rather than raw pointers).
package filtermanager

import (
	"github.com/rpcore/rpcore/internal/header"
	"github.com/rpcore/rpcore/internal/rperrors"
	"github.com/rpcore/rpcore/internal/stream"
)

// FilterStatus controls chain iteration, per spec.md §4.2.
type FilterStatus int

const (
	Continue FilterStatus = iota
	StopIteration
	StopIterationAndBuffer
	StopIterationNoBuffer
)

// LocalReplyStatus is returned from OnLocalReply (spec.md §4.2.4).
type LocalReplyStatus int

const (
	ContinueLocalReply LocalReplyStatus = iota
	ContinueAndResetStream
)

// DecoderFilterCallbacks is handed to a decoder filter so it can resume
// iteration, send a local reply, or read/write filter state.
type DecoderFilterCallbacks interface {
	ContinueDecoding()
	SendLocalReply(code int, body []byte, modifyHeaders func(*header.Map), details string)
	StreamInfo() *StreamInfoView
	FilterState() *stream.FilterState
}

// EncoderFilterCallbacks is the encoding-side mirror. InjectEncodedData
// lets a filter that transforms the body (e.g. compression) hand its own
// output to the rest of the chain instead of the bytes it was given —
// the transforming filter returns StopIterationNoBuffer from EncodeData
// after calling this, so the manager neither re-delivers its raw input nor
// buffers it.
type EncoderFilterCallbacks interface {
	ContinueEncoding()
	InjectEncodedData(data []byte, endStream bool)
	StreamInfo() *StreamInfoView
}

// StreamInfoView exposes the subset of stream bookkeeping filters are
// allowed to read; kept minimal deliberately (spec.md §9: "do not expose
// raw pointers").
type StreamInfoView struct {
	SelectedRoute   string
	SelectedCluster string
}

// DecoderFilter is spec.md §4.2's decoder-side filter interface. Embed
// NoOpDecoderFilter to get pass-through defaults for methods a concrete
// filter doesn't care about.
type DecoderFilter interface {
	DecodeHeaders(headers *header.Map, endStream bool) FilterStatus
	DecodeData(data []byte, endStream bool) FilterStatus
	DecodeTrailers(trailers *header.Map) FilterStatus
	DecodeComplete()
	OnDestroy()
	OnLocalReply(code int) LocalReplyStatus
	SetDecoderFilterCallbacks(cb DecoderFilterCallbacks)
}

// EncoderFilter is spec.md §4.2's encoder-side filter interface.
type EncoderFilter interface {
	EncodeHeaders(status int, headers *header.Map, endStream bool) FilterStatus
	EncodeData(data []byte, endStream bool) FilterStatus
	EncodeTrailers(trailers *header.Map) FilterStatus
	EncodeComplete()
	OnDestroy()
	OnLocalReply(code int) LocalReplyStatus
	SetEncoderFilterCallbacks(cb EncoderFilterCallbacks)
}

// NoOpDecoderFilter gives every method a pass-through default; filters that
// only care about one callback embed this and override just that method,
// matching spec.md §9's "default implementations equivalent to pass-through".
type NoOpDecoderFilter struct{}

func (NoOpDecoderFilter) DecodeHeaders(*header.Map, bool) FilterStatus { return Continue }
func (NoOpDecoderFilter) DecodeData([]byte, bool) FilterStatus        { return Continue }
func (NoOpDecoderFilter) DecodeTrailers(*header.Map) FilterStatus     { return Continue }
func (NoOpDecoderFilter) DecodeComplete()                             {}
func (NoOpDecoderFilter) OnDestroy()                                  {}
func (NoOpDecoderFilter) OnLocalReply(int) LocalReplyStatus           { return ContinueLocalReply }
func (NoOpDecoderFilter) SetDecoderFilterCallbacks(DecoderFilterCallbacks) {}

// NoOpEncoderFilter is the encoder-side equivalent.
type NoOpEncoderFilter struct{}

func (NoOpEncoderFilter) EncodeHeaders(int, *header.Map, bool) FilterStatus { return Continue }
func (NoOpEncoderFilter) EncodeData([]byte, bool) FilterStatus             { return Continue }
func (NoOpEncoderFilter) EncodeTrailers(*header.Map) FilterStatus          { return Continue }
func (NoOpEncoderFilter) EncodeComplete()                                  {}
func (NoOpEncoderFilter) OnDestroy()                                       {}
func (NoOpEncoderFilter) OnLocalReply(int) LocalReplyStatus                { return ContinueLocalReply }
func (NoOpEncoderFilter) SetEncoderFilterCallbacks(EncoderFilterCallbacks) {}

// ResponseSink is how the filter manager emits a finished response: the
// connection manager/codec's ResponseEncoder, or a test double.
type ResponseSink interface {
	EncodeHeaders(status int, headers *header.Map, endStream bool) error
	EncodeData(data []byte, endStream bool) error
	EncodeTrailers(trailers *header.Map) error
}

// ManagerCallbacks is the sink the filter manager reports terminal events
// to: end-of-stream and reset, per spec.md §4.2.5.
type ManagerCallbacks interface {
	EndStream()
	Reset(reason rperrors.StreamResetReason)
}
