// Package http1 implements spec.md §4.1's HTTP/1 Codec: a server connection
// (decodes requests, encodes responses) and a client connection (encodes
// requests, decodes responses), both built on internal/parser and sharing
// the dispatch/header-accumulation/body-framing logic spec.md §4.1.1-§4.1.2
// specify once for both directions.
//
// Grounded directly on spec.md §4.1, cross-checked against
// original_source/src/http1/rp-http1-{server,client}-connection-impl.c for
// the dispatch loop shape and rp-response-encoder-impl.c for chunk framing.
// The header map type (internal/header) follows net/http.Header's spirit
// reshaped into an ordered multimap, matching the teacher's comfort
// rewriting stdlib-adjacent types by hand (caddyhttp/httpserver/replacer.go).
package http1

import (
	"github.com/rpcore/rpcore/internal/header"
	"github.com/rpcore/rpcore/internal/rperrors"
)

// DispatchStatus is the result of feeding bytes to a codec, per spec.md
// §4.1.1.
type DispatchStatus int

const (
	DispatchOK DispatchStatus = iota
	DispatchCodecProtocolError
	DispatchCodecClientError
	DispatchPrematureResponseError
)

// RequestDecoder receives decoded request events on the server side. The
// filter manager implements this.
type RequestDecoder interface {
	DecodeHeaders(headers *header.Map, endStream bool)
	DecodeData(data []byte, endStream bool)
	DecodeTrailers(trailers *header.Map)

	// SendProtocolError asks the decoder to synthesize a local reply
	// carrying code/detail, per spec.md §4.1.7's send_protocol_error: the
	// codec's role ends at classifying the failure, the decoder (filter
	// manager) owns actually producing the response.
	SendProtocolError(code int, detail string)
}

// ResponseEncoder is handed to server-side callers (the filter manager, via
// the connection manager) to emit a response for one stream.
type ResponseEncoder interface {
	EncodeHeaders(status int, headers *header.Map, endStream bool) error
	EncodeData(data []byte, endStream bool) error
	EncodeTrailers(trailers *header.Map) error
}

// ServerConnectionCallbacks is asked to produce a RequestDecoder whenever
// the codec observes a new request (spec.md §4.1.3's
// `ServerConnectionCallbacks.new_stream`).
type ServerConnectionCallbacks interface {
	NewStream(encoder ResponseEncoder) RequestDecoder
}

// ResponseDecoder receives decoded response events on the client side. The
// upstream request (internal/router) implements this.
type ResponseDecoder interface {
	Decode1xxHeaders(headers *header.Map)
	DecodeHeaders(headers *header.Map, endStream bool)
	DecodeData(data []byte, endStream bool)
	DecodeTrailers(trailers *header.Map)
	DecodeReset(reason rperrors.StreamResetReason)
}

// RequestEncoder is returned by a client connection's NewStream, used by
// the upstream request to send the request.
type RequestEncoder interface {
	EncodeHeaders(method, target string, headers *header.Map, endStream bool) error
	EncodeData(data []byte, endStream bool) error
	EncodeTrailers(trailers *header.Map) error
}

// Writer is the sink a codec writes wire bytes to — satisfied by a
// net.Conn, or by a bytes.Buffer in tests.
type Writer interface {
	Write(p []byte) (int, error)
}
