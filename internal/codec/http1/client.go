package http1

import (
	"fmt"
	"strings"

	"github.com/rpcore/rpcore/internal/config"
	"github.com/rpcore/rpcore/internal/header"
	"github.com/rpcore/rpcore/internal/parser"
	"github.com/rpcore/rpcore/internal/rperrors"
)

// pendingResponse mirrors spec.md §4.1.4's PendingResponse { request_encoder,
// response_decoder }.
type pendingResponse struct {
	decoder ResponseDecoder
	method  string // request method, needed to apply HEAD's bodiless-response rule
}

// ClientConnection is the client-side half of the codec: encodes requests,
// decodes responses (spec.md §4.1.4).
type ClientConnection struct {
	base

	writer  Writer
	pending *pendingResponse

	ignoreMessageCompleteFor1xx bool
	lastStatus                  int
	currentChunkEncoding         bool
	encodeComplete               bool
}

// NewClientConnection constructs a client connection. cfg.ForceResetOnPrematureUpstreamHalfClose
// governs spec.md §4.1.4's on_message_complete_base reset rule.
func NewClientConnection(cfg config.HTTP1Settings, maxHeadersKB, maxHeadersCount int, w Writer) *ClientConnection {
	cc := &ClientConnection{base: newBase(cfg, maxHeadersKB, maxHeadersCount), writer: w}
	cc.p = parser.New(parser.Response, parser.Callbacks{
		OnMessageBegin:    cc.onMessageBegin,
		OnHeaderField:     cc.onHeaderField,
		OnHeaderValue:     cc.onHeaderValue,
		OnHeadersComplete: cc.onHeadersComplete,
		OnBody:            cc.onBody,
		OnMessageComplete: cc.onMessageComplete,
	})
	cc.p.EnableTrailers(cfg.EnableTrailers)
	return cc
}

// NewStream implements spec.md §4.1.4's `new_stream(response_decoder) →
// request_encoder`: requires no outstanding pending response.
func (cc *ClientConnection) NewStream(decoder ResponseDecoder, method string) (RequestEncoder, error) {
	if cc.pending != nil {
		return nil, rperrors.NewCodecError(rperrors.CodecClientError, "new-stream-while-pending-response", 0)
	}
	cc.pending = &pendingResponse{decoder: decoder, method: method}
	cc.encodeComplete = false
	return cc, nil
}

// Dispatch feeds bytes read from the upstream connection to the codec.
func (cc *ClientConnection) Dispatch(data []byte) (DispatchStatus, error) {
	return cc.dispatch(data)
}

func (cc *ClientConnection) onMessageBegin() error {
	cc.resetMessageState()
	cc.protocolMajor, cc.protocolMinor = 1, 1
	cc.ignoreMessageCompleteFor1xx = false
	return nil
}

// onHeadersComplete implements spec.md §4.1.4's response-headers handling.
func (cc *ClientConnection) onHeadersComplete(info parser.HeadersCompleteInfo) error {
	if cc.pending == nil {
		return rperrors.NewCodecError(rperrors.PrematureResponseError, "unexpected-response", 0)
	}
	cc.protocolMajor, cc.protocolMinor = info.MajorVersion, info.MinorVersion
	cc.lastStatus = info.StatusCode
	cc.currentHeaders.Set(header.PseudoStatus, fmt.Sprintf("%d", info.StatusCode))

	isConnect := strings.EqualFold(cc.pending.method, "CONNECT")
	if isConnect && info.StatusCode >= 200 && info.StatusCode < 300 {
		cc.handlingUpgrade = true
	}

	is1xx := info.StatusCode >= 100 && info.StatusCode < 200
	is204 := info.StatusCode == 204

	contentLength, haveCL, chunked, err := cc.classifyBodyFraming(false)
	if err != nil {
		return err
	}

	if is1xx || is204 {
		if chunked {
			return rperrors.NewCodecError(rperrors.CodecProtocolError, "invalid-transfer-encoding-for-status", 502)
		}
		if haveCL && contentLength != 0 {
			return rperrors.NewCodecError(rperrors.CodecProtocolError, "body-disallowed-for-status", 502)
		}
		haveCL, chunked = false, false
	}

	if is1xx {
		cc.ignoreMessageCompleteFor1xx = true
		cc.pending.decoder.Decode1xxHeaders(cc.currentHeaders)
		cc.headersCompleted = false // 1xx does not end header parsing for the real response
		cc.p.SetBodyFraming(0, false, false, false)
		return nil
	}

	bodiless := strings.EqualFold(cc.pending.method, "HEAD") || is204 || info.StatusCode == 304 ||
		(!chunked && contentLength == 0)
	if bodiless {
		cc.deferredEndStreamHeaders = true
	} else {
		cc.pending.decoder.DecodeHeaders(cc.currentHeaders, false)
	}
	cc.headersCompleted = true

	allowEOF := cc.protocolMajor == 1 && cc.protocolMinor == 0 && !haveCL && !chunked
	cc.p.SetBodyFraming(contentLength, haveCL, chunked, allowEOF)
	return nil
}

func (cc *ClientConnection) onMessageComplete() error {
	if cc.ignoreMessageCompleteFor1xx {
		cc.ignoreMessageCompleteFor1xx = false
		return nil
	}

	body := cc.flushBufferedBody()
	if len(body) > 0 {
		cc.pending.decoder.DecodeData(body, false)
	}

	if cc.processingTrailers {
		cc.pending.decoder.DecodeTrailers(cc.currentTrailers)
	} else if cc.deferredEndStreamHeaders {
		cc.pending.decoder.DecodeHeaders(cc.currentHeaders, true)
	} else {
		cc.pending.decoder.DecodeData(nil, true)
	}

	if cc.settings.ForceResetOnPrematureUpstreamHalfClose && !cc.encodeComplete {
		cc.pending.decoder.DecodeReset(rperrors.Http1PrematureUpstreamHalfClose)
	}
	cc.pending = nil
	return nil
}

// Finish signals the upstream connection closed; if a response is mid-body
// and framed by connection close, deliver end-of-stream (spec.md §8's
// "body framed by connection close" boundary behavior applied symmetrically
// to the client side).
func (cc *ClientConnection) Finish() error {
	if cc.pending == nil {
		return nil
	}
	return cc.p.Finish()
}

// EncodeHeaders implements the request-line + header emission half of
// spec.md §4.1's client side (the mirror of EncodeHeaders on the server,
// using a request line instead of a status line).
func (cc *ClientConnection) EncodeHeaders(method, target string, headers *header.Map, endStream bool) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", strings.ToUpper(method), target)

	headers.Range(func(name, value string) bool {
		if header.IsPseudo(name) {
			return true
		}
		fmt.Fprintf(&b, "%s: %s\r\n", name, value)
		return true
	})

	cc.currentChunkEncoding = !headers.Has(header.ContentLength) && !endStream
	if cc.currentChunkEncoding {
		b.WriteString("Transfer-Encoding: chunked\r\n")
	} else if !headers.Has(header.ContentLength) && endStream {
		b.WriteString("Content-Length: 0\r\n")
	}
	b.WriteString("\r\n")

	if _, err := cc.writer.Write([]byte(b.String())); err != nil {
		return err
	}
	if endStream {
		cc.encodeComplete = true
	}
	return nil
}

// EncodeData implements spec.md §4.1.6 for the request direction.
func (cc *ClientConnection) EncodeData(data []byte, endStream bool) error {
	if cc.currentChunkEncoding {
		if len(data) > 0 {
			if _, err := fmt.Fprintf(cc.writer, "%x\r\n", len(data)); err != nil {
				return err
			}
			if _, err := cc.writer.Write(data); err != nil {
				return err
			}
			if _, err := cc.writer.Write([]byte("\r\n")); err != nil {
				return err
			}
		}
	} else if len(data) > 0 {
		if _, err := cc.writer.Write(data); err != nil {
			return err
		}
	}
	if endStream {
		if cc.currentChunkEncoding {
			if _, err := cc.writer.Write([]byte("0\r\n\r\n")); err != nil {
				return err
			}
		}
		cc.encodeComplete = true
	}
	return nil
}

// EncodeTrailers implements the request-trailer half; only meaningful when
// chunk-encoding the request body.
func (cc *ClientConnection) EncodeTrailers(trailers *header.Map) error {
	if !cc.currentChunkEncoding {
		cc.encodeComplete = true
		return nil
	}
	if _, err := cc.writer.Write([]byte("0\r\n")); err != nil {
		return err
	}
	trailers.Range(func(name, value string) bool {
		fmt.Fprintf(cc.writer, "%s: %s\r\n", name, value)
		return true
	})
	if _, err := cc.writer.Write([]byte("\r\n")); err != nil {
		return err
	}
	cc.encodeComplete = true
	return nil
}
