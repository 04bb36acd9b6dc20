package http1

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rpcore/rpcore/internal/config"
	"github.com/rpcore/rpcore/internal/header"
	"github.com/rpcore/rpcore/internal/parser"
	"github.com/rpcore/rpcore/internal/rperrors"
)

// ServerConnection is the server-side half of the codec: decodes requests,
// encodes responses (spec.md §4.1.3, §4.1.5, §4.1.6).
type ServerConnection struct {
	base

	callbacks ServerConnectionCallbacks
	writer    Writer

	decoder              RequestDecoder
	requestURL           strings.Builder
	method               string
	bodyBearing          bool
	peerIsHTTP10         bool
	lastWasConnect       bool
	currentChunkEncoding bool
}

// NewServerConnection constructs a server connection driven by subsequent
// Dispatch calls. callbacks.NewStream is invoked once per request, per
// spec.md §4.1.3.
func NewServerConnection(cfg config.HTTP1Settings, maxHeadersKB, maxHeadersCount int, callbacks ServerConnectionCallbacks, w Writer) *ServerConnection {
	sc := &ServerConnection{
		base:      newBase(cfg, maxHeadersKB, maxHeadersCount),
		callbacks: callbacks,
		writer:    w,
	}
	sc.p = parser.New(parser.Request, parser.Callbacks{
		OnMessageBegin:    sc.onMessageBegin,
		OnURL:             sc.onURL,
		OnHeaderField:     sc.onHeaderField,
		OnHeaderValue:     sc.onHeaderValue,
		OnHeadersComplete: sc.onHeadersComplete,
		OnBody:            sc.onBody,
		OnMessageComplete: sc.onMessageComplete,
	})
	sc.p.EnableTrailers(cfg.EnableTrailers)
	sc.onBodyRaw = func(d []byte) {
		if sc.decoder != nil {
			sc.decoder.DecodeData(d, false)
		}
	}
	return sc
}

// Dispatch feeds bytes read off the wire to the codec, per spec.md §4.1.1.
func (sc *ServerConnection) Dispatch(data []byte) (DispatchStatus, error) {
	status, err := sc.dispatch(data)
	if status != DispatchOK && !sc.resetStreamCalled {
		sc.sendProtocolError(errStatusCode(err), errDetail(err))
	}
	return status, err
}

func (sc *ServerConnection) onMessageBegin() error {
	sc.resetMessageState()
	sc.requestURL.Reset()
	sc.method = ""
	sc.protocolMajor, sc.protocolMinor = 1, 1
	if !sc.resetStreamCalled {
		sc.decoder = sc.callbacks.NewStream(sc)
	}
	return nil
}

func (sc *ServerConnection) onURL(chunk []byte) error {
	sc.requestURL.Write(chunk)
	return sc.checkHeaderLimits()
}

func (sc *ServerConnection) onHeadersComplete(info parser.HeadersCompleteInfo) error {
	sc.method = info.Method
	sc.protocolMajor, sc.protocolMinor = info.MajorVersion, info.MinorVersion
	sc.peerIsHTTP10 = info.MajorVersion == 1 && info.MinorVersion == 0
	sc.lastWasConnect = strings.EqualFold(sc.method, "CONNECT")

	contentLength, haveCL, chunked, err := sc.classifyBodyFraming(sc.lastWasConnect)
	if err != nil {
		return err
	}

	if err := sc.buildRequestLineHeaders(); err != nil {
		return err
	}

	sc.bodyBearing = chunked || contentLength > 0 || sc.handlingUpgrade
	if sc.bodyBearing {
		sc.decoder.DecodeHeaders(sc.currentHeaders, false)
	} else {
		sc.deferredEndStreamHeaders = true
	}
	sc.headersCompleted = true

	allowEOF := false // servers never frame a request body by connection close
	sc.p.SetBodyFraming(contentLength, haveCL, chunked, allowEOF)
	return nil
}

// buildRequestLineHeaders implements spec.md §4.1.3's on_headers_complete_base:
// parses the request target (absolute-form, asterisk-form, origin-form),
// stores Host/:scheme/:path, and adds :method.
func (sc *ServerConnection) buildRequestLineHeaders() error {
	target := sc.requestURL.String()

	if target == "*" {
		if !strings.EqualFold(sc.method, "OPTIONS") {
			return rperrors.NewCodecError(rperrors.CodecProtocolError, "invalid-asterisk-form", 400)
		}
		sc.currentHeaders.Set(header.PseudoPath, "*")
	} else if sc.lastWasConnect {
		sc.currentHeaders.Set(header.Host, target)
	} else if looksAbsolute(target) {
		if !sc.settings.AllowAbsoluteURL {
			return rperrors.NewCodecError(rperrors.CodecProtocolError, "absolute-url-disallowed", 400)
		}
		u, err := url.Parse(target)
		if err != nil {
			return rperrors.NewCodecError(rperrors.CodecProtocolError, "invalid-url", 400)
		}
		sc.currentHeaders.Set(header.Host, u.Host)
		sc.currentHeaders.Set(header.PseudoScheme, strings.ToLower(u.Scheme))
		path := u.Path
		if u.RawQuery != "" {
			path += "?" + u.RawQuery
		}
		if path == "" {
			path = "/"
		}
		sc.currentHeaders.Set(header.PseudoPath, path)
	} else {
		sc.currentHeaders.Set(header.PseudoPath, target)
	}

	if !sc.lastWasConnect && sc.currentHeaders.Get(header.Host) == "" {
		return rperrors.NewCodecError(rperrors.CodecProtocolError, "missing-host", 400)
	}
	if sc.peerIsHTTP10 && !sc.settings.AcceptHTTP10 {
		return rperrors.NewCodecError(rperrors.CodecProtocolError, "http10-disallowed", 505)
	}

	sc.currentHeaders.Set(header.PseudoMethod, strings.ToUpper(sc.method))
	return nil
}

func looksAbsolute(target string) bool {
	return strings.Contains(target, "://")
}

func (sc *ServerConnection) onMessageComplete() error {
	body := sc.flushBufferedBody()
	if len(body) > 0 {
		sc.decoder.DecodeData(body, false)
	}

	if sc.processingTrailers {
		sc.decoder.DecodeTrailers(sc.currentTrailers)
	} else if sc.deferredEndStreamHeaders {
		sc.decoder.DecodeHeaders(sc.currentHeaders, true)
	} else {
		sc.decoder.DecodeData(nil, true)
	}

	sc.p.Pause() // spec.md §4.1.3: stop until the response is produced
	return nil
}

// EncodeHeaders implements spec.md §4.1.5.
func (sc *ServerConnection) EncodeHeaders(status int, headers *header.Map, endStream bool) error {
	var b strings.Builder
	proto := "HTTP/1.1"
	if sc.peerIsHTTP10 && sc.settings.AcceptHTTP10 {
		proto = "HTTP/1.0"
	}
	fmt.Fprintf(&b, "%s %d %s\r\n", proto, status, statusReasonPhrase(status))

	hostWritten := false
	headers.Range(func(name, value string) bool {
		if name == header.PseudoAuthority {
			if hostWritten || headers.Has(header.Host) {
				return true
			}
			fmt.Fprintf(&b, "%s: %s\r\n", "Host", value)
			hostWritten = true
			return true
		}
		if header.IsPseudo(name) {
			return true
		}
		fmt.Fprintf(&b, "%s: %s\r\n", name, value)
		return true
	})

	chunkEncoding := sc.decideChunking(status, headers, endStream)
	if chunkEncoding {
		b.WriteString("Transfer-Encoding: chunked\r\n")
	}
	b.WriteString("\r\n")

	sc.currentChunkEncoding = chunkEncoding
	if _, err := sc.writer.Write([]byte(b.String())); err != nil {
		return err
	}
	if endStream {
		return sc.endEncode()
	}
	return nil
}

// decideChunking implements spec.md §4.1.5 step 3, the single authoritative
// place the body-framing rule lives.
func (sc *ServerConnection) decideChunking(status int, headers *header.Map, endStream bool) bool {
	if headers.Has(header.ContentLength) {
		return false
	}
	if (status >= 100 && status < 200 && status != 200) || status == 204 || status == 304 {
		if endStream {
			headers.Set(header.ContentLength, "0")
		}
		return false
	}
	if endStream && headers.Get(header.ContentLength) == "" && !strings.EqualFold(sc.method, "HEAD") {
		// end-stream with empty body: set explicit Content-Length: 0 per
		// spec rather than chunk-encode a message with no data frames.
		headers.Set(header.ContentLength, "0")
		return false
	}
	if sc.protocolMajor == 1 && sc.protocolMinor == 0 {
		return false
	}
	if sc.lastWasConnect {
		return false
	}
	return true
}

// EncodeData implements spec.md §4.1.6.
func (sc *ServerConnection) EncodeData(data []byte, endStream bool) error {
	if sc.currentChunkEncoding {
		if len(data) > 0 {
			frame := fmt.Sprintf("%x\r\n", len(data))
			if _, err := sc.writer.Write([]byte(frame)); err != nil {
				return err
			}
			if _, err := sc.writer.Write(data); err != nil {
				return err
			}
			if _, err := sc.writer.Write([]byte("\r\n")); err != nil {
				return err
			}
		}
	} else if len(data) > 0 {
		if _, err := sc.writer.Write(data); err != nil {
			return err
		}
	}
	if endStream {
		return sc.endEncode()
	}
	return nil
}

// EncodeTrailers implements the trailer half of spec.md §4.1.6's framing
// (only meaningful when chunk_encoding is active).
func (sc *ServerConnection) EncodeTrailers(trailers *header.Map) error {
	if !sc.currentChunkEncoding {
		return sc.endEncode()
	}
	if _, err := sc.writer.Write([]byte("0\r\n")); err != nil {
		return err
	}
	trailers.Range(func(name, value string) bool {
		fmt.Fprintf(sc.writer, "%s: %s\r\n", name, value)
		return true
	})
	if _, err := sc.writer.Write([]byte("\r\n")); err != nil {
		return err
	}
	return sc.onEncodeComplete()
}

func (sc *ServerConnection) endEncode() error {
	if sc.currentChunkEncoding {
		if _, err := sc.writer.Write([]byte("0\r\n\r\n")); err != nil {
			return err
		}
	}
	return sc.onEncodeComplete()
}

func (sc *ServerConnection) onEncodeComplete() error {
	if sc.lastWasConnect {
		sc.handlingUpgrade = true
	}
	return nil
}

// sendProtocolError implements spec.md §4.1.7's send_protocol_error for the
// server side: synthesize a stream if none exists yet, then ask its
// decoder to send a local reply carrying the stored error code.
func (sc *ServerConnection) sendProtocolError(code int, detail string) {
	if sc.decoder == nil {
		_ = sc.onMessageBegin()
	}
	if !sc.settings.StreamErrorOnInvalidHTTPMessage {
		return
	}
	if sc.decoder != nil {
		sc.decoder.SendProtocolError(code, detail)
	}
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	var ce *rperrors.CodecError
	if errors.As(err, &ce) {
		return ce.Detail
	}
	return err.Error()
}

// errStatusCode extracts the HTTP status a CodecError carries, defaulting to
// 400 for whatever the parser or body-framing checks didn't annotate with a
// more specific code.
func errStatusCode(err error) int {
	var ce *rperrors.CodecError
	if errors.As(err, &ce) && ce.Code != 0 {
		return ce.Code
	}
	return 400
}

func statusReasonPhrase(code int) string {
	if p, ok := reasonPhrases[code]; ok {
		return p
	}
	return "Unknown"
}

var reasonPhrases = map[int]string{
	100: "Continue", 101: "Switching Protocols",
	200: "OK", 201: "Created", 202: "Accepted", 204: "No Content",
	300: "Multiple Choices", 301: "Moved Permanently", 302: "Found", 304: "Not Modified",
	400: "Bad Request", 401: "Unauthorized", 403: "Forbidden", 404: "Not Found",
	405: "Method Not Allowed", 408: "Request Timeout", 413: "Payload Too Large",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error", 501: "Not Implemented", 502: "Bad Gateway",
	503: "Service Unavailable", 504: "Gateway Timeout", 505: "HTTP Version Not Supported",
}
