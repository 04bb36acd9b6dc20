// Package parser implements the streaming, push-style HTTP/1.1 byte parser
// of spec.md §2.A / §4.1.1: Execute is fed successive byte slices and fires
// callbacks for message boundaries, the request/status line, header fields
// and values, body chunks, and chunk boundaries. It never buffers more than
// one header token at a time itself — the codec layer (internal/codec/http1)
// owns accumulation into the header.Map.
//
// Grounded on the callback-table shape of
// original_source/src/http1/rp-legacy-http-parser-impl.c (OnMessageBegin /
// OnURL / OnHeaderField / OnHeaderValue / OnHeadersComplete / OnBody /
// OnMessageComplete / OnChunkHeader), translated from a C vtable-of-function-
// pointers into a Go struct of closures per spec.md §9's "capability set"
// guidance (no virtual inheritance; compose by delegation). Header token
// validation uses golang.org/x/net/http/httpguts, per SPEC_FULL.md's domain
// stack.
package parser

import (
	"fmt"

	"golang.org/x/net/http/httpguts"
)

// MessageType tells the parser which grammar to apply to the first line.
type MessageType int

const (
	Request MessageType = iota
	Response
)

// Status is the result of a dispatch loop iteration (spec.md §4.1.1).
type Status int

const (
	StatusOK Status = iota
	StatusPaused
	StatusError
)

// Callbacks is the set of event hooks a codec installs on a Parser. Every
// field is optional except OnHeaderField/OnHeaderValue, which are meaningless
// unset; nil callbacks are simply skipped.
type Callbacks struct {
	OnMessageBegin    func() error
	OnURL             func(chunk []byte) error // server only: request-target bytes, may fire more than once
	OnStatus          func(chunk []byte) error // client only: reason-phrase bytes
	OnHeaderField     func(chunk []byte) error
	OnHeaderValue     func(chunk []byte) error
	OnHeadersComplete func(info HeadersCompleteInfo) error
	OnBody            func(chunk []byte) error
	OnMessageComplete func() error
	OnChunkHeader     func(size uint64) error
}

// HeadersCompleteInfo carries the request/status line facts the codec needs
// in on_headers_complete (spec.md §4.1.2).
type HeadersCompleteInfo struct {
	Method       string // request only
	StatusCode   int    // response only
	MajorVersion int
	MinorVersion int
}

type state int

const (
	stStart state = iota
	stMethod
	stURL
	stReqHTTP
	stReqVersion
	stReqLineAlmostDone
	stStatusHTTP
	stStatusVersion
	stStatusCodeStart
	stStatusCode
	stStatusReason
	stStatusLineAlmostDone
	stHeaderFieldStart
	stHeaderField
	stHeaderValueStart
	stHeaderValueSkipSpace
	stHeaderValue
	stHeadersAlmostDone
	stBodyIdentity
	stBodyIdentityEOF
	stChunkSizeStart
	stChunkSizeDigit
	stChunkSizeExt
	stChunkSizeAlmostDone
	stChunkData
	stChunkDataAlmostDone
	stChunkTrailerStart
	stMessageDone
)

// Parser is one streaming HTTP/1.x message scanner. Not safe for concurrent
// use; one Parser per codec connection direction.
type Parser struct {
	typ MessageType
	cb  Callbacks

	state  state
	paused bool

	// accumulators for the token currently being scanned
	tokenStart int
	majorV     int
	minorV     int
	method     string
	statusCode int

	contentLength    int64
	haveContentLen   bool
	chunked          bool
	bodyIsEOFFramed  bool
	remainingInChunk int64
	trailersEnabled  bool

	headersDone bool
}

// New constructs a parser for the given message direction.
func New(typ MessageType, cb Callbacks) *Parser {
	return &Parser{typ: typ, cb: cb, state: stStart}
}

// EnableTrailers allows on_header_field/value to be invoked again after
// on_headers_complete, for the trailer block following a chunked body
// (spec.md §4.1.2: "on_header_field/on_header_value: ... we are now parsing
// trailers").
func (p *Parser) EnableTrailers(v bool) { p.trailersEnabled = v }

// Reset returns the parser to its initial state for a new message, per
// spec.md §4.1.2's on_message_begin ("reset state").
func (p *Parser) Reset() {
	*p = Parser{typ: p.typ, cb: p.cb, state: stStart, trailersEnabled: p.trailersEnabled}
}

// Paused reports whether the parser is currently paused (spec.md §4.1.1 step
// 3: "If the parser is paused, stop").
func (p *Parser) Paused() bool { return p.paused }

// Pause suspends the parser; the next Execute call is a no-op returning 0
// until Resume is called. Used for CONNECT/upgrade tunneling and the
// request-side "return Pause so the parser stops until the response is
// produced" rule of spec.md §4.1.3.
func (p *Parser) Pause() { p.paused = true }

// Resume clears a pause set by Pause or by returning from on_message_complete.
func (p *Parser) Resume() { p.paused = false }

// SetBodyFraming is called by the codec once it knows (from headers) whether
// this message has a body and how it's framed, before body bytes arrive.
// allowEOFBody marks a body framed by connection close (H1.0 responses with
// no Content-Length/chunked, spec.md §8 boundary behavior).
func (p *Parser) SetBodyFraming(contentLength int64, haveContentLength, chunked, allowEOFBody bool) {
	p.contentLength = contentLength
	p.haveContentLen = haveContentLength
	p.chunked = chunked
	p.bodyIsEOFFramed = allowEOFBody && !haveContentLength && !chunked
}

// Finish signals end-of-stream to a parser mid EOF-framed body (spec.md's
// "body framed by connection close" boundary case): the parser fires
// on_message_complete; no further on_body call is made.
func (p *Parser) Finish() error {
	if p.state == stBodyIdentityEOF {
		if p.cb.OnMessageComplete != nil {
			return p.cb.OnMessageComplete()
		}
	}
	return nil
}

// Execute feeds the next contiguous slice to the parser, firing callbacks as
// it scans, and returns how many bytes were consumed plus the dispatch
// status (spec.md §4.1.1). A parser error always sets status to StatusError
// and consumed reflects progress up to the failure.
func (p *Parser) Execute(data []byte) (consumed int, status Status, err error) {
	if p.paused {
		return 0, StatusPaused, nil
	}

	// data[0] is either a message/token boundary or the exact byte where a
	// prior call left off (the codec's drain contract never discards a
	// token's leading bytes, per safeConsumed below) — so a token-scanning
	// state resumed from a previous call always restarts its token at
	// index 0 of this call's slice.
	switch p.state {
	case stMethod, stURL, stReqVersion, stStatusVersion, stStatusCode, stStatusReason,
		stHeaderField, stHeaderValue, stChunkSizeDigit, stChunkSizeExt:
		p.tokenStart = 0
	}

	i := 0
	for i < len(data) {
		c := data[i]
		switch p.state {
		case stStart:
			if err := p.begin(); err != nil {
				return i, StatusError, err
			}
			if p.typ == Request {
				p.state = stMethod
				p.tokenStart = i
			} else {
				p.state = stStatusHTTP
				p.tokenStart = i
			}
			continue // re-examine c in new state without consuming

		case stMethod:
			if c == ' ' {
				p.method = string(data[p.tokenStart:i])
				p.state = stURL
				i++
				p.tokenStart = i
				continue
			}
			i++

		case stURL:
			if c == ' ' {
				if p.cb.OnURL != nil {
					if err := p.cb.OnURL(data[p.tokenStart:i]); err != nil {
						return i, StatusError, err
					}
				}
				p.state = stReqHTTP
				i++
				continue
			}
			i++

		case stReqHTTP:
			// expect literal "HTTP/"
			if i+5 > len(data) {
				return i, StatusOK, nil // wait for more data
			}
			if string(data[i:i+5]) != "HTTP/" {
				return i, StatusError, fmt.Errorf("malformed request line: expected HTTP/ version token")
			}
			i += 5
			p.state = stReqVersion
			p.tokenStart = i

		case stReqVersion:
			if c == '\r' {
				if err := p.parseVersion(string(data[p.tokenStart:i])); err != nil {
					return i, StatusError, err
				}
				p.state = stReqLineAlmostDone
				i++
				continue
			}
			i++

		case stReqLineAlmostDone:
			if c != '\n' {
				return i, StatusError, fmt.Errorf("malformed request line: expected LF")
			}
			i++
			p.state = stHeaderFieldStart

		case stStatusHTTP:
			if i+5 > len(data) {
				return i, StatusOK, nil
			}
			if string(data[i:i+5]) != "HTTP/" {
				return i, StatusError, fmt.Errorf("malformed status line: expected HTTP/ version token")
			}
			i += 5
			p.state = stStatusVersion
			p.tokenStart = i

		case stStatusVersion:
			if c == ' ' {
				if err := p.parseVersion(string(data[p.tokenStart:i])); err != nil {
					return i, StatusError, err
				}
				p.state = stStatusCodeStart
				i++
				p.tokenStart = i
				continue
			}
			i++

		case stStatusCodeStart:
			p.state = stStatusCode
			p.tokenStart = i
			continue

		case stStatusCode:
			if c == ' ' || c == '\r' {
				code := 0
				for _, d := range data[p.tokenStart:i] {
					if d < '0' || d > '9' {
						return i, StatusError, fmt.Errorf("malformed status code")
					}
					code = code*10 + int(d-'0')
				}
				p.statusCode = code
				if c == '\r' {
					p.state = stStatusLineAlmostDone
				} else {
					p.state = stStatusReason
				}
				i++
				continue
			}
			i++

		case stStatusReason:
			if c == '\r' {
				if p.cb.OnStatus != nil {
					if err := p.cb.OnStatus(data[p.tokenStart:i]); err != nil {
						return i, StatusError, err
					}
				}
				p.state = stStatusLineAlmostDone
				i++
				continue
			}
			i++

		case stStatusLineAlmostDone:
			if c != '\n' {
				return i, StatusError, fmt.Errorf("malformed status line: expected LF")
			}
			i++
			p.state = stHeaderFieldStart

		case stHeaderFieldStart:
			if c == '\r' {
				p.state = stHeadersAlmostDone
				i++
				continue
			}
			p.state = stHeaderField
			p.tokenStart = i

		case stHeaderField:
			if c == ':' {
				field := data[p.tokenStart:i]
				if !httpguts.ValidHeaderFieldName(string(field)) {
					return i, StatusError, fmt.Errorf("invalid header field name %q", field)
				}
				if p.cb.OnHeaderField != nil {
					if err := p.cb.OnHeaderField(field); err != nil {
						return i, StatusError, err
					}
				}
				p.state = stHeaderValueStart
				i++
				continue
			}
			i++

		case stHeaderValueStart:
			p.state = stHeaderValueSkipSpace
			continue

		case stHeaderValueSkipSpace:
			if c == ' ' || c == '\t' {
				i++
				continue
			}
			p.state = stHeaderValue
			p.tokenStart = i

		case stHeaderValue:
			if c == '\r' {
				value := data[p.tokenStart:i]
				if p.cb.OnHeaderValue != nil {
					if err := p.cb.OnHeaderValue(value); err != nil {
						return i, StatusError, err
					}
				}
				p.state = stHeadersAlmostDone
				// consume the CR, expect LF next loop; reuse
				// stHeadersAlmostDone to also mean "end of one header line"
				// by checking a marker. To disambiguate from the
				// headers-terminating blank line we track via tokenStart.
				p.tokenStart = -1
				i++
				continue
			}
			i++

		case stHeadersAlmostDone:
			if c != '\n' {
				return i, StatusError, fmt.Errorf("malformed header line: expected LF")
			}
			i++
			if p.tokenStart == -1 {
				// end of one header line's value; more headers may follow
				p.tokenStart = 0
				p.state = stHeaderFieldStart
				continue
			}
			// blank line: headers (or trailers) complete
			if p.trailersEnabled && p.headersDone {
				if p.cb.OnMessageComplete != nil {
					if err := p.cb.OnMessageComplete(); err != nil {
						return i, StatusError, err
					}
				}
				p.state = stMessageDone
				continue
			}
			p.headersDone = true
			if p.cb.OnHeadersComplete != nil {
				info := HeadersCompleteInfo{
					Method:       p.method,
					StatusCode:   p.statusCode,
					MajorVersion: p.majorV,
					MinorVersion: p.minorV,
				}
				if err := p.cb.OnHeadersComplete(info); err != nil {
					return i, StatusError, err
				}
			}
			p.enterBodyState()
			if p.paused {
				return i, StatusPaused, nil
			}

		case stBodyIdentity:
			n := int64(len(data) - i)
			if n > p.contentLength {
				n = p.contentLength
			}
			if n > 0 {
				if p.cb.OnBody != nil {
					if err := p.cb.OnBody(data[i : i+int(n)]); err != nil {
						return i, StatusError, err
					}
				}
				i += int(n)
				p.contentLength -= n
			}
			if p.contentLength == 0 {
				if err := p.finishMessage(); err != nil {
					return i, StatusError, err
				}
				if p.paused {
					return i, StatusPaused, nil
				}
			}

		case stBodyIdentityEOF:
			if len(data)-i > 0 {
				if p.cb.OnBody != nil {
					if err := p.cb.OnBody(data[i:]); err != nil {
						return i, StatusError, err
					}
				}
			}
			i = len(data)

		case stChunkSizeStart:
			p.state = stChunkSizeDigit
			p.remainingInChunk = 0
			continue

		case stChunkSizeDigit:
			if v, ok := hexVal(c); ok {
				p.remainingInChunk = p.remainingInChunk*16 + int64(v)
				i++
				continue
			}
			if c == ';' || c == '\r' {
				if p.cb.OnChunkHeader != nil {
					if err := p.cb.OnChunkHeader(uint64(p.remainingInChunk)); err != nil {
						return i, StatusError, err
					}
				}
				if c == ';' {
					p.state = stChunkSizeExt
					i++
					continue
				}
				p.state = stChunkSizeAlmostDone
				i++
				continue
			}
			return i, StatusError, fmt.Errorf("invalid chunk size digit %q", c)

		case stChunkSizeExt:
			if c == '\r' {
				p.state = stChunkSizeAlmostDone
			}
			i++

		case stChunkSizeAlmostDone:
			if c != '\n' {
				return i, StatusError, fmt.Errorf("malformed chunk header: expected LF")
			}
			i++
			if p.remainingInChunk == 0 {
				p.state = stChunkTrailerStart
				p.headersDone = true // headers already fired; next blank/trailer line governed by trailersEnabled
				continue
			}
			p.state = stChunkData

		case stChunkData:
			n := int64(len(data) - i)
			if n > p.remainingInChunk {
				n = p.remainingInChunk
			}
			if n > 0 {
				if p.cb.OnBody != nil {
					if err := p.cb.OnBody(data[i : i+int(n)]); err != nil {
						return i, StatusError, err
					}
				}
				i += int(n)
				p.remainingInChunk -= n
			}
			if p.remainingInChunk == 0 {
				p.state = stChunkDataAlmostDone
			}

		case stChunkDataAlmostDone:
			// expect CRLF after chunk data
			if c == '\r' {
				i++
				continue
			}
			if c != '\n' {
				return i, StatusError, fmt.Errorf("malformed chunk trailer: expected CRLF")
			}
			i++
			p.state = stChunkSizeStart

		case stChunkTrailerStart:
			if !p.trailersEnabled {
				// no trailers: consume the final CRLF of the "0\r\n\r\n"
				// sequence and finish.
				if c == '\r' {
					i++
					continue
				}
				if c != '\n' {
					return i, StatusError, fmt.Errorf("malformed final chunk: expected CRLF")
				}
				i++
				if err := p.finishMessage(); err != nil {
					return i, StatusError, err
				}
				if p.paused {
					return i, StatusPaused, nil
				}
				continue
			}
			// trailers enabled: parse like header lines, terminated by a
			// blank line, then finish.
			p.state = stHeaderFieldStart
			p.tokenStart = 0
			continue

		case stMessageDone:
			// The previous message is complete; the bytes that follow begin
			// the next message on the same connection.
			if p.paused {
				return i, StatusPaused, nil
			}
			p.Reset()
		}
	}
	return p.safeConsumed(i), StatusOK, nil
}

// safeConsumed rewinds the reported consumed count to the start of any
// token still being accumulated when a dispatch call runs out of data
// mid-scan. The codec must never drain bytes it can't re-derive on the next
// call, since tokenStart is an index into the slice passed to *this*
// Execute call only: the caller is expected to re-present any undrained
// bytes (e.g. via buffer.Buffer's drain-then-peek-from-front contract) so
// the next call's tokenStart lines back up at index 0.
func (p *Parser) safeConsumed(i int) int {
	switch p.state {
	case stMethod, stURL, stReqVersion, stStatusVersion, stStatusCode, stStatusReason,
		stHeaderField, stHeaderValue, stChunkSizeDigit, stChunkSizeExt:
		return p.tokenStart
	default:
		return i
	}
}

func (p *Parser) begin() error {
	if p.cb.OnMessageBegin != nil {
		return p.cb.OnMessageBegin()
	}
	return nil
}

func (p *Parser) parseVersion(tok string) error {
	if len(tok) != 3 || tok[1] != '.' {
		return fmt.Errorf("malformed HTTP version %q", tok)
	}
	if tok[0] < '0' || tok[0] > '9' || tok[2] < '0' || tok[2] > '9' {
		return fmt.Errorf("malformed HTTP version %q", tok)
	}
	p.majorV = int(tok[0] - '0')
	p.minorV = int(tok[2] - '0')
	return nil
}

func (p *Parser) enterBodyState() {
	switch {
	case p.chunked:
		p.state = stChunkSizeStart
	case p.haveContentLen:
		if p.contentLength == 0 {
			_ = p.finishMessage()
			return
		}
		p.state = stBodyIdentity
	case p.bodyIsEOFFramed:
		p.state = stBodyIdentityEOF
	default:
		_ = p.finishMessage()
	}
}

func (p *Parser) finishMessage() error {
	p.state = stMessageDone
	if p.cb.OnMessageComplete != nil {
		return p.cb.OnMessageComplete()
	}
	return nil
}

func hexVal(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	default:
		return 0, false
	}
}
