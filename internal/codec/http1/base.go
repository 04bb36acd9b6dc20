package http1

import (
	"errors"
	"strconv"
	"strings"

	"github.com/rpcore/rpcore/internal/buffer"
	"github.com/rpcore/rpcore/internal/config"
	"github.com/rpcore/rpcore/internal/header"
	"github.com/rpcore/rpcore/internal/parser"
	"github.com/rpcore/rpcore/internal/rperrors"
)

// base is the shared state spec.md §4.1 describes as owned in common by
// both connection directions: parser, accumulated input, output buffer,
// current header-field name pending its value, buffered body, settings,
// protocol version, and the flag set from §4.1's opening paragraph.
//
// Design note: on_header_field/on_header_value always fire with a complete
// token in a single call, never a partial one spanning two Dispatch calls.
// That holds because the codec never drains a buffer past an in-progress
// token (internal/parser's safeConsumed) and always re-presents the
// undrained prefix plus newly arrived bytes as one contiguous slice before
// calling parser.Execute again — so accumulating field/value text across
// callback invocations, which the original per-byte streaming parser
// needed, isn't necessary here.
type base struct {
	p        *parser.Parser
	settings config.HTTP1Settings

	maxHeadersKB    int
	maxHeadersCount int

	in  *buffer.Buffer
	out *buffer.Buffer

	protocolMajor, protocolMinor int

	pendingFieldName string
	headerBytes      int
	headerCount      int
	currentHeaders   *header.Map
	currentTrailers  *header.Map
	headersCompleted bool

	bufferedBody *buffer.Buffer

	handlingUpgrade          bool
	resetStreamCalled        bool
	deferredEndStreamHeaders bool
	processingTrailers       bool
	dispatching              bool

	onBodyRaw func([]byte) // raw-tunnel mode sink once handling_upgrade is set
}

func newBase(settings config.HTTP1Settings, maxHeadersKB, maxHeadersCount int) base {
	if maxHeadersKB <= 0 {
		maxHeadersKB = 60
	}
	if maxHeadersCount <= 0 {
		maxHeadersCount = 100
	}
	return base{
		settings:        settings,
		maxHeadersKB:    maxHeadersKB,
		maxHeadersCount: maxHeadersCount,
		in:              buffer.New(),
		out:             buffer.New(),
		bufferedBody:    buffer.New(),
	}
}

// resetMessageState clears per-message accumulators, run from on_message_begin.
func (b *base) resetMessageState() {
	b.pendingFieldName = ""
	b.headerBytes = 0
	b.headerCount = 0
	b.currentHeaders = header.New(8)
	b.currentTrailers = nil
	b.headersCompleted = false
	b.processingTrailers = false
	b.deferredEndStreamHeaders = false
	b.bufferedBody.Reset()
}

// onHeaderField implements the shared half of spec.md §4.1.2's
// on_header_field/on_header_value: lower-casing and length enforcement.
// Once headers-complete has fired, the parser only re-invokes these for a
// trailer block (and only when trailers are enabled), so field/value pairs
// seen after that point are routed into currentTrailers instead.
func (b *base) onHeaderField(chunk []byte) error {
	b.pendingFieldName = string(chunk)
	b.headerBytes += len(chunk)
	return b.checkHeaderLimits()
}

func (b *base) onHeaderValue(chunk []byte) error {
	value := strings.TrimRight(string(chunk), " \t")
	b.headerBytes += len(value)
	b.headerCount++
	if err := b.checkHeaderLimits(); err != nil {
		return err
	}
	if b.headersCompleted {
		b.processingTrailers = true
		if b.currentTrailers == nil {
			b.currentTrailers = header.New(4)
		}
		b.currentTrailers.Add(b.pendingFieldName, value)
	} else {
		b.currentHeaders.Add(b.pendingFieldName, value)
	}
	b.pendingFieldName = ""
	return nil
}

func (b *base) checkHeaderLimits() error {
	if b.headerBytes > b.maxHeadersKB*1024 {
		return rperrors.NewCodecError(rperrors.CodecProtocolError, "headers-too-large", 431)
	}
	if b.headerCount > b.maxHeadersCount {
		return rperrors.NewCodecError(rperrors.CodecProtocolError, "too-many-headers", 431)
	}
	return nil
}

// onBody implements spec.md §4.1.2's on_body: append to the buffered body.
// The "dispatching_slice_already_drained" distinction the spec describes
// (whether the callback's slice is the entire current dispatch iovec) is an
// artifact of the source's zero-copy slice reuse; here buffer.Append always
// copies, so there is nothing further to drain explicitly.
func (b *base) onBody(chunk []byte) error {
	b.bufferedBody.Append(chunk)
	return nil
}

// flushBufferedBody returns and clears whatever body bytes have
// accumulated since the last flush. The server and client connections call
// it from on_message_complete, so a message's body is delivered to its
// decoder in one piece once the message has been fully parsed.
func (b *base) flushBufferedBody() []byte {
	if b.bufferedBody.Len() == 0 {
		return nil
	}
	out := append([]byte(nil), b.bufferedBody.Bytes()...)
	b.bufferedBody.Reset()
	return out
}

// dispatch feeds data to the parser: it appends data to the input buffer,
// resumes a paused parser, and runs the parser until the input is used up,
// the parser pauses, or it makes no progress. Body bytes collected by onBody
// stay in bufferedBody until the message completes; dispatch does not flush
// them at the end of each call.
func (b *base) dispatch(data []byte) (DispatchStatus, error) {
	b.dispatching = true
	defer func() { b.dispatching = false }()

	if b.handlingUpgrade {
		if b.onBodyRaw != nil {
			b.onBodyRaw(data)
		}
		return DispatchOK, nil
	}

	b.in.Append(data)
	if b.p.Paused() {
		b.p.Resume()
	}

	for b.in.Len() > 0 {
		slice := b.in.PeekAll()
		consumed, status, err := b.p.Execute(slice)
		b.in.Drain(consumed)
		if err != nil {
			return classifyParseError(err), err
		}
		if status == parser.StatusPaused {
			break
		}
		if consumed == 0 {
			break
		}
	}
	return DispatchOK, nil
}

func classifyParseError(err error) DispatchStatus {
	var ce *rperrors.CodecError
	if errors.As(err, &ce) {
		switch ce.Kind {
		case rperrors.CodecClientError:
			return DispatchCodecClientError
		case rperrors.PrematureResponseError:
			return DispatchPrematureResponseError
		}
	}
	return DispatchCodecProtocolError
}

// classifyBodyFraming validates the cross-header invariants spec.md §4.1.2's
// on_headers_complete enforces "in order", returning a CodecError on the
// first violation. contentLength/haveContentLength/chunked are returned so
// the caller can call parser.SetBodyFraming before the parser proceeds past
// the blank line (the codec's on_headers_complete callback calls this,
// before the parser enters the body state).
func (b *base) classifyBodyFraming(isConnect bool) (contentLength int64, haveContentLength, chunked bool, err error) {
	cl := b.currentHeaders.Get(header.ContentLength)
	te := b.currentHeaders.Get(header.TransferEncoding)

	haveContentLength = cl != ""
	if haveContentLength {
		n, parseErr := strconv.ParseInt(cl, 10, 64)
		if parseErr != nil || n < 0 {
			return 0, false, false, rperrors.NewCodecError(rperrors.CodecProtocolError, "invalid-content-length", 400)
		}
		contentLength = n
	}

	chunked = strings.EqualFold(strings.TrimSpace(te), "chunked")
	teOtherThanChunked := te != "" && !chunked

	if isConnect && haveContentLength && contentLength != 0 {
		return 0, false, false, rperrors.NewCodecError(rperrors.CodecProtocolError, "body-disallowed", 400)
	}

	if haveContentLength && chunked {
		if b.settings.AllowChunkedLength {
			b.currentHeaders.Del(header.ContentLength)
			haveContentLength = false
		} else {
			return 0, false, false, rperrors.NewCodecError(rperrors.CodecProtocolError, "chunked-content-length", 400)
		}
	}

	if teOtherThanChunked || (isConnect && te != "") {
		return 0, false, false, rperrors.NewCodecError(rperrors.CodecProtocolError, "invalid-transfer-encoding", 501)
	}

	return contentLength, haveContentLength, chunked, nil
}
