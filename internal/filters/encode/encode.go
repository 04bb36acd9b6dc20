// Package encode provides the compression filter pair spec.md §1/§4.2
// sets aside as pluggable, rather than baking into the codec: a
// DecoderFilter/EncoderFilter that negotiates gzip/zstd against a
// request's Accept-Encoding and transcodes the response body
// accordingly, streaming each chunk through the compressor rather than
// buffering the whole body.
//
// Grounded on caddyhttp/gzip's negotiate-then-wrap-the-ResponseWriter
// shape (modules/caddyhttp/encode in the v2 line), adapted from a
// net/http middleware wrapping http.ResponseWriter into a filter-manager
// EncoderFilter that injects transcoded chunks via InjectEncodedData —
// the chain-native mechanism spec.md §4.2 gives a filter that replaces
// the bytes it was handed.
package encode

import (
	"bytes"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/rpcore/rpcore/internal/filtermanager"
	"github.com/rpcore/rpcore/internal/header"
)

// Algorithm is one of the codings this filter can negotiate.
type Algorithm string

const (
	Gzip Algorithm = "gzip"
	Zstd Algorithm = "zstd"
	None Algorithm = ""
)

// compressor is the common surface gzip.Writer and zstd.Encoder share.
type compressor interface {
	Write(p []byte) (int, error)
	Flush() error
	Close() error
}

// Filter negotiates and applies response compression. One instance is
// created per stream (it holds per-request negotiation state), and acts
// as both a decoder filter (to read Accept-Encoding) and an encoder
// filter (to transcode the body).
type Filter struct {
	filtermanager.NoOpDecoderFilter
	filtermanager.NoOpEncoderFilter

	acceptEncoding string

	cb          filtermanager.EncoderFilterCallbacks
	algo        Algorithm
	compressing bool
	comp        compressor
	out         bytes.Buffer
}

// New builds a fresh per-stream compression filter.
func New() *Filter {
	return &Filter{}
}

// DecodeHeaders captures the request's Accept-Encoding for EncodeHeaders
// to negotiate against later.
func (f *Filter) DecodeHeaders(headers *header.Map, endStream bool) filtermanager.FilterStatus {
	f.acceptEncoding = headers.Get(header.AcceptEncoding)
	return filtermanager.Continue
}

func (f *Filter) SetEncoderFilterCallbacks(cb filtermanager.EncoderFilterCallbacks) { f.cb = cb }

// EncodeHeaders decides whether to compress this response and, if so,
// rewrites the framing headers accordingly: Content-Length no longer
// describes the wire body once it's transcoded, so it's dropped in favor
// of chunked framing (internal/codec/http1's decideChunking picks that up
// automatically once Content-Length is absent).
func (f *Filter) EncodeHeaders(status int, headers *header.Map, endStream bool) filtermanager.FilterStatus {
	if endStream || !eligibleStatus(status) || headers.Has(header.ContentEncoding) {
		return filtermanager.Continue
	}
	f.algo = negotiate(f.acceptEncoding)
	if f.algo == None {
		return filtermanager.Continue
	}

	headers.Del(header.ContentLength)
	headers.Set(header.ContentEncoding, string(f.algo))
	headers.Add(header.Vary, header.AcceptEncoding)

	switch f.algo {
	case Gzip:
		f.comp = gzip.NewWriter(&f.out)
	case Zstd:
		enc, err := zstd.NewWriter(&f.out)
		if err != nil {
			f.algo = None
			headers.Del(header.ContentEncoding)
			return filtermanager.Continue
		}
		f.comp = enc
	}
	f.compressing = true
	return filtermanager.Continue
}

// EncodeData feeds each chunk through the negotiated compressor and
// injects whatever it produced back into the chain, in place of the
// plaintext it was handed.
func (f *Filter) EncodeData(data []byte, endStream bool) filtermanager.FilterStatus {
	if !f.compressing {
		return filtermanager.Continue
	}

	if len(data) > 0 {
		if _, err := f.comp.Write(data); err != nil {
			return filtermanager.Continue
		}
	}

	if endStream {
		_ = f.comp.Close()
	} else if err := f.comp.Flush(); err != nil {
		return filtermanager.Continue
	}

	chunk := make([]byte, f.out.Len())
	copy(chunk, f.out.Bytes())
	f.out.Reset()

	f.cb.InjectEncodedData(chunk, endStream)
	return filtermanager.StopIterationNoBuffer
}

func (f *Filter) OnDestroy() {
	if f.compressing {
		_ = f.comp.Close()
	}
}

func (f *Filter) OnLocalReply(int) filtermanager.LocalReplyStatus {
	return filtermanager.ContinueLocalReply
}

// eligibleStatus excludes responses that never carry a compressible body.
func eligibleStatus(status int) bool {
	if status == 204 || status == 304 {
		return false
	}
	return status >= 200
}

// negotiate picks the first algorithm this filter supports that the
// client's Accept-Encoding names, preferring zstd. This is a simplified
// token match, not a full q-value-weighted negotiation.
func negotiate(acceptEncoding string) Algorithm {
	lower := strings.ToLower(acceptEncoding)
	switch {
	case strings.Contains(lower, "zstd"):
		return Zstd
	case strings.Contains(lower, "gzip"):
		return Gzip
	default:
		return None
	}
}
