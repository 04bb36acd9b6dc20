package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	begins    int
	url       string
	method    string
	status    int
	fields    []string
	values    []string
	body      []byte
	completes int
	chunkSize []uint64
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnMessageBegin: func() error { r.begins++; return nil },
		OnURL:          func(b []byte) error { r.url += string(b); return nil },
		OnStatus:       func(b []byte) error { return nil },
		OnHeaderField:  func(b []byte) error { r.fields = append(r.fields, string(b)); return nil },
		OnHeaderValue:  func(b []byte) error { r.values = append(r.values, string(b)); return nil },
		OnHeadersComplete: func(info HeadersCompleteInfo) error {
			r.method = info.Method
			r.status = info.StatusCode
			return nil
		},
		OnBody:            func(b []byte) error { r.body = append(r.body, b...); return nil },
		OnMessageComplete: func() error { r.completes++; return nil },
		OnChunkHeader:     func(sz uint64) error { r.chunkSize = append(r.chunkSize, sz); return nil },
	}
}

func TestRequestLineAndHeaders(t *testing.T) {
	r := &recorder{}
	p := New(Request, r.callbacks())
	p.SetBodyFraming(0, true, false, false)

	msg := "GET /foo HTTP/1.1\r\nHost: example.com\r\nX-A: 1\r\n\r\n"
	n, status, err := p.Execute([]byte(msg))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, len(msg), n)
	assert.Equal(t, 1, r.begins)
	assert.Equal(t, "/foo", r.url)
	assert.Equal(t, "GET", r.method)
	assert.Equal(t, []string{"Host", "X-A"}, r.fields)
	assert.Equal(t, []string{"example.com", "1"}, r.values)
	assert.Equal(t, 1, r.completes)
}

func TestRequestWithContentLengthBody(t *testing.T) {
	r := &recorder{}
	cb := r.callbacks()
	// The codec applies SetBodyFraming from OnHeadersComplete; this test
	// declares the framing up front instead (below), so the wrapper only
	// forwards.
	p := New(Request, Callbacks{
		OnMessageBegin: cb.OnMessageBegin,
		OnURL:          cb.OnURL,
		OnHeaderField:  cb.OnHeaderField,
		OnHeaderValue:  cb.OnHeaderValue,
		OnHeadersComplete: func(info HeadersCompleteInfo) error {
			return cb.OnHeadersComplete(info)
		},
		OnBody:            cb.OnBody,
		OnMessageComplete: cb.OnMessageComplete,
	})

	msg := "POST /x HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello"
	// the parser needs to know framing before it reaches the body; since
	// Content-Length is a header value here, the codec would normally call
	// SetBodyFraming from within OnHeadersComplete once it has the headers. We
	// replicate that by pre-declaring framing (single-header message, so
	// this ordering is safe for the test).
	p.SetBodyFraming(5, true, false, false)

	n, status, err := p.Execute([]byte(msg))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, len(msg), n)
	assert.Equal(t, "hello", string(r.body))
	assert.Equal(t, 1, r.completes)
}

func TestChunkedBody(t *testing.T) {
	r := &recorder{}
	p := New(Request, r.callbacks())
	p.SetBodyFraming(0, false, true, false)

	msg := "POST /x HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n"
	n, status, err := p.Execute([]byte(msg))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, len(msg), n)
	assert.Equal(t, "Wikipedia", string(r.body))
	assert.Equal(t, []uint64{4, 5, 0}, r.chunkSize)
	assert.Equal(t, 1, r.completes)
}

func TestStatusLine(t *testing.T) {
	r := &recorder{}
	p := New(Response, r.callbacks())
	p.SetBodyFraming(0, true, false, false)

	msg := "HTTP/1.1 204 No Content\r\n\r\n"
	_, status, err := p.Execute([]byte(msg))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, 204, r.status)
	assert.Equal(t, 1, r.completes)
}

func TestPauseStopsDispatch(t *testing.T) {
	r := &recorder{}
	p := New(Request, r.callbacks())
	p.SetBodyFraming(0, true, false, false)
	p.Pause()

	n, status, err := p.Execute([]byte("GET / HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, status)
	assert.Equal(t, 0, n)

	p.Resume()
	n, status, err = p.Execute([]byte("GET / HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, 18, n)
}

func TestInvalidHeaderFieldNameErrors(t *testing.T) {
	r := &recorder{}
	p := New(Request, r.callbacks())
	_, status, err := p.Execute([]byte("GET / HTTP/1.1\r\nBad Name: v\r\n\r\n"))
	assert.Equal(t, StatusError, status)
	assert.Error(t, err)
}
