package encode

import (
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpcore/rpcore/internal/filtermanager"
	"github.com/rpcore/rpcore/internal/header"
)

type fakeEncoderCallbacks struct {
	injected [][]byte
	ended    bool
}

func (f *fakeEncoderCallbacks) ContinueEncoding() {}
func (f *fakeEncoderCallbacks) InjectEncodedData(data []byte, endStream bool) {
	f.injected = append(f.injected, append([]byte(nil), data...))
	if endStream {
		f.ended = true
	}
}
func (f *fakeEncoderCallbacks) StreamInfo() *filtermanager.StreamInfoView {
	return &filtermanager.StreamInfoView{}
}

func (f *fakeEncoderCallbacks) compressed() []byte {
	var buf bytes.Buffer
	for _, c := range f.injected {
		buf.Write(c)
	}
	return buf.Bytes()
}

func TestNegotiatePrefersZstdOverGzip(t *testing.T) {
	assert.Equal(t, Zstd, negotiate("gzip, deflate, zstd"))
	assert.Equal(t, Gzip, negotiate("gzip, deflate"))
	assert.Equal(t, None, negotiate("deflate"))
	assert.Equal(t, None, negotiate(""))
}

func TestGzipRoundTrip(t *testing.T) {
	f := New()
	cb := &fakeEncoderCallbacks{}
	f.SetEncoderFilterCallbacks(cb)

	f.DecodeHeaders(acceptEncodingHeader("gzip"), false)

	h := header.New(2)
	h.Set(header.ContentLength, "11")
	status := f.EncodeHeaders(200, h, false)
	require.Equal(t, filtermanager.Continue, status)
	assert.Equal(t, "gzip", h.Get(header.ContentEncoding))
	assert.False(t, h.Has(header.ContentLength))
	assert.Equal(t, header.AcceptEncoding, h.Get(header.Vary))

	status = f.EncodeData([]byte("hello "), false)
	assert.Equal(t, filtermanager.StopIterationNoBuffer, status)
	status = f.EncodeData([]byte("world"), true)
	assert.Equal(t, filtermanager.StopIterationNoBuffer, status)

	require.True(t, cb.ended)
	gr, err := gzip.NewReader(bytes.NewReader(cb.compressed()))
	require.NoError(t, err)
	out, err := io.ReadAll(gr)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(out))
}

func TestZstdRoundTrip(t *testing.T) {
	f := New()
	cb := &fakeEncoderCallbacks{}
	f.SetEncoderFilterCallbacks(cb)

	f.DecodeHeaders(acceptEncodingHeader("zstd"), false)

	h := header.New(2)
	f.EncodeHeaders(200, h, false)
	assert.Equal(t, "zstd", h.Get(header.ContentEncoding))

	f.EncodeData([]byte("the quick brown fox"), true)

	dec, err := zstd.NewReader(bytes.NewReader(cb.compressed()))
	require.NoError(t, err)
	defer dec.Close()
	out, err := io.ReadAll(dec)
	require.NoError(t, err)
	assert.Equal(t, "the quick brown fox", string(out))
}

func TestEncodeHeadersSkipsWhenNoAcceptableEncoding(t *testing.T) {
	f := New()
	cb := &fakeEncoderCallbacks{}
	f.SetEncoderFilterCallbacks(cb)

	f.DecodeHeaders(acceptEncodingHeader("deflate"), false)

	h := header.New(2)
	h.Set(header.ContentLength, "5")
	status := f.EncodeHeaders(200, h, false)
	assert.Equal(t, filtermanager.Continue, status)
	assert.False(t, h.Has(header.ContentEncoding))
	assert.True(t, h.Has(header.ContentLength))

	status = f.EncodeData([]byte("hello"), true)
	assert.Equal(t, filtermanager.Continue, status)
	assert.Empty(t, cb.injected)
}

func TestEncodeHeadersSkipsAlreadyEncodedResponses(t *testing.T) {
	f := New()
	cb := &fakeEncoderCallbacks{}
	f.SetEncoderFilterCallbacks(cb)
	f.DecodeHeaders(acceptEncodingHeader("gzip"), false)

	h := header.New(2)
	h.Set(header.ContentEncoding, "br")
	f.EncodeHeaders(200, h, false)
	assert.Equal(t, "br", h.Get(header.ContentEncoding))

	status := f.EncodeData([]byte("hello"), true)
	assert.Equal(t, filtermanager.Continue, status)
}

func TestEncodeHeadersSkipsIneligibleStatus(t *testing.T) {
	f := New()
	cb := &fakeEncoderCallbacks{}
	f.SetEncoderFilterCallbacks(cb)
	f.DecodeHeaders(acceptEncodingHeader("gzip"), false)

	h := header.New(2)
	f.EncodeHeaders(304, h, false)
	assert.False(t, h.Has(header.ContentEncoding))
}

func TestEncodeHeadersSkipsEmptyBodyResponses(t *testing.T) {
	f := New()
	cb := &fakeEncoderCallbacks{}
	f.SetEncoderFilterCallbacks(cb)
	f.DecodeHeaders(acceptEncodingHeader("gzip"), false)

	h := header.New(2)
	status := f.EncodeHeaders(200, h, true)
	assert.Equal(t, filtermanager.Continue, status)
	assert.False(t, h.Has(header.ContentEncoding))
}

func acceptEncodingHeader(v string) *header.Map {
	h := header.New(1)
	h.Set(header.AcceptEncoding, v)
	return h
}
