package filtermanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpcore/rpcore/internal/header"
	"github.com/rpcore/rpcore/internal/rperrors"
)

type recordingDecoder struct {
	NoOpDecoderFilter
	name   string
	trace  *[]string
	status FilterStatus
	cb     DecoderFilterCallbacks
}

func (f *recordingDecoder) DecodeHeaders(h *header.Map, end bool) FilterStatus {
	*f.trace = append(*f.trace, "decode:"+f.name)
	return f.status
}
func (f *recordingDecoder) SetDecoderFilterCallbacks(cb DecoderFilterCallbacks) { f.cb = cb }

type recordingEncoder struct {
	NoOpEncoderFilter
	name   string
	trace  *[]string
	status FilterStatus
	cb     EncoderFilterCallbacks
}

func (f *recordingEncoder) EncodeHeaders(code int, h *header.Map, end bool) FilterStatus {
	*f.trace = append(*f.trace, "encode:"+f.name)
	return f.status
}
func (f *recordingEncoder) SetEncoderFilterCallbacks(cb EncoderFilterCallbacks) { f.cb = cb }

type fakeSink struct {
	headersSent []int
	dataSent    [][]byte
}

func (s *fakeSink) EncodeHeaders(code int, h *header.Map, end bool) error {
	s.headersSent = append(s.headersSent, code)
	return nil
}
func (s *fakeSink) EncodeData(d []byte, end bool) error {
	s.dataSent = append(s.dataSent, append([]byte(nil), d...))
	return nil
}
func (s *fakeSink) EncodeTrailers(t *header.Map) error { return nil }

type upstreamRecorder struct {
	ended  bool
	resets int
}

func (u *upstreamRecorder) EndStream() { u.ended = true }
func (u *upstreamRecorder) Reset(reason rperrors.StreamResetReason) { u.resets++ }

type staticFactory struct {
	decoders []DecoderFilter
	encoders []EncoderFilter
}

func (f staticFactory) CreateFilterChain() ([]DecoderFilter, []EncoderFilter) {
	return f.decoders, f.encoders
}

func TestDecodeChainRunsInOrder(t *testing.T) {
	var trace []string
	f1 := &recordingDecoder{name: "a", trace: &trace, status: Continue}
	f2 := &recordingDecoder{name: "b", trace: &trace, status: Continue}
	sink := &fakeSink{}
	up := &upstreamRecorder{}

	fm := New(staticFactory{decoders: []DecoderFilter{f1, f2}}, sink, up)
	fm.DecodeHeaders(header.New(1), true)

	assert.Equal(t, []string{"decode:a", "decode:b"}, trace)
}

func TestDecodeChainStopsOnNonContinue(t *testing.T) {
	var trace []string
	f1 := &recordingDecoder{name: "a", trace: &trace, status: StopIteration}
	f2 := &recordingDecoder{name: "b", trace: &trace, status: Continue}
	sink := &fakeSink{}
	up := &upstreamRecorder{}

	fm := New(staticFactory{decoders: []DecoderFilter{f1, f2}}, sink, up)
	fm.DecodeHeaders(header.New(1), true)

	assert.Equal(t, []string{"decode:a"}, trace)

	f1.status = Continue
	fm.ContinueDecoding()
	assert.Equal(t, []string{"decode:a", "decode:b"}, trace)
}

func TestEncodeChainDeliversToSink(t *testing.T) {
	var trace []string
	e1 := &recordingEncoder{name: "a", trace: &trace, status: Continue}
	sink := &fakeSink{}
	up := &upstreamRecorder{}

	fm := New(staticFactory{encoders: []EncoderFilter{e1}}, sink, up)
	fm.EncodeHeaders(200, header.New(1), true)

	assert.Equal(t, []string{"encode:a"}, trace)
	require.Len(t, sink.headersSent, 1)
	assert.Equal(t, 200, sink.headersSent[0])
	assert.True(t, up.ended)
}

func TestEncodeDataContinuePassesDataUnchanged(t *testing.T) {
	passthrough := &recordingEncoder{name: "a", status: Continue, trace: &[]string{}}
	sink := &fakeSink{}
	up := &upstreamRecorder{}

	fm := New(staticFactory{encoders: []EncoderFilter{passthrough}}, sink, up)
	fm.EncodeHeaders(200, header.New(1), false)
	fm.EncodeData([]byte("hello"), false)
	fm.EncodeData([]byte("world"), true)

	require.Len(t, sink.dataSent, 2)
	assert.Equal(t, "hello", string(sink.dataSent[0]))
	assert.Equal(t, "world", string(sink.dataSent[1]))
	assert.True(t, up.ended)
}

type injectingEncoder struct {
	NoOpEncoderFilter
	cb EncoderFilterCallbacks
}

func (f *injectingEncoder) SetEncoderFilterCallbacks(cb EncoderFilterCallbacks) { f.cb = cb }

func (f *injectingEncoder) EncodeData(data []byte, endStream bool) FilterStatus {
	upper := make([]byte, len(data))
	for i, b := range data {
		if b >= 'a' && b <= 'z' {
			b -= 'a' - 'A'
		}
		upper[i] = b
	}
	f.cb.InjectEncodedData(upper, endStream)
	return StopIterationNoBuffer
}

func TestEncodeDataInjectReplacesData(t *testing.T) {
	inj := &injectingEncoder{}
	tail := &recordingEncoder{name: "tail", status: Continue, trace: &[]string{}}
	sink := &fakeSink{}
	up := &upstreamRecorder{}

	fm := New(staticFactory{encoders: []EncoderFilter{inj, tail}}, sink, up)
	fm.EncodeHeaders(200, header.New(1), false)
	fm.EncodeData([]byte("hello"), true)

	require.Len(t, sink.dataSent, 1)
	assert.Equal(t, "HELLO", string(sink.dataSent[0]))
	assert.True(t, up.ended)
}

func TestSendLocalReplySynthesizesResponse(t *testing.T) {
	sink := &fakeSink{}
	up := &upstreamRecorder{}
	fm := New(staticFactory{}, sink, up)

	fm.SendLocalReply(404, []byte("nope"), nil, "route_not_found")

	require.Len(t, sink.headersSent, 1)
	assert.Equal(t, 404, sink.headersSent[0])
	require.Len(t, sink.dataSent, 1)
	assert.Equal(t, "nope", string(sink.dataSent[0]))
	assert.True(t, up.ended)
}

func TestSendProtocolErrorSynthesizesResponse(t *testing.T) {
	sink := &fakeSink{}
	up := &upstreamRecorder{}
	fm := New(staticFactory{}, sink, up)

	fm.SendProtocolError(400, "body-disallowed")

	require.Len(t, sink.headersSent, 1)
	assert.Equal(t, 400, sink.headersSent[0])
	require.Len(t, sink.dataSent, 1)
	assert.Contains(t, string(sink.dataSent[0]), "body-disallowed")
	assert.True(t, up.ended)
}

type bufferingDecoder struct {
	NoOpDecoderFilter
}

func (f *bufferingDecoder) DecodeData(data []byte, endStream bool) FilterStatus {
	return StopIterationAndBuffer
}

func TestDecodeDataOverflowsBufferLimitSendsLocalReply(t *testing.T) {
	sink := &fakeSink{}
	up := &upstreamRecorder{}
	fm := New(staticFactory{decoders: []DecoderFilter{&bufferingDecoder{}}}, sink, up)
	fm.SetMaxBufferBytes(8)

	fm.DecodeHeaders(header.New(1), false)
	fm.DecodeData([]byte("0123456789"), false)

	require.Len(t, sink.headersSent, 1)
	assert.Equal(t, 413, sink.headersSent[0])
	require.Len(t, sink.dataSent, 1)
	assert.Contains(t, string(sink.dataSent[0]), "buffer limit")
	assert.True(t, up.ended)
}

func TestDecodeDataWithinBufferLimitKeepsBuffering(t *testing.T) {
	sink := &fakeSink{}
	up := &upstreamRecorder{}
	fm := New(staticFactory{decoders: []DecoderFilter{&bufferingDecoder{}}}, sink, up)
	fm.SetMaxBufferBytes(1024)

	fm.DecodeHeaders(header.New(1), false)
	fm.DecodeData([]byte("0123456789"), false)

	assert.Empty(t, sink.headersSent)
	assert.Empty(t, sink.dataSent)
}

func TestDecodeHeadersWithEndStreamCompletesDecode(t *testing.T) {
	var trace []string
	f1 := &recordingDecoder{name: "a", trace: &trace, status: Continue}
	sink := &fakeSink{}
	up := &upstreamRecorder{}

	fm := New(staticFactory{decoders: []DecoderFilter{f1}}, sink, up)
	fm.DecodeHeaders(header.New(1), true)
	assert.True(t, fm.decodeComplete)
}
