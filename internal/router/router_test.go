package router

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpcore/rpcore/internal/cluster"
	"github.com/rpcore/rpcore/internal/config"
	"github.com/rpcore/rpcore/internal/filtermanager"
	"github.com/rpcore/rpcore/internal/header"
	"github.com/rpcore/rpcore/internal/stream"
)

type fakeCallbacks struct {
	localReplyCode int
	localReplyBody []byte
	localReplyDone bool

	info  filtermanager.StreamInfoView
	state *stream.FilterState
}

func (f *fakeCallbacks) ContinueDecoding() {}
func (f *fakeCallbacks) SendLocalReply(code int, body []byte, modifyHeaders func(*header.Map), details string) {
	f.localReplyCode = code
	f.localReplyBody = body
	f.localReplyDone = true
}
func (f *fakeCallbacks) StreamInfo() *filtermanager.StreamInfoView { return &f.info }
func (f *fakeCallbacks) FilterState() *stream.FilterState {
	if f.state == nil {
		f.state = stream.NewFilterState()
	}
	return f.state
}

type fakeSink struct {
	statuses []int
	headers  []*header.Map
	data     [][]byte
}

func (s *fakeSink) EncodeHeaders(status int, h *header.Map, end bool) {
	s.statuses = append(s.statuses, status)
	s.headers = append(s.headers, h)
}
func (s *fakeSink) EncodeData(data []byte, end bool) { s.data = append(s.data, append([]byte(nil), data...)) }
func (s *fakeSink) EncodeTrailers(t *header.Map)     {}

func requestHeaders(method, host, path string) *header.Map {
	h := header.New(4)
	h.Set(header.PseudoMethod, method)
	h.Set(header.PseudoPath, path)
	h.Set(header.Host, host)
	return h
}

func TestRouterSendsLocalReplyWhenNoRouteMatches(t *testing.T) {
	table := &Table{Routes: []Route{{Name: "x", PathPrefix: "/only/", ClusterName: "c"}}}
	clusters := cluster.NewManager(nil, nil)
	sink := &fakeSink{}
	f := New(table, clusters, config.HTTP1Settings{}, sink, nil, nil)
	cb := &fakeCallbacks{}
	f.SetDecoderFilterCallbacks(cb)

	status := f.DecodeHeaders(requestHeaders("GET", "h", "/nope"), true)
	assert.Equal(t, filtermanager.StopIteration, status)
	assert.True(t, cb.localReplyDone)
	assert.Equal(t, 404, cb.localReplyCode)
}

func TestRouterSendsLocalReplyWhenClusterMissing(t *testing.T) {
	table := &Table{Routes: []Route{{Name: "x", ClusterName: "missing"}}}
	clusters := cluster.NewManager(nil, nil)
	sink := &fakeSink{}
	f := New(table, clusters, config.HTTP1Settings{}, sink, nil, nil)
	cb := &fakeCallbacks{}
	f.SetDecoderFilterCallbacks(cb)

	f.DecodeHeaders(requestHeaders("GET", "h", "/"), true)
	assert.Equal(t, 503, cb.localReplyCode)
}

func TestRouterSendsLocalReplyWhenNoHealthyHost(t *testing.T) {
	table := &Table{Routes: []Route{{Name: "x", ClusterName: "empty"}}}
	clusters := cluster.NewManager([]config.ClusterConfig{{Name: "empty"}}, nil)
	sink := &fakeSink{}
	f := New(table, clusters, config.HTTP1Settings{}, sink, nil, nil)
	cb := &fakeCallbacks{}
	f.SetDecoderFilterCallbacks(cb)

	f.DecodeHeaders(requestHeaders("GET", "h", "/"), true)
	assert.Equal(t, 503, cb.localReplyCode)
}

// TestRouterProxiesAgainstRealUpstream runs a minimal TCP server speaking
// enough HTTP/1.1 to exercise the full dial -> encode request -> decode
// response path end to end.
func TestRouterProxiesAgainstRealUpstream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi"))
	}()

	addr := ln.Addr().(*net.TCPAddr)
	table := &Table{Routes: []Route{{Name: "x", ClusterName: "up"}}}
	clusters := cluster.NewManager([]config.ClusterConfig{{
		Name:             "up",
		MaxConnections:   4,
		MaxConnectingCap: 4,
		Endpoints:        []config.Endpoint{{Address: "127.0.0.1", Port: addr.Port}},
	}}, nil)
	sink := &fakeSink{}
	f := New(table, clusters, config.HTTP1Settings{}, sink, nil, nil)
	cb := &fakeCallbacks{}
	f.SetDecoderFilterCallbacks(cb)

	f.DecodeHeaders(requestHeaders("GET", "h", "/"), true)

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.statuses) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Len(t, sink.statuses, 1)
	assert.Equal(t, 200, sink.statuses[0])
}
