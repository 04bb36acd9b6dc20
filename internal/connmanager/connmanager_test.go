package connmanager

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpcore/rpcore/internal/cluster"
	"github.com/rpcore/rpcore/internal/config"
	"github.com/rpcore/rpcore/internal/router"
)

// startFakeUpstream runs a minimal HTTP/1.1 responder so the connection
// manager has something real to proxy to.
func startFakeUpstream(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
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
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

func TestConnectionManagerProxiesEndToEnd(t *testing.T) {
	upstream := startFakeUpstream(t)

	table := &router.Table{Routes: []router.Route{{Name: "default", ClusterName: "up"}}}
	clusters := cluster.NewManager([]config.ClusterConfig{{
		Name:             "up",
		MaxConnections:   4,
		MaxConnectingCap: 4,
		Endpoints:        []config.Endpoint{{Address: "127.0.0.1", Port: upstream.Port}},
	}}, nil)

	m := New(nil, config.ConnectionManagerConfig{}, table, clusters, nil, nil, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, status, "200")
}

func TestConnectionManagerSendsLocalReplyWhenNoRouteMatches(t *testing.T) {
	table := &router.Table{Routes: []router.Route{{Name: "only-post", Methods: []string{"POST"}, ClusterName: "up"}}}
	clusters := cluster.NewManager(nil, nil)
	m := New(nil, config.ConnectionManagerConfig{}, table, clusters, nil, nil, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, status, "404")
}

func TestPrematureResetTrackerTripsOnAbsoluteThreshold(t *testing.T) {
	pr := &prematureResetTracker{absoluteThreshold: 3}
	for i := 0; i < 2; i++ {
		pr.recordStream()
		pr.recordReset()
		assert.False(t, pr.tripped())
	}
	pr.recordStream()
	pr.recordReset()
	assert.True(t, pr.tripped())
}

func TestPrematureResetTrackerTripsOnRate(t *testing.T) {
	pr := &prematureResetTracker{rateThreshold: 0.5}
	for i := 0; i < 25; i++ {
		pr.recordStream()
		pr.recordReset()
	}
	assert.True(t, pr.tripped())
}

func TestPrematureResetTrackerToleratesLowRateUnderVolume(t *testing.T) {
	pr := &prematureResetTracker{rateThreshold: 0.5}
	for i := 0; i < 25; i++ {
		pr.recordStream()
	}
	pr.recordReset()
	assert.False(t, pr.tripped())
}
