package pool

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpcore/rpcore/internal/config"
)

// fakeConn wraps one end of an in-memory net.Pipe. Unlike a bytes.Buffer,
// Read blocks until the peer writes or the pipe closes — matching a real
// long-lived TCP connection's behavior, which pool.pumpReads' background
// read loop depends on (a Read that returned EOF immediately would fail
// the client the instant it was dialed).
type fakeConn struct {
	net.Conn
	peer   net.Conn
	closed bool
}

func (c *fakeConn) Close() error {
	c.closed = true
	_ = c.peer.Close()
	return c.Conn.Close()
}

type fakeDialer struct {
	dials int
	err   error
}

func (d *fakeDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	client, server := net.Pipe()
	go io.Copy(io.Discard, server)
	return &fakeConn{Conn: client, peer: server}, nil
}

func TestNewStreamDialsWhenNoReadyClient(t *testing.T) {
	d := &fakeDialer{}
	p := New(d, config.HTTP1Settings{}, 4, 4, 4, nil, "test")

	c, err := p.NewStream(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, d.dials)
	assert.Equal(t, StateBusy, c.state)
	assert.Equal(t, Stats{Busy: 1}, p.Stats())
}

func TestReleaseReturnsToReadyAndReused(t *testing.T) {
	d := &fakeDialer{}
	p := New(d, config.HTTP1Settings{}, 4, 4, 4, nil, "test")

	c, err := p.NewStream(context.Background())
	require.NoError(t, err)
	p.Release(c)
	assert.Equal(t, Stats{Ready: 1}, p.Stats())

	c2, err := p.NewStream(context.Background())
	require.NoError(t, err)
	assert.Same(t, c, c2)
	assert.Equal(t, 1, d.dials)
}

func TestNewStreamQueuesAtCapacity(t *testing.T) {
	d := &fakeDialer{}
	p := New(d, config.HTTP1Settings{}, 1, 1, 4, nil, "test")

	c1, err := p.NewStream(context.Background())
	require.NoError(t, err)

	resultCh := make(chan *Client, 1)
	go func() {
		c, _ := p.NewStream(context.Background())
		resultCh <- c
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, p.pending.Len())

	p.Release(c1)
	select {
	case c2 := <-resultCh:
		assert.Same(t, c1, c2)
	case <-time.After(time.Second):
		t.Fatal("pending request never satisfied")
	}
}

func TestNewStreamOverflowsSynchronouslyAtZeroMaxPending(t *testing.T) {
	d := &fakeDialer{}
	p := New(d, config.HTTP1Settings{}, 1, 1, 0, nil, "test")

	_, err := p.NewStream(context.Background())
	require.NoError(t, err)

	_, err = p.NewStream(context.Background())
	assert.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, 0, p.pending.Len())
}

func TestDrainConnectionsFailsPendingWithOverflow(t *testing.T) {
	d := &fakeDialer{}
	p := New(d, config.HTTP1Settings{}, 1, 1, 4, nil, "test")

	_, err := p.NewStream(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.NewStream(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, p.pending.Len())

	p.DrainConnections()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrOverflow)
	case <-time.After(time.Second):
		t.Fatal("pending request never failed")
	}
}

func TestNewStreamContextCancelDequeues(t *testing.T) {
	d := &fakeDialer{}
	p := New(d, config.HTTP1Settings{}, 1, 1, 4, nil, "test")
	_, err := p.NewStream(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.NewStream(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, p.pending.Len())
}

func TestFailRemovesClientFromPool(t *testing.T) {
	d := &fakeDialer{}
	p := New(d, config.HTTP1Settings{}, 4, 4, 4, nil, "test")
	c, err := p.NewStream(context.Background())
	require.NoError(t, err)

	p.Fail(c)
	assert.Equal(t, Stats{}, p.Stats())
	assert.True(t, c.conn.(*fakeConn).closed)
}

func TestDrainConnectionsClosesReadyAndMarksBusy(t *testing.T) {
	d := &fakeDialer{}
	p := New(d, config.HTTP1Settings{}, 4, 4, 4, nil, "test")
	ready, err := p.NewStream(context.Background())
	require.NoError(t, err)
	busy, err := p.NewStream(context.Background())
	require.NoError(t, err)
	p.Release(ready)

	p.DrainConnections()
	assert.True(t, ready.conn.(*fakeConn).closed)
	assert.Equal(t, StateDraining, busy.state)

	p.Release(busy)
	assert.True(t, busy.conn.(*fakeConn).closed)
}
