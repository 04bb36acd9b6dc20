package dispatcher

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostRunsOnLoopGoroutine(t *testing.T) {
	l := NewLoop()
	go l.Run()
	defer l.Stop()

	done := make(chan struct{})
	var ran int32
	l.Post(func() {
		atomic.StoreInt32(&ran, 1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("post never ran")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestTimerFires(t *testing.T) {
	l := NewLoop()
	go l.Run()
	defer l.Stop()

	fired := make(chan struct{})
	var timer Timer
	l.Post(func() {
		timer = l.CreateTimer(func() { close(fired) })
		timer.Enable(10 * time.Millisecond)
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestTimerDisableCancels(t *testing.T) {
	l := NewLoop()
	go l.Run()
	defer l.Stop()

	var firedCount int32
	done := make(chan struct{})
	l.Post(func() {
		timer := l.CreateTimer(func() { atomic.AddInt32(&firedCount, 1) })
		timer.Enable(5 * time.Millisecond)
		timer.Disable()
		close(done)
	})
	<-done
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&firedCount))
}

func TestDeferredDeleteRunsAfterIteration(t *testing.T) {
	l := NewLoop()
	go l.Run()
	defer l.Stop()

	closed := make(chan struct{})
	l.DeferredDelete(closerFunc(func() { close(closed) }))

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("deferred delete never ran")
	}
}

func TestIsThreadSafeAfterStart(t *testing.T) {
	l := NewLoop()
	require.False(t, l.IsThreadSafe())
	go l.Run()
	defer l.Stop()

	done := make(chan struct{})
	l.Post(func() { close(done) })
	<-done
	assert.True(t, l.IsThreadSafe())
}

type closerFunc func()

func (f closerFunc) Close() { f() }
