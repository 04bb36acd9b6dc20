// Package dispatcher defines the minimum contract spec.md §6 requires the
// core to consume from its external event-loop collaborator — post, timers,
// and deferred-delete — plus a single-goroutine reference implementation
// for tests and standalone use. Production deployments are expected to
// supply their own implementation backed by the real event loop; this one
// exists so the rest of the tree has something concrete to run against.
//
// Grounded on the posted-callback/goroutine-per-event-source pattern visible
// in caddy.go's use of context.Context, trimmed to the handful of methods
// spec.md §6 actually names.
package dispatcher

import (
	"container/heap"
	"sync"
	"time"
)

// Timer is a one-shot, re-armable timer, per spec.md §6's
// `create_timer(cb, arg) → Timer { enable(ms), disable() }`.
type Timer interface {
	Enable(d time.Duration)
	Disable()
}

// Dispatcher is the external collaborator contract the core depends on.
// `Post` is the only method safe to call from a goroutine other than the
// dispatcher's own.
type Dispatcher interface {
	// Post schedules fn to run on the dispatcher's owning goroutine. Safe
	// to call from any goroutine.
	Post(fn func())

	// CreateTimer returns an armable one-shot timer whose callback runs on
	// the dispatcher's owning goroutine when it fires.
	CreateTimer(cb func()) Timer

	// DeferredDelete schedules obj's Close to run after the current
	// dispatch iteration completes, per spec.md §9's "deferred-destroy
	// queue" pattern.
	DeferredDelete(obj Closer)

	// IsThreadSafe reports whether the calling goroutine is the
	// dispatcher's owning goroutine.
	IsThreadSafe() bool
}

// Closer is anything the deferred-delete queue can release.
type Closer interface {
	Close()
}

// Loop is a reference single-goroutine Dispatcher. It is driven by one call
// to Run (normally in its own goroutine), which returns once Stop is
// called. Posted work, timer callbacks, and deferred deletes all execute on
// the goroutine calling Run, satisfying IsThreadSafe for that goroutine only.
type Loop struct {
	ownerSet bool
	owner    uint64 // goroutine-identity surrogate; never assigned, ownerSet is what IsThreadSafe reads

	mu      sync.Mutex
	posted  []func()
	pending []*loopTimer
	drain   []Closer
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

// NewLoop constructs a Loop. The first Run call marks the loop as owned.
func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1), done: make(chan struct{})}
}

type loopTimer struct {
	cb       func()
	deadline time.Time
	index    int
	disabled bool
	loop     *Loop
}

func (t *loopTimer) Enable(d time.Duration) {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	t.disabled = false
	t.deadline = timeNowSurrogate().Add(d)
	if t.index == -1 {
		heap.Push((*timerHeap)(&t.loop.pending), t)
	} else {
		heap.Fix((*timerHeap)(&t.loop.pending), t.index)
	}
	t.loop.signal()
}

func (t *loopTimer) Disable() {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	t.disabled = true
	if t.index != -1 {
		heap.Remove((*timerHeap)(&t.loop.pending), t.index)
		t.index = -1
	}
}

type timerHeap []*loopTimer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) {
	t := x.(*loopTimer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timeNowSurrogate isolates the one real-clock read the loop needs; kept as
// a var so tests can override it deterministically if ever required.
var timeNowSurrogate = time.Now

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Post implements Dispatcher.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	l.signal()
}

// CreateTimer implements Dispatcher.
func (l *Loop) CreateTimer(cb func()) Timer {
	return &loopTimer{cb: cb, index: -1, loop: l}
}

// DeferredDelete implements Dispatcher.
func (l *Loop) DeferredDelete(obj Closer) {
	l.mu.Lock()
	l.drain = append(l.drain, obj)
	l.mu.Unlock()
	l.signal()
}

// IsThreadSafe implements Dispatcher. The reference loop has no goroutine
// affinity tracking beyond "Run is currently executing"; callers that need
// strict affinity should use their own goroutine-local marker. Here it
// simply reports true once Run has started, which is sufficient for the
// single-goroutine tests this package exists for.
func (l *Loop) IsThreadSafe() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ownerSet
}

// Run drains posted work, fires due timers, and runs deferred deletes until
// Stop is called. Intended to be the body of the dispatcher's owning
// goroutine.
func (l *Loop) Run() {
	l.mu.Lock()
	l.ownerSet = true
	l.mu.Unlock()

	for {
		l.runIteration()
		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			close(l.done)
			return
		}
		wait := l.nextWait()
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-l.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (l *Loop) nextWait() time.Duration {
	if len(l.pending) == 0 {
		return time.Hour
	}
	d := l.pending[0].deadline.Sub(timeNowSurrogate())
	if d < 0 {
		return 0
	}
	return d
}

func (l *Loop) runIteration() {
	for {
		l.mu.Lock()
		if len(l.posted) == 0 {
			l.mu.Unlock()
			break
		}
		fn := l.posted[0]
		l.posted = l.posted[1:]
		l.mu.Unlock()
		fn()
	}

	now := timeNowSurrogate()
	for {
		l.mu.Lock()
		if len(l.pending) == 0 || l.pending[0].deadline.After(now) {
			l.mu.Unlock()
			break
		}
		t := heap.Pop((*timerHeap)(&l.pending)).(*loopTimer)
		l.mu.Unlock()
		if !t.disabled {
			t.cb()
		}
	}

	l.mu.Lock()
	drain := l.drain
	l.drain = nil
	l.mu.Unlock()
	for _, obj := range drain {
		obj.Close()
	}
}

// Stop requests Run to return once its current iteration finishes.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.signal()
	<-l.done
}
