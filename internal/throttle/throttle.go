// Package throttle collapses bursts of trigger signals into single executions of a function.
// The first trigger runs immediately; triggers that arrive while the window is open, or while
// the function is still running, are merged into one trailing run.
package throttle

import (
	"sync"
	"time"

	"github.com/river-build/go-keyshare/clock"
)

type Throttle struct {
	clock     clock.Clock
	interval  time.Duration
	fn        func()
	lock      sync.Mutex
	idle      *sync.Cond
	window    clock.Timer
	running   bool
	pending   bool
	cancelled bool
}

func New(c clock.Clock, interval time.Duration, fn func()) *Throttle {
	t := &Throttle{
		clock:    c,
		interval: interval,
		fn:       fn,
	}
	t.idle = sync.NewCond(&t.lock)
	return t
}

func (t *Throttle) Trigger() {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.cancelled {
		return
	}
	if t.window != nil || t.running {
		t.pending = true
		return
	}
	t.start()
}

// Cancel drops any pending trailing run and prevents future ones. A run already in progress
// is allowed to finish.
func (t *Throttle) Cancel() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.cancelled = true
	t.pending = false
	if t.window != nil {
		t.window.Stop()
		t.window = nil
	}
	t.idle.Broadcast()
}

// Wait blocks until no run is in progress. A trailing run held back by an open window may
// still follow once the window closes.
func (t *Throttle) Wait() {
	t.lock.Lock()
	defer t.lock.Unlock()
	for t.running {
		t.idle.Wait()
	}
}

// must be called with lock held
func (t *Throttle) start() {
	t.running = true
	t.window = t.clock.AfterFunc(t.interval, t.windowClosed)
	go t.run()
}

func (t *Throttle) run() {
	t.fn()
	t.lock.Lock()
	defer t.lock.Unlock()
	t.running = false
	if t.pending && t.window == nil && !t.cancelled {
		t.pending = false
		t.start()
		return
	}
	t.idle.Broadcast()
}

func (t *Throttle) windowClosed() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.window = nil
	if t.pending && !t.running && !t.cancelled {
		t.pending = false
		t.start()
	}
}
