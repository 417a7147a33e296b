package clock

import (
	"sort"
	"sync"
	"time"
)

// ManualClock only moves when Advance is called. Timers whose deadline is reached are fired
// synchronously, in deadline order, from within Advance.
type ManualClock struct {
	lock   sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	c        *ManualClock
	deadline time.Time
	f        func()
	stopped  bool
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (mc *ManualClock) CurrentTimeMicro() uint64 {
	return uint64(mc.Now().UnixMicro())
}

func (mc *ManualClock) CurrentTimeMs() uint64 {
	return uint64(mc.Now().UnixMilli())
}

func (mc *ManualClock) Now() time.Time {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	return mc.now
}

func (mc *ManualClock) AfterFunc(d time.Duration, f func()) Timer {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	t := &manualTimer{c: mc, deadline: mc.now.Add(d), f: f}
	mc.timers = append(mc.timers, t)
	return t
}

// Pending returns the number of timers which have neither fired nor been stopped.
func (mc *ManualClock) Pending() int {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	return len(mc.timers)
}

func (mc *ManualClock) Advance(d time.Duration) {
	mc.lock.Lock()
	target := mc.now.Add(d)
	for {
		sort.SliceStable(mc.timers, func(i, j int) bool { return mc.timers[i].deadline.Before(mc.timers[j].deadline) })
		if len(mc.timers) == 0 || mc.timers[0].deadline.After(target) {
			break
		}
		t := mc.timers[0]
		mc.timers = mc.timers[1:]
		if t.deadline.After(mc.now) {
			mc.now = t.deadline
		}
		mc.lock.Unlock()
		t.f()
		mc.lock.Lock()
	}
	mc.now = target
	mc.lock.Unlock()
}

func (t *manualTimer) Stop() bool {
	t.c.lock.Lock()
	defer t.c.lock.Unlock()
	for i, other := range t.c.timers {
		if other == t {
			t.c.timers = append(t.c.timers[:i], t.c.timers[i+1:]...)
			return true
		}
	}
	return false
}
