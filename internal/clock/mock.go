package clock

import (
	"sort"
	"sync"
	"time"
)

// Mock is a manually advanced Clock. Ticks are delivered on unbuffered
// channels, so Advance returns only after every due tick has been received
// or its ticker stopped.
type Mock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	now     time.Time
	waiters []*mockWaiter
}

type mockWaiter struct {
	mock    *Mock
	next    time.Time
	period  time.Duration
	c       chan time.Time
	done    chan struct{}
	stopped bool
}

func NewMock(start time.Time) *Mock {
	m := &Mock{now: start}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	return mockTicker{m.addWaiter(d, d)}
}

func (m *Mock) NewTimer(d time.Duration) Timer {
	return m.addWaiter(d, 0)
}

func (m *Mock) addWaiter(d, period time.Duration) *mockWaiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := &mockWaiter{
		mock:   m,
		next:   m.now.Add(d),
		period: period,
		c:      make(chan time.Time),
		done:   make(chan struct{}),
	}
	m.waiters = append(m.waiters, w)
	m.cond.Broadcast()
	return w
}

// Advance moves the clock forward by d, firing every ticker and timer that
// comes due along the way in time order.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	end := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		w := m.nextDueLocked(end)
		if w == nil {
			m.now = end
			m.mu.Unlock()
			return
		}

		fire := w.next
		m.now = fire
		if w.period > 0 {
			w.next = w.next.Add(w.period)
		} else {
			m.removeLocked(w)
		}
		m.mu.Unlock()

		select {
		case w.c <- fire:
		case <-w.done:
		}
	}
}

// BlockUntil waits until at least n tickers or timers are active.
func (m *Mock) BlockUntil(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.waiters) < n {
		m.cond.Wait()
	}
}

func (m *Mock) nextDueLocked(end time.Time) *mockWaiter {
	due := make([]*mockWaiter, 0, len(m.waiters))
	for _, w := range m.waiters {
		if !w.next.After(end) {
			due = append(due, w)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].next.Before(due[j].next) })
	return due[0]
}

func (m *Mock) removeLocked(w *mockWaiter) {
	for i, cur := range m.waiters {
		if cur == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			break
		}
	}
	m.cond.Broadcast()
}

type mockTicker struct {
	*mockWaiter
}

func (t mockTicker) Stop() { t.mockWaiter.Stop() }

func (w *mockWaiter) C() <-chan time.Time { return w.c }

func (w *mockWaiter) Stop() bool {
	m := w.mock
	m.mu.Lock()
	defer m.mu.Unlock()

	if w.stopped {
		return false
	}
	w.stopped = true
	close(w.done)

	active := false
	for _, cur := range m.waiters {
		if cur == w {
			active = true
			break
		}
	}
	m.removeLocked(w)
	return active
}
