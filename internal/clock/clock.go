// Package clock provides the time source and periodic task scheduling used by
// the recording engine. The System scheduler runs on real tickers; Manual is a
// deterministic scheduler for tests that fires tasks synchronously as time is
// advanced.
package clock

import (
	"sync"
	"time"
)

// Task is a handle on a repeating task. Cancel is idempotent and, once it has
// returned, the task's function is never started again.
type Task interface {
	Cancel()
}

// Scheduler is a wall clock plus a repeating task scheduler.
type Scheduler interface {
	Now() time.Time
	Every(interval time.Duration, fn func()) Task
}

// System is the real-time Scheduler.
type System struct{}

// Now returns the current wall clock time
func (System) Now() time.Time {
	return time.Now()
}

// Every runs fn on its own goroutine every interval until the task is cancelled.
func (System) Every(interval time.Duration, fn func()) Task {
	t := &tickerTask{stop: make(chan struct{})}
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				// A tick and a cancel can be ready together; cancel wins.
				select {
				case <-t.stop:
					return
				default:
				}
				fn()
			}
		}
	}()

	return t
}

type tickerTask struct {
	once sync.Once
	stop chan struct{}
}

func (t *tickerTask) Cancel() {
	t.once.Do(func() { close(t.stop) })
}

// Manual is a Scheduler whose time only moves when Advance is called.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	tasks []*manualTask
	seq   int
}

type manualTask struct {
	m        *Manual
	seq      int
	interval time.Duration
	next     time.Time
	fn       func()
}

// NewManual creates a manual scheduler starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the scheduler's current time
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Every registers fn to run each time interval elapses on the manual clock.
func (m *Manual) Every(interval time.Duration, fn func()) Task {
	if interval <= 0 {
		interval = time.Nanosecond
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &manualTask{
		m:        m,
		seq:      m.seq,
		interval: interval,
		next:     m.now.Add(interval),
		fn:       fn,
	}
	m.tasks = append(m.tasks, t)
	return t
}

func (t *manualTask) Cancel() {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	for i, other := range t.m.tasks {
		if other == t {
			t.m.tasks = append(t.m.tasks[:i], t.m.tasks[i+1:]...)
			return
		}
	}
}

// Advance moves the clock forward by d, running every task that falls due in
// chronological order. Tasks run on the caller's goroutine with the clock set
// to their due time, and may cancel or register tasks.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		due := m.nextDue(target)
		if due == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		if due.next.After(m.now) {
			m.now = due.next
		}
		due.next = due.next.Add(due.interval)
		fn := due.fn
		m.mu.Unlock()

		fn()
	}
}

// Pending reports how many tasks are still scheduled.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *Manual) nextDue(target time.Time) *manualTask {
	var due *manualTask
	for _, t := range m.tasks {
		if t.next.After(target) {
			continue
		}
		if due == nil || t.next.Before(due.next) || (t.next.Equal(due.next) && t.seq < due.seq) {
			due = t
		}
	}
	return due
}
