package session

import "time"

// timer derives the take duration from the clock on every read, so missed or
// late ticks never make it drift.
type timer struct {
	startedAt   time.Time
	running     bool
	accumulated time.Duration
	seconds     int
	max         int
}

func newTimer(maxSeconds int) *timer {
	return &timer{max: maxSeconds}
}

// begin opens a recording segment at now
func (t *timer) begin(now time.Time) {
	t.startedAt = now
	t.running = true
}

// elapsed is the recorded time as of now
func (t *timer) elapsed(now time.Time) time.Duration {
	if !t.running {
		return t.accumulated
	}
	d := now.Sub(t.startedAt)
	if d < 0 {
		d = 0
	}
	return d + t.accumulated
}

// suspend closes the open segment, carrying its time into the accumulation.
// It reports whether the whole-second duration changed.
func (t *timer) suspend(now time.Time) bool {
	if !t.running {
		return false
	}
	t.accumulated = t.elapsed(now)
	t.running = false
	return t.update(t.accumulated)
}

// tick recomputes the duration and reports whether it changed
func (t *timer) tick(now time.Time) bool {
	return t.update(t.elapsed(now))
}

func (t *timer) update(d time.Duration) bool {
	s := int(d / time.Second)
	if s <= t.seconds {
		return false
	}
	t.seconds = s
	return true
}

func (t *timer) reached() bool {
	return t.max > 0 && t.seconds >= t.max
}
