// Package trigger provides stateful fire-time generators for
// schedules. A Trigger is explicitly out of scope as "the" subject of
// the scheduler/worker/store contract (spec §1) — it is an opaque
// collaborator exposing only Next() — but the scheduler needs concrete
// triggers to drive, so this package provides the small set used by
// tests and the CLI: fixed interval, 5-field cron, and one-shot date.
//
// The shape mirrors golly/chrono's schedule implementations
// (IntervalSchedule, CronSchedule) but Next takes no argument: each
// trigger tracks its own cursor and returns strictly increasing
// timestamps until exhausted, matching the Python original's
// trigger.next() contract.
package trigger

import "time"

// Trigger produces monotonically increasing fire times. Next returns
// (t, true) for the next fire time, or (zero, false) once the trigger
// is exhausted.
type Trigger interface {
	Next() (time.Time, bool)
}

// IntervalTrigger fires every interval, starting at the startAt given
// to NewIntervalTrigger (or the construction time if that is zero).
type IntervalTrigger struct {
	Interval time.Duration
	next     time.Time
	started  bool
}

// NewIntervalTrigger creates a trigger that fires every interval
// starting at startAt. A zero startAt starts from now.
func NewIntervalTrigger(interval time.Duration, startAt time.Time) *IntervalTrigger {
	if startAt.IsZero() {
		startAt = time.Now()
	}
	return &IntervalTrigger{Interval: interval, next: startAt}
}

// Next returns the next fire time and advances the cursor.
func (t *IntervalTrigger) Next() (time.Time, bool) {
	if t.Interval <= 0 {
		return time.Time{}, false
	}
	fire := t.next
	t.next = t.next.Add(t.Interval)
	return fire, true
}

// DateTrigger fires exactly once, at RunAt, then is exhausted.
type DateTrigger struct {
	RunAt time.Time
	fired bool
}

// NewDateTrigger creates a one-shot trigger for the given time.
func NewDateTrigger(runAt time.Time) *DateTrigger {
	return &DateTrigger{RunAt: runAt}
}

// Next returns RunAt exactly once.
func (t *DateTrigger) Next() (time.Time, bool) {
	if t.fired {
		return time.Time{}, false
	}
	t.fired = true
	return t.RunAt, true
}

// CronTrigger (5-field cron expressions) lives in cron.go.
