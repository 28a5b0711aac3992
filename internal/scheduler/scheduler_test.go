package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/tidecron/scheduler/internal/apschedtypes"
	"github.com/tidecron/scheduler/internal/eventbroker"
	"github.com/tidecron/scheduler/internal/serializer"
	"github.com/tidecron/scheduler/internal/store"
	memstore "github.com/tidecron/scheduler/internal/store/memory"
	"github.com/tidecron/scheduler/internal/trigger"
)

func newTestScheduler(t *testing.T) (*Scheduler, store.Store) {
	t.Helper()
	opts := store.Options{Events: eventbroker.New(), Serializer: serializer.JSONSerializer{}}.WithDefaults()
	s := memstore.New(opts)
	sched := New("sched-test", s, opts.Events, opts.Serializer, nil, DefaultConfig())
	return sched, s
}

// fixedTrigger fires every entry in times, in order, then is exhausted.
type fixedTrigger struct {
	times []time.Time
	i     int
}

func (f *fixedTrigger) Next() (time.Time, bool) {
	if f.i >= len(f.times) {
		return time.Time{}, false
	}
	t := f.times[f.i]
	f.i++
	return t, true
}

func TestAddScheduleCreatesImplicitTask(t *testing.T) {
	sched, s := newTestScheduler(t)
	ctx := context.Background()

	id, err := sched.AddSchedule(ctx, ScheduleOptions{
		Func:    "mypkg.MyFunc",
		Trigger: trigger.NewDateTrigger(time.Now().Add(time.Hour)),
	})
	if err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}

	scs, err := s.GetSchedules(ctx, []string{id})
	if err != nil || len(scs) != 1 {
		t.Fatalf("GetSchedules = %v, %v", scs, err)
	}
	if scs[0].TaskID != "mypkg.MyFunc" {
		t.Errorf("TaskID = %q, want the implicit task id", scs[0].TaskID)
	}

	if _, err := s.GetTask(ctx, "mypkg.MyFunc"); err != nil {
		t.Errorf("implicit task was not created: %v", err)
	}
}

func TestApplyCoalescePolicies(t *testing.T) {
	now := time.Now()
	times := []time.Time{now.Add(-3 * time.Minute), now.Add(-2 * time.Minute), now.Add(-time.Minute)}

	cases := []struct {
		policy apschedtypes.CoalescePolicy
		want   time.Time
	}{
		{apschedtypes.CoalesceEarliest, times[0]},
		{apschedtypes.CoalesceLatest, times[2]},
	}
	for _, c := range cases {
		got := applyCoalesce(c.policy, times)
		if len(got) != 1 || !got[0].Equal(c.want) {
			t.Errorf("applyCoalesce(%s) = %v, want [%v]", c.policy, got, c.want)
		}
	}

	all := applyCoalesce(apschedtypes.CoalesceAll, times)
	if len(all) != len(times) {
		t.Errorf("applyCoalesce(all) kept %d of %d fire times", len(all), len(times))
	}
}

// TestSchedulerProcessTickEnqueuesJobsAndAdvances exercises the
// scheduler end to end against a real (memory) store: a schedule with
// three past-due fire times under the "all" coalesce policy must
// enqueue exactly three jobs in one tick, and the schedule's
// next_fire_time must advance to the trigger's first future fire time.
func TestSchedulerProcessTickEnqueuesJobsAndAdvances(t *testing.T) {
	sched, s := newTestScheduler(t)
	ctx := context.Background()

	now := time.Now()
	// Fires at now-150s, now-90s, now-30s (past) and now+30s (future).
	past := []time.Time{now.Add(-150 * time.Second), now.Add(-90 * time.Second), now.Add(-30 * time.Second)}

	id, err := sched.AddSchedule(ctx, ScheduleOptions{
		Func:     "mypkg.MyFunc",
		Trigger:  trigger.NewIntervalTrigger(time.Minute, past[0]),
		Coalesce: apschedtypes.CoalesceAll,
	})
	if err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}

	if _, err := sched.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	jobs, err := s.GetJobs(ctx, nil)
	if err != nil {
		t.Fatalf("GetJobs: %v", err)
	}
	if len(jobs) != len(past) {
		t.Fatalf("enqueued %d jobs, want %d", len(jobs), len(past))
	}

	scs, _ := s.GetSchedules(ctx, []string{id})
	if len(scs) != 1 || scs[0].NextFireTime == nil || !scs[0].NextFireTime.Equal(past[2].Add(time.Minute)) {
		t.Errorf("schedules = %v, want one with NextFireTime %v", scs, past[2].Add(time.Minute))
	}
}

// TestConcurrencyBoundAcrossScheduleAndWorker is scenario S1 from the
// concurrency-bound property: a task with max_running_jobs=1 must
// never have more than one job acquired at a time, even when its
// schedule produces several due fire times in one tick.
func TestConcurrencyBoundAcrossScheduleAndWorker(t *testing.T) {
	sched, s := newTestScheduler(t)
	ctx := context.Background()

	now := time.Now()
	// Three past-due fire times (now-150s, now-90s, now-30s).
	start := now.Add(-150 * time.Second)
	maxRunning := 1

	_, err := sched.AddSchedule(ctx, ScheduleOptions{
		Func:           "limited.Func",
		MaxRunningJobs: &maxRunning,
		Trigger:        trigger.NewIntervalTrigger(time.Minute, start),
		Coalesce:       apschedtypes.CoalesceAll,
	})
	if err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}

	if _, err := sched.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	acquired, err := s.AcquireJobs(ctx, "worker-1", 10)
	if err != nil {
		t.Fatalf("AcquireJobs: %v", err)
	}
	if len(acquired) != 1 {
		t.Fatalf("acquired %d jobs, want exactly 1 under max_running_jobs=1", len(acquired))
	}

	task, _ := s.GetTask(ctx, "limited.Func")
	if task.RunningJobs != 1 {
		t.Errorf("RunningJobs = %d, want 1", task.RunningJobs)
	}
}
