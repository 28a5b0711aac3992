package memory

import (
	"context"
	"testing"
	"time"

	"github.com/tidecron/scheduler/internal/apschedtypes"
	"github.com/tidecron/scheduler/internal/eventbroker"
	"github.com/tidecron/scheduler/internal/serializer"
	"github.com/tidecron/scheduler/internal/store"
)

func newTestStore() *Store {
	return New(store.Options{
		Events:              eventbroker.New(),
		Serializer:          serializer.JSONSerializer{},
		LockExpirationDelay: time.Minute,
	})
}

func TestTaskCRUD(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	if err := s.AddTask(ctx, &apschedtypes.Task{ID: "t1", Func: "pkg.Func"}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Func != "pkg.Func" {
		t.Errorf("Func = %q, want pkg.Func", got.Func)
	}

	tasks, err := s.GetTasks(ctx)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("GetTasks = %v, %v, want 1 task", tasks, err)
	}

	if err := s.RemoveTask(ctx, "t1"); err != nil {
		t.Fatalf("RemoveTask: %v", err)
	}
	if _, err := s.GetTask(ctx, "t1"); err == nil {
		t.Error("GetTask after RemoveTask should error")
	}
}

func TestAddTaskPreservesRunningJobs(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	max := 2

	s.AddTask(ctx, &apschedtypes.Task{ID: "t1", Func: "f", MaxRunningJobs: &max})
	s.AcquireJobs(ctx, "w1", 10) // no jobs queued, but exercises the no-op path

	s.AddJob(ctx, &apschedtypes.Job{ID: "j1", TaskID: "t1"})
	acquired, _ := s.AcquireJobs(ctx, "w1", 10)
	if len(acquired) != 1 {
		t.Fatalf("expected 1 acquired job, got %d", len(acquired))
	}

	// Re-adding the task must not reset running_jobs to 0.
	s.AddTask(ctx, &apschedtypes.Task{ID: "t1", Func: "f", MaxRunningJobs: &max})
	got, _ := s.GetTask(ctx, "t1")
	if got.RunningJobs != 1 {
		t.Errorf("RunningJobs = %d after re-add, want 1", got.RunningJobs)
	}
}

func TestScheduleConflictPolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("do_nothing keeps the original", func(t *testing.T) {
		s := newTestStore()
		s.AddSchedule(ctx, &apschedtypes.Schedule{ID: "s1", TaskID: "a"}, apschedtypes.ConflictDoNothing)
		err := s.AddSchedule(ctx, &apschedtypes.Schedule{ID: "s1", TaskID: "b"}, apschedtypes.ConflictDoNothing)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got, _ := s.GetSchedules(ctx, []string{"s1"})
		if got[0].TaskID != "a" {
			t.Errorf("TaskID = %q, want unchanged %q", got[0].TaskID, "a")
		}
	})

	t.Run("exception rejects the duplicate", func(t *testing.T) {
		s := newTestStore()
		s.AddSchedule(ctx, &apschedtypes.Schedule{ID: "s1", TaskID: "a"}, apschedtypes.ConflictDoNothing)
		err := s.AddSchedule(ctx, &apschedtypes.Schedule{ID: "s1", TaskID: "b"}, apschedtypes.ConflictException)
		if err == nil {
			t.Fatal("expected a conflicting-id error")
		}
	})

	t.Run("replace overwrites", func(t *testing.T) {
		s := newTestStore()
		s.AddSchedule(ctx, &apschedtypes.Schedule{ID: "s1", TaskID: "a"}, apschedtypes.ConflictDoNothing)
		err := s.AddSchedule(ctx, &apschedtypes.Schedule{ID: "s1", TaskID: "b"}, apschedtypes.ConflictReplace)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got, _ := s.GetSchedules(ctx, []string{"s1"})
		if got[0].TaskID != "b" {
			t.Errorf("TaskID = %q, want replaced %q", got[0].TaskID, "b")
		}
	})
}

func TestAcquireSchedulesRespectsLease(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	due := time.Now().Add(-time.Minute)

	s.AddSchedule(ctx, &apschedtypes.Schedule{ID: "s1", TaskID: "t1", NextFireTime: &due}, apschedtypes.ConflictDoNothing)

	first, err := s.AcquireSchedules(ctx, "sched-a", 10)
	if err != nil || len(first) != 1 {
		t.Fatalf("first acquire = %v, %v, want 1 schedule", first, err)
	}

	second, err := s.AcquireSchedules(ctx, "sched-b", 10)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second acquire should see nothing while leased, got %d", len(second))
	}
}

func TestAcquireJobsEnforcesMaxRunningJobs(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	max := 1

	s.AddTask(ctx, &apschedtypes.Task{ID: "t1", Func: "f", MaxRunningJobs: &max})
	s.AddJob(ctx, &apschedtypes.Job{ID: "j1", TaskID: "t1"})
	s.AddJob(ctx, &apschedtypes.Job{ID: "j2", TaskID: "t1"})

	acquired, err := s.AcquireJobs(ctx, "w1", 10)
	if err != nil {
		t.Fatalf("AcquireJobs: %v", err)
	}
	if len(acquired) != 1 {
		t.Fatalf("expected exactly 1 job admitted under max_running_jobs=1, got %d", len(acquired))
	}

	task, _ := s.GetTask(ctx, "t1")
	if task.RunningJobs != 1 {
		t.Errorf("RunningJobs = %d, want 1", task.RunningJobs)
	}
}

func TestJobResultIsConsumedOnRead(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	s.AddTask(ctx, &apschedtypes.Task{ID: "t1", Func: "f"})
	s.AddJob(ctx, &apschedtypes.Job{ID: "j1", TaskID: "t1"})
	s.AcquireJobs(ctx, "w1", 10)

	if err := s.ReleaseJob(ctx, "w1", "t1", &apschedtypes.JobResult{JobID: "j1", Outcome: apschedtypes.OutcomeSuccess}); err != nil {
		t.Fatalf("ReleaseJob: %v", err)
	}

	result, err := s.GetJobResult(ctx, "j1")
	if err != nil || result == nil {
		t.Fatalf("first GetJobResult = %v, %v, want a result", result, err)
	}

	second, err := s.GetJobResult(ctx, "j1")
	if err != nil {
		t.Fatalf("second GetJobResult: %v", err)
	}
	if second != nil {
		t.Error("result should have been consumed by the first read")
	}
}
