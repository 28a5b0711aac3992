package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tidecron/scheduler/internal/apschedtypes"
	"github.com/tidecron/scheduler/internal/eventbroker"
	"github.com/tidecron/scheduler/internal/serializer"
	"github.com/tidecron/scheduler/internal/store"
	memstore "github.com/tidecron/scheduler/internal/store/memory"
	"github.com/tidecron/scheduler/internal/taskregistry"
)

func TestNewDefaultsEmptyIDToHostnamePidPointer(t *testing.T) {
	opts := store.Options{Events: eventbroker.New(), Serializer: serializer.JSONSerializer{}}.WithDefaults()
	s := memstore.New(opts)

	w1 := New("", s, taskregistry.New(), opts.Events, opts.Serializer, nil, nil)
	w2 := New("", s, taskregistry.New(), opts.Events, opts.Serializer, nil, nil)

	if w1.ID() == "" {
		t.Fatal("expected a non-empty default id")
	}
	if w1.ID() == w2.ID() {
		t.Errorf("two workers defaulted to the same id %q, want distinct identities", w1.ID())
	}

	explicit := New("worker-7", s, taskregistry.New(), opts.Events, opts.Serializer, nil, nil)
	if explicit.ID() != "worker-7" {
		t.Errorf("ID() = %q, want the explicitly supplied id", explicit.ID())
	}
}

func newTestWorker(t *testing.T, reg *taskregistry.Registry) (*Worker, store.Store) {
	t.Helper()
	opts := store.Options{Events: eventbroker.New(), Serializer: serializer.JSONSerializer{}}.WithDefaults()
	s := memstore.New(opts)
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	w := New("worker-test", s, reg, opts.Events, opts.Serializer, nil, cfg)
	return w, s
}

func waitForResult(t *testing.T, s store.Store, jobID string) *apschedtypes.JobResult {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		result, err := s.GetJobResult(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetJobResult: %v", err)
		}
		if result != nil {
			return result
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never produced a result", jobID)
	return nil
}

func TestWorkerRunsSuccessfulJob(t *testing.T) {
	reg := taskregistry.New()
	reg.Register("echo", func(ctx context.Context, args, kwargs []byte) (any, error) {
		return "ok", nil
	})
	w, s := newTestWorker(t, reg)
	ctx := context.Background()

	s.AddTask(ctx, &apschedtypes.Task{ID: "echo", Func: "echo"})
	s.AddJob(ctx, &apschedtypes.Job{ID: "j1", TaskID: "echo", CreatedAt: time.Now()})

	w.Start(ctx)
	defer w.Stop()

	result := waitForResult(t, s, "j1")
	if result.Outcome != apschedtypes.OutcomeSuccess {
		t.Errorf("Outcome = %q, want success", result.Outcome)
	}
}

func TestWorkerCapturesFuncError(t *testing.T) {
	reg := taskregistry.New()
	reg.Register("boom", func(ctx context.Context, args, kwargs []byte) (any, error) {
		return nil, errors.New("kaboom")
	})
	w, s := newTestWorker(t, reg)
	ctx := context.Background()

	s.AddTask(ctx, &apschedtypes.Task{ID: "boom", Func: "boom"})
	s.AddJob(ctx, &apschedtypes.Job{ID: "j1", TaskID: "boom", CreatedAt: time.Now()})

	w.Start(ctx)
	defer w.Stop()

	result := waitForResult(t, s, "j1")
	if result.Outcome != apschedtypes.OutcomeError {
		t.Errorf("Outcome = %q, want error", result.Outcome)
	}
}

func TestWorkerMissedStartDeadlineSkipsExecution(t *testing.T) {
	ran := false
	reg := taskregistry.New()
	reg.Register("late", func(ctx context.Context, args, kwargs []byte) (any, error) {
		ran = true
		return nil, nil
	})
	w, s := newTestWorker(t, reg)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	s.AddTask(ctx, &apschedtypes.Task{ID: "late", Func: "late"})
	s.AddJob(ctx, &apschedtypes.Job{ID: "j1", TaskID: "late", CreatedAt: time.Now(), StartDeadline: &past})

	w.Start(ctx)
	defer w.Stop()

	result := waitForResult(t, s, "j1")
	if result.Outcome != apschedtypes.OutcomeMissedStartDeadline {
		t.Errorf("Outcome = %q, want missed_start_deadline", result.Outcome)
	}
	if ran {
		t.Error("registered func should not have run past its start deadline")
	}
}

func TestWorkerUnknownTaskRefProducesError(t *testing.T) {
	reg := taskregistry.New()
	w, s := newTestWorker(t, reg)
	ctx := context.Background()

	s.AddTask(ctx, &apschedtypes.Task{ID: "unbound", Func: "unbound"})
	s.AddJob(ctx, &apschedtypes.Job{ID: "j1", TaskID: "unbound", CreatedAt: time.Now()})

	w.Start(ctx)
	defer w.Stop()

	result := waitForResult(t, s, "j1")
	if result.Outcome != apschedtypes.OutcomeError {
		t.Errorf("Outcome = %q, want error for an unresolvable task ref", result.Outcome)
	}
}
