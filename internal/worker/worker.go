// Package worker executes jobs claimed from a Store (spec §4.2). Its
// poll-then-dispatch loop and per-job goroutine/WaitGroup shape are
// grounded on the teacher's scheduler.go (schedulerLoop/pollAndDispatch/
// runWorker), generalized from a single hardcoded connector dispatching
// one task at a time to a bounded pool resolving arbitrary task
// references through a taskregistry.Registry.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tidecron/scheduler/internal/apschedtypes"
	"github.com/tidecron/scheduler/internal/eventbroker"
	"github.com/tidecron/scheduler/internal/serializer"
	"github.com/tidecron/scheduler/internal/store"
	"github.com/tidecron/scheduler/internal/taskregistry"
)

// Config tunes a Worker's poll cadence and concurrency.
type Config struct {
	// PoolSize bounds how many jobs this worker runs concurrently.
	PoolSize int
	// PollInterval is how often an idle worker checks the store for
	// newly due jobs.
	PollInterval time.Duration
	// LockExpirationDelay is not read by the Worker; the job lease
	// length is the Store's own Options.LockExpirationDelay.
	LockExpirationDelay time.Duration
}

// DefaultConfig returns sensible single-process defaults.
func DefaultConfig() *Config {
	return &Config{PoolSize: 10, PollInterval: time.Second, LockExpirationDelay: 30 * time.Second}
}

// JobInfo is a snapshot of a currently running job, mirroring the
// teacher's WorkerInfo (served by the control server's /workers
// endpoint rather than a TUI worker board).
type JobInfo struct {
	JobID     string
	TaskID    string
	StartedAt time.Time
}

// Worker polls a Store for due jobs and runs them against a
// taskregistry.Registry, bounded to Config.PoolSize concurrent
// executions.
type Worker struct {
	id         string
	store      store.Store
	registry   *taskregistry.Registry
	events     *eventbroker.Broker
	serializer serializer.Serializer
	logger     *zap.Logger
	cfg        *Config

	mu      sync.Mutex
	running map[string]*JobInfo
	active  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Worker identified by id (used as acquired_by on
// leased jobs). A hostname-pid-pointer identity is generated if id is
// empty, matching the original scheduler's own identity defaulting.
func New(id string, s store.Store, reg *taskregistry.Registry, events *eventbroker.Broker, ser serializer.Serializer, logger *zap.Logger, cfg *Config) *Worker {
	if id == "" {
		id = DefaultID()
	}
	if ser == nil {
		ser = serializer.JSONSerializer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Worker{
		id: id, store: s, registry: reg, events: events, serializer: ser, logger: logger, cfg: cfg,
		running: make(map[string]*JobInfo),
	}
}

// DefaultID builds a hostname-pid-pointer identity: stable enough to
// recognize in logs across restarts on the same host, unique enough
// across processes and concurrent callers within one process. The
// Supervisor also calls this to default a shared node identity before
// constructing its Scheduler and Worker.
func DefaultID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	marker := new(byte)
	return fmt.Sprintf("%s-%d-%p", host, os.Getpid(), marker)
}

// ID returns the worker's identity (the lease holder name).
func (w *Worker) ID() string { return w.id }

// Start launches the poll loop.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.ctx != nil && w.ctx.Err() == nil {
		w.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.ctx = loopCtx
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(loopCtx)
}

// Stop cancels the poll loop and waits for in-flight jobs to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

// Jobs returns a snapshot of currently running jobs.
func (w *Worker) Jobs() []*JobInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*JobInfo, 0, len(w.running))
	for _, j := range w.running {
		cp := *j
		out = append(out, &cp)
	}
	return out
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollAndDispatch(ctx)
		}
	}
}

// pollAndDispatch claims jobs up to the remaining pool capacity and
// hands each to its own goroutine (spec §4.2 step 1: "acquire_jobs").
func (w *Worker) pollAndDispatch(ctx context.Context) {
	w.mu.Lock()
	free := w.cfg.PoolSize - w.active
	w.mu.Unlock()
	if free <= 0 {
		return
	}

	jobs, err := w.store.AcquireJobs(ctx, w.id, free)
	if err != nil {
		w.logger.Error("acquire jobs failed", zap.String("worker_id", w.id), zap.Error(err))
		return
	}

	for _, job := range jobs {
		job := job
		w.mu.Lock()
		w.active++
		w.running[job.ID] = &JobInfo{JobID: job.ID, TaskID: job.TaskID, StartedAt: time.Now()}
		w.mu.Unlock()

		w.wg.Add(1)
		go w.runJob(ctx, job)
	}
}

// runJob implements spec §4.2 steps 2-5: the deadline short-circuit,
// dispatch to the registered callable, outcome capture, and
// release_job.
func (w *Worker) runJob(ctx context.Context, job *apschedtypes.Job) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		w.active--
		delete(w.running, job.ID)
		w.mu.Unlock()
	}()

	result := &apschedtypes.JobResult{JobID: job.ID}

	if job.StartDeadline != nil && time.Now().After(*job.StartDeadline) {
		result.Outcome = apschedtypes.OutcomeMissedStartDeadline
		result.FinishedAt = time.Now()
		w.release(ctx, job, result)
		return
	}

	var fn taskregistry.Func
	task, err := w.store.GetTask(ctx, job.TaskID)
	if err == nil {
		fn, err = w.registry.Resolve(task.Func)
	}
	if err != nil {
		result.Outcome = apschedtypes.OutcomeError
		result.Exception, _ = w.serializer.Serialize(err.Error())
		result.FinishedAt = time.Now()
		w.release(ctx, job, result)
		return
	}

	ret, runErr := fn(ctx, job.Args, job.Kwargs)
	result.FinishedAt = time.Now()

	switch {
	case runErr != nil && ctx.Err() != nil:
		result.Outcome = apschedtypes.OutcomeCancelled
	case runErr != nil:
		result.Outcome = apschedtypes.OutcomeError
		result.Exception, _ = w.serializer.Serialize(runErr.Error())
	default:
		result.Outcome = apschedtypes.OutcomeSuccess
		if ret != nil {
			if b, serr := w.serializer.Serialize(ret); serr == nil {
				result.ReturnValue = b
			} else {
				w.logger.Error("failed to serialize job return value", zap.String("job_id", job.ID), zap.Error(serr))
			}
		}
	}

	w.release(ctx, job, result)
}

func (w *Worker) release(ctx context.Context, job *apschedtypes.Job, result *apschedtypes.JobResult) {
	if err := w.store.ReleaseJob(ctx, w.id, job.TaskID, result); err != nil {
		w.logger.Error("release job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	w.logger.Info("job finished", zap.String("job_id", job.ID), zap.String("outcome", string(result.Outcome)))
}

// RegisterFunc is a convenience forwarding to the underlying registry,
// letting callers wire tasks through the Worker they already hold a
// reference to.
func (w *Worker) RegisterFunc(ref string, fn taskregistry.Func) {
	if w.registry == nil {
		w.registry = taskregistry.New()
	}
	w.registry.Register(ref, fn)
}
