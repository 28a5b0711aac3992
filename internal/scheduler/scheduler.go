// Package scheduler turns due schedules into jobs on time (spec
// §4.1). Its Start/Stop/loop shape is grounded on the teacher's
// scheduler.go: a cancellable context plus WaitGroup around a
// goroutine looping on a timer, with a mutex-guarded state struct for
// introspection. The tick body itself implements the acquire →
// coalesce → enqueue → release → sleep algorithm the teacher doesn't
// have, since its domain (local task dispatch) has no trigger/coalesce
// concept.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tidecron/scheduler/internal/apschederr"
	"github.com/tidecron/scheduler/internal/apschedtypes"
	"github.com/tidecron/scheduler/internal/eventbroker"
	"github.com/tidecron/scheduler/internal/serializer"
	"github.com/tidecron/scheduler/internal/store"
	"github.com/tidecron/scheduler/internal/trigger"
)

// maxFireTimesPerTick bounds how many past fire times a single
// schedule can contribute to one tick, guarding against a
// misconfigured trigger (e.g. a sub-second interval left running for
// months) producing an effectively unbounded backlog in one pass.
const maxFireTimesPerTick = 10_000

// ScheduleOptions describes a schedule to add (spec §4.1 add_schedule).
type ScheduleOptions struct {
	// ID names the schedule; a random id is generated if empty.
	ID string
	// TaskID references an already-added task. Leave empty and set
	// Func to have the scheduler upsert an implicit task instead.
	TaskID string
	// Func is the stable textual callable reference (spec §9). Used
	// as the implicit task's id when TaskID is empty.
	Func string
	// MaxRunningJobs is only applied when this call creates the
	// implicit task (i.e. TaskID is empty).
	MaxRunningJobs *int

	Trigger          trigger.Trigger
	Args, Kwargs     []byte
	Tags             []string
	Coalesce         apschedtypes.CoalescePolicy
	MisfireGraceTime *time.Duration
	ConflictPolicy   apschedtypes.ConflictPolicy
}

// JobOptions describes an ad-hoc job to add (spec §4.1 add_job).
type JobOptions struct {
	TaskID         string
	Func           string
	MaxRunningJobs *int

	Args, Kwargs  []byte
	Tags          []string
	StartDeadline *time.Time
}

// Scheduler is a single participant contending for schedule leases
// against a shared Store. Multiple Schedulers (in one process or
// many) may run against the same store concurrently (spec §4.1
// "Concurrency invariant").
type Scheduler struct {
	id         string
	store      store.Store
	events     *eventbroker.Broker
	serializer serializer.Serializer
	logger     *zap.Logger
	cfg        *Config

	triggerMu sync.Mutex
	triggers  map[string]trigger.Trigger // schedule id -> live trigger

	mu     sync.Mutex
	state  apschedtypes.RunState
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wakeup chan struct{}
}

// New creates a Scheduler identified by id (used as acquired_by on
// leased schedules). A random id is generated if empty.
func New(id string, s store.Store, events *eventbroker.Broker, ser serializer.Serializer, logger *zap.Logger, cfg *Config) *Scheduler {
	if id == "" {
		id = "scheduler-" + uuid.New().String()
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
	return &Scheduler{
		id: id, store: s, events: events, serializer: ser, logger: logger, cfg: cfg,
		triggers: make(map[string]trigger.Trigger),
		state:    apschedtypes.StateStopped,
		wakeup:   make(chan struct{}, 1),
	}
}

// ID returns the scheduler's identity (the lease holder name).
func (s *Scheduler) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Scheduler) State() apschedtypes.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start transitions stopped -> starting -> started and launches the
// tick loop. Calling Start while already started is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.state == apschedtypes.StateStarted || s.state == apschedtypes.StateStarting {
		s.mu.Unlock()
		return
	}
	s.state = apschedtypes.StateStarting
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = apschedtypes.StateStarted
	s.mu.Unlock()

	s.events.Publish(&eventbroker.SchedulerStarted{})

	s.wg.Add(1)
	go s.loop(loopCtx)
}

// Stop transitions started -> stopping -> stopped, cancels the tick
// loop, and waits for the in-flight tick (if any) to finish. In-flight
// acquire_* calls complete normally; leases held at shutdown are left
// to expire naturally (spec §5).
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state != apschedtypes.StateStarted {
		s.mu.Unlock()
		return
	}
	s.state = apschedtypes.StateStopping
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.state = apschedtypes.StateStopped
	s.mu.Unlock()
	s.events.Publish(&eventbroker.SchedulerStopped{})
}

// loop runs ticks until ctx is cancelled, grounded on the teacher's
// schedulerLoop: a goroutine alternating between work and a sleep
// that a cancel or an external signal can cut short.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	wakeSub := s.events.Subscribe(func(evt eventbroker.Event) {
		switch evt.(type) {
		case *eventbroker.ScheduleAdded, *eventbroker.ScheduleUpdated:
			select {
			case s.wakeup <- struct{}{}:
			default:
			}
		}
	}, []string{"ScheduleAdded", "ScheduleUpdated"}, false)
	defer wakeSub.Unsubscribe()

	for {
		if ctx.Err() != nil {
			return
		}

		underLimit, err := s.tick(ctx)
		if err != nil {
			s.logger.Error("scheduler tick failed", zap.String("scheduler_id", s.id), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if !underLimit {
			continue // full batch returned; more due schedules likely remain
		}

		sleepFor := s.cfg.IdlePollInterval
		if next, err := s.store.GetNextScheduleRunTime(ctx); err == nil && next != nil {
			if d := time.Until(*next); d > 0 {
				sleepFor = d
			} else {
				sleepFor = 0
			}
		}

		timer := time.NewTimer(sleepFor)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wakeup:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tick runs one iteration of the algorithm in spec §4.1 steps 1-6 and
// reports whether fewer than the configured limit of schedules were
// returned (the signal that governs step 7's sleep-vs-loop-again
// choice).
func (s *Scheduler) tick(ctx context.Context) (underLimit bool, err error) {
	due, err := s.store.AcquireSchedules(ctx, s.id, s.cfg.AcquireLimit)
	if err != nil {
		return false, fmt.Errorf("acquire schedules: %w", err)
	}

	for _, sc := range due {
		s.processSchedule(ctx, sc)
	}

	if err := s.store.ReleaseSchedules(ctx, s.id, due); err != nil {
		return false, fmt.Errorf("release schedules: %w", err)
	}

	return s.cfg.AcquireLimit <= 0 || len(due) < s.cfg.AcquireLimit, nil
}

// processSchedule computes candidate fire times, folds them by
// coalesce policy, inserts a job per surviving fire time, and mutates
// sc in place with the new next_fire_time/last_fire_time/trigger so
// the caller's subsequent ReleaseSchedules call persists the advance.
func (s *Scheduler) processSchedule(ctx context.Context, sc *apschedtypes.Schedule) {
	trig, err := s.triggerFor(sc)
	if err != nil {
		s.logger.Error("undecodable trigger; dropping schedule", zap.String("schedule_id", sc.ID), zap.Error(err))
		s.events.Publish(&eventbroker.ScheduleDeserializationFailed{ScheduleID: sc.ID, Err: err})
		sc.NextFireTime = nil
		return
	}

	fireTimes, newNext, failed := s.collectFireTimes(sc, trig)
	if failed {
		s.forgetTrigger(sc.ID)
		sc.NextFireTime = nil
		return
	}

	kept := applyCoalesce(sc.Coalesce, fireTimes)
	for _, t := range kept {
		fireTime := t
		job := &apschedtypes.Job{
			ID:                uuid.New().String(),
			TaskID:            sc.TaskID,
			ScheduleID:        sc.ID,
			Args:              sc.Args,
			Kwargs:            sc.Kwargs,
			Tags:              sc.Tags,
			ScheduledFireTime: &fireTime,
			CreatedAt:         time.Now(),
		}
		if sc.MisfireGraceTime != nil {
			deadline := fireTime.Add(*sc.MisfireGraceTime)
			job.StartDeadline = &deadline
		}
		if err := s.store.AddJob(ctx, job); err != nil {
			s.logger.Error("failed to add job for fired schedule", zap.String("schedule_id", sc.ID), zap.Error(err))
		}
	}

	last := fireTimes[len(fireTimes)-1]
	sc.LastFireTime = &last
	sc.NextFireTime = newNext

	if newNext == nil {
		s.forgetTrigger(sc.ID)
		return
	}

	kind, data, err := trigger.Encode(trig)
	if err != nil {
		s.logger.Error("failed to serialize trigger state", zap.String("schedule_id", sc.ID), zap.Error(err))
		sc.NextFireTime = nil
		s.forgetTrigger(sc.ID)
		return
	}
	sc.TriggerKind = kind
	sc.Trigger = data
}

// collectFireTimes implements spec §4.1 step 2: starting from the
// schedule's current next_fire_time, repeatedly calls trigger.Next();
// each result still in the past is an additional fire time, and the
// first future result (or exhaustion) ends the loop and becomes the
// new next_fire_time. A panicking trigger is treated as "raising"
// (spec step 4): the schedule is marked exhausted rather than
// crashing the scheduler loop.
func (s *Scheduler) collectFireTimes(sc *apschedtypes.Schedule, trig trigger.Trigger) (fireTimes []time.Time, newNext *time.Time, failed bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("trigger panicked; treating schedule as exhausted",
				zap.String("schedule_id", sc.ID), zap.Any("panic", r))
			failed = true
		}
	}()

	now := time.Now()
	if sc.NextFireTime == nil {
		failed = true
		return
	}
	fireTimes = append(fireTimes, *sc.NextFireTime)

	for i := 0; i < maxFireTimesPerTick; i++ {
		t, ok := trig.Next()
		if !ok {
			return fireTimes, nil, false
		}
		if t.After(now) {
			next := t
			return fireTimes, &next, false
		}
		fireTimes = append(fireTimes, t)
	}

	s.logger.Warn("trigger exceeded per-tick fire time cap; deferring the rest of the backlog to later ticks",
		zap.String("schedule_id", sc.ID), zap.Int("cap", maxFireTimesPerTick))
	t, ok := trig.Next()
	if !ok {
		return fireTimes, nil, false
	}
	return fireTimes, &t, false
}

// applyCoalesce folds candidate past fire times per spec §4.1 step 3
// / §8 property 6.
func applyCoalesce(policy apschedtypes.CoalescePolicy, fireTimes []time.Time) []time.Time {
	switch policy {
	case apschedtypes.CoalesceEarliest:
		return fireTimes[:1]
	case apschedtypes.CoalesceAll:
		return fireTimes
	case apschedtypes.CoalesceLatest:
		fallthrough
	default:
		return fireTimes[len(fireTimes)-1:]
	}
}

func (s *Scheduler) triggerFor(sc *apschedtypes.Schedule) (trigger.Trigger, error) {
	s.triggerMu.Lock()
	defer s.triggerMu.Unlock()

	if t, ok := s.triggers[sc.ID]; ok {
		return t, nil
	}
	t, err := trigger.Decode(sc.TriggerKind, sc.Trigger)
	if err != nil {
		return nil, err
	}
	s.triggers[sc.ID] = t
	return t, nil
}

func (s *Scheduler) rememberTrigger(id string, t trigger.Trigger) {
	s.triggerMu.Lock()
	s.triggers[id] = t
	s.triggerMu.Unlock()
}

func (s *Scheduler) forgetTrigger(id string) {
	s.triggerMu.Lock()
	delete(s.triggers, id)
	s.triggerMu.Unlock()
}

// AddSchedule upserts the implicit task (if opts.TaskID is empty),
// computes the schedule's initial next_fire_time, and persists it
// (spec §4.1 add_schedule).
func (s *Scheduler) AddSchedule(ctx context.Context, opts ScheduleOptions) (string, error) {
	taskID, err := s.resolveTask(ctx, opts.TaskID, opts.Func, opts.MaxRunningJobs)
	if err != nil {
		return "", err
	}

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}

	first, _ := opts.Trigger.Next()
	kind, data, err := trigger.Encode(opts.Trigger)
	if err != nil {
		return "", &apschederr.SerializationError{Cause: err}
	}

	sc := &apschedtypes.Schedule{
		ID: id, TaskID: taskID, Trigger: data, TriggerKind: kind,
		Args: opts.Args, Kwargs: opts.Kwargs, Tags: opts.Tags, Coalesce: opts.Coalesce,
		MisfireGraceTime: opts.MisfireGraceTime,
	}
	if !first.IsZero() {
		sc.NextFireTime = &first
	}

	if err := s.store.AddSchedule(ctx, sc, opts.ConflictPolicy); err != nil {
		return "", err
	}
	s.rememberTrigger(id, opts.Trigger)
	return id, nil
}

// RemoveSchedule deletes a schedule by id.
func (s *Scheduler) RemoveSchedule(ctx context.Context, id string) error {
	if err := s.store.RemoveSchedules(ctx, []string{id}); err != nil {
		return err
	}
	s.forgetTrigger(id)
	return nil
}

// AddJob enqueues an ad-hoc job bypassing any schedule (spec §4.1
// add_job).
func (s *Scheduler) AddJob(ctx context.Context, opts JobOptions) (string, error) {
	taskID, err := s.resolveTask(ctx, opts.TaskID, opts.Func, opts.MaxRunningJobs)
	if err != nil {
		return "", err
	}

	job := &apschedtypes.Job{
		ID: uuid.New().String(), TaskID: taskID, Args: opts.Args, Kwargs: opts.Kwargs,
		Tags: opts.Tags, StartDeadline: opts.StartDeadline, CreatedAt: time.Now(),
	}
	if err := s.store.AddJob(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (s *Scheduler) resolveTask(ctx context.Context, taskID, fn string, maxRunning *int) (string, error) {
	if taskID != "" {
		return taskID, nil
	}
	if fn == "" {
		return "", fmt.Errorf("scheduler: either TaskID or Func must be set")
	}
	if err := s.store.AddTask(ctx, &apschedtypes.Task{ID: fn, Func: fn, MaxRunningJobs: maxRunning}); err != nil {
		return "", err
	}
	return fn, nil
}

// GetJobResult waits for (or immediately checks for, if wait is
// false) a job's terminal result. It subscribes to JobReleased before
// consulting the store to close the lost-wakeup race described in
// spec §4.1.
func (s *Scheduler) GetJobResult(ctx context.Context, jobID string, wait bool) (*apschedtypes.JobResult, error) {
	signal := make(chan struct{}, 1)
	sub := s.events.Subscribe(func(evt eventbroker.Event) {
		if jr, ok := evt.(*eventbroker.JobReleased); ok && jr.JobID == jobID {
			select {
			case signal <- struct{}{}:
			default:
			}
		}
	}, []string{"JobReleased"}, false)
	defer sub.Unsubscribe()

	result, err := s.store.GetJobResult(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}
	if !wait {
		return nil, &apschederr.JobLookupError{ID: jobID}
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-signal:
		}

		result, err := s.store.GetJobResult(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
	}
}

// RunJob is a convenience wrapper: add a job, wait for its result,
// and unwrap the outcome into a return value or an error (spec §4.1
// run_job).
func (s *Scheduler) RunJob(ctx context.Context, opts JobOptions) (any, error) {
	jobID, err := s.AddJob(ctx, opts)
	if err != nil {
		return nil, err
	}

	result, err := s.GetJobResult(ctx, jobID, true)
	if err != nil {
		return nil, err
	}

	switch result.Outcome {
	case apschedtypes.OutcomeSuccess:
		var v any
		if len(result.ReturnValue) > 0 {
			if err := s.serializer.Deserialize(result.ReturnValue, &v); err != nil {
				return nil, err
			}
		}
		return v, nil
	case apschedtypes.OutcomeError:
		var msg string
		_ = s.serializer.Deserialize(result.Exception, &msg)
		return nil, fmt.Errorf("job %s failed: %s", jobID, msg)
	case apschedtypes.OutcomeMissedStartDeadline:
		return nil, &apschederr.JobDeadlineMissed{JobID: jobID}
	case apschedtypes.OutcomeCancelled:
		return nil, &apschederr.JobCancelled{JobID: jobID}
	default:
		return nil, fmt.Errorf("job %s: unrecognized outcome %q", jobID, result.Outcome)
	}
}
