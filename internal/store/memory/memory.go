// Package memory provides an in-process, map-backed Store. It holds
// no external dependencies and is the backend most unit and scenario
// tests run against; its locking and atomicity come from a single
// sync.Mutex guarding every operation rather than database
// transactions, which is sufficient because all access is in-process.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tidecron/scheduler/internal/apschederr"
	"github.com/tidecron/scheduler/internal/apschedtypes"
	"github.com/tidecron/scheduler/internal/eventbroker"
	"github.com/tidecron/scheduler/internal/serializer"
	"github.com/tidecron/scheduler/internal/store"
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex

	events     *eventbroker.Broker
	serializer serializer.Serializer
	leaseDelay time.Duration

	tasks     map[string]*apschedtypes.Task
	schedules map[string]*apschedtypes.Schedule
	jobs      map[string]*apschedtypes.Job
	results   map[string]*apschedtypes.JobResult

	jobSeq uint64 // count of added jobs; job ordering uses CreatedAt alone
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New(opts store.Options) *Store {
	opts = opts.WithDefaults()
	return &Store{
		events:     opts.Events,
		serializer: opts.Serializer,
		leaseDelay: opts.LockExpirationDelay,
		tasks:      make(map[string]*apschedtypes.Task),
		schedules:  make(map[string]*apschedtypes.Schedule),
		jobs:       make(map[string]*apschedtypes.Job),
		results:    make(map[string]*apschedtypes.JobResult),
	}
}

// Close is a no-op; there is nothing to release.
func (s *Store) Close() error { return nil }

func cloneTask(t *apschedtypes.Task) *apschedtypes.Task {
	c := *t
	return &c
}

func cloneSchedule(sc *apschedtypes.Schedule) *apschedtypes.Schedule {
	c := *sc
	if sc.NextFireTime != nil {
		t := *sc.NextFireTime
		c.NextFireTime = &t
	}
	if sc.LastFireTime != nil {
		t := *sc.LastFireTime
		c.LastFireTime = &t
	}
	if sc.AcquiredUntil != nil {
		t := *sc.AcquiredUntil
		c.AcquiredUntil = &t
	}
	if sc.MisfireGraceTime != nil {
		d := *sc.MisfireGraceTime
		c.MisfireGraceTime = &d
	}
	c.Tags = append([]string(nil), sc.Tags...)
	return &c
}

func cloneJob(j *apschedtypes.Job) *apschedtypes.Job {
	c := *j
	if j.ScheduledFireTime != nil {
		t := *j.ScheduledFireTime
		c.ScheduledFireTime = &t
	}
	if j.StartDeadline != nil {
		t := *j.StartDeadline
		c.StartDeadline = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.AcquiredUntil != nil {
		t := *j.AcquiredUntil
		c.AcquiredUntil = &t
	}
	c.Tags = append([]string(nil), j.Tags...)
	return &c
}

// AddTask upserts a task. running_jobs is preserved across updates and
// initialized to 0 on insert (spec §4.3).
func (s *Store) AddTask(ctx context.Context, task *apschedtypes.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneTask(task)
	existing, ok := s.tasks[task.ID]
	if ok {
		stored.RunningJobs = existing.RunningJobs
		s.tasks[task.ID] = stored
		s.events.Publish(&eventbroker.TaskUpdated{TaskID: task.ID})
		return nil
	}
	stored.RunningJobs = 0
	s.tasks[task.ID] = stored
	s.events.Publish(&eventbroker.TaskAdded{TaskID: task.ID})
	return nil
}

// RemoveTask deletes a task by id.
func (s *Store) RemoveTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return &apschederr.TaskLookupError{ID: id}
	}
	delete(s.tasks, id)
	s.events.Publish(&eventbroker.TaskRemoved{TaskID: id})
	return nil
}

// GetTask returns a task by id, or TaskLookupError if absent.
func (s *Store) GetTask(ctx context.Context, id string) (*apschedtypes.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, &apschederr.TaskLookupError{ID: id}
	}
	return cloneTask(t), nil
}

// GetTasks returns every task.
func (s *Store) GetTasks(ctx context.Context) ([]*apschedtypes.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*apschedtypes.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AddSchedule inserts or, per conflictPolicy, updates a schedule with
// a duplicate id (spec §4.3).
func (s *Store) AddSchedule(ctx context.Context, sc *apschedtypes.Schedule, conflictPolicy apschedtypes.ConflictPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.schedules[sc.ID]
	if !exists {
		s.schedules[sc.ID] = cloneSchedule(sc)
		s.events.Publish(&eventbroker.ScheduleAdded{ScheduleID: sc.ID, NextFireTime: sc.NextFireTime})
		return nil
	}

	switch conflictPolicy {
	case apschedtypes.ConflictDoNothing:
		return nil
	case apschedtypes.ConflictException:
		return &apschederr.ConflictingIDError{ID: sc.ID}
	case apschedtypes.ConflictReplace:
		s.schedules[sc.ID] = cloneSchedule(sc)
		s.events.Publish(&eventbroker.ScheduleUpdated{ScheduleID: sc.ID, NextFireTime: sc.NextFireTime})
		return nil
	default:
		return &apschederr.ConflictingIDError{ID: sc.ID}
	}
}

// RemoveSchedules deletes any subset of ids present, emitting
// ScheduleRemoved for each actually removed.
func (s *Store) RemoveSchedules(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, ok := s.schedules[id]; ok {
			delete(s.schedules, id)
			s.events.Publish(&eventbroker.ScheduleRemoved{ScheduleID: id})
		}
	}
	return nil
}

// GetSchedules returns the schedules named by ids, or all schedules
// if ids is empty.
func (s *Store) GetSchedules(ctx context.Context, ids []string) ([]*apschedtypes.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*apschedtypes.Schedule
	if len(ids) == 0 {
		out = make([]*apschedtypes.Schedule, 0, len(s.schedules))
		for _, sc := range s.schedules {
			out = append(out, cloneSchedule(sc))
		}
	} else {
		for _, id := range ids {
			if sc, ok := s.schedules[id]; ok {
				out = append(out, cloneSchedule(sc))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AcquireSchedules atomically selects and leases up to limit due,
// unleased-or-expired schedules ordered by ascending next_fire_time
// (spec §4.3 step 1-3).
func (s *Store) AcquireSchedules(ctx context.Context, schedulerID string, limit int) ([]*apschedtypes.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	candidates := make([]*apschedtypes.Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		if sc.NextFireTime == nil || sc.NextFireTime.After(now) {
			continue
		}
		if sc.AcquiredUntil != nil && sc.AcquiredUntil.After(now) {
			continue
		}
		candidates = append(candidates, sc)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].NextFireTime.Equal(*candidates[j].NextFireTime) {
			return candidates[i].NextFireTime.Before(*candidates[j].NextFireTime)
		}
		return candidates[i].ID < candidates[j].ID
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	until := now.Add(s.leaseDelay)
	out := make([]*apschedtypes.Schedule, 0, len(candidates))
	for _, sc := range candidates {
		out = append(out, cloneSchedule(sc))
		sc.AcquiredBy = schedulerID
		u := until
		sc.AcquiredUntil = &u
	}
	return out, nil
}

// ReleaseSchedules clears leases and writes back advanced trigger
// state, or deletes exhausted schedules (spec §4.3).
func (s *Store) ReleaseSchedules(ctx context.Context, schedulerID string, schedules []*apschedtypes.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sc := range schedules {
		cur, ok := s.schedules[sc.ID]
		if !ok || cur.AcquiredBy != schedulerID {
			continue // silent no-op: lease transferred or schedule gone
		}

		if sc.NextFireTime == nil {
			delete(s.schedules, sc.ID)
			s.events.Publish(&eventbroker.ScheduleRemoved{ScheduleID: sc.ID})
			continue
		}

		cur.NextFireTime = sc.NextFireTime
		cur.LastFireTime = sc.LastFireTime
		cur.Trigger = sc.Trigger
		cur.AcquiredBy = ""
		cur.AcquiredUntil = nil
		s.events.Publish(&eventbroker.ScheduleUpdated{ScheduleID: sc.ID, NextFireTime: cur.NextFireTime})
	}
	return nil
}

// GetNextScheduleRunTime returns the minimum non-null next_fire_time
// across all schedules, or nil if none are pending.
func (s *Store) GetNextScheduleRunTime(ctx context.Context) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var min *time.Time
	for _, sc := range s.schedules {
		if sc.NextFireTime == nil {
			continue
		}
		if min == nil || sc.NextFireTime.Before(*min) {
			t := *sc.NextFireTime
			min = &t
		}
	}
	return min, nil
}

// AddJob inserts a job, emitting JobAdded.
func (s *Store) AddJob(ctx context.Context, job *apschedtypes.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	s.jobSeq++
	stored := cloneJob(job)
	s.jobs[job.ID] = stored
	s.events.Publish(&eventbroker.JobAdded{JobID: job.ID, TaskID: job.TaskID, ScheduleID: job.ScheduleID, Tags: job.Tags})
	return nil
}

// GetJobs returns the jobs named by ids, or all jobs if ids is empty.
func (s *Store) GetJobs(ctx context.Context, ids []string) ([]*apschedtypes.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*apschedtypes.Job
	if len(ids) == 0 {
		out = make([]*apschedtypes.Job, 0, len(s.jobs))
		for _, j := range s.jobs {
			out = append(out, cloneJob(j))
		}
	} else {
		for _, id := range ids {
			if j, ok := s.jobs[id]; ok {
				out = append(out, cloneJob(j))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AcquireJobs atomically selects due jobs FIFO by created_at, admits
// them against each referenced task's max_running_jobs/running_jobs
// slot budget, and leases the admitted subset (spec §4.3 acquire_jobs).
func (s *Store) AcquireJobs(ctx context.Context, workerID string, limit int) ([]*apschedtypes.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	candidates := make([]*apschedtypes.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.AcquiredUntil != nil && j.AcquiredUntil.After(now) {
			continue
		}
		candidates = append(candidates, j)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })

	slotsLeft := make(map[string]int)
	for _, t := range s.tasks {
		if t.MaxRunningJobs != nil {
			left := *t.MaxRunningJobs - t.RunningJobs
			if left < 0 {
				left = 0
			}
			slotsLeft[t.ID] = left
		}
	}

	until := now.Add(s.leaseDelay)
	out := make([]*apschedtypes.Job, 0, limit)
	admittedByTask := make(map[string]int)
	for _, j := range candidates {
		if limit > 0 && len(out) >= limit {
			break
		}
		if left, limited := slotsLeft[j.TaskID]; limited {
			if left <= 0 {
				continue
			}
			slotsLeft[j.TaskID] = left - 1
		}

		j.AcquiredBy = workerID
		u := until
		j.AcquiredUntil = &u
		admittedByTask[j.TaskID]++
		out = append(out, cloneJob(j))
		s.events.Publish(&eventbroker.JobAcquired{JobID: j.ID, WorkerID: workerID})
	}

	for taskID, n := range admittedByTask {
		if t, ok := s.tasks[taskID]; ok {
			t.RunningJobs += n
		}
	}
	return out, nil
}

// ReleaseJob atomically inserts the result, decrements the task's
// running_jobs, and deletes the job row (spec §4.3 release_job).
// Releasing a job that no longer exists is a no-op.
func (s *Store) ReleaseJob(ctx context.Context, workerID, taskID string, result *apschedtypes.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[result.JobID]; !ok {
		return nil // idempotent: already released
	}
	if _, ok := s.results[result.JobID]; !ok {
		r := *result
		s.results[result.JobID] = &r
	}

	delete(s.jobs, result.JobID)
	if t, ok := s.tasks[taskID]; ok {
		t.RunningJobs--
		if t.RunningJobs < 0 {
			t.RunningJobs = 0
		}
	}
	s.events.Publish(&eventbroker.JobReleased{JobID: result.JobID, WorkerID: workerID, Outcome: string(result.Outcome)})
	return nil
}

// GetJobResult performs a consuming read: it fetches and deletes the
// result row atomically, so a result is returned to at most one
// caller.
func (s *Store) GetJobResult(ctx context.Context, jobID string) (*apschedtypes.JobResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.results[jobID]
	if !ok {
		return nil, nil
	}
	delete(s.results, jobID)
	return r, nil
}
