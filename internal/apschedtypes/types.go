// Package apschedtypes defines the core domain types shared by the
// scheduler, worker, and data store: tasks, schedules, jobs, and job
// results.
package apschedtypes

import "time"

// CoalescePolicy governs how a schedule folds multiple past-due fire
// times into zero, one, or many jobs.
type CoalescePolicy string

const (
	CoalesceEarliest CoalescePolicy = "earliest"
	CoalesceLatest   CoalescePolicy = "latest"
	CoalesceAll      CoalescePolicy = "all"
)

// ConflictPolicy governs what add_schedule does when a schedule with
// the same id already exists.
type ConflictPolicy string

const (
	ConflictDoNothing ConflictPolicy = "do_nothing"
	ConflictException ConflictPolicy = "exception"
	ConflictReplace   ConflictPolicy = "replace"
)

// JobOutcome is the terminal disposition of a job.
type JobOutcome string

const (
	OutcomeSuccess             JobOutcome = "success"
	OutcomeError               JobOutcome = "error"
	OutcomeMissedStartDeadline JobOutcome = "missed_start_deadline"
	OutcomeCancelled           JobOutcome = "cancelled"
)

// RunState is the lifecycle state of a Scheduler or Worker.
type RunState string

const (
	StateStopped  RunState = "stopped"
	StateStarting RunState = "starting"
	StateStarted  RunState = "started"
	StateStopping RunState = "stopping"
)

// Task is a named, reusable definition of what to run.
type Task struct {
	ID               string
	Func             string // stable textual reference, e.g. "package.module:name"
	MaxRunningJobs   *int   // nil = unlimited
	RunningJobs      int    // maintained by the store
	MisfireGraceTime *time.Duration
}

// Schedule is a recurring intent to create jobs.
type Schedule struct {
	ID                string
	TaskID            string
	Trigger           []byte // serialized trigger state (opaque to the store)
	TriggerKind       string // hint used by the serializer to reconstruct a concrete Trigger
	Args              []byte
	Kwargs            []byte
	Tags              []string
	Coalesce          CoalescePolicy
	MisfireGraceTime  *time.Duration
	NextFireTime      *time.Time
	LastFireTime      *time.Time
	AcquiredBy        string
	AcquiredUntil     *time.Time
}

// HasLease reports whether the schedule currently carries an
// acquisition lease (both lease fields are set together or not at
// all, per the data-model invariant).
func (s *Schedule) HasLease() bool {
	return s.AcquiredBy != "" && s.AcquiredUntil != nil
}

// Job is a single pending or running execution.
type Job struct {
	ID                 string // UUID v4
	TaskID             string
	ScheduleID         string // empty for ad-hoc jobs
	Args               []byte
	Kwargs             []byte
	Tags               []string
	ScheduledFireTime  *time.Time
	StartDeadline      *time.Time
	CreatedAt          time.Time
	StartedAt          *time.Time
	AcquiredBy         string
	AcquiredUntil      *time.Time
}

// JobResult is the terminal record of a job. It is consumed (deleted)
// by the first caller of GetJobResult for its job id.
type JobResult struct {
	JobID        string
	Outcome      JobOutcome
	FinishedAt   time.Time
	ReturnValue  []byte
	Exception    []byte
}
