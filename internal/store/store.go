// Package store defines the data store contract (spec §4.3): the single
// source of truth for tasks, schedules, jobs, and job results, with
// atomic lease-based acquisition for both schedules and jobs. Concrete
// backends live in subpackages (memory, sqlite, sql) and all satisfy
// the Store interface defined here.
package store

import (
	"context"
	"time"

	"github.com/tidecron/scheduler/internal/apschedtypes"
	"github.com/tidecron/scheduler/internal/eventbroker"
	"github.com/tidecron/scheduler/internal/serializer"
)

// Store is the data store contract shared by every backend. All
// methods are synchronous; callers wanting a cooperative/async facade
// wrap a Store and dispatch onto a dedicated executor (spec §9).
type Store interface {
	AddTask(ctx context.Context, task *apschedtypes.Task) error
	RemoveTask(ctx context.Context, id string) error
	GetTask(ctx context.Context, id string) (*apschedtypes.Task, error)
	GetTasks(ctx context.Context) ([]*apschedtypes.Task, error)

	AddSchedule(ctx context.Context, schedule *apschedtypes.Schedule, conflictPolicy apschedtypes.ConflictPolicy) error
	RemoveSchedules(ctx context.Context, ids []string) error
	GetSchedules(ctx context.Context, ids []string) ([]*apschedtypes.Schedule, error)
	AcquireSchedules(ctx context.Context, schedulerID string, limit int) ([]*apschedtypes.Schedule, error)
	ReleaseSchedules(ctx context.Context, schedulerID string, schedules []*apschedtypes.Schedule) error
	GetNextScheduleRunTime(ctx context.Context) (*time.Time, error)

	AddJob(ctx context.Context, job *apschedtypes.Job) error
	GetJobs(ctx context.Context, ids []string) ([]*apschedtypes.Job, error)
	AcquireJobs(ctx context.Context, workerID string, limit int) ([]*apschedtypes.Job, error)
	ReleaseJob(ctx context.Context, workerID, taskID string, result *apschedtypes.JobResult) error
	GetJobResult(ctx context.Context, jobID string) (*apschedtypes.JobResult, error)

	// Close releases resources held by the backend (connections,
	// files). It does not clear persisted state.
	Close() error
}

// Options holds the constructor options recognized by every backend
// (spec §6). Not every field applies to every backend; unsupported
// fields are ignored rather than rejected, matching the source's
// permissive kwargs-based construction.
type Options struct {
	// Events is the broker the store publishes TaskAdded/ScheduleAdded/
	// JobReleased/etc into. A nil Events is replaced with a private
	// broker nobody subscribes to, so construction never panics.
	Events *eventbroker.Broker

	// Serializer encodes/decodes trigger state, args, kwargs, and
	// return values/exceptions. Defaults to serializer.JSONSerializer{}.
	Serializer serializer.Serializer

	// LockExpirationDelay bounds how long an acquired schedule or job
	// lease is held before it is eligible for recovery by another
	// scheduler/worker. Default 30s.
	LockExpirationDelay time.Duration

	// StartFromScratch truncates all tables/collections at startup.
	StartFromScratch bool

	// NotifyChannel is a channel name for cross-process notification
	// (SQL LISTEN/NOTIFY analog). Default "apscheduler". No backend or
	// eventbroker/redisrelay reads it; the relay's channel is the one
	// passed to redisrelay.New.
	NotifyChannel string
}

// DefaultLockExpirationDelay is used when Options.LockExpirationDelay
// is zero.
const DefaultLockExpirationDelay = 30 * time.Second

// DefaultNotifyChannel is used when Options.NotifyChannel is empty.
const DefaultNotifyChannel = "apscheduler"

// WithDefaults returns a copy of opts with zero-valued fields filled
// in with the documented defaults.
func (opts Options) WithDefaults() Options {
	if opts.Events == nil {
		opts.Events = eventbroker.New()
	}
	if opts.Serializer == nil {
		opts.Serializer = serializer.JSONSerializer{}
	}
	if opts.LockExpirationDelay <= 0 {
		opts.LockExpirationDelay = DefaultLockExpirationDelay
	}
	if opts.NotifyChannel == "" {
		opts.NotifyChannel = DefaultNotifyChannel
	}
	return opts
}
