// Package sql implements the Store contract on top of gorm.io/gorm
// and the MySQL driver, for deployments that already run a MySQL
// cluster rather than an embedded SQLite file (see store/sqlite).
// Model shape and the one-db-call-per-method style follow
// seakee-dockmon's app/model layer; atomic multi-statement operations
// use gorm's db.Transaction callback instead of hand-rolled
// Begin/Commit, which is gorm's idiomatic equivalent.
package sql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tidecron/scheduler/internal/apschederr"
	"github.com/tidecron/scheduler/internal/apschedtypes"
	"github.com/tidecron/scheduler/internal/eventbroker"
	"github.com/tidecron/scheduler/internal/serializer"
	"github.com/tidecron/scheduler/internal/store"
)

type taskRow struct {
	ID                 string `gorm:"column:id;primaryKey"`
	Func               string `gorm:"column:func"`
	MaxRunningJobs     *int   `gorm:"column:max_running_jobs"`
	RunningJobs        int    `gorm:"column:running_jobs"`
	MisfireGraceTimeNs *int64 `gorm:"column:misfire_grace_time_ns"`
}

func (taskRow) TableName() string { return "tasks" }

type scheduleRow struct {
	ID                 string         `gorm:"column:id;primaryKey"`
	TaskID             string         `gorm:"column:task_id"`
	Trigger            []byte         `gorm:"column:trigger_blob"`
	TriggerKind        string         `gorm:"column:trigger_kind"`
	Args               []byte         `gorm:"column:args"`
	Kwargs             []byte         `gorm:"column:kwargs"`
	Tags               datatypes.JSON `gorm:"column:tags"`
	Coalesce           string         `gorm:"column:coalesce"`
	MisfireGraceTimeNs *int64         `gorm:"column:misfire_grace_time_ns"`
	NextFireTime       *time.Time     `gorm:"column:next_fire_time;index"`
	LastFireTime       *time.Time     `gorm:"column:last_fire_time"`
	AcquiredBy         *string        `gorm:"column:acquired_by"`
	AcquiredUntil      *time.Time     `gorm:"column:acquired_until"`
}

func (scheduleRow) TableName() string { return "schedules" }

type jobRow struct {
	ID                string         `gorm:"column:id;primaryKey"`
	TaskID            string         `gorm:"column:task_id;index"`
	ScheduleID        *string        `gorm:"column:schedule_id"`
	Args              []byte         `gorm:"column:args"`
	Kwargs            []byte         `gorm:"column:kwargs"`
	Tags              datatypes.JSON `gorm:"column:tags"`
	ScheduledFireTime *time.Time     `gorm:"column:scheduled_fire_time"`
	StartDeadline     *time.Time     `gorm:"column:start_deadline"`
	CreatedAt         time.Time      `gorm:"column:created_at;index"`
	StartedAt         *time.Time     `gorm:"column:started_at"`
	AcquiredBy        *string        `gorm:"column:acquired_by"`
	AcquiredUntil     *time.Time     `gorm:"column:acquired_until"`
}

func (jobRow) TableName() string { return "jobs" }

type jobResultRow struct {
	JobID       string    `gorm:"column:job_id;primaryKey"`
	Outcome     string    `gorm:"column:outcome"`
	FinishedAt  time.Time `gorm:"column:finished_at;index"`
	ReturnValue []byte    `gorm:"column:return_value"`
	Exception   []byte    `gorm:"column:exception"`
}

func (jobResultRow) TableName() string { return "job_results" }

// Store is a MySQL-backed implementation of store.Store via gorm.
type Store struct {
	db         *gorm.DB
	events     *eventbroker.Broker
	serializer serializer.Serializer
	leaseDelay time.Duration
}

var _ store.Store = (*Store)(nil)

// New opens a MySQL connection via dsn, auto-migrates the schema, and
// optionally truncates all tables.
func New(dsn string, opts store.Options) (*Store, error) {
	opts = opts.WithDefaults()

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	if err := db.AutoMigrate(&taskRow{}, &scheduleRow{}, &jobRow{}, &jobResultRow{}); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	s := &Store{
		db:         db,
		events:     opts.Events,
		serializer: opts.Serializer,
		leaseDelay: opts.LockExpirationDelay,
	}

	if opts.StartFromScratch {
		for _, row := range []any{&jobResultRow{}, &jobRow{}, &scheduleRow{}, &taskRow{}} {
			if err := db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(row).Error; err != nil {
				return nil, fmt.Errorf("truncate: %w", err)
			}
		}
	}

	return s, nil
}

// Close releases the underlying *sql.DB connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toTaskType(r *taskRow) *apschedtypes.Task {
	t := &apschedtypes.Task{ID: r.ID, Func: r.Func, MaxRunningJobs: r.MaxRunningJobs, RunningJobs: r.RunningJobs}
	if r.MisfireGraceTimeNs != nil {
		d := time.Duration(*r.MisfireGraceTimeNs)
		t.MisfireGraceTime = &d
	}
	return t
}

func graceNs(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	v := int64(*d)
	return &v
}

// AddTask upserts a task, preserving running_jobs across updates.
func (s *Store) AddTask(ctx context.Context, task *apschedtypes.Task) error {
	var created bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing taskRow
		err := tx.Where("id = ?", task.ID).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			created = true
			row := taskRow{ID: task.ID, Func: task.Func, MaxRunningJobs: task.MaxRunningJobs,
				RunningJobs: 0, MisfireGraceTimeNs: graceNs(task.MisfireGraceTime)}
			return tx.Create(&row).Error
		case err != nil:
			return err
		default:
			return tx.Model(&taskRow{}).Where("id = ?", task.ID).Updates(map[string]any{
				"func":                  task.Func,
				"max_running_jobs":      task.MaxRunningJobs,
				"misfire_grace_time_ns": graceNs(task.MisfireGraceTime),
			}).Error
		}
	})
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}

	if created {
		s.events.Publish(&eventbroker.TaskAdded{TaskID: task.ID})
	} else {
		s.events.Publish(&eventbroker.TaskUpdated{TaskID: task.ID})
	}
	return nil
}

// RemoveTask deletes a task by id.
func (s *Store) RemoveTask(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&taskRow{})
	if res.Error != nil {
		return fmt.Errorf("delete task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &apschederr.TaskLookupError{ID: id}
	}
	s.events.Publish(&eventbroker.TaskRemoved{TaskID: id})
	return nil
}

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*apschedtypes.Task, error) {
	var row taskRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &apschederr.TaskLookupError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return toTaskType(&row), nil
}

// GetTasks returns every task.
func (s *Store) GetTasks(ctx context.Context) ([]*apschedtypes.Task, error) {
	var rows []taskRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	out := make([]*apschedtypes.Task, 0, len(rows))
	for i := range rows {
		out = append(out, toTaskType(&rows[i]))
	}
	return out, nil
}

func marshalTagsJSON(tags []string) (datatypes.JSON, error) {
	if len(tags) == 0 {
		return datatypes.JSON("[]"), nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func unmarshalTagsJSON(j datatypes.JSON) []string {
	if len(j) == 0 {
		return nil
	}
	var out []string
	_ = json.Unmarshal(j, &out)
	return out
}

func toScheduleType(r *scheduleRow) *apschedtypes.Schedule {
	sc := &apschedtypes.Schedule{
		ID: r.ID, TaskID: r.TaskID, Trigger: r.Trigger, TriggerKind: r.TriggerKind,
		Args: r.Args, Kwargs: r.Kwargs, Tags: unmarshalTagsJSON(r.Tags),
		Coalesce: apschedtypes.CoalescePolicy(r.Coalesce), NextFireTime: r.NextFireTime, LastFireTime: r.LastFireTime,
		AcquiredUntil: r.AcquiredUntil,
	}
	if r.MisfireGraceTimeNs != nil {
		d := time.Duration(*r.MisfireGraceTimeNs)
		sc.MisfireGraceTime = &d
	}
	if r.AcquiredBy != nil {
		sc.AcquiredBy = *r.AcquiredBy
	}
	return sc
}

// AddSchedule inserts or, per conflictPolicy, updates a schedule with
// a duplicate id.
func (s *Store) AddSchedule(ctx context.Context, sc *apschedtypes.Schedule, conflictPolicy apschedtypes.ConflictPolicy) error {
	tagsJSON, err := marshalTagsJSON(sc.Tags)
	if err != nil {
		return &apschederr.SerializationError{Cause: err}
	}

	var outcome string // "created", "updated", "skipped"
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing scheduleRow
		err := tx.Where("id = ?", sc.ID).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			outcome = "created"
			row := scheduleRow{ID: sc.ID, TaskID: sc.TaskID, Trigger: sc.Trigger, TriggerKind: sc.TriggerKind,
				Args: sc.Args, Kwargs: sc.Kwargs, Tags: tagsJSON, Coalesce: string(sc.Coalesce),
				MisfireGraceTimeNs: graceNs(sc.MisfireGraceTime), NextFireTime: sc.NextFireTime, LastFireTime: sc.LastFireTime}
			return tx.Create(&row).Error
		case err != nil:
			return err
		default:
			switch conflictPolicy {
			case apschedtypes.ConflictDoNothing:
				outcome = "skipped"
				return nil
			case apschedtypes.ConflictException:
				return &apschederr.ConflictingIDError{ID: sc.ID}
			case apschedtypes.ConflictReplace:
				outcome = "updated"
				return tx.Model(&scheduleRow{}).Where("id = ?", sc.ID).Updates(map[string]any{
					"task_id": sc.TaskID, "trigger_blob": sc.Trigger, "trigger_kind": sc.TriggerKind,
					"args": sc.Args, "kwargs": sc.Kwargs, "tags": tagsJSON, "coalesce": string(sc.Coalesce),
					"misfire_grace_time_ns": graceNs(sc.MisfireGraceTime), "next_fire_time": sc.NextFireTime,
					"last_fire_time": sc.LastFireTime, "acquired_by": nil, "acquired_until": nil,
				}).Error
			default:
				return &apschederr.ConflictingIDError{ID: sc.ID}
			}
		}
	})
	if txErr != nil {
		return txErr
	}

	switch outcome {
	case "created":
		s.events.Publish(&eventbroker.ScheduleAdded{ScheduleID: sc.ID, NextFireTime: sc.NextFireTime})
	case "updated":
		s.events.Publish(&eventbroker.ScheduleUpdated{ScheduleID: sc.ID, NextFireTime: sc.NextFireTime})
	}
	return nil
}

// RemoveSchedules deletes any subset of ids present.
func (s *Store) RemoveSchedules(ctx context.Context, ids []string) error {
	for _, id := range ids {
		res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&scheduleRow{})
		if res.Error != nil {
			return fmt.Errorf("delete schedule: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			s.events.Publish(&eventbroker.ScheduleRemoved{ScheduleID: id})
		}
	}
	return nil
}

// GetSchedules returns the schedules named by ids, or all schedules
// if ids is empty.
func (s *Store) GetSchedules(ctx context.Context, ids []string) ([]*apschedtypes.Schedule, error) {
	q := s.db.WithContext(ctx).Order("id")
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	}
	var rows []scheduleRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	out := make([]*apschedtypes.Schedule, 0, len(rows))
	for i := range rows {
		out = append(out, toScheduleType(&rows[i]))
	}
	return out, nil
}

// AcquireSchedules atomically selects and leases up to limit due,
// unleased-or-expired schedules ordered by ascending next_fire_time.
func (s *Store) AcquireSchedules(ctx context.Context, schedulerID string, limit int) ([]*apschedtypes.Schedule, error) {
	now := time.Now()
	until := now.Add(s.leaseDelay)

	var due []*apschedtypes.Schedule
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("next_fire_time IS NOT NULL AND next_fire_time <= ?", now).
			Where("acquired_until IS NULL OR acquired_until < ?", now).
			Order("next_fire_time ASC, id ASC")
		if limit > 0 {
			q = q.Limit(limit)
		}
		var rows []scheduleRow
		if err := q.Find(&rows).Error; err != nil {
			return err
		}
		for i := range rows {
			due = append(due, toScheduleType(&rows[i]))
			if err := tx.Model(&scheduleRow{}).Where("id = ?", rows[i].ID).
				Updates(map[string]any{"acquired_by": schedulerID, "acquired_until": until}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("acquire schedules: %w", err)
	}
	return due, nil
}

// ReleaseSchedules clears leases and writes back advanced trigger
// state, or deletes exhausted schedules.
func (s *Store) ReleaseSchedules(ctx context.Context, schedulerID string, schedules []*apschedtypes.Schedule) error {
	var updated, removed []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, sc := range schedules {
			if sc.NextFireTime == nil {
				res := tx.Where("id = ? AND acquired_by = ?", sc.ID, schedulerID).Delete(&scheduleRow{})
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected > 0 {
					removed = append(removed, sc.ID)
				}
				continue
			}
			res := tx.Model(&scheduleRow{}).Where("id = ? AND acquired_by = ?", sc.ID, schedulerID).
				Updates(map[string]any{
					"trigger_blob": sc.Trigger, "next_fire_time": sc.NextFireTime, "last_fire_time": sc.LastFireTime,
					"acquired_by": nil, "acquired_until": nil,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				updated = append(updated, sc.ID)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("release schedules: %w", err)
	}

	for _, id := range removed {
		s.events.Publish(&eventbroker.ScheduleRemoved{ScheduleID: id})
	}
	for _, sc := range schedules {
		for _, id := range updated {
			if id == sc.ID {
				s.events.Publish(&eventbroker.ScheduleUpdated{ScheduleID: id, NextFireTime: sc.NextFireTime})
			}
		}
	}
	return nil
}

// GetNextScheduleRunTime returns the minimum non-null next_fire_time.
func (s *Store) GetNextScheduleRunTime(ctx context.Context) (*time.Time, error) {
	var t *time.Time
	row := s.db.WithContext(ctx).Model(&scheduleRow{}).Where("next_fire_time IS NOT NULL").
		Select("MIN(next_fire_time)").Row()
	if err := row.Scan(&t); err != nil {
		return nil, fmt.Errorf("query next run time: %w", err)
	}
	return t, nil
}

func toJobType(r *jobRow) *apschedtypes.Job {
	j := &apschedtypes.Job{
		ID: r.ID, TaskID: r.TaskID, Args: r.Args, Kwargs: r.Kwargs, Tags: unmarshalTagsJSON(r.Tags),
		ScheduledFireTime: r.ScheduledFireTime, StartDeadline: r.StartDeadline, CreatedAt: r.CreatedAt,
		StartedAt: r.StartedAt, AcquiredUntil: r.AcquiredUntil,
	}
	if r.ScheduleID != nil {
		j.ScheduleID = *r.ScheduleID
	}
	if r.AcquiredBy != nil {
		j.AcquiredBy = *r.AcquiredBy
	}
	return j
}

// AddJob inserts a job, assigning a UUID if ID is unset.
func (s *Store) AddJob(ctx context.Context, job *apschedtypes.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	tagsJSON, err := marshalTagsJSON(job.Tags)
	if err != nil {
		return &apschederr.SerializationError{Cause: err}
	}

	var scheduleID *string
	if job.ScheduleID != "" {
		scheduleID = &job.ScheduleID
	}
	row := jobRow{ID: job.ID, TaskID: job.TaskID, ScheduleID: scheduleID, Args: job.Args, Kwargs: job.Kwargs,
		Tags: tagsJSON, ScheduledFireTime: job.ScheduledFireTime, StartDeadline: job.StartDeadline, CreatedAt: job.CreatedAt}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	s.events.Publish(&eventbroker.JobAdded{JobID: job.ID, TaskID: job.TaskID, ScheduleID: job.ScheduleID, Tags: job.Tags})
	return nil
}

// GetJobs returns the jobs named by ids, or all jobs if ids is empty.
func (s *Store) GetJobs(ctx context.Context, ids []string) ([]*apschedtypes.Job, error) {
	q := s.db.WithContext(ctx).Order("created_at ASC")
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	}
	var rows []jobRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	out := make([]*apschedtypes.Job, 0, len(rows))
	for i := range rows {
		out = append(out, toJobType(&rows[i]))
	}
	return out, nil
}

// AcquireJobs atomically selects due jobs FIFO by created_at, admits
// them against each referenced task's slot budget, and leases the
// admitted subset.
func (s *Store) AcquireJobs(ctx context.Context, workerID string, limit int) ([]*apschedtypes.Job, error) {
	now := time.Now()
	until := now.Add(s.leaseDelay)

	var admitted []*apschedtypes.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []jobRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("acquired_until IS NULL OR acquired_until < ?", now).
			Order("created_at ASC").Find(&candidates).Error; err != nil {
			return err
		}

		taskIDs := make(map[string]struct{})
		for _, j := range candidates {
			taskIDs[j.TaskID] = struct{}{}
		}
		slotsLeft := make(map[string]int)
		for taskID := range taskIDs {
			var t taskRow
			if err := tx.Where("id = ?", taskID).Take(&t).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					continue
				}
				return err
			}
			if t.MaxRunningJobs != nil {
				left := *t.MaxRunningJobs - t.RunningJobs
				if left < 0 {
					left = 0
				}
				slotsLeft[taskID] = left
			}
		}

		admittedByTask := make(map[string]int)
		for i := range candidates {
			if limit > 0 && len(admitted) >= limit {
				break
			}
			j := &candidates[i]
			if left, limited := slotsLeft[j.TaskID]; limited {
				if left <= 0 {
					continue
				}
				slotsLeft[j.TaskID] = left - 1
			}
			if err := tx.Model(&jobRow{}).Where("id = ?", j.ID).
				Updates(map[string]any{"acquired_by": workerID, "acquired_until": until}).Error; err != nil {
				return err
			}
			admitted = append(admitted, toJobType(j))
			admittedByTask[j.TaskID]++
		}

		for taskID, n := range admittedByTask {
			if err := tx.Model(&taskRow{}).Where("id = ?", taskID).
				Update("running_jobs", gorm.Expr("running_jobs + ?", n)).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("acquire jobs: %w", err)
	}

	for _, j := range admitted {
		s.events.Publish(&eventbroker.JobAcquired{JobID: j.ID, WorkerID: workerID})
	}
	return admitted, nil
}

// ReleaseJob atomically inserts the result, decrements the task's
// running_jobs, and deletes the job row. Releasing a missing job is a
// no-op.
func (s *Store) ReleaseJob(ctx context.Context, workerID, taskID string, result *apschedtypes.JobResult) error {
	released := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing jobRow
		err := tx.Where("id = ?", result.JobID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil // idempotent no-op
		}
		if err != nil {
			return err
		}
		released = true

		row := jobResultRow{JobID: result.JobID, Outcome: string(result.Outcome), FinishedAt: result.FinishedAt,
			ReturnValue: result.ReturnValue, Exception: result.Exception}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return err
		}

		if err := tx.Model(&taskRow{}).Where("id = ?", taskID).
			Update("running_jobs", gorm.Expr("GREATEST(running_jobs - 1, 0)")).Error; err != nil {
			return err
		}

		return tx.Where("id = ?", result.JobID).Delete(&jobRow{}).Error
	})
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	if released {
		s.events.Publish(&eventbroker.JobReleased{JobID: result.JobID, WorkerID: workerID, Outcome: string(result.Outcome)})
	}
	return nil
}

// GetJobResult performs a consuming read: fetch and delete the result
// row inside one transaction.
func (s *Store) GetJobResult(ctx context.Context, jobID string) (*apschedtypes.JobResult, error) {
	var out *apschedtypes.JobResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row jobResultRow
		err := tx.Where("job_id = ?", jobID).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out = &apschedtypes.JobResult{JobID: row.JobID, Outcome: apschedtypes.JobOutcome(row.Outcome),
			FinishedAt: row.FinishedAt, ReturnValue: row.ReturnValue, Exception: row.Exception}
		return tx.Where("job_id = ?", jobID).Delete(&jobResultRow{}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("get job result: %w", err)
	}
	return out, nil
}
