// Package sqlite implements the Store contract on top of
// database/sql and modernc.org/sqlite, following the teacher's
// internal/store package: WAL mode, a single writer connection, and
// transactions that pair a SELECT with an UPDATE/DELETE inside one
// tx.Begin()/tx.Commit() so the two halves of each acquire/release
// operation are never observed apart.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tidecron/scheduler/internal/apschederr"
	"github.com/tidecron/scheduler/internal/apschedtypes"
	"github.com/tidecron/scheduler/internal/eventbroker"
	"github.com/tidecron/scheduler/internal/serializer"
	"github.com/tidecron/scheduler/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	func TEXT NOT NULL,
	max_running_jobs INTEGER,
	running_jobs INTEGER NOT NULL DEFAULT 0,
	misfire_grace_time_ns INTEGER
);

CREATE TABLE IF NOT EXISTS schedules (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	trigger_blob BLOB,
	trigger_kind TEXT,
	args BLOB,
	kwargs BLOB,
	tags TEXT,
	coalesce TEXT NOT NULL DEFAULT 'latest',
	misfire_grace_time_ns INTEGER,
	next_fire_time DATETIME,
	last_fire_time DATETIME,
	acquired_by TEXT,
	acquired_until DATETIME
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_fire_time ON schedules(next_fire_time);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	schedule_id TEXT,
	args BLOB,
	kwargs BLOB,
	tags TEXT,
	scheduled_fire_time DATETIME,
	start_deadline DATETIME,
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	acquired_by TEXT,
	acquired_until DATETIME
);
CREATE INDEX IF NOT EXISTS idx_jobs_task_id ON jobs(task_id);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);

CREATE TABLE IF NOT EXISTS job_results (
	job_id TEXT PRIMARY KEY,
	outcome TEXT NOT NULL,
	finished_at DATETIME NOT NULL,
	return_value BLOB,
	exception BLOB
);
CREATE INDEX IF NOT EXISTS idx_job_results_finished_at ON job_results(finished_at);
`

// Store is a SQLite-backed implementation of store.Store.
type Store struct {
	db         *sql.DB
	events     *eventbroker.Broker
	serializer serializer.Serializer
	leaseDelay time.Duration
}

var _ store.Store = (*Store)(nil)

// New opens (creating if necessary) the SQLite database at path and
// runs migrations. If opts.StartFromScratch is set, all tables are
// truncated after migration.
func New(path string, opts store.Options) (*Store, error) {
	opts = opts.WithDefaults()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite permits exactly one writer; serialize through one conn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:         db,
		events:     opts.Events,
		serializer: opts.Serializer,
		leaseDelay: opts.LockExpirationDelay,
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if opts.StartFromScratch {
		for _, tbl := range []string{"tasks", "schedules", "jobs", "job_results"} {
			if _, err := db.Exec("DELETE FROM " + tbl); err != nil {
				db.Close()
				return nil, fmt.Errorf("truncate %s: %w", tbl, err)
			}
		}
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func marshalTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalTags(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var tags []string
	_ = json.Unmarshal([]byte(raw.String), &tags)
	return tags
}

func nullDuration(d *time.Duration) sql.NullInt64 {
	if d == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*d), Valid: true}
}

func durationFromNull(n sql.NullInt64) *time.Duration {
	if !n.Valid {
		return nil
	}
	d := time.Duration(n.Int64)
	return &d
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timeFromNull(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

// AddTask upserts a task, preserving running_jobs across updates.
func (s *Store) AddTask(ctx context.Context, task *apschedtypes.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, task.ID).Scan(new(int))
	if err == nil {
		exists = true
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("query task: %w", err)
	}

	if exists {
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET func = ?, max_running_jobs = ?, misfire_grace_time_ns = ? WHERE id = ?`,
			task.Func, task.MaxRunningJobs, nullDuration(task.MisfireGraceTime), task.ID,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tasks (id, func, max_running_jobs, running_jobs, misfire_grace_time_ns) VALUES (?, ?, ?, 0, ?)`,
			task.ID, task.Func, task.MaxRunningJobs, nullDuration(task.MisfireGraceTime),
		)
	}
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if exists {
		s.events.Publish(&eventbroker.TaskUpdated{TaskID: task.ID})
	} else {
		s.events.Publish(&eventbroker.TaskAdded{TaskID: task.ID})
	}
	return nil
}

// RemoveTask deletes a task by id.
func (s *Store) RemoveTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return &apschederr.TaskLookupError{ID: id}
	}
	s.events.Publish(&eventbroker.TaskRemoved{TaskID: id})
	return nil
}

func scanTask(row interface{ Scan(...any) error }) (*apschedtypes.Task, error) {
	var t apschedtypes.Task
	var maxRunning sql.NullInt64
	var grace sql.NullInt64
	if err := row.Scan(&t.ID, &t.Func, &maxRunning, &t.RunningJobs, &grace); err != nil {
		return nil, err
	}
	if maxRunning.Valid {
		v := int(maxRunning.Int64)
		t.MaxRunningJobs = &v
	}
	t.MisfireGraceTime = durationFromNull(grace)
	return &t, nil
}

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*apschedtypes.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, func, max_running_jobs, running_jobs, misfire_grace_time_ns FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, &apschederr.TaskLookupError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

// GetTasks returns every task.
func (s *Store) GetTasks(ctx context.Context) ([]*apschedtypes.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, func, max_running_jobs, running_jobs, misfire_grace_time_ns FROM tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*apschedtypes.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AddSchedule inserts or, per conflictPolicy, updates a schedule with
// a duplicate id.
func (s *Store) AddSchedule(ctx context.Context, sc *apschedtypes.Schedule, conflictPolicy apschedtypes.ConflictPolicy) error {
	tagsJSON, err := marshalTags(sc.Tags)
	if err != nil {
		return &apschederr.SerializationError{Cause: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM schedules WHERE id = ?`, sc.ID).Scan(new(int))
	if err == nil {
		exists = true
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("query schedule: %w", err)
	}

	if exists {
		switch conflictPolicy {
		case apschedtypes.ConflictDoNothing:
			return tx.Commit()
		case apschedtypes.ConflictException:
			return &apschederr.ConflictingIDError{ID: sc.ID}
		case apschedtypes.ConflictReplace:
			_, err = tx.ExecContext(ctx,
				`UPDATE schedules SET task_id=?, trigger_blob=?, trigger_kind=?, args=?, kwargs=?, tags=?, coalesce=?,
				 misfire_grace_time_ns=?, next_fire_time=?, last_fire_time=?, acquired_by=NULL, acquired_until=NULL
				 WHERE id = ?`,
				sc.TaskID, sc.Trigger, sc.TriggerKind, sc.Args, sc.Kwargs, tagsJSON, string(sc.Coalesce),
				nullDuration(sc.MisfireGraceTime), nullTime(sc.NextFireTime), nullTime(sc.LastFireTime), sc.ID,
			)
			if err != nil {
				return fmt.Errorf("update schedule: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit: %w", err)
			}
			s.events.Publish(&eventbroker.ScheduleUpdated{ScheduleID: sc.ID, NextFireTime: sc.NextFireTime})
			return nil
		default:
			return &apschederr.ConflictingIDError{ID: sc.ID}
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO schedules (id, task_id, trigger_blob, trigger_kind, args, kwargs, tags, coalesce,
		 misfire_grace_time_ns, next_fire_time, last_fire_time, acquired_by, acquired_until)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
		sc.ID, sc.TaskID, sc.Trigger, sc.TriggerKind, sc.Args, sc.Kwargs, tagsJSON, string(sc.Coalesce),
		nullDuration(sc.MisfireGraceTime), nullTime(sc.NextFireTime), nullTime(sc.LastFireTime),
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.events.Publish(&eventbroker.ScheduleAdded{ScheduleID: sc.ID, NextFireTime: sc.NextFireTime})
	return nil
}

// RemoveSchedules deletes any subset of ids present.
func (s *Store) RemoveSchedules(ctx context.Context, ids []string) error {
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete schedule: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			s.events.Publish(&eventbroker.ScheduleRemoved{ScheduleID: id})
		}
	}
	return nil
}

func scanSchedule(row interface{ Scan(...any) error }) (*apschedtypes.Schedule, error) {
	var sc apschedtypes.Schedule
	var tagsJSON sql.NullString
	var coalesce string
	var grace sql.NullInt64
	var nextFire, lastFire, acquiredUntil sql.NullTime
	var acquiredBy sql.NullString

	if err := row.Scan(&sc.ID, &sc.TaskID, &sc.Trigger, &sc.TriggerKind, &sc.Args, &sc.Kwargs, &tagsJSON,
		&coalesce, &grace, &nextFire, &lastFire, &acquiredBy, &acquiredUntil); err != nil {
		return nil, err
	}

	sc.Tags = unmarshalTags(tagsJSON)
	sc.Coalesce = apschedtypes.CoalescePolicy(coalesce)
	sc.MisfireGraceTime = durationFromNull(grace)
	sc.NextFireTime = timeFromNull(nextFire)
	sc.LastFireTime = timeFromNull(lastFire)
	sc.AcquiredUntil = timeFromNull(acquiredUntil)
	if acquiredBy.Valid {
		sc.AcquiredBy = acquiredBy.String
	}
	return &sc, nil
}

const scheduleColumns = `id, task_id, trigger_blob, trigger_kind, args, kwargs, tags, coalesce,
	misfire_grace_time_ns, next_fire_time, last_fire_time, acquired_by, acquired_until`

// GetSchedules returns the schedules named by ids, or all schedules
// if ids is empty.
func (s *Store) GetSchedules(ctx context.Context, ids []string) ([]*apschedtypes.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	var args []any
	if len(ids) > 0 {
		placeholders := ""
		for i, id := range ids {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args = append(args, id)
		}
		query += ` WHERE id IN (` + placeholders + `)`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []*apschedtypes.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// AcquireSchedules atomically selects and leases up to limit due,
// unleased-or-expired schedules ordered by ascending next_fire_time.
func (s *Store) AcquireSchedules(ctx context.Context, schedulerID string, limit int) ([]*apschedtypes.Schedule, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()

	query := `SELECT ` + scheduleColumns + ` FROM schedules
		WHERE next_fire_time IS NOT NULL AND next_fire_time <= ?
		AND (acquired_until IS NULL OR acquired_until < ?)
		ORDER BY next_fire_time ASC, id ASC`
	args := []any{now, now}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select due schedules: %w", err)
	}
	var due []*apschedtypes.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		due = append(due, sc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	until := now.Add(s.leaseDelay)
	for _, sc := range due {
		if _, err := tx.ExecContext(ctx,
			`UPDATE schedules SET acquired_by = ?, acquired_until = ? WHERE id = ?`,
			schedulerID, until, sc.ID,
		); err != nil {
			return nil, fmt.Errorf("lease schedule: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return due, nil
}

// ReleaseSchedules clears leases and writes back advanced trigger
// state, or deletes exhausted schedules.
func (s *Store) ReleaseSchedules(ctx context.Context, schedulerID string, schedules []*apschedtypes.Schedule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var updated, removed []string
	for _, sc := range schedules {
		if sc.NextFireTime == nil {
			res, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE id = ? AND acquired_by = ?`, sc.ID, schedulerID)
			if err != nil {
				return fmt.Errorf("delete schedule: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				removed = append(removed, sc.ID)
			}
			continue
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE schedules SET trigger_blob = ?, next_fire_time = ?, last_fire_time = ?,
			 acquired_by = NULL, acquired_until = NULL
			 WHERE id = ? AND acquired_by = ?`,
			sc.Trigger, nullTime(sc.NextFireTime), nullTime(sc.LastFireTime), sc.ID, schedulerID,
		)
		if err != nil {
			return fmt.Errorf("update schedule: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			updated = append(updated, sc.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
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

// GetNextScheduleRunTime returns the minimum non-null next_fire_time
// across all schedules.
func (s *Store) GetNextScheduleRunTime(ctx context.Context) (*time.Time, error) {
	var t sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT MIN(next_fire_time) FROM schedules WHERE next_fire_time IS NOT NULL`).Scan(&t)
	if err != nil {
		return nil, fmt.Errorf("query next run time: %w", err)
	}
	return timeFromNull(t), nil
}

// AddJob inserts a job, assigning a UUID if ID is unset.
func (s *Store) AddJob(ctx context.Context, job *apschedtypes.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	tagsJSON, err := marshalTags(job.Tags)
	if err != nil {
		return &apschederr.SerializationError{Cause: err}
	}

	var scheduleID sql.NullString
	if job.ScheduleID != "" {
		scheduleID = sql.NullString{String: job.ScheduleID, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, task_id, schedule_id, args, kwargs, tags, scheduled_fire_time, start_deadline,
		 created_at, started_at, acquired_by, acquired_until)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL)`,
		job.ID, job.TaskID, scheduleID, job.Args, job.Kwargs, tagsJSON,
		nullTime(job.ScheduledFireTime), nullTime(job.StartDeadline), job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	s.events.Publish(&eventbroker.JobAdded{JobID: job.ID, TaskID: job.TaskID, ScheduleID: job.ScheduleID, Tags: job.Tags})
	return nil
}

func scanJob(row interface{ Scan(...any) error }) (*apschedtypes.Job, error) {
	var j apschedtypes.Job
	var scheduleID sql.NullString
	var tagsJSON sql.NullString
	var scheduledFire, startDeadline, startedAt, acquiredUntil sql.NullTime
	var acquiredBy sql.NullString

	if err := row.Scan(&j.ID, &j.TaskID, &scheduleID, &j.Args, &j.Kwargs, &tagsJSON,
		&scheduledFire, &startDeadline, &j.CreatedAt, &startedAt, &acquiredBy, &acquiredUntil); err != nil {
		return nil, err
	}

	if scheduleID.Valid {
		j.ScheduleID = scheduleID.String
	}
	j.Tags = unmarshalTags(tagsJSON)
	j.ScheduledFireTime = timeFromNull(scheduledFire)
	j.StartDeadline = timeFromNull(startDeadline)
	j.StartedAt = timeFromNull(startedAt)
	j.AcquiredUntil = timeFromNull(acquiredUntil)
	if acquiredBy.Valid {
		j.AcquiredBy = acquiredBy.String
	}
	return &j, nil
}

const jobColumns = `id, task_id, schedule_id, args, kwargs, tags, scheduled_fire_time, start_deadline,
	created_at, started_at, acquired_by, acquired_until`

// GetJobs returns the jobs named by ids, or all jobs if ids is empty.
func (s *Store) GetJobs(ctx context.Context, ids []string) ([]*apschedtypes.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if len(ids) > 0 {
		placeholders := ""
		for i, id := range ids {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args = append(args, id)
		}
		query += ` WHERE id IN (` + placeholders + `)`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []*apschedtypes.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// AcquireJobs atomically selects due jobs FIFO by created_at, admits
// them against each referenced task's slot budget, and leases the
// admitted subset (spec §4.3 acquire_jobs; corrects the "probable
// bug" of not joining jobs to tasks by task_id when loading limits).
func (s *Store) AcquireJobs(ctx context.Context, workerID string, limit int) ([]*apschedtypes.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()

	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE acquired_until IS NULL OR acquired_until < ?
		ORDER BY created_at ASC`
	args := []any{now}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select due jobs: %w", err)
	}
	var candidates []*apschedtypes.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan job: %w", err)
		}
		candidates = append(candidates, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	taskIDs := make(map[string]struct{})
	for _, j := range candidates {
		taskIDs[j.TaskID] = struct{}{}
	}
	slotsLeft := make(map[string]int)
	for taskID := range taskIDs {
		var maxRunning sql.NullInt64
		var running int
		err := tx.QueryRowContext(ctx, `SELECT max_running_jobs, running_jobs FROM tasks WHERE id = ?`, taskID).
			Scan(&maxRunning, &running)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("query task limits: %w", err)
		}
		if maxRunning.Valid {
			left := int(maxRunning.Int64) - running
			if left < 0 {
				left = 0
			}
			slotsLeft[taskID] = left
		}
	}

	until := now.Add(s.leaseDelay)
	var admitted []*apschedtypes.Job
	admittedByTask := make(map[string]int)
	for _, j := range candidates {
		if limit > 0 && len(admitted) >= limit {
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
		admitted = append(admitted, j)
		admittedByTask[j.TaskID]++
	}

	for _, j := range admitted {
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET acquired_by = ?, acquired_until = ? WHERE id = ?`,
			workerID, until, j.ID,
		); err != nil {
			return nil, fmt.Errorf("lease job: %w", err)
		}
	}
	for taskID, n := range admittedByTask {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET running_jobs = running_jobs + ? WHERE id = ?`, n, taskID,
		); err != nil {
			return nil, fmt.Errorf("increment running_jobs: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	for _, j := range admitted {
		s.events.Publish(&eventbroker.JobAcquired{JobID: j.ID, WorkerID: workerID})
	}
	return admitted, nil
}

// ReleaseJob atomically inserts the result, decrements the task's
// running_jobs, and deletes the job row. Releasing a missing job is a
// no-op; the result table's primary key prevents double insertion.
func (s *Store) ReleaseJob(ctx context.Context, workerID, taskID string, result *apschedtypes.JobResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, result.JobID).Scan(new(int))
	if err == sql.ErrNoRows {
		return tx.Commit() // idempotent no-op
	}
	if err != nil {
		return fmt.Errorf("query job: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO job_results (job_id, outcome, finished_at, return_value, exception)
		 VALUES (?, ?, ?, ?, ?)`,
		result.JobID, string(result.Outcome), result.FinishedAt, result.ReturnValue, result.Exception,
	)
	if err != nil {
		return fmt.Errorf("insert job result: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET running_jobs = MAX(running_jobs - 1, 0) WHERE id = ?`, taskID,
	); err != nil {
		return fmt.Errorf("decrement running_jobs: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, result.JobID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.events.Publish(&eventbroker.JobReleased{JobID: result.JobID, WorkerID: workerID, Outcome: string(result.Outcome)})
	return nil
}

// GetJobResult performs a consuming read: fetch and delete the
// result row inside one transaction.
func (s *Store) GetJobResult(ctx context.Context, jobID string) (*apschedtypes.JobResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var r apschedtypes.JobResult
	var outcome string
	var returnValue, exception []byte
	err = tx.QueryRowContext(ctx,
		`SELECT job_id, outcome, finished_at, return_value, exception FROM job_results WHERE job_id = ?`, jobID,
	).Scan(&r.JobID, &outcome, &r.FinishedAt, &returnValue, &exception)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query job result: %w", err)
	}
	r.Outcome = apschedtypes.JobOutcome(outcome)
	r.ReturnValue = returnValue
	r.Exception = exception

	if _, err := tx.ExecContext(ctx, `DELETE FROM job_results WHERE job_id = ?`, jobID); err != nil {
		return nil, fmt.Errorf("delete job result: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &r, nil
}
