package tui

// ScheduleItem is a summary of a schedule for the list view.
type ScheduleItem struct {
	ID           string
	TaskID       string
	Coalesce     string
	NextFireTime string
	LastFireTime string
}

// JobItem is a summary of a job for the list view.
type JobItem struct {
	ID         string
	TaskID     string
	ScheduleID string
	AcquiredBy string
	CreatedAt  string
}

// TaskItem is a summary of a task for the list view.
type TaskItem struct {
	ID             string
	Func           string
	MaxRunningJobs string
	RunningJobs    int
}

// WorkerStatus is the snapshot a running worker process reports.
type WorkerStatus struct {
	WorkerID string
	Jobs     []JobItem
}
