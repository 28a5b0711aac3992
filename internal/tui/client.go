package tui

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultClientTimeout is the default timeout for control server requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the control server (spec'd in
// internal/controlserver).
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, httpClient: &http.Client{Timeout: DefaultClientTimeout}}
}

func (c *Client) get(path string, v any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("control server error: %s", string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// ListSchedules fetches every schedule.
func (c *Client) ListSchedules() ([]ScheduleItem, error) {
	var raw []struct {
		ID           string  `json:"ID"`
		TaskID       string  `json:"TaskID"`
		Coalesce     string  `json:"Coalesce"`
		NextFireTime *string `json:"NextFireTime"`
		LastFireTime *string `json:"LastFireTime"`
	}
	if err := c.get("/schedules", &raw); err != nil {
		return nil, err
	}

	items := make([]ScheduleItem, len(raw))
	for i, s := range raw {
		items[i] = ScheduleItem{ID: s.ID, TaskID: s.TaskID, Coalesce: s.Coalesce}
		if s.NextFireTime != nil {
			items[i].NextFireTime = *s.NextFireTime
		}
		if s.LastFireTime != nil {
			items[i].LastFireTime = *s.LastFireTime
		}
	}
	return items, nil
}

// ListJobs fetches every pending/running job.
func (c *Client) ListJobs() ([]JobItem, error) {
	var raw []struct {
		ID         string `json:"ID"`
		TaskID     string `json:"TaskID"`
		ScheduleID string `json:"ScheduleID"`
		AcquiredBy string `json:"AcquiredBy"`
		CreatedAt  string `json:"CreatedAt"`
	}
	if err := c.get("/jobs", &raw); err != nil {
		return nil, err
	}

	items := make([]JobItem, len(raw))
	for i, j := range raw {
		items[i] = JobItem{ID: j.ID, TaskID: j.TaskID, ScheduleID: j.ScheduleID, AcquiredBy: j.AcquiredBy, CreatedAt: j.CreatedAt}
	}
	return items, nil
}

// ListTasks fetches every registered task.
func (c *Client) ListTasks() ([]TaskItem, error) {
	var raw []struct {
		ID             string `json:"ID"`
		Func           string `json:"Func"`
		MaxRunningJobs *int   `json:"MaxRunningJobs"`
		RunningJobs    int    `json:"RunningJobs"`
	}
	if err := c.get("/tasks", &raw); err != nil {
		return nil, err
	}

	items := make([]TaskItem, len(raw))
	for i, t := range raw {
		max := "unlimited"
		if t.MaxRunningJobs != nil {
			max = fmt.Sprintf("%d", *t.MaxRunningJobs)
		}
		items[i] = TaskItem{ID: t.ID, Func: t.Func, MaxRunningJobs: max, RunningJobs: t.RunningJobs}
	}
	return items, nil
}

// CheckHealth reports whether the control server is reachable and healthy.
func (c *Client) CheckHealth() (bool, error) {
	var health struct {
		OK bool `json:"ok"`
	}
	if err := c.get("/health", &health); err != nil {
		return false, err
	}
	return health.OK, nil
}
