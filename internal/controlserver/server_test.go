package controlserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tidecron/scheduler/internal/eventbroker"
	"github.com/tidecron/scheduler/internal/scheduler"
	"github.com/tidecron/scheduler/internal/serializer"
	"github.com/tidecron/scheduler/internal/store"
	memstore "github.com/tidecron/scheduler/internal/store/memory"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	opts := store.Options{Events: eventbroker.New(), Serializer: serializer.JSONSerializer{}}.WithDefaults()
	s := memstore.New(opts)
	sched := scheduler.New("sched-test", s, opts.Events, opts.Serializer, nil, scheduler.DefaultConfig())

	srv := New(s, sched, nil, "", nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc("/tasks", srv.handleTasks)
	mux.HandleFunc("/tasks/", srv.handleTaskByID)
	mux.HandleFunc("/schedules", srv.handleSchedules)
	mux.HandleFunc("/schedules/", srv.handleScheduleByID)
	mux.HandleFunc("/jobs", srv.handleJobs)
	mux.HandleFunc("/jobs/", srv.handleJobByID)
	mux.HandleFunc("/workers", srv.handleWorkers)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.OK {
		t.Error("expected ok=true")
	}
}

func TestCreateAndGetTask(t *testing.T) {
	_, ts := newTestServer(t)

	body, _ := json.Marshal(createTaskRequest{ID: "t1", Func: "pkg.Func"})
	resp, err := http.Post(ts.URL+"/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /tasks: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	get, err := http.Get(ts.URL + "/tasks/t1")
	if err != nil {
		t.Fatalf("GET /tasks/t1: %v", err)
	}
	defer get.Body.Close()
	if get.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", get.StatusCode)
	}
}

func TestGetUnknownTaskReturns404(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/tasks/nonexistent")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateScheduleWithIntervalTrigger(t *testing.T) {
	_, ts := newTestServer(t)

	body := []byte(`{"func":"pkg.Func","trigger_kind":"interval","interval":1000000000}`)
	resp, err := http.Post(ts.URL+"/schedules", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /schedules: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var out map[string]string
	json.NewDecoder(resp.Body).Decode(&out)
	if out["schedule_id"] == "" {
		t.Error("expected a non-empty schedule_id")
	}
}

func TestCreateScheduleRejectsUnknownTriggerKind(t *testing.T) {
	_, ts := newTestServer(t)

	body := []byte(`{"func":"pkg.Func","trigger_kind":"nonsense"}`)
	resp, err := http.Post(ts.URL+"/schedules", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /schedules: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestMethodNotAllowedOnTasks(t *testing.T) {
	_, ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/tasks", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /tasks: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}
