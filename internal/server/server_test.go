package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/me/ledispatch/internal/config"
	"github.com/me/ledispatch/internal/engine"
	"github.com/me/ledispatch/internal/store"
	"github.com/me/ledispatch/pkg/model"
)

func testServer(t *testing.T, opts ...Option) (*Server, *store.SQLiteStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultServerConfig()
	eng := engine.New(st, cfg.Engine, logger)
	return New(cfg, st, eng, logger, opts...), st
}

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Timestamp  string            `json:"timestamp"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

func do(t *testing.T, srv *Server, method, path, body string, headers ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	var env envelope
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("%s %s: invalid JSON: %v (%s)", method, path, err, w.Body.String())
		}
	}
	return w, env
}

func doGet(t *testing.T, srv *Server, path string) envelope {
	t.Helper()
	w, env := do(t, srv, "GET", path, "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET %s: status=%d, want 200, body=%s", path, w.Code, w.Body.String())
	}
	return env
}

func doPost(t *testing.T, srv *Server, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	return do(t, srv, "POST", path, body)
}

func doPut(t *testing.T, srv *Server, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	return do(t, srv, "PUT", path, body)
}

const taskBody = `{"slot_key":"se-1","workflow_execution_id":"wfe-1","analysis_minute":5,
	"analysis_type":"LOG_ML","api_version":"v1","cv_config_id":"cv-1"}`

func addTask(t *testing.T, srv *Server, body string) model.AnalysisTask {
	t.Helper()
	w, env := doPost(t, srv, "/api/v1/tasks/", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("add task: status=%d, body=%s", w.Code, w.Body.String())
	}
	var task model.AnalysisTask
	json.Unmarshal(env.Data, &task)
	return task
}

func claimTask(t *testing.T, srv *Server) model.AnalysisTask {
	t.Helper()
	w, env := do(t, srv, "GET", "/api/v1/tasks/next?api_version=v1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("claim: status=%d, body=%s", w.Code, w.Body.String())
	}
	var task model.AnalysisTask
	json.Unmarshal(env.Data, &task)
	return task
}

func TestDiscovery(t *testing.T) {
	srv, _ := testServer(t)
	env := doGet(t, srv, "/api/v1/")
	if env.Status != "ok" {
		t.Errorf("status = %q, want ok", env.Status)
	}
	if env.RequestID == "" {
		t.Error("request_id is empty")
	}

	var data struct {
		Name      string `json:"name"`
		Endpoints []struct {
			Path string `json:"path"`
		} `json:"endpoints"`
	}
	json.Unmarshal(env.Data, &data)
	if data.Name != "ledispatch API" {
		t.Errorf("name = %q, want ledispatch API", data.Name)
	}
	if len(data.Endpoints) < 10 {
		t.Errorf("endpoints count = %d, want >= 10", len(data.Endpoints))
	}
}

func TestHealth(t *testing.T) {
	srv, _ := testServer(t)
	addTask(t, srv, taskBody)
	env := doGet(t, srv, "/api/v1/health")

	var data healthResponse
	json.Unmarshal(env.Data, &data)
	if data.Status != "healthy" {
		t.Errorf("status = %q, want healthy", data.Status)
	}
	if data.Queued != 1 || data.Running != 0 {
		t.Errorf("queued/running = %d/%d, want 1/0", data.Queued, data.Running)
	}
	if data.Scheduler != "disabled" {
		t.Errorf("scheduler = %q, want disabled", data.Scheduler)
	}
}

func TestAddTask(t *testing.T) {
	srv, _ := testServer(t)
	task := addTask(t, srv, taskBody)
	if !strings.HasPrefix(task.ID, engine.TaskIDPrefix) {
		t.Errorf("id = %q, want %s prefix", task.ID, engine.TaskIDPrefix)
	}
	if task.Status != model.TaskStatusQueued {
		t.Errorf("status = %s, want QUEUED", task.Status)
	}

	tests := []struct {
		name string
		body string
		code int
	}{
		{"duplicate", taskBody, http.StatusConflict},
		{"invalid json", `{"slot_key":`, http.StatusBadRequest},
		{"missing slot", `{"analysis_type":"LOG_ML","api_version":"v1"}`, http.StatusBadRequest},
		{"unknown type", `{"slot_key":"s","analysis_type":"NOPE","api_version":"v1"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := doPost(t, srv, "/api/v1/tasks/", tt.body)
			if w.Code != tt.code {
				t.Fatalf("status=%d, want %d, body=%s", w.Code, tt.code, w.Body.String())
			}
			if env.Status != "error" || env.Error == nil {
				t.Errorf("envelope = %+v, want error", env)
			}
		})
	}
}

func TestClaimTask(t *testing.T) {
	srv, _ := testServer(t)

	w, _ := do(t, srv, "GET", "/api/v1/tasks/next?api_version=v1", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("empty queue: status=%d, want 204", w.Code)
	}

	added := addTask(t, srv, taskBody)
	got := claimTask(t, srv)
	if got.ID != added.ID || got.Status != model.TaskStatusRunning {
		t.Errorf("claimed %s (%s), want %s RUNNING", got.ID, got.Status, added.ID)
	}

	w, _ = do(t, srv, "GET", "/api/v1/tasks/next?api_version=v1", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("after claim: status=%d, want 204", w.Code)
	}

	for _, path := range []string{
		"/api/v1/tasks/next",
		"/api/v1/tasks/next?api_version=v1&types=LOG_ML,BOGUS",
		"/api/v1/tasks/next?api_version=v1&continuous=maybe",
	} {
		w, _ := do(t, srv, "GET", path, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("GET %s: status=%d, want 400", path, w.Code)
		}
	}
}

func TestClaimTask_Filters(t *testing.T) {
	srv, _ := testServer(t)
	addTask(t, srv, taskBody)

	for _, path := range []string{
		"/api/v1/tasks/next?api_version=v2",
		"/api/v1/tasks/next?api_version=v1&types=TIME_SERIES",
		"/api/v1/tasks/next?api_version=v1&continuous=true",
	} {
		w, _ := do(t, srv, "GET", path, "")
		if w.Code != http.StatusNoContent {
			t.Errorf("GET %s: status=%d, want 204", path, w.Code)
		}
	}
	w, _ := do(t, srv, "GET", "/api/v1/tasks/next?api_version=v1&types=LOG_ML&continuous=false", "")
	if w.Code != http.StatusOK {
		t.Errorf("matching filters: status=%d, want 200", w.Code)
	}
}

func TestGetTask(t *testing.T) {
	srv, _ := testServer(t)
	added := addTask(t, srv, taskBody)

	env := doGet(t, srv, "/api/v1/tasks/"+added.ID)
	var got model.AnalysisTask
	json.Unmarshal(env.Data, &got)
	if got.SlotKey != "se-1" || got.AnalysisMinute != 5 {
		t.Errorf("got %+v", got)
	}

	w, env := do(t, srv, "GET", "/api/v1/tasks/let_missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing: status=%d, want 404", w.Code)
	}
	if env.Error == nil || env.Error.Code != model.ErrNotFound {
		t.Errorf("error = %+v, want NOT_FOUND", env.Error)
	}
}

func TestListTasks(t *testing.T) {
	srv, _ := testServer(t)
	for _, slot := range []string{"a", "b", "c"} {
		addTask(t, srv, strings.Replace(taskBody, `"se-1"`, `"`+slot+`"`, 1))
	}
	claimTask(t, srv)

	env := doGet(t, srv, "/api/v1/tasks/?limit=2")
	var tasks []model.AnalysisTask
	json.Unmarshal(env.Data, &tasks)
	if len(tasks) != 2 {
		t.Fatalf("len = %d, want 2", len(tasks))
	}
	if env.Pagination == nil || env.Pagination.Total != 3 || !env.Pagination.HasMore {
		t.Errorf("pagination = %+v, want total 3 has_more", env.Pagination)
	}

	env = doGet(t, srv, "/api/v1/tasks/?status=RUNNING")
	json.Unmarshal(env.Data, &tasks)
	if len(tasks) != 1 || tasks[0].SlotKey != "a" {
		t.Errorf("running = %+v, want slot a", tasks)
	}

	if w, _ := do(t, srv, "GET", "/api/v1/tasks/?status=DONE", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad status filter: status=%d, want 400", w.Code)
	}
}

func TestCompleteTaskByID(t *testing.T) {
	srv, _ := testServer(t)
	added := addTask(t, srv, taskBody)
	claimTask(t, srv)

	w, _ := doPut(t, srv, "/api/v1/tasks/"+added.ID+"/complete", "")
	if w.Code != http.StatusOK {
		t.Fatalf("complete: status=%d, body=%s", w.Code, w.Body.String())
	}
	w, _ = doPut(t, srv, "/api/v1/tasks/"+added.ID+"/complete", "")
	if w.Code != http.StatusConflict {
		t.Errorf("complete twice: status=%d, want 409", w.Code)
	}
	w, _ = doPut(t, srv, "/api/v1/tasks/let_missing/complete", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("complete missing: status=%d, want 404", w.Code)
	}
}

func TestCompleteTaskByIdentity(t *testing.T) {
	srv, st := testServer(t)
	added := addTask(t, srv, taskBody)

	body := `{"slot_key":"se-1","workflow_execution_id":"wfe-1","analysis_minute":5,"analysis_type":"LOG_ML","cluster_level":-1}`
	w, env := doPut(t, srv, "/api/v1/tasks/complete", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, body=%s", w.Code, w.Body.String())
	}
	var data struct {
		Completed int `json:"completed"`
	}
	json.Unmarshal(env.Data, &data)
	if data.Completed != 1 {
		t.Errorf("completed = %d, want 1", data.Completed)
	}
	got, _ := st.GetTask(context.Background(), added.ID)
	if got.Status != model.TaskStatusSuccess {
		t.Errorf("status = %s, want SUCCESS", got.Status)
	}

	if w, _ := doPut(t, srv, "/api/v1/tasks/complete", `{"slot_key":"se-1"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing workflow execution: status=%d, want 400", w.Code)
	}
}

func TestTaskFailure(t *testing.T) {
	srv, _ := testServer(t)
	added := addTask(t, srv, taskBody)

	w, _ := doPost(t, srv, "/api/v1/tasks/"+added.ID+"/failure", `{"analysis_minute":5,"message":"boom"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("failure on queued task: status=%d, want 409", w.Code)
	}

	claimTask(t, srv)
	w, env := doPost(t, srv, "/api/v1/tasks/"+added.ID+"/failure", `{"analysis_minute":5,"message":"boom"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("failure: status=%d, body=%s", w.Code, w.Body.String())
	}
	var got model.AnalysisTask
	json.Unmarshal(env.Data, &got)
	if got.Status != model.TaskStatusQueued || got.RetryCount != 1 || got.LastError != "boom" {
		t.Errorf("after failure = %s retry=%d err=%q, want QUEUED 1 boom", got.Status, got.RetryCount, got.LastError)
	}

	w, _ = doPost(t, srv, "/api/v1/tasks/let_missing/failure", `{}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing task: status=%d, want 404", w.Code)
	}
}

func TestTaskFailure_EmptyBody(t *testing.T) {
	srv, _ := testServer(t)
	added := addTask(t, srv, taskBody)
	claimTask(t, srv)

	w, env := doPost(t, srv, "/api/v1/tasks/"+added.ID+"/failure", "")
	if w.Code != http.StatusOK {
		t.Fatalf("failure without body: status=%d, body=%s", w.Code, w.Body.String())
	}
	var got model.AnalysisTask
	json.Unmarshal(env.Data, &got)
	if got.Status != model.TaskStatusQueued || got.RetryCount != 1 {
		t.Errorf("after failure = %s retry=%d, want QUEUED 1", got.Status, got.RetryCount)
	}

	claimTask(t, srv)
	if w, _ := doPost(t, srv, "/api/v1/tasks/"+added.ID+"/failure", `{"message":`); w.Code != http.StatusBadRequest {
		t.Errorf("truncated body: status=%d, want 400", w.Code)
	}
}

func TestExperimentalTasks(t *testing.T) {
	srv, _ := testServer(t)
	body := `{"slot_key":"se-1","workflow_execution_id":"wfe-1","experiment_name":"exp-a",
		"analysis_type":"LOG_CLUSTER","api_version":"v1"}`

	w, env := doPost(t, srv, "/api/v1/experimental-tasks/", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("add: status=%d, body=%s", w.Code, w.Body.String())
	}
	var added model.ExperimentalTask
	json.Unmarshal(env.Data, &added)

	if w, _ := doPost(t, srv, "/api/v1/experimental-tasks/", body); w.Code != http.StatusConflict {
		t.Errorf("duplicate: status=%d, want 409", w.Code)
	}
	if w, _ := do(t, srv, "GET", "/api/v1/experimental-tasks/next?api_version=v1&experiment=exp-b", ""); w.Code != http.StatusNoContent {
		t.Errorf("other experiment: status=%d, want 204", w.Code)
	}

	w, env = do(t, srv, "GET", "/api/v1/experimental-tasks/next?api_version=v1&experiment=exp-a", "")
	if w.Code != http.StatusOK {
		t.Fatalf("claim: status=%d", w.Code)
	}
	var claimed model.ExperimentalTask
	json.Unmarshal(env.Data, &claimed)
	if claimed.ID != added.ID {
		t.Errorf("claimed %s, want %s", claimed.ID, added.ID)
	}

	if w, _ := doPut(t, srv, "/api/v1/experimental-tasks/"+added.ID+"/complete", ""); w.Code != http.StatusOK {
		t.Errorf("complete: status=%d", w.Code)
	}
	if w, _ := doPut(t, srv, "/api/v1/experimental-tasks/"+added.ID+"/complete", ""); w.Code != http.StatusNotFound {
		t.Errorf("complete twice: status=%d, want 404", w.Code)
	}
}

func TestExperiments(t *testing.T) {
	srv, _ := testServer(t)

	w, env := doPost(t, srv, "/api/v1/experiments/", `{"name":"log-v2","analysis_type":"LOG_ML"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("register: status=%d, body=%s", w.Code, w.Body.String())
	}
	var exp model.Experiment
	json.Unmarshal(env.Data, &exp)
	if exp.ID == "" || exp.Name != "log-v2" {
		t.Errorf("registered = %+v", exp)
	}
	if w, _ := doPost(t, srv, "/api/v1/experiments/", `{"name":"log-v2","analysis_type":"LOG_ML"}`); w.Code != http.StatusConflict {
		t.Errorf("duplicate: status=%d, want 409", w.Code)
	}
	if w, _ := doPost(t, srv, "/api/v1/experiments/", `{"name":"x","analysis_type":"NOPE"}`); w.Code != http.StatusBadRequest {
		t.Errorf("bad type: status=%d, want 400", w.Code)
	}

	var list []model.Experiment
	env = doGet(t, srv, "/api/v1/experiments/?analysis_type=LOG_ML")
	json.Unmarshal(env.Data, &list)
	if len(list) != 1 || list[0].Name != "log-v2" {
		t.Errorf("LOG_ML = %+v", list)
	}
	env = doGet(t, srv, "/api/v1/experiments/?analysis_type=TIME_SERIES")
	if string(env.Data) != "[]" {
		t.Errorf("TIME_SERIES data = %s, want []", env.Data)
	}
	if w, _ := do(t, srv, "GET", "/api/v1/experiments/", ""); w.Code != http.StatusBadRequest {
		t.Errorf("missing type: status=%d, want 400", w.Code)
	}
}

func TestSlotRetireFailed(t *testing.T) {
	srv, st := testServer(t)
	ctx := context.Background()

	stuck := &model.AnalysisTask{
		ID: "let_stuck", SlotKey: "se-1", WorkflowExecutionID: "wfe-1", AnalysisMinute: 5,
		AnalysisType: model.AnalysisLogML, APIVersion: "v1", Status: model.TaskStatusRunning, RetryCount: 2,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if ok, err := st.InsertTask(ctx, stuck); !ok || err != nil {
		t.Fatalf("insert: %v %v", ok, err)
	}

	var data map[string]any
	w, env := doPost(t, srv, "/api/v1/slots/se-1/retire-failed?minute=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("retire: status=%d, body=%s", w.Code, w.Body.String())
	}
	json.Unmarshal(env.Data, &data)
	if data["retired"] != float64(1) {
		t.Errorf("retired = %v, want 1", data["retired"])
	}
	if got, _ := st.GetTask(ctx, "let_stuck"); got.Status != model.TaskStatusFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}

	// The window can be queued again.
	addTask(t, srv, taskBody)

	if w, _ := doPost(t, srv, "/api/v1/slots/se-1/retire-failed?minute=soon", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad minute: status=%d, want 400", w.Code)
	}
}

func TestContexts(t *testing.T) {
	srv, _ := testServer(t)
	body := `{"state_execution_id":"se-1","api_version":"v1","control_nodes":{"host.a":"g1"},"test_nodes":{"host b":"g2"}}`

	w, env := doPost(t, srv, "/api/v1/contexts/", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("queue: status=%d, body=%s", w.Code, w.Body.String())
	}
	var ac model.AnalysisContext
	json.Unmarshal(env.Data, &ac)
	if !strings.HasPrefix(ac.ID, engine.ContextIDPrefix) {
		t.Errorf("id = %q", ac.ID)
	}

	w, env = do(t, srv, "GET", "/api/v1/contexts/next?api_version=v1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("claim: status=%d", w.Code)
	}
	var claimed model.AnalysisContext
	json.Unmarshal(env.Data, &claimed)
	if claimed.TestNodes["host b"] != "g2" || claimed.Status != model.TaskStatusRunning {
		t.Errorf("claimed = %+v", claimed)
	}
	if w, _ := do(t, srv, "GET", "/api/v1/contexts/next?api_version=v1", ""); w.Code != http.StatusNoContent {
		t.Errorf("second claim: status=%d, want 204", w.Code)
	}

	if w, _ := doPut(t, srv, "/api/v1/contexts/"+ac.ID+"/status", `{"status":"SUCCESS"}`); w.Code != http.StatusOK {
		t.Errorf("status: %d", w.Code)
	}
	if w, _ := doPut(t, srv, "/api/v1/contexts/"+ac.ID+"/status", `{"status":"DONE"}`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid status: %d, want 400", w.Code)
	}
	if w, _ := doPut(t, srv, "/api/v1/contexts/ctx_missing/status", `{"status":"FAILED"}`); w.Code != http.StatusNotFound {
		t.Errorf("missing context: %d, want 404", w.Code)
	}
	if w, _ := doPost(t, srv, "/api/v1/contexts/", `{"api_version":"v1"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing state execution: %d, want 400", w.Code)
	}
}

func TestSlots(t *testing.T) {
	srv, st := testServer(t)
	ctx := context.Background()

	var data map[string]any
	env := doGet(t, srv, "/api/v1/slots/active?cv_config_id=cv-1")
	json.Unmarshal(env.Data, &data)
	if data["active"] != false {
		t.Errorf("active before add = %v", data["active"])
	}

	addTask(t, srv, taskBody)
	env = doGet(t, srv, "/api/v1/slots/active?cv_config_id=cv-1")
	json.Unmarshal(env.Data, &data)
	if data["active"] != true {
		t.Errorf("active after add = %v", data["active"])
	}

	env = doGet(t, srv, "/api/v1/slots/se-2/eligible?analysis_type=LOG_ML&minute=10")
	json.Unmarshal(env.Data, &data)
	if data["eligible"] != true {
		t.Errorf("eligible = %v, want true for a new slot", data["eligible"])
	}

	env = doGet(t, srv, "/api/v1/slots/se-1/backoff?analysis_type=LOG_ML")
	json.Unmarshal(env.Data, &data)
	if data["backoff_count"] != float64(0) {
		t.Errorf("backoff_count = %v, want 0", data["backoff_count"])
	}

	env = doGet(t, srv, "/api/v1/slots/se-1/timed-out?app_id=&workflow_execution_id=wfe-1")
	json.Unmarshal(env.Data, &data)
	if data["timed_out"] != false {
		t.Errorf("timed_out = %v, want false", data["timed_out"])
	}

	if w, _ := do(t, srv, "GET", "/api/v1/slots/se-1/backoff?analysis_type=BOGUS", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad type: status=%d, want 400", w.Code)
	}
	if w, _ := do(t, srv, "GET", "/api/v1/slots/active", ""); w.Code != http.StatusBadRequest {
		t.Errorf("missing cv_config_id: status=%d, want 400", w.Code)
	}

	if w, _ := do(t, srv, "GET", "/api/v1/slots/se-1/service", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown state execution: status=%d, want 404", w.Code)
	}
	st.SaveStateExecution(ctx, &model.StateExecution{ID: "se-1", ServiceID: "svc-1"})
	env = doGet(t, srv, "/api/v1/slots/se-1/service")
	json.Unmarshal(env.Data, &data)
	if data["service_id"] != "svc-1" {
		t.Errorf("service_id = %v", data["service_id"])
	}
}

func TestSupervised(t *testing.T) {
	srv, st := testServer(t)
	st.SaveTrainingStatus(context.Background(), &model.SupervisedTrainingStatus{ID: "ts-1", ServiceID: "svc-1", IsReady: true})

	var data map[string]any
	env := doGet(t, srv, "/api/v1/supervised?key=serviceId&value=svc-1")
	json.Unmarshal(env.Data, &data)
	if data["supervised"] != true {
		t.Errorf("supervised = %v, want true", data["supervised"])
	}

	if w, _ := do(t, srv, "GET", "/api/v1/supervised?key=appId&value=x", ""); w.Code != http.StatusBadRequest {
		t.Errorf("unsupported key: status=%d, want 400", w.Code)
	}
}

func TestWorkerAuth(t *testing.T) {
	keys := &WorkerKeyConfig{Keys: map[string]WorkerKeyEntry{
		"secret-v1": {APIVersions: []string{"v1"}},
	}}
	srv, _ := testServer(t, WithWorkerKeyConfig(keys))
	addTask(t, srv, taskBody)

	tests := []struct {
		name    string
		path    string
		headers []string
		code    int
	}{
		{"missing key", "/api/v1/tasks/next?api_version=v1", nil, http.StatusUnauthorized},
		{"wrong key", "/api/v1/tasks/next?api_version=v1", []string{"X-Worker-Key", "nope"}, http.StatusUnauthorized},
		{"wrong version", "/api/v1/tasks/next?api_version=v2", []string{"X-Worker-Key", "secret-v1"}, http.StatusForbidden},
		{"allowed", "/api/v1/tasks/next?api_version=v1", []string{"X-Worker-Key", "secret-v1"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := do(t, srv, "GET", tt.path, "", tt.headers...)
			if w.Code != tt.code {
				t.Errorf("status=%d, want %d, body=%s", w.Code, tt.code, w.Body.String())
			}
		})
	}

	// Ingestion routes stay open.
	if w, _ := doPost(t, srv, "/api/v1/tasks/", strings.Replace(taskBody, `"se-1"`, `"se-9"`, 1)); w.Code != http.StatusCreated {
		t.Errorf("add without key: status=%d, want 201", w.Code)
	}
}

func TestWorkerAuth_CompletionRoutes(t *testing.T) {
	keys := &WorkerKeyConfig{Keys: map[string]WorkerKeyEntry{"secret-v1": {}}}
	srv, _ := testServer(t, WithWorkerKeyConfig(keys))
	key := []string{"X-Worker-Key", "secret-v1"}

	task := addTask(t, srv, taskBody)
	w, env := doPost(t, srv, "/api/v1/experimental-tasks/", `{"slot_key":"se-1","workflow_execution_id":"wfe-1",
		"experiment_name":"exp-a","analysis_type":"LOG_ML","api_version":"v1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("add experimental: status=%d, body=%s", w.Code, w.Body.String())
	}
	var exp model.ExperimentalTask
	json.Unmarshal(env.Data, &exp)

	identity := `{"slot_key":"se-1","workflow_execution_id":"wfe-1","analysis_minute":5,"analysis_type":"LOG_ML","cluster_level":-1}`
	routes := []struct {
		name, path, body string
	}{
		{"by id", "/api/v1/tasks/" + task.ID + "/complete", ""},
		{"by identity", "/api/v1/tasks/complete", identity},
		{"experimental", "/api/v1/experimental-tasks/" + exp.ID + "/complete", ""},
	}
	for _, rt := range routes {
		t.Run(rt.name, func(t *testing.T) {
			if w, _ := do(t, srv, "PUT", rt.path, rt.body); w.Code != http.StatusUnauthorized {
				t.Errorf("without key: status=%d, want 401", w.Code)
			}
			if w, _ := do(t, srv, "PUT", rt.path, rt.body, key...); w.Code == http.StatusUnauthorized {
				t.Errorf("with key: status=%d, body=%s", w.Code, w.Body.String())
			}
		})
	}
}

func TestLoadWorkerKeyConfig_Env(t *testing.T) {
	t.Setenv("LEDISPATCH_WORKER_KEYS", `{"k1":["v1","v2"]}`)
	cfg, err := LoadWorkerKeyConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	entry := cfg.ValidateKey("k1")
	if entry == nil || len(entry.APIVersions) != 2 {
		t.Fatalf("entry = %+v", entry)
	}
	if cfg.ValidateKey("k2") != nil {
		t.Error("unknown key validated")
	}

	t.Setenv("LEDISPATCH_WORKER_KEYS", `not json`)
	if _, err := LoadWorkerKeyConfig(""); err == nil {
		t.Error("expected parse error")
	}
}
