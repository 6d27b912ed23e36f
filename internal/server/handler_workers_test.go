package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/me/ledispatch/pkg/model"
)

// registerTestWorker registers a worker and returns its ID.
func registerTestWorker(t *testing.T, srv *Server, body string) string {
	t.Helper()
	w, env := doPost(t, srv, "/api/v1/workers/", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("register worker: status=%d, body=%s", w.Code, w.Body.String())
	}
	var data map[string]any
	json.Unmarshal(env.Data, &data)
	id, ok := data["id"].(string)
	if !ok || !strings.HasPrefix(id, WorkerIDPrefix) {
		t.Fatalf("worker id = %q, want %s prefix", id, WorkerIDPrefix)
	}
	return id
}

func TestRegisterWorker(t *testing.T) {
	srv, _ := testServer(t)
	body := `{"name":"my-worker","hostname":"host1","api_version":"v1","analysis_types":["LOG_ML"],"continuous":false}`
	w, env := doPost(t, srv, "/api/v1/workers/", body)

	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d, want 201, body=%s", w.Code, w.Body.String())
	}

	var worker model.Worker
	json.Unmarshal(env.Data, &worker)
	if worker.State != model.WorkerStateOnline {
		t.Errorf("state = %q, want online", worker.State)
	}
	if worker.Continuous == nil || *worker.Continuous {
		t.Errorf("continuous = %v, want false", worker.Continuous)
	}
	if len(worker.AnalysisTypes) != 1 || worker.AnalysisTypes[0] != model.AnalysisLogML {
		t.Errorf("analysis_types = %v", worker.AnalysisTypes)
	}
}

func TestRegisterWorker_Validation(t *testing.T) {
	srv, _ := testServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"name":`},
		{"missing name", `{"api_version":"v1"}`},
		{"missing api version", `{"name":"w"}`},
		{"unknown type", `{"name":"w","api_version":"v1","analysis_types":["NOPE"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := doPost(t, srv, "/api/v1/workers/", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status=%d, want 400", w.Code)
			}
			if env.Error == nil || env.Error.Code != model.ErrValidation {
				t.Errorf("error = %+v, want VALIDATION_ERROR", env.Error)
			}
		})
	}
}

func TestWorkerHeartbeat(t *testing.T) {
	srv, _ := testServer(t)
	id := registerTestWorker(t, srv, `{"name":"w","api_version":"v1"}`)

	w, env := doPut(t, srv, "/api/v1/workers/"+id+"/heartbeat", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, body=%s", w.Code, w.Body.String())
	}
	var data map[string]any
	json.Unmarshal(env.Data, &data)
	if data["worker_id"] != id {
		t.Errorf("worker_id = %v, want %s", data["worker_id"], id)
	}

	if w, _ := doPut(t, srv, "/api/v1/workers/wrk_missing/heartbeat", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing worker: status=%d, want 404", w.Code)
	}
}

func TestWorkerCheckout_NoWork(t *testing.T) {
	srv, _ := testServer(t)
	id := registerTestWorker(t, srv, `{"name":"w","api_version":"v1"}`)

	w, _ := do(t, srv, "GET", "/api/v1/workers/"+id+"/work", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("status=%d, want 204", w.Code)
	}
}

func TestWorkerCheckoutAndComplete(t *testing.T) {
	srv, st := testServer(t)
	ctx := context.Background()
	id := registerTestWorker(t, srv, `{"name":"w","api_version":"v1","analysis_types":["LOG_ML"]}`)
	added := addTask(t, srv, taskBody)

	w, env := do(t, srv, "GET", "/api/v1/workers/"+id+"/work", "")
	if w.Code != http.StatusOK {
		t.Fatalf("checkout: status=%d, body=%s", w.Code, w.Body.String())
	}
	var item model.WorkItem
	json.Unmarshal(env.Data, &item)
	if item.Task == nil || item.Task.ID != added.ID {
		t.Fatalf("work item = %+v, want task %s", item, added.ID)
	}

	worker, _ := st.GetWorker(ctx, id)
	if worker.CurrentTask != added.ID {
		t.Errorf("current_task = %q, want %s", worker.CurrentTask, added.ID)
	}

	path := "/api/v1/workers/" + id + "/tasks/" + added.ID + "/complete"
	w, _ = doPut(t, srv, path, `{"status":"SUCCESS","analysis_minute":5}`)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: status=%d, body=%s", w.Code, w.Body.String())
	}
	task, _ := st.GetTask(ctx, added.ID)
	if task.Status != model.TaskStatusSuccess {
		t.Errorf("task status = %s, want SUCCESS", task.Status)
	}
	worker, _ = st.GetWorker(ctx, id)
	if worker.CurrentTask != "" {
		t.Errorf("current_task = %q after completion, want empty", worker.CurrentTask)
	}

	w, _ = doPut(t, srv, path, `{"status":"SUCCESS"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("complete twice: status=%d, want 409", w.Code)
	}
	w, _ = doPut(t, srv, path, `{"status":"DONE"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad outcome: status=%d, want 400", w.Code)
	}
}

func TestWorkerCheckout_Failure(t *testing.T) {
	srv, st := testServer(t)
	id := registerTestWorker(t, srv, `{"name":"w","api_version":"v1"}`)
	added := addTask(t, srv, taskBody)

	if w, _ := do(t, srv, "GET", "/api/v1/workers/"+id+"/work", ""); w.Code != http.StatusOK {
		t.Fatalf("checkout: status=%d", w.Code)
	}
	w, _ := doPut(t, srv, "/api/v1/workers/"+id+"/tasks/"+added.ID+"/complete",
		`{"status":"FAILED","analysis_minute":5,"message":"exit status 1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("report failure: status=%d, body=%s", w.Code, w.Body.String())
	}

	task, _ := st.GetTask(context.Background(), added.ID)
	if task.Status != model.TaskStatusQueued || task.RetryCount != 1 {
		t.Errorf("task = %s retry=%d, want QUEUED retry=1", task.Status, task.RetryCount)
	}
}

func TestWorkerCheckout_TypeFilter(t *testing.T) {
	srv, _ := testServer(t)
	id := registerTestWorker(t, srv, `{"name":"w","api_version":"v1","analysis_types":["TIME_SERIES"]}`)
	addTask(t, srv, taskBody)

	if w, _ := do(t, srv, "GET", "/api/v1/workers/"+id+"/work", ""); w.Code != http.StatusNoContent {
		t.Errorf("status=%d, want 204 for a LOG_ML task", w.Code)
	}
}

func TestWorkerCheckout_Experimental(t *testing.T) {
	srv, _ := testServer(t)
	id := registerTestWorker(t, srv, `{"name":"w","api_version":"v1","experiment_name":"exp-a"}`)
	addTask(t, srv, taskBody)
	doPost(t, srv, "/api/v1/experimental-tasks/", `{"slot_key":"se-1","workflow_execution_id":"wfe-1",
		"experiment_name":"exp-a","analysis_type":"LOG_ML","api_version":"v1"}`)

	w, env := do(t, srv, "GET", "/api/v1/workers/"+id+"/work", "")
	if w.Code != http.StatusOK {
		t.Fatalf("checkout: status=%d", w.Code)
	}
	var item model.WorkItem
	json.Unmarshal(env.Data, &item)
	if item.ExperimentalTask == nil || item.Task != nil {
		t.Fatalf("work item = %+v, want only an experimental task", item)
	}

	w, _ = doPut(t, srv, "/api/v1/workers/"+id+"/tasks/"+item.ExperimentalTask.ID+"/complete", `{"status":"SUCCESS"}`)
	if w.Code != http.StatusOK {
		t.Errorf("complete: status=%d", w.Code)
	}
}

func TestDeregisterWorker(t *testing.T) {
	srv, _ := testServer(t)
	id := registerTestWorker(t, srv, `{"name":"w","api_version":"v1"}`)

	if w, _ := do(t, srv, "DELETE", "/api/v1/workers/"+id, ""); w.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", w.Code)
	}
	if w, _ := do(t, srv, "DELETE", "/api/v1/workers/"+id, ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete: status=%d, want 404", w.Code)
	}
}

func TestListWorkers(t *testing.T) {
	srv, _ := testServer(t)

	env := doGet(t, srv, "/api/v1/workers/")
	var workers []model.Worker
	json.Unmarshal(env.Data, &workers)
	if len(workers) != 0 {
		t.Errorf("len = %d, want 0", len(workers))
	}

	registerTestWorker(t, srv, `{"name":"w1","api_version":"v1"}`)
	registerTestWorker(t, srv, `{"name":"w2","api_version":"v2"}`)
	env = doGet(t, srv, "/api/v1/workers/")
	json.Unmarshal(env.Data, &workers)
	if len(workers) != 2 {
		t.Errorf("len = %d, want 2", len(workers))
	}
}
