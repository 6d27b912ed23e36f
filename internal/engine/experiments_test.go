package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/me/ledispatch/pkg/model"
)

func TestExperiments_RegisterAndList(t *testing.T) {
	e, _, _ := testEngine(t, Config{})
	ctx := context.Background()

	for _, exp := range []*model.Experiment{
		{Name: "log-v2", AnalysisType: model.AnalysisLogML},
		{Name: "log-v1", AnalysisType: model.AnalysisLogML},
		{Name: "ts-v1", AnalysisType: model.AnalysisTimeSeries},
	} {
		ok, err := e.RegisterExperiment(ctx, exp)
		if err != nil || !ok {
			t.Fatalf("register %s: ok=%v err=%v", exp.Name, ok, err)
		}
		if exp.ID == "" || exp.CreatedAt.IsZero() {
			t.Errorf("register %s did not assign id and created_at: %+v", exp.Name, exp)
		}
	}

	ok, err := e.RegisterExperiment(ctx, &model.Experiment{Name: " log-v1 ", AnalysisType: model.AnalysisLogML})
	if err != nil || ok {
		t.Errorf("duplicate register: ok=%v err=%v, want false nil", ok, err)
	}

	exps, err := e.GetExperiments(ctx, model.AnalysisLogML)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(exps) != 2 || exps[0].Name != "log-v1" || exps[1].Name != "log-v2" {
		t.Errorf("LOG_ML experiments = %+v, want log-v1, log-v2", exps)
	}

	exps, err = e.GetExperiments(ctx, model.AnalysisLogCluster)
	if err != nil || len(exps) != 0 {
		t.Errorf("LOG_CLUSTER experiments = %+v err=%v, want none", exps, err)
	}
}

func TestExperiments_Validation(t *testing.T) {
	e, _, _ := testEngine(t, Config{})
	ctx := context.Background()

	var apiErr *model.APIError
	if _, err := e.RegisterExperiment(ctx, &model.Experiment{AnalysisType: model.AnalysisLogML}); !errors.As(err, &apiErr) || apiErr.Code != model.ErrValidation {
		t.Errorf("missing name err = %v, want validation", err)
	}
	if _, err := e.RegisterExperiment(ctx, &model.Experiment{Name: "x", AnalysisType: "NOPE"}); !errors.As(err, &apiErr) {
		t.Errorf("bad type err = %v, want validation", err)
	}
	if _, err := e.GetExperiments(ctx, ""); !errors.As(err, &apiErr) {
		t.Errorf("empty type err = %v, want validation", err)
	}
}

func TestCheckAndUpdateFailedTask(t *testing.T) {
	tests := []struct {
		name       string
		status     model.TaskStatus
		retryCount int
		minute     int
		retired    int
		want       model.TaskStatus
	}{
		{"last retry is retired", model.TaskStatusRunning, 2, 0, 1, model.TaskStatusFailed},
		{"exhausted is retired", model.TaskStatusRunning, 3, 0, 1, model.TaskStatusFailed},
		{"retries left", model.TaskStatusRunning, 1, 0, 0, model.TaskStatusRunning},
		{"queued untouched", model.TaskStatusQueued, 2, 0, 0, model.TaskStatusQueued},
		{"other minute", model.TaskStatusRunning, 2, 7, 0, model.TaskStatusRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, st, clock := testEngine(t, Config{})
			ctx := context.Background()

			task := newTask("se-1", 0)
			task.ID = "let_stuck"
			task.Status = tt.status
			task.RetryCount = tt.retryCount
			task.CreatedAt = clock.Now()
			task.UpdatedAt = task.CreatedAt
			if ok, err := st.InsertTask(ctx, task); !ok || err != nil {
				t.Fatalf("insert: %v %v", ok, err)
			}

			n, err := e.CheckAndUpdateFailedTask(ctx, "se-1", tt.minute)
			if err != nil {
				t.Fatalf("check: %v", err)
			}
			if n != tt.retired {
				t.Errorf("retired = %d, want %d", n, tt.retired)
			}
			got, _ := st.GetTask(ctx, "let_stuck")
			if got.Status != tt.want {
				t.Errorf("status = %s, want %s", got.Status, tt.want)
			}
			if tt.retired == 1 && got.BackoffCount != task.BackoffCount {
				t.Errorf("backoff_count = %d, want unchanged %d", got.BackoffCount, task.BackoffCount)
			}
		})
	}
}

func TestCheckAndUpdateFailedTask_SlotCanBeRequeued(t *testing.T) {
	e, st, clock := testEngine(t, Config{})
	ctx := context.Background()

	task := mustAdd(t, e, newTask("se-1", 5))
	for i := 0; i < 2; i++ {
		mustClaim(t, e)
		clock.Advance(21 * time.Minute)
	}
	claimed := mustClaim(t, e)
	if claimed.ID != task.ID || claimed.RetryCount != 2 {
		t.Fatalf("claimed = %+v, want %s on retry 2", claimed, task.ID)
	}

	if ok, err := e.AddTask(ctx, newTask("se-1", 5)); ok || err != nil {
		t.Fatalf("add while running: ok=%v err=%v, want duplicate", ok, err)
	}

	if n, err := e.CheckAndUpdateFailedTask(ctx, "se-1", 5); err != nil || n != 1 {
		t.Fatalf("check: n=%d err=%v", n, err)
	}
	fresh := newTask("se-1", 5)
	if ok, err := e.AddTask(ctx, fresh); !ok || err != nil {
		t.Fatalf("requeue after retire: ok=%v err=%v", ok, err)
	}
	if fresh.Status != model.TaskStatusQueued || fresh.Attempt != task.Attempt+1 {
		t.Errorf("fresh = %s attempt %d, want QUEUED attempt %d", fresh.Status, fresh.Attempt, task.Attempt+1)
	}
	if old, _ := st.GetTask(ctx, task.ID); old.Status != model.TaskStatusFailed || old.LastError == "" {
		t.Errorf("retired task = %s %q", old.Status, old.LastError)
	}
}
