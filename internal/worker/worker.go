package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/me/ledispatch/pkg/model"
)

// Worker is the core work loop that polls the server for tasks, runs the
// analyzer on them and reports the outcome back.
type Worker struct {
	client   *Client
	analyzer Analyzer
	workDir  string
	poll     time.Duration
	logger   *slog.Logger
}

// Config holds worker configuration.
type Config struct {
	ServerURL      string
	WorkerKey      string
	Name           string
	Hostname       string
	APIVersion     string
	AnalysisTypes  []model.AnalysisType
	Continuous     *bool
	ExperimentName string
	Runtime        string
	Image          string
	Commands       map[model.AnalysisType][]string
	WorkDir        string
	Poll           time.Duration
}

// New creates a Worker from configuration. Unless AnalysisTypes is set, the
// worker asks only for the types it has a command for.
func New(cfg Config, logger *slog.Logger) (*Worker, error) {
	rt, err := NewRuntime(cfg.Runtime)
	if err != nil {
		return nil, err
	}
	analyzer := NewCommandAnalyzer(rt, cfg.Image, cfg.Commands)
	if len(analyzer.Types()) == 0 {
		return nil, fmt.Errorf("no analyzer commands configured")
	}
	return newWorker(cfg, analyzer, logger), nil
}

func newWorker(cfg Config, analyzer Analyzer, logger *slog.Logger) *Worker {
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "ledispatch-worker")
	}
	if cfg.Poll == 0 {
		cfg.Poll = 5 * time.Second
	}

	client := NewClient(cfg.ServerURL)
	client.SetWorkerKey(cfg.WorkerKey)

	return &Worker{
		client:   client,
		analyzer: analyzer,
		workDir:  cfg.WorkDir,
		poll:     cfg.Poll,
		logger:   logger.With("component", "worker"),
	}
}

// registration builds the registration request for cfg.
func registration(cfg Config, analyzer Analyzer) Registration {
	types := cfg.AnalysisTypes
	if len(types) == 0 {
		if ca, ok := analyzer.(*CommandAnalyzer); ok {
			types = ca.Types()
		}
	}
	return Registration{
		Name:           cfg.Name,
		Hostname:       cfg.Hostname,
		APIVersion:     cfg.APIVersion,
		AnalysisTypes:  types,
		Continuous:     cfg.Continuous,
		ExperimentName: cfg.ExperimentName,
	}
}

// Run starts the main work loop. It registers with the server, then
// loops polling for tasks until the context is cancelled.
// Heartbeat runs in a separate goroutine to keep the worker alive during long tasks.
func (w *Worker) Run(ctx context.Context, cfg Config) error {
	if err := os.MkdirAll(w.workDir, 0o755); err != nil {
		return fmt.Errorf("create workdir %s: %w", w.workDir, err)
	}

	worker, err := w.client.Register(ctx, registration(cfg, w.analyzer))
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	w.logger.Info("registered with server",
		"worker_id", worker.ID,
		"name", worker.Name,
		"api_version", worker.APIVersion,
		"analysis_types", worker.AnalysisTypes,
		"experiment", worker.ExperimentName,
	)

	go w.heartbeatLoop(ctx)

	return w.taskLoop(ctx)
}

// heartbeatLoop sends heartbeats at regular intervals until context is cancelled.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.client.Heartbeat(ctx); err != nil {
				w.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// taskLoop polls for tasks and executes them until context is cancelled.
func (w *Worker) taskLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("shutting down, deregistering...")
			deregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := w.client.Deregister(deregCtx)
			cancel()
			if err != nil {
				w.logger.Error("deregister failed", "error", err)
			}
			return nil

		case <-ticker.C:
			if _, err := w.pollAndExecute(ctx); err != nil {
				w.logger.Error("poll error", "error", err)
			}
		}
	}
}

// pollAndExecute checks for work and runs it if available. It reports
// whether a task was handled.
func (w *Worker) pollAndExecute(ctx context.Context) (bool, error) {
	item, err := w.client.Checkout(ctx)
	if err != nil {
		return false, fmt.Errorf("checkout: %w", err)
	}
	if item == nil {
		return false, nil
	}

	id := item.ID()
	w.logger.Info("task received", "task_id", id)

	outcome := model.TaskOutcome{Status: model.TaskStatusSuccess}
	if item.Task != nil {
		outcome.AnalysisMinute = item.Task.AnalysisMinute
	}

	taskDir := filepath.Join(w.workDir, id)
	start := time.Now()
	runErr := os.MkdirAll(taskDir, 0o755)
	if runErr == nil {
		runErr = w.analyzer.Analyze(ctx, item, taskDir)
	}
	if runErr != nil {
		w.logger.Warn("analysis failed", "task_id", id, "error", runErr)
		outcome.Status = model.TaskStatusFailed
		outcome.Message = runErr.Error()
	}
	os.RemoveAll(taskDir)

	if err := w.client.ReportOutcome(ctx, id, outcome); err != nil {
		return true, err
	}
	w.logger.Info("task finished", "task_id", id, "status", outcome.Status, "duration", time.Since(start).Round(time.Millisecond))
	return true, nil
}
