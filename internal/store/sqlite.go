package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/ledispatch/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Each pooled connection to ":memory:" would get its own empty database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// connPragmas run on every pooled connection. A pragma issued through
// db.Exec reaches only one of them.
var connPragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
}

// dsn appends the per-connection pragmas to dbPath.
func dsn(dbPath string) string {
	params := make([]string, len(connPragmas))
	for i, p := range connPragmas {
		params[i] = "_pragma=" + p
	}
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + strings.Join(params, "&")
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan logic.
type scanner interface {
	Scan(dest ...any) error
}

// --- Analysis tasks ---

const taskColumns = `id, slot_key, attempt, workflow_execution_id, app_id, analysis_minute,
	analysis_type, cluster_level, is_continuous, tag, status, retry_count, priority,
	backoff_count, api_version, cv_config_id, last_error, created_at, updated_at`

// InsertTask stores a new task. It returns false without error when an
// active task already holds the same (slot_key, workflow_execution_id, tag).
func (s *SQLiteStore) InsertTask(ctx context.Context, t *model.AnalysisTask) (bool, error) {
	s.logger.Debug("sql", "op", "insert", "table", "analysis_tasks", "id", t.ID, "slot_key", t.SlotKey)

	var priority sql.NullInt64
	if t.Priority != nil {
		priority = sql.NullInt64{Int64: int64(*t.Priority), Valid: true}
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO analysis_tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SlotKey, t.Attempt, t.WorkflowExecutionID, t.AppID, t.AnalysisMinute,
		string(t.AnalysisType), t.Level(), boolToInt(t.IsContinuous), t.Tag,
		string(t.Status), t.RetryCount, priority, t.BackoffCount, t.APIVersion,
		t.CVConfigID, t.LastError, t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.AnalysisTask, error) {
	s.logger.Debug("sql", "op", "select", "table", "analysis_tasks", "id", id)

	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM analysis_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (s *SQLiteStore) QueryTasks(ctx context.Context, q TaskQuery) ([]*model.AnalysisTask, error) {
	w := taskWhere(q)
	s.logger.Debug("sql", "op", "query", "table", "analysis_tasks", "where", len(w.clauses), "limit", q.Limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM analysis_tasks`+w.String()+orderBy(q.Order)+limitOffset(q.Limit, q.Offset),
		w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.AnalysisTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) CountTasks(ctx context.Context, q TaskQuery) (int, error) {
	w := taskWhere(q)
	s.logger.Debug("sql", "op", "count", "table", "analysis_tasks")

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM analysis_tasks`+w.String(), w.args...).Scan(&n)
	return n, err
}

// UpdateTask applies upd to the task when cond still holds. It returns false
// when the task is missing or another writer changed it first.
func (s *SQLiteStore) UpdateTask(ctx context.Context, id string, cond Condition, upd TaskUpdate) (bool, error) {
	s.logger.Debug("sql", "op", "update", "table", "analysis_tasks", "id", id, "status", upd.Status)

	set, args := updateSet(upd, true)
	return s.compareAndSet(ctx, "analysis_tasks", id, cond, set, args)
}

func (s *SQLiteStore) DeleteTasks(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	s.logger.Debug("sql", "op", "delete", "table", "analysis_tasks", "count", len(ids))

	w := &where{}
	w.in("id", ids)
	result, err := s.db.ExecContext(ctx, `DELETE FROM analysis_tasks`+w.String(), w.args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanTask(row scanner) (*model.AnalysisTask, error) {
	var t model.AnalysisTask
	var analysisType, status string
	var level, continuous int
	var priority sql.NullInt64
	var createdAt, updatedAt int64

	if err := row.Scan(
		&t.ID, &t.SlotKey, &t.Attempt, &t.WorkflowExecutionID, &t.AppID, &t.AnalysisMinute,
		&analysisType, &level, &continuous, &t.Tag, &status, &t.RetryCount, &priority,
		&t.BackoffCount, &t.APIVersion, &t.CVConfigID, &t.LastError, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	t.AnalysisType = model.AnalysisType(analysisType)
	t.ClusterLevel = &level
	t.IsContinuous = continuous != 0
	t.Status = model.TaskStatus(status)
	if priority.Valid {
		p := int(priority.Int64)
		t.Priority = &p
	}
	t.CreatedAt = fromNanos(createdAt)
	t.UpdatedAt = fromNanos(updatedAt)
	return &t, nil
}

// updateSet renders the SET clause for upd. Experimental tasks and contexts
// carry neither backoff nor an error column.
func updateSet(upd TaskUpdate, full bool) ([]string, []any) {
	var set []string
	var args []any
	if upd.Status != "" {
		set = append(set, "status = ?")
		args = append(args, string(upd.Status))
	}
	if upd.RetryDelta != 0 {
		set = append(set, "retry_count = retry_count + ?")
		args = append(args, upd.RetryDelta)
	}
	if full && upd.BackoffCount != nil {
		set = append(set, "backoff_count = ?")
		args = append(args, *upd.BackoffCount)
	}
	if full && upd.LastError != nil {
		set = append(set, "last_error = ?")
		args = append(args, *upd.LastError)
	}
	if !upd.UpdatedAt.IsZero() {
		set = append(set, "updated_at = ?")
		args = append(args, upd.UpdatedAt.UnixNano())
	}
	return set, args
}

func (s *SQLiteStore) compareAndSet(ctx context.Context, table, id string, cond Condition, set []string, args []any) (bool, error) {
	if len(set) == 0 {
		return false, fmt.Errorf("update %s %s: nothing to set", table, id)
	}
	w := &where{}
	w.add("id = ?", id)
	w.statuses(cond.Statuses)
	if !cond.UpdatedAt.IsZero() {
		w.add("updated_at = ?", cond.UpdatedAt.UnixNano())
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET `+strings.Join(set, ", ")+w.String(),
		append(args, w.args...)...)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

// --- Experimental tasks ---

const experimentalColumns = `id, slot_key, workflow_execution_id, app_id, experiment_name,
	analysis_minute, analysis_type, cluster_level, status, retry_count, api_version,
	cv_config_id, created_at, updated_at`

func (s *SQLiteStore) InsertExperimentalTask(ctx context.Context, t *model.ExperimentalTask) (bool, error) {
	s.logger.Debug("sql", "op", "insert", "table", "experimental_tasks", "id", t.ID, "experiment", t.ExperimentName)

	level := model.ClusterLevelHF
	if t.ClusterLevel != nil {
		level = *t.ClusterLevel
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO experimental_tasks (`+experimentalColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SlotKey, t.WorkflowExecutionID, t.AppID, t.ExperimentName,
		t.AnalysisMinute, string(t.AnalysisType), level, string(t.Status), t.RetryCount,
		t.APIVersion, t.CVConfigID, t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) GetExperimentalTask(ctx context.Context, id string) (*model.ExperimentalTask, error) {
	s.logger.Debug("sql", "op", "select", "table", "experimental_tasks", "id", id)

	row := s.db.QueryRowContext(ctx, `SELECT `+experimentalColumns+` FROM experimental_tasks WHERE id = ?`, id)
	t, err := scanExperimentalTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (s *SQLiteStore) QueryExperimentalTasks(ctx context.Context, q ExperimentalQuery) ([]*model.ExperimentalTask, error) {
	s.logger.Debug("sql", "op", "query", "table", "experimental_tasks", "experiment", q.ExperimentName)

	w := &where{}
	if q.SlotKey != "" {
		w.add("slot_key = ?", q.SlotKey)
	}
	if q.WorkflowExecutionID != "" {
		w.add("workflow_execution_id = ?", q.WorkflowExecutionID)
	}
	if q.ExperimentName != "" {
		w.add("experiment_name = ?", q.ExperimentName)
	}
	if q.APIVersion != "" {
		w.add("api_version = ?", q.APIVersion)
	}
	w.statuses(q.Statuses)
	w.types(q.AnalysisTypes)
	w.claimable(q.Claimable)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+experimentalColumns+` FROM experimental_tasks`+w.String()+orderBy(OrderCreated)+limitOffset(q.Limit, 0),
		w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.ExperimentalTask
	for rows.Next() {
		t, err := scanExperimentalTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) UpdateExperimentalTask(ctx context.Context, id string, cond Condition, upd TaskUpdate) (bool, error) {
	s.logger.Debug("sql", "op", "update", "table", "experimental_tasks", "id", id, "status", upd.Status)

	set, args := updateSet(upd, false)
	return s.compareAndSet(ctx, "experimental_tasks", id, cond, set, args)
}

// InsertExperiment registers an experiment. It returns false when one with
// the same name and analysis type already exists.
func (s *SQLiteStore) InsertExperiment(ctx context.Context, exp *model.Experiment) (bool, error) {
	s.logger.Debug("sql", "op", "insert", "table", "experiments", "name", exp.Name, "analysis_type", exp.AnalysisType)

	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO experiments (id, name, analysis_type, created_at) VALUES (?, ?, ?, ?)`,
		exp.ID, exp.Name, string(exp.AnalysisType), exp.CreatedAt.UnixNano())
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) ListExperiments(ctx context.Context, analysisType model.AnalysisType) ([]*model.Experiment, error) {
	s.logger.Debug("sql", "op", "list", "table", "experiments", "analysis_type", analysisType)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, analysis_type, created_at FROM experiments
		 WHERE analysis_type = ? ORDER BY name`, string(analysisType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Experiment
	for rows.Next() {
		var exp model.Experiment
		var typ string
		var created int64
		if err := rows.Scan(&exp.ID, &exp.Name, &typ, &created); err != nil {
			return nil, err
		}
		exp.AnalysisType = model.AnalysisType(typ)
		exp.CreatedAt = fromNanos(created)
		out = append(out, &exp)
	}
	return out, rows.Err()
}

func scanExperimentalTask(row scanner) (*model.ExperimentalTask, error) {
	var t model.ExperimentalTask
	var analysisType, status string
	var level int
	var createdAt, updatedAt int64

	if err := row.Scan(
		&t.ID, &t.SlotKey, &t.WorkflowExecutionID, &t.AppID, &t.ExperimentName,
		&t.AnalysisMinute, &analysisType, &level, &status, &t.RetryCount,
		&t.APIVersion, &t.CVConfigID, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	t.AnalysisType = model.AnalysisType(analysisType)
	t.ClusterLevel = &level
	t.Status = model.TaskStatus(status)
	t.CreatedAt = fromNanos(createdAt)
	t.UpdatedAt = fromNanos(updatedAt)
	return &t, nil
}

// --- Analysis contexts ---

const contextColumns = `id, state_execution_id, app_id, status, retry_count, api_version,
	control_nodes, test_nodes, created_at, updated_at`

func (s *SQLiteStore) InsertContext(ctx context.Context, ac *model.AnalysisContext) error {
	s.logger.Debug("sql", "op", "insert", "table", "analysis_contexts", "id", ac.ID)

	controlJSON, err := json.Marshal(nodesOrEmpty(ac.ControlNodes))
	if err != nil {
		return fmt.Errorf("marshal control nodes: %w", err)
	}
	testJSON, err := json.Marshal(nodesOrEmpty(ac.TestNodes))
	if err != nil {
		return fmt.Errorf("marshal test nodes: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO analysis_contexts (`+contextColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ac.ID, ac.StateExecutionID, ac.AppID, string(ac.Status), ac.RetryCount, ac.APIVersion,
		string(controlJSON), string(testJSON), ac.CreatedAt.UnixNano(), ac.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) GetContext(ctx context.Context, id string) (*model.AnalysisContext, error) {
	s.logger.Debug("sql", "op", "select", "table", "analysis_contexts", "id", id)

	row := s.db.QueryRowContext(ctx, `SELECT `+contextColumns+` FROM analysis_contexts WHERE id = ?`, id)
	ac, err := scanContext(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ac, err
}

func (s *SQLiteStore) QueryContexts(ctx context.Context, q ContextQuery) ([]*model.AnalysisContext, error) {
	s.logger.Debug("sql", "op", "query", "table", "analysis_contexts")

	w := &where{}
	if q.StateExecutionID != "" {
		w.add("state_execution_id = ?", q.StateExecutionID)
	}
	if q.AppID != "" {
		w.add("app_id = ?", q.AppID)
	}
	if q.APIVersion != "" {
		w.add("api_version = ?", q.APIVersion)
	}
	w.statuses(q.Statuses)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contextColumns+` FROM analysis_contexts`+w.String()+orderBy(OrderCreated)+limitOffset(q.Limit, 0),
		w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.AnalysisContext
	for rows.Next() {
		ac, err := scanContext(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ac)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateContext(ctx context.Context, id string, cond Condition, upd TaskUpdate) (bool, error) {
	s.logger.Debug("sql", "op", "update", "table", "analysis_contexts", "id", id, "status", upd.Status)

	set, args := updateSet(upd, false)
	return s.compareAndSet(ctx, "analysis_contexts", id, cond, set, args)
}

func scanContext(row scanner) (*model.AnalysisContext, error) {
	var ac model.AnalysisContext
	var status, controlJSON, testJSON string
	var createdAt, updatedAt int64

	if err := row.Scan(
		&ac.ID, &ac.StateExecutionID, &ac.AppID, &status, &ac.RetryCount, &ac.APIVersion,
		&controlJSON, &testJSON, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	ac.Status = model.TaskStatus(status)
	if err := json.Unmarshal([]byte(controlJSON), &ac.ControlNodes); err != nil {
		return nil, fmt.Errorf("unmarshal control nodes: %w", err)
	}
	if err := json.Unmarshal([]byte(testJSON), &ac.TestNodes); err != nil {
		return nil, fmt.Errorf("unmarshal test nodes: %w", err)
	}
	ac.CreatedAt = fromNanos(createdAt)
	ac.UpdatedAt = fromNanos(updatedAt)
	return &ac, nil
}

func nodesOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// --- State executions and training status ---

func (s *SQLiteStore) SaveStateExecution(ctx context.Context, se *model.StateExecution) error {
	s.logger.Debug("sql", "op", "upsert", "table", "state_executions", "id", se.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state_executions (id, service_id, app_id) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET service_id = excluded.service_id, app_id = excluded.app_id`,
		se.ID, se.ServiceID, se.AppID)
	return err
}

func (s *SQLiteStore) GetStateExecution(ctx context.Context, id string) (*model.StateExecution, error) {
	s.logger.Debug("sql", "op", "select", "table", "state_executions", "id", id)

	var se model.StateExecution
	err := s.db.QueryRowContext(ctx,
		`SELECT id, service_id, app_id FROM state_executions WHERE id = ?`, id,
	).Scan(&se.ID, &se.ServiceID, &se.AppID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &se, nil
}

func (s *SQLiteStore) SaveTrainingStatus(ctx context.Context, ts *model.SupervisedTrainingStatus) error {
	s.logger.Debug("sql", "op", "upsert", "table", "supervised_training_status", "id", ts.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO supervised_training_status (id, service_id, is_ready) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET service_id = excluded.service_id, is_ready = excluded.is_ready`,
		ts.ID, ts.ServiceID, boolToInt(ts.IsReady))
	return err
}

func (s *SQLiteStore) ListTrainingStatuses(ctx context.Context, serviceID string) ([]*model.SupervisedTrainingStatus, error) {
	s.logger.Debug("sql", "op", "list", "table", "supervised_training_status", "service_id", serviceID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, service_id, is_ready FROM supervised_training_status
		 WHERE service_id = ? ORDER BY rowid`, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.SupervisedTrainingStatus
	for rows.Next() {
		var ts model.SupervisedTrainingStatus
		var ready int
		if err := rows.Scan(&ts.ID, &ts.ServiceID, &ready); err != nil {
			return nil, err
		}
		ts.IsReady = ready != 0
		out = append(out, &ts)
	}
	return out, rows.Err()
}

// --- Worker operations ---

const workerColumns = `id, name, hostname, api_version, analysis_types, continuous,
	experiment_name, state, current_task, last_seen, registered_at`

func (s *SQLiteStore) CreateWorker(ctx context.Context, w *model.Worker) error {
	s.logger.Debug("sql", "op", "insert", "table", "workers", "id", w.ID)

	typesJSON, err := json.Marshal(w.AnalysisTypes)
	if err != nil {
		return fmt.Errorf("marshal analysis types: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workers (`+workerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.Hostname, w.APIVersion, string(typesJSON), nullableBool(w.Continuous),
		w.ExperimentName, string(w.State), w.CurrentTask,
		w.LastSeen.Format(time.RFC3339Nano), w.RegisteredAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) GetWorker(ctx context.Context, id string) (*model.Worker, error) {
	s.logger.Debug("sql", "op", "select", "table", "workers", "id", id)

	row := s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

func (s *SQLiteStore) UpdateWorker(ctx context.Context, w *model.Worker) error {
	s.logger.Debug("sql", "op", "update", "table", "workers", "id", w.ID)

	typesJSON, err := json.Marshal(w.AnalysisTypes)
	if err != nil {
		return fmt.Errorf("marshal analysis types: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE workers SET name=?, hostname=?, api_version=?, analysis_types=?, continuous=?,
		 experiment_name=?, state=?, current_task=?, last_seen=? WHERE id=?`,
		w.Name, w.Hostname, w.APIVersion, string(typesJSON), nullableBool(w.Continuous),
		w.ExperimentName, string(w.State), w.CurrentTask, w.LastSeen.Format(time.RFC3339Nano), w.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("worker %s not found", w.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteWorker(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "workers", "id", id)

	result, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("worker %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]*model.Worker, error) {
	s.logger.Debug("sql", "op", "list", "table", "workers")

	rows, err := s.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY registered_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func scanWorker(row scanner) (*model.Worker, error) {
	var w model.Worker
	var typesJSON, state, lastSeen, registeredAt string
	var continuous sql.NullInt64

	if err := row.Scan(&w.ID, &w.Name, &w.Hostname, &w.APIVersion, &typesJSON, &continuous,
		&w.ExperimentName, &state, &w.CurrentTask, &lastSeen, &registeredAt); err != nil {
		return nil, err
	}

	w.State = model.WorkerState(state)
	if err := json.Unmarshal([]byte(typesJSON), &w.AnalysisTypes); err != nil {
		return nil, fmt.Errorf("unmarshal analysis types: %w", err)
	}
	if continuous.Valid {
		c := continuous.Int64 != 0
		w.Continuous = &c
	}
	w.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
	w.RegisteredAt, _ = time.Parse(time.RFC3339Nano, registeredAt)
	return &w, nil
}

func nullableBool(b *bool) sql.NullInt64 {
	if b == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(boolToInt(*b)), Valid: true}
}
