package store

import (
	"strconv"
	"strings"
	"time"

	"github.com/me/ledispatch/pkg/model"
)

// where accumulates AND-ed SQL predicates and their bind arguments.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *where) in(column string, values []string) {
	if len(values) == 0 {
		return
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	w.add(column+" IN ("+marks+")", args...)
}

func (w *where) statuses(statuses []model.TaskStatus) {
	vals := make([]string, len(statuses))
	for i, s := range statuses {
		vals[i] = string(s)
	}
	w.in("status", vals)
}

func (w *where) types(types []model.AnalysisType) {
	vals := make([]string, len(types))
	for i, t := range types {
		vals[i] = string(t)
	}
	w.in("analysis_type", vals)
}

// claimable restricts rows with retries left to QUEUED ones, or RUNNING ones
// with a lapsed lease. The lease cutoff depends on the row's analysis type.
func (w *where) claimable(cw *ClaimWindow) {
	if cw == nil {
		return
	}
	var b strings.Builder
	var args []any
	b.WriteString("retry_count < ? AND (status = 'QUEUED' OR (status = 'RUNNING' AND updated_at < ")
	args = append(args, cw.MaxRetries)
	if len(cw.Cutoffs) == 0 {
		b.WriteString("?")
	} else {
		b.WriteString("CASE analysis_type")
		for _, t := range model.AnalysisTypes {
			cutoff, ok := cw.Cutoffs[t]
			if !ok {
				continue
			}
			b.WriteString(" WHEN ? THEN ?")
			args = append(args, string(t), cutoff.UnixNano())
		}
		b.WriteString(" ELSE ? END")
	}
	args = append(args, cw.DefaultCutoff.UnixNano())
	b.WriteString("))")
	w.add(b.String(), args...)
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func taskWhere(q TaskQuery) *where {
	w := &where{}
	if q.SlotKey != "" {
		w.add("slot_key = ?", q.SlotKey)
	}
	if q.WorkflowExecutionID != "" {
		w.add("workflow_execution_id = ?", q.WorkflowExecutionID)
	}
	if q.AppID != "" {
		w.add("app_id = ?", q.AppID)
	}
	if q.CVConfigID != "" {
		w.add("cv_config_id = ?", q.CVConfigID)
	}
	if q.APIVersion != "" {
		w.add("api_version = ?", q.APIVersion)
	}
	if q.Tag != nil {
		w.add("tag = ?", *q.Tag)
	}
	w.statuses(q.Statuses)
	w.types(q.AnalysisTypes)
	if q.Continuous != nil {
		w.add("is_continuous = ?", boolToInt(*q.Continuous))
	}
	if q.AnalysisMinute != nil {
		w.add("analysis_minute = ?", *q.AnalysisMinute)
	}
	if q.MinMinute != nil {
		w.add("analysis_minute >= ?", *q.MinMinute)
	}
	if q.ClusterLevel != nil {
		w.add("cluster_level = ?", *q.ClusterLevel)
	}
	if q.MinRetries != nil {
		w.add("retry_count >= ?", *q.MinRetries)
	}
	if !q.UpdatedBefore.IsZero() {
		w.add("updated_at < ?", q.UpdatedBefore.UnixNano())
	}
	if q.ExcludeID != "" {
		w.add("id <> ?", q.ExcludeID)
	}
	w.claimable(q.Claimable)
	return w
}

func orderBy(o Order) string {
	switch o {
	case OrderDispatch:
		return " ORDER BY priority IS NULL, priority, created_at, rowid"
	case OrderLatestAttempt:
		return " ORDER BY attempt DESC, created_at DESC, rowid DESC"
	case OrderNewest:
		return " ORDER BY created_at DESC, rowid DESC"
	default:
		return " ORDER BY created_at, rowid"
	}
}

func limitOffset(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	if offset > 0 {
		return " LIMIT " + strconv.Itoa(limit) + " OFFSET " + strconv.Itoa(offset)
	}
	return " LIMIT " + strconv.Itoa(limit)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
