// Package archive exports terminal analysis tasks to an object store and
// removes them from the task store.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/me/ledispatch/internal/store"
	"github.com/me/ledispatch/pkg/model"
)

// ObjectStore receives archive batches.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Config controls which tasks are archived and where.
type Config struct {
	Retention time.Duration
	BatchSize int
	Prefix    string
}

// Archiver moves terminal tasks older than the retention into an ObjectStore.
type Archiver struct {
	store   store.Store
	objects ObjectStore
	config  Config
	logger  *slog.Logger
}

// New creates an Archiver.
func New(st store.Store, objects ObjectStore, cfg Config, logger *slog.Logger) *Archiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Archiver{
		store:   st,
		objects: objects,
		config:  cfg,
		logger:  logger.With("component", "archive"),
	}
}

// Archive exports every SUCCESS or FAILED task last updated before
// now - retention, one JSON-lines object per batch, and deletes each batch
// once its object is written. It returns the number of tasks archived.
func (a *Archiver) Archive(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-a.config.Retention)
	total := 0
	for batch := 0; ; batch++ {
		tasks, err := a.store.QueryTasks(ctx, store.TaskQuery{
			Statuses:      []model.TaskStatus{model.TaskStatusSuccess, model.TaskStatusFailed},
			UpdatedBefore: cutoff,
			Order:         store.OrderCreated,
			Limit:         a.config.BatchSize,
		})
		if err != nil {
			return total, fmt.Errorf("query terminal tasks: %w", err)
		}
		if len(tasks) == 0 {
			return total, nil
		}

		data, err := encodeLines(tasks)
		if err != nil {
			return total, err
		}
		key := a.objectKey(now, batch)
		if err := a.objects.Put(ctx, key, data); err != nil {
			return total, fmt.Errorf("put %s: %w", key, err)
		}

		ids := make([]string, len(tasks))
		for i, t := range tasks {
			ids[i] = t.ID
		}
		deleted, err := a.store.DeleteTasks(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("delete archived tasks: %w", err)
		}
		total += int(deleted)
		a.logger.Info("archived batch",
			"key", key, "tasks", len(tasks), "deleted", deleted, "size", humanize.Bytes(uint64(len(data))))

		if len(tasks) < a.config.BatchSize {
			return total, nil
		}
	}
}

func (a *Archiver) objectKey(now time.Time, batch int) string {
	name := fmt.Sprintf("%s-%04d.jsonl", now.UTC().Format("20060102T150405Z"), batch)
	return path.Join(a.config.Prefix, now.UTC().Format("2006/01/02"), name)
}

func encodeLines(tasks []*model.AnalysisTask) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, t := range tasks {
		if err := enc.Encode(t); err != nil {
			return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
		}
	}
	return buf.Bytes(), nil
}
