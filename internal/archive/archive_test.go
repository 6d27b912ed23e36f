package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/me/ledispatch/internal/store"
	"github.com/me/ledispatch/pkg/model"
)

var base = time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)

type memStore struct {
	objects map[string][]byte
	err     error
}

func (m *memStore) Put(_ context.Context, key string, data []byte) error {
	if m.err != nil {
		return m.err
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = data
	return nil
}

func testStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func insert(t *testing.T, st store.Store, id string, status model.TaskStatus, age time.Duration) {
	t.Helper()
	at := base.Add(-age)
	ok, err := st.InsertTask(context.Background(), &model.AnalysisTask{
		ID:                  id,
		SlotKey:             "slot-" + id,
		WorkflowExecutionID: "wfe-" + id,
		AnalysisType:        model.AnalysisLogML,
		Status:              status,
		APIVersion:          "v1",
		CreatedAt:           at,
		UpdatedAt:           at,
	})
	if err != nil || !ok {
		t.Fatalf("insert %s = (%v, %v)", id, ok, err)
	}
}

func TestArchive_MovesOldTerminalTasks(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	day := 24 * time.Hour

	insert(t, st, "let_old-success", model.TaskStatusSuccess, 10*day)
	insert(t, st, "let_old-failed", model.TaskStatusFailed, 8*day)
	insert(t, st, "let_recent", model.TaskStatusSuccess, day)
	insert(t, st, "let_old-running", model.TaskStatusRunning, 10*day)

	objects := &memStore{}
	a := New(st, objects, Config{Retention: 7 * day, Prefix: "tasks"}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := a.Archive(ctx, base)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if n != 2 {
		t.Errorf("archived = %d, want 2", n)
	}

	for _, id := range []string{"let_old-success", "let_old-failed"} {
		if got, _ := st.GetTask(ctx, id); got != nil {
			t.Errorf("%s still in store", id)
		}
	}
	for _, id := range []string{"let_recent", "let_old-running"} {
		if got, _ := st.GetTask(ctx, id); got == nil {
			t.Errorf("%s was archived", id)
		}
	}

	if len(objects.objects) != 1 {
		t.Fatalf("objects = %d, want 1", len(objects.objects))
	}
	for key, data := range objects.objects {
		if !strings.HasPrefix(key, "tasks/2026/03/10/") || !strings.HasSuffix(key, ".jsonl") {
			t.Errorf("key = %q", key)
		}
		var ids []string
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			var task model.AnalysisTask
			if err := json.Unmarshal(sc.Bytes(), &task); err != nil {
				t.Fatalf("decode line: %v", err)
			}
			ids = append(ids, task.ID)
		}
		if len(ids) != 2 || ids[0] != "let_old-success" {
			t.Errorf("archived ids = %v, want oldest first", ids)
		}
	}
}

func TestArchive_Batches(t *testing.T) {
	st := testStore(t)
	for i := 0; i < 5; i++ {
		insert(t, st, fmt.Sprintf("let_%d", i), model.TaskStatusSuccess, 48*time.Hour+time.Duration(i)*time.Minute)
	}

	objects := &memStore{}
	a := New(st, objects, Config{Retention: time.Hour, BatchSize: 2, Prefix: "p"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n, err := a.Archive(context.Background(), base)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if n != 5 {
		t.Errorf("archived = %d, want 5", n)
	}
	if len(objects.objects) != 3 {
		t.Errorf("objects = %d, want 3", len(objects.objects))
	}
}

func TestArchive_PutFailureKeepsTasks(t *testing.T) {
	st := testStore(t)
	insert(t, st, "let_1", model.TaskStatusSuccess, 48*time.Hour)

	a := New(st, &memStore{err: errors.New("bucket gone")}, Config{Retention: time.Hour}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := a.Archive(context.Background(), base); err == nil {
		t.Fatal("expected error")
	}
	if got, _ := st.GetTask(context.Background(), "let_1"); got == nil {
		t.Error("task deleted although upload failed")
	}
}

func TestDirStore_Put(t *testing.T) {
	root := filepath.Join(t.TempDir(), "archive")
	d, err := NewDirStore(root)
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}
	if err := d.Put(context.Background(), "a/b/c.jsonl", []byte("{}\n")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "a", "b", "c.jsonl"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "{}\n" {
		t.Errorf("data = %q", data)
	}
	if _, err := os.Stat(filepath.Join(root, "a", "b", "c.jsonl.tmp")); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

type fakeS3 struct {
	in   *s3.PutObjectInput
	body []byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Store_Put(t *testing.T) {
	fake := &fakeS3{}
	s := &S3Store{client: fake, bucket: "archive-bucket"}
	if err := s.Put(context.Background(), "k/1.jsonl", []byte("line\n")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if *fake.in.Bucket != "archive-bucket" || *fake.in.Key != "k/1.jsonl" {
		t.Errorf("bucket/key = %s/%s", *fake.in.Bucket, *fake.in.Key)
	}
	if string(fake.body) != "line\n" {
		t.Errorf("body = %q", fake.body)
	}
}
