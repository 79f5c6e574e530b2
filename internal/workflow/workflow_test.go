package workflow

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/biginformatics/hive/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "hive.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreate_RequiresTitle(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, nil, nil, nil)

	if _, err := svc.Create(context.Background(), CreateInput{}); err == nil {
		t.Error("expected error for missing title")
	}
}

func TestCreate_SucceedsWithoutURL(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, nil, nil, nil)

	w, err := svc.Create(context.Background(), CreateInput{Title: "deploy runbook", Body: "# steps\n1. do it"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if w.ID == "" {
		t.Error("expected a generated id")
	}
}

func TestCreate_UnreachableURLDoesNotBlockCreation(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, nil, nil, nil)

	w, err := svc.Create(context.Background(), CreateInput{
		Title: "external runbook",
		Body:  "see link",
		URL:   "http://169.254.169.254/latest/meta-data/",
	})
	if err != nil {
		t.Fatalf("create should succeed even with a blocked url: %v", err)
	}
	if w.URL == "" {
		t.Error("expected the url to be stored regardless of reachability")
	}
}

func TestRender_ProducesHTML(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, nil, nil, nil)

	w, err := svc.Create(context.Background(), CreateInput{Title: "doc", Body: "# heading"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	html, err := svc.Render(w)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if html == "" {
		t.Error("expected non-empty rendered html")
	}
}

func TestListForTask(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, nil, nil, nil)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateInput{TaskID: "task-1", Title: "doc a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Create(ctx, CreateInput{TaskID: "task-1", Title: "doc b"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Create(ctx, CreateInput{TaskID: "task-2", Title: "other task"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	docs, err := svc.ListForTask("task-1")
	if err != nil {
		t.Fatalf("list for task: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 docs for task-1, got %d", len(docs))
	}
}

func TestAttachmentLifecycle(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, nil, nil, nil)

	w, err := svc.Create(context.Background(), CreateInput{Title: "doc"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.AddAttachment(w.ID, "notes.txt", "text/plain", 42); err != nil {
		t.Fatalf("add attachment: %v", err)
	}
	attachments, err := svc.ListAttachments(w.ID)
	if err != nil {
		t.Fatalf("list attachments: %v", err)
	}
	if len(attachments) != 1 || attachments[0].Filename != "notes.txt" {
		t.Fatalf("attachments = %+v", attachments)
	}
}
