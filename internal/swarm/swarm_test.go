package swarm

import (
	"path/filepath"
	"testing"

	"github.com/biginformatics/hive/internal/eventbus"
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

func TestCreateTask_RequiresTitle(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, eventbus.New(nil), nil, nil)

	if _, err := svc.CreateTask(CreateTaskInput{}); err == nil {
		t.Error("expected error for missing title")
	}
}

func TestCreateTask_AssignsFirstSortKeyAndEmits(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New(nil)
	svc := New(st, bus, nil, nil)

	var got eventbus.Event
	var seen bool
	unsub := bus.Subscribe(eventbus.ChannelSwarm, func(e eventbus.Event) { got = e; seen = true })
	defer unsub()

	task, err := svc.CreateTask(CreateTaskInput{Title: "first task", CreatorUserID: "alice"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.SortKey == "" {
		t.Error("expected a non-empty sort key")
	}
	if task.Status != store.SwarmStatusQueued {
		t.Errorf("status = %q, want queued default", task.Status)
	}
	if !seen || got.Type != eventbus.KindSwarmTaskCreated {
		t.Errorf("expected a swarm_task_created event, got %+v (seen=%v)", got, seen)
	}

	events, err := svc.ListTaskEvents(task.ID)
	if err != nil {
		t.Fatalf("list task events: %v", err)
	}
	if len(events) != 1 || events[0].Kind != store.TaskEventCreated {
		t.Fatalf("events = %+v", events)
	}
}

func TestCreateTask_AppendsAfterExistingTasks(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, eventbus.New(nil), nil, nil)

	first, err := svc.CreateTask(CreateTaskInput{Title: "first"})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := svc.CreateTask(CreateTaskInput{Title: "second"})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if !(first.SortKey < second.SortKey) {
		t.Errorf("expected second sort key %q to sort after first %q", second.SortKey, first.SortKey)
	}
}

func TestCreateTask_BeforeTaskIDInsertsEarlier(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, eventbus.New(nil), nil, nil)

	existing, err := svc.CreateTask(CreateTaskInput{Title: "existing"})
	if err != nil {
		t.Fatalf("create existing: %v", err)
	}
	inserted, err := svc.CreateTask(CreateTaskInput{Title: "inserted", BeforeTaskID: existing.ID})
	if err != nil {
		t.Fatalf("create inserted: %v", err)
	}
	if !(inserted.SortKey < existing.SortKey) {
		t.Errorf("expected inserted sort key %q to sort before existing %q", inserted.SortKey, existing.SortKey)
	}
}

func TestUpdateTask_RecordsStatusAndAssigneeEvents(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, eventbus.New(nil), nil, nil)

	task, err := svc.CreateTask(CreateTaskInput{Title: "a task"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	updated, err := svc.UpdateTask(task.ID, UpdateTaskInput{
		ActorUserID:    "bob",
		Title:          task.Title,
		Status:         store.SwarmStatusInProgress,
		AssigneeUserID: "bob",
		SortKey:        task.SortKey,
	})
	if err != nil {
		t.Fatalf("update task: %v", err)
	}
	if updated.Status != store.SwarmStatusInProgress {
		t.Errorf("status = %q", updated.Status)
	}

	events, err := svc.ListTaskEvents(task.ID)
	if err != nil {
		t.Fatalf("list task events: %v", err)
	}
	var sawStatus, sawAssigned bool
	for _, e := range events {
		switch e.Kind {
		case store.TaskEventStatusChanged:
			sawStatus = true
		case store.TaskEventAssigned:
			sawAssigned = true
		}
	}
	if !sawStatus || !sawAssigned {
		t.Errorf("expected status_changed and assigned events, got %+v", events)
	}
}

func TestUpdateTask_CompletedAtManagedByStore(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, eventbus.New(nil), nil, nil)

	task, err := svc.CreateTask(CreateTaskInput{Title: "a task"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	completed, err := svc.UpdateTask(task.ID, UpdateTaskInput{
		Title:   task.Title,
		Status:  store.SwarmStatusComplete,
		SortKey: task.SortKey,
	})
	if err != nil {
		t.Fatalf("update task: %v", err)
	}
	if completed.CompletedAt == nil {
		t.Error("expected completedAt to be set on completion")
	}

	reopened, err := svc.UpdateTask(task.ID, UpdateTaskInput{
		Title:   task.Title,
		Status:  store.SwarmStatusQueued,
		SortKey: task.SortKey,
	})
	if err != nil {
		t.Fatalf("reopen task: %v", err)
	}
	if reopened.CompletedAt != nil {
		t.Error("expected completedAt to be cleared when leaving complete")
	}
}

func TestReorder_MovesBeforeTarget(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, eventbus.New(nil), nil, nil)

	a, err := svc.CreateTask(CreateTaskInput{Title: "a"})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := svc.CreateTask(CreateTaskInput{Title: "b"})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	moved, err := svc.Reorder("alice", b.ID, a.ID)
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if !(moved.SortKey < a.SortKey) {
		t.Errorf("expected b's new sort key %q to sort before a's %q", moved.SortKey, a.SortKey)
	}
}

func TestListTasks_OrdersByStatusPrecedenceThenSortKey(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, eventbus.New(nil), nil, nil)

	queued, err := svc.CreateTask(CreateTaskInput{Title: "queued"})
	if err != nil {
		t.Fatalf("create queued: %v", err)
	}
	inProgress, err := svc.CreateTask(CreateTaskInput{Title: "in progress"})
	if err != nil {
		t.Fatalf("create in progress: %v", err)
	}
	if _, err := svc.UpdateTask(inProgress.ID, UpdateTaskInput{
		Title: inProgress.Title, Status: store.SwarmStatusInProgress, SortKey: inProgress.SortKey,
	}); err != nil {
		t.Fatalf("update in progress: %v", err)
	}

	tasks, err := svc.ListTasks(store.TaskFilter{})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].ID != inProgress.ID {
		t.Errorf("expected in_progress task first, got %+v", tasks[0])
	}
	if tasks[1].ID != queued.ID {
		t.Errorf("expected queued task second, got %+v", tasks[1])
	}
}

func TestDeleteTask(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, eventbus.New(nil), nil, nil)

	task, err := svc.CreateTask(CreateTaskInput{Title: "to delete"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := svc.DeleteTask(task.ID); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	if _, err := svc.GetTask(task.ID); err == nil {
		t.Error("expected not found after delete")
	}
}
