package recurring

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/biginformatics/hive/internal/clockx"
	"github.com/biginformatics/hive/internal/eventbus"
	"github.com/biginformatics/hive/internal/store"
	"github.com/biginformatics/hive/internal/swarm"
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

func TestTick_MintsTaskForFiredTemplate(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New(nil)
	project, err := st.CreateProject(store.SwarmProject{Title: "ops"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	start := time.Date(2026, 7, 30, 8, 59, 0, 0, time.UTC)
	clock := clockx.Fixed(start)
	swarmSvc := swarm.New(st, bus, clock, nil)
	svc := New(st, swarmSvc, clock, nil)

	tmpl, err := st.CreateRecurringTemplate(store.RecurringTemplate{
		ProjectID: project.ID, Title: "daily standup", CronExpr: "0 9 * * *",
		Timezone: "UTC", InitialStatus: store.SwarmStatusQueued, Enabled: true,
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}

	now := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	svc.Tick(now)

	tasks, err := st.ListTasks(store.TaskFilter{ProjectID: project.ID})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 minted task, got %d", len(tasks))
	}
	if tasks[0].RecurringTemplateID != tmpl.ID {
		t.Errorf("recurringTemplateId = %q, want %q", tasks[0].RecurringTemplateID, tmpl.ID)
	}
	if tasks[0].Title != "daily standup" {
		t.Errorf("title = %q, want daily standup", tasks[0].Title)
	}

	reloaded, err := st.GetRecurringTemplate(tmpl.ID)
	if err != nil {
		t.Fatalf("reload template: %v", err)
	}
	if reloaded.LastTickAt == nil || !reloaded.LastTickAt.Equal(now) {
		t.Errorf("lastTickAt = %v, want %v", reloaded.LastTickAt, now)
	}
}

func TestTick_SkipsDisabledTemplates(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New(nil)
	project, err := st.CreateProject(store.SwarmProject{Title: "ops"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	clock := clockx.Fixed(time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC))
	swarmSvc := swarm.New(st, bus, clock, nil)
	svc := New(st, swarmSvc, clock, nil)

	if _, err := st.CreateRecurringTemplate(store.RecurringTemplate{
		ProjectID: project.ID, Title: "disabled", CronExpr: "* * * * *",
		Timezone: "UTC", InitialStatus: store.SwarmStatusQueued, Enabled: false,
	}); err != nil {
		t.Fatalf("create template: %v", err)
	}

	svc.Tick(clock.Now())

	tasks, err := st.ListTasks(store.TaskFilter{ProjectID: project.ID})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("expected no tasks minted for a disabled template, got %d", len(tasks))
	}
}

func TestTick_BadCronExpressionIsLoggedAndSkippedNotFatal(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New(nil)
	project, err := st.CreateProject(store.SwarmProject{Title: "ops"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	clock := clockx.Fixed(time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC))
	swarmSvc := swarm.New(st, bus, clock, nil)
	svc := New(st, swarmSvc, clock, nil)

	if _, err := st.CreateRecurringTemplate(store.RecurringTemplate{
		ProjectID: project.ID, Title: "broken", CronExpr: "not a cron expr",
		Timezone: "UTC", InitialStatus: store.SwarmStatusQueued, Enabled: true,
	}); err != nil {
		t.Fatalf("create template: %v", err)
	}
	if _, err := st.CreateRecurringTemplate(store.RecurringTemplate{
		ProjectID: project.ID, Title: "healthy", CronExpr: "* * * * *",
		Timezone: "UTC", InitialStatus: store.SwarmStatusQueued, Enabled: true,
	}); err != nil {
		t.Fatalf("create template: %v", err)
	}

	// Must not panic despite one broken template.
	svc.Tick(clock.Now())

	tasks, err := st.ListTasks(store.TaskFilter{ProjectID: project.ID})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected the healthy template to still mint a task, got %d tasks", len(tasks))
	}
	if tasks[0].Title != "healthy" {
		t.Errorf("title = %q, want healthy", tasks[0].Title)
	}
}

func TestTick_CatchesUpMultipleMissedInstantsSinceLastTick(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New(nil)
	project, err := st.CreateProject(store.SwarmProject{Title: "ops"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	now := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	clock := clockx.Fixed(now)
	swarmSvc := swarm.New(st, bus, clock, nil)
	svc := New(st, swarmSvc, clock, nil)

	lastTick := now.Add(-90 * time.Minute)
	tmpl, err := st.CreateRecurringTemplate(store.RecurringTemplate{
		ProjectID: project.ID, Title: "hourly", CronExpr: "0 * * * *",
		Timezone: "UTC", InitialStatus: store.SwarmStatusQueued, Enabled: true,
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	if err := st.TouchRecurringTemplateTick(tmpl.ID, lastTick); err != nil {
		t.Fatalf("seed last tick: %v", err)
	}

	svc.Tick(now)

	tasks, err := st.ListTasks(store.TaskFilter{ProjectID: project.ID})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	// Fired at 08:00 and 09:00 since lastTick was 07:30.
	if len(tasks) != 2 {
		t.Fatalf("expected 2 catch-up tasks, got %d", len(tasks))
	}
}
