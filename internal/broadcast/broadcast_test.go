package broadcast

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/biginformatics/hive/internal/clockx"
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

func newWebhook(t *testing.T, st *store.Store, w store.BroadcastWebhook) *store.BroadcastWebhook {
	t.Helper()
	w.Enabled = true
	created, err := st.CreateBroadcastWebhook(w)
	if err != nil {
		t.Fatalf("create webhook: %v", err)
	}
	return created
}

func TestIngest_UnknownCapabilityIsNotFound(t *testing.T) {
	st := newTestStore(t)
	svc := New(st, eventbus.New(nil), 0, nil, nil)

	_, err := svc.Ingest("ghost-app", "nope", "text/plain", []byte("hi"))
	if err == nil {
		t.Fatal("expected error for unknown capability")
	}
}

func TestIngest_DisabledWebhookIsNotFound(t *testing.T) {
	st := newTestStore(t)
	wh := newWebhook(t, st, store.BroadcastWebhook{AppName: "app", Token: "tok"})
	if err := st.UpdateBroadcastWebhook(store.BroadcastWebhook{ID: wh.ID, Enabled: false}); err != nil {
		t.Fatalf("disable: %v", err)
	}

	svc := New(st, eventbus.New(nil), 0, nil, nil)
	_, err := svc.Ingest("app", "tok", "text/plain", []byte("hi"))
	if err == nil {
		t.Fatal("expected error for disabled webhook")
	}
}

func TestIngest_InsertsNewEventAndEmitsWake(t *testing.T) {
	st := newTestStore(t)
	newWebhook(t, st, store.BroadcastWebhook{
		AppName: "monitoring", Token: "tok", WakeAgent: "ops-agent",
	})

	bus := eventbus.New(nil)
	var woke []string
	unsub := bus.Subscribe(eventbus.ChannelWake, func(e eventbus.Event) {
		woke = append(woke, e.Identity)
	})
	defer unsub()

	svc := New(st, bus, 0, clockx.Fixed(time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)), nil)

	result, err := svc.Ingest("monitoring", "tok", "text/plain", []byte("disk at 95%"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Suppressed {
		t.Error("first ingest should not be suppressed")
	}
	if result.EventID == "" {
		t.Error("expected an event id")
	}
	if len(woke) != 1 || woke[0] != "ops-agent" {
		t.Errorf("wake triggers = %v, want [ops-agent]", woke)
	}

	wh, err := st.GetBroadcastWebhookByCapability("monitoring", "tok")
	if err != nil {
		t.Fatalf("lookup webhook: %v", err)
	}
	if wh.LastHitAt == nil {
		t.Error("expected lastHitAt to be set")
	}
}

func TestIngest_DuplicateWithinCooldownIsSuppressed(t *testing.T) {
	st := newTestStore(t)
	newWebhook(t, st, store.BroadcastWebhook{AppName: "monitoring", Token: "tok"})

	clock := clockx.Fixed(time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC))
	svc := New(st, eventbus.New(nil), time.Hour, clock, nil)

	first, err := svc.Ingest("monitoring", "tok", "text/plain", []byte("disk at 95%"))
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	second, err := svc.Ingest("monitoring", "tok", "text/plain", []byte("disk at 95%"))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !second.Suppressed {
		t.Error("expected duplicate within cooldown to be suppressed")
	}
	if second.EventID != first.EventID {
		t.Errorf("suppressed event id = %q, want %q", second.EventID, first.EventID)
	}
}

func TestIngest_DuplicateAfterCooldownIsNotSuppressed(t *testing.T) {
	st := newTestStore(t)
	newWebhook(t, st, store.BroadcastWebhook{AppName: "monitoring", Token: "tok"})

	base := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	clock := &movableClock{now: base}
	svc := New(st, eventbus.New(nil), time.Hour, clock, nil)

	if _, err := svc.Ingest("monitoring", "tok", "text/plain", []byte("disk at 95%")); err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	clock.now = base.Add(2 * time.Hour)
	result, err := svc.Ingest("monitoring", "tok", "text/plain", []byte("disk at 95%"))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if result.Suppressed {
		t.Error("expected a repeat alert past cooldown to be re-delivered")
	}
}

func TestIngest_DifferentBodyIsNotSuppressed(t *testing.T) {
	st := newTestStore(t)
	newWebhook(t, st, store.BroadcastWebhook{AppName: "monitoring", Token: "tok"})

	svc := New(st, eventbus.New(nil), time.Hour, nil, nil)

	if _, err := svc.Ingest("monitoring", "tok", "text/plain", []byte("disk at 95%")); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	result, err := svc.Ingest("monitoring", "tok", "text/plain", []byte("disk at 96%"))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if result.Suppressed {
		t.Error("expected a different body to not be suppressed")
	}
}

func TestIngest_JSONBodyOverridesTitleAndForUsers(t *testing.T) {
	st := newTestStore(t)
	newWebhook(t, st, store.BroadcastWebhook{AppName: "ci", Token: "tok", Title: "CI"})

	svc := New(st, eventbus.New(nil), 0, nil, nil)

	body, _ := json.Marshal(map[string]any{
		"title":    "build failed",
		"body":     "step 3 of 5 failed",
		"forUsers": []string{"alice", "bob"},
	})
	result, err := svc.Ingest("ci", "tok", "application/json", body)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	events, err := svc.EventsByApp("ci", 10)
	if err != nil {
		t.Fatalf("events by app: %v", err)
	}
	if len(events) != 1 || events[0].ID != result.EventID {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Title != "build failed" {
		t.Errorf("title = %q", events[0].Title)
	}
	if len(events[0].ForUsers) != 2 {
		t.Errorf("forUsers = %v", events[0].ForUsers)
	}
}

func TestSignature_IdenticalInputsProduceSameSignature(t *testing.T) {
	sigA := signature("t", "", `{"a":1,"b":2}`, nil, "application/json")
	sigB := signature("t", "", `{"a":1,"b":2}`, nil, "application/json")
	if sigA != sigB {
		t.Error("identical canonical inputs should produce identical signatures")
	}
}

func TestCanonicalJSON_KeyOrderIndependent(t *testing.T) {
	a, err := canonicalJSON(map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("canonicalJSON: %v", err)
	}
	b, err := canonicalJSON(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("canonicalJSON: %v", err)
	}
	if a != b {
		t.Errorf("canonicalJSON(%v) != canonicalJSON(%v)", a, b)
	}
	if a != `{"a":1,"b":2}` {
		t.Errorf("canonicalJSON = %q", a)
	}
}

type movableClock struct{ now time.Time }

func (c *movableClock) Now() time.Time { return c.now }
