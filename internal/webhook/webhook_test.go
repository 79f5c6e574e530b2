package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/biginformatics/hive/internal/config"
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

func hostOf(t *testing.T, rawURL string) string {
	t.Helper()
	host := strings.TrimPrefix(rawURL, "http://")
	if i := strings.IndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}

func TestNotify_DeliversToTokenWebhook(t *testing.T) {
	var gotAuth, gotBody string
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	st := newTestStore(t)
	if _, err := st.CreateToken(store.MailboxToken{
		Identity:     "agent-one",
		WebhookURL:   ts.URL,
		WebhookToken: "secret-token",
	}); err != nil {
		t.Fatalf("create token: %v", err)
	}

	d := New(st, config.WebhookConfig{AllowedHosts: []string{hostOf(t, ts.URL)}}, nil)
	d.Notify(context.Background(), "agent-one", "you have mail")

	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", hits)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	var payload Payload
	if err := json.Unmarshal([]byte(gotBody), &payload); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if payload.Message != "you have mail" || payload.WakeMode != "now" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestNotify_NoTargetIsNoop(t *testing.T) {
	st := newTestStore(t)
	d := New(st, config.WebhookConfig{}, nil)
	// Must not panic or block; there is nothing to assert on besides
	// "returns promptly".
	d.Notify(context.Background(), "nobody", "hello")
}

func TestNotify_FallsBackToDefaultTarget(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	st := newTestStore(t)
	d := New(st, config.WebhookConfig{
		AllowedHosts: []string{hostOf(t, ts.URL)},
		DefaultURL:   ts.URL,
		DefaultToken: "ops-secret",
	}, nil)

	d.Notify(context.Background(), "admin", "fallback delivery")
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected fallback delivery, got %d hits", hits)
	}
}

func TestNotify_CachesNegativeLookup(t *testing.T) {
	st := newTestStore(t)
	d := New(st, config.WebhookConfig{}, nil)

	d.Notify(context.Background(), "ghost", "first")
	if _, ok := d.cache["ghost"]; !ok {
		t.Fatalf("expected negative lookup to be cached")
	}
}

func TestInvalidateCache_ForcesFreshLookup(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	st := newTestStore(t)
	d := New(st, config.WebhookConfig{AllowedHosts: []string{hostOf(t, ts.URL)}}, nil)

	d.Notify(context.Background(), "agent-two", "before token exists")
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("expected no delivery before token exists, got %d", hits)
	}

	if _, err := st.CreateToken(store.MailboxToken{
		Identity:     "agent-two",
		WebhookURL:   ts.URL,
		WebhookToken: "tok",
	}); err != nil {
		t.Fatalf("create token: %v", err)
	}
	d.InvalidateIdentity("agent-two")

	d.Notify(context.Background(), "agent-two", "after token exists")
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected delivery after invalidate, got %d hits", hits)
	}
}

func TestNotify_SSRFGuardBlocksPrivateWebhookURL(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.CreateToken(store.MailboxToken{
		Identity:     "agent-three",
		WebhookURL:   "http://169.254.169.254/latest/meta-data",
		WebhookToken: "tok",
	}); err != nil {
		t.Fatalf("create token: %v", err)
	}

	d := New(st, config.WebhookConfig{}, nil)
	// Should not panic and should not attempt the request; no server is
	// listening on that address so a real attempt would hang/timeout
	// instead of failing fast if the guard didn't block it first.
	d.Notify(context.Background(), "agent-three", "hello")
}

