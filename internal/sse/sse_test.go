package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/biginformatics/hive/internal/eventbus"
	"github.com/biginformatics/hive/internal/presence"
)

func TestServeHTTP_SendsConnectedEvent(t *testing.T) {
	bus := eventbus.New(nil)
	tracker := presence.New(time.Minute)
	gw := New(bus, tracker, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/stream", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 100*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req, "alice")

	body := rec.Body.String()
	if !strings.Contains(body, "event: connected") {
		t.Fatalf("expected connected event in body, got %q", body)
	}
	if !strings.Contains(body, `"identity":"alice"`) {
		t.Fatalf("expected identity in connected payload, got %q", body)
	}
}

func TestServeHTTP_TouchesPresence(t *testing.T) {
	bus := eventbus.New(nil)
	tracker := presence.New(time.Minute)
	gw := New(bus, tracker, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/stream", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 50*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	gw.ServeHTTP(httptest.NewRecorder(), req, "bob")

	e, ok := tracker.Get("bob")
	if !ok || !e.Online || e.Source != presence.SourceSSE {
		t.Errorf("expected bob online via sse, got %+v ok=%v", e, ok)
	}
}

func TestServeHTTP_ForwardsIdentityEvent(t *testing.T) {
	bus := eventbus.New(nil)
	tracker := presence.New(time.Minute)
	gw := New(bus, tracker, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/stream", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 150*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	go func() {
		time.Sleep(20 * time.Millisecond)
		bus.Emit("carol", eventbus.Event{Type: eventbus.KindMessage, Data: map[string]any{"title": "hi"}})
	}()

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req, "carol")

	body := rec.Body.String()
	if !strings.Contains(body, "event: message") {
		t.Fatalf("expected forwarded message event, got %q", body)
	}
}

func TestServeHTTP_UnsupportedWriterRejected(t *testing.T) {
	bus := eventbus.New(nil)
	tracker := presence.New(time.Minute)
	gw := New(bus, tracker, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/stream", nil)
	rec := httptest.NewRecorder()
	// noFlushWriter exposes only the http.ResponseWriter methods, defeating
	// *httptest.ResponseRecorder's own Flush method so the gateway's type
	// assertion fails like it would against a real non-flushing writer.
	gw.ServeHTTP(noFlushWriter{rec}, req, "dave")

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 for non-flushing writer, got %d", rec.Code)
	}
}

type noFlushWriter struct {
	http.ResponseWriter
}
