// Package sse implements the Server-Sent Events gateway: one long-lived
// HTTP response per connected identity, fed by subscriptions on the event
// bus plus two timers (a heartbeat and a periodic wake pulse). The framing
// follows the W3C EventSource wire format the client-side parser in the
// retrieval pack (llm/sse) consumes from the other direction: "event:
// <type>\ndata: <json>\n\n", with ": heartbeat\n\n" comment lines keeping
// idle connections from being reaped by intermediaries.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/biginformatics/hive/internal/eventbus"
	"github.com/biginformatics/hive/internal/presence"
)

const (
	heartbeatInterval = 30 * time.Second
	wakePulseInterval = 30 * time.Minute
)

// WakePayload is produced by a WakeFunc when a connection's periodic or
// triggered wake pulse fires.
type WakePayload struct {
	Items     []map[string]any `json:"items"`
	Actions   []string         `json:"actions"`
	Summary   string           `json:"summary"`
	Timestamp time.Time        `json:"timestamp"`
}

// WakeFunc computes the current wake payload for identity, marking any
// ephemeral sources (buzz events) delivered as a side effect.
type WakeFunc func(ctx context.Context, identity string) (WakePayload, error)

// Gateway serves the SSE stream endpoint.
type Gateway struct {
	bus      *eventbus.Bus
	presence *presence.Tracker
	wake     WakeFunc
	logger   *slog.Logger
}

// New builds a Gateway. wake may be nil, in which case wake pulses carry an
// empty payload.
func New(bus *eventbus.Bus, tracker *presence.Tracker, wake WakeFunc, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{bus: bus, presence: tracker, wake: wake, logger: logger}
}

// ServeHTTP handles GET /api/stream for an already-authenticated identity.
// Callers resolve the bearer token (header or ?token= query param, since
// EventSource cannot set custom headers) before invoking this handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request, identity string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	frames := make(chan frame, 16)

	unsubs := g.subscribe(identity, frames)
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	now := time.Now().UTC()
	g.presence.Touch(identity, presence.SourceSSE, now)
	g.writeFrame(w, flusher, frame{event: eventbus.KindConnected, data: map[string]any{"identity": identity, "connectedAt": now}})

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	wakeTimer := time.NewTicker(wakePulseInterval)
	defer wakeTimer.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-frames:
			if f.wakeTrigger {
				g.sendWake(ctx, w, flusher, identity)
				continue
			}
			if !g.writeFrame(w, flusher, f) {
				return
			}
		case <-heartbeat.C:
			g.presence.Touch(identity, presence.SourceSSE, time.Now().UTC())
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-wakeTimer.C:
			g.sendWake(ctx, w, flusher, identity)
		}
	}
}

// subscribe wires the five channels a connected identity listens to:
// its own identity channel plus the four reserved broadcast channels.
// Broadcast events are relabeled from "__broadcast__" to the "broadcast"
// event type on the wire; broadcast/chat/swarm events are filtered so only
// events addressed to this identity (or unaddressed, i.e. global) pass
// through, and a wake trigger is acted on only when addressed to this
// identity.
func (g *Gateway) subscribe(identity string, frames chan<- frame) []func() {
	forward := func(f frame) {
		select {
		case frames <- f:
		default:
			g.logger.Warn("sse frame dropped, slow consumer", "identity", identity, "event", f.event)
		}
	}

	relevant := func(event eventbus.Event) bool {
		return event.Identity == "" || event.Identity == identity
	}

	var unsubs []func()
	unsubs = append(unsubs, g.bus.Subscribe(identity, func(e eventbus.Event) {
		forward(frame{event: e.Type, data: e.Data})
	}))
	unsubs = append(unsubs, g.bus.Subscribe(eventbus.ChannelBroadcast, func(e eventbus.Event) {
		if relevant(e) {
			forward(frame{event: eventbus.KindBroadcast, data: e.Data})
		}
	}))
	unsubs = append(unsubs, g.bus.Subscribe(eventbus.ChannelSwarm, func(e eventbus.Event) {
		if relevant(e) {
			forward(frame{event: e.Type, data: e.Data})
		}
	}))
	unsubs = append(unsubs, g.bus.Subscribe(eventbus.ChannelChat, func(e eventbus.Event) {
		if relevant(e) {
			forward(frame{event: e.Type, data: e.Data})
		}
	}))
	unsubs = append(unsubs, g.bus.Subscribe(eventbus.ChannelWake, func(e eventbus.Event) {
		if e.Identity == identity {
			select {
			case frames <- frame{wakeTrigger: true}:
			default:
			}
		}
	}))
	return unsubs
}

func (g *Gateway) sendWake(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, identity string) {
	if g.wake == nil {
		g.writeFrame(w, flusher, frame{event: eventbus.KindWakePulse, data: map[string]any{"items": []any{}, "actions": []any{}, "summary": "", "timestamp": time.Now().UTC()}})
		return
	}
	payload, err := g.wake(ctx, identity)
	if err != nil {
		g.logger.Error("compute wake payload", "identity", identity, "error", err)
		return
	}
	g.writeFrame(w, flusher, frame{event: eventbus.KindWakePulse, data: payload})
}

type frame struct {
	event       string
	data        any
	wakeTrigger bool
}

// writeFrame writes a single SSE frame.
func (g *Gateway) writeFrame(w http.ResponseWriter, flusher http.Flusher, f frame) bool {
	body, err := json.Marshal(f.data)
	if err != nil {
		g.logger.Error("marshal sse event", "event", f.event, "error", err)
		return true
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.event, body); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

