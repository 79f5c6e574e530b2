// Package broadcast implements the tokenized ingest endpoint external
// systems post alerts to, with content-type dispatch on the body and a
// cooldown window that suppresses duplicate alerts instead of re-notifying
// on every retry a flaky upstream sends.
package broadcast

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/biginformatics/hive/internal/clockx"
	"github.com/biginformatics/hive/internal/eventbus"
	"github.com/biginformatics/hive/internal/herr"
	"github.com/biginformatics/hive/internal/store"
)

// DefaultCooldown is used if the caller passes a non-positive cooldown.
const DefaultCooldown = 180 * time.Minute

// lookbackWindow is how many recent events per webhook are compared
// against for a signature match.
const lookbackWindow = 50

// IngestResult is what the ingest endpoint reports back to the poster.
type IngestResult struct {
	EventID    string `json:"eventId"`
	Suppressed bool   `json:"suppressed"`
}

// Service owns broadcast webhook management and the ingest pipeline.
type Service struct {
	store    *store.Store
	bus      *eventbus.Bus
	cooldown time.Duration
	clock    clockx.Clock
	logger   *slog.Logger
}

// New builds a Service. clock may be nil (defaults to the real clock).
func New(st *store.Store, bus *eventbus.Bus, cooldown time.Duration, clock clockx.Clock, logger *slog.Logger) *Service {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if clock == nil {
		clock = clockx.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, bus: bus, cooldown: cooldown, clock: clock, logger: logger}
}

// CreateWebhook registers a new ingest capability.
func (s *Service) CreateWebhook(w store.BroadcastWebhook) (*store.BroadcastWebhook, error) {
	if w.AppName == "" {
		return nil, herr.New(herr.BadRequest, "appName is required")
	}
	if w.Token == "" {
		return nil, herr.New(herr.BadRequest, "token is required")
	}
	w.Enabled = true
	created, err := s.store.CreateBroadcastWebhook(w)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "create webhook", err)
	}
	return created, nil
}

// UpdateWebhook replaces a webhook's mutable fields.
func (s *Service) UpdateWebhook(w store.BroadcastWebhook) error {
	if err := s.store.UpdateBroadcastWebhook(w); err != nil {
		return herr.Wrap(herr.Internal, "update webhook", err)
	}
	return nil
}

// DeleteWebhook removes an ingest capability.
func (s *Service) DeleteWebhook(id string) error {
	if err := s.store.DeleteBroadcastWebhook(id); err != nil {
		return herr.Wrap(herr.Internal, "delete webhook", err)
	}
	return nil
}

// ListWebhooks returns every configured webhook.
func (s *Service) ListWebhooks() ([]*store.BroadcastWebhook, error) {
	out, err := s.store.ListBroadcastWebhooks()
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "list webhooks", err)
	}
	return out, nil
}

// EventsByApp lists recent events for an app's ingest history view.
func (s *Service) EventsByApp(appName string, limit int) ([]*store.BroadcastEvent, error) {
	out, err := s.store.ListBroadcastEventsByApp(appName, limit)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "list events", err)
	}
	return out, nil
}

// Ingest handles a POST to /api/ingest/{appName}/{token}. contentType and
// body are the raw request content type and body bytes; once the
// capability resolves to an enabled webhook, its lastHitAt is updated
// whatever the outcome. Unknown or disabled capabilities are not touched.
func (s *Service) Ingest(appName, token, contentType string, body []byte) (*IngestResult, error) {
	wh, err := s.store.GetBroadcastWebhookByCapability(appName, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, herr.New(herr.NotFound, "unknown ingest capability")
		}
		return nil, herr.Wrap(herr.Internal, "lookup webhook", err)
	}
	if !wh.Enabled {
		return nil, herr.New(herr.NotFound, "ingest capability disabled")
	}

	now := s.clock.Now()
	defer func() {
		if err := s.store.TouchWebhookHit(wh.ID, now); err != nil {
			s.logger.Error("touch webhook hit", "webhook", wh.ID, "error", err)
		}
	}()

	parsed, err := parseIngestBody(contentType, body)
	if err != nil {
		return nil, herr.Wrap(herr.BadRequest, "parse ingest body", err)
	}
	if parsed.title == "" {
		parsed.title = wh.Title
	}
	forUsers := parsed.forUsers
	if forUsers == nil {
		forUsers = wh.ForUsers
	}

	sig := signature(parsed.title, parsed.bodyText, parsed.canonicalJSON, forUsers, contentType)

	recent, err := s.store.RecentEventsForWebhook(wh.ID, lookbackWindow)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "recent events", err)
	}
	for _, e := range recent {
		if e.Signature == sig && now.Sub(e.ReceivedAt) < s.cooldown {
			return &IngestResult{EventID: e.ID, Suppressed: true}, nil
		}
	}

	event, err := s.store.InsertBroadcastEvent(store.BroadcastEvent{
		WebhookID:   wh.ID,
		AppName:     wh.AppName,
		Title:       parsed.title,
		ForUsers:    forUsers,
		ContentType: contentType,
		BodyText:    parsed.bodyText,
		BodyJSON:    parsed.canonicalJSON,
		Signature:   sig,
		ReceivedAt:  now,
	})
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "insert broadcast event", err)
	}

	s.bus.Emit(eventbus.ChannelBroadcast, eventbus.Event{
		Type: eventbus.KindBroadcast,
		Data: map[string]any{
			"id": event.ID, "appName": event.AppName, "title": event.Title,
			"forUsers": event.ForUsers, "receivedAt": event.ReceivedAt,
		},
	})
	if wh.WakeAgent != "" {
		s.bus.EmitWakeTrigger(wh.WakeAgent)
	}
	if wh.NotifyAgent != "" && wh.NotifyAgent != wh.WakeAgent {
		s.bus.EmitWakeTrigger(wh.NotifyAgent)
	}

	return &IngestResult{EventID: event.ID}, nil
}

type ingestBody struct {
	title         string
	bodyText      string
	canonicalJSON string
	forUsers      []string
}

// parseIngestBody dispatches on content type: a JSON body may carry
// title/body/forUsers overrides and is stored canonicalized for stable
// signing; any other content type becomes bodyText verbatim.
func parseIngestBody(contentType string, body []byte) (ingestBody, error) {
	if !strings.Contains(strings.ToLower(contentType), "application/json") {
		return ingestBody{bodyText: string(body)}, nil
	}
	if len(body) == 0 {
		return ingestBody{}, nil
	}

	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ingestBody{}, fmt.Errorf("invalid json body: %w", err)
	}

	canon, err := canonicalJSON(parsed)
	if err != nil {
		return ingestBody{}, fmt.Errorf("canonicalize json body: %w", err)
	}

	out := ingestBody{canonicalJSON: canon}
	obj, _ := parsed.(map[string]any)
	if t, ok := obj["title"].(string); ok {
		out.title = t
	}
	if b, ok := obj["body"].(string); ok {
		out.bodyText = b
	}
	if fu, ok := obj["forUsers"].([]any); ok {
		for _, v := range fu {
			if s, ok := v.(string); ok {
				out.forUsers = append(out.forUsers, s)
			}
		}
	}
	return out, nil
}

// signature computes a stable dedupe key over the fields that define
// "the same alert" for cooldown comparison purposes.
func signature(title, bodyText, bodyJSON string, forUsers []string, contentType string) string {
	sorted := append([]string(nil), forUsers...)
	sort.Strings(sorted)

	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s", title, bodyText, bodyJSON, strings.Join(sorted, ","), contentType)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON renders v with object keys sorted recursively, so two
// JSON payloads that differ only in key order produce the same string.
func canonicalJSON(v any) (string, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kj, err := json.Marshal(k)
			if err != nil {
				return "", err
			}
			b.Write(kj)
			b.WriteByte(':')
			vj, err := canonicalJSON(val[k])
			if err != nil {
				return "", err
			}
			b.WriteString(vj)
		}
		b.WriteByte('}')
		return b.String(), nil

	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			ej, err := canonicalJSON(e)
			if err != nil {
				return "", err
			}
			b.WriteString(ej)
		}
		b.WriteByte(']')
		return b.String(), nil

	default:
		j, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(j), nil
	}
}
