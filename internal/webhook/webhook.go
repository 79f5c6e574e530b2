// Package webhook delivers out-of-band HTTP notifications to agent
// gateways. Delivery is fire-and-forget: a failed POST is logged and
// swallowed rather than surfaced to whatever triggered it, matching the
// propagation policy for background sends.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/biginformatics/hive/internal/config"
	"github.com/biginformatics/hive/internal/fetch"
	"github.com/biginformatics/hive/internal/httpkit"
	"github.com/biginformatics/hive/internal/store"
)

const (
	dispatchTimeout = 5 * time.Second
	cacheTTL        = 60 * time.Second
)

// Payload is the body POSTed to a delivery target.
type Payload struct {
	Message  string `json:"message"`
	WakeMode string `json:"wakeMode"`
}

type target struct {
	url   string
	token string
}

type cacheEntry struct {
	target  target
	found   bool
	expires time.Time
}

// Dispatcher resolves an identity's delivery target and posts to it.
type Dispatcher struct {
	store    *store.Store
	guard    *fetch.Guard
	fallback target
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New builds a Dispatcher. cfg supplies the SSRF allowlist and the
// fallback delivery target used when an identity has no webhook of its
// own (chiefly the bootstrap superuser).
func New(st *store.Store, cfg config.WebhookConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    st,
		guard:    fetch.NewGuard(cfg.AllowedHosts),
		fallback: target{url: cfg.DefaultURL, token: cfg.DefaultToken},
		logger:   logger,
		cache:    make(map[string]cacheEntry),
	}
}

// Notify delivers message to identity's webhook, if it has one. It never
// returns an error: failures are logged and otherwise ignored. Callers
// that want delivery off the request's own goroutine should wrap the call
// in `go`.
func (d *Dispatcher) Notify(ctx context.Context, identity, message string) {
	t, ok := d.resolveTarget(identity)
	if !ok {
		return
	}

	body, err := json.Marshal(Payload{Message: message, WakeMode: "now"})
	if err != nil {
		d.logger.Error("marshal webhook payload", "identity", identity, "error", err)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		d.logger.Warn("build webhook request", "identity", identity, "url", t.url, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.token)

	resp, err := d.guard.Do(req, dispatchTimeout)
	if err != nil {
		d.logger.Warn("webhook delivery failed", "identity", identity, "url", t.url, "error", err)
		return
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode >= 400 {
		d.logger.Warn("webhook delivery rejected", "identity", identity, "url", t.url, "status", resp.StatusCode)
	}
}

// resolveTarget finds where to deliver for identity, caching both
// positive and negative results for cacheTTL.
func (d *Dispatcher) resolveTarget(identity string) (target, bool) {
	d.mu.Lock()
	if e, ok := d.cache[identity]; ok && time.Now().Before(e.expires) {
		d.mu.Unlock()
		return e.target, e.found
	}
	d.mu.Unlock()

	t, found := d.lookupTarget(identity)

	d.mu.Lock()
	d.cache[identity] = cacheEntry{target: t, found: found, expires: time.Now().Add(cacheTTL)}
	d.mu.Unlock()

	return t, found
}

func (d *Dispatcher) lookupTarget(identity string) (target, bool) {
	tok, err := d.store.ActiveTokenForIdentity(identity)
	if err == nil && tok.WebhookURL != "" && tok.WebhookToken != "" {
		return target{url: tok.WebhookURL, token: tok.WebhookToken}, true
	}
	if err != nil && err != store.ErrNotFound {
		d.logger.Error("lookup webhook target", "identity", identity, "error", err)
	}
	if d.fallback.url != "" && d.fallback.token != "" {
		return d.fallback, true
	}
	return target{}, false
}

// InvalidateCache drops every cached delivery target. Call after any
// mutation to a token's webhook fields (rotate, revoke, explicit update).
func (d *Dispatcher) InvalidateCache() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache = make(map[string]cacheEntry)
}

// InvalidateIdentity forgets the cached target for a single identity, used
// when only one identity's configuration changed (token rotate/revoke).
func (d *Dispatcher) InvalidateIdentity(identity string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cache, identity)
}
