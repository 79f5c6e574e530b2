// Package identity resolves bearer tokens to authenticated identities and
// owns the invite-based registration and token-rotation flows. Hive has no
// login form — every caller is either the bootstrap superuser token or a
// mailbox token minted through an invite, so this package plays the role
// leapmux's hub/auth package plays there, generalized to two token
// provenances instead of one.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/biginformatics/hive/internal/clockx"
	"github.com/biginformatics/hive/internal/config"
	"github.com/biginformatics/hive/internal/herr"
	"github.com/biginformatics/hive/internal/store"
)

const cacheTTL = 30 * time.Second

// Context carries the resolved caller identity through a request.
type Context struct {
	Identity string
	IsAdmin  bool
	IsAgent  bool
}

type contextKey int

const ctxKey contextKey = iota

// WithContext stores an Context in ctx.
func WithContext(ctx context.Context, ac *Context) context.Context {
	return context.WithValue(ctx, ctxKey, ac)
}

// FromContext retrieves the authenticated caller, or nil if unauthenticated.
func FromContext(ctx context.Context) *Context {
	ac, _ := ctx.Value(ctxKey).(*Context)
	return ac
}

var slugPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// ValidSlug reports whether s is an acceptable identity slug: lowercase,
// starting with a letter, at most 50 characters.
func ValidSlug(s string) bool {
	return len(s) > 0 && len(s) <= 50 && slugPattern.MatchString(s)
}

type cacheEntry struct {
	ctx     *Context
	expires time.Time
}

// Authenticator resolves bearer tokens against the configured superuser
// and the database-backed mailbox tokens, with a short-lived cache so
// every request on a hot path doesn't round-trip to SQLite.
type Authenticator struct {
	store     *store.Store
	superuser config.SuperuserConfig
	clock     clockx.Clock
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New builds an Authenticator and ensures the superuser row exists.
func New(st *store.Store, superuser config.SuperuserConfig, clock clockx.Clock, logger *slog.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authenticator{
		store:     st,
		superuser: superuser,
		clock:     clock,
		logger:    logger,
		cache:     make(map[string]cacheEntry),
	}
	if err := st.UpsertUser(store.User{
		ID:          superuser.Name,
		DisplayName: superuser.DisplayName,
		IsAdmin:     true,
		IsAgent:     false,
	}); err != nil {
		return nil, fmt.Errorf("bootstrap superuser: %w", err)
	}
	return a, nil
}

// Authenticate resolves a bearer token to a caller identity. Returns an
// *herr.Error with Kind Unauthorized when the token is missing, unknown,
// revoked or expired, and Kind Internal when a store lookup fails.
func (a *Authenticator) Authenticate(token string) (*Context, error) {
	if token == "" {
		return nil, herr.New(herr.Unauthorized, "missing bearer token")
	}

	now := a.clock.Now()

	a.mu.Lock()
	if e, ok := a.cache[token]; ok && now.Before(e.expires) {
		a.mu.Unlock()
		if e.ctx == nil {
			return nil, herr.New(herr.Unauthorized, "invalid token")
		}
		return e.ctx, nil
	}
	a.mu.Unlock()

	ctx, err := a.resolve(token, now)

	// Only cache a negative result for a genuine auth rejection. A
	// transient lookup failure (e.g. the store is briefly unavailable)
	// must not wedge every future request with this token into an
	// "invalid token" response for the rest of the TTL.
	if he, ok := herr.As(err); (ok && he.Kind == herr.Unauthorized) || err == nil {
		a.mu.Lock()
		a.cache[token] = cacheEntry{ctx: ctx, expires: now.Add(cacheTTL)}
		a.mu.Unlock()
	}

	if err != nil {
		return nil, err
	}
	return ctx, nil
}

func (a *Authenticator) resolve(token string, now time.Time) (*Context, error) {
	if token == a.superuser.Token {
		return &Context{Identity: a.superuser.Name, IsAdmin: true, IsAgent: false}, nil
	}

	t, err := a.store.GetTokenByValue(token)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, herr.New(herr.Unauthorized, "invalid token")
		}
		return nil, herr.Wrap(herr.Internal, "lookup token", err)
	}
	if !t.Valid(now) {
		return nil, herr.New(herr.Unauthorized, "token revoked or expired")
	}

	u, err := a.store.GetUser(t.Identity)
	if err != nil {
		if err != store.ErrNotFound {
			return nil, herr.Wrap(herr.Internal, "lookup user", err)
		}
		// Token outlived its user row (e.g. manual DB surgery): backfill a
		// minimal agent user once and retry, rather than fail the request.
		if err := a.store.UpsertUser(store.User{ID: t.Identity, DisplayName: t.Identity, IsAgent: true}); err != nil {
			return nil, herr.Wrap(herr.Internal, "backfill user", err)
		}
		u, err = a.store.GetUser(t.Identity)
		if err != nil {
			return nil, herr.Wrap(herr.Internal, "lookup user after backfill", err)
		}
	}

	_ = a.store.TouchTokenUsage(t.ID, now)
	return &Context{Identity: u.ID, IsAdmin: u.IsAdmin, IsAgent: u.IsAgent}, nil
}

// InvalidateCache drops every cached entry. Called after any mutation that
// changes what a token resolves to (revoke, rotate, register).
func (a *Authenticator) InvalidateCache() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache = make(map[string]cacheEntry)
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// RegisterViaInvite consumes an invite code and mints a new mailbox token
// for identity, upserting the user row. Fails if the invite is exhausted,
// expired, or restricted to a different identity hint.
func (a *Authenticator) RegisterViaInvite(code, identity, label string) (*store.MailboxToken, error) {
	if !ValidSlug(identity) {
		return nil, herr.New(herr.BadRequest, "identity must be a lowercase slug")
	}
	now := a.clock.Now()

	inv, err := a.store.GetInviteByCode(code)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, herr.New(herr.NotFound, "invite not found")
		}
		return nil, herr.Wrap(herr.Internal, "lookup invite", err)
	}
	if err := inv.Consumable(identity, now); err != nil {
		return nil, herr.Wrap(herr.Conflict, "invite not usable", err)
	}

	if _, err := a.store.ConsumeInvite(code, identity, now); err != nil {
		return nil, herr.Wrap(herr.Conflict, "invite already consumed", err)
	}

	token, err := generateToken()
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "generate token", err)
	}

	if err := a.store.UpsertUser(store.User{
		ID:          identity,
		DisplayName: identity,
		IsAdmin:     inv.IsAdmin,
		IsAgent:     false,
	}); err != nil {
		return nil, herr.Wrap(herr.Internal, "upsert user", err)
	}

	t, err := a.store.CreateToken(store.MailboxToken{
		Token:        token,
		Identity:     identity,
		Label:        label,
		CreatedBy:    inv.CreatedBy,
		CreatedAt:    now,
		WebhookToken: token,
	})
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "create token", err)
	}

	a.InvalidateCache()
	a.logger.Info("identity registered via invite", "identity", identity, "invite", code)
	return t, nil
}

// RotateToken revokes old and mints its replacement for the same identity,
// carrying over webhookURL/webhookToken/backupAgent/staleTriggerHours.
// Caller must already be authorized (admin, or the token's own owner).
func (a *Authenticator) RotateToken(old store.MailboxToken) (*store.MailboxToken, error) {
	now := a.clock.Now()
	if err := a.store.RevokeToken(old.ID, now); err != nil {
		return nil, herr.Wrap(herr.Internal, "revoke old token", err)
	}

	newToken, err := generateToken()
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "generate token", err)
	}

	t, err := a.store.CreateToken(store.MailboxToken{
		Token:             newToken,
		Identity:          old.Identity,
		Label:             old.Label,
		CreatedBy:         old.CreatedBy,
		CreatedAt:         now,
		WebhookURL:        old.WebhookURL,
		WebhookToken:      old.WebhookToken,
		BackupAgent:       old.BackupAgent,
		StaleTriggerHours: old.StaleTriggerHours,
	})
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "create rotated token", err)
	}

	a.InvalidateCache()
	a.logger.Info("token rotated", "identity", old.Identity)
	return t, nil
}

// RevokeToken revokes a token by id and invalidates the cache.
func (a *Authenticator) RevokeToken(id string) error {
	if err := a.store.RevokeToken(id, a.clock.Now()); err != nil {
		return herr.Wrap(herr.Internal, "revoke token", err)
	}
	a.InvalidateCache()
	return nil
}

// inviteCodeAlphabet avoids visually ambiguous characters (0/O, 1/l/I) so
// codes are easy to read aloud or retype.
const inviteCodeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// CreateInvite mints a new invite with a short, unambiguous code.
func (a *Authenticator) CreateInvite(identityHint string, isAdmin bool, maxUses int, createdBy string, expiresAt *time.Time) (*store.Invite, error) {
	code, err := gonanoid.Generate(inviteCodeAlphabet, 10)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "generate invite code", err)
	}
	inv, err := a.store.CreateInvite(store.Invite{
		Code:         code,
		IdentityHint: identityHint,
		IsAdmin:      isAdmin,
		MaxUses:      maxUses,
		CreatedBy:    createdBy,
		ExpiresAt:    expiresAt,
		CreatedAt:    a.clock.Now(),
	})
	if err != nil {
		return nil, herr.Wrap(herr.Internal, "create invite", err)
	}
	return inv, nil
}
