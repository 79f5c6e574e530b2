// Package ratelimit implements the sliding fixed-window limiter applied to
// every inbound request: an ordered table of route patterns (loaded from an
// embedded YAML document, the same "small ordered config document" shape
// the teacher uses yaml.v3 for elsewhere) maps a request to a bucket limit,
// keyed by authenticated identity when available. A background sweep
// reclaims expired buckets so the table doesn't grow unbounded.
package ratelimit

import (
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/biginformatics/hive/internal/clockx"
	"github.com/biginformatics/hive/internal/herr"
)

// Rule is one ordered route-pattern entry: the first rule whose Pattern
// matches the request path wins.
type Rule struct {
	Pattern string `yaml:"pattern"`
	Limit   int    `yaml:"limit"`
	Window  string `yaml:"window"`

	re     *regexp.Regexp
	window time.Duration
}

// defaultRulesYAML is the built-in ordered rule table, expressed as YAML so
// it reads and is overridden the same way the rest of Hive's small ordered
// config documents do.
const defaultRulesYAML = `
- pattern: ^/api/auth/register$
  limit: 5
  window: 1m
- pattern: ^/api/auth/verify$
  limit: 20
  window: 1m
- pattern: ^/api/stream$
  limit: 5
  window: 1m
- pattern: ^/api/chat/channels/[^/]+/messages$
  limit: 30
  window: 1m
- pattern: ^/api/mailboxes/[^/]+/messages$
  limit: 30
  window: 1m
- pattern: .*
  limit: 60
  window: 1m
`

// ParseRules parses an ordered rule table from YAML and compiles each
// pattern. Rules are matched in document order; the catch-all ".*" rule
// should always be last.
func ParseRules(data []byte) ([]Rule, error) {
	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("ratelimit: parse rules: %w", err)
	}
	for i := range rules {
		re, err := regexp.Compile(rules[i].Pattern)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: rule %d pattern %q: %w", i, rules[i].Pattern, err)
		}
		rules[i].re = re

		window, err := time.ParseDuration(rules[i].Window)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: rule %d window %q: %w", i, rules[i].Window, err)
		}
		rules[i].window = window
	}
	return rules, nil
}

// DefaultRules returns the built-in rule table.
func DefaultRules() []Rule {
	rules, err := ParseRules([]byte(defaultRulesYAML))
	if err != nil {
		// The built-in table is a compile-time constant; a parse failure
		// here is a programming error, not a runtime condition.
		panic(err)
	}
	return rules
}

type bucket struct {
	count   int
	resetAt time.Time
}

// Limiter is a sliding fixed-window rate limiter keyed by (rule, client
// key). Zero value is not usable; use New. Safe for concurrent use.
type Limiter struct {
	rules []Rule
	clock clockx.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New creates a Limiter evaluating the given ordered rule table.
func New(rules []Rule, clock clockx.Clock) *Limiter {
	if clock == nil {
		clock = clockx.Real()
	}
	return &Limiter{rules: rules, clock: clock, buckets: make(map[string]*bucket)}
}

// Result is the outcome of an Allow check, used to set the X-RateLimit-*
// response headers regardless of whether the request was allowed.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// ruleFor returns the first rule whose pattern matches path.
func (l *Limiter) ruleFor(path string) *Rule {
	for i := range l.rules {
		if l.rules[i].re.MatchString(path) {
			return &l.rules[i]
		}
	}
	return nil
}

// Allow checks whether a request to path from key is within its bucket's
// limit, incrementing the bucket's count as a side effect. If no rule
// matches path (should not happen given a catch-all rule), the request is
// allowed unconditionally.
func (l *Limiter) Allow(path, key string) Result {
	rule := l.ruleFor(path)
	if rule == nil {
		return Result{Allowed: true}
	}

	now := l.clock.Now()
	bucketKey := rule.Pattern + "|" + key

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[bucketKey]
	if !ok || !now.Before(b.resetAt) {
		b = &bucket{count: 0, resetAt: now.Add(rule.window)}
		l.buckets[bucketKey] = b
	}

	if b.count >= rule.Limit {
		return Result{Allowed: false, Limit: rule.Limit, Remaining: 0, ResetAt: b.resetAt}
	}
	b.count++
	return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit - b.count, ResetAt: b.resetAt}
}

// Sweep discards every bucket that has already expired as of now, bounding
// the limiter's memory to recently active keys. Intended to run every 5
// minutes from a background goroutine.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, b := range l.buckets {
		if !now.Before(b.resetAt) {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}

// RunSweeper starts a background sweep loop on the given interval. It
// blocks until stop is closed, so callers should run it in its own
// goroutine.
func (l *Limiter) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			l.Sweep(now)
		}
	}
}

// ClientKey derives the bucket key for a request: the authenticated
// identity when known, else the first value of X-Forwarded-For, else
// "unknown".
func ClientKey(identity string, r *http.Request) string {
	if identity != "" {
		return identity
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return firstForwardedFor(fwd)
	}
	return "unknown"
}

func firstForwardedFor(header string) string {
	for i, c := range header {
		if c == ',' {
			return header[:i]
		}
	}
	return header
}

// Middleware wraps next with rate limiting. identityFor extracts the
// already-authenticated identity from the request, if any (empty string if
// anonymous or not yet authenticated at this point in the chain).
func (l *Limiter) Middleware(identityFor func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ClientKey(identityFor(r), r)
		result := l.Allow(r.URL.Path, key)

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", result.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", result.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", result.ResetAt.Unix()))

		if !result.Allowed {
			herr.WriteError(w, nil, herr.New(herr.TooManyRequests, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
