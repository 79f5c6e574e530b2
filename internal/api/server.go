// Package api wires Hive's REST, SSE, and WebSocket surface onto a single
// http.Server: one ServeMux using Go 1.22+ method+pattern routing, a
// logging middleware, and an auth middleware that resolves the bearer
// token into an identity.Context before any handler runs.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/biginformatics/hive/internal/broadcast"
	"github.com/biginformatics/hive/internal/chat"
	"github.com/biginformatics/hive/internal/eventbus"
	"github.com/biginformatics/hive/internal/herr"
	"github.com/biginformatics/hive/internal/identity"
	"github.com/biginformatics/hive/internal/mailbox"
	"github.com/biginformatics/hive/internal/notebook"
	"github.com/biginformatics/hive/internal/presence"
	"github.com/biginformatics/hive/internal/ratelimit"
	"github.com/biginformatics/hive/internal/recurring"
	"github.com/biginformatics/hive/internal/sse"
	"github.com/biginformatics/hive/internal/store"
	"github.com/biginformatics/hive/internal/swarm"
	"github.com/biginformatics/hive/internal/wake"
	"github.com/biginformatics/hive/internal/webhook"
	"github.com/biginformatics/hive/internal/workflow"
)

// Server is the HTTP API server: it owns no business logic of its own,
// only request parsing/validation and wiring into the service layer.
type Server struct {
	address string
	port    int

	store      *store.Store
	auth       *identity.Authenticator
	mailbox    *mailbox.Service
	chat       *chat.Service
	swarm      *swarm.Service
	workflow   *workflow.Service
	broadcast  *broadcast.Service
	webhook    *webhook.Dispatcher
	wake       *wake.Service
	notebook   *notebook.Hub
	sseGateway *sse.Gateway
	presence   *presence.Tracker
	recurring  *recurring.Service
	limiter    *ratelimit.Limiter
	bus        *eventbus.Bus

	logger *slog.Logger
	server *http.Server
}

// Deps bundles every already-constructed service a Server wires together.
type Deps struct {
	Store      *store.Store
	Auth       *identity.Authenticator
	Mailbox    *mailbox.Service
	Chat       *chat.Service
	Swarm      *swarm.Service
	Workflow   *workflow.Service
	Broadcast  *broadcast.Service
	Webhook    *webhook.Dispatcher
	Wake       *wake.Service
	Notebook   *notebook.Hub
	SSEGateway *sse.Gateway
	Presence   *presence.Tracker
	Recurring  *recurring.Service
	Limiter    *ratelimit.Limiter
	Bus        *eventbus.Bus
}

// NewServer builds a Server bound to address:port.
func NewServer(address string, port int, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:    address,
		port:       port,
		store:      deps.Store,
		auth:       deps.Auth,
		mailbox:    deps.Mailbox,
		chat:       deps.Chat,
		swarm:      deps.Swarm,
		workflow:   deps.Workflow,
		broadcast:  deps.Broadcast,
		webhook:    deps.Webhook,
		wake:       deps.Wake,
		notebook:   deps.Notebook,
		sseGateway: deps.SSEGateway,
		presence:   deps.Presence,
		recurring:  deps.Recurring,
		limiter:    deps.Limiter,
		bus:        deps.Bus,
		logger:     logger,
	}
}

// Start builds the route table and blocks serving until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	handler := s.routes()

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // SSE and notebook WS connections are long-lived
	}

	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// routes builds the full middleware-wrapped route table. Split out from
// Start so tests can drive the same handler chain through httptest without
// binding a listener.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Auth.
	mux.HandleFunc("POST /api/auth/verify", s.handleAuthVerify)
	mux.HandleFunc("POST /api/auth/register", s.handleAuthRegister)
	mux.HandleFunc("POST /api/auth/invites", s.handleCreateInvite)
	mux.HandleFunc("POST /api/auth/tokens/{id}/revoke", s.handleTokenRevoke)
	mux.HandleFunc("POST /api/auth/tokens/{id}/rotate", s.handleTokenRotate)

	// Mailbox.
	mux.HandleFunc("GET /api/mailboxes/me/messages", s.handleMailboxList)
	mux.HandleFunc("POST /api/mailboxes/{recipient}/messages", s.handleMailboxSend)
	mux.HandleFunc("POST /api/mailboxes/me/messages/{id}/ack", s.handleMailboxAck)
	mux.HandleFunc("POST /api/mailboxes/me/messages/{id}/reply", s.handleMailboxReply)
	mux.HandleFunc("POST /api/mailboxes/me/messages/{id}/pending", s.handleMailboxMarkPending)
	mux.HandleFunc("DELETE /api/mailboxes/me/messages/{id}/pending", s.handleMailboxClearPending)
	mux.HandleFunc("GET /api/mailboxes/me/pending", s.handleMailboxListPending)
	mux.HandleFunc("GET /api/mailboxes/me/waiting", s.handleMailboxListWaiting)

	// Presence, wake, stream.
	mux.HandleFunc("GET /api/presence", s.handlePresence)
	mux.HandleFunc("GET /api/wake", s.handleWake)
	mux.HandleFunc("GET /api/stream", s.handleStream)

	// Broadcast ingest and management.
	mux.HandleFunc("POST /api/ingest/{appName}/{token}", s.handleIngest)
	mux.HandleFunc("GET /api/broadcast/webhooks", s.handleBroadcastWebhookList)
	mux.HandleFunc("POST /api/broadcast/webhooks", s.handleBroadcastWebhookCreate)
	mux.HandleFunc("PATCH /api/broadcast/webhooks/{id}", s.handleBroadcastWebhookUpdate)
	mux.HandleFunc("DELETE /api/broadcast/webhooks/{id}", s.handleBroadcastWebhookDelete)
	mux.HandleFunc("GET /api/broadcast/events", s.handleBroadcastEvents)

	// Chat.
	mux.HandleFunc("GET /api/chat/channels", s.handleChatChannelList)
	mux.HandleFunc("POST /api/chat/channels", s.handleChatChannelCreate)
	mux.HandleFunc("GET /api/chat/channels/{id}/messages", s.handleChatMessageList)
	mux.HandleFunc("POST /api/chat/channels/{id}/messages", s.handleChatMessagePost)
	mux.HandleFunc("POST /api/chat/channels/{id}/read", s.handleChatMarkRead)
	mux.HandleFunc("POST /api/chat/channels/{id}/typing", s.handleChatTyping)

	// Swarm projects and tasks.
	mux.HandleFunc("GET /api/swarm/projects", s.handleProjectList)
	mux.HandleFunc("POST /api/swarm/projects", s.handleProjectCreate)
	mux.HandleFunc("GET /api/swarm/projects/{id}", s.handleProjectGet)
	mux.HandleFunc("PATCH /api/swarm/projects/{id}", s.handleProjectUpdate)
	mux.HandleFunc("GET /api/swarm/tasks", s.handleTaskList)
	mux.HandleFunc("POST /api/swarm/tasks", s.handleTaskCreate)
	mux.HandleFunc("GET /api/swarm/tasks/{id}", s.handleTaskGet)
	mux.HandleFunc("PATCH /api/swarm/tasks/{id}", s.handleTaskUpdate)
	mux.HandleFunc("DELETE /api/swarm/tasks/{id}", s.handleTaskDelete)
	mux.HandleFunc("POST /api/swarm/tasks/{id}/status", s.handleTaskStatus)
	mux.HandleFunc("POST /api/swarm/tasks/{id}/reorder", s.handleTaskReorder)
	mux.HandleFunc("GET /api/swarm/tasks/{id}/events", s.handleTaskEvents)
	mux.HandleFunc("GET /api/swarm/tasks/{id}/workflows", s.handleWorkflowList)
	mux.HandleFunc("POST /api/swarm/tasks/{id}/workflows", s.handleWorkflowCreate)
	mux.HandleFunc("POST /api/swarm/recurring/tick", s.handleRecurringTick)

	// Workflow documents (accessed directly by id, not just nested under a task).
	mux.HandleFunc("GET /api/workflows/{id}", s.handleWorkflowGet)
	mux.HandleFunc("GET /api/workflows/{id}/attachments", s.handleWorkflowAttachmentList)
	mux.HandleFunc("POST /api/workflows/{id}/attachments", s.handleWorkflowAttachmentCreate)

	// Notebook.
	mux.HandleFunc("GET /api/notebook/pages", s.handleNotebookList)
	mux.HandleFunc("POST /api/notebook/pages", s.handleNotebookCreate)
	mux.HandleFunc("GET /api/notebook/pages/{id}", s.handleNotebookGet)
	mux.HandleFunc("PATCH /api/notebook/pages/{id}", s.handleNotebookUpdateMeta)
	mux.HandleFunc("DELETE /api/notebook/pages/{id}", s.handleNotebookArchive)
	mux.HandleFunc("GET /api/notebook/ws", s.handleNotebookWS)

	// Operations.
	mux.HandleFunc("GET /api/doctor", s.handleDoctor)

	var handler http.Handler = mux
	if s.limiter != nil {
		handler = s.limiter.Middleware(identityForRequest, handler)
	}
	handler = s.withAuth(handler)
	handler = s.withLogging(handler)
	return handler
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// publicPaths bypass authentication entirely: the ingest endpoint carries
// its own capability token in the URL, and auth/verify+register are how an
// identity obtains a bearer token in the first place.
var publicPaths = map[string]bool{
	"/api/auth/verify":   true,
	"/api/auth/register": true,
}

// withAuth resolves the bearer token (Authorization header, or the
// ?token= query param for the two transports that can't set headers) into
// an identity.Context stored on the request. Requests to publicPaths and
// any /api/ingest/ capability URL pass through unauthenticated; everything
// else is rejected with Unauthorized if the token doesn't resolve. The
// notebook websocket handles its own auth so a bad token can be reported
// as a protocol close code instead of a pre-upgrade HTTP error.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] || isIngestPath(r.URL.Path) || r.URL.Path == "/api/notebook/ws" {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		actx, err := s.auth.Authenticate(token)
		if err != nil {
			herr.WriteError(w, s.logger, err)
			return
		}

		if s.presence != nil {
			s.presence.Touch(actx.Identity, presence.SourceAPI, time.Now().UTC())
		}
		ctx := identity.WithContext(r.Context(), actx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isIngestPath(path string) bool {
	const prefix = "/api/ingest/"
	return len(path) > len(prefix) && path[:len(prefix)] == prefix
}

// bearerToken extracts the caller's token from the Authorization header,
// falling back to ?token= for EventSource and WebSocket requests that
// cannot set custom headers.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "Bearer "
		if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
			return auth[len(prefix):]
		}
		return auth
	}
	return r.URL.Query().Get("token")
}

// identityForRequest extracts the already-authenticated identity for the
// rate limiter's client-key derivation; requests that never reached
// withAuth's success path (public/ingest paths) key on the first
// X-Forwarded-For address, or "unknown" without one, via
// ratelimit.ClientKey's fallback.
func identityForRequest(r *http.Request) string {
	if actx := identity.FromContext(r.Context()); actx != nil {
		return actx.Identity
	}
	return ""
}

// writeJSON encodes v as JSON, logging any encode failure at debug level
// (typically a client that disconnected mid-response).
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// decodeJSON parses the request body into dst, returning a BadRequest
// *herr.Error on malformed JSON.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return herr.New(herr.BadRequest, "malformed JSON body")
	}
	return nil
}

// mustIdentity retrieves the authenticated caller. withAuth guarantees one
// is present for every handler reachable through the mux, so nil here
// indicates a routing bug, not a request-time condition.
func mustIdentity(r *http.Request) *identity.Context {
	actx := identity.FromContext(r.Context())
	if actx == nil {
		panic("api: handler reached with no authenticated identity in context")
	}
	return actx
}

// requireAdmin returns a Forbidden error unless the caller is an admin.
func requireAdmin(actx *identity.Context) error {
	if !actx.IsAdmin {
		return herr.New(herr.Forbidden, "admin privileges required")
	}
	return nil
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

func parseInt64Param(r *http.Request, name string, defaultVal int64) int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

func parseBoolParam(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}
