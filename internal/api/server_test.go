package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/biginformatics/hive/internal/chat"
	"github.com/biginformatics/hive/internal/clockx"
	"github.com/biginformatics/hive/internal/config"
	"github.com/biginformatics/hive/internal/eventbus"
	"github.com/biginformatics/hive/internal/identity"
	"github.com/biginformatics/hive/internal/mailbox"
	"github.com/biginformatics/hive/internal/presence"
	"github.com/biginformatics/hive/internal/store"
	"github.com/biginformatics/hive/internal/swarm"
)

const testSuperuserToken = "test-superuser-token-0123456789"

// noopNotifier satisfies mailbox.Notifier without reaching out to any
// webhook.Dispatcher, the same way a test double would stand in for a
// collaborator that isn't under test here.
type noopNotifier struct{}

func (noopNotifier) Notify(ctx context.Context, identity, message string) {}

// newTestServer builds a Server backed by a fresh temp-file store and real
// services, the same way cmd/hive/main.go wires them, minus the pieces
// (recurring, notebook, webhook, SSE) a given test doesn't exercise.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "hive.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := clockx.Real()
	auth, err := identity.New(st, config.SuperuserConfig{
		Name:        "admin",
		Token:       testSuperuserToken,
		DisplayName: "Administrator",
	}, clock, nil)
	if err != nil {
		t.Fatalf("init identity: %v", err)
	}
	if err := st.UpsertUser(store.User{ID: "admin", DisplayName: "Administrator", IsAdmin: true}); err != nil {
		t.Fatalf("upsert superuser: %v", err)
	}
	if _, err := st.CreateToken(store.MailboxToken{Token: testSuperuserToken, Identity: "admin", Label: "bootstrap"}); err != nil {
		t.Fatalf("create superuser token: %v", err)
	}

	bus := eventbus.New(nil)
	return NewServer("", 0, Deps{
		Store:    st,
		Auth:     auth,
		Mailbox:  mailbox.New(st, bus, noopNotifier{}, clock, nil),
		Chat:     chat.New(st, bus, nil, clock, nil),
		Swarm:    swarm.New(st, bus, clock, nil),
		Presence: presence.New(0),
		Bus:      bus,
	}, nil)
}

func doRequest(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = strings.NewReader(string(b))
	} else {
		reader = strings.NewReader("")
	}
	r := httptest.NewRequest(method, path, reader)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, r)
	return w
}

func TestAuthVerify_RejectsUnknownToken(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, "POST", "/api/auth/verify", "not-a-real-token", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAuthVerify_AcceptsSuperuserToken(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, "POST", "/api/auth/verify", testSuperuserToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["identity"] != "admin" {
		t.Errorf("identity = %v, want admin", resp["identity"])
	}
	if resp["isAdmin"] != true {
		t.Errorf("isAdmin = %v, want true", resp["isAdmin"])
	}
}

func TestRequestWithoutToken_IsUnauthorized(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, "GET", "/api/presence", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestMailboxSendAndList_RoundTrips(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, "POST", "/api/mailboxes/bob/messages", testSuperuserToken, map[string]any{
		"title": "hello",
		"body":  "you have a package",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("send status = %d, want %d, body=%s", w.Code, http.StatusCreated, w.Body.String())
	}

	inv, err := s.auth.CreateInvite("bob", false, 1, "admin", nil)
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}
	regReq := httptest.NewRequest("POST", "/api/auth/register", strings.NewReader(`{"code":"`+inv.Code+`","identity":"bob"}`))
	regW := httptest.NewRecorder()
	s.routes().ServeHTTP(regW, regReq)
	if regW.Code != http.StatusOK {
		t.Fatalf("register status = %d, want %d, body=%s", regW.Code, http.StatusOK, regW.Body.String())
	}
	var regResp map[string]any
	if err := json.Unmarshal(regW.Body.Bytes(), &regResp); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	bobToken, _ := regResp["token"].(string)
	if bobToken == "" {
		t.Fatalf("register response missing token: %s", regW.Body.String())
	}

	listW := doRequest(t, s, "GET", "/api/mailboxes/me/messages", bobToken, nil)
	if listW.Code != http.StatusOK {
		t.Fatalf("list status = %d, want %d, body=%s", listW.Code, http.StatusOK, listW.Body.String())
	}
	var listResp map[string]any
	if err := json.Unmarshal(listW.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	messages, _ := listResp["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("expected 1 message in bob's inbox, got %d", len(messages))
	}
}

func TestChatChannelCreate_OpensDM(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, "POST", "/api/chat/channels", testSuperuserToken, map[string]any{
		"members": []string{"admin", "carol"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
	}
}

func TestSwarmProjectCreateAndGet(t *testing.T) {
	s := newTestServer(t)
	createW := doRequest(t, s, "POST", "/api/swarm/projects", testSuperuserToken, map[string]any{
		"title": "Launch",
	})
	if createW.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want %d, body=%s", createW.Code, http.StatusCreated, createW.Body.String())
	}
	var created map[string]any
	if err := json.Unmarshal(createW.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created project: %v", err)
	}
	id, _ := created["ID"].(string)
	if id == "" {
		t.Fatalf("created project missing id: %s", createW.Body.String())
	}

	getW := doRequest(t, s, "GET", "/api/swarm/projects/"+id, testSuperuserToken, nil)
	if getW.Code != http.StatusOK {
		t.Fatalf("get status = %d, want %d, body=%s", getW.Code, http.StatusOK, getW.Body.String())
	}
}

func TestBearerToken_PrefersHeaderOverQueryParam(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/stream?token=from-query", nil)
	r.Header.Set("Authorization", "Bearer from-header")
	if got := bearerToken(r); got != "from-header" {
		t.Errorf("bearerToken() = %q, want %q", got, "from-header")
	}
}

func TestBearerToken_FallsBackToQueryParam(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/stream?token=from-query", nil)
	if got := bearerToken(r); got != "from-query" {
		t.Errorf("bearerToken() = %q, want %q", got, "from-query")
	}
}

func TestParseIntParam_FallsBackOnInvalidOrNegative(t *testing.T) {
	cases := []struct {
		name  string
		query string
		want  int
	}{
		{"missing", "", 50},
		{"valid", "?limit=10", 10},
		{"negative", "?limit=-1", 50},
		{"not a number", "?limit=abc", 50},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/x"+tc.query, nil)
			if got := parseIntParam(r, "limit", 50); got != tc.want {
				t.Errorf("parseIntParam() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestParseBoolParam(t *testing.T) {
	cases := []struct {
		query string
		want  bool
	}{
		{"", false},
		{"?includeOffHours=true", true},
		{"?includeOffHours=false", false},
		{"?includeOffHours=not-a-bool", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/x"+tc.query, nil)
		if got := parseBoolParam(r, "includeOffHours"); got != tc.want {
			t.Errorf("parseBoolParam(%q) = %v, want %v", tc.query, got, tc.want)
		}
	}
}

func TestIsIngestPath(t *testing.T) {
	cases := map[string]bool{
		"/api/ingest/myapp/secret": true,
		"/api/ingest/":             false,
		"/api/presence":            false,
	}
	for path, want := range cases {
		if got := isIngestPath(path); got != want {
			t.Errorf("isIngestPath(%q) = %v, want %v", path, got, want)
		}
	}
}
