package fetch

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCheckURL_RejectsNonHTTPScheme(t *testing.T) {
	g := NewGuard(nil)
	if err := g.CheckURL("ftp://example.com/file"); err == nil {
		t.Error("expected ftp scheme to be rejected")
	}
}

func TestCheckURL_RejectsLocalhost(t *testing.T) {
	g := NewGuard(nil)
	cases := []string{
		"http://localhost/hook",
		"http://127.0.0.1/hook",
		"http://LOCALHOST:8080/hook",
		"http://printer.local/hook",
		"http://admin.internal/hook",
	}
	for _, rawURL := range cases {
		if err := g.CheckURL(rawURL); err == nil {
			t.Errorf("CheckURL(%q) = nil, want error", rawURL)
		}
	}
}

func TestCheckURL_RejectsPrivateAndLinkLocalIPs(t *testing.T) {
	g := NewGuard(nil)
	cases := []string{
		"http://10.0.0.5/hook",
		"http://192.168.1.1/hook",
		"http://172.16.0.1/hook",
		"http://169.254.169.254/latest/meta-data",
		"http://0.0.0.0/hook",
	}
	for _, rawURL := range cases {
		if err := g.CheckURL(rawURL); err == nil {
			t.Errorf("CheckURL(%q) = nil, want error", rawURL)
		}
	}
}

func TestCheckURL_AllowsPublicHost(t *testing.T) {
	g := NewGuard(nil)
	if err := g.CheckURL("https://example.com/webhook"); err != nil {
		t.Errorf("expected public host to pass, got %v", err)
	}
}

func TestCheckURL_AllowlistBypassesBlock(t *testing.T) {
	g := NewGuard([]string{"internal-ci.local"})
	if err := g.CheckURL("http://internal-ci.local/hook"); err != nil {
		t.Errorf("expected allowlisted host to pass, got %v", err)
	}
}

func TestClient_DialBlocksRebindingToPrivateIP(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	g := NewGuard(nil)
	client := g.Client(2 * time.Second)

	// The test server listens on 127.0.0.1, which the dialer must reject
	// even though CheckURL was never asked about a "blocked" hostname —
	// the resolved-IP check runs again at dial time.
	_, err := client.Get(ts.URL)
	if err == nil {
		t.Fatal("expected dial to loopback test server to be blocked")
	}
	if !strings.Contains(err.Error(), "blocked") {
		t.Errorf("expected blocked-address error, got %v", err)
	}
}

func TestClient_AllowlistedHostCanDial(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	host := strings.TrimPrefix(strings.TrimPrefix(ts.URL, "http://"), "https://")
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}

	g := NewGuard([]string{host})
	client := g.Client(2 * time.Second)

	resp, err := client.Get(ts.URL)
	if err != nil {
		t.Fatalf("expected allowlisted loopback host to dial, got %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestClient_DoesNotFollowRedirects(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer ts.Close()

	host := strings.TrimPrefix(ts.URL, "http://")
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}

	g := NewGuard([]string{host})
	client := g.Client(2 * time.Second)

	resp, err := client.Get(ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Errorf("status = %d, want 302 (redirect not followed)", resp.StatusCode)
	}
}

func TestDo_RejectsBlockedURLBeforeDialing(t *testing.T) {
	g := NewGuard(nil)
	req, err := http.NewRequest(http.MethodPost, "http://169.254.169.254/latest/meta-data", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}

	if _, err := g.Do(req, time.Second); err == nil {
		t.Error("expected metadata address to be rejected")
	}
}
