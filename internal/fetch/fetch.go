// Package fetch builds SSRF-guarded HTTP clients for the outbound calls Hive
// makes on a caller's behalf: webhook delivery and the workflow document
// URL reachability check, and any future feature that dials a URL
// supplied by a non-admin identity. An operator
// that can set a webhook URL or register a broadcast source should not
// thereby gain the ability to make the server poke its own metadata
// endpoint or an internal admin panel, so every such call goes through a
// Guard instead of a bare http.Client.
package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/biginformatics/hive/internal/httpkit"
)

// blockedSuffixes are hostname suffixes that always resolve to
// infrastructure the caller has no business reaching, regardless of what
// they resolve to in DNS.
var blockedSuffixes = []string{
	".local",
	".internal",
	".localhost",
}

// blockedHosts are exact-match hostnames blocked outright.
var blockedHosts = map[string]bool{
	"localhost":                 true,
	"metadata.google.internal":  true,
	"metadata.google.internal.": true,
}

// Guard decides whether an outbound URL is safe to dial. The zero value
// has no allowed hosts and blocks every private/loopback/link-local
// destination.
type Guard struct {
	allowed map[string]bool
}

// NewGuard builds a Guard. allowedHosts bypasses every check (hostname
// blocklist and resolved-IP range check alike) for the named hosts,
// letting an operator point a webhook at a LAN service deliberately.
func NewGuard(allowedHosts []string) *Guard {
	allowed := make(map[string]bool, len(allowedHosts))
	for _, h := range allowedHosts {
		allowed[strings.ToLower(strings.TrimSuffix(h, "."))] = true
	}
	return &Guard{allowed: allowed}
}

// CheckURL validates scheme and hostname shape. It does not resolve DNS;
// resolved-IP checks happen per-dial in Client's transport, since the
// hostname a caller gives us and the address we actually connect to can
// differ (DNS rebinding).
func (g *Guard) CheckURL(rawURL string) error {
	u, err := parseOutboundURL(rawURL)
	if err != nil {
		return err
	}
	if g.hostAllowed(u.Hostname()) {
		return nil
	}
	return g.checkHostname(u.Hostname())
}

func parseOutboundURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch: invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("fetch: unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("fetch: url has no host")
	}
	return u, nil
}

func (g *Guard) hostAllowed(host string) bool {
	return g.allowed[strings.ToLower(strings.TrimSuffix(host, "."))]
}

func (g *Guard) checkHostname(host string) error {
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		// Not a valid IDN hostname; fall through with the raw value so a
		// literal IP address still gets checked below.
		ascii = host
	}
	ascii = strings.ToLower(ascii)

	if blockedHosts[ascii] {
		return fmt.Errorf("fetch: host %q is blocked", host)
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(ascii, suffix) {
			return fmt.Errorf("fetch: host %q is blocked", host)
		}
	}
	if ip := net.ParseIP(ascii); ip != nil {
		if blockedIP(ip) {
			return fmt.Errorf("fetch: address %s is blocked", ip)
		}
	}
	return nil
}

// blockedIP reports whether ip is loopback, private, link-local,
// unspecified, or in the "this network" 0.0.0.0/8 block.
func blockedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil && ip4[0] == 0 {
		return true
	}
	return false
}

// Client builds an *http.Client that refuses to dial a blocked
// destination even if DNS for an allowed-looking hostname resolves to one
// (rebinding), and that never follows a redirect automatically — a 3xx to
// a blocked address must be surfaced to the caller, not silently chased.
func (g *Guard) Client(timeout time.Duration) *http.Client {
	transport := httpkit.NewTransport()
	dialer := &net.Dialer{Timeout: httpkit.DefaultDialTimeout, KeepAlive: httpkit.DefaultKeepAlive}
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		if g.hostAllowed(host) {
			return dialer.DialContext(ctx, network, addr)
		}

		// Resolve here (rather than letting net.Dialer do it) so the IP we
		// check is the IP we actually connect to; checking the hostname
		// alone would leave a DNS-rebinding gap between validation and dial.
		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("fetch: resolve %q: %w", host, err)
		}
		for _, ipAddr := range ips {
			if blockedIP(ipAddr.IP) {
				return nil, fmt.Errorf("fetch: address %s is blocked", ipAddr.IP)
			}
		}
		return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
	}

	client := httpkit.NewClient(
		httpkit.WithTimeout(timeout),
		httpkit.WithTransport(transport),
	)
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return client
}

// Do checks req's URL against the guard, then performs it with a client
// built for timeout. Redirects are not followed; a 3xx response is
// returned to the caller as-is so it can decide whether to re-validate
// and retry the Location itself.
func (g *Guard) Do(req *http.Request, timeout time.Duration) (*http.Response, error) {
	if err := g.CheckURL(req.URL.String()); err != nil {
		return nil, err
	}
	return g.Client(timeout).Do(req)
}
