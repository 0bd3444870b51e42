// Package credentialproxy implements the in-sandbox credential-injection
// reverse proxy: a set of loopback HTTP listeners that accept plaintext
// requests authenticated by a shared session token, and forward them to a
// fixed upstream host over TLS with the real credential injected.
//
// Grounded on internal/server/anthropic_proxy.go's httputil.ReverseProxy +
// Director pattern, generalized from one hardcoded Anthropic route to N
// configured routes read from JSON on stdin (original_source's
// primordial/sandbox/proxy_script.py), with the auth check, malformed-request
// rejection, and response header allowlisting spec.md mandates layered in —
// the teacher's version trusted its own database to have already
// authenticated the sandbox; this proxy runs unsupervised inside a
// potentially-compromised guest OS and cannot trust its caller at all.
package credentialproxy

import (
	"strings"
)

// Route is one loopback-port <-> upstream mapping.
type Route struct {
	Port         int    `json:"port"`
	UpstreamHost string `json:"upstream_host"`
	RealKey      string `json:"real_key"`
	// AuthStyle is either "bearer" or a header name (e.g. "x-api-key"),
	// used both to validate the incoming session token and to inject the
	// real key upstream in the same header shape the provider's SDK
	// expects.
	AuthStyle string `json:"auth_style"`
}

// Config is the single JSON line the supervisor writes to the proxy
// process's stdin at startup.
type Config struct {
	SessionToken string  `json:"session_token"`
	Routes       []Route `json:"routes"`
}

// ReadyMessage is the single JSON line the proxy writes to its own stdout
// once every route is listening.
type ReadyMessage struct {
	Status string `json:"status"`
	Ports  []int  `json:"ports"`
}

const (
	// maxRequestBody enforces spec.md §4.3 step 2's 100 MiB cap.
	maxRequestBody = 100 << 20

	// connReadTimeoutSeconds bounds each accepted connection, per spec.md §4.3
	// step 6 and §5's thread-exhaustion defense.
	connReadTimeoutSeconds = 60
)

// safeResponseHeaders is the fixed allowlist of response headers forwarded
// to the agent, per spec.md §4.3 step 5.
var safeResponseHeaderPrefixes = []string{"x-ratelimit-"}

var safeResponseHeaders = map[string]bool{
	"content-type":     true,
	"content-length":   true,
	"content-encoding": true,
	"date":             true,
	"server":           true,
	"x-request-id":     true,
	"retry-after":      true,
	"cache-control":    true,
}

func isSafeResponseHeader(name string) bool {
	lower := strings.ToLower(name)
	if safeResponseHeaders[lower] {
		return true
	}
	for _, prefix := range safeResponseHeaderPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// hopByHopHeaders are stripped from the outbound (upstream) request.
var hopByHopHeaders = []string{"Host", "Transfer-Encoding", "Connection", "Proxy-Connection"}

// ingressAuthHeaders are stripped from the outbound request regardless of
// which one this route actually uses for incoming auth, so the real
// session token never leaks upstream, and so an agent can't smuggle a
// second auth header past the injected one.
var ingressAuthHeaders = []string{"X-Api-Key", "Authorization"}
