package credentialproxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
)

func newTestServer(t *testing.T, upstream *httptest.Server, authStyle, sessionToken, realKey string) (*Server, int) {
	t.Helper()
	u, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatal(err)
	}

	ln := mustFreePort(t)
	cfg := Config{
		SessionToken: sessionToken,
		Routes: []Route{
			{Port: ln, UpstreamHost: u.Host, RealKey: realKey, AuthStyle: authStyle},
		},
	}
	s := NewServer(cfg)
	s.httpClient = upstream.Client()
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s, ln
}

// mustFreePort asks the OS for an ephemeral port, then immediately closes
// the listener so the proxy server can rebind it.
func mustFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestProxy_InjectsRealKeyAndAuthenticatesSessionToken(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("x-api-key")
		if r.Header.Get("Authorization") != "" {
			t.Error("Authorization header leaked upstream for an x-api-key route")
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	s, port := newTestServer(t, upstream, "x-api-key", "sk-ant-proxy01-test", "sk-real-upstream-key")

	req, _ := http.NewRequest("POST", "http://127.0.0.1:"+strconv.Itoa(port)+"/v1/messages", nil)
	req.Header.Set("x-api-key", "sk-ant-proxy01-test")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if gotAuth != "sk-real-upstream-key" {
		t.Errorf("upstream saw x-api-key = %q, want real key", gotAuth)
	}
	_ = s
}

func TestProxy_RejectsWrongSessionToken(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	_, port := newTestServer(t, upstream, "x-api-key", "correct-token", "sk-real")

	req, _ := http.NewRequest("GET", "http://127.0.0.1:"+strconv.Itoa(port)+"/", nil)
	req.Header.Set("x-api-key", "wrong-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestProxy_RejectsCRLFInPath(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	_, port := newTestServer(t, upstream, "bearer", "tok", "sk-real")

	req, _ := http.NewRequest("GET", "http://127.0.0.1:"+strconv.Itoa(port)+"/a%0d%0ab", nil)
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestProxy_BearerAuthStyle(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	_, port := newTestServer(t, upstream, "bearer", "tok", "sk-real-bearer")

	req, _ := http.NewRequest("GET", "http://127.0.0.1:"+strconv.Itoa(port)+"/", nil)
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if gotAuth != "Bearer sk-real-bearer" {
		t.Errorf("upstream saw Authorization = %q", gotAuth)
	}
}
