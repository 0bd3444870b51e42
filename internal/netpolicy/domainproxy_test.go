package netpolicy

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
)

func TestDomainProxy_AllowsAllowlistedBlocksOthers(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	upstreamURL, _ := url.Parse(upstream.URL)

	p, err := StartDomainProxy([]string{upstreamURL.Hostname()})
	if err != nil {
		t.Fatalf("StartDomainProxy: %v", err)
	}
	defer p.Close()

	proxyURL, _ := url.Parse("http://127.0.0.1:" + strconv.Itoa(p.Port()))
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}

	resp, err := client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("allowlisted request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	resp2, err := client.Get("https://definitely-not-allowlisted.example.invalid/")
	if err != nil {
		// Some transports surface the CONNECT 403 as a transport error;
		// either outcome means the connection was not established.
		return
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403 for non-allowlisted host", resp2.StatusCode)
	}
	blocked := p.BlockedAttempts()
	if len(blocked) == 0 {
		t.Error("expected a recorded blocked attempt")
	}
}
