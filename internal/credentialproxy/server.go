package credentialproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentsupervisor/agentsupervisor/internal/vault"
)

// Server runs one listener per configured route.
type Server struct {
	cfg Config

	// httpClient is used to reach each route's upstream host. Defaults to
	// a client with certificate validation on; tests may override it to
	// point at an httptest TLS server.
	httpClient *http.Client

	mu       sync.Mutex
	servers  []*http.Server
	listened []int
}

// NewServer constructs a Server for cfg. Routes are not yet listening —
// call Start.
func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg}
}

// Start binds every route's loopback listener and begins serving. It
// returns once every route is listening (or the first bind error).
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, route := range s.cfg.Routes {
		route := route
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", route.Port))
		if err != nil {
			s.closeLocked()
			return fmt.Errorf("credential-proxy: listen on port %d: %w", route.Port, err)
		}
		srv := &http.Server{
			Handler:     s.routeHandler(route),
			ReadTimeout: connReadTimeoutSeconds * time.Second,
		}
		s.servers = append(s.servers, srv)
		s.listened = append(s.listened, route.Port)
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("credential-proxy: route %d: serve: %v", route.Port, err)
			}
		}()
	}
	return nil
}

// ListeningPorts returns the ports every route bound to, in config order.
func (s *Server) ListeningPorts() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.listened))
	copy(out, s.listened)
	return out
}

// Shutdown stops every route's listener, closing active connections
// immediately rather than draining them; ctx is not used.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	_ = ctx
}

func (s *Server) closeLocked() {
	for _, srv := range s.servers {
		_ = srv.Close()
	}
	s.servers = nil
	s.listened = nil
}

// routeHandler builds the per-route HTTP handler implementing spec.md
// §4.3's per-request protocol.
func (s *Server) routeHandler(route Route) http.HandlerFunc {
	client := s.httpClient
	if client == nil {
		client = &http.Client{Transport: &http.Transport{
			TLSClientConfig: &tls.Config{}, // default: certificate validation on
		}}
	}

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")

		if !authenticate(r, route, s.cfg.SessionToken) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		if strings.ContainsAny(r.URL.Path, "\r\n") {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if te := r.Header.Get("Transfer-Encoding"); te != "" && !strings.EqualFold(te, "identity") {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if r.ContentLength < -1 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if r.ContentLength > maxRequestBody {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return
		}

		upstreamReq, err := buildUpstreamRequest(r, route)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		resp, err := client.Do(upstreamReq)
		if err != nil {
			// Never surface upstream exception text.
			http.Error(w, "Upstream connection failed", http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		for key, values := range resp.Header {
			if !isSafeResponseHeader(key) {
				continue
			}
			for _, v := range values {
				w.Header().Add(key, v)
			}
		}
		w.Header().Set("Connection", "close")
		w.WriteHeader(resp.StatusCode)

		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if _, writeErr := w.Write(buf[:n]); writeErr != nil {
					return
				}
				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}
			}
			if readErr != nil {
				if readErr != io.EOF {
					log.Printf("credential-proxy: route %d: stream upstream body: %v", route.Port, readErr)
				}
				return
			}
		}
	}
}

// authenticate checks the inbound request's auth header against the
// shared session token using a constant-time comparison, per spec.md §4.3
// step 1 and invariant 8.
func authenticate(r *http.Request, route Route, sessionToken string) bool {
	if strings.EqualFold(route.AuthStyle, "bearer") {
		got := r.Header.Get("Authorization")
		want := "Bearer " + sessionToken
		return vault.ConstantTimeEqual(got, want)
	}
	got := r.Header.Get(route.AuthStyle)
	return vault.ConstantTimeEqual(got, sessionToken)
}

// buildUpstreamRequest copies r into a new request aimed at the route's
// upstream host over HTTPS, stripping hop-by-hop and ingress-auth headers
// and injecting the real credential.
func buildUpstreamRequest(r *http.Request, route Route) (*http.Request, error) {
	upstreamURL := *r.URL
	upstreamURL.Scheme = "https"
	upstreamURL.Host = route.UpstreamHost

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL.String(), r.Body)
	if err != nil {
		return nil, err
	}
	upstreamReq.ContentLength = r.ContentLength

	for key, values := range r.Header {
		if isStripped(key) {
			continue
		}
		for _, v := range values {
			upstreamReq.Header.Add(key, v)
		}
	}
	upstreamReq.Host = route.UpstreamHost
	upstreamReq.Header.Set("Host", route.UpstreamHost)

	if strings.EqualFold(route.AuthStyle, "bearer") {
		upstreamReq.Header.Set("Authorization", "Bearer "+route.RealKey)
	} else {
		upstreamReq.Header.Set(route.AuthStyle, route.RealKey)
	}
	return upstreamReq, nil
}

func isStripped(header string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	for _, h := range ingressAuthHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

// PortsString renders ports as a comma-separated list, used for log lines.
func PortsString(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}
