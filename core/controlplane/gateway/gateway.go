package gateway

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/welcomecrm/cadence/core/cadence"
	"github.com/welcomecrm/cadence/core/infra/logging"
	"github.com/welcomecrm/cadence/core/infra/metrics"
)

const (
	component          = "cadence-gateway"
	maxBodyBytes       = 1 << 20
	defaultListLimit   = 100
	maxListLimit       = 1000
	defaultEventsLimit = 200
	// #nosec G101 -- protocol label, not a credential.
	wsAPIKeyProtocol = "cadence-api-key"
)

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// Options wires the gateway to the engine.
type Options struct {
	Manager        *cadence.Manager
	Correlator     *cadence.Correlator
	Hub            *Hub
	Metrics        metrics.GatewayMetrics
	APIKey         string
	AllowedOrigins []string
	RateLimitRPS   int
	RateLimitBurst int
	Checks         map[string]Check
}

// Server exposes instance control, inspection and signal ingestion over HTTP.
type Server struct {
	mgr        *cadence.Manager
	correlator *cadence.Correlator
	hub        *Hub
	metrics    metrics.GatewayMetrics
	apiKey     string
	origins    map[string]struct{}
	limiter    *rate.Limiter
	checks     map[string]Check
	started    time.Time
	upgrader   websocket.Upgrader
}

func New(opts Options) *Server {
	s := &Server{
		mgr:        opts.Manager,
		correlator: opts.Correlator,
		hub:        opts.Hub,
		metrics:    opts.Metrics,
		apiKey:     normalizeAPIKey(opts.APIKey),
		limiter:    newLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		checks:     opts.Checks,
		started:    time.Now(),
	}
	if s.metrics == nil {
		s.metrics = metrics.Noop{}
	}
	if s.hub == nil {
		s.hub = NewHub(0)
	}
	s.origins = make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			s.origins[o] = struct{}{}
		}
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:  s.isAllowedOrigin,
		Subprotocols: []string{wsAPIKeyProtocol},
	}
	return s
}

// Hub returns the live event fan-out fed to websocket clients.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the routed and authenticated API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/v1/status", s.instrumented("/api/v1/status", s.handleStatus))

	// Instance control
	mux.HandleFunc("POST /api/v1/cadences/start", s.instrumented("/api/v1/cadences/start", s.handleStart))
	mux.HandleFunc("POST /api/v1/instances/{id}/cancel", s.instrumented("/api/v1/instances/{id}/cancel", s.handleCancel))
	mux.HandleFunc("POST /api/v1/instances/{id}/pause", s.instrumented("/api/v1/instances/{id}/pause", s.handlePause))
	mux.HandleFunc("POST /api/v1/instances/{id}/resume", s.instrumented("/api/v1/instances/{id}/resume", s.handleResume))
	mux.HandleFunc("POST /api/v1/instances/{id}/retry", s.instrumented("/api/v1/instances/{id}/retry", s.handleRetry))

	// Inspection
	mux.HandleFunc("GET /api/v1/instances", s.instrumented("/api/v1/instances", s.handleListInstances))
	mux.HandleFunc("GET /api/v1/instances/{id}", s.instrumented("/api/v1/instances/{id}", s.handleGetInstance))
	mux.HandleFunc("GET /api/v1/instances/{id}/events", s.instrumented("/api/v1/instances/{id}/events", s.handleInstanceEvents))
	mux.HandleFunc("GET /api/v1/instances/{id}/queue", s.instrumented("/api/v1/instances/{id}/queue", s.handleInstanceQueue))
	mux.HandleFunc("GET /api/v1/queue", s.instrumented("/api/v1/queue", s.handleListQueue))
	mux.HandleFunc("GET /api/v1/events", s.instrumented("/api/v1/events", s.handleRecentEvents))
	mux.HandleFunc("GET /api/v1/templates", s.instrumented("/api/v1/templates", s.handleListTemplates))
	mux.HandleFunc("GET /api/v1/templates/{id}", s.instrumented("/api/v1/templates/{id}", s.handleGetTemplate))
	mux.HandleFunc("GET /api/v1/dead-letters", s.instrumented("/api/v1/dead-letters", s.handleDeadLetters))

	// Signals (webhook equivalent of the bus feed)
	mux.HandleFunc("POST /api/v1/signals", s.instrumented("/api/v1/signals", s.handleSignal))

	// Stream (WebSocket)
	mux.HandleFunc("GET /api/v1/stream", s.instrumented("/api/v1/stream", s.handleStream))

	return s.corsMiddleware(s.rateLimitMiddleware(s.apiKeyMiddleware(mux)))
}

// ListenAndServe serves Handler on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info(component, "http listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.hub.Close()
	return srv.Shutdown(shutdownCtx)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if !s.isAllowedOrigin(r) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) isAllowedOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients often omit Origin.
		return true
	}
	if _, ok := s.origins["*"]; ok {
		return true
	}
	if _, ok := s.origins[origin]; ok {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	if len(s.origins) > 0 {
		return false
	}
	host := strings.ToLower(u.Hostname())
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	reqHost := strings.ToLower(requestHostname(r.Host))
	return reqHost != "" && host == reqHost
}

func requestHostname(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil && host != "" {
		return host
	}
	return hostport
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if !s.limiter.Allow() {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// apiKeyMiddleware enforces the API key on /api/ routes when one is configured.
func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	if s.apiKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		key := apiKeyFromRequest(r)
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func apiKeyFromRequest(r *http.Request) string {
	if key := normalizeAPIKey(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return normalizeAPIKey(auth[7:])
	}
	return apiKeyFromWebSocket(r)
}

func normalizeAPIKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	// Common .env mistake: quoting values.
	key = strings.Trim(key, "\"'")
	return strings.TrimSpace(key)
}

// apiKeyFromWebSocket reads the key from Sec-WebSocket-Protocol, where browsers
// cannot set custom headers.
func apiKeyFromWebSocket(r *http.Request) string {
	protocols := websocket.Subprotocols(r)
	for i, protocol := range protocols {
		if strings.EqualFold(protocol, wsAPIKeyProtocol) && i+1 < len(protocols) {
			return decodeWSAPIKey(protocols[i+1])
		}
		prefix := wsAPIKeyProtocol + "."
		if strings.HasPrefix(strings.ToLower(protocol), prefix) {
			return decodeWSAPIKey(protocol[len(prefix):])
		}
	}
	return ""
}

func decodeWSAPIKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	return raw
}

// newLimiter returns nil when rate limiting is disabled.
func newLimiter(rps, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = rps
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking support to the underlying writer when available.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record metrics.
func (s *Server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
	}
}
