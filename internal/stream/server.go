// Package stream exposes the realtime push surface over HTTP: the SSE
// stream at /realtime, a WebSocket equivalent at /realtime/ws, the
// typing indicator endpoint, and health/metrics. It upgrades and
// authenticates connections, registers them with the registry, and runs
// one writer goroutine per connection that drains the connection's
// outbox onto the wire.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/taskhive/realtime/internal/chat"
	"github.com/taskhive/realtime/internal/metrics"
	"github.com/taskhive/realtime/internal/presence"
	"github.com/taskhive/realtime/internal/ratelimit"
	"github.com/taskhive/realtime/internal/registry"
	"github.com/taskhive/realtime/internal/session"
	"github.com/taskhive/realtime/internal/typing"
)

// ServerConfig holds tunable parameters for the push server.
type ServerConfig struct {
	ListenAddr        string        // address to listen on, e.g. ":8080"
	MaxConnections    int           // hard cap on total connections
	WriteTimeout      time.Duration // timeout for a single frame write
	KeepaliveInterval time.Duration // idle interval between comment frames
}

// DefaultServerConfig returns a ServerConfig with sensible production
// defaults. The keepalive interval stays under common proxy idle
// timeouts so intermediaries do not cut otherwise-quiet streams.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:        ":8080",
		MaxConnections:    100000,
		WriteTimeout:      10 * time.Second,
		KeepaliveInterval: 25 * time.Second,
	}
}

// SessionValidator is the slice of the session store the push server
// needs: resolving tokens on stream open and refreshing activity.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (*session.Session, error)
	Touch(ctx context.Context, token string) error
}

// Deps bundles the collaborators the push server is wired with. The
// router itself is never touched here: handlers publish only through the
// typing coordinator and the chat deliverer, which were themselves
// constructed with the router by dependency injection in main. Optional
// fields may be nil; their routes are simply not registered.
type Deps struct {
	Registry  *registry.Registry
	Sessions  SessionValidator
	Typing    *typing.Coordinator
	Limiter   *ratelimit.Limiter   // optional; nil disables throttling
	Deliverer *chat.Deliverer      // optional; enables POST /chat/messages
	History   *chat.Store          // optional; enables GET /chat/messages
	Directory typing.TaskDirectory // required when Deliverer is set
	Presence  *presence.Store      // optional; enables GET /presence/online
}

// Server is the HTTP push server.
type Server struct {
	config   ServerConfig
	reg      *registry.Registry
	sessions SessionValidator
	typing   *typing.Coordinator
	limiter  *ratelimit.Limiter
	deps     Deps

	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server over the given dependencies.
func NewServer(config ServerConfig, deps Deps) *Server {
	return &Server{
		config:   config,
		reg:      deps.Registry,
		sessions: deps.Sessions,
		typing:   deps.Typing,
		limiter:  deps.Limiter,
		deps:     deps,
		done:     make(chan struct{}),
	}
}

// Start registers routes and blocks on ListenAndServe.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	log.Printf("stream: server listening on %s (max_conns=%d, keepalive=%s)",
		s.config.ListenAddr, s.config.MaxConnections, s.config.KeepaliveInterval)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("stream: http server error: %w", err)
	}
	return nil
}

// registerRoutes wires the HTTP surface. Split out so tests can mount
// the handlers on an httptest server.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /realtime", s.handleSSE)
	mux.HandleFunc("GET /realtime/ws", s.handleWS)
	mux.HandleFunc("POST /chat/typing", s.handleTyping)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	if s.deps.Deliverer != nil {
		mux.HandleFunc("POST /chat/messages", s.handleSendMessage)
	}
	if s.deps.History != nil {
		mux.HandleFunc("GET /chat/messages", s.handleHistory)
	}
	if s.deps.Presence != nil {
		mux.HandleFunc("GET /presence/online", s.handleOnline)
	}
}

// Done exposes the server's shutdown signal so per-connection goroutines
// and background sweepers can terminate with it.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Shutdown stops the HTTP listener and unregisters every connection,
// which closes all outboxes and lets writer goroutines drain out.
func (s *Server) Shutdown() error {
	log.Println("stream: shutting down server...")
	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("stream: http shutdown error: %v", err)
	}

	s.reg.Shutdown()
	log.Printf("stream: server stopped, all connections closed")
	return nil
}

// authenticate resolves the caller's session from the Authorization
// header, the session cookie, or a token query parameter (EventSource
// cannot set headers). Returns session.ErrNotFound for missing or
// invalid credentials.
func (s *Server) authenticate(r *http.Request) (*session.Session, error) {
	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	} else if c, err := r.Cookie("session"); err == nil {
		token = c.Value
	} else {
		token = r.URL.Query().Get("token")
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	return s.sessions.Validate(ctx, token)
}

// typingRequest is the body of POST /chat/typing.
type typingRequest struct {
	TaskID   string `json:"task_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// handleTyping feeds explicit start/stop typing calls into the
// coordinator. The user ID in the body must match the authenticated
// session: clients cannot impersonate each other's indicators.
func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	sess, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var req typingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.TypingRequests.WithLabelValues("rejected").Inc()
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TaskID == "" || req.UserID != sess.UserID {
		metrics.TypingRequests.WithLabelValues("rejected").Inc()
		http.Error(w, "invalid typing request", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _ := s.limiter.Allow(r.Context(), sess.UserID, ratelimit.RuleTyping)
		if !allowed {
			metrics.TypingRequests.WithLabelValues("rate_limited").Inc()
			http.Error(w, "too many typing updates", http.StatusTooManyRequests)
			return
		}
	}

	if req.IsTyping {
		err = s.typing.StartTyping(r.Context(), req.TaskID, req.UserID)
	} else {
		err = s.typing.StopTyping(r.Context(), req.TaskID, req.UserID)
	}
	if err != nil {
		log.Printf("stream: typing relay user=%s task=%s: %v", req.UserID, req.TaskID, err)
		metrics.TypingRequests.WithLabelValues("rejected").Inc()
		http.Error(w, "typing relay failed", http.StatusForbidden)
		return
	}

	metrics.TypingRequests.WithLabelValues("ok").Inc()
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth responds with the server's health status as JSON,
// including the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.reg.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// admit runs the checks shared by both transports before a connection is
// registered. It writes the HTTP error response itself and reports
// whether the caller may proceed.
func (s *Server) admit(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.authenticate(r)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			log.Printf("stream: session lookup failed: %v", err)
		}
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return nil, false
	}

	if s.reg.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return nil, false
	}

	if s.limiter != nil {
		allowed, _ := s.limiter.Allow(r.Context(), sess.UserID, ratelimit.RuleStreamOpen)
		if !allowed {
			http.Error(w, "too many stream opens", http.StatusTooManyRequests)
			return nil, false
		}
	}

	return sess, true
}
