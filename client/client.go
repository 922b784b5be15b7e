// Package client provides the Go subscriber for the taskhive push
// stream. It opens and maintains the SSE connection, exposes a typed
// subscribe/unsubscribe API, and reconnects with a fixed delay after
// transport errors. UI features register interest per event kind and
// never see transport failures, only a reconnecting status.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskhive/realtime/internal/event"
)

// State is the subscriber's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrUnauthorized is returned by Connect when the server rejects the
// stream open. Auth failure is the one user-visible error here; it is
// surfaced to the caller and never retried with backoff.
var ErrUnauthorized = errors.New("client: stream open rejected, authentication required")

// DefaultReconnectDelay is the fixed delay between reconnect attempts.
// There is no exponential backoff; the delay is constant.
const DefaultReconnectDelay = 3 * time.Second

// minReconnectDelay is the floor below which the delay is never
// configured, so a broken server cannot induce a tight retry loop.
const minReconnectDelay = 1 * time.Second

// Handler receives a dispatched event. Data is the raw JSON payload of
// the envelope's "data" field.
type Handler func(kind event.Kind, data json.RawMessage)

// Config holds subscriber settings.
type Config struct {
	BaseURL        string        // server base URL, e.g. "http://localhost:8080"
	Token          string        // session token of the authenticated user
	ReconnectDelay time.Duration // 0 means DefaultReconnectDelay
	HTTPClient     *http.Client  // nil means a default streaming client
	OnStateChange  func(State)   // optional; called on every transition
}

// Subscriber maintains the push connection and dispatches incoming
// envelopes to registered listeners.
type Subscriber struct {
	config Config

	mu        sync.Mutex
	listeners map[event.Kind]map[int]Handler
	nextID    int
	cancel    context.CancelFunc
	started   bool

	state atomic.Int32
}

// New creates a Subscriber. Call Connect once the user is authenticated.
func New(config Config) *Subscriber {
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = DefaultReconnectDelay
	}
	if config.ReconnectDelay < minReconnectDelay {
		config.ReconnectDelay = minReconnectDelay
	}
	if config.HTTPClient == nil {
		// No overall timeout: the stream request is long-lived.
		config.HTTPClient = &http.Client{}
	}
	return &Subscriber{
		config:    config,
		listeners: make(map[event.Kind]map[int]Handler),
	}
}

// State returns the current connection state.
func (s *Subscriber) State() State {
	return State(s.state.Load())
}

func (s *Subscriber) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st && s.config.OnStateChange != nil {
		s.config.OnStateChange(st)
	}
}

// On registers a handler for the given event kind. event.KindWildcard
// receives every event after the exact-kind handlers. The returned
// unsubscribe closure is idempotent: calling it twice, or after Close
// has torn the listener set down, is a no-op.
func (s *Subscriber) On(kind event.Kind, handler Handler) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	set, ok := s.listeners[kind]
	if !ok {
		set = make(map[int]Handler)
		s.listeners[kind] = set
	}
	set[id] = handler
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if set, ok := s.listeners[kind]; ok {
			delete(set, id)
		}
		s.mu.Unlock()
	}
}

// Connect opens the stream. It blocks until the first connection attempt
// resolves: on auth rejection it returns ErrUnauthorized and does not
// retry; on success (or a plain transport failure, which enters the
// reconnect loop) it returns nil and maintains the connection in the
// background until Close.
func (s *Subscriber) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("client: already connected")
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.setState(StateConnecting)
	body, err := s.dial(runCtx)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) || runCtx.Err() != nil {
			s.teardown()
			if runCtx.Err() != nil {
				return runCtx.Err()
			}
			return ErrUnauthorized
		}
		// Transport failure on first dial: hand off to the retry loop.
		s.setState(StateReconnecting)
		go s.run(runCtx, nil)
		return nil
	}

	s.setState(StateConnected)
	go s.run(runCtx, body)
	return nil
}

// Close disconnects and cancels any pending retry timer. A logout must
// call Close; the subscriber never reconnects after it. Safe to call
// multiple times.
func (s *Subscriber) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Subscriber) teardown() {
	s.mu.Lock()
	s.started = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	s.setState(StateDisconnected)
}

// run owns the connection lifecycle after the initial dial: consume
// until the transport fails, wait the fixed delay, redial, repeat.
func (s *Subscriber) run(ctx context.Context, body io.ReadCloser) {
	defer s.teardown()

	for {
		if body != nil {
			s.consume(ctx, body)
			body.Close()
			body = nil
		}
		if ctx.Err() != nil {
			return
		}

		s.setState(StateReconnecting)
		timer := time.NewTimer(s.config.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.setState(StateConnecting)
		b, err := s.dial(ctx)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				// The session died while we were away; retrying cannot
				// help until the user signs in again.
				log.Printf("client: reconnect rejected: %v", err)
				return
			}
			continue
		}
		body = b
		s.setState(StateConnected)
	}
}

// dial opens one SSE request and validates the response.
func (s *Subscriber) dial(ctx context.Context) (io.ReadCloser, error) {
	url := s.config.BaseURL + "/realtime?token=" + s.config.Token
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		resp.Body.Close()
		return nil, ErrUnauthorized
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("client: unexpected status %d", resp.StatusCode)
	}
}

// consume reads SSE frames off the stream until it errors or the context
// is cancelled. Comment frames (leading ':') are keepalives and are
// ignored rather than treated as malformed input.
func (s *Subscriber) consume(ctx context.Context, body io.Reader) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	var data bytes.Buffer
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()

		switch {
		case len(line) == 0:
			// Blank line terminates a frame.
			if data.Len() > 0 {
				s.dispatchFrame(data.Bytes())
				data.Reset()
			}
		case line[0] == ':':
			// Keepalive comment.
		case bytes.HasPrefix(line, []byte("data:")):
			payload := bytes.TrimPrefix(line, []byte("data:"))
			payload = bytes.TrimPrefix(payload, []byte(" "))
			data.Write(payload)
		default:
			// Other SSE fields (event:, id:, retry:) are not used by
			// this protocol; skip them.
		}
	}
}

// dispatchFrame parses one envelope and dispatches it. A frame that
// fails to parse is logged and discarded; it must not take down the
// dispatch loop or the connection.
func (s *Subscriber) dispatchFrame(frame []byte) {
	var wire struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &wire); err != nil {
		log.Printf("client: malformed frame discarded: %v", err)
		return
	}
	kind, err := event.ParseKind(wire.Type)
	if err != nil {
		log.Printf("client: frame discarded: %v", err)
		return
	}

	// Exact-kind listeners first, then wildcard listeners; both sets
	// receive the event if present.
	s.mu.Lock()
	handlers := make([]Handler, 0, 4)
	for _, h := range s.listeners[kind] {
		handlers = append(handlers, h)
	}
	for _, h := range s.listeners[event.KindWildcard] {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(kind, wire.Data)
	}
}
