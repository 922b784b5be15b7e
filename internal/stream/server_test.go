package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/taskhive/realtime/internal/chat"
	"github.com/taskhive/realtime/internal/event"
	"github.com/taskhive/realtime/internal/registry"
	"github.com/taskhive/realtime/internal/router"
	"github.com/taskhive/realtime/internal/session"
	"github.com/taskhive/realtime/internal/typing"
)

type fakeSessions struct {
	byToken map[string]string // token -> userID
}

func (f *fakeSessions) Validate(_ context.Context, token string) (*session.Session, error) {
	userID, ok := f.byToken[token]
	if !ok {
		return nil, session.ErrNotFound
	}
	return &session.Session{Token: token, UserID: userID}, nil
}

func (f *fakeSessions) Touch(context.Context, string) error { return nil }

type fakeDirectory struct {
	participants map[string][]string
}

func (d *fakeDirectory) Participants(_ context.Context, taskID string) ([]string, error) {
	if ids, ok := d.participants[taskID]; ok {
		return ids, nil
	}
	return nil, chat.ErrTaskNotFound
}

type fakeInserter struct {
	inserted []*chat.Message
}

func (f *fakeInserter) Insert(_ context.Context, msg *chat.Message) error {
	f.inserted = append(f.inserted, msg)
	return nil
}

type testEnv struct {
	reg      *registry.Registry
	rt       *router.Router
	inserter *fakeInserter
	ts       *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	reg := registry.New()
	rt := router.New(reg)
	dir := &fakeDirectory{participants: map[string][]string{
		"t1": {"alice", "bob"},
	}}
	inserter := &fakeInserter{}

	config := DefaultServerConfig()
	config.KeepaliveInterval = 40 * time.Millisecond

	srv := NewServer(config, Deps{
		Registry: reg,
		Sessions: &fakeSessions{byToken: map[string]string{
			"tok-alice": "alice",
			"tok-bob":   "bob",
			"tok-carol": "carol",
		}},
		Typing:    typing.NewCoordinator(rt, dir),
		Deliverer: chat.NewDeliverer(inserter, rt),
		Directory: dir,
	})
	srv.startedAt = time.Now()

	mux := http.NewServeMux()
	srv.registerRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ts.Close()
		reg.Shutdown()
	})

	return &testEnv{reg: reg, rt: rt, inserter: inserter, ts: ts}
}

// openStream opens the SSE endpoint and returns a reader positioned at
// the start of the stream body.
func (e *testEnv) openStream(t *testing.T, token string) (*bufio.Reader, func()) {
	t.Helper()
	resp, err := http.Get(e.ts.URL + "/realtime?token=" + token)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("stream status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	return bufio.NewReader(resp.Body), func() { resp.Body.Close() }
}

// streamReader owns the single goroutine that pulls lines off one
// stream. nextDataFrame reuses it across calls on the same reader; a
// fresh goroutine per call would keep reading after its call returned
// and swallow the frames meant for the next call.
type streamReader struct {
	lines chan string
	errs  chan error
}

var (
	streamReadersMu sync.Mutex
	streamReaders   = map[*bufio.Reader]*streamReader{}
)

func readerFor(r *bufio.Reader) *streamReader {
	streamReadersMu.Lock()
	defer streamReadersMu.Unlock()
	sr, ok := streamReaders[r]
	if !ok {
		sr = &streamReader{lines: make(chan string, 16), errs: make(chan error, 1)}
		streamReaders[r] = sr
		go func() {
			for {
				line, err := r.ReadString('\n')
				if err != nil {
					sr.errs <- err
					return
				}
				sr.lines <- line
			}
		}()
	}
	return sr
}

// nextDataFrame reads lines until a complete data frame arrives,
// skipping comment keepalives, and returns the decoded envelope.
func nextDataFrame(t *testing.T, r *bufio.Reader) (string, json.RawMessage) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	sr := readerFor(r)
	lines, errs := sr.lines, sr.errs

	var data []byte
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for data frame")
		case err := <-errs:
			t.Fatalf("read stream: %v", err)
		case line := <-lines:
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				if data == nil {
					continue
				}
				var wire struct {
					Type string          `json:"type"`
					Data json.RawMessage `json:"data"`
				}
				if err := json.Unmarshal(data, &wire); err != nil {
					t.Fatalf("unmarshal frame %q: %v", data, err)
				}
				return wire.Type, wire.Data
			case strings.HasPrefix(line, ":"):
				continue
			case strings.HasPrefix(line, "data:"):
				data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")...)
			}
		}
	}
}

func TestStreamRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/realtime")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	resp, err = http.Get(env.ts.URL + "/realtime?token=bogus")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", resp.StatusCode)
	}
}

func TestStreamConnectedEventFirst(t *testing.T) {
	env := newTestEnv(t)

	r, closeStream := env.openStream(t, "tok-alice")
	defer closeStream()

	kind, data := nextDataFrame(t, r)
	if kind != string(event.KindConnected) {
		t.Fatalf("first frame kind = %s, want %s", kind, event.KindConnected)
	}
	var p event.ConnectedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal connected payload: %v", err)
	}
	if p.UserID != "alice" || p.ConnectionID == "" {
		t.Fatalf("unexpected connected payload: %+v", p)
	}
}

func TestStreamDeliversPublishedEvents(t *testing.T) {
	env := newTestEnv(t)

	r, closeStream := env.openStream(t, "tok-alice")
	defer closeStream()
	nextDataFrame(t, r) // connected

	env.rt.Publish(event.MustNew(event.KindTaskCreated,
		map[string]string{"task_id": "t9"}, event.Users("alice")))

	kind, data := nextDataFrame(t, r)
	if kind != string(event.KindTaskCreated) {
		t.Fatalf("frame kind = %s, want %s", kind, event.KindTaskCreated)
	}
	if !bytes.Contains(data, []byte("t9")) {
		t.Fatalf("payload missing task id: %s", data)
	}
}

func TestStreamKeepalive(t *testing.T) {
	env := newTestEnv(t)

	r, closeStream := env.openStream(t, "tok-alice")
	defer closeStream()
	nextDataFrame(t, r) // connected

	// With a 40ms interval and no traffic, a comment frame must show up
	// well within the deadline.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, ":") {
			return
		}
	}
	t.Fatal("no keepalive comment observed")
}

func TestTypingEndpointRelays(t *testing.T) {
	env := newTestEnv(t)

	// bob listens; alice types.
	bobStream, closeBob := env.openStream(t, "tok-bob")
	defer closeBob()
	nextDataFrame(t, bobStream) // connected

	body, _ := json.Marshal(map[string]any{
		"task_id": "t1", "user_id": "alice", "is_typing": true,
	})
	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/chat/typing", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok-alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	kind, data := nextDataFrame(t, bobStream)
	if kind != string(event.KindTyping) {
		t.Fatalf("frame kind = %s, want %s", kind, event.KindTyping)
	}
	var p event.TypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal typing payload: %v", err)
	}
	if p.TaskID != "t1" || p.UserID != "alice" || !p.IsTyping {
		t.Fatalf("unexpected typing payload: %+v", p)
	}
}

func TestTypingRejectsImpersonation(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(map[string]any{
		"task_id": "t1", "user_id": "bob", "is_typing": true,
	})
	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/chat/typing", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok-alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSendMessagePersistsAndPushes(t *testing.T) {
	env := newTestEnv(t)

	bobStream, closeBob := env.openStream(t, "tok-bob")
	defer closeBob()
	nextDataFrame(t, bobStream) // connected

	body, _ := json.Marshal(map[string]any{
		"task_id": "t1", "receiver_id": "bob", "content": "hello bob",
	})
	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/chat/messages", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok-alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	if len(env.inserter.inserted) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", len(env.inserter.inserted))
	}
	stored := env.inserter.inserted[0]
	if stored.SenderID != "alice" || stored.ReceiverID != "bob" {
		t.Fatalf("unexpected stored message: %+v", stored)
	}

	kind, data := nextDataFrame(t, bobStream)
	if kind != string(event.KindMessage) {
		t.Fatalf("frame kind = %s, want %s", kind, event.KindMessage)
	}
	var p chat.MessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal message payload: %v", err)
	}
	if p.Message.Content != "hello bob" {
		t.Fatalf("unexpected message payload: %+v", p)
	}
}

func TestSendMessageRejectsOutsiders(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(map[string]any{
		"task_id": "t1", "receiver_id": "alice", "content": "let me in",
	})
	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/chat/messages", bytes.NewReader(body))
	// carol has a valid session but is not a participant of t1.
	req.Header.Set("Authorization", "Bearer tok-carol")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/health")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var health struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("status field = %q", health.Status)
	}
}
