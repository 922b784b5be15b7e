package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/taskhive/realtime/internal/event"
)

func TestDispatchExactThenWildcard(t *testing.T) {
	s := New(Config{BaseURL: "http://unused", Token: "t"})

	var order []string
	var mu sync.Mutex
	s.On(event.KindMessage, func(kind event.Kind, _ json.RawMessage) {
		mu.Lock()
		order = append(order, "exact:"+string(kind))
		mu.Unlock()
	})
	s.On(event.KindWildcard, func(kind event.Kind, _ json.RawMessage) {
		mu.Lock()
		order = append(order, "wild:"+string(kind))
		mu.Unlock()
	})
	s.On(event.KindPresence, func(event.Kind, json.RawMessage) {
		t.Error("presence handler must not fire for a message event")
	})

	s.dispatchFrame([]byte(`{"type":"message","data":{"x":1}}`))

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "exact:message" || order[1] != "wild:message" {
		t.Fatalf("dispatch order = %v", order)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	s := New(Config{BaseURL: "http://unused", Token: "t"})

	var calls int32
	off := s.On(event.KindNotification, func(event.Kind, json.RawMessage) {
		atomic.AddInt32(&calls, 1)
	})

	s.dispatchFrame([]byte(`{"type":"notification","data":{}}`))
	off()
	off() // second call is a no-op
	s.dispatchFrame([]byte(`{"type":"notification","data":{}}`))

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("handler called %d times, want 1", n)
	}
}

func TestMalformedFramesDiscarded(t *testing.T) {
	s := New(Config{BaseURL: "http://unused", Token: "t"})

	var calls int32
	s.On(event.KindWildcard, func(event.Kind, json.RawMessage) {
		atomic.AddInt32(&calls, 1)
	})

	s.dispatchFrame([]byte(`{not json`))
	s.dispatchFrame([]byte(`{"type":"no-such-kind","data":{}}`))
	s.dispatchFrame([]byte(`{"type":"message","data":{}}`))

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("handler called %d times, want 1", n)
	}
}

func TestConsumeSplitsFrames(t *testing.T) {
	s := New(Config{BaseURL: "http://unused", Token: "t"})

	var kinds []event.Kind
	var mu sync.Mutex
	s.On(event.KindWildcard, func(kind event.Kind, _ json.RawMessage) {
		mu.Lock()
		kinds = append(kinds, kind)
		mu.Unlock()
	})

	stream := strings.Join([]string{
		`data: {"type":"connected","data":{"connection_id":"c1","user_id":"u1"}}`,
		``,
		`: keepalive`,
		``,
		`data: {"type":"message","data":{"text":"hi"}}`,
		``,
	}, "\n") + "\n"

	s.consume(context.Background(), strings.NewReader(stream))

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 2 || kinds[0] != event.KindConnected || kinds[1] != event.KindMessage {
		t.Fatalf("kinds = %v", kinds)
	}
}

func TestConnectUnauthorized(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusUnauthorized)
	}))
	defer ts.Close()

	s := New(Config{BaseURL: ts.URL, Token: "expired"})
	if err := s.Connect(context.Background()); err != ErrUnauthorized {
		t.Fatalf("Connect err = %v, want ErrUnauthorized", err)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", s.State())
	}
}

func TestConnectAndReceive(t *testing.T) {
	frames := make(chan string, 4)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok" {
			http.Error(w, "no", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		flusher.Flush()
		for frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
	}))
	defer ts.Close()

	s := New(Config{BaseURL: ts.URL, Token: "tok"})
	got := make(chan json.RawMessage, 1)
	s.On(event.KindNotification, func(_ event.Kind, data json.RawMessage) {
		got <- data
	})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	if s.State() != StateConnected {
		t.Fatalf("state = %s, want connected", s.State())
	}

	frames <- `{"type":"notification","data":{"title":"task accepted"}}`
	select {
	case data := <-got:
		if !strings.Contains(string(data), "task accepted") {
			t.Fatalf("unexpected payload: %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never dispatched")
	}
	close(frames)
}

func TestReconnectWaitsFixedDelay(t *testing.T) {
	var dials []time.Time
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dials = append(dials, time.Now())
		n := len(dials)
		mu.Unlock()
		if n == 1 {
			// First stream dies immediately after opening.
			w.Header().Set("Content-Type", "text/event-stream")
			w.(http.Flusher).Flush()
			return
		}
		// Second stream stays open.
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer ts.Close()

	states := make(chan State, 16)
	s := New(Config{
		BaseURL:        ts.URL,
		Token:          "tok",
		ReconnectDelay: time.Second, // the configurable floor
		OnStateChange:  func(st State) { states <- st },
	})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	waitForState := func(want State) {
		deadline := time.After(5 * time.Second)
		for {
			select {
			case st := <-states:
				if st == want {
					return
				}
			case <-deadline:
				t.Fatalf("never reached state %s", want)
			}
		}
	}

	waitForState(StateReconnecting)
	waitForState(StateConnected)

	mu.Lock()
	defer mu.Unlock()
	if len(dials) < 2 {
		t.Fatalf("expected a redial, got %d dials", len(dials))
	}
	if gap := dials[1].Sub(dials[0]); gap < 900*time.Millisecond {
		t.Fatalf("redial after %s, want at least the configured delay", gap)
	}
}

func TestCloseStopsReconnect(t *testing.T) {
	var dials int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dials, 1)
		// Every stream dies immediately, keeping the client in its
		// retry loop until Close.
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
	}))
	defer ts.Close()

	s := New(Config{BaseURL: ts.URL, Token: "tok", ReconnectDelay: time.Second})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	s.Close()
	time.Sleep(100 * time.Millisecond)
	settled := atomic.LoadInt32(&dials)

	// No retry timer is pending anymore; the dial count must not move.
	time.Sleep(1500 * time.Millisecond)
	if n := atomic.LoadInt32(&dials); n != settled {
		t.Fatalf("dials advanced from %d to %d after Close", settled, n)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", s.State())
	}
}

func TestConnectTwiceRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer ts.Close()

	s := New(Config{BaseURL: ts.URL, Token: "tok"})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("second Connect must fail while started")
	}
}
