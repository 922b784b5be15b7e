package stream

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/taskhive/realtime/internal/event"
	"github.com/taskhive/realtime/internal/metrics"
)

// handleSSE opens the push stream for the authenticated caller. The
// handler goroutine is the connection's single writer: it emits the
// connected event, then alternates between draining the outbox and
// emitting keepalive comment frames until the client goes away, the
// connection is unregistered, or a write fails.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.admit(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	conn := s.reg.Register(sess.UserID)
	metrics.ConnectionsTotal.Set(float64(s.reg.Count()))
	defer func() {
		s.reg.Unregister(conn.ID)
		metrics.ConnectionsTotal.Set(float64(s.reg.Count()))
	}()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessions.Touch(ctx, sess.Token); err != nil {
			log.Printf("stream: session touch user=%s: %v", sess.UserID, err)
		}
	}()

	// The connected event goes straight to the wire, ahead of anything
	// the router may already be fanning into the outbox.
	hello, err := event.MustNew(event.KindConnected, event.ConnectedPayload{
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
	}, event.Users(conn.UserID)).Encode()
	if err != nil {
		log.Printf("stream: encode connected event conn=%s: %v", conn.ID, err)
		return
	}
	if err := writeDataFrame(w, flusher, hello); err != nil {
		return
	}
	conn.Touch()

	log.Printf("stream: sse open conn=%s user=%s (total=%d)", conn.ID, conn.UserID, s.reg.Count())
	defer log.Printf("stream: sse closed conn=%s user=%s", conn.ID, conn.UserID)

	ticker := time.NewTicker(s.config.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case frame, ok := <-conn.Outbox():
			if !ok {
				// Unregistered elsewhere (slow consumer, sweeper,
				// shutdown); stop dispatch immediately.
				return
			}
			if err := writeDataFrame(w, flusher, frame); err != nil {
				return
			}
			conn.Touch()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			conn.Touch()
		}
	}
}

// writeDataFrame writes one SSE data frame: `data: <JSON>\n\n`.
func writeDataFrame(w http.ResponseWriter, f http.Flusher, payload []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	f.Flush()
	return nil
}
