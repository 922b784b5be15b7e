package stream

import (
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/taskhive/realtime/internal/event"
	"github.com/taskhive/realtime/internal/metrics"
)

// wsConn wraps the upgraded TCP connection with a write mutex so the
// writer goroutine's text frames and keepalive pings never interleave.
type wsConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (c *wsConn) writeText(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

func (c *wsConn) writePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.conn, ws.NewPingFrame(nil))
}

// handleWS serves the same envelope stream over WebSocket for clients
// that cannot hold an EventSource. Frames carry the identical
// {"type", "data"} JSON; keepalive uses protocol-level pings instead of
// comment lines.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.admit(w, r)
	if !ok {
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("stream: ws upgrade failed: %v", err)
		return
	}

	conn := s.reg.Register(sess.UserID)
	metrics.ConnectionsTotal.Set(float64(s.reg.Count()))
	wc := &wsConn{conn: netConn}

	cleanup := func() {
		s.reg.Unregister(conn.ID)
		metrics.ConnectionsTotal.Set(float64(s.reg.Count()))
		_ = netConn.Close()
	}

	hello, err := event.MustNew(event.KindConnected, event.ConnectedPayload{
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
	}, event.Users(conn.UserID)).Encode()
	if err != nil {
		log.Printf("stream: encode connected event conn=%s: %v", conn.ID, err)
		cleanup()
		return
	}
	if err := wc.writeText(hello, s.config.WriteTimeout); err != nil {
		cleanup()
		return
	}
	conn.Touch()

	log.Printf("stream: ws open conn=%s user=%s (total=%d)", conn.ID, conn.UserID, s.reg.Count())

	// Reader: the push stream carries no client data frames, but pongs
	// and the close handshake arrive here and count as activity.
	go func() {
		defer cleanup()
		for {
			header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
			if err != nil {
				return
			}
			conn.Touch()
			if header.OpCode == ws.OpClose {
				return
			}
			if _, err := io.Copy(io.Discard, reader); err != nil {
				return
			}
		}
	}()

	// Writer: single goroutine drains the outbox, so per-connection
	// delivery order matches publish order.
	go func() {
		defer cleanup()
		defer log.Printf("stream: ws closed conn=%s user=%s", conn.ID, conn.UserID)

		ticker := time.NewTicker(s.config.KeepaliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case frame, ok := <-conn.Outbox():
				if !ok {
					return
				}
				if err := wc.writeText(frame, s.config.WriteTimeout); err != nil {
					return
				}
				conn.Touch()
			case <-ticker.C:
				if err := wc.writePing(); err != nil {
					return
				}
			}
		}
	}()
}
