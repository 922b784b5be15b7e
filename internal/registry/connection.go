package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Outbox capacity per connection. A connection whose outbox is full is a
// slow consumer and is dropped rather than buffered further.
const defaultOutboxSize = 64

var (
	// ErrSlowConsumer is returned by Enqueue when the connection's
	// outbox is full. The caller should schedule the connection for
	// unregistration.
	ErrSlowConsumer = errors.New("registry: slow consumer, outbox full")

	// ErrClosed is returned by Enqueue after the connection has been
	// unregistered.
	ErrClosed = errors.New("registry: connection closed")
)

// Connection is one live push stream owned by exactly one user. It is
// created and destroyed only by the Registry; transports drain Outbox
// and write frames to the network, and call Touch after each successful
// write so the dead-connection sweeper sees activity.
type Connection struct {
	ID       string
	UserID   string
	OpenedAt time.Time

	lastActivity atomic.Int64 // unix nanos of last observed activity

	mu     sync.Mutex
	outbox chan []byte
	closed bool
	done   chan struct{}
}

func newConnection(id, userID string, outboxSize int) *Connection {
	c := &Connection{
		ID:       id,
		UserID:   userID,
		OpenedAt: time.Now(),
		outbox:   make(chan []byte, outboxSize),
		done:     make(chan struct{}),
	}
	c.Touch()
	return c
}

// Enqueue places one encoded frame on the connection's outbox without
// blocking. It never waits on a slow client: a full outbox fails with
// ErrSlowConsumer.
func (c *Connection) Enqueue(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.outbox <- frame:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Outbox returns the channel the owning transport drains. The channel is
// closed when the connection is unregistered, so a ranging writer
// goroutine terminates on its own.
func (c *Connection) Outbox() <-chan []byte {
	return c.outbox
}

// Done is closed when the connection is unregistered. Transports select
// on it to stop keepalive timers promptly.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Touch records activity on the connection (a successful write or a
// client heartbeat).
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent observed activity.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// close marks the connection closed and closes its outbox. Safe to call
// once only; the registry's idempotent Unregister guarantees that.
func (c *Connection) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.outbox)
	close(c.done)
	c.mu.Unlock()
}
