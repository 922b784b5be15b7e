// Package registry tracks the live push connections of authenticated
// users. It is the only shared mutable structure in the realtime core:
// all mutation goes through Register and Unregister, and every other
// component reads it through the narrow lookup API.
package registry

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// shardCount is the number of userID buckets. Each bucket has its own
// lock so simultaneous connects from many users do not contend on one
// global mutex.
const shardCount = 32

// BoundaryFunc is invoked whenever a register or unregister crosses a
// user's 0<->1 connection-count boundary. It runs while the user's shard
// lock is held, which linearizes transitions per user; implementations
// must be quick, must not block on I/O, and must not call back into the
// registry.
type BoundaryFunc func(userID string, online bool, at time.Time)

type shard struct {
	mu     sync.Mutex
	byUser map[string]map[string]*Connection // userID -> connID -> conn
}

// Registry owns every live Connection. Lookups by connection ID go
// through an index kept consistent with the per-user shards: a
// connection is added to the index before its shard entry and removed
// after, so a conn found in a shard is always resolvable by ID.
type Registry struct {
	shards [shardCount]shard
	conns  sync.Map // connID -> *Connection
	count  atomic.Int64

	onBoundary BoundaryFunc
	outboxSize int
}

// Option configures a Registry.
type Option func(*Registry)

// WithOutboxSize overrides the per-connection outbox capacity.
func WithOutboxSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.outboxSize = n
		}
	}
}

// WithBoundaryFunc registers the presence boundary callback.
func WithBoundaryFunc(fn BoundaryFunc) Option {
	return func(r *Registry) { r.onBoundary = fn }
}

// SetBoundaryFunc registers the presence boundary callback after
// construction, for wiring orders where the callback's owner needs the
// registry first. Must be called before the first Register.
func (r *Registry) SetBoundaryFunc(fn BoundaryFunc) {
	r.onBoundary = fn
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{outboxSize: defaultOutboxSize}
	for i := range r.shards {
		r.shards[i].byUser = make(map[string]map[string]*Connection)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &r.shards[h.Sum32()%shardCount]
}

// Register creates a Connection for userID and returns it. Safe under
// concurrent calls from many simultaneously-connecting users. If this
// connection takes the user's count from 0 to 1, the boundary callback
// fires before Register returns.
func (r *Registry) Register(userID string) *Connection {
	conn := newConnection(uuid.New().String(), userID, r.outboxSize)
	r.conns.Store(conn.ID, conn)

	s := r.shardFor(userID)
	s.mu.Lock()
	set, ok := s.byUser[userID]
	if !ok {
		set = make(map[string]*Connection)
		s.byUser[userID] = set
	}
	wasEmpty := len(set) == 0
	set[conn.ID] = conn
	if wasEmpty && r.onBoundary != nil {
		r.onBoundary(userID, true, time.Now())
	}
	s.mu.Unlock()

	r.count.Add(1)
	return conn
}

// Unregister removes the connection by ID and closes it. It is
// idempotent: disconnects race in from two sources (explicit close and
// the stream error path), so a second call for the same ID, or a call
// for an ID that never existed, is a no-op. If removal takes the user's
// count from 1 to 0, the boundary callback fires.
func (r *Registry) Unregister(connID string) {
	v, loaded := r.conns.LoadAndDelete(connID)
	if !loaded {
		return
	}
	conn := v.(*Connection)

	s := r.shardFor(conn.UserID)
	s.mu.Lock()
	if set, ok := s.byUser[conn.UserID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(s.byUser, conn.UserID)
			if r.onBoundary != nil {
				r.onBoundary(conn.UserID, false, time.Now())
			}
		}
	}
	s.mu.Unlock()

	r.count.Add(-1)
	conn.close()
}

// ConnectionsFor returns a snapshot of the user's live connections. The
// slice is safe to iterate without holding any lock.
func (r *Registry) ConnectionsFor(userID string) []*Connection {
	s := r.shardFor(userID)
	s.mu.Lock()
	set := s.byUser[userID]
	conns := make([]*Connection, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	return conns
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	n := len(s.byUser[userID])
	s.mu.Unlock()
	return n > 0
}

// Count returns the total number of live connections.
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// All returns a snapshot of every live connection, for broadcast fan-out
// and the dead-connection sweeper.
func (r *Registry) All() []*Connection {
	conns := make([]*Connection, 0, r.Count())
	r.conns.Range(func(_, v interface{}) bool {
		conns = append(conns, v.(*Connection))
		return true
	})
	return conns
}

// Shutdown unregisters every connection, closing all outboxes.
func (r *Registry) Shutdown() {
	for _, c := range r.All() {
		r.Unregister(c.ID)
	}
}
