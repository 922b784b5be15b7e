// Package presence derives online/offline status from registry
// connect/disconnect boundaries. Status is never stored authoritatively:
// it is recomputed from "live connection count > 0", and a transition is
// published exactly once per 0<->1 crossing, never once per individual
// connect or disconnect while the count stays above zero.
package presence

import (
	"context"
	"log"
	"time"

	"github.com/taskhive/realtime/internal/event"
	"github.com/taskhive/realtime/internal/metrics"
)

// Status values carried in presence events. The server never emits any
// other value; "unknown" exists only as a client-side default.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Publisher is the slice of the router the tracker needs.
type Publisher interface {
	Publish(event.Envelope)
}

type transition struct {
	userID string
	online bool
	at     time.Time
}

// Tracker turns registry boundary crossings into broadcast presence
// events. Boundary is called under the user's shard lock, so it only
// hands the transition to a single consumer goroutine; the consumer does
// the publishing and the optional Redis mirroring, keeping I/O out of
// the registry's critical section while preserving per-user order.
type Tracker struct {
	pub   Publisher
	store *Store

	ch   chan transition
	done chan struct{}
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStore attaches a Redis mirror of the online set so external REST
// collaborators can render presence without reaching into the registry.
func WithStore(s *Store) Option {
	return func(t *Tracker) { t.store = s }
}

// NewTracker creates a Tracker publishing through pub and starts its
// consumer goroutine.
func NewTracker(pub Publisher, opts ...Option) *Tracker {
	t := &Tracker{
		pub:  pub,
		ch:   make(chan transition, 256),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.run()
	return t
}

// Boundary is the registry.BoundaryFunc implementation. It must stay
// cheap: one channel send, no I/O.
func (t *Tracker) Boundary(userID string, online bool, at time.Time) {
	select {
	case t.ch <- transition{userID: userID, online: online, at: at}:
	case <-t.done:
	}
}

func (t *Tracker) run() {
	for {
		select {
		case <-t.done:
			return
		case tr := <-t.ch:
			t.apply(tr)
		}
	}
}

func (t *Tracker) apply(tr transition) {
	status := StatusOffline
	if tr.online {
		status = StatusOnline
		metrics.OnlineUsers.Inc()
	} else {
		metrics.OnlineUsers.Dec()
	}

	// Any UI showing "X is online" for any other user subscribes to this
	// stream, so presence is always addressed as broadcast.
	t.pub.Publish(event.MustNew(event.KindPresence, event.PresencePayload{
		UserID:    tr.userID,
		Status:    status,
		Timestamp: tr.at.Unix(),
	}, event.Broadcast()))

	if t.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := t.store.Set(ctx, tr.userID, tr.online); err != nil {
			log.Printf("presence: mirror update user=%s: %v", tr.userID, err)
		}
		cancel()
	}
}

// Stop terminates the consumer goroutine. Transitions arriving after
// Stop are dropped; the process is shutting down and clients rebuild
// presence from scratch on reconnect anyway.
func (t *Tracker) Stop() {
	close(t.done)
}
