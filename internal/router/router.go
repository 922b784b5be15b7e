// Package router fans published envelopes out to the live connections in
// their target audience. Publish is safe to call concurrently from any
// request handler and never propagates delivery failures back to the
// business-logic caller: a publish to zero listeners, or to listeners
// mid-teardown, is a successful no-op.
package router

import (
	"log"
	"time"

	"github.com/taskhive/realtime/internal/event"
	"github.com/taskhive/realtime/internal/metrics"
	"github.com/taskhive/realtime/internal/registry"
)

// Router resolves an envelope's audience against the registry and writes
// the encoded frame onto every matching connection. When a bridge is
// attached, envelopes take a round trip through the message bus so every
// server instance (this one included) fans out to its local registry.
type Router struct {
	reg    *registry.Registry
	bridge *Bridge
}

// New creates a Router over the given registry with purely local fan-out.
func New(reg *registry.Registry) *Router {
	return &Router{reg: reg}
}

// SetBridge attaches a message-bus bridge and starts consuming remote
// envelopes. Must be called before the first Publish.
func (r *Router) SetBridge(b *Bridge) error {
	r.bridge = b
	return b.subscribe(r.deliver)
}

// Publish fans the envelope out to its audience. Fire and forget: users
// with zero live connections receive nothing, failed writes never abort
// delivery to the remaining connections, and no error reaches the caller.
func (r *Router) Publish(env event.Envelope) {
	metrics.EventsPublished.WithLabelValues(string(env.Kind())).Inc()

	if r.bridge != nil {
		if err := r.bridge.publish(env); err != nil {
			// Bus unavailable: degrade to local-only delivery rather
			// than dropping the event for users on this instance.
			log.Printf("router: bridge publish failed, delivering locally: %v", err)
			r.deliver(env)
		}
		return
	}
	r.deliver(env)
}

// deliver performs the local fan-out. The frame is encoded once and
// enqueued on every target connection; a connection that cannot keep up
// is dropped (forcing the client to reconnect) rather than buffered
// unboundedly or allowed to block the publisher.
func (r *Router) deliver(env event.Envelope) {
	start := time.Now()

	frame, err := env.Encode()
	if err != nil {
		log.Printf("router: encode %s envelope: %v", env.Kind(), err)
		return
	}

	var targets []*registry.Connection
	aud := env.Audience()
	if aud.IsBroadcast() {
		targets = r.reg.All()
	} else {
		for _, userID := range aud.UserIDs() {
			targets = append(targets, r.reg.ConnectionsFor(userID)...)
		}
	}

	for _, conn := range targets {
		switch err := conn.Enqueue(frame); err {
		case nil:
		case registry.ErrSlowConsumer:
			metrics.FramesDropped.WithLabelValues("slow_consumer").Inc()
			log.Printf("router: dropping slow consumer conn=%s user=%s", conn.ID, conn.UserID)
			r.reg.Unregister(conn.ID)
		case registry.ErrClosed:
			// Connection torn down between snapshot and enqueue; the
			// queued event is simply dropped, never retried.
			metrics.FramesDropped.WithLabelValues("closed").Inc()
		}
	}

	metrics.PublishLatency.Observe(time.Since(start).Seconds())
}
