package router

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/taskhive/realtime/internal/event"
)

// SubjectEvents is the NATS subject every pushserver instance publishes
// envelopes to and subscribes on.
const SubjectEvents = "realtime.events"

// BridgeConfig holds NATS connection settings.
type BridgeConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultBridgeConfig returns sensible defaults.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		URL:           "nats://localhost:4222",
		Name:          "taskhive-pushserver",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// busEnvelope is the on-bus shape of an envelope: the wire frame plus
// the audience, which the receiving instance needs to resolve targets
// against its own registry.
type busEnvelope struct {
	Broadcast bool            `json:"broadcast"`
	Users     []string        `json:"users,omitempty"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
}

// Bridge carries envelopes between pushserver instances over NATS so an
// event published on one instance reaches users connected to any other.
type Bridge struct {
	conn *nats.Conn
	sub  *nats.Subscription
}

// NewBridge connects to NATS with the given config. It returns an error
// if the initial connection fails.
func NewBridge(config BridgeConfig) (*Bridge, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[bridge] disconnected: %v", err)
			} else {
				log.Printf("[bridge] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[bridge] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[bridge] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("bridge: nats connect: %w", err)
	}

	log.Printf("[bridge] connected to %s", nc.ConnectedUrl())
	return &Bridge{conn: nc}, nil
}

// publish serializes the envelope with its audience and sends it to the
// events subject.
func (b *Bridge) publish(env event.Envelope) error {
	frame, err := env.Encode()
	if err != nil {
		return fmt.Errorf("bridge: encode envelope: %w", err)
	}

	// Re-split the encoded frame so the bus shape carries the payload
	// without a second marshal of the caller's data value.
	var wire struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &wire); err != nil {
		return fmt.Errorf("bridge: reframe envelope: %w", err)
	}

	out, err := json.Marshal(busEnvelope{
		Broadcast: env.Audience().IsBroadcast(),
		Users:     env.Audience().UserIDs(),
		Type:      wire.Type,
		Data:      wire.Data,
	})
	if err != nil {
		return fmt.Errorf("bridge: marshal bus envelope: %w", err)
	}
	return b.conn.Publish(SubjectEvents, out)
}

// subscribe registers the local delivery function for envelopes arriving
// on the events subject. NATS invokes the handler sequentially per
// subscription, which preserves per-sender publish order on the way to
// each local connection.
func (b *Bridge) subscribe(deliver func(event.Envelope)) error {
	sub, err := b.conn.Subscribe(SubjectEvents, func(msg *nats.Msg) {
		var be busEnvelope
		if err := json.Unmarshal(msg.Data, &be); err != nil {
			log.Printf("[bridge] malformed bus envelope: %v", err)
			return
		}
		kind, err := event.ParseKind(be.Type)
		if err != nil {
			log.Printf("[bridge] %v", err)
			return
		}

		aud := event.Users(be.Users...)
		if be.Broadcast {
			aud = event.Broadcast()
		}
		env, err := event.New(kind, be.Data, aud)
		if err != nil {
			log.Printf("[bridge] rebuild envelope: %v", err)
			return
		}
		deliver(env)
	})
	if err != nil {
		return fmt.Errorf("bridge: subscribe %s: %w", SubjectEvents, err)
	}
	b.sub = sub
	return nil
}

// Close drains the subscription and the NATS connection.
func (b *Bridge) Close() {
	if b.sub != nil {
		if err := b.sub.Drain(); err != nil {
			log.Printf("[bridge] drain subscription: %v", err)
		}
	}
	if err := b.conn.Drain(); err != nil {
		log.Printf("[bridge] connection drain: %v", err)
	}
	log.Printf("[bridge] closed")
}
