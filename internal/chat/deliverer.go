package chat

import (
	"context"
	"fmt"

	"github.com/taskhive/realtime/internal/event"
)

// Publisher is the slice of the router the deliverer needs.
type Publisher interface {
	Publish(event.Envelope)
}

// Inserter is the slice of the message store the deliverer needs.
type Inserter interface {
	Insert(ctx context.Context, msg *Message) error
}

// Deliverer persists a message and then pushes it to the sender and
// receiver. Persistence failures are returned to the caller; publish is
// fire and forget, so a receiver with zero live connections simply
// receives nothing and catches up from History on its next snapshot
// fetch.
type Deliverer struct {
	store Inserter
	pub   Publisher
}

// NewDeliverer creates a Deliverer over the given store and publisher.
func NewDeliverer(store Inserter, pub Publisher) *Deliverer {
	return &Deliverer{store: store, pub: pub}
}

// Deliver persists msg and publishes it to the two conversation
// participants. The message event is addressed to the sender as well:
// the sender's other tabs need it, and the originating tab merges the
// echo by ID instead of appending a duplicate.
func (d *Deliverer) Deliver(ctx context.Context, msg *Message) error {
	if err := d.store.Insert(ctx, msg); err != nil {
		return fmt.Errorf("chat: deliver: %w", err)
	}

	d.pub.Publish(event.MustNew(event.KindMessage, MessagePayload{
		TaskID:  msg.TaskID,
		Message: *msg,
	}, event.Users(msg.SenderID, msg.ReceiverID)))
	return nil
}
