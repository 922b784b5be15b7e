// Package typing relays ephemeral "user X is typing" signals between the
// participants of a task conversation. The coordinator is pass-through:
// it holds no state and no timers. Durability of "is still typing" lives
// in the sender's own quiet-period debounce and the receiver's bounded
// indicator display, so a lost stop event can never strand state here.
package typing

import (
	"context"
	"fmt"

	"github.com/taskhive/realtime/internal/event"
)

// TaskDirectory resolves the participants of a task conversation. The
// task store itself is an external collaborator; this is the only slice
// of it the realtime core needs.
type TaskDirectory interface {
	Participants(ctx context.Context, taskID string) ([]string, error)
}

// Publisher is the slice of the router the coordinator needs.
type Publisher interface {
	Publish(event.Envelope)
}

// Coordinator publishes typing events to the other participant(s) of a
// task. Typing is scoped to the task's conversation and is never
// broadcast.
type Coordinator struct {
	pub Publisher
	dir TaskDirectory
}

// NewCoordinator creates a Coordinator resolving participants through dir.
func NewCoordinator(pub Publisher, dir TaskDirectory) *Coordinator {
	return &Coordinator{pub: pub, dir: dir}
}

// StartTyping signals that userID began composing a message on taskID.
func (c *Coordinator) StartTyping(ctx context.Context, taskID, userID string) error {
	return c.relay(ctx, taskID, userID, true)
}

// StopTyping signals that userID stopped composing (quiet period elapsed
// or the message was sent).
func (c *Coordinator) StopTyping(ctx context.Context, taskID, userID string) error {
	return c.relay(ctx, taskID, userID, false)
}

func (c *Coordinator) relay(ctx context.Context, taskID, userID string, isTyping bool) error {
	participants, err := c.dir.Participants(ctx, taskID)
	if err != nil {
		return fmt.Errorf("typing: resolve participants for task %s: %w", taskID, err)
	}

	var others []string
	sender := false
	for _, p := range participants {
		if p == userID {
			sender = true
			continue
		}
		others = append(others, p)
	}
	if !sender {
		return fmt.Errorf("typing: user %s is not a participant of task %s", userID, taskID)
	}
	if len(others) == 0 {
		return nil
	}

	c.pub.Publish(event.MustNew(event.KindTyping, event.TypingPayload{
		TaskID:   taskID,
		UserID:   userID,
		IsTyping: isTyping,
	}, event.Users(others...)))
	return nil
}
