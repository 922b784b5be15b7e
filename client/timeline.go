package client

import (
	"sort"
	"sync"

	"github.com/taskhive/realtime/internal/chat"
)

// Timeline is the client-side ordered view of one task conversation. It
// absorbs both optimistic local appends and pushed message events:
// duplicates (a push echoing a message the sender already rendered) are
// merged by ID, and out-of-order arrivals are inserted by creation time
// rather than appended blindly, because push delivery order is not
// guaranteed to match creation order under concurrent senders.
type Timeline struct {
	mu   sync.Mutex
	msgs []chat.Message
	byID map[string]int // message ID -> index in msgs
}

// NewTimeline creates an empty Timeline.
func NewTimeline() *Timeline {
	return &Timeline{byID: make(map[string]int)}
}

// Upsert merges the message into the timeline. A message whose ID is
// already present replaces the existing entry in place (a no-op merge,
// not a duplicate append) and Upsert returns false; otherwise the
// message is inserted at its createdAt position and Upsert returns true.
func (t *Timeline) Upsert(msg chat.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i, ok := t.byID[msg.ID]; ok {
		t.msgs[i] = msg
		return false
	}

	// First index whose message was created strictly after msg; equal
	// timestamps keep arrival order.
	i := sort.Search(len(t.msgs), func(i int) bool {
		return t.msgs[i].CreatedAt.After(msg.CreatedAt)
	})

	t.msgs = append(t.msgs, chat.Message{})
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = msg

	for j := i; j < len(t.msgs); j++ {
		t.byID[t.msgs[j].ID] = j
	}
	return true
}

// Reset replaces the timeline with a REST snapshot, the catch-up path
// after a reconnect.
func (t *Timeline) Reset(msgs []chat.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.msgs = t.msgs[:0]
	t.byID = make(map[string]int, len(msgs))
	for _, m := range msgs {
		t.msgs = append(t.msgs, m)
	}
	sort.SliceStable(t.msgs, func(i, j int) bool {
		return t.msgs[i].CreatedAt.Before(t.msgs[j].CreatedAt)
	})
	for i, m := range t.msgs {
		t.byID[m.ID] = i
	}
}

// Messages returns a snapshot of the timeline in creation order.
func (t *Timeline) Messages() []chat.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]chat.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Len returns the number of messages in the timeline.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}
