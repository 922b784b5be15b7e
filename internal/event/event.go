// Package event defines the typed envelope pushed to clients and the
// audience resolution used by the router. Every frame on the wire is a
// JSON object with a "type" discriminator and a "data" payload.
package event

import (
	"encoding/json"
	"fmt"
)

// Kind identifies one event variant on the push stream. The set of kinds
// is closed: producers construct envelopes only through the constants
// below, and consumers switch exhaustively on them.
type Kind string

const (
	KindConnected        Kind = "connected"
	KindNotification     Kind = "notification"
	KindMessage          Kind = "message"
	KindTaskCreated      Kind = "task:created"
	KindTaskUpdated      Kind = "task:updated"
	KindTaskAccepted     Kind = "task:accepted"
	KindTaskCompleted    Kind = "task:completed"
	KindTaskCancelled    Kind = "task:cancelled"
	KindReviewCreated    Kind = "review:created"
	KindWaitlistApproved Kind = "waitlist:approved"
	KindPresence         Kind = "presence"
	KindTyping           Kind = "typing"
)

// KindWildcard is a client-side registration key meaning "every kind".
// It is never emitted by the server.
const KindWildcard Kind = "*"

// kinds is the closed set of server-emitted kinds.
var kinds = map[Kind]bool{
	KindConnected:        true,
	KindNotification:     true,
	KindMessage:          true,
	KindTaskCreated:      true,
	KindTaskUpdated:      true,
	KindTaskAccepted:     true,
	KindTaskCompleted:    true,
	KindTaskCancelled:    true,
	KindReviewCreated:    true,
	KindWaitlistApproved: true,
	KindPresence:         true,
	KindTyping:           true,
}

// Valid reports whether k is one of the server-emitted event kinds.
func (k Kind) Valid() bool {
	return kinds[k]
}

// ParseKind converts a wire string into a Kind, rejecting anything
// outside the closed set.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("event: unknown kind %q", s)
	}
	return k, nil
}

// Audience describes the set of users an envelope is addressed to:
// either every connected user (broadcast) or an explicit user set.
// The zero value targets nobody.
type Audience struct {
	broadcast bool
	users     map[string]struct{}
}

// Broadcast returns an audience covering every connected user.
func Broadcast() Audience {
	return Audience{broadcast: true}
}

// Users returns an audience covering exactly the given user IDs.
// Duplicates and empty IDs are ignored.
func Users(ids ...string) Audience {
	users := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			users[id] = struct{}{}
		}
	}
	return Audience{users: users}
}

// IsBroadcast reports whether the audience is every connected user.
func (a Audience) IsBroadcast() bool {
	return a.broadcast
}

// Contains reports whether userID is addressed by this audience. This
// is the single place audience filtering lives; consuming code never
// re-derives "is this event for me".
func (a Audience) Contains(userID string) bool {
	if a.broadcast {
		return true
	}
	_, ok := a.users[userID]
	return ok
}

// UserIDs returns the explicit target set, or nil for a broadcast.
func (a Audience) UserIDs() []string {
	if a.broadcast {
		return nil
	}
	ids := make([]string, 0, len(a.users))
	for id := range a.users {
		ids = append(ids, id)
	}
	return ids
}

// Envelope is one fan-out unit: an event kind, its payload, and the
// audience it is addressed to. It is immutable once constructed and is
// never persisted.
type Envelope struct {
	kind     Kind
	data     interface{}
	audience Audience
}

// New constructs an envelope. It returns an error for kinds outside the
// closed set so a bad producer is caught at the publish boundary rather
// than on a client.
func New(kind Kind, data interface{}, audience Audience) (Envelope, error) {
	if !kind.Valid() {
		return Envelope{}, fmt.Errorf("event: cannot build envelope for kind %q", kind)
	}
	return Envelope{kind: kind, data: data, audience: audience}, nil
}

// MustNew is New for compile-time-constant kinds, panicking on misuse.
func MustNew(kind Kind, data interface{}, audience Audience) Envelope {
	env, err := New(kind, data, audience)
	if err != nil {
		panic(err)
	}
	return env
}

// Kind returns the envelope's event kind.
func (e Envelope) Kind() Kind { return e.kind }

// Audience returns the envelope's target audience.
func (e Envelope) Audience() Audience { return e.audience }

// wireFrame is the client-visible JSON shape of every pushed event.
type wireFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Encode serializes the envelope into the client wire shape
// {"type": ..., "data": ...}.
func (e Envelope) Encode() ([]byte, error) {
	out, err := json.Marshal(wireFrame{Type: string(e.kind), Data: e.data})
	if err != nil {
		return nil, fmt.Errorf("event: marshal %s envelope: %w", e.kind, err)
	}
	return out, nil
}

// PresencePayload is the data carried by presence events.
type PresencePayload struct {
	UserID    string `json:"user_id"`
	Status    string `json:"status"` // "online" or "offline"
	Timestamp int64  `json:"timestamp"`
}

// TypingPayload is the data carried by typing events.
type TypingPayload struct {
	TaskID   string `json:"task_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// ConnectedPayload is the data carried by the connected handshake event
// emitted as the first frame of every stream.
type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}
