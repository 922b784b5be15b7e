// Package chat owns the delivery path for task conversation messages:
// durable persistence in PostgreSQL followed by best-effort publish to
// the sender's and receiver's live connections.
package chat

import "time"

// Message type values. Text messages carry Content; media messages carry
// a MediaURL produced by the upload pipeline (an external collaborator).
const (
	TypeText  = "text"
	TypeImage = "image"
	TypeFile  = "file"
)

// Message is one chat message in a task conversation. Messages for a
// task form a strictly createdAt-increasing sequence with unique IDs;
// the delivery path must never surface the same ID twice to a client.
type Message struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Content    string    `json:"content"`
	Type       string    `json:"type"`
	MediaURL   string    `json:"media_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// MessagePayload is the data carried by message events on the push
// stream: the task the conversation belongs to plus the full message.
type MessagePayload struct {
	TaskID  string  `json:"task_id"`
	Message Message `json:"message"`
}
