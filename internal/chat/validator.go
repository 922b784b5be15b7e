package chat

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxContentBytes = 4096 // max encoded content size
	MaxContentChars = 2000 // max character count
)

// ValidateMessage checks that a message meets content requirements
// before it is persisted.
func ValidateMessage(msg *Message) error {
	switch msg.Type {
	case TypeText, TypeImage, TypeFile:
	default:
		return fmt.Errorf("chat: invalid message type %q", msg.Type)
	}
	if msg.TaskID == "" || msg.SenderID == "" || msg.ReceiverID == "" {
		return fmt.Errorf("chat: task, sender and receiver are required")
	}
	if msg.Type != TypeText {
		if msg.MediaURL == "" {
			return fmt.Errorf("chat: %s message requires a media URL", msg.Type)
		}
		return nil
	}
	if len(msg.Content) == 0 {
		return fmt.Errorf("chat: message content is empty")
	}
	if len(msg.Content) > MaxContentBytes {
		return fmt.Errorf("chat: content exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(msg.Content) > MaxContentChars {
		return fmt.Errorf("chat: content exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(msg.Content) {
		return fmt.Errorf("chat: content contains invalid UTF-8")
	}
	return nil
}
