package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/taskhive/realtime/internal/event"
)

func validText() *Message {
	return &Message{
		TaskID:     "t1",
		SenderID:   "alice",
		ReceiverID: "bob",
		Content:    "hello",
		Type:       TypeText,
	}
}

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Message)
		wantErr bool
	}{
		{"valid text", func(m *Message) {}, false},
		{"unknown type", func(m *Message) { m.Type = "video" }, true},
		{"missing task", func(m *Message) { m.TaskID = "" }, true},
		{"missing sender", func(m *Message) { m.SenderID = "" }, true},
		{"missing receiver", func(m *Message) { m.ReceiverID = "" }, true},
		{"empty content", func(m *Message) { m.Content = "" }, true},
		{"content at byte limit", func(m *Message) {
			m.Content = strings.Repeat("x", MaxContentChars)
		}, false},
		{"content over char limit", func(m *Message) {
			m.Content = strings.Repeat("x", MaxContentChars+1)
		}, true},
		{"multibyte over byte limit", func(m *Message) {
			// Well under the character limit but over the byte limit.
			m.Content = strings.Repeat("界", MaxContentBytes/3+1)
		}, true},
		{"invalid utf8", func(m *Message) { m.Content = "ok\xff" }, true},
		{"image without media url", func(m *Message) {
			m.Type = TypeImage
			m.MediaURL = ""
		}, true},
		{"image with media url", func(m *Message) {
			m.Type = TypeImage
			m.MediaURL = "https://cdn.example.com/a.png"
			m.Content = ""
		}, false},
		{"file with media url", func(m *Message) {
			m.Type = TypeFile
			m.MediaURL = "https://cdn.example.com/a.pdf"
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := validText()
			tt.mutate(msg)
			err := ValidateMessage(msg)
			if tt.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

type fakeInserter struct {
	inserted []*Message
	err      error
}

func (f *fakeInserter) Insert(_ context.Context, msg *Message) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, msg)
	return nil
}

type fakePublisher struct {
	published []event.Envelope
}

func (p *fakePublisher) Publish(env event.Envelope) {
	p.published = append(p.published, env)
}

func TestDeliverPersistsThenPublishes(t *testing.T) {
	store := &fakeInserter{}
	pub := &fakePublisher{}
	d := NewDeliverer(store, pub)

	msg := validText()
	if err := d.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if len(store.inserted) != 1 {
		t.Fatalf("expected 1 insert, got %d", len(store.inserted))
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(pub.published))
	}

	env := pub.published[0]
	if env.Kind() != event.KindMessage {
		t.Fatalf("kind = %s, want %s", env.Kind(), event.KindMessage)
	}
	aud := env.Audience()
	if aud.IsBroadcast() {
		t.Fatal("chat messages must not be broadcast")
	}
	if !aud.Contains("alice") {
		t.Error("sender missing from audience")
	}
	if !aud.Contains("bob") {
		t.Error("receiver missing from audience")
	}
	if aud.Contains("carol") {
		t.Error("audience leaked beyond the conversation")
	}
}

func TestDeliverStoreFailureDoesNotPublish(t *testing.T) {
	storeErr := errors.New("insert failed")
	store := &fakeInserter{err: storeErr}
	pub := &fakePublisher{}
	d := NewDeliverer(store, pub)

	err := d.Deliver(context.Background(), validText())
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
	if len(pub.published) != 0 {
		t.Fatal("must not publish when persistence fails")
	}
}
