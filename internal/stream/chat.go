package stream

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/taskhive/realtime/internal/chat"
)

// sendMessageRequest is the body of POST /chat/messages.
type sendMessageRequest struct {
	TaskID     string `json:"task_id"`
	ReceiverID string `json:"receiver_id"`
	Content    string `json:"content"`
	Type       string `json:"type"`
	MediaURL   string `json:"media_url,omitempty"`
}

// handleSendMessage persists a chat message and pushes it to both
// participants. The HTTP response returns as soon as persistence
// succeeds; fan-out is best-effort and never delays or fails the
// response.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sess, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		req.Type = chat.TypeText
	}

	participants, err := s.deps.Directory.Participants(r.Context(), req.TaskID)
	if err != nil {
		if errors.Is(err, chat.ErrTaskNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		log.Printf("stream: participant lookup task=%s: %v", req.TaskID, err)
		http.Error(w, "participant lookup failed", http.StatusInternalServerError)
		return
	}
	if !contains(participants, sess.UserID) || !contains(participants, req.ReceiverID) {
		http.Error(w, "not a participant of this task", http.StatusForbidden)
		return
	}

	msg := &chat.Message{
		TaskID:     req.TaskID,
		SenderID:   sess.UserID,
		ReceiverID: req.ReceiverID,
		Content:    req.Content,
		Type:       req.Type,
		MediaURL:   req.MediaURL,
	}
	if err := s.deps.Deliverer.Deliver(r.Context(), msg); err != nil {
		log.Printf("stream: deliver message task=%s sender=%s: %v", req.TaskID, sess.UserID, err)
		http.Error(w, "message rejected", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(msg)
}

// handleHistory returns the task's message history ordered by creation
// time, the snapshot a reconnecting client catches up from.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		http.Error(w, "task_id is required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	participants, err := s.deps.Directory.Participants(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, chat.ErrTaskNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		log.Printf("stream: participant lookup task=%s: %v", taskID, err)
		http.Error(w, "participant lookup failed", http.StatusInternalServerError)
		return
	}
	if !contains(participants, sess.UserID) {
		http.Error(w, "not a participant of this task", http.StatusForbidden)
		return
	}

	msgs, err := s.deps.History.History(r.Context(), taskID, limit)
	if err != nil {
		log.Printf("stream: history task=%s: %v", taskID, err)
		http.Error(w, "history fetch failed", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Messages []chat.Message `json:"messages"`
	}{Messages: msgs})
}

// handleOnline returns the mirrored online user set.
func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	online, err := s.deps.Presence.Online(r.Context())
	if err != nil {
		log.Printf("stream: online set: %v", err)
		http.Error(w, "presence fetch failed", http.StatusInternalServerError)
		return
	}
	if online == nil {
		online = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Online []string `json:"online"`
	}{Online: online})
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
