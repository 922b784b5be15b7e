package client

import (
	"sync"

	"github.com/taskhive/realtime/internal/event"
)

// PresenceView folds broadcast presence events into an online/offline
// map for the UI.
//
// Users the view has never heard about default to online. This is a
// deliberate product choice carried over from the original app
// (optimistic presence reads better in conversation headers than a
// wrongly-pessimistic "offline"); change the copy elsewhere before
// changing this default.
type PresenceView struct {
	mu     sync.Mutex
	status map[string]bool
}

// NewPresenceView creates an empty PresenceView.
func NewPresenceView() *PresenceView {
	return &PresenceView{status: make(map[string]bool)}
}

// Apply folds one presence event into the view.
func (v *PresenceView) Apply(p event.PresencePayload) {
	v.mu.Lock()
	v.status[p.UserID] = p.Status == "online"
	v.mu.Unlock()
}

// IsOnline reports the user's presence, defaulting to online for users
// no event has been observed for.
func (v *PresenceView) IsOnline(userID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	online, ok := v.status[userID]
	if !ok {
		return true
	}
	return online
}

// Reset clears the view, the right move after a reconnect since the
// server rebuilds presence from zero across restarts.
func (v *PresenceView) Reset() {
	v.mu.Lock()
	v.status = make(map[string]bool)
	v.mu.Unlock()
}
