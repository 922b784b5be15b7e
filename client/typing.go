package client

import (
	"sync"
	"time"

	"github.com/taskhive/realtime/internal/event"
)

// QuietPeriod is how long after the last keystroke the sender waits
// before signalling stop.
const QuietPeriod = 1500 * time.Millisecond

// DefaultIndicatorTTL bounds how long a received typing indicator stays
// visible without a refresh. It is deliberately longer than QuietPeriod
// so a healthy sender's stop always lands first; the TTL only matters
// when the stop event was lost.
const DefaultIndicatorTTL = 4 * time.Second

type typistKey struct {
	taskID string
	userID string
}

// IndicatorView is the receiver-side typing state for the UI. Entries
// auto-expire after the TTL, so a lost stop event can never leave an
// indicator stuck on screen.
type IndicatorView struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	expires map[typistKey]time.Time
}

// NewIndicatorView creates an IndicatorView. ttl <= 0 selects
// DefaultIndicatorTTL.
func NewIndicatorView(ttl time.Duration) *IndicatorView {
	if ttl <= 0 {
		ttl = DefaultIndicatorTTL
	}
	return &IndicatorView{
		ttl:     ttl,
		now:     time.Now,
		expires: make(map[typistKey]time.Time),
	}
}

// Apply folds one typing event into the view.
func (v *IndicatorView) Apply(p event.TypingPayload) {
	key := typistKey{taskID: p.TaskID, userID: p.UserID}
	v.mu.Lock()
	if p.IsTyping {
		v.expires[key] = v.now().Add(v.ttl)
	} else {
		delete(v.expires, key)
	}
	v.mu.Unlock()
}

// IsTyping reports whether userID is currently typing on taskID,
// expiring stale entries as a side effect.
func (v *IndicatorView) IsTyping(taskID, userID string) bool {
	key := typistKey{taskID: taskID, userID: userID}
	v.mu.Lock()
	defer v.mu.Unlock()

	deadline, ok := v.expires[key]
	if !ok {
		return false
	}
	if v.now().After(deadline) {
		delete(v.expires, key)
		return false
	}
	return true
}

// Typists returns the users currently typing on taskID.
func (v *IndicatorView) Typists(taskID string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	var out []string
	for key, deadline := range v.expires {
		if key.taskID != taskID {
			continue
		}
		if now.After(deadline) {
			delete(v.expires, key)
			continue
		}
		out = append(out, key.userID)
	}
	return out
}

// SendFunc transmits one typing signal to the server (a POST to
// /chat/typing in practice).
type SendFunc func(isTyping bool)

// Debouncer is the sender-side quiet-period timer. Keystroke sends a
// start on the first call and (re)arms the stop timer; the stop fires
// QuietPeriod after the last keystroke, or immediately on Sent.
type Debouncer struct {
	mu     sync.Mutex
	send   SendFunc
	quiet  time.Duration
	timer  *time.Timer
	active bool
}

// NewDebouncer creates a Debouncer invoking send. quiet <= 0 selects
// QuietPeriod.
func NewDebouncer(send SendFunc, quiet time.Duration) *Debouncer {
	if quiet <= 0 {
		quiet = QuietPeriod
	}
	return &Debouncer{send: send, quiet: quiet}
}

// Keystroke records typing activity.
func (d *Debouncer) Keystroke() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.active {
		d.active = true
		d.send(true)
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.quiet, d.stop)
}

// Sent signals the message was sent: stop goes out immediately.
func (d *Debouncer) Sent() {
	d.stop()
}

// Cancel drops any pending stop without sending it, for teardown paths
// where the conversation view is going away entirely.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.active = false
}

func (d *Debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.active {
		d.active = false
		d.send(false)
	}
}
