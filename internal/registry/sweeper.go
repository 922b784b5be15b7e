package registry

import (
	"log"
	"time"
)

// SweeperConfig holds dead-connection detection parameters.
type SweeperConfig struct {
	Interval time.Duration // how often to scan (default: 30s)
	Timeout  time.Duration // max silence before a connection is force-removed (default: 90s)
}

// DefaultSweeperConfig returns sensible defaults for dead-connection
// detection.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval: 30 * time.Second,
		Timeout:  90 * time.Second,
	}
}

// StartSweeper begins a background goroutine that periodically
// force-unregisters connections with no observed activity (no successful
// write, no client heartbeat) within the timeout. This bounds memory
// growth from clients that vanished without a clean close (mobile
// backgrounding, network drop). The goroutine exits when done is closed.
func StartSweeper(r *Registry, config SweeperConfig, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				sweep(r, config.Timeout)
			}
		}
	}()
}

func sweep(r *Registry, timeout time.Duration) {
	now := time.Now()
	for _, c := range r.All() {
		idle := now.Sub(c.LastActivity())
		if idle > timeout {
			log.Printf("registry: dead connection conn=%s user=%s idle=%s",
				c.ID, c.UserID, idle.Round(time.Second))
			r.Unregister(c.ID)
		}
	}
}
