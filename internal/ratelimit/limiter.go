// Package ratelimit provides Redis-backed rate limiting using the INCR +
// EXPIRE window algorithm, used to throttle typing indicator posts and
// push stream opens per session.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum
// number of requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:typing:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleTyping allows 30 typing indicator posts per 10 seconds per
	// session. A debouncing client sends far fewer; anything past this
	// is a stuck or abusive client.
	RuleTyping = Rule{Key: "rl:typing:", Limit: 30, Window: 10 * time.Second}

	// RuleStreamOpen allows 10 push stream opens per minute per session,
	// enough for multi-tab use and the fixed-delay reconnect loop.
	RuleStreamOpen = Rule{Key: "rl:stream:", Limit: 10, Window: 1 * time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether the given identifier is within the rate limit
// defined by rule. It increments the counter in Redis and sets the
// expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On
// Redis errors the method fails open (returns true) so that a Redis
// outage does not block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// The key exists but has no TTL — it will persist. Best effort: try
			// to delete it so it doesn't block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	if int(count) > rule.Limit {
		return false, nil
	}

	return true, nil
}
