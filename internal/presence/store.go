package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// OnlineSetKey is the Redis set holding the user IDs currently
	// online on any pushserver instance.
	OnlineSetKey = "presence:online"

	// memberTTL bounds how stale a crashed instance can leave the set:
	// every Set refreshes the expiry, so after all instances stop
	// touching it the mirror clears itself.
	memberTTL = 10 * time.Minute
)

// Store mirrors the online set into Redis. The registry remains the
// source of truth; the mirror only exists so pages rendered outside this
// process can show "X is online" without a round trip to the registry.
type Store struct {
	client *redis.Client
}

// NewStore creates a Store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Set records the user as online or offline in the mirror.
func (s *Store) Set(ctx context.Context, userID string, online bool) error {
	pipe := s.client.Pipeline()
	if online {
		pipe.SAdd(ctx, OnlineSetKey, userID)
	} else {
		pipe.SRem(ctx, OnlineSetKey, userID)
	}
	pipe.Expire(ctx, OnlineSetKey, memberTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: update mirror: %w", err)
	}
	return nil
}

// IsOnline reports whether the user is online according to the mirror.
func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, OnlineSetKey, userID).Result()
	if err != nil {
		return false, fmt.Errorf("presence: read mirror: %w", err)
	}
	return ok, nil
}

// Online returns every user ID currently in the mirror.
func (s *Store) Online(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, OnlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: list mirror: %w", err)
	}
	return ids, nil
}
