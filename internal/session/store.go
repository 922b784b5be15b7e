package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 24 * time.Hour
)

// ErrNotFound is returned when a token does not resolve to a live
// session. Stream opens translate it into an auth rejection.
var ErrNotFound = errors.New("session: not found")

// Session is a user's authenticated session state stored in Redis.
type Session struct {
	Token      string `redis:"token"`
	UserID     string `redis:"user_id"`
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages session state in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a session store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Create stores a new session for userID and returns its token.
func (s *Store) Create(ctx context.Context, userID string) (string, error) {
	token := uuid.New().String()
	key := SessionPrefix + token
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"token":       token,
		"user_id":     userID,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("session: create: %w", err)
	}
	return token, nil
}

// Validate resolves a token to its session. Returns ErrNotFound for
// unknown or expired tokens.
func (s *Store) Validate(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	key := SessionPrefix + token

	var sess Session
	if err := s.client.HGetAll(ctx, key).Scan(&sess); err != nil {
		return nil, fmt.Errorf("session: validate: %w", err)
	}
	if sess.UserID == "" {
		return nil, ErrNotFound
	}
	return &sess, nil
}

// Touch refreshes the session's activity timestamp and TTL.
func (s *Store) Touch(ctx context.Context, token string) error {
	key := SessionPrefix + token
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session (logout).
func (s *Store) Delete(ctx context.Context, token string) error {
	return s.client.Del(ctx, SessionPrefix+token).Err()
}
