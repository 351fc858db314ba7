package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionStore persists per-worker agent session ids under a TTL that is
// refreshed on every access. A session may outlive its worker; the next
// worker for the same id rediscovers it.
type SessionStore struct {
	client *Client
	ttl    time.Duration
}

// NewSessionStore creates a session store with the given TTL.
func NewSessionStore(client *Client, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, ttl: ttl}
}

// Get returns the stored session id for a worker, refreshing its TTL.
// Returns "" when no session exists.
func (s *SessionStore) Get(ctx context.Context, workerID string) (string, error) {
	key := SessionKey(workerID)
	id, err := s.client.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if id != "" {
		if err := s.client.Expire(ctx, key, s.ttl); err != nil {
			return "", err
		}
	}
	return id, nil
}

// GetOrCreate returns the stored session id or generates one. Creation uses
// set-if-not-exists with a re-read on loss, so the first writer wins. Agent
// families that manage their own ids must not call this; use Get and let
// the agent mint the id.
func (s *SessionStore) GetOrCreate(ctx context.Context, workerID string) (string, error) {
	key := SessionKey(workerID)

	id, err := s.client.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if id == "" {
		candidate := uuid.New().String()
		created, err := s.client.SetNXWithTTL(ctx, key, candidate, s.ttl)
		if err != nil {
			return "", err
		}
		if created {
			return candidate, nil
		}
		// Lost the race: take the winner's id.
		id, err = s.client.Get(ctx, key)
		if err != nil {
			return "", err
		}
		if id == "" {
			return "", fmt.Errorf("session for %s vanished during creation", workerID)
		}
	}

	if err := s.client.Expire(ctx, key, s.ttl); err != nil {
		return "", err
	}
	return id, nil
}

// Set stores a session id, resetting the TTL.
func (s *SessionStore) Set(ctx context.Context, workerID, sessionID string) error {
	return s.client.SetWithTTL(ctx, SessionKey(workerID), sessionID, s.ttl)
}
