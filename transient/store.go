// Package transient is the session-scoped staging store for secrets that
// have been generated but not yet confirmed: a fresh TOTP seed awaiting its
// first valid code, an emailed one-time code, a security-key challenge.
// Values live under a TTL and are keyed by a name derived from the
// (session, user) scope, so unrelated sessions cannot collide. Nothing in
// this package ever reaches durable storage.
package transient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mfauth/authchain/internal/secrets"
)

var (
	// ErrNotFound is returned when no value exists under the derived key,
	// including after TTL expiry.
	ErrNotFound = errors.New("transient secret not found")
	// ErrUnavailable wraps backend failures.
	ErrUnavailable = errors.New("transient backend unavailable")
)

// Scope identifies the session and user a staged secret belongs to.
type Scope struct {
	SessionID string
	UserID    string
}

// Store is a redis-backed key/value store for staged secrets.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewStore returns a store writing keys under prefix with the given TTL.
func NewStore(client redis.UniversalClient, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = "ats"
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Store{redis: client, prefix: prefix, ttl: ttl}
}

func (s *Store) key(scope Scope, name string) string {
	return s.prefix + ":" + secrets.StagingKey(name, scope.SessionID, scope.UserID)
}

// Get returns the staged value, or ErrNotFound.
func (s *Store) Get(ctx context.Context, scope Scope, name string) ([]byte, error) {
	data, err := s.redis.Get(ctx, s.key(scope, name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return data, nil
}

// Put stores value under the scope-derived key, resetting the TTL.
func (s *Store) Put(ctx context.Context, scope Scope, name string, value []byte) error {
	if err := s.redis.Set(ctx, s.key(scope, name), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// PutOnce stores value only if nothing is staged yet and returns the value
// now held under the key along with whether this call created it. Re-issuing
// a setup payload therefore never orphans an earlier staged secret.
func (s *Store) PutOnce(ctx context.Context, scope Scope, name string, value []byte) ([]byte, bool, error) {
	key := s.key(scope, name)

	set, err := s.redis.SetNX(ctx, key, value, s.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if set {
		return value, true, nil
	}

	existing, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Expired between SetNX and Get; stage ours after all.
			if serr := s.Put(ctx, scope, name, value); serr != nil {
				return nil, false, serr
			}
			return value, true, nil
		}
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return existing, false, nil
}

// Delete removes the staged value. Deleting an absent value is not an error.
func (s *Store) Delete(ctx context.Context, scope Scope, name string) error {
	if err := s.redis.Del(ctx, s.key(scope, name)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Take returns the staged value and removes it in the same call, so a value
// can back at most one verification attempt.
func (s *Store) Take(ctx context.Context, scope Scope, name string) ([]byte, error) {
	key := s.key(scope, name)
	data, err := s.redis.GetDel(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return data, nil
}
