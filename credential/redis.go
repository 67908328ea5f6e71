package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "acr"

// RedisStore keeps credential records in Redis, one key per (user, method)
// pair with no expiry. Read-modify-write operations run inside WATCH
// transactions so concurrent consumers serialize per key.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisStore returns a store using the given client. prefix may be empty.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{redis: client, prefix: prefix}
}

func (s *RedisStore) key(userID, methodType string) string {
	return s.prefix + ":" + userID + ":" + methodType
}

func (s *RedisStore) Get(ctx context.Context, userID, methodType string) (*Record, error) {
	data, err := s.redis.Get(ctx, s.key(userID, methodType)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return decodeRecord(userID, methodType, data)
}

func (s *RedisStore) Save(ctx context.Context, rec *Record) error {
	encoded, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(rec.UserID, rec.MethodType), encoded, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) SaveNew(ctx context.Context, rec *Record) error {
	encoded, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	set, err := s.redis.SetNX(ctx, s.key(rec.UserID, rec.MethodType), encoded, 0).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !set {
		return ErrExists
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, userID, methodType string) error {
	if err := s.redis.Del(ctx, s.key(userID, methodType)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) ConsumeCode(ctx context.Context, userID, methodType string, hash [32]byte, now int64) (bool, error) {
	consumed := false
	err := s.update(ctx, userID, methodType, func(rec *Record) (bool, error) {
		entries, err := DecodeCodeEntries(rec.Secret)
		if err != nil {
			return false, err
		}
		if !consumeEntry(entries, hash) {
			consumed = false
			return false, nil
		}
		secret, err := EncodeCodeEntries(entries)
		if err != nil {
			return false, err
		}
		rec.Secret = secret
		rec.LastUsedAt = now
		consumed = true
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return consumed, nil
}

func (s *RedisStore) AdvanceCounter(ctx context.Context, userID, methodType string, counter, now int64) (bool, error) {
	advanced := false
	err := s.update(ctx, userID, methodType, func(rec *Record) (bool, error) {
		if counter <= rec.Counter {
			advanced = false
			return false, nil
		}
		rec.Counter = counter
		rec.LastUsedAt = now
		advanced = true
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return advanced, nil
}

// update runs a read-modify-write cycle on one record under WATCH, retrying
// a bounded number of times on contention. mutate reports whether the record
// changed and must be written back.
func (s *RedisStore) update(ctx context.Context, userID, methodType string, mutate func(*Record) (bool, error)) error {
	const maxRetries = 4
	key := s.key(userID, methodType)

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			rec, err := decodeRecord(userID, methodType, data)
			if err != nil {
				return err
			}

			dirty, err := mutate(rec)
			if err != nil {
				return err
			}
			if !dirty {
				return nil
			}

			encoded, err := encodeRecord(rec)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, redis.KeepTTL)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil
	}

	return fmt.Errorf("%w: watch retries exhausted", ErrUnavailable)
}
