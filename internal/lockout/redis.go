package lockout

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "lockout:"

// RedisStore keeps lockout records as JSON values with a TTL, so stale
// records are reclaimed by the store itself rather than by the gateway.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, ip string) (*Record, error) {
	raw, err := s.client.Get(ctx, keyPrefix+ip).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		// A corrupt record is treated as absent; it will be rewritten on
		// the next failed attempt.
		return nil, nil
	}
	return &rec, nil
}

func (s *RedisStore) Put(ctx context.Context, ip string, rec *Record, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, keyPrefix+ip, raw, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, ip string) error {
	return s.client.Del(ctx, keyPrefix+ip).Err()
}
