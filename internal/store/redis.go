package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a Redis instance with the JSON module.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedis wraps an existing Redis client.
func NewRedis(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: connect to redis at %s: %w", addr, err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := s.rdb.JSONGet(ctx, key, "$").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: JSON.GET %s: %w", key, err)
	}
	if raw == "" {
		return false, nil
	}
	// A "$" query returns the root wrapped in a one-element array.
	var wrapped []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &wrapped); err != nil {
		return false, fmt.Errorf("store: decode %s: %w", key, err)
	}
	if len(wrapped) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(wrapped[0], dest); err != nil {
		return false, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) SetJSON(ctx context.Context, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	if err := s.rdb.JSONSet(ctx, key, "$", string(payload)).Err(); err != nil {
		return fmt.Errorf("store: JSON.SET %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) PatchJSON(ctx context.Context, key, path string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode %s %s: %w", key, path, err)
	}
	if err := s.rdb.JSONSet(ctx, key, path, string(payload)).Err(); err != nil {
		return fmt.Errorf("store: JSON.SET %s %s: %w", key, path, err)
	}
	return nil
}

func (s *RedisStore) AppendJSON(ctx context.Context, key, path string, elems ...any) error {
	if len(elems) == 0 {
		return nil
	}
	encoded := make([]any, len(elems))
	for i, elem := range elems {
		payload, err := json.Marshal(elem)
		if err != nil {
			return fmt.Errorf("store: encode %s %s: %w", key, path, err)
		}
		encoded[i] = string(payload)
	}
	if err := s.rdb.JSONArrAppend(ctx, key, path, encoded...).Err(); err != nil {
		return fmt.Errorf("store: JSON.ARRAPPEND %s %s: %w", key, path, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("store: DEL %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("store: EXISTS %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) SetEphemeral(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("store: SET %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) GetEphemeral(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: GET %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return false, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := s.rdb.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("store: KEYS %s: %w", pattern, err)
	}
	return keys, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("store: encode publish to %s: %w", channel, err)
	}
	if err := s.rdb.Publish(ctx, channel, encoded).Err(); err != nil {
		return fmt.Errorf("store: PUBLISH %s: %w", channel, err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := s.rdb.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("store: subscribe %v: %w", channels, err)
	}
	sub := &redisSubscription{ps: ps, out: make(chan PubMessage, 16)}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	ps  *redis.PubSub
	out chan PubMessage
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		s.out <- PubMessage{Channel: msg.Channel, Payload: msg.Payload}
	}
}

func (s *redisSubscription) Messages() <-chan PubMessage {
	return s.out
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
