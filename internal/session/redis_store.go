package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sitevitals/siteaudit/internal/audit"
)

// RedisStore keeps session state in Redis so it survives process restarts.
// Key TTLs act as a backstop; the registry sweep remains authoritative for
// eviction timing.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisConfig carries connection settings for the session store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// NewRedisStore initializes a Redis-backed SessionStore.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
	}
}

// Options exposes the client connection options.
func (s *RedisStore) Options() *redis.Options {
	return s.client.Options()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Put writes the session record to Redis.
func (s *RedisStore) Put(ctx context.Context, sess audit.AuditSession) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+sess.ID, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}

// Get reads the session record from Redis.
func (s *RedisStore) Get(ctx context.Context, id string) (audit.AuditSession, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return audit.AuditSession{}, false, nil
		}
		return audit.AuditSession{}, false, fmt.Errorf("redis get session: %w", err)
	}
	var sess audit.AuditSession
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return audit.AuditSession{}, false, fmt.Errorf("unmarshal session: %w", err)
	}
	return sess, true, nil
}

// Delete removes the session key.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.prefix+id).Err(); err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}

// List scans all session keys under the prefix.
func (s *RedisStore) List(ctx context.Context) ([]audit.AuditSession, error) {
	var out []audit.AuditSession
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		val, err := s.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("redis get session: %w", err)
		}
		var sess audit.AuditSession
		if err := json.Unmarshal([]byte(val), &sess); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		out = append(out, sess)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan sessions: %w", err)
	}
	return out, nil
}
