package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "livecoach:progress:"

// RedisStore persists progress in Redis as JSON values, one key per course.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithTTL sets an expiry on stored records. Zero means no expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// NewRedisStore creates a Store backed by the given Redis client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(courseID string) string {
	return s.prefix + courseID
}

func (s *RedisStore) Get(ctx context.Context, courseID string) (*Progress, error) {
	if courseID == "" {
		return nil, ErrInvalidID
	}
	data, err := s.client.Get(ctx, s.key(courseID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading progress: %w", err)
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding progress: %w", err)
	}
	return &p, nil
}

func (s *RedisStore) Put(ctx context.Context, courseID string, p *Progress) error {
	if courseID == "" {
		return ErrInvalidID
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding progress: %w", err)
	}
	if err := s.client.Set(ctx, s.key(courseID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("writing progress: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("listing progress: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *RedisStore) Delete(ctx context.Context, courseID string) error {
	if courseID == "" {
		return ErrInvalidID
	}
	if err := s.client.Del(ctx, s.key(courseID)).Err(); err != nil {
		return fmt.Errorf("deleting progress: %w", err)
	}
	return nil
}
