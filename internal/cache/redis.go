package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/SAP-F-2025/grading-service/internal/utils"
	"github.com/redis/go-redis/v9"
)

const (
	KeyPrefix     = "grading:cache:"
	scanBatchSize = 500
)

// L2Store is the durable cache tier.
type L2Store interface {
	// GetMany returns the decoded entries found for keys, plus the keys whose payload was corrupt.
	GetMany(ctx context.Context, keys []string) (map[string]models.CacheEntry, []string, error)
	SetMany(ctx context.Context, entries []models.CacheEntry) error
	Delete(ctx context.Context, keys ...string) error
	Size(ctx context.Context) (int64, error)
	Cleanup(ctx context.Context, now time.Time) (int, error)
}

// RedisStore keeps entries as JSON strings under KeyPrefix with a Redis-side TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger utils.Logger
}

func NewRedisStore(client *redis.Client, ttl time.Duration, logger utils.Logger) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

var _ L2Store = (*RedisStore)(nil)

func (s *RedisStore) key(fingerprint string) string {
	return KeyPrefix + fingerprint
}

func (s *RedisStore) GetMany(ctx context.Context, keys []string) (map[string]models.CacheEntry, []string, error) {
	found := make(map[string]models.CacheEntry, len(keys))
	if len(keys) == 0 {
		return found, nil, nil
	}

	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = s.key(k)
	}

	values, err := s.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read cache entries: %w", err)
	}

	var corrupt []string
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var entry models.CacheEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.Key != keys[i] {
			corrupt = append(corrupt, keys[i])
			continue
		}
		found[keys[i]] = entry
	}
	return found, corrupt, nil
}

func (s *RedisStore) SetMany(ctx context.Context, entries []models.CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, entry := range entries {
			payload, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("failed to encode cache entry: %w", err)
			}
			pipe.Set(ctx, s.key(entry.Key), payload, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write cache entries: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = s.key(k)
	}
	return s.client.Del(ctx, redisKeys...).Err()
}

// Size counts keys under the cache prefix.
func (s *RedisStore) Size(ctx context.Context) (int64, error) {
	var count int64
	iter := s.client.Scan(ctx, 0, KeyPrefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan cache keys: %w", err)
	}
	return count, nil
}

// Cleanup deletes entries that are expired by writtenAt or undecodable. Redis expires keys
// on its own; this catches entries written without a TTL or with an older, longer one.
func (s *RedisStore) Cleanup(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	var batch []string

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		values, err := s.client.MGet(ctx, batch...).Result()
		if err != nil {
			return err
		}
		var stale []string
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			var entry models.CacheEntry
			if err := json.Unmarshal([]byte(raw), &entry); err != nil || !entry.Valid(now, s.ttl) ||
				KeyPrefix+entry.Key != batch[i] {
				stale = append(stale, batch[i])
			}
		}
		if len(stale) > 0 {
			if err := s.client.Del(ctx, stale...).Err(); err != nil {
				return err
			}
			removed += len(stale)
		}
		batch = batch[:0]
		return nil
	}

	iter := s.client.Scan(ctx, 0, KeyPrefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= scanBatchSize {
			if err := flush(); err != nil {
				return removed, fmt.Errorf("failed to clean cache: %w", err)
			}
		}
	}
	if err := iter.Err(); err != nil && !errors.Is(err, redis.Nil) {
		return removed, fmt.Errorf("failed to scan cache keys: %w", err)
	}
	if err := flush(); err != nil {
		return removed, fmt.Errorf("failed to clean cache: %w", err)
	}

	if removed > 0 {
		s.logger.Debug("Removed stale L2 cache entries", "count", removed, "prefix", strings.TrimSuffix(KeyPrefix, ":"))
	}
	return removed, nil
}
