// Package cache stores graded verdicts by content fingerprint in an in-process L1 tier
// backed by an optional Redis L2 tier.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/SAP-F-2025/grading-service/internal/errors"
	"github.com/SAP-F-2025/grading-service/internal/metrics"
	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/SAP-F-2025/grading-service/internal/utils"
)

const l2WriteTimeout = 5 * time.Second

// Manager is the cache service injected into the batch manager.
type Manager interface {
	// GetCachedResults returns fresh verdicts keyed by question id.
	GetCachedResults(ctx context.Context, questions []models.QuestionInput) map[string]models.GradedAnswer
	// WriteResults stores every non-fallback result whose question is present in questions.
	WriteResults(ctx context.Context, results []models.GradedAnswer, questions []models.QuestionInput)
	CleanupCache(ctx context.Context) (int, error)
	Stats(ctx context.Context) models.CacheStats
	Close()
}

type Options struct {
	MaxEntries int
	TTL        time.Duration
}

// TieredManager reads L1 then L2, promoting L2 hits into L1; writes go to L1 synchronously
// and to L2 in the background.
type TieredManager struct {
	l1      *MemoryStore
	l2      L2Store
	ttl     time.Duration
	logger  utils.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
	writes sync.WaitGroup
}

// NewTieredManager builds the cache; l2 may be nil for an L1-only deployment.
func NewTieredManager(opts Options, l2 L2Store, logger utils.Logger, m *metrics.Metrics) *TieredManager {
	return &TieredManager{
		l1:      NewMemoryStore(opts.MaxEntries),
		l2:      l2,
		ttl:     opts.TTL,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

var _ Manager = (*TieredManager)(nil)

func (c *TieredManager) GetCachedResults(ctx context.Context, questions []models.QuestionInput) map[string]models.GradedAnswer {
	now := c.now()
	found := make(map[string]models.GradedAnswer)
	keyToID := make(map[string]string)
	var l2Keys []string

	for _, q := range questions {
		key := Fingerprint(q)
		if entry, ok := c.l1.Get(key); ok {
			if entry.Valid(now, c.ttl) && entry.Result.QuestionID == q.ID {
				found[q.ID] = entry.Result
				continue
			}
			c.l1.Delete(key)
			c.countEviction(1)
		}
		if c.l2 != nil {
			if _, dup := keyToID[key]; !dup {
				keyToID[key] = q.ID
				l2Keys = append(l2Keys, key)
			}
		}
	}

	if len(l2Keys) > 0 {
		c.readL2(ctx, now, l2Keys, keyToID, found)
	}

	hits := int64(len(found))
	misses := int64(len(questions)) - hits
	c.hits.Add(hits)
	c.misses.Add(misses)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Add(float64(hits))
		c.metrics.CacheMissesTotal.Add(float64(misses))
	}
	return found
}

func (c *TieredManager) readL2(ctx context.Context, now time.Time, keys []string, keyToID map[string]string, found map[string]models.GradedAnswer) {
	entries, corrupt, err := c.l2.GetMany(ctx, keys)
	if err != nil {
		c.logger.Warn("L2 cache read failed, treating as miss", "keys", len(keys), "error", err)
		return
	}

	for key, entry := range entries {
		id := keyToID[key]
		if !entry.Valid(now, c.ttl) || entry.Result.QuestionID != id {
			corrupt = append(corrupt, key)
			continue
		}
		c.l1.Put(entry)
		found[id] = entry.Result.Clone()
	}

	if len(corrupt) > 0 {
		c.logger.Warn("Evicting corrupt L2 cache entries",
			"count", len(corrupt),
			"keys", corrupt,
			"error", apperrors.ErrCacheCorrupt)
		if err := c.l2.Delete(ctx, corrupt...); err != nil {
			c.logger.Warn("Failed to evict corrupt L2 entries", "error", err)
		}
	}
}

func (c *TieredManager) WriteResults(ctx context.Context, results []models.GradedAnswer, questions []models.QuestionInput) {
	byID := make(map[string]models.QuestionInput, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	now := c.now()
	entries := make([]models.CacheEntry, 0, len(results))
	for _, r := range results {
		q, ok := byID[r.QuestionID]
		if !ok || r.IsFallback() {
			continue
		}
		entry := models.CacheEntry{Key: Fingerprint(q), Result: r.Clone(), WrittenAt: now}
		c.countEviction(c.l1.Put(entry))
		entries = append(entries, entry)
	}

	if c.l2 == nil || len(entries) == 0 {
		return
	}
	c.writes.Add(1)
	go func() {
		defer c.writes.Done()
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l2WriteTimeout)
		defer cancel()
		if err := c.l2.SetMany(writeCtx, entries); err != nil {
			c.logger.Warn("L2 cache write failed", "entries", len(entries), "error", err)
		}
	}()
}

func (c *TieredManager) CleanupCache(ctx context.Context) (int, error) {
	now := c.now()
	removed := c.l1.PruneExpired(now, c.ttl)
	c.countEviction(removed)
	if c.l2 == nil {
		return removed, nil
	}
	n, err := c.l2.Cleanup(ctx, now)
	return removed + n, err
}

func (c *TieredManager) Stats(ctx context.Context) models.CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	stats := models.CacheStats{
		L1Size:              c.l1.Len(),
		Hits:                hits,
		Misses:              misses,
		MemoryUsageEstimate: c.l1.MemoryUsage(),
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	if c.l2 != nil {
		size, err := c.l2.Size(ctx)
		if err != nil {
			c.logger.Warn("Failed to read L2 cache size", "error", err)
		}
		stats.L2Size = size
	}
	return stats
}

// Flush waits for in-flight L2 writes.
func (c *TieredManager) Flush() {
	c.writes.Wait()
}

func (c *TieredManager) Close() {
	c.Flush()
}

func (c *TieredManager) countEviction(n int) {
	if n > 0 && c.metrics != nil {
		c.metrics.CacheEvictions.Add(float64(n))
	}
}

// RunCleanup calls CleanupCache every interval until ctx is done.
func RunCleanup(ctx context.Context, m Manager, interval time.Duration, logger utils.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := m.CleanupCache(ctx)
			if err != nil {
				logger.Warn("Cache cleanup failed", "removed", removed, "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("Cache cleanup completed", "removed", removed)
			}
		}
	}
}
