package content

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/playgate/internal/client"
	"github.com/goodtune/playgate/internal/metrics"
	"github.com/goodtune/playgate/internal/quiz"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

// Source provides levels and questions.
type Source interface {
	AvailableLevels(ctx context.Context, ref string) ([]int, error)
	Questions(ctx context.Context, level int, ref string, demo *client.Demo) ([]quiz.Question, error)
}

// Cache is a Source that remembers successful, non-empty lookups for a
// bounded time.
type Cache struct {
	src       Source
	levels    *expirable.LRU[string, []int]
	questions *expirable.LRU[string, []quiz.Question]
	capacity  int
	logger    zerolog.Logger
}

// NewCache wraps src with an LRU of size entries per kind expiring after ttl.
func NewCache(src Source, size int, ttl time.Duration, logger zerolog.Logger) *Cache {
	c := &Cache{
		src:       src,
		levels:    expirable.NewLRU[string, []int](size, nil, ttl),
		questions: expirable.NewLRU[string, []quiz.Question](size, nil, ttl),
		capacity:  size,
		logger:    logger.With().Str("component", "content-cache").Logger(),
	}

	c.logger.Info().
		Int("cache_size", size).
		Dur("cache_ttl", ttl).
		Msg("Content cache initialized")

	return c
}

// AvailableLevels implements Source
func (c *Cache) AvailableLevels(ctx context.Context, ref string) ([]int, error) {
	if levels, ok := c.levels.Get(ref); ok {
		metrics.ContentCacheHits.Inc()
		return levels, nil
	}
	metrics.ContentCacheMisses.Inc()

	levels, err := c.src.AvailableLevels(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(levels) > 0 {
		c.levels.Add(ref, levels)
	}

	return levels, nil
}

// Questions implements Source
func (c *Cache) Questions(ctx context.Context, level int, ref string, demo *client.Demo) ([]quiz.Question, error) {
	key := questionsKey(level, ref, demo)
	if qs, ok := c.questions.Get(key); ok {
		metrics.ContentCacheHits.Inc()
		c.logger.Debug().Str("key", key).Msg("Content cache hit")
		return qs, nil
	}
	metrics.ContentCacheMisses.Inc()

	qs, err := c.src.Questions(ctx, level, ref, demo)
	if err != nil {
		return nil, err
	}
	// Empty levels may be published later
	if len(qs) > 0 {
		c.questions.Add(key, qs)
	}

	return qs, nil
}

// Purge drops every cached entry
func (c *Cache) Purge() {
	c.levels.Purge()
	c.questions.Purge()
	c.logger.Info().Msg("Content cache cleared")
}

// Stats returns cache size and capacity
func (c *Cache) Stats() (size, capacity int) {
	return c.levels.Len() + c.questions.Len(), 2 * c.capacity
}

func questionsKey(level int, ref string, demo *client.Demo) string {
	if demo == nil {
		return fmt.Sprintf("%s|%d", ref, level)
	}
	return fmt.Sprintf("%s|%d|%s|%s", ref, level, demo.Audience, demo.GrantID)
}
