package schemastore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-refine/pkg/config"
)

// NewRedisClient creates a new Redis client with the given configuration.
// Returns nil if Redis is not configured (host is empty).
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

const embeddingKeyPrefix = "ekaya-refine:embedding:"

// CachedEmbedder serves vectors from Redis and embeds only the misses.
// Redis failures degrade to calling the wrapped embedder; they are logged, never returned.
type CachedEmbedder struct {
	next   Embedder
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedEmbedder wraps next with a Redis cache. Entries expire after ttl (0 keeps them).
func NewCachedEmbedder(next Embedder, client *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedEmbedder {
	return &CachedEmbedder{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger.Named("embedding-cache"),
	}
}

func (c *CachedEmbedder) Name() string {
	return c.next.Name()
}

func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = c.key(text)
	}

	out := make([][]float32, len(texts))
	var missIdx []int

	cached, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.Warn("Embedding cache lookup failed", zap.Error(err))
		cached = nil
	}
	for i := range texts {
		if i < len(cached) {
			if s, ok := cached[i].(string); ok {
				var v []float32
				if err := json.Unmarshal([]byte(s), &v); err == nil {
					out[i] = v
					continue
				}
			}
		}
		missIdx = append(missIdx, i)
	}

	if len(missIdx) == 0 {
		return out, nil
	}

	missTexts := make([]string, len(missIdx))
	for j, i := range missIdx {
		missTexts[j] = texts[i]
	}
	vectors, err := c.next.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}

	pipe := c.client.Pipeline()
	for j, i := range missIdx {
		out[i] = vectors[j]
		data, err := json.Marshal(vectors[j])
		if err != nil {
			continue
		}
		pipe.Set(ctx, keys[i], data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("Embedding cache write failed", zap.Int("entries", len(missIdx)), zap.Error(err))
	}

	c.logger.Debug("Embedded texts",
		zap.Int("requested", len(texts)),
		zap.Int("cache_hits", len(texts)-len(missIdx)))
	return out, nil
}

func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return embeddingKeyPrefix + c.next.Name() + ":" + hex.EncodeToString(sum[:])
}
