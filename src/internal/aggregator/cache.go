package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"proctorhub-monitoring-svc/src/internal/config"
	"proctorhub-monitoring-svc/src/internal/models"
	"proctorhub-monitoring-svc/src/internal/monitoring"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ViewCache bounds aggregation cost under dashboard polling. Entries are
// keyed by query shape plus a generation counter; bumping the generation
// orphans every cached view at once, which is how admin mutations invalidate
// eagerly without tracking individual keys.
type ViewCache interface {
	Get(ctx context.Context, q *monitoring.ListQuery) (*models.LiveView, error)
	Set(ctx context.Context, q *monitoring.ListQuery, view *models.LiveView) error
	Invalidate(ctx context.Context) error
}

type viewCache struct {
	client *redis.Client
	cfg    *config.CacheConfig
}

func NewViewCache(client *redis.Client, cfg *config.Configuration) ViewCache {
	return &viewCache{
		client: client,
		cfg:    &cfg.Cache,
	}
}

func (c *viewCache) Get(ctx context.Context, q *monitoring.ListQuery) (*models.LiveView, error) {
	key, err := c.key(ctx, q)
	if err != nil {
		return nil, err
	}

	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Not an error, just not found
		}
		logrus.WithError(err).WithField("key", key).Error("Failed to get live view from cache")
		return nil, models.ErrRedisGet
	}

	var view models.LiveView
	if err := json.Unmarshal([]byte(data), &view); err != nil {
		logrus.WithError(err).WithField("key", key).Error("Failed to unmarshal cached live view")
		return nil, models.ErrRedisGet
	}

	logrus.WithField("key", key).Debug("Live view served from cache")
	return &view, nil
}

func (c *viewCache) Set(ctx context.Context, q *monitoring.ListQuery, view *models.LiveView) error {
	key, err := c.key(ctx, q)
	if err != nil {
		return err
	}

	data, err := json.Marshal(view)
	if err != nil {
		logrus.WithError(err).Error("Failed to marshal live view for cache")
		return models.ErrRedisSet
	}

	ttl := time.Duration(c.cfg.LiveViewTTLSeconds) * time.Second
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		logrus.WithError(err).WithField("key", key).Error("Failed to cache live view")
		return models.ErrRedisSet
	}

	return nil
}

// Invalidate bumps the generation counter so every cached view misses on the
// next read. TTL eventually reclaims the orphaned entries.
func (c *viewCache) Invalidate(ctx context.Context) error {
	if err := c.client.Incr(ctx, c.cfg.GenerationKey).Err(); err != nil {
		logrus.WithError(err).Error("Failed to bump live view cache generation")
		return models.ErrRedisSet
	}
	logrus.Debug("Live view cache invalidated")
	return nil
}

func (c *viewCache) key(ctx context.Context, q *monitoring.ListQuery) (string, error) {
	generation, err := c.client.Get(ctx, c.cfg.GenerationKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		logrus.WithError(err).Error("Failed to read cache generation")
		return "", models.ErrRedisGet
	}

	examID, userID := "", ""
	if q != nil {
		examID, userID = q.ExamID, q.UserID
	}
	return fmt.Sprintf("%s:g%d:exam=%s:user=%s", c.cfg.LiveViewKeyPrefix, generation, examID, userID), nil
}
