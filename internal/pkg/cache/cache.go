package cache

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/billingsync/internal/pkg/config"
)

var client *redis.Client

// SetupCache initializes the connection to the Redis compatible cache server.
// It returns nil when no cache host is configured.
func SetupCache(cfg config.CacheConfig) *redis.Client {
	if !cfg.Enabled() {
		log.Info("[Cache] No cache host configured, running without cache")
		client = nil
		return nil
	}

	client = redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Warnf("[Cache] Could not connect to cache: %v", err)
	} else {
		log.Infof("[Cache] Successfully connected to cache: %s", pong)
	}
	return client
}

// GetClient returns the Redis client instance, or nil without a cache.
func GetClient() *redis.Client {
	return client
}
