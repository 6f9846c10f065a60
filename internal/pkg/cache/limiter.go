package cache

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/billingsync/internal/pkg/config"
)

// NewLimiterStorage shares rate limiter counters between instances. It uses
// a separate database from the summary cache.
func NewLimiterStorage(cfg config.CacheConfig) fiber.Storage {
	port := 6379
	if p, err := strconv.Atoi(cfg.Port); err == nil {
		port = p
	}
	return redis.New(redis.Config{
		Host:     cfg.Host,
		Port:     port,
		Password: cfg.Password,
		Database: (cfg.DB + 1) % 16,
		Reset:    false,
	})
}
