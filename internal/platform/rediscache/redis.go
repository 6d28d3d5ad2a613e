// Package rediscache configures the optional Redis client that fronts
// the blob store's step-data reads. Leaving Addr empty disables the
// cache; the hub falls back to talking to the blob store directly.
package rediscache

import (
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/buelon-hub/pipehub/internal/platform/env"
)

type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

func OptionsFromEnv() (Options, error) {
	db, err := env.Int("BLOB_CACHE_REDIS_DB", 0)
	if err != nil {
		return Options{}, err
	}
	ttl, err := env.Duration("BLOB_CACHE_REDIS_TTL", 24*time.Hour)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Addr:     env.String("BLOB_CACHE_REDIS_ADDR", ""),
		Password: env.String("BLOB_CACHE_REDIS_PASSWORD", ""),
		DB:       db,
		TTL:      ttl,
	}, nil
}

// NewClient returns nil, nil when Addr is empty, signaling "no cache".
func NewClient(opts Options) *redis.Client {
	if opts.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}
