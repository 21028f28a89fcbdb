package dispatch

import (
	"context"
	"log"

	"telegate/internal/config"
)

// Source produces operator commands from outside the HTTP API.
type Source interface {
	Run(ctx context.Context, sub Submitter) error
	Close() error
}

// NewSource returns the Redis command source when Redis is configured.
// It returns nil when Redis is disabled or unreachable, leaving the HTTP
// API as the only command source.
func NewSource(cfg config.RedisConfig) Source {
	if !cfg.Enabled() {
		log.Println("📭 No external command source (REDIS_HOST not set)")
		return nil
	}

	src, err := NewRedisSource(cfg)
	if err != nil {
		log.Printf("⚠️  Redis connection failed: %v", err)
		log.Println("📭 Falling back to HTTP command API only")
		return nil
	}
	log.Printf("📬 Using Redis command source: %s (channel %s)", cfg.Addr(), cfg.Channel)
	return src
}
