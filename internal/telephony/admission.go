package telephony

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"voice-gateway/pkg/utils"
)

// Admission caps how many inbound calls may be live at once.
type Admission interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// RedisAdmission shares the cap across every process using the same Redis.
// The counter key expires after TTL so a crashed process cannot leak slots forever.
type RedisAdmission struct {
	rdb   redis.Scripter
	key   string
	limit int
	ttl   time.Duration
}

func NewRedisAdmission(rdb redis.Scripter, key string, limit int, ttl time.Duration) *RedisAdmission {
	if key == "" {
		key = "voice-gateway:calls:inbound:active"
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisAdmission{rdb: rdb, key: key, limit: limit, ttl: ttl}
}

func (a *RedisAdmission) Acquire(ctx context.Context) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, a.rdb, a.key, a.limit, a.ttl)
}

func (a *RedisAdmission) Release(ctx context.Context) error {
	return utils.ReleaseConcurrencyCap(ctx, a.rdb, a.key)
}
