package cache

import (
	"context"
	"errors"
	"time"
)

// Cache is the ephemeral key/value tier in front of the durable store.
//
// Invariants:
// - Every entry carries its own TTL.
// - Callers treat any error as a miss; cache failures never fail a request.

type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

func CallKey(id string) string    { return "call:" + id }
func SessionKey(id string) string { return "session:" + id }
