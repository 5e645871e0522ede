// Package cache reconciles matching-engine entities into the key-value cache.
// Every entity is written as a member of a per-entity sorted set scored by
// its reduced operation id, next to a plain key holding the latest value. A
// background sweep trims each sorted set down to its highest-scored member.
package cache

import (
	"context"
	"time"
)

// Member is a scored sorted-set member.
type Member struct {
	Score float64
	Value string
}

// Backend is the subset of the cache server the reconciler relies on.
// Writes are always issued through a Pipeline.
type Backend interface {
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error)
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)
	Pipeline() Pipeline
}

// Pipeline queues write commands and sends them in one round trip on Exec.
type Pipeline interface {
	ZAdd(ctx context.Context, key string, score float64, member string)
	ZRem(ctx context.Context, key string, members ...string)
	ZRemRangeByScore(ctx context.Context, key, min, max string)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Expire(ctx context.Context, key string, ttl time.Duration)
	SAdd(ctx context.Context, key string, members ...string)
	SRem(ctx context.Context, key string, members ...string)
	Del(ctx context.Context, keys ...string)
	Len() int
	Exec(ctx context.Context) error
}
