package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend over go-redis.
type RedisBackend struct {
	rdb redis.UniversalClient
}

// NewRedisBackend wraps a connected client.
func NewRedisBackend(rdb redis.UniversalClient) *RedisBackend {
	return &RedisBackend{rdb: rdb}
}

func (b *RedisBackend) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error) {
	zs, err := b.rdb.ZRevRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("cache zrevrange %s: %w", key, err)
	}
	members := make([]Member, 0, len(zs))
	for _, z := range zs {
		s, ok := z.Member.(string)
		if !ok {
			s = fmt.Sprint(z.Member)
		}
		members = append(members, Member{Score: z.Score, Value: s})
	}
	return members, nil
}

func (b *RedisBackend) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	return b.rdb.Scan(ctx, cursor, match, count).Result()
}

func (b *RedisBackend) Pipeline() Pipeline {
	return &redisPipeline{pipe: b.rdb.Pipeline()}
}

type redisPipeline struct {
	pipe redis.Pipeliner
}

func (p *redisPipeline) ZAdd(ctx context.Context, key string, score float64, member string) {
	p.pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
}

func (p *redisPipeline) ZRem(ctx context.Context, key string, members ...string) {
	p.pipe.ZRem(ctx, key, toArgs(members)...)
}

func (p *redisPipeline) ZRemRangeByScore(ctx context.Context, key, min, max string) {
	p.pipe.ZRemRangeByScore(ctx, key, min, max)
}

func (p *redisPipeline) Set(ctx context.Context, key, value string, ttl time.Duration) {
	p.pipe.Set(ctx, key, value, ttl)
}

func (p *redisPipeline) Expire(ctx context.Context, key string, ttl time.Duration) {
	p.pipe.Expire(ctx, key, ttl)
}

func (p *redisPipeline) SAdd(ctx context.Context, key string, members ...string) {
	p.pipe.SAdd(ctx, key, toArgs(members)...)
}

func (p *redisPipeline) SRem(ctx context.Context, key string, members ...string) {
	p.pipe.SRem(ctx, key, toArgs(members)...)
}

func (p *redisPipeline) Del(ctx context.Context, keys ...string) {
	p.pipe.Del(ctx, keys...)
}

func (p *redisPipeline) Len() int { return p.pipe.Len() }

func (p *redisPipeline) Exec(ctx context.Context) error {
	if p.pipe.Len() == 0 {
		return nil
	}
	if _, err := p.pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache pipeline exec: %w", err)
	}
	return nil
}

func toArgs(members []string) []interface{} {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return args
}
