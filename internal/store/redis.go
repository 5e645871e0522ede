package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedStore wraps a primary Store with a Redis read-through cache for the
// bot directory, shared by every reconciler instance. All other calls go
// straight to the primary.
type CachedStore struct {
	Store
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) IsBotAccount(ctx context.Context, accountID int64) (bool, error) {
	return s.readThrough(ctx, botAccountKey(accountID), func() (bool, error) {
		return s.Store.IsBotAccount(ctx, accountID)
	})
}

func (s *CachedStore) IsBotUser(ctx context.Context, userID int64) (bool, error) {
	return s.readThrough(ctx, botUserKey(userID), func() (bool, error) {
		return s.Store.IsBotUser(ctx, userID)
	})
}

func (s *CachedStore) readThrough(ctx context.Context, key string, load func() (bool, error)) (bool, error) {
	// Try cache.
	if v, err := s.rdb.Get(ctx, key).Result(); err == nil {
		return v == "1", nil
	}

	// Cache miss or cache failure: read from primary.
	bot, err := load()
	if err != nil {
		return false, err
	}
	flag := "0"
	if bot {
		flag = "1"
	}
	if err := s.rdb.Set(ctx, key, flag, s.ttl).Err(); err != nil {
		slog.Debug("bot cache write failed", "key", key, "err", err)
	}
	return bot, nil
}

// --- Cache helpers ---

func botAccountKey(id int64) string { return fmt.Sprintf("bots:accountId_%d", id) }
func botUserKey(id int64) string    { return fmt.Sprintf("bots:userId_%d", id) }
