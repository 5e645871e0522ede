// Package botoracle answers whether an account or user belongs to a bot.
package botoracle

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Directory is the authoritative source of bot ownership.
type Directory interface {
	IsBotAccount(ctx context.Context, accountID int64) (bool, error)
	IsBotUser(ctx context.Context, userID int64) (bool, error)
}

// Oracle is the predicate consumers filter bot-owned entities with.
type Oracle interface {
	IsBotAccount(ctx context.Context, accountID int64) bool
	IsBotUser(ctx context.Context, userID int64) bool
}

const (
	DefaultSize = 100_000
	DefaultTTL  = 5 * time.Minute
)

// Cached memoizes Directory answers in bounded TTL caches. A lookup error is
// logged, answered as "not a bot" and not cached.
type Cached struct {
	dir      Directory
	accounts *expirable.LRU[int64, bool]
	users    *expirable.LRU[int64, bool]
	logger   *slog.Logger
}

// New creates a cached oracle. Non-positive size or ttl use the defaults.
func New(dir Directory, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cached{
		dir:      dir,
		accounts: expirable.NewLRU[int64, bool](size, nil, ttl),
		users:    expirable.NewLRU[int64, bool](size, nil, ttl),
		logger:   slog.With("component", "bot_oracle"),
	}
}

func (c *Cached) IsBotAccount(ctx context.Context, accountID int64) bool {
	return c.lookup(ctx, c.accounts, accountID, "accountId", c.dir.IsBotAccount)
}

func (c *Cached) IsBotUser(ctx context.Context, userID int64) bool {
	return c.lookup(ctx, c.users, userID, "userId", c.dir.IsBotUser)
}

func (c *Cached) lookup(
	ctx context.Context,
	cache *expirable.LRU[int64, bool],
	id int64,
	attr string,
	load func(context.Context, int64) (bool, error),
) bool {
	if bot, ok := cache.Get(id); ok {
		return bot
	}
	bot, err := load(ctx, id)
	if err != nil {
		c.logger.Warn("bot lookup failed, treating as non-bot", attr, id, "err", err)
		return false
	}
	cache.Add(id, bot)
	return bot
}
