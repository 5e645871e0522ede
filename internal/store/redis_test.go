package store

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedStore_FallsBackWhenCacheDown(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })

	primary := NewMemoryStore()
	primary.AddBotAccounts(3)
	primary.AddBotUsers(4)
	s := NewCachedStore(primary, rdb, time.Minute)
	ctx := context.Background()

	bot, err := s.IsBotAccount(ctx, 3)
	require.NoError(t, err)
	assert.True(t, bot)

	bot, err = s.IsBotAccount(ctx, 30)
	require.NoError(t, err)
	assert.False(t, bot)

	bot, err = s.IsBotUser(ctx, 4)
	require.NoError(t, err)
	assert.True(t, bot)
}
