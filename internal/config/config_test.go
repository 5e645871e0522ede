package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/reconciler/internal/consumer"
	"github.com/atmx/reconciler/internal/flush"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "reconciler.orders_db", cfg.Kafka.GroupID(consumer.OrdersDB))
	assert.Equal(t, "memory", cfg.Database.Driver, "no DATABASE_URL forces memory")
	assert.Equal(t, consumer.Names, cfg.Consumers)
	assert.Equal(t, 10*time.Second, cfg.Drain.Dwell)
	assert.Equal(t, 500*time.Millisecond, cfg.Drain.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.Sweep.Interval)
	assert.Equal(t, int64(1000), cfg.Sweep.PageSize)
	assert.Equal(t, 20*time.Millisecond, cfg.Sweep.PageDelay)
	assert.False(t, cfg.Bot.DeleteCanceledBotOrders)
	assert.Equal(t, 100_000, cfg.Bot.DeletedOrdersSize)
	assert.Equal(t, 10*time.Minute, cfg.Bot.DeletedOrdersTTL)
	assert.Equal(t, 50_000, cfg.Session.CacheSize)
	assert.Equal(t, time.Hour, cfg.Session.CacheTTL)

	for name, want := range consumer.DefaultTuning() {
		assertTuning(t, want, cfg.Tuning[name], name)
	}
}

// assertTuning compares policies by name; they carry a func field.
func assertTuning(t *testing.T, want, got consumer.Tuning, name string) {
	t.Helper()
	assert.Equal(t, want.Interval, got.Interval, name)
	assert.Equal(t, want.BatchSize, got.BatchSize, name)
	assert.Equal(t, want.MaxQueueSize, got.MaxQueueSize, name)
	assert.Equal(t, want.Retry.String(), got.Retry.String(), name)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("DATABASE_URL", "root:pw@tcp(db:3306)/exchange")
	t.Setenv("DB_DRIVER", "MySQL")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CONSUMERS", "orders_db,position_history_by_session")
	t.Setenv("ORDERS_DB_INTERVAL", "250ms")
	t.Setenv("ORDERS_DB_BATCH_SIZE", "42")
	t.Setenv("ORDERS_DB_RETRY", "bounded-5")
	t.Setenv("DELETE_CANCELED_BOT_ORDERS", "true")
	t.Setenv("BOT_DELETED_ORDERS_CACHE_SIZE", "500")
	t.Setenv("BOT_DELETED_ORDERS_CACHE_TTL", "30s")
	t.Setenv("SESSION_CACHE_SIZE", "10")
	t.Setenv("SESSION_CACHE_TTL", "15m")

	cfg, err := load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, []string{consumer.OrdersDB, consumer.PositionHistoryBySession}, cfg.Consumers)
	assert.True(t, cfg.Bot.DeleteCanceledBotOrders)
	assert.Equal(t, 500, cfg.Bot.DeletedOrdersSize)
	assert.Equal(t, 30*time.Second, cfg.Bot.DeletedOrdersTTL)
	assert.Equal(t, 10, cfg.Session.CacheSize)
	assert.Equal(t, 15*time.Minute, cfg.Session.CacheTTL)

	od := cfg.Tuning[consumer.OrdersDB]
	assert.Equal(t, 250*time.Millisecond, od.Interval)
	assert.Equal(t, 42, od.BatchSize)
	assert.Equal(t, flush.Bounded(5).String(), od.Retry.String())

	// Untouched consumers keep their defaults.
	assertTuning(t, consumer.DefaultTuning()[consumer.MarginHistoriesDB], cfg.Tuning[consumer.MarginHistoriesDB], consumer.MarginHistoriesDB)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string][2]string{
		"duration":  {"STOP_DWELL", "soon"},
		"negative":  {"DRAIN_POLL_INTERVAL", "-1s"},
		"retry":     {"ORDERS_CACHE_RETRY", "sometimes"},
		"consumer":  {"CONSUMERS", "orders_db,nope"},
		"level":     {"LOG_LEVEL", "loud"},
		"batch":     {"ACCOUNTS_DB_BATCH_SIZE", "0"},
		"interval":  {"POSITIONS_DB_INTERVAL", "fast"},
		"db_driver": {"DB_DRIVER", "oracle"},
		"lru_size":  {"SESSION_CACHE_SIZE", "0"},
		"lru_ttl":   {"BOT_DELETED_ORDERS_CACHE_TTL", "never"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "postgres://localhost/reconciler")
			t.Setenv(kv[0], kv[1])
			_, err := load(viper.New())
			assert.Error(t, err)
		})
	}
}
