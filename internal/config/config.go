// Package config loads reconciler settings from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/atmx/reconciler/internal/consumer"
	"github.com/atmx/reconciler/internal/flush"
)

type ServerConfig struct {
	Port string
}

type KafkaConfig struct {
	Brokers       []string
	CommandTopic  string
	GroupPrefix   string
	PositionTopic string
}

// GroupID is the consumer group of one reconciliation consumer.
func (k KafkaConfig) GroupID(name string) string {
	return k.GroupPrefix + "." + name
}

type DatabaseConfig struct {
	// Driver is postgres, mysql or memory.
	Driver string
	URL    string
}

type DrainConfig struct {
	Dwell        time.Duration
	PollInterval time.Duration
}

type SweepConfig struct {
	Interval  time.Duration
	PageSize  int64
	PageDelay time.Duration
}

type BotConfig struct {
	CacheTTL                time.Duration
	DeleteCanceledBotOrders bool
	// DeletedOrdersSize and DeletedOrdersTTL bound the memory of canceled
	// bot orders that are no longer cached.
	DeletedOrdersSize int
	DeletedOrdersTTL  time.Duration
}

// SessionConfig bounds the open-session cache of the session deriver.
type SessionConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

type AppConfig struct {
	Server    ServerConfig
	LogLevel  slog.Level
	Kafka     KafkaConfig
	RedisURL  string
	Database  DatabaseConfig
	Consumers []string
	Drain     DrainConfig
	Sweep     SweepConfig
	Bot       BotConfig
	Session   SessionConfig
	Tuning    map[string]consumer.Tuning
}

// Load reads .env (when present) and the environment.
func Load() (*AppConfig, error) {
	_ = godotenv.Load()
	return load(viper.New())
}

func load(v *viper.Viper) (*AppConfig, error) {
	v.AutomaticEnv()

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_COMMAND_TOPIC", "matching_engine.output")
	v.SetDefault("KAFKA_GROUP_PREFIX", "reconciler")
	v.SetDefault("KAFKA_POSITION_TOPIC", "positions.non_bot")
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("CONSUMERS", "all")
	v.SetDefault("STOP_DWELL", "10s")
	v.SetDefault("DRAIN_POLL_INTERVAL", "500ms")
	v.SetDefault("CACHE_SWEEP_INTERVAL", "5s")
	v.SetDefault("CACHE_SWEEP_PAGE_SIZE", 1000)
	v.SetDefault("CACHE_SWEEP_PAGE_DELAY", "20ms")
	v.SetDefault("DELETE_CANCELED_BOT_ORDERS", false)
	v.SetDefault("BOT_CACHE_TTL", "5m")
	v.SetDefault("BOT_DELETED_ORDERS_CACHE_SIZE", 100_000)
	v.SetDefault("BOT_DELETED_ORDERS_CACHE_TTL", "10m")
	v.SetDefault("SESSION_CACHE_SIZE", 50_000)
	v.SetDefault("SESSION_CACHE_TTL", "1h")

	cfg := &AppConfig{
		Server: ServerConfig{Port: v.GetString("HTTP_PORT")},
		Kafka: KafkaConfig{
			Brokers:       splitList(v.GetString("KAFKA_BROKERS")),
			CommandTopic:  v.GetString("KAFKA_COMMAND_TOPIC"),
			GroupPrefix:   v.GetString("KAFKA_GROUP_PREFIX"),
			PositionTopic: v.GetString("KAFKA_POSITION_TOPIC"),
		},
		RedisURL: v.GetString("REDIS_URL"),
		Database: DatabaseConfig{
			Driver: strings.ToLower(v.GetString("DB_DRIVER")),
			URL:    v.GetString("DATABASE_URL"),
		},
		Sweep: SweepConfig{PageSize: v.GetInt64("CACHE_SWEEP_PAGE_SIZE")},
		Bot: BotConfig{
			DeleteCanceledBotOrders: v.GetBool("DELETE_CANCELED_BOT_ORDERS"),
			DeletedOrdersSize:       v.GetInt("BOT_DELETED_ORDERS_CACHE_SIZE"),
		},
		Session: SessionConfig{CacheSize: v.GetInt("SESSION_CACHE_SIZE")},
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("LOG_LEVEL"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	if cfg.Database.URL == "" {
		cfg.Database.Driver = "memory"
	}
	switch cfg.Database.Driver {
	case "postgres", "mysql", "memory":
	default:
		return nil, fmt.Errorf("invalid DB_DRIVER %q", cfg.Database.Driver)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"STOP_DWELL", &cfg.Drain.Dwell},
		{"DRAIN_POLL_INTERVAL", &cfg.Drain.PollInterval},
		{"CACHE_SWEEP_INTERVAL", &cfg.Sweep.Interval},
		{"CACHE_SWEEP_PAGE_DELAY", &cfg.Sweep.PageDelay},
		{"BOT_CACHE_TTL", &cfg.Bot.CacheTTL},
		{"BOT_DELETED_ORDERS_CACHE_TTL", &cfg.Bot.DeletedOrdersTTL},
		{"SESSION_CACHE_TTL", &cfg.Session.CacheTTL},
	}
	for _, d := range durations {
		parsed, err := duration(v, d.key)
		if err != nil {
			return nil, err
		}
		*d.dst = parsed
	}

	sizes := []struct {
		key string
		n   int
	}{
		{"BOT_DELETED_ORDERS_CACHE_SIZE", cfg.Bot.DeletedOrdersSize},
		{"SESSION_CACHE_SIZE", cfg.Session.CacheSize},
	}
	for _, sz := range sizes {
		if sz.n <= 0 {
			return nil, fmt.Errorf("invalid %s: must be positive", sz.key)
		}
	}

	consumers, err := selectConsumers(v.GetString("CONSUMERS"))
	if err != nil {
		return nil, err
	}
	cfg.Consumers = consumers

	tuning, err := loadTuning(v)
	if err != nil {
		return nil, err
	}
	cfg.Tuning = tuning

	return cfg, nil
}

// loadTuning overlays <NAME>_INTERVAL, <NAME>_BATCH_SIZE, <NAME>_MAX_QUEUE_SIZE
// and <NAME>_RETRY on the built-in tuning of each consumer.
func loadTuning(v *viper.Viper) (map[string]consumer.Tuning, error) {
	tuning := consumer.DefaultTuning()
	for name, t := range tuning {
		prefix := strings.ToUpper(name) + "_"

		v.SetDefault(prefix+"INTERVAL", t.Interval.String())
		v.SetDefault(prefix+"BATCH_SIZE", t.BatchSize)
		v.SetDefault(prefix+"MAX_QUEUE_SIZE", t.MaxQueueSize)
		v.SetDefault(prefix+"RETRY", t.Retry.String())

		interval, err := duration(v, prefix+"INTERVAL")
		if err != nil {
			return nil, err
		}
		retry, err := flush.ParsePolicy(v.GetString(prefix + "RETRY"))
		if err != nil {
			return nil, fmt.Errorf("invalid %sRETRY: %w", prefix, err)
		}
		t.Interval = interval
		t.BatchSize = v.GetInt(prefix + "BATCH_SIZE")
		t.MaxQueueSize = v.GetInt(prefix + "MAX_QUEUE_SIZE")
		t.Retry = retry

		if t.BatchSize <= 0 {
			return nil, fmt.Errorf("invalid %sBATCH_SIZE: must be positive", prefix)
		}
		tuning[name] = t
	}
	return tuning, nil
}

func selectConsumers(list string) ([]string, error) {
	names := splitList(list)
	if len(names) == 0 || (len(names) == 1 && names[0] == "all") {
		return append([]string(nil), consumer.Names...), nil
	}
	known := make(map[string]bool, len(consumer.Names))
	for _, n := range consumer.Names {
		known[n] = true
	}
	for _, n := range names {
		if !known[n] {
			return nil, fmt.Errorf("invalid CONSUMERS: unknown consumer %q", n)
		}
	}
	return names, nil
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
