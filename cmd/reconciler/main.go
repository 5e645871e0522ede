package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/atmx/reconciler/internal/botoracle"
	"github.com/atmx/reconciler/internal/cache"
	"github.com/atmx/reconciler/internal/config"
	"github.com/atmx/reconciler/internal/consumer"
	"github.com/atmx/reconciler/internal/drain"
	"github.com/atmx/reconciler/internal/metrics"
	"github.com/atmx/reconciler/internal/store"
	"github.com/atmx/reconciler/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		slog.Error("reconciler failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("reconciler stopped")
}

func run(cfg *config.AppConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	st, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, closeStore)

	// --- Redis: versioned cache plus read-through bot lookups ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	cleanup = append(cleanup, func() { rdb.Close() })
	st = store.NewCachedStore(st, rdb, cfg.Bot.CacheTTL)
	backend := cache.NewRedisBackend(rdb)

	// --- Kafka publisher for non-bot positions ---
	publisher := stream.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.PositionTopic)
	cleanup = append(cleanup, func() { publisher.Close() })

	// --- Consumers ---
	consumers, err := consumer.Build(consumer.Deps{
		Store:     st,
		Cache:     cache.NewWriter(backend),
		Oracle:    botoracle.New(st, 0, cfg.Bot.CacheTTL),
		Publisher: publisher,
		Tuning:    cfg.Tuning,
		Drain: drain.Config{
			Dwell:        cfg.Drain.Dwell,
			PollInterval: cfg.Drain.PollInterval,
		},
		DeleteCanceledBotOrders: cfg.Bot.DeleteCanceledBotOrders,
		DeletedOrdersSize:       cfg.Bot.DeletedOrdersSize,
		DeletedOrdersTTL:        cfg.Bot.DeletedOrdersTTL,
		SessionCacheSize:        cfg.Session.CacheSize,
		SessionCacheTTL:         cfg.Session.CacheTTL,
	}, cfg.Consumers...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	for _, c := range consumers {
		reader := stream.NewReader(stream.ReaderConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.CommandTopic,
			GroupID: cfg.Kafka.GroupID(c.Name()),
		})
		source := stream.NewSource(reader, c)
		g.Go(func() error {
			c.Run(ctx)
			return nil
		})
		g.Go(func() error {
			if err := source.Run(ctx); err != nil {
				return fmt.Errorf("%s: %w", c.Name(), err)
			}
			return nil
		})
	}

	sweeper := cache.NewSweeper(backend, cache.SweepConfig{
		Interval:  cfg.Sweep.Interval,
		PageSize:  cfg.Sweep.PageSize,
		PageDelay: cfg.Sweep.PageDelay,
	})
	g.Go(func() error {
		sweeper.Run(ctx)
		return nil
	})

	// --- Supervisor: the process ends once every consumer has halted ---
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-allHalted(consumers):
			slog.Info("all consumers halted")
			cancel()
		}
		return nil
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", healthHandler(consumers))
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	g.Go(func() error {
		slog.Info("reconciler listening", "port", cfg.Server.Port, "consumers", cfg.Consumers)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		slog.Info("shutting down reconciler...")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStore(ctx context.Context, db config.DatabaseConfig) (store.Store, func(), error) {
	switch db.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, db.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		slog.Info("connected to PostgreSQL")
		return store.NewPostgresStore(pool), pool.Close, nil
	case "mysql":
		gdb, err := gorm.Open(mysql.Open(db.URL), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		s := store.NewGormStore(gdb)
		if err := s.Migrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		slog.Info("connected to MySQL")
		closeDB := func() {
			if sqlDB, err := gdb.DB(); err == nil {
				sqlDB.Close()
			}
		}
		return s, closeDB, nil
	default:
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), func() {}, nil
	}
}

// allHalted is closed once every consumer has halted.
func allHalted(consumers []consumer.Consumer) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for _, c := range consumers {
			<-c.Halted()
		}
		close(done)
	}()
	return done
}

type consumerHealth struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Buffered int    `json:"buffered"`
}

func healthHandler(consumers []consumer.Consumer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		out := make([]consumerHealth, 0, len(consumers))
		for _, c := range consumers {
			s := c.State()
			if s != drain.Running {
				status = "draining"
			}
			out = append(out, consumerHealth{Name: c.Name(), State: s.String(), Buffered: c.Buffered()})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":    status,
			"service":   "reconciler",
			"consumers": out,
		})
	}
}
