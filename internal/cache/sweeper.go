package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/reconciler/internal/flush"
	"github.com/atmx/reconciler/internal/metrics"
	"github.com/atmx/reconciler/internal/model"
)

// deletesPerExec bounds the size of one sweep pipeline.
const deletesPerExec = 100

// Target is one family of versioned sorted sets the sweeper trims.
type Target struct {
	Pattern string
	// Repair queues writes that bring the derived keys of an entity back in
	// line with the surviving member.
	Repair func(ctx context.Context, pipe Pipeline, top Member) error
}

// SweepConfig tunes a Sweeper. Zero values fall back to the defaults.
type SweepConfig struct {
	Interval  time.Duration
	PageSize  int64
	PageDelay time.Duration
}

const (
	DefaultSweepInterval  = 5 * time.Second
	DefaultSweepPageSize  = 1000
	DefaultSweepPageDelay = 20 * time.Millisecond
)

// Sweeper trims each versioned sorted set down to its highest-scored member.
type Sweeper struct {
	backend Backend
	cfg     SweepConfig
	targets []Target
	logger  *slog.Logger
}

// NewSweeper creates a sweeper. With no targets it sweeps orders, accounts
// and positions.
func NewSweeper(backend Backend, cfg SweepConfig, targets ...Target) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultSweepPageSize
	}
	if cfg.PageDelay <= 0 {
		cfg.PageDelay = DefaultSweepPageDelay
	}
	if len(targets) == 0 {
		targets = DefaultTargets()
	}
	return &Sweeper{
		backend: backend,
		cfg:     cfg,
		targets: targets,
		logger:  slog.With("component", "cache_sweeper"),
	}
}

// DefaultTargets returns the order, account and position targets.
func DefaultTargets() []Target {
	return []Target{OrderTarget(), AccountTarget(), PositionTarget()}
}

// OrderTarget trims order versions and re-derives activeOrderIds membership
// and the tmpId key from the latest order.
func OrderTarget() Target {
	return Target{
		Pattern: OrderVersionsPattern,
		Repair: func(ctx context.Context, pipe Pipeline, top Member) error {
			var o model.Order
			if err := json.Unmarshal([]byte(top.Value), &o); err != nil {
				return fmt.Errorf("decode order: %w", err)
			}
			trackActive(ctx, pipe, o)
			if o.TmpID != "" {
				pipe.Set(ctx, OrderTmpKey(o.UserID, o.TmpID), top.Value, OrderTTL)
			}
			return nil
		},
	}
}

func AccountTarget() Target {
	return Target{
		Pattern: AccountVersionsPattern,
		Repair: func(ctx context.Context, pipe Pipeline, top Member) error {
			var a model.Account
			if err := json.Unmarshal([]byte(top.Value), &a); err != nil {
				return fmt.Errorf("decode account: %w", err)
			}
			pipe.Set(ctx, AccountAssetKey(a.UserID, a.Asset), top.Value, AccountTTL)
			return nil
		},
	}
}

func PositionTarget() Target {
	return Target{
		Pattern: PositionVersionsPattern,
		Repair: func(ctx context.Context, pipe Pipeline, top Member) error {
			var p model.Position
			if err := json.Unmarshal([]byte(top.Value), &p); err != nil {
				return fmt.Errorf("decode position: %w", err)
			}
			pipe.Set(ctx, PositionKey(p.UserID, p.AccountID, p.ID), top.Value, PositionTTL)
			return nil
		},
	}
}

// Run sweeps every Interval until ctx is done. A sweep that outlasts the
// interval delays the next one.
func (s *Sweeper) Run(ctx context.Context) {
	flush.Every(ctx, s.cfg.Interval, func(ctx context.Context) {
		n, err := s.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("cache sweep failed", "err", err)
			return
		}
		if n > 0 {
			s.logger.Debug("cache sweep done", "trimmed", n)
		}
	})
}

// Sweep makes one pass over every target and returns the number of sorted
// sets that were trimmed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	total := 0
	for _, t := range s.targets {
		n, err := s.sweepTarget(ctx, t)
		total += n
		metrics.CacheSweepRemoved.WithLabelValues(t.Pattern).Add(float64(n))
		if err != nil {
			return total, fmt.Errorf("sweep %s: %w", t.Pattern, err)
		}
	}
	return total, nil
}

func (s *Sweeper) sweepTarget(ctx context.Context, t Target) (int, error) {
	var (
		cursor  uint64
		trimmed int
		pending int
	)
	pipe := s.backend.Pipeline()

	for {
		keys, next, err := s.backend.Scan(ctx, cursor, t.Pattern, s.cfg.PageSize)
		if err != nil {
			return trimmed, err
		}
		for _, key := range keys {
			// The top two members are enough to know whether anything sits
			// below the latest version.
			top, err := s.backend.ZRevRangeWithScores(ctx, key, 0, 1)
			if err != nil {
				return trimmed, err
			}
			if len(top) < 2 {
				continue
			}
			pipe.ZRemRangeByScore(ctx, key, "-inf", "("+formatScore(top[0].Score))
			if top[1].Score == top[0].Score {
				if err := s.dropTied(ctx, pipe, key, top[0]); err != nil {
					return trimmed, err
				}
			}
			if t.Repair != nil {
				if err := t.Repair(ctx, pipe, top[0]); err != nil {
					s.logger.Warn("skipping repair of undecodable member", "key", key, "err", err)
				}
			}
			trimmed++
			pending++
			if pending >= deletesPerExec {
				if err := pipe.Exec(ctx); err != nil {
					return trimmed, err
				}
				pipe = s.backend.Pipeline()
				pending = 0
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return trimmed, ctx.Err()
		case <-time.After(s.cfg.PageDelay):
		}
	}
	return trimmed, pipe.Exec(ctx)
}

// dropTied removes the members that share the top score but lost the tie
// ordering, leaving keep as the only version at that score.
func (s *Sweeper) dropTied(ctx context.Context, pipe Pipeline, key string, keep Member) error {
	members, err := s.backend.ZRevRangeWithScores(ctx, key, 0, -1)
	if err != nil {
		return err
	}
	var losers []string
	for _, m := range members {
		if m.Score == keep.Score && m.Value != keep.Value {
			losers = append(losers, m.Value)
		}
	}
	if len(losers) > 0 {
		pipe.ZRem(ctx, key, losers...)
	}
	return nil
}
