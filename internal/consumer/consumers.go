package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/atmx/reconciler/internal/botoracle"
	"github.com/atmx/reconciler/internal/cache"
	"github.com/atmx/reconciler/internal/drain"
	"github.com/atmx/reconciler/internal/flush"
	"github.com/atmx/reconciler/internal/model"
	"github.com/atmx/reconciler/internal/session"
	"github.com/atmx/reconciler/internal/store"
)

// Consumer names.
const (
	OrdersCache              = "orders_cache"
	AccountsCache            = "accounts_cache"
	PositionsCache           = "positions_cache"
	OrdersDB                 = "orders_db"
	AccountsDB               = "accounts_db"
	PositionsDB              = "positions_db"
	MarginHistoriesDB        = "margin_histories_db"
	PositionHistoriesDB      = "position_histories_db"
	PositionHistoryBySession = "position_history_by_session"
)

// Names lists every consumer in start order.
var Names = []string{
	OrdersCache, AccountsCache, PositionsCache,
	OrdersDB, AccountsDB, PositionsDB,
	MarginHistoriesDB, PositionHistoriesDB, PositionHistoryBySession,
}

// Tuning is the per-consumer flush configuration. MaxQueueSize only applies
// to queue-buffered consumers.
type Tuning struct {
	Interval     time.Duration
	BatchSize    int
	MaxQueueSize int
	Retry        flush.RetryPolicy
}

// DefaultTuning returns the built-in tuning for every consumer.
func DefaultTuning() map[string]Tuning {
	return map[string]Tuning{
		OrdersCache:              {Interval: 50 * time.Millisecond, BatchSize: 500, Retry: flush.LogAndDrop},
		AccountsCache:            {Interval: 100 * time.Millisecond, BatchSize: 500, Retry: flush.LogAndDrop},
		PositionsCache:           {Interval: 100 * time.Millisecond, BatchSize: 500, Retry: flush.LogAndDrop},
		OrdersDB:                 {Interval: 500 * time.Millisecond, BatchSize: 1000, Retry: flush.Infinite},
		AccountsDB:               {Interval: time.Second, BatchSize: 1000, Retry: flush.Infinite},
		PositionsDB:              {Interval: time.Second, BatchSize: 1000, Retry: flush.Infinite},
		MarginHistoriesDB:        {Interval: 500 * time.Millisecond, BatchSize: 5000, MaxQueueSize: 100_000, Retry: flush.Infinite},
		PositionHistoriesDB:      {Interval: time.Second, BatchSize: 5000, MaxQueueSize: 100_000, Retry: flush.LogAndDrop},
		PositionHistoryBySession: {Interval: 5 * time.Second, BatchSize: 50, MaxQueueSize: 50_000, Retry: flush.Infinite},
	}
}

// StopCodes maps each consumer to the command code that drains it.
var StopCodes = map[string]model.CommandCode{
	OrdersCache:              model.CodeStopSaveOrdersToCache,
	AccountsCache:            model.CodeStopSaveAccountsToCache,
	PositionsCache:           model.CodeStopSavePositionsToCache,
	OrdersDB:                 model.CodeStopSaveOrders,
	AccountsDB:               model.CodeStopSaveAccounts,
	PositionsDB:              model.CodeStopSavePositions,
	MarginHistoriesDB:        model.CodeStopSaveMarginHistories,
	PositionHistoriesDB:      model.CodeStopSavePositionHistories,
	PositionHistoryBySession: model.CodeStopSavePositionHistoryBySession,
}

// PositionPublisher forwards positions outside the reconciler.
type PositionPublisher interface {
	PublishPositions(ctx context.Context, positions []model.Position) error
}

// Deps are the shared collaborators of the consumers.
type Deps struct {
	Store     store.Store
	Cache     *cache.Writer
	Oracle    botoracle.Oracle
	Publisher PositionPublisher
	// Tuning overrides DefaultTuning per consumer name.
	Tuning map[string]Tuning
	// Drain is copied into every consumer; StopCode is filled per consumer.
	Drain drain.Config
	// DeleteCanceledBotOrders removes canceled, unfilled bot orders from the
	// cache instead of only recording them.
	DeleteCanceledBotOrders bool
	DeletedOrdersSize       int
	DeletedOrdersTTL        time.Duration
	SessionCacheSize        int
	SessionCacheTTL         time.Duration
}

// Build constructs the named consumers. An empty list builds all of them.
func Build(deps Deps, names ...string) ([]Consumer, error) {
	if len(names) == 0 {
		names = Names
	}
	tuning := DefaultTuning()
	for name, t := range deps.Tuning {
		tuning[name] = t
	}

	out := make([]Consumer, 0, len(names))
	for _, name := range names {
		t, ok := tuning[name]
		if !ok {
			return nil, fmt.Errorf("consumer: unknown consumer %q", name)
		}
		c, err := build(deps, name, t)
		if err != nil {
			return nil, fmt.Errorf("consumer %s: %w", name, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func build(deps Deps, name string, t Tuning) (Consumer, error) {
	dcfg := deps.Drain
	dcfg.StopCode = StopCodes[name]

	needCache := name == OrdersCache || name == AccountsCache || name == PositionsCache
	if needCache && deps.Cache == nil {
		return nil, fmt.Errorf("no cache writer")
	}
	if !needCache && deps.Store == nil {
		return nil, fmt.Errorf("no store")
	}

	switch name {
	case OrdersCache:
		sink := newOrderCacheSink(deps)
		return NewPipeline(Options[model.Order]{
			Name: name, Extract: model.Orders, Sink: sink.write,
			Interval: t.Interval, BatchSize: t.BatchSize, Retry: t.Retry, Drain: dcfg,
		}), nil
	case AccountsCache:
		return NewPipeline(Options[model.Account]{
			Name: name, Extract: model.Accounts, Sink: deps.Cache.WriteAccounts,
			Interval: t.Interval, BatchSize: t.BatchSize, Retry: t.Retry, Drain: dcfg,
		}), nil
	case PositionsCache:
		sink := &positionCacheSink{writer: deps.Cache, oracle: deps.Oracle, publisher: deps.Publisher, logger: slog.With("consumer", name)}
		return NewPipeline(Options[model.Position]{
			Name: name, Extract: model.Positions, Sink: sink.write,
			Interval: t.Interval, BatchSize: t.BatchSize, Retry: t.Retry, Drain: dcfg,
		}), nil
	case OrdersDB:
		return NewPipeline(Options[model.Order]{
			Name: name, Extract: model.Orders, Sink: deps.Store.UpsertOrders,
			Interval: t.Interval, BatchSize: t.BatchSize, Retry: t.Retry, Drain: dcfg,
		}), nil
	case AccountsDB:
		return NewPipeline(Options[model.Account]{
			Name: name, Extract: model.Accounts, Sink: deps.Store.UpsertAccounts,
			Interval: t.Interval, BatchSize: t.BatchSize, Retry: t.Retry, Drain: dcfg,
		}), nil
	case PositionsDB:
		return NewPipeline(Options[model.Position]{
			Name: name, Extract: model.Positions, Sink: deps.Store.UpsertPositions,
			Interval: t.Interval, BatchSize: t.BatchSize, Retry: t.Retry, Drain: dcfg,
		}), nil
	case MarginHistoriesDB:
		return NewPipeline(Options[model.MarginHistory]{
			Name: name, Extract: model.MarginHistories, Sink: deps.Store.InsertMarginHistories,
			Buffer:   QueueBuffer[model.MarginHistory](t.MaxQueueSize),
			Interval: t.Interval, BatchSize: t.BatchSize, Retry: t.Retry, Drain: dcfg,
		}), nil
	case PositionHistoriesDB:
		return NewPipeline(Options[model.PositionHistory]{
			Name: name, Extract: model.PositionHistories, Sink: deps.Store.InsertPositionHistories,
			Buffer:   QueueBuffer[model.PositionHistory](t.MaxQueueSize),
			Interval: t.Interval, BatchSize: t.BatchSize, Retry: t.Retry, Drain: dcfg,
		}), nil
	case PositionHistoryBySession:
		if deps.Oracle == nil {
			return nil, fmt.Errorf("no bot oracle")
		}
		// The deriver retries each event on its own; the batch is never
		// retried as a whole.
		retry := t.Retry
		deriver := session.New(deps.Store, deps.Oracle, session.Config{
			Name:      name,
			CacheSize: deps.SessionCacheSize,
			CacheTTL:  deps.SessionCacheTTL,
			Retry:     &retry,
			Now:       deps.Drain.Now,
		})
		return NewPipeline(Options[model.MarginHistory]{
			Name: name, Extract: model.MarginHistories, Sink: deriver.Apply,
			Buffer:   QueueBuffer[model.MarginHistory](t.MaxQueueSize),
			Interval: t.Interval, BatchSize: t.BatchSize, Retry: flush.LogAndDrop, Drain: dcfg,
		}), nil
	}
	return nil, fmt.Errorf("unknown consumer")
}

const (
	defaultDeletedOrdersSize = 100_000
	defaultDeletedOrdersTTL  = 10 * time.Minute
)

// orderCacheSink writes orders to the versioned cache. Canceled bot orders
// that never filled are remembered for a while; later versions of them are
// not cached again.
type orderCacheSink struct {
	writer  *cache.Writer
	oracle  botoracle.Oracle
	deleted *expirable.LRU[int64, struct{}]
	remove  bool
	logger  *slog.Logger
}

func newOrderCacheSink(deps Deps) *orderCacheSink {
	size, ttl := deps.DeletedOrdersSize, deps.DeletedOrdersTTL
	if size <= 0 {
		size = defaultDeletedOrdersSize
	}
	if ttl <= 0 {
		ttl = defaultDeletedOrdersTTL
	}
	return &orderCacheSink{
		writer:  deps.Cache,
		oracle:  deps.Oracle,
		deleted: expirable.NewLRU[int64, struct{}](size, nil, ttl),
		remove:  deps.DeleteCanceledBotOrders,
		logger:  slog.With("consumer", OrdersCache),
	}
}

func (s *orderCacheSink) write(ctx context.Context, orders []model.Order) error {
	keep := make([]model.Order, 0, len(orders))
	var drop []model.Order
	for _, o := range orders {
		if s.deleted.Contains(o.ID) {
			continue
		}
		if s.canceledBotOrder(ctx, o) {
			s.deleted.Add(o.ID, struct{}{})
			if s.remove {
				drop = append(drop, o)
				continue
			}
		}
		keep = append(keep, o)
	}

	if err := s.writer.WriteOrders(ctx, keep); err != nil {
		return err
	}
	for _, o := range drop {
		if err := s.writer.DeleteOrder(ctx, o); err != nil {
			return err
		}
	}
	if len(drop) > 0 {
		s.logger.Debug("canceled bot orders removed from cache", "count", len(drop))
	}
	return nil
}

func (s *orderCacheSink) canceledBotOrder(ctx context.Context, o model.Order) bool {
	if s.oracle == nil || o.Status != model.OrderCanceled || !o.ExecutedQty.IsZero() {
		return false
	}
	return s.oracle.IsBotAccount(ctx, o.AccountID)
}

// positionCacheSink writes positions to the cache and forwards the ones
// owned by real users. Forwarding is fire and forget.
type positionCacheSink struct {
	writer    *cache.Writer
	oracle    botoracle.Oracle
	publisher PositionPublisher
	logger    *slog.Logger
}

func (s *positionCacheSink) write(ctx context.Context, positions []model.Position) error {
	if err := s.writer.WritePositions(ctx, positions); err != nil {
		return err
	}
	if s.publisher == nil {
		return nil
	}

	forward := make([]model.Position, 0, len(positions))
	for _, p := range positions {
		if s.oracle != nil && (s.oracle.IsBotAccount(ctx, p.AccountID) || s.oracle.IsBotUser(ctx, p.UserID)) {
			continue
		}
		forward = append(forward, p)
	}
	if len(forward) == 0 {
		return nil
	}
	if err := s.publisher.PublishPositions(ctx, forward); err != nil {
		s.logger.Warn("position forward failed", "count", len(forward), "err", err)
	}
	return nil
}
