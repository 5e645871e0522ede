package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/atmx/reconciler/internal/model"
	"github.com/atmx/reconciler/internal/opid"
)

// Writer adds entity versions to the versioned cache layout. Each write
// queues a ZADD of the serialized entity at its reduced operation id plus
// the latest-value key, and sends the whole batch as one pipeline.
type Writer struct {
	backend Backend
}

func NewWriter(backend Backend) *Writer {
	return &Writer{backend: backend}
}

// WriteOrders caches order versions and keeps activeOrderIds in step with
// each order's status.
func (w *Writer) WriteOrders(ctx context.Context, orders []model.Order) error {
	pipe := w.backend.Pipeline()
	for _, o := range orders {
		data, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("marshal order %d: %w", o.ID, err)
		}
		key := OrderVersionsKey(o.UserID, o.ID)
		addVersion(ctx, pipe, key, opid.Score(o.OperationID), string(data))
		pipe.Expire(ctx, key, OrderTTL)
		if o.TmpID != "" {
			pipe.Set(ctx, OrderTmpKey(o.UserID, o.TmpID), string(data), OrderTTL)
		}
		trackActive(ctx, pipe, o)
	}
	return pipe.Exec(ctx)
}

// DeleteOrder removes every cached trace of an order.
func (w *Writer) DeleteOrder(ctx context.Context, o model.Order) error {
	pipe := w.backend.Pipeline()
	keys := []string{OrderVersionsKey(o.UserID, o.ID)}
	if o.TmpID != "" {
		keys = append(keys, OrderTmpKey(o.UserID, o.TmpID))
	}
	pipe.Del(ctx, keys...)
	pipe.SRem(ctx, ActiveOrderIDsKey(o.UserID), strconv.FormatInt(o.ID, 10))
	return pipe.Exec(ctx)
}

func (w *Writer) WriteAccounts(ctx context.Context, accounts []model.Account) error {
	pipe := w.backend.Pipeline()
	for _, a := range accounts {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal account %d: %w", a.ID, err)
		}
		key := AccountVersionsKey(a.UserID, a.ID)
		addVersion(ctx, pipe, key, opid.Score(a.OperationID), string(data))
		pipe.Expire(ctx, key, AccountTTL)
		pipe.Set(ctx, AccountAssetKey(a.UserID, a.Asset), string(data), AccountTTL)
	}
	return pipe.Exec(ctx)
}

func (w *Writer) WritePositions(ctx context.Context, positions []model.Position) error {
	pipe := w.backend.Pipeline()
	for _, p := range positions {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal position %d: %w", p.ID, err)
		}
		key := PositionVersionsKey(p.UserID, p.AccountID, p.ID)
		addVersion(ctx, pipe, key, opid.Score(p.OperationID), string(data))
		pipe.Expire(ctx, key, PositionTTL)
		pipe.Set(ctx, PositionKey(p.UserID, p.AccountID, p.ID), string(data), PositionTTL)
	}
	return pipe.Exec(ctx)
}

// addVersion replaces whatever sits at score with member, so a rewrite at
// the same operation id leaves one version behind.
func addVersion(ctx context.Context, pipe Pipeline, key string, score float64, member string) {
	bound := formatScore(score)
	pipe.ZRemRangeByScore(ctx, key, bound, bound)
	pipe.ZAdd(ctx, key, score, member)
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}

func trackActive(ctx context.Context, pipe Pipeline, o model.Order) {
	id := strconv.FormatInt(o.ID, 10)
	switch {
	case o.Status.Active():
		pipe.SAdd(ctx, ActiveOrderIDsKey(o.UserID), id)
	case o.Status.Terminal():
		pipe.SRem(ctx, ActiveOrderIDsKey(o.UserID), id)
	}
}
