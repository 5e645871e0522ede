package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/reconciler/internal/model"
	"github.com/atmx/reconciler/internal/opid"
)

func order(id int64, op int64, status model.OrderStatus) model.Order {
	return model.Order{
		ID:          id,
		UserID:      7,
		AccountID:   70,
		Symbol:      "BTCUSDT",
		Status:      status,
		Price:       decimal.NewFromInt(100),
		Quantity:    decimal.NewFromInt(1),
		TmpID:       "tmp-1",
		OperationID: opid.New(op),
	}
}

func newClock() (func() time.Time, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	return func() time.Time { return now }, &now
}

func TestWriter_Orders(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(nil)
	w := NewWriter(b)

	require.NoError(t, w.WriteOrders(ctx, []model.Order{order(1, 10, model.OrderActive)}))

	members, err := b.ZRevRangeWithScores(ctx, "orders_by_score:userId_7:orderId_1", 0, -1)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, float64(10), members[0].Score)

	var got model.Order
	require.NoError(t, json.Unmarshal([]byte(members[0].Value), &got))
	assert.Equal(t, "10", got.OperationID.String())

	tmp, err := b.Get(ctx, "orders:userId_7:tmpId_tmp-1")
	require.NoError(t, err)
	assert.Equal(t, members[0].Value, tmp)

	active, err := b.SMembers(ctx, ActiveOrderIDsKey(7))
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, active)

	require.NoError(t, w.WriteOrders(ctx, []model.Order{order(1, 11, model.OrderFilled)}))
	active, err = b.SMembers(ctx, ActiveOrderIDsKey(7))
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestWriter_TTL(t *testing.T) {
	ctx := context.Background()
	now, _ := newClock()
	b := NewMemoryBackend(now)
	w := NewWriter(b)

	require.NoError(t, w.WriteAccounts(ctx, []model.Account{{ID: 3, UserID: 7, Asset: "USDT", OperationID: opid.New(1)}}))
	require.NoError(t, w.WritePositions(ctx, []model.Position{{ID: 5, UserID: 7, AccountID: 3, OperationID: opid.New(1)}}))

	assert.Equal(t, AccountTTL, b.TTL("accounts:userId_7:asset_USDT"))
	assert.Equal(t, AccountTTL, b.TTL("accounts:userId_7:accountId_3"))
	assert.Equal(t, PositionTTL, b.TTL("positions:userId_7:accountId_3:positionId_5"))
}

func TestMemoryBackend_ExpiresLazily(t *testing.T) {
	ctx := context.Background()
	now, at := newClock()
	b := NewMemoryBackend(now)

	pipe := b.Pipeline()
	pipe.Set(ctx, "k", "v", time.Minute)
	require.NoError(t, pipe.Exec(ctx))

	v, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	*at = at.Add(time.Minute)
	_, err = b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestWriter_DeleteOrder(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(nil)
	w := NewWriter(b)
	o := order(1, 10, model.OrderActive)

	require.NoError(t, w.WriteOrders(ctx, []model.Order{o}))
	require.NoError(t, w.DeleteOrder(ctx, o))
	assert.Empty(t, b.Keys())
}

func TestSweep_KeepsOnlyLatest(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(nil)
	w := NewWriter(b)

	for _, op := range []int64{10, 20, 30} {
		require.NoError(t, w.WriteOrders(ctx, []model.Order{order(1, op, model.OrderActive)}))
	}
	key := OrderVersionsKey(7, 1)
	members, err := b.ZRevRangeWithScores(ctx, key, 0, -1)
	require.NoError(t, err)
	require.Len(t, members, 3)

	s := NewSweeper(b, SweepConfig{PageDelay: time.Millisecond})
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	members, err = b.ZRevRangeWithScores(ctx, key, 0, -1)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, float64(30), members[0].Score)

	// A second pass has nothing to do.
	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweep_RepairsFromLatest(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(nil)
	w := NewWriter(b)

	// The filled version lands first, then a stale active version.
	require.NoError(t, w.WriteOrders(ctx, []model.Order{order(1, 30, model.OrderFilled)}))
	require.NoError(t, w.WriteOrders(ctx, []model.Order{order(1, 20, model.OrderActive)}))

	active, err := b.SMembers(ctx, ActiveOrderIDsKey(7))
	require.NoError(t, err)
	require.Equal(t, []string{"1"}, active)

	_, err = NewSweeper(b, SweepConfig{}).Sweep(ctx)
	require.NoError(t, err)

	active, err = b.SMembers(ctx, ActiveOrderIDsKey(7))
	require.NoError(t, err)
	assert.Empty(t, active)

	tmp, err := b.Get(ctx, OrderTmpKey(7, "tmp-1"))
	require.NoError(t, err)
	var got model.Order
	require.NoError(t, json.Unmarshal([]byte(tmp), &got))
	assert.Equal(t, model.OrderFilled, got.Status)
}

func TestSweep_EmptyAndPaged(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(nil)

	n, err := NewSweeper(b, SweepConfig{}).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	w := NewWriter(b)
	for id := int64(1); id <= 5; id++ {
		for _, op := range []int64{1, 2} {
			require.NoError(t, w.WriteAccounts(ctx, []model.Account{{ID: id, UserID: 9, Asset: "USDT", OperationID: opid.New(op)}}))
		}
	}
	n, err = NewSweeper(b, SweepConfig{PageSize: 2, PageDelay: time.Millisecond}, AccountTarget()).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestSweep_StopsOnCancel(t *testing.T) {
	b := NewMemoryBackend(nil)
	w := NewWriter(b)
	for id := int64(1); id <= 4; id++ {
		require.NoError(t, w.WriteOrders(context.Background(), []model.Order{order(id, 1, model.OrderActive)}))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSweeper(b, SweepConfig{PageSize: 1}).Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriter_SameOperationReplacesVersion(t *testing.T) {
	ctx := context.Background()
	clock, _ := newClock()
	b := NewMemoryBackend(clock)
	w := NewWriter(b)

	require.NoError(t, w.WriteOrders(ctx, []model.Order{order(1, 30, model.OrderActive)}))
	require.NoError(t, w.WriteOrders(ctx, []model.Order{order(1, 30, model.OrderFilled)}))

	members, err := b.ZRevRangeWithScores(ctx, OrderVersionsKey(7, 1), 0, -1)
	require.NoError(t, err)
	require.Len(t, members, 1)
	var got model.Order
	require.NoError(t, json.Unmarshal([]byte(members[0].Value), &got))
	assert.Equal(t, model.OrderFilled, got.Status)
	assert.Equal(t, OrderTTL, b.TTL(OrderVersionsKey(7, 1)))

	active, err := b.SMembers(ctx, ActiveOrderIDsKey(7))
	require.NoError(t, err)
	assert.Empty(t, active)

	n, err := NewSweeper(b, SweepConfig{}).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweep_TiedTopScores(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(nil)
	key := AccountVersionsKey(9, 1)

	pipe := b.Pipeline()
	pipe.ZAdd(ctx, key, 10, `{"id":1,"userId":9,"asset":"USDT","balance":"1"}`)
	pipe.ZAdd(ctx, key, 20, `{"id":1,"userId":9,"asset":"USDT","balance":"2"}`)
	pipe.ZAdd(ctx, key, 20, `{"id":1,"userId":9,"asset":"USDT","balance":"3"}`)
	pipe.Expire(ctx, key, AccountTTL)
	require.NoError(t, pipe.Exec(ctx))

	s := NewSweeper(b, SweepConfig{}, AccountTarget())
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	members, err := b.ZRevRangeWithScores(ctx, key, 0, -1)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, float64(20), members[0].Score)
	assert.Positive(t, b.TTL(key))

	// Nothing left to trim, so nothing is counted again.
	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
