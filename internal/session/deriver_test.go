package session

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/reconciler/internal/botoracle"
	"github.com/atmx/reconciler/internal/model"
	"github.com/atmx/reconciler/internal/store"
)

const positionID = 42

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, field string) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "%s: want %s, got %s", field, want, got)
}

// fill builds a matching event moving the position from before to after.
func fill(id, orderID int64, before, after, price, entryPrice, entryValueAfter, fee string) model.MarginHistory {
	action := model.ActionMatchingBuy
	if d(after).LessThan(d(before)) {
		action = model.ActionMatchingSell
	}
	return model.MarginHistory{
		ID:              id,
		PositionID:      positionID,
		AccountID:       7,
		UserID:          70,
		OrderID:         orderID,
		Symbol:          "BTCUSDT",
		Action:          action,
		Price:           d(price),
		CurrentQty:      d(before),
		CurrentQtyAfter: d(after),
		EntryPrice:      d(entryPrice),
		EntryPriceAfter: d(entryPrice),
		EntryValue:      d(before).Abs().Mul(d(entryPrice)),
		EntryValueAfter: d(entryValueAfter),
		Leverage:        d("10"),
		LeverageAfter:   d("10"),
		Fee:             d(fee),
		CreatedAt:       time.Unix(1_700_000_000+id, 0),
	}
}

func newDeriver(st *store.MemoryStore) *Deriver {
	return New(st, botoracle.New(st, 0, 0), Config{})
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Open, Classify(d("0"), d("5")))
	assert.Equal(t, Open, Classify(d("0"), d("-5")))
	assert.Equal(t, MatchOpen, Classify(d("5"), d("8")))
	assert.Equal(t, MatchClose, Classify(d("8"), d("3")))
	assert.Equal(t, MatchClose, Classify(d("3"), d("0")))
	assert.Equal(t, MatchOpen, Classify(d("-2"), d("-4")))
	assert.Equal(t, Reverse, Classify(d("5"), d("-3")))
	assert.Equal(t, Skip, Classify(d("0"), d("0")))
	assert.Equal(t, Skip, Classify(d("5"), d("5")))
}

func TestSortByID_NullsLast(t *testing.T) {
	events := []model.MarginHistory{{ID: 0, OrderID: 1}, {ID: 3}, {ID: 1}, {ID: 0, OrderID: 2}, {ID: 2}}
	SortByID(events)
	var ids []int64
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []int64{1, 2, 3, 0, 0}, ids)
	assert.Equal(t, int64(1), events[3].OrderID, "unknown ids keep arrival order")
}

func TestSplitFee(t *testing.T) {
	ev := model.MarginHistory{Fee: d("0.8")}
	closeFee, openFee := splitFee(ev, d("5"), d("3"))
	assertDec(t, "0.5", closeFee, "closeFee")
	assertDec(t, "0.3", openFee, "openFee")

	ev = model.MarginHistory{Fee: d("0.8"), OpenFee: d("0.1"), CloseFee: d("0.7")}
	closeFee, openFee = splitFee(ev, d("5"), d("3"))
	assertDec(t, "0.7", closeFee, "closeFee")
	assertDec(t, "0.1", openFee, "openFee")
}

func TestDeriver_OpenGrowShrinkClose(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	der := newDeriver(st)

	steps := []struct {
		ev         model.MarginHistory
		status     model.SessionStatus
		closeCount int
	}{
		{fill(1, 101, "0", "5", "100", "100", "500", "1"), model.SessionOpen, 0},
		{fill(2, 102, "5", "8", "110", "100", "830", "0.6"), model.SessionOpen, 0},
		{fill(3, 103, "8", "3", "120", "103.75", "311.25", "0.5"), model.SessionPartialClosed, 1},
		{fill(4, 104, "3", "0", "90", "103.75", "0", "0.3"), model.SessionClosed, 2},
	}

	for i, step := range steps {
		require.NoError(t, der.Apply(ctx, []model.MarginHistory{step.ev}))

		sessions := st.Sessions(positionID)
		require.Len(t, sessions, 1, "step %d", i)
		ses := sessions[0]
		assert.Equal(t, step.status, ses.Status, "step %d", i)
		assert.Equal(t, step.closeCount, ses.NumOfCloseOrders, "step %d", i)
		assert.True(t, ses.Pnl.Equal(ses.Profit.Sub(ses.Fee)), "pnl == profit - fee at step %d", i)
	}

	ses := st.Sessions(positionID)[0]
	assert.Equal(t, model.SideLong, ses.Side)
	assert.Equal(t, 2, ses.NumOfOpenOrders)
	assertDec(t, "5", ses.MinSize, "minSize")
	assertDec(t, "8", ses.MaxSize, "maxSize")
	assertDec(t, "50", ses.MinMargin, "minMargin")
	assertDec(t, "83", ses.MaxMargin, "maxMargin")
	assertDec(t, "1.6", ses.OpeningFee, "openingFee")
	assertDec(t, "0.8", ses.ClosingFee, "closingFee")
	assertDec(t, "2.4", ses.Fee, "fee")
	// (120-103.75)*5 + (90-103.75)*3
	assertDec(t, "40", ses.Profit, "profit")
	assertDec(t, "37.6", ses.Pnl, "pnl")
	assertDec(t, "105", ses.AvgEntryPrice, "avgEntryPrice")
	assertDec(t, "105", ses.AvgClosePrice, "avgClosePrice")
	assert.Equal(t, "10", ses.Leverages)
	require.NotNil(t, ses.CloseTime)
	assert.Equal(t, time.Unix(1_700_000_004, 0), *ses.CloseTime)
	assert.Equal(t, int64(4), ses.LastMarginHistoryID)
}

func TestDeriver_ReverseYieldsTwoSessions(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	der := newDeriver(st)

	require.NoError(t, der.Apply(ctx, []model.MarginHistory{
		fill(1, 101, "0", "5", "100", "100", "500", "1"),
		fill(2, 102, "5", "-3", "120", "100", "360", "0.8"),
	}))

	sessions := st.Sessions(positionID)
	require.Len(t, sessions, 2)

	closed, reopened := sessions[0], sessions[1]
	assert.Equal(t, model.SessionClosed, closed.Status)
	assert.Equal(t, 1, closed.NumOfCloseOrders)
	assertDec(t, "100", closed.Profit, "profit")
	assertDec(t, "0.5", closed.ClosingFee, "closingFee")
	assertDec(t, "98.5", closed.Pnl, "pnl")

	assert.Equal(t, model.SessionOpen, reopened.Status)
	assert.Equal(t, model.SideShort, reopened.Side)
	assertDec(t, "-3", reopened.MaxSize, "maxSize")
	assertDec(t, "3", reopened.MaxSize.Abs(), "size")
	assertDec(t, "-360", reopened.MaxValue, "maxValue")
	assertDec(t, "0.3", reopened.OpeningFee, "openingFee")
}

func TestDeriver_OutOfOrderBatchIsSorted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	der := newDeriver(st)

	require.NoError(t, der.Apply(ctx, []model.MarginHistory{
		fill(3, 103, "8", "0", "120", "103.75", "0", "0.5"),
		fill(1, 101, "0", "5", "100", "100", "500", "1"),
		fill(2, 102, "5", "8", "110", "100", "830", "0.6"),
	}))

	sessions := st.Sessions(positionID)
	require.Len(t, sessions, 1)
	assert.Equal(t, model.SessionClosed, sessions[0].Status)
	assert.Equal(t, 2, sessions[0].NumOfOpenOrders)
}

func TestDeriver_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	der := newDeriver(st)

	batch := []model.MarginHistory{
		fill(1, 101, "0", "5", "100", "100", "500", "1"),
		fill(2, 102, "5", "2", "110", "100", "200", "0.4"),
	}
	require.NoError(t, der.Apply(ctx, batch))
	first := st.Sessions(positionID)

	// A fresh deriver has an empty cache and must rely on the store.
	require.NoError(t, newDeriver(st).Apply(ctx, batch))
	require.NoError(t, der.Apply(ctx, batch))

	again := st.Sessions(positionID)
	require.Len(t, again, 1)
	assert.Equal(t, first[0].NumOfCloseOrders, again[0].NumOfCloseOrders)
	assertDec(t, first[0].Profit.String(), again[0].Profit, "profit")
	assertDec(t, first[0].Fee.String(), again[0].Fee, "fee")
}

func TestDeriver_FiltersBotsAndActions(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.AddBotAccounts(7)
	der := newDeriver(st)

	require.NoError(t, der.Apply(ctx, []model.MarginHistory{fill(1, 101, "0", "5", "100", "100", "500", "1")}))
	assert.Empty(t, st.Sessions(positionID))

	for _, action := range []model.MarginAction{model.ActionAdjustMargin, model.ActionLiquidation, model.ActionFunding} {
		st := store.NewMemoryStore()
		der := newDeriver(st)
		ev := fill(1, 101, "0", "5", "100", "100", "500", "1")
		ev.Action = action
		require.NoError(t, der.Apply(ctx, []model.MarginHistory{ev}))
		assert.Empty(t, st.Sessions(positionID), "%s must not open a session", action)
	}
}

func TestDeriver_NonTradeEventsLeaveOpenSessionAlone(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	der := newDeriver(st)

	liquidation := fill(2, 102, "5", "0", "90", "100", "0", "0.5")
	liquidation.Action = model.ActionLiquidation
	require.NoError(t, der.Apply(ctx, []model.MarginHistory{
		fill(1, 101, "0", "5", "100", "100", "500", "1"),
		liquidation,
		{ID: 3, PositionID: positionID, AccountID: 7, UserID: 70, Action: model.ActionFunding, Fee: d("0.25")},
	}))

	sessions := st.Sessions(positionID)
	require.Len(t, sessions, 1)
	assert.Equal(t, model.SessionOpen, sessions[0].Status)
	assert.Equal(t, 0, sessions[0].NumOfCloseOrders)
	assertDec(t, "0", sessions[0].FundingFee, "fundingFee")
	assertDec(t, "1", sessions[0].Fee, "fee")
}

func TestDeriver_MatchWithoutSessionIsSkipped(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	der := newDeriver(st)

	require.NoError(t, der.Apply(ctx, []model.MarginHistory{fill(5, 105, "5", "2", "100", "100", "200", "0")}))
	assert.Empty(t, st.Sessions(positionID))
}

func TestDeriver_RetriesDeadlocks(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	failures := 2
	st.SetErrorHook(func(op string) error {
		if op == "SaveSessionOrder" && failures > 0 {
			failures--
			return store.ErrDeadlock
		}
		return nil
	})
	der := newDeriver(st)

	require.NoError(t, der.Apply(ctx, []model.MarginHistory{
		fill(1, 101, "0", "5", "100", "100", "500", "1"),
		fill(2, 102, "5", "8", "110", "100", "830", "0.6"),
	}))

	sessions := st.Sessions(positionID)
	require.Len(t, sessions, 1)
	assert.Equal(t, 2, sessions[0].NumOfOpenOrders)
	assertDec(t, "1.6", sessions[0].OpeningFee, "openingFee")
}

type panickyStore struct {
	*store.MemoryStore
	position int64
}

func (s panickyStore) FindOpenSession(ctx context.Context, positionID int64) (*model.PositionHistoryBySession, error) {
	if positionID == s.position {
		panic("boom")
	}
	return s.MemoryStore.FindOpenSession(ctx, positionID)
}

func TestDeriver_PanicIsolatedToEvent(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	der := New(panickyStore{MemoryStore: mem, position: 1}, botoracle.New(mem, 0, 0), Config{})

	bad := fill(1, 101, "0", "5", "100", "100", "500", "1")
	bad.PositionID = 1
	good := fill(2, 102, "0", "5", "100", "100", "500", "1")

	require.NoError(t, der.Apply(ctx, []model.MarginHistory{bad, good}))
	assert.Empty(t, mem.Sessions(1))
	assert.Len(t, mem.Sessions(positionID), 1)
}

func TestDeriver_StaleOpenSessionIsClosed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	der := newDeriver(st)

	require.NoError(t, der.Apply(ctx, []model.MarginHistory{
		fill(1, 101, "0", "5", "100", "100", "500", "1"),
		fill(2, 102, "0", "2", "100", "100", "200", "0"),
	}))
	sessions := st.Sessions(positionID)
	require.Len(t, sessions, 2)
	assert.Equal(t, model.SessionClosed, sessions[0].Status)
	assert.Equal(t, model.SessionOpen, sessions[1].Status)
}
