// Package session derives position sessions (one open-to-close lifecycle of
// a position) and their per-order contributions from margin histories.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"

	"github.com/atmx/reconciler/internal/botoracle"
	"github.com/atmx/reconciler/internal/flush"
	"github.com/atmx/reconciler/internal/metrics"
	"github.com/atmx/reconciler/internal/model"
	"github.com/atmx/reconciler/internal/store"
)

const (
	DefaultCacheSize = 50_000
	DefaultCacheTTL  = time.Hour
	DefaultName      = "position_history_by_session"
)

// Config tunes a Deriver. Zero values fall back to the defaults.
type Config struct {
	Name      string
	CacheSize int
	CacheTTL  time.Duration
	// Retry is applied to each event on its own. Defaults to flush.Infinite.
	Retry *flush.RetryPolicy
	Now   func() time.Time
}

// Deriver applies margin histories to position sessions. It keeps the
// not-closed session of each position in a bounded TTL cache. Apply must
// not be called concurrently.
type Deriver struct {
	name   string
	store  store.Store
	oracle botoracle.Oracle
	open   *expirable.LRU[int64, model.PositionHistoryBySession]
	retry  flush.RetryPolicy
	now    func() time.Time
	logger *slog.Logger
}

func New(st store.Store, oracle botoracle.Oracle, cfg Config) *Deriver {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	retry := flush.Infinite
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Deriver{
		name:   cfg.Name,
		store:  st,
		oracle: oracle,
		open:   expirable.NewLRU[int64, model.PositionHistoryBySession](cfg.CacheSize, nil, cfg.CacheTTL),
		retry:  retry,
		now:    cfg.Now,
		logger: slog.With("consumer", cfg.Name),
	}
}

// Apply processes a batch in ascending id order. Events of bot accounts or
// users and events that do not move a position are dropped first. A failing
// event is logged and skipped; only ctx cancellation stops the batch.
func (d *Deriver) Apply(ctx context.Context, events []model.MarginHistory) error {
	events = d.relevant(ctx, events)
	SortByID(events)

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.applySafely(ctx, ev); err != nil {
			d.open.Remove(ev.PositionID)
			if errors.Is(err, store.ErrNotFound) {
				d.logger.Warn("margin history skipped, missing reference",
					"marginHistoryId", ev.ID, "positionId", ev.PositionID, "err", err)
				metrics.FlushErrors.WithLabelValues(d.name, "not_found").Inc()
				continue
			}
			d.logger.Error("margin history dropped",
				"marginHistoryId", ev.ID, "positionId", ev.PositionID, "err", err)
			metrics.FlushErrors.WithLabelValues(d.name, errorKind(err)).Inc()
		}
	}
	return nil
}

func (d *Deriver) relevant(ctx context.Context, events []model.MarginHistory) []model.MarginHistory {
	out := make([]model.MarginHistory, 0, len(events))
	for _, ev := range events {
		if ev.PositionID == 0 {
			continue
		}
		if !ev.Tradable() {
			continue
		}
		if d.oracle.IsBotAccount(ctx, ev.AccountID) || d.oracle.IsBotUser(ctx, ev.UserID) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// applySafely isolates one event: retries per policy and turns a panic into
// an error.
func (d *Deriver) applySafely(ctx context.Context, ev model.MarginHistory) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic applying margin history %d: %v", ev.ID, r)
		}
	}()
	return d.retry.Do(ctx, func(ctx context.Context) error {
		return d.apply(ctx, ev)
	}, func(attempt int, err error) {
		// A failed attempt may have left the cached session ahead of the store.
		d.open.Remove(ev.PositionID)
		metrics.FlushRetries.WithLabelValues(d.name).Inc()
		d.logger.Warn("retrying margin history", "marginHistoryId", ev.ID, "attempt", attempt, "err", err)
	})
}

func (d *Deriver) apply(ctx context.Context, ev model.MarginHistory) error {
	t := Classify(ev.CurrentQty, ev.CurrentQtyAfter)
	metrics.SessionTransitions.WithLabelValues(t.String()).Inc()

	switch t {
	case Open:
		_, openFee := splitFee(ev, decimal.Zero, ev.CurrentQtyAfter.Abs())
		return d.openSession(ctx, ev, openFee)
	case MatchOpen, MatchClose:
		return d.match(ctx, ev, t)
	case Reverse:
		return d.reverse(ctx, ev)
	}
	return nil
}

// --- Transitions ---

func (d *Deriver) openSession(ctx context.Context, ev model.MarginHistory, openFee decimal.Decimal) error {
	existing, err := d.load(ctx, ev.PositionID)
	if err != nil {
		return err
	}
	if existing != nil {
		if replayed(existing, ev) {
			return d.ensureOpenRow(ctx, existing, ev, openFee)
		}
		d.logger.Warn("closing stale session before reopening",
			"sessionId", existing.ID, "positionId", ev.PositionID, "marginHistoryId", ev.ID)
		at := d.eventTime(ev)
		existing.Status = model.SessionClosed
		existing.CloseTime = &at
		existing.UpdatedAt = d.now()
		if err := d.store.SaveSession(ctx, existing); err != nil {
			return err
		}
		d.open.Remove(ev.PositionID)
	}

	ses := d.newSession(ev, openFee)
	if err := d.store.SaveSession(ctx, ses); err != nil {
		return err
	}
	if err := d.store.SaveSessionOrder(ctx, d.openRow(ev, ses.ID, openFee)); err != nil {
		return err
	}
	d.open.Add(ev.PositionID, *ses)
	return nil
}

func (d *Deriver) match(ctx context.Context, ev model.MarginHistory, t Transition) error {
	ses, err := d.load(ctx, ev.PositionID)
	if err != nil {
		return err
	}
	if ses == nil {
		d.logger.Warn("no open session for match, skipping",
			"positionId", ev.PositionID, "marginHistoryId", ev.ID)
		return nil
	}
	if replayed(ses, ev) {
		return nil
	}

	before, after := ev.CurrentQty.Abs(), ev.CurrentQtyAfter.Abs()
	if t == MatchOpen {
		_, openFee := splitFee(ev, decimal.Zero, after.Sub(before))
		if err := d.upsertOpenRow(ctx, ses, ev, openFee); err != nil {
			return err
		}
		if err := d.recomputeOpen(ctx, ses); err != nil {
			return err
		}
	} else {
		closed := before.Sub(after)
		closeFee, _ := splitFee(ev, closed, decimal.Zero)
		if err := d.upsertCloseRow(ctx, ses, ev, closed, closeFee); err != nil {
			return err
		}
		if err := d.recomputeClose(ctx, ses); err != nil {
			return err
		}
		ses.Status = model.SessionPartialClosed
		if after.IsZero() {
			at := d.eventTime(ev)
			ses.Status = model.SessionClosed
			ses.CloseTime = &at
		}
	}

	ses.Leverages = addLeverage(ses.Leverages, ev.LeverageAfter)
	return d.saveSession(ctx, ses, ev)
}

func (d *Deriver) reverse(ctx context.Context, ev model.MarginHistory) error {
	closed, opened := ev.CurrentQty.Abs(), ev.CurrentQtyAfter.Abs()
	closeFee, openFee := splitFee(ev, closed, opened)

	ses, err := d.load(ctx, ev.PositionID)
	if err != nil {
		return err
	}
	switch {
	case ses == nil:
		d.logger.Warn("no open session to close on reversal, opening only",
			"positionId", ev.PositionID, "marginHistoryId", ev.ID)
	case replayed(ses, ev):
		// The close half already landed; ses is the reopened session.
	default:
		if err := d.upsertCloseRow(ctx, ses, ev, closed, closeFee); err != nil {
			return err
		}
		if err := d.recomputeClose(ctx, ses); err != nil {
			return err
		}
		at := d.eventTime(ev)
		ses.Status = model.SessionClosed
		ses.CloseTime = &at
		if err := d.saveSession(ctx, ses, ev); err != nil {
			return err
		}
	}
	return d.openSession(ctx, ev, openFee)
}

// --- Contributions ---

func (d *Deriver) openRow(ev model.MarginHistory, sessionID int64, fee decimal.Decimal) *model.OrderWithPositionHistoryBySession {
	side := sideOf(ev.CurrentQtyAfter)
	return &model.OrderWithPositionHistoryBySession{
		OrderID:                    ev.OrderID,
		PositionHistoryBySessionID: sessionID,
		Open:                       true,
		Fee:                        fee,
		Margin:                     marginOf(ev.EntryValueAfter, ev.LeverageAfter),
		EntryPrice:                 fillPrice(ev),
		EntryValue:                 ev.EntryValueAfter.Abs().Mul(signOf(side)),
		Size:                       ev.CurrentQtyAfter,
		Leverage:                   ev.LeverageAfter,
		LastMarginHistoryID:        ev.ID,
		CreatedAt:                  d.now(),
		UpdatedAt:                  d.now(),
	}
}

func (d *Deriver) ensureOpenRow(ctx context.Context, ses *model.PositionHistoryBySession, ev model.MarginHistory, fee decimal.Decimal) error {
	_, err := d.store.FindSessionOrder(ctx, ses.ID, ev.OrderID)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return d.store.SaveSessionOrder(ctx, d.openRow(ev, ses.ID, fee))
}

// upsertOpenRow records an order that grew the position. The row tracks
// the position as of the order's latest fill.
func (d *Deriver) upsertOpenRow(ctx context.Context, ses *model.PositionHistoryBySession, ev model.MarginHistory, fee decimal.Decimal) error {
	fresh := d.openRow(ev, ses.ID, fee)
	row, err := d.store.FindSessionOrder(ctx, ses.ID, ev.OrderID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		row = fresh
	case err != nil:
		return err
	case replayedRow(row, ev):
		return nil
	default:
		row.Open = true
		row.Fee = row.Fee.Add(fee)
		row.Margin = fresh.Margin
		row.EntryPrice = fresh.EntryPrice
		row.EntryValue = fresh.EntryValue
		row.Size = fresh.Size
		row.Leverage = fresh.Leverage
		row.LastMarginHistoryID = ev.ID
		row.UpdatedAt = d.now()
	}
	return d.store.SaveSessionOrder(ctx, row)
}

// upsertCloseRow records an order that shrank the position. Size is the
// closed quantity and ClosePrice its volume-weighted fill price.
func (d *Deriver) upsertCloseRow(ctx context.Context, ses *model.PositionHistoryBySession, ev model.MarginHistory, closed, fee decimal.Decimal) error {
	price := fillPrice(ev)
	profit := realizedProfit(ev, closed, ses.Side)

	row, err := d.store.FindSessionOrder(ctx, ses.ID, ev.OrderID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		row = &model.OrderWithPositionHistoryBySession{
			OrderID:                    ev.OrderID,
			PositionHistoryBySessionID: ses.ID,
			Size:                       closed,
			ClosePrice:                 price,
			Profit:                     profit,
			Fee:                        fee,
			CreatedAt:                  d.now(),
		}
	case err != nil:
		return err
	case replayedRow(row, ev):
		return nil
	default:
		size := row.Size.Add(closed)
		row.ClosePrice = safeDiv(row.ClosePrice.Mul(row.Size).Add(price.Mul(closed)), size)
		row.Size = size
		row.Profit = row.Profit.Add(profit)
		row.Fee = row.Fee.Add(fee)
	}
	row.Open = false
	row.EntryPrice = ev.EntryPrice
	row.EntryValue = ev.EntryValue
	row.Margin = marginOf(ev.EntryValue, ev.Leverage)
	row.Leverage = ev.Leverage
	row.LastMarginHistoryID = ev.ID
	row.UpdatedAt = d.now()
	return d.store.SaveSessionOrder(ctx, row)
}

// --- Aggregates ---

// recomputeOpen rebuilds the open-side aggregates from every open-direction
// contribution of the session.
func (d *Deriver) recomputeOpen(ctx context.Context, ses *model.PositionHistoryBySession) error {
	rows, err := d.store.ListSessionOrders(ctx, ses.ID, true)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	var (
		minMargin, maxMargin, sumMargin = rows[0].Margin, rows[0].Margin, decimal.Zero
		minSize, maxSize                = rows[0].Size.Abs(), rows[0].Size.Abs()
		minValue, maxValue              = rows[0].EntryValue.Abs(), rows[0].EntryValue.Abs()
		sumEntryPrice, fee              = decimal.Zero, decimal.Zero
	)
	for _, r := range rows {
		minMargin = decimal.Min(minMargin, r.Margin)
		maxMargin = decimal.Max(maxMargin, r.Margin)
		sumMargin = sumMargin.Add(r.Margin)
		minSize = decimal.Min(minSize, r.Size.Abs())
		maxSize = decimal.Max(maxSize, r.Size.Abs())
		minValue = decimal.Min(minValue, r.EntryValue.Abs())
		maxValue = decimal.Max(maxValue, r.EntryValue.Abs())
		sumEntryPrice = sumEntryPrice.Add(r.EntryPrice)
		fee = fee.Add(r.Fee)
	}

	sign := signOf(ses.Side)
	ses.MinMargin, ses.MaxMargin, ses.SumMargin = minMargin, maxMargin, sumMargin
	ses.MinSize, ses.MaxSize = minSize.Mul(sign), maxSize.Mul(sign)
	ses.MinValue, ses.MaxValue = minValue.Mul(sign), maxValue.Mul(sign)
	ses.NumOfOpenOrders = len(rows)
	ses.SumEntryPrice = sumEntryPrice
	ses.AvgEntryPrice = safeDiv(sumEntryPrice, decimal.NewFromInt(int64(len(rows))))
	ses.OpeningFee = fee
	settle(ses)
	return nil
}

// recomputeClose rebuilds the close-side aggregates from every
// close-direction contribution of the session.
func (d *Deriver) recomputeClose(ctx context.Context, ses *model.PositionHistoryBySession) error {
	rows, err := d.store.ListSessionOrders(ctx, ses.ID, false)
	if err != nil {
		return err
	}
	sumClosePrice, profit, fee := decimal.Zero, decimal.Zero, decimal.Zero
	for _, r := range rows {
		sumClosePrice = sumClosePrice.Add(r.ClosePrice)
		profit = profit.Add(r.Profit)
		fee = fee.Add(r.Fee)
	}
	ses.NumOfCloseOrders = len(rows)
	ses.SumClosePrice = sumClosePrice
	ses.AvgClosePrice = safeDiv(sumClosePrice, decimal.NewFromInt(int64(len(rows))))
	ses.Profit = profit
	ses.ClosingFee = fee
	settle(ses)
	return nil
}

// settle derives the totals: fee, pnl = profit - fee and pnlRate in percent
// of the peak margin.
func settle(ses *model.PositionHistoryBySession) {
	ses.Fee = ses.OpeningFee.Add(ses.ClosingFee)
	ses.Pnl = ses.Profit.Sub(ses.Fee)
	ses.PnlRate = safeDiv(ses.Pnl, ses.MaxMargin.Abs()).Mul(hundred)
}

// --- Session state ---

func (d *Deriver) newSession(ev model.MarginHistory, openFee decimal.Decimal) *model.PositionHistoryBySession {
	side := sideOf(ev.CurrentQtyAfter)
	sign := signOf(side)
	margin := marginOf(ev.EntryValueAfter, ev.LeverageAfter)
	size := ev.CurrentQtyAfter.Abs().Mul(sign)
	value := ev.EntryValueAfter.Abs().Mul(sign)
	price := fillPrice(ev)
	now := d.now()

	ses := &model.PositionHistoryBySession{
		PositionID:          ev.PositionID,
		AccountID:           ev.AccountID,
		UserID:              ev.UserID,
		Symbol:              ev.Symbol,
		Status:              model.SessionOpen,
		Side:                side,
		OpenTime:            d.eventTime(ev),
		MinMargin:           margin,
		MaxMargin:           margin,
		SumMargin:           margin,
		MinSize:             size,
		MaxSize:             size,
		MinValue:            value,
		MaxValue:            value,
		NumOfOpenOrders:     1,
		SumEntryPrice:       price,
		AvgEntryPrice:       price,
		OpeningFee:          openFee,
		Leverages:           addLeverage("", ev.LeverageAfter),
		LastMarginHistoryID: ev.ID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	settle(ses)
	return ses
}

// load returns a copy of the not-closed session of a position, or nil.
func (d *Deriver) load(ctx context.Context, positionID int64) (*model.PositionHistoryBySession, error) {
	if ses, ok := d.open.Get(positionID); ok {
		return &ses, nil
	}
	ses, err := d.store.FindOpenSession(ctx, positionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.open.Add(positionID, *ses)
	return ses, nil
}

// saveSession stamps the event on the session, persists it and refreshes or
// evicts the cache entry.
func (d *Deriver) saveSession(ctx context.Context, ses *model.PositionHistoryBySession, ev model.MarginHistory) error {
	if ev.ID != 0 {
		ses.LastMarginHistoryID = ev.ID
	}
	ses.UpdatedAt = d.now()
	if err := d.store.SaveSession(ctx, ses); err != nil {
		return err
	}
	if ses.NotClosed() {
		d.open.Add(ses.PositionID, *ses)
	} else {
		d.open.Remove(ses.PositionID)
	}
	return nil
}

func (d *Deriver) eventTime(ev model.MarginHistory) time.Time {
	if ev.CreatedAt.IsZero() {
		return d.now()
	}
	return ev.CreatedAt
}

// replayed reports whether ev was already applied to the session.
func replayed(ses *model.PositionHistoryBySession, ev model.MarginHistory) bool {
	return ev.ID != 0 && ev.ID <= ses.LastMarginHistoryID
}

func replayedRow(row *model.OrderWithPositionHistoryBySession, ev model.MarginHistory) bool {
	return ev.ID != 0 && ev.ID <= row.LastMarginHistoryID
}

func errorKind(err error) string {
	if flush.IsDeadlock(err) {
		return "deadlock"
	}
	return "other"
}
