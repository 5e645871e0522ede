package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/reconciler/internal/model"
	"github.com/atmx/reconciler/internal/opid"
)

// PostgresStore implements Store on PostgreSQL. Monetary values are stored
// as NUMERIC and travel as text for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Bulk writes ---

func (s *PostgresStore) UpsertOrders(ctx context.Context, orders []model.Order) error {
	b := &pgx.Batch{}
	for _, o := range orders {
		b.Queue(
			`INSERT INTO orders (id, user_id, account_id, symbol, side, type, status,
			                     price, quantity, remaining, executed_qty, tmp_id, note,
			                     operation_id, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7,
			         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13,
			         $14::NUMERIC, $15, $16)
			 ON CONFLICT (id) DO UPDATE SET
			     status = EXCLUDED.status, price = EXCLUDED.price, quantity = EXCLUDED.quantity,
			     remaining = EXCLUDED.remaining, executed_qty = EXCLUDED.executed_qty,
			     note = EXCLUDED.note, operation_id = EXCLUDED.operation_id,
			     updated_at = EXCLUDED.updated_at`,
			o.ID, o.UserID, o.AccountID, o.Symbol, o.Side, o.Type, o.Status,
			o.Price.String(), o.Quantity.String(), o.Remaining.String(), o.ExecutedQty.String(),
			o.TmpID, o.Note, nullableID(o.OperationID), o.CreatedAt, o.UpdatedAt,
		)
	}
	return s.sendBatch(ctx, "orders", b)
}

func (s *PostgresStore) UpsertPositions(ctx context.Context, positions []model.Position) error {
	b := &pgx.Batch{}
	for _, p := range positions {
		b.Queue(
			`INSERT INTO positions (id, user_id, account_id, symbol, current_qty, entry_price,
			                        entry_value, leverage, liquidation_price, realized_pnl,
			                        operation_id, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC,
			         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
			         $11::NUMERIC, $12, $13)
			 ON CONFLICT (id) DO UPDATE SET
			     current_qty = EXCLUDED.current_qty, entry_price = EXCLUDED.entry_price,
			     entry_value = EXCLUDED.entry_value, leverage = EXCLUDED.leverage,
			     liquidation_price = EXCLUDED.liquidation_price, realized_pnl = EXCLUDED.realized_pnl,
			     operation_id = EXCLUDED.operation_id, updated_at = EXCLUDED.updated_at`,
			p.ID, p.UserID, p.AccountID, p.Symbol, p.CurrentQty.String(), p.EntryPrice.String(),
			p.EntryValue.String(), p.Leverage.String(), p.LiquidationPrice.String(), p.RealizedPnl.String(),
			nullableID(p.OperationID), p.CreatedAt, p.UpdatedAt,
		)
	}
	return s.sendBatch(ctx, "positions", b)
}

func (s *PostgresStore) UpsertAccounts(ctx context.Context, accounts []model.Account) error {
	b := &pgx.Batch{}
	for _, a := range accounts {
		b.Queue(
			`INSERT INTO accounts (id, user_id, asset, balance, operation_id, created_at, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7)
			 ON CONFLICT (id) DO UPDATE SET
			     balance = EXCLUDED.balance, operation_id = EXCLUDED.operation_id,
			     updated_at = EXCLUDED.updated_at`,
			a.ID, a.UserID, a.Asset, a.Balance.String(), nullableID(a.OperationID), a.CreatedAt, a.UpdatedAt,
		)
	}
	return s.sendBatch(ctx, "accounts", b)
}

func (s *PostgresStore) InsertMarginHistories(ctx context.Context, rows []model.MarginHistory) error {
	b := &pgx.Batch{}
	for _, m := range rows {
		b.Queue(
			`INSERT INTO margin_histories (id, position_id, account_id, user_id, order_id, symbol, action,
			                               price, current_qty, current_qty_after, entry_price, entry_price_after,
			                               entry_value, entry_value_after, leverage, leverage_after,
			                               fee, open_fee, close_fee, realized_pnl, operation_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7,
			         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC,
			         $13::NUMERIC, $14::NUMERIC, $15::NUMERIC, $16::NUMERIC,
			         $17::NUMERIC, $18::NUMERIC, $19::NUMERIC, $20::NUMERIC, $21::NUMERIC, $22)
			 ON CONFLICT (id) DO NOTHING`,
			m.ID, m.PositionID, m.AccountID, m.UserID, m.OrderID, m.Symbol, m.Action,
			m.Price.String(), m.CurrentQty.String(), m.CurrentQtyAfter.String(),
			m.EntryPrice.String(), m.EntryPriceAfter.String(),
			m.EntryValue.String(), m.EntryValueAfter.String(),
			m.Leverage.String(), m.LeverageAfter.String(),
			m.Fee.String(), m.OpenFee.String(), m.CloseFee.String(), m.RealizedPnl.String(),
			nullableID(m.OperationID), m.CreatedAt,
		)
	}
	return s.sendBatch(ctx, "margin_histories", b)
}

func (s *PostgresStore) InsertPositionHistories(ctx context.Context, rows []model.PositionHistory) error {
	b := &pgx.Batch{}
	for _, h := range rows {
		b.Queue(
			`INSERT INTO position_histories (id, position_id, account_id, user_id, symbol, current_qty,
			                                 entry_price, entry_value, leverage, operation_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC,
			         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)
			 ON CONFLICT (id) DO NOTHING`,
			h.ID, h.PositionID, h.AccountID, h.UserID, h.Symbol, h.CurrentQty.String(),
			h.EntryPrice.String(), h.EntryValue.String(), h.Leverage.String(),
			nullableID(h.OperationID), h.CreatedAt,
		)
	}
	return s.sendBatch(ctx, "position_histories", b)
}

// sendBatch runs the queued statements in one transaction so a batch is
// written entirely or not at all.
func (s *PostgresStore) sendBatch(ctx context.Context, table string, b *pgx.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin %s batch: %w", table, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("write %s: %w", table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", table, err)
	}
	return nil
}

// --- Position sessions ---

var sessionColumns = []string{
	"position_id", "account_id", "user_id", "symbol", "status", "side", "open_time", "close_time",
	"min_margin", "max_margin", "sum_margin", "min_size", "max_size", "min_value", "max_value",
	"num_of_open_orders", "num_of_close_orders", "sum_entry_price", "sum_close_price",
	"avg_entry_price", "avg_close_price", "fee", "opening_fee", "closing_fee", "funding_fee",
	"profit", "pnl", "pnl_rate", "leverages", "last_margin_history_id", "created_at", "updated_at",
}

// numericSessionColumns are cast to NUMERIC on write and TEXT on read.
var numericSessionColumns = map[string]bool{
	"min_margin": true, "max_margin": true, "sum_margin": true, "min_size": true, "max_size": true,
	"min_value": true, "max_value": true, "sum_entry_price": true, "sum_close_price": true,
	"avg_entry_price": true, "avg_close_price": true, "fee": true, "opening_fee": true,
	"closing_fee": true, "funding_fee": true, "profit": true, "pnl": true, "pnl_rate": true,
}

var sessionOrderColumns = []string{
	"order_id", "position_history_by_session_id", "open", "fee", "margin", "entry_price",
	"entry_value", "size", "leverage", "close_price", "profit", "last_margin_history_id",
	"created_at", "updated_at",
}

var numericSessionOrderColumns = map[string]bool{
	"fee": true, "margin": true, "entry_price": true, "entry_value": true, "size": true,
	"leverage": true, "close_price": true, "profit": true,
}

func sessionArgs(s *model.PositionHistoryBySession) []any {
	return []any{
		s.PositionID, s.AccountID, s.UserID, s.Symbol, s.Status, s.Side, s.OpenTime, s.CloseTime,
		s.MinMargin.String(), s.MaxMargin.String(), s.SumMargin.String(),
		s.MinSize.String(), s.MaxSize.String(), s.MinValue.String(), s.MaxValue.String(),
		s.NumOfOpenOrders, s.NumOfCloseOrders, s.SumEntryPrice.String(), s.SumClosePrice.String(),
		s.AvgEntryPrice.String(), s.AvgClosePrice.String(), s.Fee.String(), s.OpeningFee.String(),
		s.ClosingFee.String(), s.FundingFee.String(), s.Profit.String(), s.Pnl.String(),
		s.PnlRate.String(), s.Leverages, s.LastMarginHistoryID, s.CreatedAt, s.UpdatedAt,
	}
}

func sessionDest(s *model.PositionHistoryBySession) []any {
	return []any{
		&s.ID,
		&s.PositionID, &s.AccountID, &s.UserID, &s.Symbol, &s.Status, &s.Side, &s.OpenTime, &s.CloseTime,
		&s.MinMargin, &s.MaxMargin, &s.SumMargin, &s.MinSize, &s.MaxSize, &s.MinValue, &s.MaxValue,
		&s.NumOfOpenOrders, &s.NumOfCloseOrders, &s.SumEntryPrice, &s.SumClosePrice,
		&s.AvgEntryPrice, &s.AvgClosePrice, &s.Fee, &s.OpeningFee, &s.ClosingFee, &s.FundingFee,
		&s.Profit, &s.Pnl, &s.PnlRate, &s.Leverages, &s.LastMarginHistoryID, &s.CreatedAt, &s.UpdatedAt,
	}
}

func sessionOrderArgs(o *model.OrderWithPositionHistoryBySession) []any {
	return []any{
		o.OrderID, o.PositionHistoryBySessionID, o.Open, o.Fee.String(), o.Margin.String(),
		o.EntryPrice.String(), o.EntryValue.String(), o.Size.String(), o.Leverage.String(),
		o.ClosePrice.String(), o.Profit.String(), o.LastMarginHistoryID, o.CreatedAt, o.UpdatedAt,
	}
}

func sessionOrderDest(o *model.OrderWithPositionHistoryBySession) []any {
	return []any{
		&o.ID,
		&o.OrderID, &o.PositionHistoryBySessionID, &o.Open, &o.Fee, &o.Margin,
		&o.EntryPrice, &o.EntryValue, &o.Size, &o.Leverage,
		&o.ClosePrice, &o.Profit, &o.LastMarginHistoryID, &o.CreatedAt, &o.UpdatedAt,
	}
}

func (s *PostgresStore) FindOpenSession(ctx context.Context, positionID int64) (*model.PositionHistoryBySession, error) {
	var out model.PositionHistoryBySession
	err := s.pool.QueryRow(ctx,
		`SELECT `+selectList(sessionColumns, numericSessionColumns)+`
		 FROM position_history_by_sessions
		 WHERE position_id = $1 AND status IN ($2, $3)
		 ORDER BY id DESC LIMIT 1`,
		positionID, model.SessionOpen, model.SessionPartialClosed,
	).Scan(sessionDest(&out)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find open session for position %d: %w", positionID, err)
	}
	return &out, nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, ses *model.PositionHistoryBySession) error {
	err := s.save(ctx, "position_history_by_sessions", sessionColumns, numericSessionColumns,
		&ses.ID, sessionArgs(ses))
	if err != nil {
		return fmt.Errorf("save session of position %d: %w", ses.PositionID, err)
	}
	return nil
}

func (s *PostgresStore) FindSessionOrder(ctx context.Context, sessionID, orderID int64) (*model.OrderWithPositionHistoryBySession, error) {
	var out model.OrderWithPositionHistoryBySession
	err := s.pool.QueryRow(ctx,
		`SELECT `+selectList(sessionOrderColumns, numericSessionOrderColumns)+`
		 FROM order_with_position_history_by_sessions
		 WHERE position_history_by_session_id = $1 AND order_id = $2`,
		sessionID, orderID,
	).Scan(sessionOrderDest(&out)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find order %d of session %d: %w", orderID, sessionID, err)
	}
	return &out, nil
}

func (s *PostgresStore) SaveSessionOrder(ctx context.Context, o *model.OrderWithPositionHistoryBySession) error {
	err := s.save(ctx, "order_with_position_history_by_sessions", sessionOrderColumns, numericSessionOrderColumns,
		&o.ID, sessionOrderArgs(o))
	if err != nil {
		return fmt.Errorf("save order %d of session %d: %w", o.OrderID, o.PositionHistoryBySessionID, err)
	}
	return nil
}

func (s *PostgresStore) ListSessionOrders(ctx context.Context, sessionID int64, open bool) ([]model.OrderWithPositionHistoryBySession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+selectList(sessionOrderColumns, numericSessionOrderColumns)+`
		 FROM order_with_position_history_by_sessions
		 WHERE position_history_by_session_id = $1 AND open = $2
		 ORDER BY id`,
		sessionID, open)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.OrderWithPositionHistoryBySession
	for rows.Next() {
		var o model.OrderWithPositionHistoryBySession
		if err := rows.Scan(sessionOrderDest(&o)...); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// save inserts a row when *id is zero, assigning the generated id, and
// updates it otherwise.
func (s *PostgresStore) save(ctx context.Context, table string, cols []string, numeric map[string]bool, id *int64, args []any) error {
	placeholders := make([]string, len(cols))
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		if numeric[c] {
			placeholders[i] += "::NUMERIC"
		}
	}

	if *id == 0 {
		q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) RETURNING id`,
			table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
		return s.pool.QueryRow(ctx, q, args...).Scan(id)
	}

	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = " + placeholders[i]
	}
	q := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d`, table, strings.Join(sets, ", "), len(cols)+1)
	tag, err := s.pool.Exec(ctx, q, append(args, *id)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// selectList renders "id, col, ..." with NUMERIC columns read back as text.
func selectList(cols []string, numeric map[string]bool) string {
	out := make([]string, 0, len(cols)+1)
	out = append(out, "id")
	for _, c := range cols {
		if numeric[c] {
			out = append(out, c+"::TEXT")
			continue
		}
		out = append(out, c)
	}
	return strings.Join(out, ", ")
}

// --- Bot directory ---

func (s *PostgresStore) IsBotAccount(ctx context.Context, accountID int64) (bool, error) {
	var bot bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM bot_accounts WHERE account_id = $1)`, accountID).Scan(&bot)
	if err != nil {
		return false, fmt.Errorf("bot lookup for account %d: %w", accountID, err)
	}
	return bot, nil
}

func (s *PostgresStore) IsBotUser(ctx context.Context, userID int64) (bool, error) {
	var bot bool
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT is_bot FROM users WHERE id = $1), FALSE)`, userID).Scan(&bot)
	if err != nil {
		return false, fmt.Errorf("bot lookup for user %d: %w", userID, err)
	}
	return bot, nil
}

// nullableID renders an operation id as NUMERIC text, or SQL NULL.
func nullableID(id opid.ID) any {
	if !id.Valid() {
		return nil
	}
	return id.String()
}
