// Package store defines the durable persistence interface of the reconciler.
// Implementations include PostgreSQL (pgx), MySQL (gorm), and in-memory
// (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/reconciler/internal/model"
)

var (
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("store: not found")

	// ErrDeadlock is what MemoryStore's error hook returns to simulate lock
	// contention. Its message matches the PostgreSQL deadlock text.
	ErrDeadlock = errors.New("store: deadlock detected")
)

// Store is the persistence interface. Bulk writes are single
// insert-or-update calls keyed by primary id.
type Store interface {
	// --- Entity snapshots ---

	// UpsertOrders inserts or replaces orders by id.
	UpsertOrders(ctx context.Context, orders []model.Order) error

	// UpsertPositions inserts or replaces positions by id.
	UpsertPositions(ctx context.Context, positions []model.Position) error

	// UpsertAccounts inserts or replaces accounts by id.
	UpsertAccounts(ctx context.Context, accounts []model.Account) error

	// --- Append-only history ---

	// InsertMarginHistories appends margin histories. Rows already present
	// are left untouched.
	InsertMarginHistories(ctx context.Context, rows []model.MarginHistory) error

	// InsertPositionHistories appends position snapshots. Rows already
	// present are left untouched.
	InsertPositionHistories(ctx context.Context, rows []model.PositionHistory) error

	// --- Position sessions ---

	// FindOpenSession returns the OPEN or PARTIAL_CLOSED session of a
	// position, or ErrNotFound.
	FindOpenSession(ctx context.Context, positionID int64) (*model.PositionHistoryBySession, error)

	// SaveSession inserts the session when its ID is zero, assigning one,
	// and updates it otherwise.
	SaveSession(ctx context.Context, s *model.PositionHistoryBySession) error

	// FindSessionOrder returns one order's contribution to a session, or
	// ErrNotFound.
	FindSessionOrder(ctx context.Context, sessionID, orderID int64) (*model.OrderWithPositionHistoryBySession, error)

	// SaveSessionOrder inserts or updates a contribution like SaveSession.
	SaveSessionOrder(ctx context.Context, o *model.OrderWithPositionHistoryBySession) error

	// ListSessionOrders returns a session's open-direction (open=true) or
	// close-direction contributions ordered by id.
	ListSessionOrders(ctx context.Context, sessionID int64, open bool) ([]model.OrderWithPositionHistoryBySession, error)

	// --- Bot directory ---

	IsBotAccount(ctx context.Context, accountID int64) (bool, error)
	IsBotUser(ctx context.Context, userID int64) (bool, error)
}
