// Package model defines the matching-engine entities consumed by the
// reconciler and the session aggregates derived from them.
// All monetary values and quantities use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/reconciler/internal/opid"
)

// Versioned is an entity the matching engine re-emits with a monotonically
// increasing operation id. Only the greatest version per key is kept.
type Versioned interface {
	Key() int64
	Version() opid.ID
}

// Order is the matching engine's view of one order.
type Order struct {
	ID          int64           `json:"id" gorm:"primaryKey;autoIncrement:false"`
	UserID      int64           `json:"userId" gorm:"index"`
	AccountID   int64           `json:"accountId" gorm:"index"`
	Symbol      string          `json:"symbol" gorm:"type:varchar(32)"`
	Side        string          `json:"side" gorm:"type:varchar(8)"`
	Type        string          `json:"type" gorm:"type:varchar(32)"`
	Status      OrderStatus     `json:"status" gorm:"type:varchar(32);index"`
	Price       decimal.Decimal `json:"price" gorm:"type:decimal(36,18)"`
	Quantity    decimal.Decimal `json:"quantity" gorm:"type:decimal(36,18)"`
	Remaining   decimal.Decimal `json:"remaining" gorm:"type:decimal(36,18)"`
	ExecutedQty decimal.Decimal `json:"executedQty" gorm:"type:decimal(36,18)"`
	TmpID       string          `json:"tmpId" gorm:"type:varchar(64)"`
	Note        string          `json:"note" gorm:"type:varchar(64)"`
	OperationID opid.ID         `json:"operationId"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func (o Order) Key() int64       { return o.ID }
func (o Order) Version() opid.ID { return o.OperationID }
func (Order) TableName() string  { return "orders" }

// Position is the matching engine's net position for one account and symbol.
type Position struct {
	ID               int64           `json:"id" gorm:"primaryKey;autoIncrement:false"`
	UserID           int64           `json:"userId" gorm:"index"`
	AccountID        int64           `json:"accountId" gorm:"index"`
	Symbol           string          `json:"symbol" gorm:"type:varchar(32)"`
	CurrentQty       decimal.Decimal `json:"currentQty" gorm:"type:decimal(36,18)"`
	EntryPrice       decimal.Decimal `json:"entryPrice" gorm:"type:decimal(36,18)"`
	EntryValue       decimal.Decimal `json:"entryValue" gorm:"type:decimal(36,18)"`
	Leverage         decimal.Decimal `json:"leverage" gorm:"type:decimal(36,18)"`
	LiquidationPrice decimal.Decimal `json:"liquidationPrice" gorm:"type:decimal(36,18)"`
	RealizedPnl      decimal.Decimal `json:"realizedPnl" gorm:"type:decimal(36,18)"`
	OperationID      opid.ID         `json:"operationId"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

func (p Position) Key() int64       { return p.ID }
func (p Position) Version() opid.ID { return p.OperationID }
func (Position) TableName() string  { return "positions" }

// Account is a per-asset balance.
type Account struct {
	ID          int64           `json:"id" gorm:"primaryKey;autoIncrement:false"`
	UserID      int64           `json:"userId" gorm:"index"`
	Asset       string          `json:"asset" gorm:"type:varchar(32)"`
	Balance     decimal.Decimal `json:"balance" gorm:"type:decimal(36,18)"`
	OperationID opid.ID         `json:"operationId"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func (a Account) Key() int64       { return a.ID }
func (a Account) Version() opid.ID { return a.OperationID }
func (Account) TableName() string  { return "accounts" }

// MarginHistory is the immutable effect of one matched trade (or another
// margin-changing action) on a position. A zero ID means the id is unknown.
type MarginHistory struct {
	ID              int64           `json:"id" gorm:"primaryKey;autoIncrement:false"`
	PositionID      int64           `json:"positionId" gorm:"index"`
	AccountID       int64           `json:"accountId" gorm:"index"`
	UserID          int64           `json:"userId"`
	OrderID         int64           `json:"orderId"`
	Symbol          string          `json:"symbol" gorm:"type:varchar(32)"`
	Action          MarginAction    `json:"action" gorm:"type:varchar(32)"`
	Price           decimal.Decimal `json:"price" gorm:"type:decimal(36,18)"`
	CurrentQty      decimal.Decimal `json:"currentQty" gorm:"type:decimal(36,18)"`
	CurrentQtyAfter decimal.Decimal `json:"currentQtyAfter" gorm:"type:decimal(36,18)"`
	EntryPrice      decimal.Decimal `json:"entryPrice" gorm:"type:decimal(36,18)"`
	EntryPriceAfter decimal.Decimal `json:"entryPriceAfter" gorm:"type:decimal(36,18)"`
	EntryValue      decimal.Decimal `json:"entryValue" gorm:"type:decimal(36,18)"`
	EntryValueAfter decimal.Decimal `json:"entryValueAfter" gorm:"type:decimal(36,18)"`
	Leverage        decimal.Decimal `json:"leverage" gorm:"type:decimal(36,18)"`
	LeverageAfter   decimal.Decimal `json:"leverageAfter" gorm:"type:decimal(36,18)"`
	Fee             decimal.Decimal `json:"fee" gorm:"type:decimal(36,18)"`
	OpenFee         decimal.Decimal `json:"openFee" gorm:"type:decimal(36,18)"`
	CloseFee        decimal.Decimal `json:"closeFee" gorm:"type:decimal(36,18)"`
	RealizedPnl     decimal.Decimal `json:"realizedPnl" gorm:"type:decimal(36,18)"`
	OperationID     opid.ID         `json:"operationId"`
	CreatedAt       time.Time       `json:"createdAt"`
}

func (m MarginHistory) Key() int64       { return m.ID }
func (m MarginHistory) Version() opid.ID { return m.OperationID }
func (MarginHistory) TableName() string  { return "margin_histories" }

// Tradable reports whether the margin history came from a matched trade.
func (m MarginHistory) Tradable() bool {
	return m.Action == ActionMatchingBuy || m.Action == ActionMatchingSell
}

// PositionHistory is an append-only snapshot of a position after a change.
type PositionHistory struct {
	ID          int64           `json:"id" gorm:"primaryKey;autoIncrement:false"`
	PositionID  int64           `json:"positionId" gorm:"index"`
	AccountID   int64           `json:"accountId"`
	UserID      int64           `json:"userId"`
	Symbol      string          `json:"symbol" gorm:"type:varchar(32)"`
	CurrentQty  decimal.Decimal `json:"currentQty" gorm:"type:decimal(36,18)"`
	EntryPrice  decimal.Decimal `json:"entryPrice" gorm:"type:decimal(36,18)"`
	EntryValue  decimal.Decimal `json:"entryValue" gorm:"type:decimal(36,18)"`
	Leverage    decimal.Decimal `json:"leverage" gorm:"type:decimal(36,18)"`
	OperationID opid.ID         `json:"operationId"`
	CreatedAt   time.Time       `json:"createdAt"`
}

func (h PositionHistory) Key() int64       { return h.ID }
func (h PositionHistory) Version() opid.ID { return h.OperationID }
func (PositionHistory) TableName() string  { return "position_histories" }
