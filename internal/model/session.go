package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionHistoryBySession aggregates one open-to-close lifecycle of a
// position. Size and value bounds carry the sign of the session side.
type PositionHistoryBySession struct {
	ID                  int64           `json:"id" gorm:"primaryKey"`
	PositionID          int64           `json:"positionId" gorm:"index:idx_phbs_position_status"`
	AccountID           int64           `json:"accountId" gorm:"index"`
	UserID              int64           `json:"userId" gorm:"index"`
	Symbol              string          `json:"symbol" gorm:"type:varchar(32)"`
	Status              SessionStatus   `json:"status" gorm:"type:varchar(16);index:idx_phbs_position_status"`
	Side                Side            `json:"side" gorm:"type:varchar(8)"`
	OpenTime            time.Time       `json:"openTime"`
	CloseTime           *time.Time      `json:"closeTime"`
	MinMargin           decimal.Decimal `json:"minMargin" gorm:"type:decimal(36,18)"`
	MaxMargin           decimal.Decimal `json:"maxMargin" gorm:"type:decimal(36,18)"`
	SumMargin           decimal.Decimal `json:"sumMargin" gorm:"type:decimal(36,18)"`
	MinSize             decimal.Decimal `json:"minSize" gorm:"type:decimal(36,18)"`
	MaxSize             decimal.Decimal `json:"maxSize" gorm:"type:decimal(36,18)"`
	MinValue            decimal.Decimal `json:"minValue" gorm:"type:decimal(36,18)"`
	MaxValue            decimal.Decimal `json:"maxValue" gorm:"type:decimal(36,18)"`
	NumOfOpenOrders     int             `json:"numOfOpenOrders"`
	NumOfCloseOrders    int             `json:"numOfCloseOrders"`
	SumEntryPrice       decimal.Decimal `json:"sumEntryPrice" gorm:"type:decimal(36,18)"`
	SumClosePrice       decimal.Decimal `json:"sumClosePrice" gorm:"type:decimal(36,18)"`
	AvgEntryPrice       decimal.Decimal `json:"avgEntryPrice" gorm:"type:decimal(36,18)"`
	AvgClosePrice       decimal.Decimal `json:"avgClosePrice" gorm:"type:decimal(36,18)"`
	Fee                 decimal.Decimal `json:"fee" gorm:"type:decimal(36,18)"`
	OpeningFee          decimal.Decimal `json:"openingFee" gorm:"type:decimal(36,18)"`
	ClosingFee          decimal.Decimal `json:"closingFee" gorm:"type:decimal(36,18)"`
	FundingFee          decimal.Decimal `json:"fundingFee" gorm:"type:decimal(36,18)"`
	Profit              decimal.Decimal `json:"profit" gorm:"type:decimal(36,18)"`
	Pnl                 decimal.Decimal `json:"pnl" gorm:"type:decimal(36,18)"`
	PnlRate             decimal.Decimal `json:"pnlRate" gorm:"type:decimal(36,18)"`
	Leverages           string          `json:"leverages" gorm:"type:varchar(255)"`
	LastMarginHistoryID int64           `json:"lastMarginHistoryId"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

func (PositionHistoryBySession) TableName() string { return "position_history_by_sessions" }

// NotClosed reports whether the session still accepts margin histories.
func (s *PositionHistoryBySession) NotClosed() bool {
	return s.Status == SessionOpen || s.Status == SessionPartialClosed
}

// OrderWithPositionHistoryBySession is one order's contribution to a session.
// Open marks contributions that grew the position.
type OrderWithPositionHistoryBySession struct {
	ID                         int64           `json:"id" gorm:"primaryKey"`
	OrderID                    int64           `json:"orderId" gorm:"uniqueIndex:uidx_owphbs_order_session"`
	PositionHistoryBySessionID int64           `json:"positionHistoryBySessionId" gorm:"uniqueIndex:uidx_owphbs_order_session"`
	Open                       bool            `json:"open"`
	Fee                        decimal.Decimal `json:"fee" gorm:"type:decimal(36,18)"`
	Margin                     decimal.Decimal `json:"margin" gorm:"type:decimal(36,18)"`
	EntryPrice                 decimal.Decimal `json:"entryPrice" gorm:"type:decimal(36,18)"`
	EntryValue                 decimal.Decimal `json:"entryValue" gorm:"type:decimal(36,18)"`
	Size                       decimal.Decimal `json:"size" gorm:"type:decimal(36,18)"`
	Leverage                   decimal.Decimal `json:"leverage" gorm:"type:decimal(36,18)"`
	ClosePrice                 decimal.Decimal `json:"closePrice" gorm:"type:decimal(36,18)"`
	Profit                     decimal.Decimal `json:"profit" gorm:"type:decimal(36,18)"`
	LastMarginHistoryID        int64           `json:"lastMarginHistoryId"`
	CreatedAt                  time.Time       `json:"createdAt"`
	UpdatedAt                  time.Time       `json:"updatedAt"`
}

func (OrderWithPositionHistoryBySession) TableName() string {
	return "order_with_position_history_by_sessions"
}
