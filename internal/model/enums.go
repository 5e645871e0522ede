package model

// OrderStatus is the matching engine's order lifecycle state.
type OrderStatus string

const (
	OrderPending       OrderStatus = "PENDING"
	OrderActive        OrderStatus = "ACTIVE"
	OrderUntriggered   OrderStatus = "UNTRIGGERED"
	OrderPartialFilled OrderStatus = "PARTIAL_FILLED"
	OrderFilled        OrderStatus = "FILLED"
	OrderCanceled      OrderStatus = "CANCELED"
	OrderRejected      OrderStatus = "REJECTED"
	OrderExpired       OrderStatus = "EXPIRED"
)

// Active reports whether the order can still trade or trigger.
func (s OrderStatus) Active() bool {
	switch s {
	case OrderPending, OrderActive, OrderUntriggered, OrderPartialFilled:
		return true
	}
	return false
}

// Terminal reports whether the order reached a final state.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// MarginAction is the cause of a margin history row.
type MarginAction string

const (
	ActionMatchingBuy  MarginAction = "MATCHING_BUY"
	ActionMatchingSell MarginAction = "MATCHING_SELL"
	ActionFunding      MarginAction = "FUNDING"
	ActionAdjustMargin MarginAction = "ADJUST_MARGIN"
	ActionLiquidation  MarginAction = "LIQUIDATION"
)

// SessionStatus is the lifecycle of a position-history-by-session row.
type SessionStatus string

const (
	SessionOpen          SessionStatus = "OPEN"
	SessionPartialClosed SessionStatus = "PARTIAL_CLOSED"
	SessionClosed        SessionStatus = "CLOSED"
)

// Side is the direction of a session, fixed when it opens.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)
