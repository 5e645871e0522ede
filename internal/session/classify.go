package session

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/reconciler/internal/model"
)

// Transition is what one margin history does to a position's session.
type Transition int

const (
	Skip Transition = iota
	Open
	MatchOpen
	MatchClose
	Reverse
)

func (t Transition) String() string {
	switch t {
	case Open:
		return "open"
	case MatchOpen:
		return "match_open"
	case MatchClose:
		return "match_close"
	case Reverse:
		return "reverse"
	default:
		return "skip"
	}
}

// Classify maps the position quantity before and after an event to a
// transition. A fill that takes the quantity to zero is a MatchClose.
func Classify(before, after decimal.Decimal) Transition {
	switch {
	case before.IsZero() && after.IsZero():
		return Skip
	case before.IsZero():
		return Open
	case before.Mul(after).IsNegative():
		return Reverse
	}
	switch after.Abs().Cmp(before.Abs()) {
	case 1:
		return MatchOpen
	case -1:
		return MatchClose
	}
	return Skip
}

// SortByID orders events by ascending id with unknown (zero) ids last.
// Events with equal ids keep their arrival order.
func SortByID(events []model.MarginHistory) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i].ID, events[j].ID
		if a == 0 || b == 0 {
			return a != 0 && b == 0
		}
		return a < b
	})
}

var hundred = decimal.NewFromInt(100)

// safeDiv returns n/d, or zero when d is zero.
func safeDiv(n, d decimal.Decimal) decimal.Decimal {
	if d.IsZero() {
		return decimal.Zero
	}
	return n.Div(d)
}

// marginOf is |entryValue| / leverage.
func marginOf(entryValue, leverage decimal.Decimal) decimal.Decimal {
	return safeDiv(entryValue.Abs(), leverage)
}

func sideOf(qty decimal.Decimal) model.Side {
	if qty.IsNegative() {
		return model.SideShort
	}
	return model.SideLong
}

func signOf(side model.Side) decimal.Decimal {
	if side == model.SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// splitFee divides an event's fee between the closing and the opening part
// of a fill. Explicit openFee/closeFee win; otherwise fee is split pro rata
// by the closed and opened quantities.
func splitFee(ev model.MarginHistory, closed, opened decimal.Decimal) (closeFee, openFee decimal.Decimal) {
	if !ev.OpenFee.IsZero() || !ev.CloseFee.IsZero() {
		return ev.CloseFee, ev.OpenFee
	}
	total := closed.Add(opened)
	if total.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	closeFee = ev.Fee.Mul(closed).Div(total)
	return closeFee, ev.Fee.Sub(closeFee)
}

// fillPrice is the execution price, falling back to the post-trade entry
// price for events that carry none.
func fillPrice(ev model.MarginHistory) decimal.Decimal {
	if ev.Price.IsZero() {
		return ev.EntryPriceAfter
	}
	return ev.Price
}

// realizedProfit is the profit of closing qty of a position of the given
// side at the event's price. The engine's realizedPnl wins when present.
func realizedProfit(ev model.MarginHistory, qty decimal.Decimal, side model.Side) decimal.Decimal {
	if !ev.RealizedPnl.IsZero() {
		return ev.RealizedPnl
	}
	return fillPrice(ev).Sub(ev.EntryPrice).Mul(qty).Mul(signOf(side))
}

// addLeverage appends lev to the comma-separated leverage list once.
func addLeverage(list string, lev decimal.Decimal) string {
	if lev.IsZero() {
		return list
	}
	s := lev.String()
	if list == "" {
		return s
	}
	for _, l := range strings.Split(list, ",") {
		if l == s {
			return list
		}
	}
	return list + "," + s
}
