package model

// CommandCode identifies what a matching-engine command did. The reconciler
// only acts on stop codes; every other code is a carrier for entity arrays.
type CommandCode string

const (
	CodePlaceOrder              CommandCode = "PLACE_ORDER"
	CodeCancelOrder             CommandCode = "CANCEL_ORDER"
	CodeTriggerOrder            CommandCode = "TRIGGER_ORDER"
	CodeLiquidate               CommandCode = "LIQUIDATE"
	CodeFunding                 CommandCode = "FUNDING"
	CodeAdjustMargin            CommandCode = "ADJUST_MARGIN"
	CodeDeposit                 CommandCode = "DEPOSIT"
	CodeWithdraw                CommandCode = "WITHDRAW"
	CodeSeedLiquidationOrderIDs CommandCode = "SEED_LIQUIDATION_ORDER_IDS"

	CodeStopSaveOrdersToCache            CommandCode = "STOP_SAVE_ORDERS_TO_CACHE"
	CodeStopSaveAccountsToCache          CommandCode = "STOP_SAVE_ACCOUNTS_TO_CACHE"
	CodeStopSavePositionsToCache         CommandCode = "STOP_SAVE_POSITIONS_TO_CACHE"
	CodeStopSaveOrders                   CommandCode = "STOP_SAVE_ORDERS"
	CodeStopSaveAccounts                 CommandCode = "STOP_SAVE_ACCOUNTS"
	CodeStopSavePositions                CommandCode = "STOP_SAVE_POSITIONS"
	CodeStopSaveMarginHistories          CommandCode = "STOP_SAVE_MARGIN_HISTORIES"
	CodeStopSavePositionHistories        CommandCode = "STOP_SAVE_POSITION_HISTORIES"
	CodeStopSavePositionHistoryBySession CommandCode = "STOP_SAVE_POSITION_HISTORY_BY_SESSION"
)

// Command is one envelope emitted by the matching engine. Entity arrays are
// optional; within one array entities are in append order.
type Command struct {
	Code              CommandCode       `json:"code"`
	Orders            []Order           `json:"orders,omitempty"`
	Positions         []Position        `json:"positions,omitempty"`
	Accounts          []Account         `json:"accounts,omitempty"`
	MarginHistories   []MarginHistory   `json:"marginHistories,omitempty"`
	PositionHistories []PositionHistory `json:"positionHistories,omitempty"`
}

// HasCode reports whether any command in the batch carries code.
func HasCode(commands []Command, code CommandCode) bool {
	for i := range commands {
		if commands[i].Code == code {
			return true
		}
	}
	return false
}

// Orders flattens the order arrays of a batch.
func Orders(commands []Command) []Order {
	var out []Order
	for i := range commands {
		out = append(out, commands[i].Orders...)
	}
	return out
}

// Positions flattens the position arrays of a batch.
func Positions(commands []Command) []Position {
	var out []Position
	for i := range commands {
		out = append(out, commands[i].Positions...)
	}
	return out
}

// Accounts flattens the account arrays of a batch.
func Accounts(commands []Command) []Account {
	var out []Account
	for i := range commands {
		out = append(out, commands[i].Accounts...)
	}
	return out
}

// MarginHistories flattens the margin history arrays of a batch.
func MarginHistories(commands []Command) []MarginHistory {
	var out []MarginHistory
	for i := range commands {
		out = append(out, commands[i].MarginHistories...)
	}
	return out
}

// PositionHistories flattens the position history arrays of a batch.
func PositionHistories(commands []Command) []PositionHistory {
	var out []PositionHistory
	for i := range commands {
		out = append(out, commands[i].PositionHistories...)
	}
	return out
}
