package cache

import (
	"fmt"
	"time"
)

const (
	OrdersPrefix           = "orders"
	OrdersByScorePrefix    = "orders_by_score"
	PositionsPrefix        = "positions"
	PositionsByScorePrefix = "positions_by_score"
	AccountsPrefix         = "accounts"
)

const (
	OrderTTL    = 72 * time.Hour
	AccountTTL  = 24 * time.Hour
	PositionTTL = 24 * time.Hour
)

// Scan patterns of the versioned sorted sets.
const (
	OrderVersionsPattern    = OrdersByScorePrefix + ":*"
	AccountVersionsPattern  = AccountsPrefix + ":userId_*:accountId_*"
	PositionVersionsPattern = PositionsByScorePrefix + ":*"
)

func OrderVersionsKey(userID, orderID int64) string {
	return fmt.Sprintf("%s:userId_%d:orderId_%d", OrdersByScorePrefix, userID, orderID)
}

func OrderTmpKey(userID int64, tmpID string) string {
	return fmt.Sprintf("%s:userId_%d:tmpId_%s", OrdersPrefix, userID, tmpID)
}

func ActiveOrderIDsKey(userID int64) string {
	return fmt.Sprintf("%s:userId_%d:activeOrderIds", OrdersPrefix, userID)
}

func AccountVersionsKey(userID, accountID int64) string {
	return fmt.Sprintf("%s:userId_%d:accountId_%d", AccountsPrefix, userID, accountID)
}

func AccountAssetKey(userID int64, asset string) string {
	return fmt.Sprintf("%s:userId_%d:asset_%s", AccountsPrefix, userID, asset)
}

func PositionKey(userID, accountID, positionID int64) string {
	return fmt.Sprintf("%s:userId_%d:accountId_%d:positionId_%d", PositionsPrefix, userID, accountID, positionID)
}

func PositionVersionsKey(userID, accountID, positionID int64) string {
	return fmt.Sprintf("%s:userId_%d:accountId_%d:positionId_%d", PositionsByScorePrefix, userID, accountID, positionID)
}
