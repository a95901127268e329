package store

import (
	"fmt"
	"strconv"

	"github.com/openalpha/spot-core/types"
)

// Key scheme. The braced segment in asset keys is a hash tag so that all rows
// of one currency land on one slot when the backend is sharded. Settlement
// scripts touch two currencies and therefore require a non-clustered backend.
func orderKey(orderID int64) string {
	return "order:" + strconv.FormatInt(orderID, 10)
}

func tradeKey(tradeID int64) string {
	return "trade:" + strconv.FormatInt(tradeID, 10)
}

func userOrdersKey(userID int64) string {
	return "user_orders:" + strconv.FormatInt(userID, 10)
}

func activeBookKey(symbol string, side types.Side) string {
	return "orders:active:" + symbol + ":" + side.String()
}

func assetKey(userID int64, currency string) string {
	return fmt.Sprintf("asset:{%s}:%d:%s", currency, userID, currency)
}

func pairKey(symbol string) string {
	return "pair:" + symbol
}

const (
	activePairsKey  = "pairs:active"
	orderCounterKey = "global:order_id"
	tradeCounterKey = "global:trade_id"
)

func syncQueueKey(kind types.EntityKind) string {
	return "sync_queue:" + string(kind)
}

func processingQueueKey(kind types.EntityKind) string {
	return syncQueueKey(kind) + ":processing"
}

func seededKey(kind types.EntityKind) string {
	return "seeded:" + string(kind)
}
