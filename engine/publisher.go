package engine

import "github.com/openalpha/spot-core/types"

// Publisher receives market-data events from the lanes. Implementations must
// never block: the lane fires and forgets, back-pressure is the publisher's
// problem.
type Publisher interface {
	PublishTrade(symbol string, t *types.Trade)
	PublishBookDelta(symbol string, side types.Side, price, newSize types.Amount)
	PublishTicker(symbol string, lastPrice types.Amount)
	PublishUserOrder(userID int64, o *types.Order)
	PublishUserTrade(userID int64, t *types.Trade)
	PublishUserAsset(userID int64, currency string)
	PublishAlert(symbol, message string)
}

// NopPublisher discards every event. Used when no market-data fan-out is
// wired, and in tests that assert on store state only.
type NopPublisher struct{}

func (NopPublisher) PublishTrade(string, *types.Trade) {}

func (NopPublisher) PublishBookDelta(string, types.Side, types.Amount, types.Amount) {}

func (NopPublisher) PublishTicker(string, types.Amount) {}

func (NopPublisher) PublishUserOrder(int64, *types.Order) {}

func (NopPublisher) PublishUserTrade(int64, *types.Trade) {}

func (NopPublisher) PublishUserAsset(int64, string) {}

func (NopPublisher) PublishAlert(string, string) {}
