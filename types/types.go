package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Side represents order side.
type Side int

const (
	SideUnspecified Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unspecified"
	}
}

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// SideFromString parses a canonical side name.
func SideFromString(v string) Side {
	switch v {
	case "buy", "BUY":
		return SideBuy
	case "sell", "SELL":
		return SideSell
	default:
		return SideUnspecified
	}
}

// OrderType represents order type.
type OrderType int

const (
	OrderTypeUnspecified OrderType = iota
	OrderTypeLimit
	OrderTypeMarket
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "limit"
	case OrderTypeMarket:
		return "market"
	default:
		return "unspecified"
	}
}

// OrderTypeFromString parses a canonical order type name.
func OrderTypeFromString(v string) OrderType {
	switch v {
	case "limit", "LIMIT":
		return OrderTypeLimit
	case "market", "MARKET":
		return OrderTypeMarket
	default:
		return OrderTypeUnspecified
	}
}

// OrderStatus represents order status.
type OrderStatus int

const (
	OrderStatusUnspecified OrderStatus = iota
	OrderStatusPending
	OrderStatusActive
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "pending"
	case OrderStatusActive:
		return "active"
	case OrderStatusPartiallyFilled:
		return "partially_filled"
	case OrderStatusFilled:
		return "filled"
	case OrderStatusCancelled:
		return "cancelled"
	case OrderStatusRejected:
		return "rejected"
	default:
		return "unspecified"
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// Matchable reports whether a resting order in this status may act as maker.
func (s OrderStatus) Matchable() bool {
	return s == OrderStatusActive || s == OrderStatusPartiallyFilled
}

// Cancellable reports whether a user cancel is accepted in this status.
func (s OrderStatus) Cancellable() bool {
	return s == OrderStatusPending || s == OrderStatusActive || s == OrderStatusPartiallyFilled
}

// TradingPair describes one market. Immutable at runtime except the last
// traded price, which the matching lane owns.
type TradingPair struct {
	ID                int64  `json:"id"`
	Symbol            string `json:"symbol"`
	BaseAsset         string `json:"baseAsset"`
	QuoteAsset        string `json:"quoteAsset"`
	PricePrecision    int    `json:"pricePrecision"`
	QuantityPrecision int    `json:"quantityPrecision"`
	MinQuantity       Amount `json:"minQuantity"`
	MaxQuantity       Amount `json:"maxQuantity"`
	IsActive          bool   `json:"isActive"`
}

// Order is the core order record. For market buys, Quantity holds a
// quote-currency budget rather than a base quantity.
type Order struct {
	ID            int64       `json:"id"`
	ClientOrderID string      `json:"clientOrderId,omitempty"`
	UserID        int64       `json:"userId"`
	TradingPairID int64       `json:"tradingPairId"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	Quantity      Amount      `json:"quantity"`
	Price         Amount      `json:"price"` // 0 for market orders
	FilledQty     Amount      `json:"filledQuantity"`
	QuoteSpent    Amount      `json:"quoteSpent"` // Σ price×qty over fills, quote currency
	Status        OrderStatus `json:"status"`
	CreatedAt     int64       `json:"createdAt"` // unix ms
	UpdatedAt     int64       `json:"updatedAt"` // unix ms
}

// Remaining returns the unfilled base quantity. For market buys this is the
// unspent quote budget instead.
func (o *Order) Remaining() Amount {
	if o.IsQuoteBudget() {
		return o.Quantity - o.QuoteSpent
	}
	return o.Quantity - o.FilledQty
}

// IsQuoteBudget reports whether Quantity denominates quote currency.
func (o *Order) IsQuoteBudget() bool {
	return o.Type == OrderTypeMarket && o.Side == SideBuy
}

// Fill applies a match of qty at price and updates status.
func (o *Order) Fill(qty, price Amount, now int64) {
	o.FilledQty += qty
	o.QuoteSpent += Notional(price, qty)
	o.UpdatedAt = now
	if o.Remaining() <= 0 {
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
}

// AveragePrice returns the value-weighted mean fill price, 0 if unfilled.
func (o *Order) AveragePrice() Amount {
	if o.FilledQty == 0 {
		return 0
	}
	return MulDiv(o.QuoteSpent, Scale, o.FilledQty)
}

// Trade is an immutable execution record.
type Trade struct {
	ID            int64  `json:"id"`
	TradingPairID int64  `json:"tradingPairId"`
	Symbol        string `json:"symbol"`
	BuyOrderID    int64  `json:"buyOrderId"`
	SellOrderID   int64  `json:"sellOrderId"`
	BuyerID       int64  `json:"buyerId"`
	SellerID      int64  `json:"sellerId"`
	Price         Amount `json:"price"`
	Quantity      Amount `json:"quantity"`
	Fee           Amount `json:"fee"`
	FeeAsset      string `json:"feeAsset"`
	TakerSide     Side   `json:"takerSide"`
	ExecutedAt    int64  `json:"executedAt"` // unix ms
}

// Asset is one (user, currency) balance row. Mutated only through the
// settlement scripts during live trading.
type Asset struct {
	UserID    int64  `json:"userId"`
	Currency  string `json:"currency"`
	Available Amount `json:"available"`
	Frozen    Amount `json:"frozen"`
	UpdatedAt int64  `json:"updatedAt"` // unix ms
}

// ChangeOp enumerates change-record operations.
type ChangeOp string

const (
	ChangeOpCreate ChangeOp = "create"
	ChangeOpUpdate ChangeOp = "update"
	ChangeOpDelete ChangeOp = "delete"
)

// EntityKind enumerates the entities the synchroniser drains.
type EntityKind string

const (
	EntityOrder EntityKind = "orders"
	EntityTrade EntityKind = "trades"
	EntityAsset EntityKind = "assets"
)

// EntityPair is seeded at startup but never drained; pair changes go through
// operator tooling straight to the relational store.
const EntityPair EntityKind = "pairs"

// EntityKinds lists every drained kind, in worker start order.
var EntityKinds = []EntityKind{EntityOrder, EntityTrade, EntityAsset}

// ChangeRecord is the change-queue payload. The authoritative state is always
// re-read from the operational store at drain time, so the record carries
// only identity, operation and time.
type ChangeRecord struct {
	EntityID  string   `json:"entityId"`
	Operation ChangeOp `json:"operation"`
	Timestamp int64    `json:"timestamp"`
}

// NowMillis returns the current time as unix milliseconds.
func NowMillis() int64 { return time.Now().UnixMilli() }

// AssetEntityID composes the change-record id for an asset row.
func AssetEntityID(userID int64, currency string) string {
	return strconv.FormatInt(userID, 10) + ":" + currency
}

// ParseAssetEntityID splits an asset change-record id back into its parts.
func ParseAssetEntityID(id string) (userID int64, currency string, err error) {
	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return 0, "", fmt.Errorf("malformed asset entity id %q", id)
	}
	userID, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed asset entity id %q: %w", id, err)
	}
	return userID, parts[1], nil
}
