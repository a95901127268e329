package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/openalpha/spot-core/types"
)

// Enums and amounts persist as integers for compact scripts and cheap parses.

// NextOrderID allocates a globally increasing order id.
func (s *Store) NextOrderID(ctx context.Context) (int64, error) {
	return s.Incr(ctx, orderCounterKey)
}

// NextTradeID allocates a globally increasing trade id.
func (s *Store) NextTradeID(ctx context.Context) (int64, error) {
	return s.Incr(ctx, tradeCounterKey)
}

// EnsureOrderCounter raises the order id counter to at least min. Used after
// seeding so freshly allocated ids never collide with persisted ones.
func (s *Store) EnsureOrderCounter(ctx context.Context, min int64) error {
	return s.ensureCounterAtLeast(ctx, orderCounterKey, min)
}

// EnsureTradeCounter raises the trade id counter to at least min.
func (s *Store) EnsureTradeCounter(ctx context.Context, min int64) error {
	return s.ensureCounterAtLeast(ctx, tradeCounterKey, min)
}

func (s *Store) ensureCounterAtLeast(ctx context.Context, key string, min int64) error {
	cur, err := s.GetInt(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if cur >= min {
		return nil
	}
	return s.Set(ctx, key, strconv.FormatInt(min, 10))
}

// SaveOrder writes the order hash and keeps the user index current.
func (s *Store) SaveOrder(ctx context.Context, o *types.Order) error {
	if err := s.HSet(ctx, orderKey(o.ID), orderFields(o)); err != nil {
		return fmt.Errorf("save order %d: %w", o.ID, err)
	}
	return s.ZAdd(ctx, userOrdersKey(o.UserID), float64(o.ID), strconv.FormatInt(o.ID, 10))
}

// GetOrder loads one order hash.
func (s *Store) GetOrder(ctx context.Context, orderID int64) (*types.Order, error) {
	fields, err := s.HGetAll(ctx, orderKey(orderID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return orderFromFields(fields), nil
}

// UserOrderIDs lists a user's order ids, oldest first.
func (s *Store) UserOrderIDs(ctx context.Context, userID int64) ([]int64, error) {
	members, err := s.ZRange(ctx, userOrdersKey(userID), 0, -1, true)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		ids = append(ids, parseInt(m))
	}
	return ids, nil
}

// IndexActiveOrder adds the order to the per-symbol active book index,
// scored by price so the index doubles as a depth snapshot source.
func (s *Store) IndexActiveOrder(ctx context.Context, o *types.Order) error {
	return s.ZAdd(ctx, activeBookKey(o.Symbol, o.Side),
		float64(o.Price)/types.Scale, strconv.FormatInt(o.ID, 10))
}

// UnindexActiveOrder removes the order from the active book index.
func (s *Store) UnindexActiveOrder(ctx context.Context, o *types.Order) error {
	return s.ZRem(ctx, activeBookKey(o.Symbol, o.Side), strconv.FormatInt(o.ID, 10))
}

// ActiveOrderIDs lists the active index for one side. Bids come back best
// (highest) first, asks best (lowest) first.
func (s *Store) ActiveOrderIDs(ctx context.Context, symbol string, side types.Side) ([]int64, error) {
	ascending := side == types.SideSell
	members, err := s.ZRange(ctx, activeBookKey(symbol, side), 0, -1, ascending)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		ids = append(ids, parseInt(m))
	}
	return ids, nil
}

// SaveTrade writes the immutable trade hash.
func (s *Store) SaveTrade(ctx context.Context, t *types.Trade) error {
	return s.HSet(ctx, tradeKey(t.ID), map[string]interface{}{
		"id":            t.ID,
		"pair_id":       t.TradingPairID,
		"symbol":        t.Symbol,
		"buy_order_id":  t.BuyOrderID,
		"sell_order_id": t.SellOrderID,
		"buyer_id":      t.BuyerID,
		"seller_id":     t.SellerID,
		"price":         int64(t.Price),
		"quantity":      int64(t.Quantity),
		"fee":           int64(t.Fee),
		"fee_asset":     t.FeeAsset,
		"taker_side":    int(t.TakerSide),
		"executed_at":   t.ExecutedAt,
	})
}

// GetTrade loads one trade hash.
func (s *Store) GetTrade(ctx context.Context, tradeID int64) (*types.Trade, error) {
	fields, err := s.HGetAll(ctx, tradeKey(tradeID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return &types.Trade{
		ID:            parseInt(fields["id"]),
		TradingPairID: parseInt(fields["pair_id"]),
		Symbol:        fields["symbol"],
		BuyOrderID:    parseInt(fields["buy_order_id"]),
		SellOrderID:   parseInt(fields["sell_order_id"]),
		BuyerID:       parseInt(fields["buyer_id"]),
		SellerID:      parseInt(fields["seller_id"]),
		Price:         types.Amount(parseInt(fields["price"])),
		Quantity:      types.Amount(parseInt(fields["quantity"])),
		Fee:           types.Amount(parseInt(fields["fee"])),
		FeeAsset:      fields["fee_asset"],
		TakerSide:     types.Side(parseInt(fields["taker_side"])),
		ExecutedAt:    parseInt(fields["executed_at"]),
	}, nil
}

// SavePair writes a trading pair hash and registers its symbol.
func (s *Store) SavePair(ctx context.Context, p *types.TradingPair) error {
	if err := s.HSet(ctx, pairKey(p.Symbol), map[string]interface{}{
		"id":                 p.ID,
		"symbol":             p.Symbol,
		"base_asset":         p.BaseAsset,
		"quote_asset":        p.QuoteAsset,
		"price_precision":    p.PricePrecision,
		"quantity_precision": p.QuantityPrecision,
		"min_quantity":       int64(p.MinQuantity),
		"max_quantity":       int64(p.MaxQuantity),
		"is_active":          boolToInt(p.IsActive),
	}); err != nil {
		return fmt.Errorf("save pair %s: %w", p.Symbol, err)
	}
	if !p.IsActive {
		return s.ZRem(ctx, activePairsKey, p.Symbol)
	}
	return s.ZAdd(ctx, activePairsKey, float64(p.ID), p.Symbol)
}

// GetPair loads one trading pair hash.
func (s *Store) GetPair(ctx context.Context, symbol string) (*types.TradingPair, error) {
	fields, err := s.HGetAll(ctx, pairKey(symbol))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return &types.TradingPair{
		ID:                parseInt(fields["id"]),
		Symbol:            fields["symbol"],
		BaseAsset:         fields["base_asset"],
		QuoteAsset:        fields["quote_asset"],
		PricePrecision:    int(parseInt(fields["price_precision"])),
		QuantityPrecision: int(parseInt(fields["quantity_precision"])),
		MinQuantity:       types.Amount(parseInt(fields["min_quantity"])),
		MaxQuantity:       types.Amount(parseInt(fields["max_quantity"])),
		IsActive:          fields["is_active"] == "1",
	}, nil
}

// ActivePairSymbols lists the registered active symbols in pair-id order.
func (s *Store) ActivePairSymbols(ctx context.Context) ([]string, error) {
	return s.ZRange(ctx, activePairsKey, 0, -1, true)
}

// Seeded reports whether the seed marker for kind is present.
func (s *Store) Seeded(ctx context.Context, kind types.EntityKind) (bool, error) {
	return s.Exists(ctx, seededKey(kind))
}

// MarkSeeded sets the seed marker for kind.
func (s *Store) MarkSeeded(ctx context.Context, kind types.EntityKind) error {
	return s.Set(ctx, seededKey(kind), strconv.FormatInt(types.NowMillis(), 10))
}

func orderFields(o *types.Order) map[string]interface{} {
	return map[string]interface{}{
		"id":          o.ID,
		"client_id":   o.ClientOrderID,
		"user_id":     o.UserID,
		"pair_id":     o.TradingPairID,
		"symbol":      o.Symbol,
		"side":        int(o.Side),
		"type":        int(o.Type),
		"quantity":    int64(o.Quantity),
		"price":       int64(o.Price),
		"filled_qty":  int64(o.FilledQty),
		"quote_spent": int64(o.QuoteSpent),
		"status":      int(o.Status),
		"created_at":  o.CreatedAt,
		"updated_at":  o.UpdatedAt,
	}
}

func orderFromFields(fields map[string]string) *types.Order {
	return &types.Order{
		ID:            parseInt(fields["id"]),
		ClientOrderID: fields["client_id"],
		UserID:        parseInt(fields["user_id"]),
		TradingPairID: parseInt(fields["pair_id"]),
		Symbol:        fields["symbol"],
		Side:          types.Side(parseInt(fields["side"])),
		Type:          types.OrderType(parseInt(fields["type"])),
		Quantity:      types.Amount(parseInt(fields["quantity"])),
		Price:         types.Amount(parseInt(fields["price"])),
		FilledQty:     types.Amount(parseInt(fields["filled_qty"])),
		QuoteSpent:    types.Amount(parseInt(fields["quote_spent"])),
		Status:        types.OrderStatus(parseInt(fields["status"])),
		CreatedAt:     parseInt(fields["created_at"]),
		UpdatedAt:     parseInt(fields["updated_at"]),
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
