package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/openalpha/spot-core/store"
	"github.com/openalpha/spot-core/types"
)

// handlePlace runs the full lane algorithm for a taker order: validation,
// freeze, crossing, remainder posting and event emission.
func (l *lane) handlePlace(ctx context.Context, taker *types.Order) (*PlaceResult, error) {
	if err := l.validate(taker); err != nil {
		return l.reject(ctx, taker, err)
	}

	currency, amount := l.freezeTerms(taker)
	ok, err := l.st.Freeze(ctx, taker.UserID, currency, amount)
	if err != nil {
		return nil, fmt.Errorf("freeze %s for order %d: %w", currency, taker.ID, err)
	}
	if !ok {
		return l.reject(ctx, taker, fmt.Errorf("%w: need %s %s", ErrInsufficientFunds, amount, currency))
	}
	l.enqueueAssetChange(ctx, taker.UserID, currency)
	l.pub.PublishUserAsset(taker.UserID, currency)

	taker.Status = types.OrderStatusActive
	if err := l.st.SaveOrder(ctx, taker); err != nil {
		return nil, fmt.Errorf("save order %d: %w", taker.ID, err)
	}
	l.enqueueOrderChange(ctx, types.ChangeOpCreate, taker.ID)

	trades := l.cross(ctx, taker)

	if taker.Remaining() > 0 && !taker.Status.IsTerminal() {
		if taker.Type == types.OrderTypeLimit {
			l.book.Add(taker)
			if err := l.st.IndexActiveOrder(ctx, taker); err != nil {
				l.log.Error("index active order", zap.Int64("order", taker.ID), zap.Error(err))
			}
			l.publishDelta(taker.Side, taker.Price)
		} else {
			// Immediate-or-cancel semantics for market residual.
			l.releaseRemainder(ctx, taker)
			taker.Status = types.OrderStatusCancelled
			taker.UpdatedAt = types.NowMillis()
		}
	}

	if err := l.st.SaveOrder(ctx, taker); err != nil {
		return nil, fmt.Errorf("save order %d: %w", taker.ID, err)
	}
	l.enqueueOrderChange(ctx, types.ChangeOpUpdate, taker.ID)
	l.pub.PublishUserOrder(taker.UserID, taker)
	l.countOrder(taker)

	if l.halted.Load() {
		return &PlaceResult{Order: taker, Trades: trades}, ErrLaneHalted
	}
	return &PlaceResult{Order: taker, Trades: trades}, nil
}

// cross consumes the opposite side of the book while the taker still crosses.
func (l *lane) cross(ctx context.Context, taker *types.Order) []*types.Trade {
	var trades []*types.Trade
	for taker.Remaining() > 0 {
		maker := l.book.BestOpposite(taker.Side)
		if maker == nil {
			break
		}

		// Self-trade prevention: the resting order yields, no trade happens.
		if maker.UserID == taker.UserID {
			if err := l.cancelResting(ctx, maker, true); err != nil {
				l.log.Error("self-trade auto-cancel", zap.Int64("maker", maker.ID), zap.Error(err))
				break
			}
			continue
		}

		if !crossed(taker, maker) {
			break
		}

		matchPrice := maker.Price
		if matchPrice == 0 {
			// Market-vs-market: no resting price to use; fall back to the
			// last traded price, or skip when the lane has never traded.
			matchPrice = l.referencePrice()
			if matchPrice == 0 {
				break
			}
		}

		matchQty := taker.Remaining().Min(maker.Remaining())
		if taker.IsQuoteBudget() {
			affordable, err := types.CheckedQuantityFor(taker.Remaining(), matchPrice)
			if err != nil {
				// Budget buys more than any order can hold; the maker bounds it.
				affordable = maker.Remaining()
			}
			matchQty = affordable.Min(maker.Remaining())
		}
		if matchQty <= 0 {
			break
		}

		trade, err := l.settleMatch(ctx, taker, maker, matchPrice, matchQty)
		if err != nil {
			// Invariant breach or store failure: abort the pass, leave both
			// sides untouched, surface to the operator.
			l.log.Error("settlement failed",
				zap.Int64("taker", taker.ID), zap.Int64("maker", maker.ID), zap.Error(err))
			l.pub.PublishAlert(l.pair.Symbol,
				fmt.Sprintf("settlement failed for orders %d/%d: %v", taker.ID, maker.ID, err))
			break
		}
		trades = append(trades, trade)

		if maker.Remaining() <= 0 {
			l.book.Remove(maker)
			if err := l.st.UnindexActiveOrder(ctx, maker); err != nil {
				l.log.Error("unindex filled maker", zap.Int64("order", maker.ID), zap.Error(err))
			}
		}
		l.publishDelta(maker.Side, maker.Price)

		if taker.Status.IsTerminal() {
			break
		}
	}
	return trades
}

// settleMatch executes one match atomically and records its consequences.
func (l *lane) settleMatch(ctx context.Context, taker, maker *types.Order, price, qty types.Amount) (*types.Trade, error) {
	buyOrder, sellOrder := taker, maker
	if taker.Side == types.SideSell {
		buyOrder, sellOrder = maker, taker
	}

	ok, err := l.st.ExecuteTrade(ctx, buyOrder.UserID, sellOrder.UserID,
		l.pair.BaseAsset, l.pair.QuoteAsset, price, qty)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("frozen balance short for %s %s @ %s", qty, l.pair.BaseAsset, price)
	}

	now := types.NowMillis()
	taker.Fill(qty, price, now)
	maker.Fill(qty, price, now)

	// A buy taker froze at its own limit; matching below it leaves surplus
	// frozen quote that belongs back in available.
	if buyOrder == taker && taker.Type == types.OrderTypeLimit && price < taker.Price {
		surplus := types.Notional(taker.Price-price, qty)
		if surplus > 0 {
			if ok, err := l.st.Unfreeze(ctx, taker.UserID, l.pair.QuoteAsset, surplus); err != nil || !ok {
				l.log.Error("price-improvement refund failed",
					zap.Int64("order", taker.ID), zap.Error(err))
			}
		}
	}

	tradeID, err := l.st.NextTradeID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate trade id: %w", err)
	}
	trade := &types.Trade{
		ID:            tradeID,
		TradingPairID: l.pair.ID,
		Symbol:        l.pair.Symbol,
		BuyOrderID:    buyOrder.ID,
		SellOrderID:   sellOrder.ID,
		BuyerID:       buyOrder.UserID,
		SellerID:      sellOrder.UserID,
		Price:         price,
		Quantity:      qty,
		FeeAsset:      l.pair.QuoteAsset,
		TakerSide:     taker.Side,
		ExecutedAt:    now,
	}
	if err := l.st.SaveTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("save trade %d: %w", tradeID, err)
	}
	if err := l.st.SaveOrder(ctx, maker); err != nil {
		return nil, fmt.Errorf("save maker %d: %w", maker.ID, err)
	}
	if err := l.st.SaveOrder(ctx, taker); err != nil {
		return nil, fmt.Errorf("save taker %d: %w", taker.ID, err)
	}

	l.enqueueTradeChange(ctx, tradeID)
	l.enqueueOrderChange(ctx, types.ChangeOpUpdate, maker.ID)
	l.enqueueOrderChange(ctx, types.ChangeOpUpdate, taker.ID)
	for _, userID := range []int64{buyOrder.UserID, sellOrder.UserID} {
		l.enqueueAssetChange(ctx, userID, l.pair.BaseAsset)
		l.enqueueAssetChange(ctx, userID, l.pair.QuoteAsset)
	}

	l.setReferencePrice(price)
	l.pub.PublishTrade(l.pair.Symbol, trade)
	l.pub.PublishTicker(l.pair.Symbol, price)
	l.pub.PublishUserTrade(buyOrder.UserID, trade)
	l.pub.PublishUserTrade(sellOrder.UserID, trade)
	l.pub.PublishUserOrder(maker.UserID, maker)
	for _, userID := range []int64{buyOrder.UserID, sellOrder.UserID} {
		l.pub.PublishUserAsset(userID, l.pair.BaseAsset)
		l.pub.PublishUserAsset(userID, l.pair.QuoteAsset)
	}

	if l.mx != nil {
		l.mx.TradesTotal.WithLabelValues(l.pair.Symbol).Inc()
		l.mx.TradeVolume.WithLabelValues(l.pair.Symbol).Add(float64(qty) / types.Scale)
	}
	return trade, nil
}

// handleCancel processes a user-initiated cancel.
func (l *lane) handleCancel(ctx context.Context, orderID, userID int64) error {
	o, err := l.st.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("load order %d: %w", orderID, err)
	}
	if userID != 0 && o.UserID != userID {
		return ErrNotOwner
	}
	if !o.Status.Cancellable() {
		return fmt.Errorf("%w: status %s", ErrNotCancellable, o.Status)
	}
	return l.cancelResting(ctx, o, false)
}

// cancelResting reverses the freeze on the unfilled portion, marks the order
// cancelled and removes it from the book and indices. Auto-cancels come from
// self-trade prevention and skip ownership checks.
func (l *lane) cancelResting(ctx context.Context, o *types.Order, auto bool) error {
	currency, refund := l.refundTerms(o)
	if refund > 0 {
		ok, err := l.st.Unfreeze(ctx, o.UserID, currency, refund)
		if err != nil {
			return fmt.Errorf("unfreeze order %d: %w", o.ID, err)
		}
		if !ok {
			l.pub.PublishAlert(l.pair.Symbol,
				fmt.Sprintf("frozen balance short while cancelling order %d", o.ID))
			return fmt.Errorf("unfreeze order %d: frozen balance short", o.ID)
		}
	}

	l.book.Remove(o)
	o.Status = types.OrderStatusCancelled
	o.UpdatedAt = types.NowMillis()
	if err := l.st.SaveOrder(ctx, o); err != nil {
		return fmt.Errorf("save cancelled order %d: %w", o.ID, err)
	}
	if err := l.st.UnindexActiveOrder(ctx, o); err != nil {
		l.log.Error("unindex cancelled order", zap.Int64("order", o.ID), zap.Error(err))
	}

	l.enqueueOrderChange(ctx, types.ChangeOpUpdate, o.ID)
	l.enqueueAssetChange(ctx, o.UserID, currency)
	l.publishDelta(o.Side, o.Price)
	l.pub.PublishUserOrder(o.UserID, o)
	l.pub.PublishUserAsset(o.UserID, currency)
	if auto {
		l.log.Info("self-trade prevented, maker auto-cancelled",
			zap.Int64("maker", o.ID), zap.Int64("user", o.UserID))
	}
	l.countOrder(o)
	return nil
}

// releaseRemainder unfreezes whatever a market order did not spend.
func (l *lane) releaseRemainder(ctx context.Context, o *types.Order) {
	currency, refund := l.refundTerms(o)
	if refund <= 0 {
		return
	}
	if ok, err := l.st.Unfreeze(ctx, o.UserID, currency, refund); err != nil || !ok {
		l.log.Error("release market remainder",
			zap.Int64("order", o.ID), zap.Error(err))
		return
	}
	l.enqueueAssetChange(ctx, o.UserID, currency)
	l.pub.PublishUserAsset(o.UserID, currency)
}

// reject finalises a failed validation or freeze.
func (l *lane) reject(ctx context.Context, o *types.Order, cause error) (*PlaceResult, error) {
	o.Status = types.OrderStatusRejected
	o.UpdatedAt = types.NowMillis()
	if err := l.st.SaveOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("save rejected order %d: %w", o.ID, err)
	}
	l.enqueueOrderChange(ctx, types.ChangeOpCreate, o.ID)
	l.countOrder(o)
	return &PlaceResult{Order: o}, cause
}

func (l *lane) validate(o *types.Order) error {
	if !l.pair.IsActive {
		return ErrPairInactive
	}
	if o.Side != types.SideBuy && o.Side != types.SideSell {
		return fmt.Errorf("%w: side required", ErrValidation)
	}
	if o.Type != types.OrderTypeLimit && o.Type != types.OrderTypeMarket {
		return fmt.Errorf("%w: type required", ErrValidation)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	switch o.Type {
	case types.OrderTypeLimit:
		if o.Price <= 0 {
			return fmt.Errorf("%w: limit order requires a positive price", ErrValidation)
		}
		if !fitsPrecision(o.Price, l.pair.PricePrecision) {
			return fmt.Errorf("%w: price exceeds %d decimals", ErrValidation, l.pair.PricePrecision)
		}
		// Every later notional for this order is bounded by price×quantity,
		// so checking it once here keeps the lane's arithmetic in range.
		if _, err := types.CheckedNotional(o.Price, o.Quantity); err != nil {
			return fmt.Errorf("%w: order value out of range", ErrValidation)
		}
	case types.OrderTypeMarket:
		if o.Price != 0 {
			return fmt.Errorf("%w: market order must not carry a price", ErrValidation)
		}
	}
	if !o.IsQuoteBudget() {
		if !fitsPrecision(o.Quantity, l.pair.QuantityPrecision) {
			return fmt.Errorf("%w: quantity exceeds %d decimals", ErrValidation, l.pair.QuantityPrecision)
		}
		if l.pair.MinQuantity > 0 && o.Quantity < l.pair.MinQuantity {
			return fmt.Errorf("%w: quantity below minimum %s", ErrValidation, l.pair.MinQuantity)
		}
		if l.pair.MaxQuantity > 0 && o.Quantity > l.pair.MaxQuantity {
			return fmt.Errorf("%w: quantity above maximum %s", ErrValidation, l.pair.MaxQuantity)
		}
	}
	return nil
}

// freezeTerms returns what a new order locks: quote notional for limit buys,
// the quote budget for market buys, base quantity for sells.
func (l *lane) freezeTerms(o *types.Order) (currency string, amount types.Amount) {
	if o.Side == types.SideBuy {
		if o.IsQuoteBudget() {
			return l.pair.QuoteAsset, o.Quantity
		}
		return l.pair.QuoteAsset, types.Notional(o.Price, o.Quantity)
	}
	return l.pair.BaseAsset, o.Quantity
}

// refundTerms returns the frozen remainder owed back on cancel.
func (l *lane) refundTerms(o *types.Order) (currency string, amount types.Amount) {
	if o.Side == types.SideBuy {
		if o.IsQuoteBudget() {
			return l.pair.QuoteAsset, o.Quantity - o.QuoteSpent
		}
		return l.pair.QuoteAsset, types.Notional(o.Price, o.Quantity-o.FilledQty)
	}
	return l.pair.BaseAsset, o.Quantity - o.FilledQty
}

func crossed(taker, maker *types.Order) bool {
	if taker.Type == types.OrderTypeMarket {
		return true
	}
	if maker.Price == 0 {
		return true
	}
	if taker.Side == types.SideBuy {
		return taker.Price >= maker.Price
	}
	return taker.Price <= maker.Price
}

func fitsPrecision(a types.Amount, digits int) bool {
	if digits >= types.MaxFractionalDigits {
		return true
	}
	step := int64(1)
	for i := 0; i < types.MaxFractionalDigits-digits; i++ {
		step *= 10
	}
	return int64(a)%step == 0
}

// publishDelta reports the new aggregate size at one price level.
func (l *lane) publishDelta(side types.Side, price types.Amount) {
	if price == 0 {
		return
	}
	l.pub.PublishBookDelta(l.pair.Symbol, side, price, l.book.LevelSize(side, price))
}

func (l *lane) enqueueOrderChange(ctx context.Context, op types.ChangeOp, orderID int64) {
	l.mustEnqueue(ctx, types.EntityOrder, types.ChangeRecord{
		EntityID:  laneEntityID(orderID),
		Operation: op,
		Timestamp: types.NowMillis(),
	})
}

func (l *lane) enqueueTradeChange(ctx context.Context, tradeID int64) {
	l.mustEnqueue(ctx, types.EntityTrade, types.ChangeRecord{
		EntityID:  laneEntityID(tradeID),
		Operation: types.ChangeOpCreate,
		Timestamp: types.NowMillis(),
	})
}

func (l *lane) enqueueAssetChange(ctx context.Context, userID int64, currency string) {
	l.mustEnqueue(ctx, types.EntityAsset, types.ChangeRecord{
		EntityID:  types.AssetEntityID(userID, currency),
		Operation: types.ChangeOpUpdate,
		Timestamp: types.NowMillis(),
	})
}

// mustEnqueue halts the lane on append failure: continuing would let the
// durable store drift from the operational store.
func (l *lane) mustEnqueue(ctx context.Context, kind types.EntityKind, rec types.ChangeRecord) {
	if err := l.st.Enqueue(ctx, kind, rec); err != nil {
		l.halt("change queue append failed", err)
	}
}
