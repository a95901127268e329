package syncer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openalpha/spot-core/types"
)

type fakeSeedSource struct {
	pairs      []*types.TradingPair
	orders     []*types.Order
	assets     []*types.Asset
	maxOrderID int64
	maxTradeID int64
	loads      int
}

func (f *fakeSeedSource) ActivePairs(ctx context.Context) ([]*types.TradingPair, error) {
	f.loads++
	return f.pairs, nil
}

func (f *fakeSeedSource) OpenOrders(ctx context.Context) ([]*types.Order, error) {
	return f.orders, nil
}

func (f *fakeSeedSource) Assets(ctx context.Context) ([]*types.Asset, error) {
	return f.assets, nil
}

func (f *fakeSeedSource) MaxOrderID(ctx context.Context) (int64, error) {
	return f.maxOrderID, nil
}

func (f *fakeSeedSource) MaxTradeID(ctx context.Context) (int64, error) {
	return f.maxTradeID, nil
}

func TestSeederPopulatesStore(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	src := &fakeSeedSource{
		pairs: []*types.TradingPair{{
			ID:         1,
			Symbol:     "BTCUSDT",
			BaseAsset:  "BTC",
			QuoteAsset: "USDT",
			IsActive:   true,
		}},
		orders: []*types.Order{{
			ID:       10,
			UserID:   1,
			Symbol:   "BTCUSDT",
			Side:     types.SideBuy,
			Type:     types.OrderTypeLimit,
			Quantity: types.Amount(types.Scale),
			Price:    types.Amount(49_000 * types.Scale),
			Status:   types.OrderStatusActive,
		}},
		assets: []*types.Asset{{
			UserID:    1,
			Currency:  "USDT",
			Available: types.Amount(100_000 * types.Scale),
			Frozen:    types.Amount(49_000 * types.Scale),
		}},
		maxOrderID: 10,
		maxTradeID: 3,
	}

	seeder := NewSeeder(st, src, zaptest.NewLogger(t))
	require.NoError(t, seeder.Run(ctx))

	ready, err := seeder.Ready(ctx)
	require.NoError(t, err)
	assert.True(t, ready)

	pair, err := st.GetPair(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pair.IsActive)

	order, err := st.GetOrder(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusActive, order.Status)

	// The open order landed on the active index for book rebuilds.
	ids, err := st.ActiveOrderIDs(ctx, "BTCUSDT", types.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, []int64{10}, ids)

	asset, err := st.Asset(ctx, 1, "USDT")
	require.NoError(t, err)
	assert.Equal(t, types.Amount(49_000*types.Scale), asset.Frozen)

	// Counters start past the persisted maxima.
	orderID, err := st.NextOrderID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(11), orderID)
	tradeID, err := st.NextTradeID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), tradeID)
}

func TestSeederSkipsWarmStore(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	src := &fakeSeedSource{
		pairs: []*types.TradingPair{{ID: 1, Symbol: "BTCUSDT", IsActive: true}},
	}
	seeder := NewSeeder(st, src, zaptest.NewLogger(t))
	require.NoError(t, seeder.Run(ctx))
	require.NoError(t, seeder.Run(ctx))

	// The second run saw the markers and never re-read the pairs.
	assert.Equal(t, 1, src.loads)
}

func TestSeederReadyFalseOnColdStore(t *testing.T) {
	st := newTestStore(t)
	seeder := NewSeeder(st, &fakeSeedSource{}, zaptest.NewLogger(t))
	ready, err := seeder.Ready(context.Background())
	require.NoError(t, err)
	assert.False(t, ready)
}
