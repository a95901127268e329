package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openalpha/spot-core/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewWithClient(client, zaptest.NewLogger(t))
}

func amt(t *testing.T, s string) types.Amount {
	t.Helper()
	a, err := types.ParseAmount(s)
	require.NoError(t, err)
	return a
}

func TestFreezeUnfreeze(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Credit(ctx, 1, "USDT", amt(t, "100000")))

	ok, err := st.Freeze(ctx, 1, "USDT", amt(t, "51000"))
	require.NoError(t, err)
	require.True(t, ok)

	a, err := st.Asset(ctx, 1, "USDT")
	require.NoError(t, err)
	assert.Equal(t, amt(t, "49000"), a.Available)
	assert.Equal(t, amt(t, "51000"), a.Frozen)

	// More than available must fail atomically.
	ok, err = st.Freeze(ctx, 1, "USDT", amt(t, "50000"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = st.Unfreeze(ctx, 1, "USDT", amt(t, "51000"))
	require.NoError(t, err)
	require.True(t, ok)

	a, err = st.Asset(ctx, 1, "USDT")
	require.NoError(t, err)
	assert.Equal(t, amt(t, "100000"), a.Available)
	assert.Equal(t, types.Amount(0), a.Frozen)

	// Unfreeze past the frozen balance must fail.
	ok, err = st.Unfreeze(ctx, 1, "USDT", amt(t, "1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFreezeMissingRow(t *testing.T) {
	st := newTestStore(t)
	ok, err := st.Freeze(context.Background(), 9, "BTC", amt(t, "1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecuteTrade(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Credit(ctx, 1, "USDT", amt(t, "100000")))
	require.NoError(t, st.Credit(ctx, 2, "BTC", amt(t, "1")))

	ok, err := st.Freeze(ctx, 1, "USDT", amt(t, "50000"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.Freeze(ctx, 2, "BTC", amt(t, "1"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = st.ExecuteTrade(ctx, 1, 2, "BTC", "USDT", amt(t, "50000"), amt(t, "1"))
	require.NoError(t, err)
	require.True(t, ok)

	buyerQuote, _ := st.Asset(ctx, 1, "USDT")
	buyerBase, _ := st.Asset(ctx, 1, "BTC")
	sellerBase, _ := st.Asset(ctx, 2, "BTC")
	sellerQuote, _ := st.Asset(ctx, 2, "USDT")

	assert.Equal(t, amt(t, "50000"), buyerQuote.Available)
	assert.Equal(t, types.Amount(0), buyerQuote.Frozen)
	assert.Equal(t, amt(t, "1"), buyerBase.Available)
	assert.Equal(t, types.Amount(0), sellerBase.Frozen)
	assert.Equal(t, amt(t, "50000"), sellerQuote.Available)
}

func TestExecuteTradeShortFrozen(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Credit(ctx, 1, "USDT", amt(t, "100")))
	require.NoError(t, st.Credit(ctx, 2, "BTC", amt(t, "1")))
	ok, err := st.Freeze(ctx, 2, "BTC", amt(t, "1"))
	require.NoError(t, err)
	require.True(t, ok)

	// Buyer never froze the notional; the script must refuse and leave every
	// balance untouched.
	ok, err = st.ExecuteTrade(ctx, 1, 2, "BTC", "USDT", amt(t, "50000"), amt(t, "1"))
	require.NoError(t, err)
	assert.False(t, ok)

	buyer, _ := st.Asset(ctx, 1, "USDT")
	seller, _ := st.Asset(ctx, 2, "BTC")
	assert.Equal(t, amt(t, "100"), buyer.Available)
	assert.Equal(t, amt(t, "1"), seller.Frozen)
}

func TestOrderRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.NextOrderID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	o := &types.Order{
		ID:            id,
		ClientOrderID: "cli-42",
		UserID:        7,
		TradingPairID: 1,
		Symbol:        "BTCUSDT",
		Side:          types.SideBuy,
		Type:          types.OrderTypeLimit,
		Quantity:      amt(t, "0.5"),
		Price:         amt(t, "50000"),
		Status:        types.OrderStatusActive,
		CreatedAt:     123,
		UpdatedAt:     456,
	}
	require.NoError(t, st.SaveOrder(ctx, o))

	got, err := st.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, o, got)

	ids, err := st.UserOrderIDs(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, ids)

	_, err = st.GetOrder(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestActiveIndexOrdering(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i, price := range []string{"50000", "49000", "51000"} {
		o := &types.Order{
			ID:     int64(i + 1),
			Symbol: "BTCUSDT",
			Side:   types.SideSell,
			Price:  amt(t, price),
		}
		require.NoError(t, st.IndexActiveOrder(ctx, o))
	}

	// Asks come back cheapest first.
	ids, err := st.ActiveOrderIDs(ctx, "BTCUSDT", types.SideSell)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1, 3}, ids)

	for i, price := range []string{"48000", "48500"} {
		o := &types.Order{
			ID:     int64(i + 10),
			Symbol: "BTCUSDT",
			Side:   types.SideBuy,
			Price:  amt(t, price),
		}
		require.NoError(t, st.IndexActiveOrder(ctx, o))
	}

	// Bids come back highest first.
	ids, err = st.ActiveOrderIDs(ctx, "BTCUSDT", types.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 10}, ids)
}

func TestPairRegistry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	pair := &types.TradingPair{
		ID:                1,
		Symbol:            "BTCUSDT",
		BaseAsset:         "BTC",
		QuoteAsset:        "USDT",
		PricePrecision:    2,
		QuantityPrecision: 8,
		IsActive:          true,
	}
	require.NoError(t, st.SavePair(ctx, pair))

	got, err := st.GetPair(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, pair, got)

	symbols, err := st.ActivePairSymbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT"}, symbols)

	pair.IsActive = false
	require.NoError(t, st.SavePair(ctx, pair))
	symbols, err = st.ActivePairSymbols(ctx)
	require.NoError(t, err)
	assert.Empty(t, symbols)
}

func TestQueueHandoff(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, st.Enqueue(ctx, types.EntityOrder, types.ChangeRecord{
			EntityID:  string(rune('0' + i)),
			Operation: types.ChangeOpCreate,
			Timestamp: int64(i),
		}))
	}
	depth, err := st.QueueDepth(ctx, types.EntityOrder)
	require.NoError(t, err)
	assert.Equal(t, int64(5), depth)

	// Reserve moves records oldest first into the processing queue.
	batch, err := st.ReserveBatch(ctx, types.EntityOrder, 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, int64(1), batch[0].Timestamp)
	assert.Equal(t, int64(3), batch[2].Timestamp)

	depth, _ = st.QueueDepth(ctx, types.EntityOrder)
	assert.Equal(t, int64(2), depth)

	// The backlog mirrors the reserved batch, oldest first.
	backlog, err := st.ProcessingBacklog(ctx, types.EntityOrder)
	require.NoError(t, err)
	require.Len(t, backlog, 3)
	assert.Equal(t, batch, backlog)

	require.NoError(t, st.CompleteBatch(ctx, types.EntityOrder))
	backlog, err = st.ProcessingBacklog(ctx, types.EntityOrder)
	require.NoError(t, err)
	assert.Empty(t, backlog)
}

func TestRequeueProcessing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		require.NoError(t, st.Enqueue(ctx, types.EntityTrade, types.ChangeRecord{
			EntityID:  string(rune('0' + i)),
			Operation: types.ChangeOpCreate,
			Timestamp: int64(i),
		}))
	}

	batch, err := st.ReserveBatch(ctx, types.EntityTrade, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	require.NoError(t, st.RequeueProcessing(ctx, types.EntityTrade))

	// After requeue the full queue drains in the original order.
	batch, err = st.ReserveBatch(ctx, types.EntityTrade, 10)
	require.NoError(t, err)
	require.Len(t, batch, 4)
	for i, rec := range batch {
		assert.Equal(t, int64(i+1), rec.Timestamp)
	}
}

func TestCounterFloor(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.EnsureOrderCounter(ctx, 100))
	id, err := st.NextOrderID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(101), id)

	// A lower floor never rolls the counter back.
	require.NoError(t, st.EnsureOrderCounter(ctx, 5))
	id, err = st.NextOrderID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(102), id)
}

func TestSeedMarkers(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	done, err := st.Seeded(ctx, types.EntityPair)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, st.MarkSeeded(ctx, types.EntityPair))
	done, err = st.Seeded(ctx, types.EntityPair)
	require.NoError(t, err)
	assert.True(t, done)
}
