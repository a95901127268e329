package book

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openalpha/spot-core/types"
)

func limitOrder(id, userID int64, side types.Side, price, qty string) *types.Order {
	p, err := types.ParseAmount(price)
	if err != nil {
		panic(err)
	}
	q, err := types.ParseAmount(qty)
	if err != nil {
		panic(err)
	}
	return &types.Order{
		ID:       id,
		UserID:   userID,
		Side:     side,
		Type:     types.OrderTypeLimit,
		Price:    p,
		Quantity: q,
		Status:   types.OrderStatusActive,
	}
}

func TestBestBidAndAsk(t *testing.T) {
	b := New("BTCUSDT")
	assert.Equal(t, types.Amount(0), b.BestBid())
	assert.Equal(t, types.Amount(0), b.BestAsk())

	b.Add(limitOrder(1, 1, types.SideBuy, "49000", "1"))
	b.Add(limitOrder(2, 2, types.SideBuy, "49500", "1"))
	b.Add(limitOrder(3, 3, types.SideSell, "50500", "1"))
	b.Add(limitOrder(4, 4, types.SideSell, "50000", "1"))

	assert.Equal(t, mustAmount("49500"), b.BestBid())
	assert.Equal(t, mustAmount("50000"), b.BestAsk())
}

func TestFIFOWithinLevel(t *testing.T) {
	b := New("BTCUSDT")
	first := limitOrder(1, 1, types.SideSell, "50000", "1")
	second := limitOrder(2, 2, types.SideSell, "50000", "1")
	b.Add(first)
	b.Add(second)

	head := b.BestOpposite(types.SideBuy)
	require.NotNil(t, head)
	assert.Equal(t, int64(1), head.ID)

	b.Remove(first)
	head = b.BestOpposite(types.SideBuy)
	require.NotNil(t, head)
	assert.Equal(t, int64(2), head.ID)
}

func TestBestOppositeSkipsDeadOrders(t *testing.T) {
	b := New("BTCUSDT")
	dead := limitOrder(1, 1, types.SideSell, "50000", "1")
	dead.Status = types.OrderStatusCancelled
	live := limitOrder(2, 2, types.SideSell, "50000", "1")
	b.Add(dead)
	b.Add(live)

	head := b.BestOpposite(types.SideBuy)
	require.NotNil(t, head)
	assert.Equal(t, int64(2), head.ID)
}

func TestBestOppositeDropsEmptiedLevels(t *testing.T) {
	b := New("BTCUSDT")
	filled := limitOrder(1, 1, types.SideSell, "50000", "1")
	filled.FilledQty = filled.Quantity
	filled.Status = types.OrderStatusFilled
	b.Add(filled)
	b.Add(limitOrder(2, 2, types.SideSell, "51000", "1"))

	head := b.BestOpposite(types.SideBuy)
	require.NotNil(t, head)
	assert.Equal(t, int64(2), head.ID)

	_, asks := b.Levels()
	assert.Equal(t, 1, asks)
}

func TestRemove(t *testing.T) {
	b := New("BTCUSDT")
	o := limitOrder(1, 1, types.SideBuy, "49000", "1")
	b.Add(o)

	removed := b.Remove(o)
	require.NotNil(t, removed)
	assert.Equal(t, int64(1), removed.ID)
	assert.Nil(t, b.Remove(o))

	bids, _ := b.Levels()
	assert.Equal(t, 0, bids)
}

func TestDepthAggregation(t *testing.T) {
	b := New("BTCUSDT")
	b.Add(limitOrder(1, 1, types.SideSell, "50000", "0.5"))
	b.Add(limitOrder(2, 2, types.SideSell, "50000", "0.7"))
	b.Add(limitOrder(3, 3, types.SideSell, "50100", "2"))
	b.Add(limitOrder(4, 4, types.SideSell, "50200", "1"))

	depth := b.Depth(types.SideSell, 2)
	require.Len(t, depth, 2)
	assert.Equal(t, mustAmount("50000"), depth[0].Price)
	assert.Equal(t, mustAmount("1.2"), depth[0].Quantity)
	assert.Equal(t, mustAmount("50100"), depth[1].Price)
}

func TestDepthExcludesPartialFills(t *testing.T) {
	b := New("BTCUSDT")
	o := limitOrder(1, 1, types.SideSell, "50000", "2")
	o.FilledQty = mustAmount("0.3")
	o.Status = types.OrderStatusPartiallyFilled
	b.Add(o)

	depth := b.Depth(types.SideSell, 10)
	require.Len(t, depth, 1)
	assert.Equal(t, mustAmount("1.7"), depth[0].Quantity)
	assert.Equal(t, mustAmount("1.7"), b.LevelSize(types.SideSell, mustAmount("50000")))
}

func mustAmount(s string) types.Amount {
	a, err := types.ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}
