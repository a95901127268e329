package health

import (
	"context"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openalpha/spot-core/engine"
	"github.com/openalpha/spot-core/store"
	"github.com/openalpha/spot-core/types"
)

func newTestChecker(t *testing.T) (*Checker, *store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewWithClient(client, zaptest.NewLogger(t))
	return New(st, nil, nil, nil, nil, zaptest.NewLogger(t)), st, mr
}

func TestLiveHealthyStore(t *testing.T) {
	c, _, _ := newTestChecker(t)
	report := c.Live(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, StatusHealthy, report.Checks["store"].Status)
}

func TestLiveUnreachableStore(t *testing.T) {
	c, _, mr := newTestChecker(t)
	mr.Close()
	report := c.Live(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
}

func TestLiveUnhealthyOnHaltedLane(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewWithClient(client, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, st.SavePair(ctx, &types.TradingPair{
		ID:                1,
		Symbol:            "BTCUSDT",
		BaseAsset:         "BTC",
		QuoteAsset:        "USDT",
		PricePrecision:    2,
		QuantityPrecision: 8,
		IsActive:          true,
	}))
	eng := engine.New(engine.DefaultConfig(), st, nil, nil, zaptest.NewLogger(t))
	require.NoError(t, eng.Start(ctx))
	require.NoError(t, st.Credit(ctx, 1, "USDT", types.Amount(100_000*types.Scale)))

	// Wedge the asset change queue so the append after the freeze fails
	// and the lane halts.
	require.NoError(t, mr.Set("sync_queue:assets", "wedged"))
	_, err := eng.Place(ctx, engine.PlaceRequest{
		UserID:   1,
		Symbol:   "BTCUSDT",
		Side:     types.SideBuy,
		Type:     types.OrderTypeLimit,
		Quantity: types.Amount(types.Scale),
		Price:    types.Amount(50_000 * types.Scale),
	})
	require.ErrorIs(t, err, engine.ErrLaneHalted)

	c := New(st, nil, eng, nil, nil, zaptest.NewLogger(t))
	report := c.Live(ctx)
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, StatusUnhealthy, report.Checks["lanes"].Status)
	assert.Contains(t, report.Checks["lanes"].Detail, "halted")
}

func TestReadyGradesQueueDepth(t *testing.T) {
	c, st, _ := newTestChecker(t)
	ctx := context.Background()

	report := c.Ready(ctx)
	assert.Equal(t, StatusHealthy, report.Status)

	for i := 0; i < queueDepthDegraded; i++ {
		require.NoError(t, st.Enqueue(ctx, types.EntityOrder, types.ChangeRecord{
			EntityID:  strconv.Itoa(i),
			Operation: types.ChangeOpCreate,
			Timestamp: int64(i),
		}))
	}
	report = c.Ready(ctx)
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, StatusDegraded, report.Checks["queues"].Status)
}

func TestReportMergeKeepsWorstStatus(t *testing.T) {
	r := Report{Status: StatusHealthy, Checks: make(map[string]Check)}
	r.merge("a", Check{Status: StatusHealthy})
	assert.Equal(t, StatusHealthy, r.Status)
	r.merge("b", Check{Status: StatusDegraded})
	assert.Equal(t, StatusDegraded, r.Status)
	r.merge("c", Check{Status: StatusUnhealthy})
	assert.Equal(t, StatusUnhealthy, r.Status)
	r.merge("d", Check{Status: StatusHealthy})
	assert.Equal(t, StatusUnhealthy, r.Status)
}
