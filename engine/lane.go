package engine

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/openalpha/spot-core/book"
	"github.com/openalpha/spot-core/metrics"
	"github.com/openalpha/spot-core/store"
	"github.com/openalpha/spot-core/types"
)

const heartbeatInterval = 5 * time.Second

type eventKind int

const (
	eventPlace eventKind = iota
	eventCancel
	eventDepth
)

type depthReply struct {
	bids []book.DepthEntry
	asks []book.DepthEntry
}

type laneEvent struct {
	kind eventKind

	// place
	order *types.Order

	// cancel
	orderID int64
	userID  int64 // 0 means auto-cancel

	// depth
	depthN     int
	depthReply chan depthReply

	deadline time.Time
	reply    chan laneResult
}

type laneResult struct {
	result *PlaceResult
	err    error
}

// lane is the single-writer matching loop for one trading pair. The lane
// owns its book exclusively; no locks are taken inside the loop.
type lane struct {
	pair *types.TradingPair
	book *book.Book
	st   *store.Store
	pub  Publisher
	mx   *metrics.Collector
	log  *zap.Logger

	intake chan laneEvent

	lastPrice atomic.Int64 // reference price, scaled
	lastBeat  atomic.Int64 // unix ms

	haltOnce   sync.Once
	halted     atomic.Bool
	haltReason atomic.Value // string
}

func newLane(pair *types.TradingPair, cfg Config, st *store.Store, pub Publisher, mx *metrics.Collector, logger *zap.Logger) *lane {
	ln := &lane{
		pair:   pair,
		book:   book.New(pair.Symbol),
		st:     st,
		pub:    pub,
		mx:     mx,
		log:    logger.With(zap.String("lane", pair.Symbol)),
		intake: make(chan laneEvent, cfg.LaneCapacity),
	}
	ln.beat()
	return ln
}

// submit pushes an event onto the intake channel and waits for the lane's
// reply. It fails fast when the lane is halted or the intake stays full past
// the event deadline.
func (l *lane) submit(ctx context.Context, ev laneEvent) (*PlaceResult, error) {
	if l.halted.Load() {
		return nil, ErrLaneHalted
	}
	ev.reply = make(chan laneResult, 1)

	wait := time.Until(ev.deadline)
	if wait <= 0 {
		return nil, ErrEventExpired
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case l.intake <- ev:
	case <-timer.C:
		return nil, ErrLaneBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-ev.reply:
		return res.result, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *lane) run(ctx context.Context) {
	idle := time.NewTicker(heartbeatInterval)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info("lane stopping")
			return
		case <-idle.C:
			l.beat()
		case ev := <-l.intake:
			l.beat()
			if l.mx != nil {
				l.mx.LaneIntakeDepth.WithLabelValues(l.pair.Symbol).Set(float64(len(l.intake)))
			}
			l.dispatch(ctx, ev)
			if l.halted.Load() {
				l.log.Error("lane halted", zap.String("reason", l.status().HaltReason))
				return
			}
		}
	}
}

func (l *lane) dispatch(ctx context.Context, ev laneEvent) {
	start := time.Now()
	if !ev.deadline.IsZero() && start.After(ev.deadline) {
		ev.reply <- laneResult{err: ErrEventExpired}
		return
	}

	switch ev.kind {
	case eventPlace:
		res, err := l.handlePlace(ctx, ev.order)
		ev.reply <- laneResult{result: res, err: err}
	case eventCancel:
		err := l.handleCancel(ctx, ev.orderID, ev.userID)
		ev.reply <- laneResult{err: err}
	case eventDepth:
		ev.depthReply <- depthReply{
			bids: l.book.Depth(types.SideBuy, ev.depthN),
			asks: l.book.Depth(types.SideSell, ev.depthN),
		}
		ev.reply <- laneResult{}
	}

	if l.mx != nil {
		l.mx.MatchingLatency.WithLabelValues(l.pair.Symbol).
			Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}
}

func (l *lane) beat() {
	l.lastBeat.Store(types.NowMillis())
}

// halt stops the lane permanently. Called when a change-queue append fails:
// continuing would desync the durable store.
func (l *lane) halt(reason string, err error) {
	l.haltOnce.Do(func() {
		l.haltReason.Store(reason + ": " + err.Error())
		l.halted.Store(true)
	})
}

func (l *lane) status() LaneStatus {
	reason, _ := l.haltReason.Load().(string)
	return LaneStatus{
		Symbol:      l.pair.Symbol,
		LastBeat:    time.UnixMilli(l.lastBeat.Load()),
		Halted:      l.halted.Load(),
		HaltReason:  reason,
		IntakeDepth: len(l.intake),
	}
}

// referencePrice is the last traded price seen by this lane, used only for
// the market-vs-market fallback.
func (l *lane) referencePrice() types.Amount {
	return types.Amount(l.lastPrice.Load())
}

func (l *lane) setReferencePrice(p types.Amount) {
	l.lastPrice.Store(int64(p))
}

func (l *lane) countOrder(o *types.Order) {
	if l.mx == nil {
		return
	}
	l.mx.OrdersTotal.WithLabelValues(
		l.pair.Symbol, o.Side.String(), o.Type.String(), o.Status.String()).Inc()
}

func laneEntityID(id int64) string { return strconv.FormatInt(id, 10) }
