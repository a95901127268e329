// Package engine implements the per-symbol matching lanes: order validation,
// fund freezing, price-time-priority crossing, settlement and event emission.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openalpha/spot-core/book"
	"github.com/openalpha/spot-core/metrics"
	"github.com/openalpha/spot-core/store"
	"github.com/openalpha/spot-core/types"
)

// User-surface errors, returned synchronously to the submitter.
var (
	ErrValidation        = errors.New("order validation failed")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrPairInactive      = errors.New("trading pair inactive")
	ErrUnknownSymbol     = errors.New("unknown symbol")
	ErrOrderNotFound     = errors.New("order not found")
	ErrNotOwner          = errors.New("order belongs to another user")
	ErrNotCancellable    = errors.New("order not cancellable")
)

// Operational errors.
var (
	ErrLaneBusy     = errors.New("matching lane intake full")
	ErrLaneHalted   = errors.New("matching lane halted")
	ErrEventExpired = errors.New("event deadline exceeded")
)

// Config tunes the engine.
type Config struct {
	LaneCapacity  int           // intake channel size per lane
	EventDeadline time.Duration // per-event processing deadline
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		LaneCapacity:  10_000,
		EventDeadline: 2 * time.Second,
	}
}

// PlaceRequest is an order submission after edge decoding. For market buys
// Quantity is a quote-currency budget.
type PlaceRequest struct {
	UserID        int64
	Symbol        string
	Side          types.Side
	Type          types.OrderType
	Quantity      types.Amount
	Price         types.Amount
	ClientOrderID string
}

// PlaceResult reports the submitted order's fate and any trades it produced.
type PlaceResult struct {
	Order  *types.Order
	Trades []*types.Trade
}

// LaneStatus is a health snapshot of one lane.
type LaneStatus struct {
	Symbol      string
	LastBeat    time.Time
	Halted      bool
	HaltReason  string
	IntakeDepth int
}

// Engine routes intake events to per-symbol lanes and owns lane lifecycle.
type Engine struct {
	cfg Config
	st  *store.Store
	pub Publisher
	mx  *metrics.Collector
	log *zap.Logger

	mu    sync.RWMutex
	lanes map[string]*lane

	wg sync.WaitGroup
}

// New creates an engine. Lanes are created by Start from the active pairs
// registered in the operational store.
func New(cfg Config, st *store.Store, pub Publisher, mx *metrics.Collector, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Engine{
		cfg:   cfg,
		st:    st,
		pub:   pub,
		mx:    mx,
		log:   logger.With(zap.String("component", "engine")),
		lanes: make(map[string]*lane),
	}
}

// Start creates one lane per active pair, rebuilds books from the active
// order index, and launches the lane loops.
func (e *Engine) Start(ctx context.Context) error {
	symbols, err := e.st.ActivePairSymbols(ctx)
	if err != nil {
		return fmt.Errorf("engine start: %w", err)
	}
	for _, symbol := range symbols {
		pair, err := e.st.GetPair(ctx, symbol)
		if err != nil {
			return fmt.Errorf("engine start: load pair %s: %w", symbol, err)
		}
		ln := newLane(pair, e.cfg, e.st, e.pub, e.mx, e.log)
		if err := e.rebuildBook(ctx, ln); err != nil {
			return fmt.Errorf("engine start: rebuild %s book: %w", symbol, err)
		}
		e.mu.Lock()
		e.lanes[symbol] = ln
		e.mu.Unlock()

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ln.run(ctx)
		}()
		e.log.Info("matching lane started", zap.String("symbol", symbol))
	}
	return nil
}

// Wait blocks until every lane loop has exited.
func (e *Engine) Wait() { e.wg.Wait() }

// rebuildBook loads resting orders from the active index into the lane's
// book, price-time ordered. The index orders same-price members lexically,
// so ordering is restored here from (price, id).
func (e *Engine) rebuildBook(ctx context.Context, ln *lane) error {
	for _, side := range []types.Side{types.SideBuy, types.SideSell} {
		ids, err := e.st.ActiveOrderIDs(ctx, ln.pair.Symbol, side)
		if err != nil {
			return err
		}
		orders := make([]*types.Order, 0, len(ids))
		for _, id := range ids {
			o, err := e.st.GetOrder(ctx, id)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return err
			}
			if o.Status.Matchable() && o.Remaining() > 0 {
				orders = append(orders, o)
			}
		}
		sort.Slice(orders, func(i, j int) bool {
			if orders[i].Price != orders[j].Price {
				if side == types.SideBuy {
					return orders[i].Price > orders[j].Price
				}
				return orders[i].Price < orders[j].Price
			}
			return orders[i].ID < orders[j].ID
		})
		for _, o := range orders {
			ln.book.Add(o)
		}
	}
	return nil
}

// Place submits an order to its symbol's lane and waits for the result.
func (e *Engine) Place(ctx context.Context, req PlaceRequest) (*PlaceResult, error) {
	ln, err := e.lane(req.Symbol)
	if err != nil {
		return nil, err
	}
	id, err := e.st.NextOrderID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate order id: %w", err)
	}
	now := types.NowMillis()
	order := &types.Order{
		ID:            id,
		ClientOrderID: req.ClientOrderID,
		UserID:        req.UserID,
		TradingPairID: ln.pair.ID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		Status:        types.OrderStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return ln.submit(ctx, laneEvent{
		kind:     eventPlace,
		order:    order,
		deadline: time.Now().Add(e.cfg.EventDeadline),
	})
}

// Cancel submits a user cancel for orderID, routed by the order's symbol.
func (e *Engine) Cancel(ctx context.Context, userID, orderID int64) error {
	o, err := e.st.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrOrderNotFound
		}
		return err
	}
	ln, err := e.lane(o.Symbol)
	if err != nil {
		return err
	}
	_, err = ln.submit(ctx, laneEvent{
		kind:     eventCancel,
		orderID:  orderID,
		userID:   userID,
		deadline: time.Now().Add(e.cfg.EventDeadline),
	})
	return err
}

// Depth serves aggregated top-of-book levels for one symbol.
func (e *Engine) Depth(symbol string, n int) (bids, asks []book.DepthEntry, err error) {
	ln, err := e.lane(symbol)
	if err != nil {
		return nil, nil, err
	}
	reply := make(chan depthReply, 1)
	_, err = ln.submit(context.Background(), laneEvent{
		kind:       eventDepth,
		depthN:     n,
		depthReply: reply,
		deadline:   time.Now().Add(e.cfg.EventDeadline),
	})
	if err != nil {
		return nil, nil, err
	}
	d := <-reply
	return d.bids, d.asks, nil
}

// LaneStatuses snapshots lane health for the readiness probes.
func (e *Engine) LaneStatuses() []LaneStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	statuses := make([]LaneStatus, 0, len(e.lanes))
	for _, ln := range e.lanes {
		statuses = append(statuses, ln.status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Symbol < statuses[j].Symbol })
	return statuses
}

func (e *Engine) lane(symbol string) (*lane, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ln, ok := e.lanes[symbol]
	if !ok {
		return nil, ErrUnknownSymbol
	}
	return ln, nil
}
