// Package marketdata fans lane events out to websocket subscribers. The
// lanes must never block on slow consumers, so every channel gets a bounded
// ring buffer with an explicit drop policy and a dispatcher goroutine moves
// events from the rings to the hub.
package marketdata

import (
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openalpha/spot-core/metrics"
	"github.com/openalpha/spot-core/types"
)

const (
	// ringCapacity bounds each channel's pending events.
	ringCapacity = 1024

	// volumeWindow is the rolling window for ticker volume.
	volumeWindow = 24 * time.Hour
)

// Message is the wire envelope for every outbound event.
type Message struct {
	Type    string      `json:"type"`
	Channel string      `json:"channel"`
	Data    interface{} `json:"data,omitempty"`
}

// BookDeltaData is one price level change. A newSize of 0 removes the level.
type BookDeltaData struct {
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"newSize"`
	Timestamp int64  `json:"timestamp"`
}

// TradeData is one public tape print.
type TradeData struct {
	TradeID   int64  `json:"tradeId"`
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Quantity  string `json:"qty"`
	TakerSide string `json:"takerSide"`
	Timestamp int64  `json:"ts"`
}

// TickerData is a rolling market snapshot.
type TickerData struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	Volume24h string `json:"volume24h"`
	Timestamp int64  `json:"timestamp"`
}

// AlertData signals an operational problem on a symbol.
type AlertData struct {
	Symbol    string `json:"symbol"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Publisher buffers lane events per channel and hands them to a broadcaster.
// Public book deltas and tickers drop the oldest pending event when a ring is
// full (subscribers prefer the freshest state); the trade tape drops the
// newest so the historical record stays contiguous up to the gap.
type Publisher struct {
	mu     sync.Mutex
	rings  map[string]*ring
	order  []string // channel registration order, for fair draining
	wake   chan struct{}
	hub    Broadcaster
	mx     *metrics.Collector
	log    *zap.Logger
	volume map[string]*volumeTracker
}

// Broadcaster delivers an envelope to every subscriber of a channel.
type Broadcaster interface {
	BroadcastToChannel(channel string, msg *Message)
}

// NewPublisher builds a publisher in front of hub.
func NewPublisher(hub Broadcaster, mx *metrics.Collector, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		rings:  make(map[string]*ring),
		wake:   make(chan struct{}, 1),
		hub:    hub,
		mx:     mx,
		log:    logger.With(zap.String("component", "marketdata")),
		volume: make(map[string]*volumeTracker),
	}
}

// Run moves buffered events to the hub until ctx ends. Exactly one dispatcher
// must run per publisher.
func (p *Publisher) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			p.log.Info("publisher stopping")
			return
		case <-p.wake:
			p.flush()
		}
	}
}

// flush drains every ring in channel registration order. Per-channel order is
// preserved; cross-channel order is not guaranteed.
func (p *Publisher) flush() {
	for {
		p.mu.Lock()
		var channel string
		var msg *Message
		for _, ch := range p.order {
			if m := p.rings[ch].pop(); m != nil {
				channel, msg = ch, m
				break
			}
		}
		p.mu.Unlock()
		if msg == nil {
			return
		}
		p.hub.BroadcastToChannel(channel, msg)
		if p.mx != nil {
			p.mx.WSMessages.WithLabelValues(msg.Type).Inc()
		}
	}
}

// PublishTrade emits a public tape print and feeds the volume tracker.
func (p *Publisher) PublishTrade(symbol string, t *types.Trade) {
	p.trackVolume(symbol, t.Quantity, t.ExecutedAt)
	p.push("trades:"+symbol, dropNewest, &Message{
		Type:    "trade",
		Channel: "trades:" + symbol,
		Data: &TradeData{
			TradeID:   t.ID,
			Symbol:    symbol,
			Price:     t.Price.String(),
			Quantity:  t.Quantity.String(),
			TakerSide: t.TakerSide.String(),
			Timestamp: t.ExecutedAt,
		},
	})
}

// PublishBookDelta emits one changed price level.
func (p *Publisher) PublishBookDelta(symbol string, side types.Side, price, newSize types.Amount) {
	channel := "orderbook:" + symbol
	p.push(channel, dropOldest, &Message{
		Type:    "bookDelta",
		Channel: channel,
		Data: &BookDeltaData{
			Symbol:    symbol,
			Side:      side.String(),
			Price:     price.String(),
			Size:      newSize.String(),
			Timestamp: types.NowMillis(),
		},
	})
}

// PublishTicker emits the market snapshot after a trade.
func (p *Publisher) PublishTicker(symbol string, lastPrice types.Amount) {
	channel := "ticker:" + symbol
	p.push(channel, dropOldest, &Message{
		Type:    "ticker",
		Channel: channel,
		Data: &TickerData{
			Symbol:    symbol,
			LastPrice: lastPrice.String(),
			Volume24h: p.volume24h(symbol).String(),
			Timestamp: types.NowMillis(),
		},
	})
}

// PublishUserOrder emits a private order update.
func (p *Publisher) PublishUserOrder(userID int64, o *types.Order) {
	channel := userChannel(userID)
	p.push(channel, dropOldest, &Message{Type: "order", Channel: channel, Data: o})
}

// PublishUserTrade emits a private fill notification.
func (p *Publisher) PublishUserTrade(userID int64, t *types.Trade) {
	channel := userChannel(userID)
	p.push(channel, dropOldest, &Message{Type: "userTrade", Channel: channel, Data: t})
}

// PublishUserAsset notifies a user that one of their balances changed. The
// payload names the currency only; clients fetch the balance themselves.
func (p *Publisher) PublishUserAsset(userID int64, currency string) {
	channel := userChannel(userID)
	p.push(channel, dropOldest, &Message{
		Type:    "asset",
		Channel: channel,
		Data:    map[string]string{"currency": currency},
	})
}

// PublishAlert emits an operational alert on the public alerts channel.
func (p *Publisher) PublishAlert(symbol, message string) {
	p.push("alerts", dropOldest, &Message{
		Type:    "alert",
		Channel: "alerts",
		Data:    &AlertData{Symbol: symbol, Message: message, Timestamp: types.NowMillis()},
	})
}

type dropPolicy int

const (
	dropOldest dropPolicy = iota
	dropNewest
)

func (p *Publisher) push(channel string, policy dropPolicy, msg *Message) {
	p.mu.Lock()
	r, ok := p.rings[channel]
	if !ok {
		r = newRing(ringCapacity, policy)
		p.rings[channel] = r
		p.order = append(p.order, channel)
	}
	dropped := r.push(msg)
	p.mu.Unlock()

	if dropped && p.mx != nil {
		if policy == dropNewest {
			p.mx.TapeDropped.WithLabelValues(channel).Inc()
		} else {
			p.mx.DeltasDropped.WithLabelValues(channel).Inc()
		}
	}

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Publisher) trackVolume(symbol string, qty types.Amount, at int64) {
	p.mu.Lock()
	vt, ok := p.volume[symbol]
	if !ok {
		vt = &volumeTracker{}
		p.volume[symbol] = vt
	}
	vt.add(qty, at)
	p.mu.Unlock()
}

func (p *Publisher) volume24h(symbol string) types.Amount {
	p.mu.Lock()
	defer p.mu.Unlock()
	vt, ok := p.volume[symbol]
	if !ok {
		return 0
	}
	return vt.total(types.NowMillis())
}

func userChannel(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}

// ring is a fixed-capacity FIFO with a drop policy for overflow.
type ring struct {
	items  []*Message
	policy dropPolicy
	max    int
}

func newRing(max int, policy dropPolicy) *ring {
	return &ring{max: max, policy: policy}
}

// push appends msg, reporting whether an event was dropped to make room.
func (r *ring) push(msg *Message) (dropped bool) {
	if len(r.items) >= r.max {
		if r.policy == dropNewest {
			return true
		}
		r.items = r.items[1:]
		dropped = true
	}
	r.items = append(r.items, msg)
	return dropped
}

func (r *ring) pop() *Message {
	if len(r.items) == 0 {
		return nil
	}
	msg := r.items[0]
	r.items = r.items[1:]
	return msg
}

// volumeTracker keeps per-trade quantities inside the rolling window.
type volumeTracker struct {
	entries []volumeEntry
}

type volumeEntry struct {
	qty types.Amount
	at  int64
}

func (v *volumeTracker) add(qty types.Amount, at int64) {
	v.prune(at)
	v.entries = append(v.entries, volumeEntry{qty: qty, at: at})
}

func (v *volumeTracker) total(now int64) types.Amount {
	v.prune(now)
	var sum types.Amount
	for _, e := range v.entries {
		sum += e.qty
	}
	return sum
}

func (v *volumeTracker) prune(now int64) {
	cutoff := now - volumeWindow.Milliseconds()
	i := 0
	for i < len(v.entries) && v.entries[i].at < cutoff {
		i++
	}
	v.entries = v.entries[i:]
}
