// Package book implements the in-memory price-time-priority order book.
// A Book is owned by exactly one matching lane and is not safe for
// concurrent use.
package book

import (
	"github.com/google/btree"

	"github.com/openalpha/spot-core/types"
)

const btreeDegree = 32

// Level holds the FIFO queue of resting orders at one price.
type Level struct {
	Price  types.Amount
	Orders []*types.Order
}

// Remaining sums the unfilled quantity of live orders at this level.
func (l *Level) Remaining() types.Amount {
	var total types.Amount
	for _, o := range l.Orders {
		if o.Status.Matchable() {
			total += o.Remaining()
		}
	}
	return total
}

func (l *Level) isEmpty() bool { return len(l.Orders) == 0 }

func (l *Level) add(o *types.Order) {
	l.Orders = append(l.Orders, o)
}

func (l *Level) remove(orderID int64) *types.Order {
	for i, o := range l.Orders {
		if o.ID == orderID {
			l.Orders = append(l.Orders[:i], l.Orders[i+1:]...)
			return o
		}
	}
	return nil
}

type levelItem struct {
	price types.Amount
	level *Level
}

func (a *levelItem) Less(b btree.Item) bool {
	return a.price < b.(*levelItem).price
}

type side struct {
	tree *btree.BTree
	desc bool // bids iterate descending, asks ascending
}

func newSide(desc bool) *side {
	return &side{tree: btree.New(btreeDegree), desc: desc}
}

func (s *side) get(price types.Amount) *Level {
	item := s.tree.Get(&levelItem{price: price})
	if item == nil {
		return nil
	}
	return item.(*levelItem).level
}

func (s *side) getOrCreate(price types.Amount) *Level {
	if level := s.get(price); level != nil {
		return level
	}
	level := &Level{Price: price}
	s.tree.ReplaceOrInsert(&levelItem{price: price, level: level})
	return level
}

func (s *side) drop(price types.Amount) {
	s.tree.Delete(&levelItem{price: price})
}

func (s *side) best() *Level {
	var item btree.Item
	if s.desc {
		item = s.tree.Max()
	} else {
		item = s.tree.Min()
	}
	if item == nil {
		return nil
	}
	return item.(*levelItem).level
}

func (s *side) iterate(fn func(*Level) bool) {
	if s.desc {
		s.tree.Descend(func(item btree.Item) bool {
			return fn(item.(*levelItem).level)
		})
		return
	}
	s.tree.Ascend(func(item btree.Item) bool {
		return fn(item.(*levelItem).level)
	})
}

// Book is one symbol's order book: bids descending, asks ascending, FIFO
// within a level.
type Book struct {
	Symbol string
	bids   *side
	asks   *side
}

// New creates an empty book for symbol.
func New(symbol string) *Book {
	return &Book{
		Symbol: symbol,
		bids:   newSide(true),
		asks:   newSide(false),
	}
}

func (b *Book) sideFor(s types.Side) *side {
	if s == types.SideBuy {
		return b.bids
	}
	return b.asks
}

// Add inserts a resting order at the tail of its price level.
func (b *Book) Add(o *types.Order) {
	b.sideFor(o.Side).getOrCreate(o.Price).add(o)
}

// Remove takes an order out of its level, dropping the level if emptied.
// Returns nil when the order is not on the book.
func (b *Book) Remove(o *types.Order) *types.Order {
	s := b.sideFor(o.Side)
	level := s.get(o.Price)
	if level == nil {
		return nil
	}
	removed := level.remove(o.ID)
	if level.isEmpty() {
		s.drop(o.Price)
	}
	return removed
}

// BestOpposite peeks the first still-live maker on the side opposite
// takerSide, lazily discarding dead head entries. Returns nil when the
// opposite side is empty.
func (b *Book) BestOpposite(takerSide types.Side) *types.Order {
	s := b.sideFor(takerSide.Opposite())
	for {
		level := s.best()
		if level == nil {
			return nil
		}
		for len(level.Orders) > 0 {
			head := level.Orders[0]
			if head.Status.Matchable() && head.Remaining() > 0 {
				return head
			}
			level.Orders = level.Orders[1:]
		}
		s.drop(level.Price)
	}
}

// BestBid returns the highest bid price, or 0 when no bids rest.
func (b *Book) BestBid() types.Amount {
	if level := b.bids.best(); level != nil {
		return level.Price
	}
	return 0
}

// BestAsk returns the lowest ask price, or 0 when no asks rest.
func (b *Book) BestAsk() types.Amount {
	if level := b.asks.best(); level != nil {
		return level.Price
	}
	return 0
}

// DepthEntry is one aggregated price level.
type DepthEntry struct {
	Price    types.Amount
	Quantity types.Amount
}

// Depth aggregates the first n non-empty price levels of a side, best first.
func (b *Book) Depth(s types.Side, n int) []DepthEntry {
	entries := make([]DepthEntry, 0, n)
	b.sideFor(s).iterate(func(level *Level) bool {
		remaining := level.Remaining()
		if remaining > 0 {
			entries = append(entries, DepthEntry{Price: level.Price, Quantity: remaining})
		}
		return len(entries) < n
	})
	return entries
}

// LevelSize returns the live remaining quantity at one price, 0 when the
// level is gone. Book deltas report this as the level's new size.
func (b *Book) LevelSize(s types.Side, price types.Amount) types.Amount {
	level := b.sideFor(s).get(price)
	if level == nil {
		return 0
	}
	return level.Remaining()
}

// Levels returns the number of price levels per side.
func (b *Book) Levels() (bids, asks int) {
	return b.bids.tree.Len(), b.asks.tree.Len()
}
