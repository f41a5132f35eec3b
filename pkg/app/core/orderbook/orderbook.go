// Package orderbook keeps per-pair resting limit orders and crosses incoming
// orders against them by price-time priority.
package orderbook

import (
	"sync"
	"time"

	"github.com/tidwall/btree"

	"github.com/uhyunpark/gardendex/pkg/app/core/match"
	"github.com/uhyunpark/gardendex/pkg/app/core/order"
)

// Entry is a resting order remainder.
type Entry struct {
	OrderID   string     `json:"orderId"`
	UserEmail string     `json:"userEmail"`
	Side      order.Side `json:"side"`
	Price     float64    `json:"price"`
	Remaining float64    `json:"remaining"`
	Timestamp time.Time  `json:"timestamp"`
}

// PriceLevel aggregates the resting quantity at one price.
type PriceLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
	Orders int     `json:"orders"`
}

type level struct {
	price  float64
	orders []*Entry // FIFO
}

// Book holds one pair's bids and asks.
// mu is held by the engine across plan, guard and apply.
type Book struct {
	mu sync.RWMutex

	pair string
	bids *btree.Map[float64, *level]
	asks *btree.Map[float64, *level]

	// Order index for cancellation
	index map[string]*Entry

	lastPrice float64 // most recent fill price
}

func NewBook(pair string) *Book {
	return &Book{
		pair:  pair,
		bids:  btree.NewMap[float64, *level](32),
		asks:  btree.NewMap[float64, *level](32),
		index: make(map[string]*Entry),
	}
}

func (b *Book) Pair() string { return b.pair }

func (b *Book) side(s order.Side) *btree.Map[float64, *level] {
	if s == order.Buy {
		return b.bids
	}
	return b.asks
}

// walk visits the opposite side of taker best-first.
func (b *Book) walk(taker order.Side, fn func(lv *level) bool) {
	if taker == order.Buy {
		b.asks.Scan(func(_ float64, lv *level) bool { return fn(lv) })
		return
	}
	b.bids.Reverse(func(_ float64, lv *level) bool { return fn(lv) })
}

func crosses(o *order.Order, levelPrice float64) bool {
	if o.Type == order.Market {
		return true
	}
	if o.Side == order.Buy {
		return levelPrice <= o.Price+order.Epsilon
	}
	return levelPrice >= o.Price-order.Epsilon
}

// plan computes the fills for o without mutating the book. Caller holds mu.
func (b *Book) plan(o *order.Order) []match.Fill {
	want := o.Remaining()
	var fills []match.Fill

	b.walk(o.Side, func(lv *level) bool {
		if !crosses(o, lv.price) {
			return false
		}
		for _, maker := range lv.orders {
			if want <= order.Epsilon {
				return false
			}
			qty := min(want, maker.Remaining)
			fills = append(fills, match.Fill{
				MakerOrderID: maker.OrderID,
				MakerEmail:   maker.UserEmail,
				MakerSide:    maker.Side,
				Price:        lv.price,
				Amount:       qty,
			})
			want -= qty
		}
		return want > order.Epsilon
	})
	return fills
}

// apply consumes planned fills from the front of each level. Caller holds mu.
func (b *Book) apply(taker order.Side, fills []match.Fill) {
	opp := b.side(taker.Opposite())
	for _, f := range fills {
		lv, ok := opp.Get(f.Price)
		if !ok || len(lv.orders) == 0 {
			continue
		}
		maker := lv.orders[0]
		maker.Remaining -= f.Amount
		if maker.Remaining <= order.Epsilon {
			lv.orders = lv.orders[1:]
			delete(b.index, maker.OrderID)
			if len(lv.orders) == 0 {
				opp.Delete(f.Price)
			}
		}
		b.lastPrice = f.Price
	}
}

// rest appends a remainder to the tail of its price level. Caller holds mu.
func (b *Book) rest(e *Entry) {
	book := b.side(e.Side)
	lv, ok := book.Get(e.Price)
	if !ok {
		lv = &level{price: e.Price}
		book.Set(e.Price, lv)
	}
	lv.orders = append(lv.orders, e)
	b.index[e.OrderID] = e
}

// Cancel removes a resting order. Returns the removed entry.
func (b *Book) Cancel(id string) (Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(id)
}

func (b *Book) removeLocked(id string) (Entry, bool) {
	e, ok := b.index[id]
	if !ok {
		return Entry{}, false
	}
	book := b.side(e.Side)
	if lv, exists := book.Get(e.Price); exists {
		for i, o := range lv.orders {
			if o.OrderID == id {
				lv.orders = append(lv.orders[:i], lv.orders[i+1:]...)
				break
			}
		}
		if len(lv.orders) == 0 {
			book.Delete(e.Price)
		}
	}
	delete(b.index, id)
	return *e, true
}

// Resting returns a copy of a resting entry.
func (b *Book) Resting(id string) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.index[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Queue returns the FIFO at one price on one side, oldest first.
func (b *Book) Queue(side order.Side, price float64) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	lv, ok := b.side(side).Get(price)
	if !ok {
		return nil
	}
	out := make([]Entry, len(lv.orders))
	for i, e := range lv.orders {
		out[i] = *e
	}
	return out
}

func aggregate(lv *level) PriceLevel {
	pl := PriceLevel{Price: lv.price, Orders: len(lv.orders)}
	for _, o := range lv.orders {
		pl.Amount += o.Remaining
	}
	return pl
}

// BidLevels returns bid levels sorted high to low (best bid first). depth <= 0 means all.
func (b *Book) BidLevels(depth int) []PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var levels []PriceLevel
	b.bids.Reverse(func(_ float64, lv *level) bool {
		levels = append(levels, aggregate(lv))
		return depth <= 0 || len(levels) < depth
	})
	return levels
}

// AskLevels returns ask levels sorted low to high (best ask first). depth <= 0 means all.
func (b *Book) AskLevels(depth int) []PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var levels []PriceLevel
	b.asks.Scan(func(_ float64, lv *level) bool {
		levels = append(levels, aggregate(lv))
		return depth <= 0 || len(levels) < depth
	})
	return levels
}

// BestBid returns the highest bid price, 0 if none.
func (b *Book) BestBid() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if p, _, ok := b.bids.Max(); ok {
		return p
	}
	return 0
}

// BestAsk returns the lowest ask price, 0 if none.
func (b *Book) BestAsk() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if p, _, ok := b.asks.Min(); ok {
		return p
	}
	return 0
}

// MidPrice returns the average of best bid and ask. Returns 0 if the book is one-sided.
func (b *Book) MidPrice() float64 {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}

// LastPrice returns the price of the most recent fill, 0 if none.
func (b *Book) LastPrice() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastPrice
}

func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.index)
}
