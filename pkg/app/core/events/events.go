// Package events fans out order, trade, settlement and price events.
package events

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Type string

const (
	OrderCreated      Type = "order_created"
	OrderFilled       Type = "order_filled"
	OrderPartial      Type = "order_partial"
	OrderCancelled    Type = "order_cancelled"
	TradeExecuted     Type = "trade_executed"
	SettlementPending Type = "settlement_pending"
	SettlementFinal   Type = "settlement_final"
	SettlementFailed  Type = "settlement_failed"
	PriceUpdate       Type = "price_update"
)

type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	OrderID   string         `json:"orderId,omitempty"`
	TradeID   string         `json:"tradeId,omitempty"`
	Pair      string         `json:"pair"`
	Price     float64        `json:"price,omitempty"`
	Amount    float64        `json:"amount,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Sink receives every published event. Publish must not block.
type Sink interface {
	Publish(ev Event)
}

const recentSize = 256

// Broadcaster delivers events to channel subscribers and sinks.
// Slow subscribers lose events rather than stall publishers.
type Broadcaster struct {
	// subMu guards subs. Sends and close both happen under it.
	subMu   sync.RWMutex
	subs    map[int]chan Event
	nextSub int

	mu        sync.RWMutex
	sinks     []Sink
	lastPrice map[string]float64 // pair -> last published price
	recent    []Event            // ring buffer
	head      int

	threshold float64
	now       func() time.Time
	log       *zap.SugaredLogger

	onDrop func(Type)
}

// New creates a broadcaster. Price updates are published only when they move
// more than threshold (relative) from the last published price for the pair.
func New(threshold float64, now func() time.Time, log *zap.SugaredLogger) *Broadcaster {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if now == nil {
		now = time.Now
	}
	return &Broadcaster{
		subs:      make(map[int]chan Event),
		lastPrice: make(map[string]float64),
		threshold: threshold,
		now:       now,
		log:       log,
	}
}

func (b *Broadcaster) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// OnDrop registers a callback for events a subscriber could not accept.
func (b *Broadcaster) OnDrop(fn func(Type)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Subscribe returns a buffered event channel and a function that closes it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	id := b.nextSub
	b.nextSub++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.subMu.Lock()
			delete(b.subs, id)
			close(ch)
			b.subMu.Unlock()
		})
	}
}

// Publish stamps and delivers ev. Price updates go through the throttle;
// the return value reports whether the event was delivered.
func (b *Broadcaster) Publish(ev Event) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}

	b.mu.Lock()
	if ev.Type == PriceUpdate && !b.admitPriceLocked(ev.Pair, ev.Price) {
		b.mu.Unlock()
		return false
	}
	b.remember(ev)
	sinks := append([]Sink(nil), b.sinks...)
	onDrop := b.onDrop
	b.mu.Unlock()

	b.subMu.RLock()
	for _, ch := range b.subs {
		b.deliver(ch, ev, onDrop)
	}
	b.subMu.RUnlock()
	for _, s := range sinks {
		s.Publish(ev)
	}
	return true
}

// deliver never blocks. Caller holds subMu for reading.
func (b *Broadcaster) deliver(ch chan Event, ev Event, onDrop func(Type)) {
	select {
	case ch <- ev:
	default:
		b.log.Debugw("event_dropped", "type", ev.Type, "pair", ev.Pair)
		if onDrop != nil {
			onDrop(ev.Type)
		}
	}
}

// PublishPrice publishes a price_update for pair if it clears the throttle.
func (b *Broadcaster) PublishPrice(pair string, price float64, data map[string]any) bool {
	return b.Publish(Event{Type: PriceUpdate, Pair: pair, Price: price, Data: data})
}

func (b *Broadcaster) admitPriceLocked(pair string, price float64) bool {
	last, seen := b.lastPrice[pair]
	if seen && last > 0 && math.Abs(price-last)/last <= b.threshold {
		return false
	}
	b.lastPrice[pair] = price
	return true
}

func (b *Broadcaster) remember(ev Event) {
	if len(b.recent) < recentSize {
		b.recent = append(b.recent, ev)
		return
	}
	b.recent[b.head] = ev
	b.head = (b.head + 1) % recentSize
}

// Recent returns up to n of the latest events, oldest first.
func (b *Broadcaster) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ordered := make([]Event, 0, len(b.recent))
	ordered = append(ordered, b.recent[b.head:]...)
	ordered = append(ordered, b.recent[:b.head]...)
	if n > 0 && n < len(ordered) {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// LastPrice returns the last published price for pair.
func (b *Broadcaster) LastPrice(pair string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.lastPrice[pair]
	return p, ok
}
