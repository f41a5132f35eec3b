package orderbook

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/gardendex/pkg/app/core/match"
	"github.com/uhyunpark/gardendex/pkg/app/core/order"
)

// Engine owns one book per pair. Matching on a pair is serialized by that
// book's lock; different pairs proceed in parallel.
type Engine struct {
	mu    sync.RWMutex
	books map[string]*Book

	fees       match.FeeSchedule
	multiplier match.Multiplier
	operator   func(token, base string) string
	now        func() time.Time
	log        *zap.SugaredLogger
}

func NewEngine(fees match.FeeSchedule, multiplier match.Multiplier, now func() time.Time, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{
		books:      make(map[string]*Book),
		fees:       fees,
		multiplier: multiplier,
		now:        now,
		log:        log,
	}
}

func (e *Engine) Model() order.MatchingModel { return order.ModelOrderBook }

// SetOperator installs the lookup naming the garden that operates a pair.
// That garden's multiplier scales iTax and it receives the garden share.
func (e *Engine) SetOperator(fn func(token, base string) string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.operator = fn
}

func (e *Engine) operatorFor(o *order.Order) string {
	e.mu.RLock()
	fn := e.operator
	e.mu.RUnlock()
	if fn == nil {
		return ""
	}
	return fn(o.TokenSymbol, o.BaseToken)
}

// book returns the book for pair, creating it on first use.
func (e *Engine) book(pair string) *Book {
	e.mu.RLock()
	b, ok := e.books[pair]
	e.mu.RUnlock()
	if ok {
		return b
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok = e.books[pair]; !ok {
		b = NewBook(pair)
		e.books[pair] = b
	}
	return b
}

// Book returns the book for pair if one exists.
func (e *Engine) Book(pair string) (*Book, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.books[pair]
	return b, ok
}

// Pairs lists pairs with a book, sorted.
func (e *Engine) Pairs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	pairs := make([]string, 0, len(e.books))
	for p := range e.books {
		pairs = append(pairs, p)
	}
	sort.Strings(pairs)
	return pairs
}

// MatchOrder crosses o against its pair's book. poolID is ignored.
// Fills are planned without mutation, the guard runs, then the plan is applied.
// A guard returning *match.MakerRejectedError evicts that maker and the
// match is planned again. A LIMIT remainder rests at its limit price; a
// MARKET remainder is dropped.
func (e *Engine) MatchOrder(o *order.Order, _ string, guard match.Guard) (*match.Result, error) {
	garden := e.operatorFor(o)
	b := e.book(o.Pair)
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, resting := b.index[o.ID]; resting {
		return nil, fmt.Errorf("%w: order %s already rests in %s", order.ErrDuplicateOrder, o.ID, o.Pair)
	}

	for {
		fills := b.plan(o)
		if len(fills) == 0 {
			res := match.Unmatched(o, match.ReasonEmptyBook)
			res.GardenID = garden
			if o.Type == order.Limit {
				res.Rested = e.restLocked(b, o, o.Remaining())
			}
			return res, nil
		}

		res := e.result(o, garden, fills)
		if guard != nil {
			if err := guard(res); err != nil {
				var rejected *match.MakerRejectedError
				if errors.As(err, &rejected) {
					if _, ok := b.removeLocked(rejected.MakerOrderID); ok {
						e.log.Infow("book_maker_evicted", "order_id", o.ID, "maker_order_id", rejected.MakerOrderID, "err", rejected.Err)
						continue
					}
				}
				return nil, fmt.Errorf("orderbook match order %s: %w", o.ID, err)
			}
		}

		b.apply(o.Side, fills)
		if o.Type == order.Limit && res.RemainingAmount > 0 {
			res.Rested = e.restLocked(b, o, res.RemainingAmount)
		}

		e.log.Debugw("book_matched",
			"order_id", o.ID, "pair", o.Pair, "fills", len(fills),
			"filled", res.FilledAmount, "vwap", res.ExecutionPrice, "rested", res.Rested)
		return res, nil
	}
}

func (e *Engine) result(o *order.Order, garden string, fills []match.Fill) *match.Result {
	var filled, notional float64
	for _, f := range fills {
		filled += f.Amount
		notional += f.Price * f.Amount
	}
	remaining := o.Remaining() - filled
	if remaining < order.Epsilon {
		remaining = 0
	}

	mult := 1.0
	if e.multiplier != nil {
		mult = e.multiplier.Multiplier(garden)
	}
	fees, split := e.fees.Compute(notional, mult)
	in, out := match.Legs(o.Side, o.TokenSymbol, o.BaseToken, filled, notional)

	return &match.Result{
		Matched:         true,
		FilledAmount:    filled,
		RemainingAmount: remaining,
		ExecutionPrice:  notional / filled,
		PostTradePrice:  fills[len(fills)-1].Price,
		TradeID:         uuid.NewString(),
		GardenID:        garden,
		Fills:           fills,
		Settlement: match.Settlement{
			AssetIn:  in,
			AssetOut: out,
			Fees:     fees,
			Split:    split,
		},
	}
}

func (e *Engine) restLocked(b *Book, o *order.Order, remaining float64) bool {
	if remaining <= order.Epsilon {
		return false
	}
	b.rest(&Entry{
		OrderID:   o.ID,
		UserEmail: o.UserEmail,
		Side:      o.Side,
		Price:     o.Price,
		Remaining: remaining,
		Timestamp: e.now(),
	})
	return true
}

// Restore rests an order's remainder without matching it, keeping its
// original creation time for queue priority. Used when reloading open orders.
func (e *Engine) Restore(o *order.Order) bool {
	if o.MatchingModel != order.ModelOrderBook || o.Type != order.Limit || o.Status.Terminal() {
		return false
	}
	b := e.book(o.Pair)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.index[o.ID]; ok {
		return false
	}
	remaining := o.Remaining()
	if remaining <= order.Epsilon {
		return false
	}
	b.rest(&Entry{
		OrderID:   o.ID,
		UserEmail: o.UserEmail,
		Side:      o.Side,
		Price:     o.Price,
		Remaining: remaining,
		Timestamp: o.CreatedAt,
	})
	return true
}

// Cancel removes a resting remainder.
func (e *Engine) Cancel(pair, orderID string) (Entry, bool) {
	b, ok := e.Book(pair)
	if !ok {
		return Entry{}, false
	}
	return b.Cancel(orderID)
}

// Levels returns aggregated bid and ask levels, best first.
func (e *Engine) Levels(pair string, depth int) (bids, asks []PriceLevel) {
	b, ok := e.Book(pair)
	if !ok {
		return nil, nil
	}
	return b.BidLevels(depth), b.AskLevels(depth)
}
