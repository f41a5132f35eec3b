package orderbook

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/uhyunpark/gardendex/pkg/app/core/match"
	"github.com/uhyunpark/gardendex/pkg/app/core/order"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	fees, err := match.NewFeeSchedule(0.003, 0.000005, 0.00186, 0.4, 0.3, 0.3)
	require.NoError(t, err)
	return NewEngine(fees, nil, func() time.Time { return t0 }, zaptest.NewLogger(t).Sugar())
}

func place(t *testing.T, e *Engine, email string, side order.Side, typ order.Type, amount, price float64) (*order.Order, *match.Result) {
	t.Helper()
	o, err := order.New(order.Intent{
		Pair: "TOKENA/SOL", Side: side, Type: typ, Amount: amount, Price: price, MatchingModel: order.ModelOrderBook,
	}, email, email, "garden-1", t0, 24*time.Hour)
	require.NoError(t, err)
	res, err := e.MatchOrder(o, "", nil)
	require.NoError(t, err)
	return o, res
}

// Scenario C: MARKET BUY against an empty book.
func TestMarketAgainstEmptyBook(t *testing.T) {
	e := newEngine(t)
	_, res := place(t, e, "u1", order.Buy, order.Market, 50, 0)

	assert.False(t, res.Matched)
	assert.False(t, res.Rested)
	assert.Equal(t, match.ReasonEmptyBook, res.Reason)
	assert.Equal(t, 50.0, res.RemainingAmount)

	bids, asks := e.Levels("TOKENA/SOL", 0)
	assert.Empty(t, bids)
	assert.Empty(t, asks)
}

// Scenario D: two sells at one price; a smaller market buy touches only the first.
func TestFIFOAtEqualPrice(t *testing.T) {
	e := newEngine(t)
	u1, _ := place(t, e, "u1@example.com", order.Sell, order.Limit, 10, 0.002)
	u2, _ := place(t, e, "u2@example.com", order.Sell, order.Limit, 10, 0.002)

	_, res := place(t, e, "buyer@example.com", order.Buy, order.Market, 4, 0)
	require.True(t, res.Matched)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, u1.ID, res.Fills[0].MakerOrderID)
	assert.Equal(t, "u1@example.com", res.Fills[0].MakerEmail)
	assert.Equal(t, 4.0, res.Fills[0].Amount)

	b, ok := e.Book("TOKENA/SOL")
	require.True(t, ok)
	q := b.Queue(order.Sell, 0.002)
	require.Len(t, q, 2)
	assert.Equal(t, u1.ID, q[0].OrderID)
	assert.InDelta(t, 6, q[0].Remaining, 1e-12)
	assert.Equal(t, u2.ID, q[1].OrderID)
	assert.Equal(t, 10.0, q[1].Remaining)

	// The next buy drains u1 before touching u2.
	_, res = place(t, e, "buyer@example.com", order.Buy, order.Market, 8, 0)
	require.Len(t, res.Fills, 2)
	assert.Equal(t, u1.ID, res.Fills[0].MakerOrderID)
	assert.InDelta(t, 6, res.Fills[0].Amount, 1e-12)
	assert.Equal(t, u2.ID, res.Fills[1].MakerOrderID)
	assert.InDelta(t, 2, res.Fills[1].Amount, 1e-12)
}

func TestMarketWalksLevelsAndReportsVWAP(t *testing.T) {
	e := newEngine(t)
	place(t, e, "a", order.Sell, order.Limit, 5, 0.003)
	place(t, e, "b", order.Sell, order.Limit, 5, 0.001)
	place(t, e, "c", order.Sell, order.Limit, 5, 0.002)

	_, res := place(t, e, "buyer", order.Buy, order.Market, 12, 0)
	require.True(t, res.Matched)
	require.Len(t, res.Fills, 3)
	assert.Equal(t, []float64{0.001, 0.002, 0.003}, []float64{res.Fills[0].Price, res.Fills[1].Price, res.Fills[2].Price})

	notional := 5*0.001 + 5*0.002 + 2*0.003
	assert.InDelta(t, notional/12, res.ExecutionPrice, 1e-15)
	assert.InDelta(t, notional, res.Settlement.BaseAmount(), 1e-15)
	assert.Equal(t, 12.0, res.Settlement.TokenAmount())
	assert.Equal(t, match.RoleBase, res.Settlement.AssetIn.Role)
	assert.Equal(t, 0.003, res.PostTradePrice)

	_, asks := e.Levels("TOKENA/SOL", 0)
	require.Len(t, asks, 1)
	assert.Equal(t, PriceLevel{Price: 0.003, Amount: 3, Orders: 1}, asks[0])
}

func TestMarketRemainderIsDropped(t *testing.T) {
	e := newEngine(t)
	place(t, e, "bidder", order.Buy, order.Limit, 3, 0.002)

	_, res := place(t, e, "seller", order.Sell, order.Market, 10, 0)
	require.True(t, res.Matched)
	assert.Equal(t, 3.0, res.FilledAmount)
	assert.Equal(t, 7.0, res.RemainingAmount)
	assert.False(t, res.Rested)

	bids, asks := e.Levels("TOKENA/SOL", 0)
	assert.Empty(t, bids)
	assert.Empty(t, asks)
}

func TestLimitCrossesThenRests(t *testing.T) {
	e := newEngine(t)
	place(t, e, "s1", order.Sell, order.Limit, 4, 0.001)
	place(t, e, "s2", order.Sell, order.Limit, 4, 0.005)

	buy, res := place(t, e, "buyer", order.Buy, order.Limit, 10, 0.002)
	require.True(t, res.Matched)
	assert.Equal(t, 4.0, res.FilledAmount)
	assert.Equal(t, 6.0, res.RemainingAmount)
	assert.True(t, res.Rested)

	bids, asks := e.Levels("TOKENA/SOL", 0)
	require.Len(t, bids, 1)
	assert.Equal(t, PriceLevel{Price: 0.002, Amount: 6, Orders: 1}, bids[0])
	require.Len(t, asks, 1)
	assert.Equal(t, 0.005, asks[0].Price)

	entry, ok := e.Book("TOKENA/SOL")
	require.True(t, ok)
	rest, ok := entry.Resting(buy.ID)
	require.True(t, ok)
	assert.Equal(t, 6.0, rest.Remaining)
	assert.InDelta(t, 0.0035, entry.MidPrice(), 1e-15)
	assert.Equal(t, 0.001, entry.LastPrice())
}

func TestUnmatchedLimitRests(t *testing.T) {
	e := newEngine(t)
	o, res := place(t, e, "s", order.Sell, order.Limit, 4, 0.01)
	assert.False(t, res.Matched)
	assert.True(t, res.Rested)

	_, err := e.MatchOrder(o, "", nil)
	assert.ErrorIs(t, err, order.ErrDuplicateOrder)
}

func TestCancelRemovesOnlyTheRemainder(t *testing.T) {
	e := newEngine(t)
	s, _ := place(t, e, "s", order.Sell, order.Limit, 10, 0.002)
	place(t, e, "b", order.Buy, order.Market, 3, 0)

	entry, ok := e.Cancel("TOKENA/SOL", s.ID)
	require.True(t, ok)
	assert.InDelta(t, 7, entry.Remaining, 1e-12)

	_, asks := e.Levels("TOKENA/SOL", 0)
	assert.Empty(t, asks)
	_, ok = e.Cancel("TOKENA/SOL", s.ID)
	assert.False(t, ok)
	_, ok = e.Cancel("NOPE/SOL", s.ID)
	assert.False(t, ok)
}

func TestGuardFailureLeavesBookUntouched(t *testing.T) {
	e := newEngine(t)
	place(t, e, "s", order.Sell, order.Limit, 10, 0.002)

	o, err := order.New(order.Intent{Pair: "TOKENA/SOL", Side: order.Buy, Type: order.Limit, Amount: 20, Price: 0.002, MatchingModel: order.ModelOrderBook}, "b", "b", "", t0, time.Hour)
	require.NoError(t, err)
	denied := errors.New("denied")
	res, err := e.MatchOrder(o, "", func(*match.Result) error { return denied })
	assert.ErrorIs(t, err, denied)
	assert.Nil(t, res)

	bids, asks := e.Levels("TOKENA/SOL", 0)
	assert.Empty(t, bids, "a rejected taker must not rest")
	require.Len(t, asks, 1)
	assert.Equal(t, 10.0, asks[0].Amount)
}

func TestRejectedMakerIsEvictedAndMatchReplanned(t *testing.T) {
	e := newEngine(t)
	e.SetOperator(func(token, base string) string { return "garden-9" })
	unfunded, _ := place(t, e, "poor", order.Buy, order.Limit, 10, 0.003)
	funded, _ := place(t, e, "rich", order.Buy, order.Limit, 10, 0.002)

	o, err := order.New(order.Intent{Pair: "TOKENA/SOL", Side: order.Sell, Type: order.Market, Amount: 10, MatchingModel: order.ModelOrderBook}, "s", "s", "garden-1", t0, time.Hour)
	require.NoError(t, err)
	var attempts int
	res, err := e.MatchOrder(o, "", func(r *match.Result) error {
		attempts++
		for _, f := range r.Fills {
			if f.MakerOrderID == unfunded.ID {
				return &match.MakerRejectedError{MakerOrderID: f.MakerOrderID, Err: errors.New("no funds")}
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, funded.ID, res.Fills[0].MakerOrderID)
	assert.InDelta(t, 0.002, res.ExecutionPrice, 1e-15)
	assert.Equal(t, "garden-9", res.GardenID)

	bids, _ := e.Levels("TOKENA/SOL", 0)
	assert.Empty(t, bids)
	b, _ := e.Book("TOKENA/SOL")
	_, ok := b.Resting(unfunded.ID)
	assert.False(t, ok)
}

func TestLevelsDepthAndPairs(t *testing.T) {
	e := newEngine(t)
	for i, p := range []float64{0.001, 0.002, 0.003} {
		place(t, e, "b", order.Buy, order.Limit, float64(i+1), p)
	}
	bids, _ := e.Levels("TOKENA/SOL", 2)
	require.Len(t, bids, 2)
	assert.Equal(t, 0.003, bids[0].Price)
	assert.Equal(t, 0.002, bids[1].Price)
	assert.Equal(t, []string{"TOKENA/SOL"}, e.Pairs())
}

// Resting quantity is conserved: what leaves the book equals what was filled.
func TestPropertyBookConservesQuantity(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		fees, _ := match.NewFeeSchedule(0.003, 0.000005, 0.00186, 0.4, 0.3, 0.3)
		e := NewEngine(fees, nil, nil, nil)

		var resting float64
		n := rapid.IntRange(1, 40).Draw(rt, "orders")
		for i := 0; i < n; i++ {
			side := rapid.SampledFrom([]order.Side{order.Buy, order.Sell}).Draw(rt, "side")
			typ := rapid.SampledFrom([]order.Type{order.Market, order.Limit}).Draw(rt, "type")
			amount := float64(rapid.IntRange(1, 50).Draw(rt, "amount"))
			price := float64(rapid.IntRange(1, 10).Draw(rt, "tick")) / 1000

			o, err := order.New(order.Intent{Pair: "TOKENA/SOL", Side: side, Type: typ, Amount: amount, Price: price, MatchingModel: order.ModelOrderBook}, "u", "u", "", t0, time.Hour)
			if err != nil {
				rt.Fatalf("order: %v", err)
			}
			res, err := e.MatchOrder(o, "", nil)
			if err != nil {
				rt.Fatalf("match: %v", err)
			}
			if res.FilledAmount > amount+order.Epsilon {
				rt.Fatalf("filled %v beyond amount %v", res.FilledAmount, amount)
			}
			resting -= res.FilledAmount
			if res.Rested {
				resting += res.RemainingAmount
			}

			bids, asks := e.Levels("TOKENA/SOL", 0)
			var total float64
			for _, l := range append(bids, asks...) {
				total += l.Amount
			}
			if math.Abs(total-resting) > 1e-6 {
				rt.Fatalf("book holds %v, expected %v", total, resting)
			}
			if len(bids) > 0 && len(asks) > 0 && bids[0].Price >= asks[0].Price {
				rt.Fatalf("crossed book: bid %v ask %v", bids[0].Price, asks[0].Price)
			}
		}
	})
}

func TestRestoreKeepsCreationOrder(t *testing.T) {
	e := newEngine(t)
	mk := func(email string, created time.Time) *order.Order {
		o, err := order.New(order.Intent{
			Pair: "TOKENA/SOL", Side: order.Sell, Type: order.Limit, Amount: 10, Price: 0.002, MatchingModel: order.ModelOrderBook,
		}, email, email, "garden-1", created, 24*time.Hour)
		require.NoError(t, err)
		return o
	}
	first := mk("first@example.com", t0)
	second := mk("second@example.com", t0.Add(time.Second))

	assert.True(t, e.Restore(first))
	assert.True(t, e.Restore(second))
	assert.False(t, e.Restore(first), "already resting")

	market, err := order.New(order.Intent{Pair: "TOKENA/SOL", Side: order.Sell, Type: order.Market, Amount: 1, MatchingModel: order.ModelOrderBook}, "m", "m", "", t0, 0)
	require.NoError(t, err)
	assert.False(t, e.Restore(market))

	b, ok := e.Book("TOKENA/SOL")
	require.True(t, ok)
	q := b.Queue(order.Sell, 0.002)
	require.Len(t, q, 2)
	assert.Equal(t, first.ID, q[0].OrderID)
	assert.Equal(t, second.ID, q[1].OrderID)
}

// Placement against 100 levels a side; every other order crosses.
func BenchmarkMatchOrder(b *testing.B) {
	fees, _ := match.NewFeeSchedule(0.003, 0.000005, 0.00186, 0.4, 0.3, 0.3)
	e := NewEngine(fees, nil, func() time.Time { return t0 }, nil)

	newOrder := func(side order.Side, amount, price float64) *order.Order {
		o, err := order.New(order.Intent{
			Pair: "TOKENA/SOL", Side: side, Type: order.Limit, Amount: amount, Price: price, MatchingModel: order.ModelOrderBook,
		}, "bench", "bench@example.com", "", t0, time.Hour)
		if err != nil {
			b.Fatal(err)
		}
		return o
	}
	for i := 0; i < 100; i++ {
		_, _ = e.MatchOrder(newOrder(order.Buy, 1e6, 0.001-float64(i)*1e-6), "", nil)
		_, _ = e.MatchOrder(newOrder(order.Sell, 1e6, 0.0011+float64(i)*1e-6), "", nil)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		side := order.Buy
		if i%2 == 0 {
			side = order.Sell
		}
		_, _ = e.MatchOrder(newOrder(side, 10, 0.00105), "", nil)
	}
}
