package amm

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
	"github.com/uhyunpark/gardendex/pkg/app/core/pool"
)

const delta = 0.00001

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func fees(t require.TestingT) match.FeeSchedule {
	s, err := match.NewFeeSchedule(0.003, 0.000005, 0.00186, 0.4, 0.3, 0.3)
	require.NoError(t, err)
	return s
}

func newEngine(t *testing.T, mult match.Multiplier) (*Engine, *pool.Registry) {
	t.Helper()
	reg := pool.NewRegistry()
	p, err := pool.New("pool-solana-tokena", "TOKENA", "SOL", 100000, 100, "garden-1", t0)
	require.NoError(t, err)
	require.NoError(t, reg.Register(p))
	return NewEngine(reg, fees(t), delta, mult, zaptest.NewLogger(t).Sugar()), reg
}

func newOrder(t *testing.T, side order.Side, typ order.Type, amount, price float64) *order.Order {
	t.Helper()
	o, err := order.New(order.Intent{
		Pair: "TOKENA/SOL", Side: side, Type: typ, Amount: amount, Price: price, MatchingModel: order.ModelAMM,
	}, "u1", "u1@example.com", "garden-1", t0, 24*time.Hour)
	require.NoError(t, err)
	return o
}

// Scenario A: BUY 100 against (100000, 100).
func TestBuyScenarioA(t *testing.T) {
	e, reg := newEngine(t, nil)

	res, err := e.MatchOrder(newOrder(t, order.Buy, order.Market, 100, 0), "pool-solana-tokena", nil)
	require.NoError(t, err)
	require.True(t, res.Matched)

	wantBase := 100.0 * 100 / (100000 - 100) * (1 + delta)
	assert.InDelta(t, 0.1001, res.Settlement.BaseAmount(), 1e-4)
	assert.InDelta(t, wantBase, res.Settlement.BaseAmount(), 1e-15)
	assert.Equal(t, 100.0, res.Settlement.TokenAmount())
	assert.Equal(t, match.RoleBase, res.Settlement.AssetIn.Role)
	assert.Equal(t, 100.0, res.FilledAmount)
	assert.Zero(t, res.RemainingAmount)
	assert.NotEmpty(t, res.TradeID)

	p, err := reg.Get("pool-solana-tokena")
	require.NoError(t, err)
	assert.Equal(t, 99900.0, p.TokenReserve)
	assert.InDelta(t, 100+wantBase, p.BaseReserve, 1e-12)
	assert.Equal(t, p.BaseReserve/p.TokenReserve, p.Price)
	assert.Equal(t, p.Price, res.PostTradePrice)
	// Volume and trade counters belong to the processor.
	assert.Zero(t, p.TotalTrades)
	assert.Zero(t, p.TotalVolume)

	assert.InDelta(t, wantBase*0.003, res.Settlement.Fees.TradeFee, 1e-15)
	assert.InDelta(t, wantBase*0.000005, res.Settlement.Fees.ITax, 1e-18)
}

func TestSellMirrorsBuy(t *testing.T) {
	e, reg := newEngine(t, nil)

	res, err := e.MatchOrder(newOrder(t, order.Sell, order.Market, 1000, 0), "pool-solana-tokena", nil)
	require.NoError(t, err)
	require.True(t, res.Matched)

	wantBase := 100.0 * 1000 / (100000 + 1000) * (1 - delta)
	assert.InDelta(t, wantBase, res.Settlement.BaseAmount(), 1e-15)
	assert.Equal(t, match.RoleToken, res.Settlement.AssetIn.Role)

	p, _ := reg.Get("pool-solana-tokena")
	assert.Equal(t, 101000.0, p.TokenReserve)
	assert.InDelta(t, 100-wantBase, p.BaseReserve, 1e-12)
}

// Liquidity is a display metric: it grows by the impact factor on every trade,
// regardless of direction. It is not a redeemable share.
func TestPoolLiquidityIsDisplayOnly(t *testing.T) {
	e, reg := newEngine(t, nil)
	before, _ := reg.Get("pool-solana-tokena")

	_, err := e.MatchOrder(newOrder(t, order.Buy, order.Market, 10, 0), "pool-solana-tokena", nil)
	require.NoError(t, err)
	_, err = e.MatchOrder(newOrder(t, order.Sell, order.Market, 10, 0), "pool-solana-tokena", nil)
	require.NoError(t, err)

	after, _ := reg.Get("pool-solana-tokena")
	assert.InDelta(t, before.PoolLiquidity*(1+delta)*(1+delta), after.PoolLiquidity, 1e-9)
}

func TestBuyAtOrBeyondReserveIsUnmatched(t *testing.T) {
	e, reg := newEngine(t, nil)

	res, err := e.MatchOrder(newOrder(t, order.Buy, order.Market, 100000, 0), "pool-solana-tokena", nil)
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Equal(t, match.ReasonInsufficientLiquidity, res.Reason)
	assert.Equal(t, 100000.0, res.RemainingAmount)

	p, _ := reg.Get("pool-solana-tokena")
	assert.Equal(t, 100000.0, p.TokenReserve)
	assert.Equal(t, 100.0, p.BaseReserve)
}

func TestLimitPriceProtection(t *testing.T) {
	e, reg := newEngine(t, nil)

	// Effective price for 100 tokens is ~0.001002; a 0.001 limit is too tight.
	res, err := e.MatchOrder(newOrder(t, order.Buy, order.Limit, 100, 0.001), "pool-solana-tokena", nil)
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Equal(t, match.ReasonLimitNotMet, res.Reason)
	p, _ := reg.Get("pool-solana-tokena")
	assert.Equal(t, 100000.0, p.TokenReserve)

	res, err = e.MatchOrder(newOrder(t, order.Buy, order.Limit, 100, 0.0011), "pool-solana-tokena", nil)
	require.NoError(t, err)
	assert.True(t, res.Matched)

	res, err = e.MatchOrder(newOrder(t, order.Sell, order.Limit, 100, 0.0011), "pool-solana-tokena", nil)
	require.NoError(t, err)
	assert.False(t, res.Matched)
}

func TestGuardFailureLeavesPoolUntouched(t *testing.T) {
	e, reg := newEngine(t, nil)
	denied := errors.New("denied")

	var seen *match.Result
	res, err := e.MatchOrder(newOrder(t, order.Buy, order.Market, 100, 0), "pool-solana-tokena", func(r *match.Result) error {
		seen = r
		return denied
	})
	assert.ErrorIs(t, err, denied)
	assert.Nil(t, res)
	require.NotNil(t, seen)
	assert.True(t, seen.Matched)

	p, _ := reg.Get("pool-solana-tokena")
	assert.Equal(t, 100000.0, p.TokenReserve)
	assert.Equal(t, 100.0, p.BaseReserve)
	assert.InDelta(t, 0.001, p.Price, 1e-15)
}

func TestAdvertisingMultiplierScalesITax(t *testing.T) {
	mult := match.MultiplierFunc(func(gardenID string) float64 {
		if gardenID == "garden-1" {
			return 2.0
		}
		return 1
	})
	e, _ := newEngine(t, mult)

	res, err := e.MatchOrder(newOrder(t, order.Buy, order.Market, 100, 0), "pool-solana-tokena", nil)
	require.NoError(t, err)
	base := res.Settlement.BaseAmount()
	assert.InDelta(t, base*0.000005*2, res.Settlement.Fees.ITax, 1e-18)
	assert.InDelta(t, res.Settlement.Fees.ITax, res.Settlement.Split.Sum(), 1e-18)
}

func TestUnknownPoolIsError(t *testing.T) {
	e, _ := newEngine(t, nil)
	_, err := e.MatchOrder(newOrder(t, order.Buy, order.Market, 1, 0), "nope", nil)
	assert.ErrorIs(t, err, pool.ErrPoolNotFound)
}

// After any swap: price equals the reserve ratio, and the constant product
// grows by exactly impact*Rb*t, which is within the impact factor for buys.
func TestPropertyConstantProductWithinImpact(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rt := rapid.Float64Range(10, 1e7).Draw(t, "tokenReserve")
		rb := rapid.Float64Range(1, 1e6).Draw(t, "baseReserve")
		side := rapid.SampledFrom([]order.Side{order.Buy, order.Sell}).Draw(t, "side")
		frac := rapid.Float64Range(1e-6, 0.99).Draw(t, "frac")
		amount := rt * frac

		q, err := QuoteSwap(rt, rb, side, amount, delta)
		if err != nil {
			t.Fatalf("quote: %v", err)
		}
		k := rt * rb
		k2 := q.NewTokenReserve * q.NewBaseReserve
		growth := k2 - k
		want := delta * rb * amount
		if math.Abs(growth-want) > 1e-9*k {
			t.Fatalf("product growth %v, want %v", growth, want)
		}
		if growth/k > delta*(1+1e-9) {
			t.Fatalf("product moved %v, beyond impact %v", growth/k, delta)
		}
		if q.NewTokenReserve <= 0 || q.NewBaseReserve <= 0 {
			t.Fatalf("non-positive reserves %v/%v", q.NewTokenReserve, q.NewBaseReserve)
		}
	})
}

func TestPropertyPriceTracksReserves(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		reg := pool.NewRegistry()
		p, err := pool.New("p", "TOKENA", "SOL", 100000, 100, "g", t0)
		if err != nil {
			rt.Fatalf("pool: %v", err)
		}
		if err := reg.Register(p); err != nil {
			rt.Fatalf("register: %v", err)
		}
		e := NewEngine(reg, fees(rt), delta, nil, nil)

		n := rapid.IntRange(1, 30).Draw(rt, "trades")
		for i := 0; i < n; i++ {
			side := rapid.SampledFrom([]order.Side{order.Buy, order.Sell}).Draw(rt, "side")
			amount := rapid.Float64Range(0.01, 5000).Draw(rt, "amount")
			o, err := order.New(order.Intent{Pair: "TOKENA/SOL", Side: side, Type: order.Market, Amount: amount, MatchingModel: order.ModelAMM}, "u", "e", "", t0, time.Hour)
			if err != nil {
				rt.Fatalf("order: %v", err)
			}
			if _, err := e.MatchOrder(o, "p", nil); err != nil {
				rt.Fatalf("match: %v", err)
			}
			got, _ := reg.Get("p")
			if got.TokenReserve <= 0 || got.BaseReserve <= 0 {
				rt.Fatalf("reserves went non-positive")
			}
			if got.Price != got.BaseReserve/got.TokenReserve {
				rt.Fatalf("price %v != ratio %v", got.Price, got.BaseReserve/got.TokenReserve)
			}
		}
	})
}
