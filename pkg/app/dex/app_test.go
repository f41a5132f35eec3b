package dex

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/uhyunpark/gardendex/pkg/app/core/order"
	"github.com/uhyunpark/gardendex/pkg/app/core/pool"
)

func startApp(t *testing.T, e *env, workers int) *App {
	t.Helper()
	app := NewApp(AppConfig{Workers: workers}, e.proc, e.clock, zaptest.NewLogger(t).Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return app
}

func TestAppSubmitWaitsForOutcome(t *testing.T) {
	e := newEnv(t, envOpts{balance: 10, policy: pool.Lenient})
	app := startApp(t, e, 4)

	out, err := app.Submit(context.Background(), ammIntent("TOKENA/SOL", order.Buy, 100), "u1", "u1@example.com", "garden-1")
	require.NoError(t, err)
	assert.Equal(t, order.Filled, out.Order.Status)
	assert.True(t, out.Trade.Settled)
}

func TestAppCancelRestingOrder(t *testing.T) {
	e := newEnv(t, envOpts{balance: 10, policy: pool.Lenient})
	app := startApp(t, e, 2)
	ctx := context.Background()

	out, err := app.Submit(ctx, bookIntent(order.Sell, order.Limit, 10, 0.002), "u1", "u1@example.com", "garden-1")
	require.NoError(t, err)
	require.Equal(t, order.Pending, out.Order.Status)

	o, err := app.Cancel(ctx, out.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.Cancelled, o.Status)

	_, err = app.Cancel(ctx, out.Order.ID)
	assert.ErrorIs(t, err, order.ErrInvalidTransition)
}

func TestAppSerializesOnePair(t *testing.T) {
	e := newEnv(t, envOpts{balance: 1000, policy: pool.Lenient})
	app := startApp(t, e, 4)

	var ids []string
	for i := 0; i < 50; i++ {
		o, err := app.SubmitAsync(ammIntent("TOKENA/SOL", order.Buy, 10), "u1", "u1@example.com", "garden-1")
		require.NoError(t, err)
		ids = append(ids, o.ID)
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			o, err := e.proc.Order(id)
			if err != nil || o.Status != order.Filled {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	p, err := e.pools.Get("pool-solana-tokena")
	require.NoError(t, err)
	assert.Equal(t, int64(50), p.TotalTrades)
	assert.Equal(t, 100000.0-500, p.TokenReserve)
	assert.Zero(t, app.QueueDepth())
}

func TestAppSweepExpiresOrders(t *testing.T) {
	e := newEnv(t, envOpts{balance: 10, policy: pool.Lenient})
	app := startApp(t, e, 2)

	out, err := app.Submit(context.Background(), bookIntent(order.Buy, order.Limit, 5, 0.001), "u1", "u1@example.com", "garden-1")
	require.NoError(t, err)

	assert.Zero(t, app.Sweep(t0.Add(time.Hour)))
	assert.Equal(t, 1, app.Sweep(t0.Add(25*time.Hour)))

	require.Eventually(t, func() bool {
		o, err := e.proc.Order(out.Order.ID)
		return err == nil && o.Status == order.Cancelled
	}, 5*time.Second, 10*time.Millisecond)

	o, _ := e.proc.Order(out.Order.ID)
	assert.Equal(t, ReasonExpired, o.Metadata[MetaCancelReason])
}

func TestIntentGeneratorProducesValidIntents(t *testing.T) {
	cfg := DefaultFeederConfig()
	gen := NewIntentGenerator(cfg, func(string) (float64, bool) { return 0.002, true }, 42)

	for i := 0; i < 200; i++ {
		in := gen.GenerateIntent()
		require.NoError(t, in.Validate())
		if in.Type == order.Limit {
			assert.InDelta(t, 0.002, in.Price, 0.002*0.02+1e-12)
		}
	}
	assert.Equal(t, 200, gen.Stats(time.Second).TotalOrders)

	_, ok := gen.CancelCandidate()
	assert.False(t, ok)
	gen.Remember("o1")
	id, ok := gen.CancelCandidate()
	assert.True(t, ok)
	assert.Equal(t, "o1", id)
}

func TestAppRestoreRestsAndRequeues(t *testing.T) {
	before := newEnv(t, envOpts{balance: 10, policy: pool.Lenient})
	out, err := before.submit(t, "maker@example.com", bookIntent(order.Sell, order.Limit, 20, 0.002))
	require.NoError(t, err)
	require.Equal(t, "true", out.Order.Metadata[MetaRested])

	queued, err := order.New(ammIntent("TOKENA/SOL", order.Buy, 100), "u1", "u1@example.com", "garden-1", t0, 24*time.Hour)
	require.NoError(t, err)
	rested, err := before.proc.Order(out.Order.ID)
	require.NoError(t, err)

	after := newEnv(t, envOpts{balance: 10, policy: pool.Lenient})
	app := startApp(t, after, 2)
	assert.Equal(t, 1, app.Restore([]*order.Order{queued, rested}))

	bids, asks := after.book.Levels("TOKENA/SOL", 0)
	assert.Empty(t, bids)
	require.Len(t, asks, 1)
	assert.InDelta(t, 20, asks[0].Amount, 1e-9)

	require.Eventually(t, func() bool {
		o, err := after.proc.Order(queued.ID)
		return err == nil && o.Status == order.Filled
	}, 5*time.Second, 10*time.Millisecond)
}
