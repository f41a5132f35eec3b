package dex

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/gardendex/pkg/app/core/order"
)

// FeederConfig controls simulated order flow.
type FeederConfig struct {
	BatchSize   int           // intents generated per tick
	Interval    time.Duration // how often to generate batches
	NumAccounts int           // simulated traders
	Pairs       []string
	Gardens     []string // gardens the traders are attributed to
}

func DefaultFeederConfig() FeederConfig {
	return FeederConfig{
		BatchSize:   5,
		Interval:    500 * time.Millisecond,
		NumAccounts: 20,
		Pairs:       []string{"TOKENA/SOL", "TOKENB/SOL", "TOKENC/SOL", "TOKEND/SOL"},
		Gardens:     []string{"garden-1", "garden-2"},
	}
}

// PriceSource reports a reference price for a pair, or false if none is known.
type PriceSource func(pair string) (float64, bool)

// Trader is a simulated account.
type Trader struct {
	UserID   string
	Email    string
	GardenID string
}

// IntentGenerator creates random trade intents for load testing.
type IntentGenerator struct {
	traders []Trader
	pairs   []string
	prices  PriceSource
	rng     *rand.Rand
	recent  []string // recently submitted order ids, cancel candidates

	orders  int
	cancels int
}

func NewIntentGenerator(cfg FeederConfig, prices PriceSource, seed int64) *IntentGenerator {
	gardens := cfg.Gardens
	if len(gardens) == 0 {
		gardens = []string{""}
	}
	traders := make([]Trader, cfg.NumAccounts)
	for i := range traders {
		traders[i] = Trader{
			UserID:   fmt.Sprintf("trader_%d", i+1),
			Email:    fmt.Sprintf("trader_%d@gardendex.local", i+1),
			GardenID: gardens[i%len(gardens)],
		}
	}
	return &IntentGenerator{
		traders: traders,
		pairs:   cfg.Pairs,
		prices:  prices,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Trader picks a random simulated account.
func (g *IntentGenerator) Trader() Trader {
	return g.traders[g.rng.Intn(len(g.traders))]
}

// GenerateIntent creates a random order intent.
func (g *IntentGenerator) GenerateIntent() order.Intent {
	pair := g.pairs[g.rng.Intn(len(g.pairs))]

	side := order.Buy
	if g.rng.Intn(2) == 1 {
		side = order.Sell
	}

	// 50% AMM, 50% book. AMM flow is mostly MARKET; book flow is mostly LIMIT.
	in := order.Intent{Pair: pair, Side: side, Amount: float64(g.rng.Intn(990) + 10)}
	if g.rng.Intn(2) == 0 {
		in.MatchingModel = order.ModelAMM
		in.Type = order.Market
		if g.rng.Intn(100) < 20 {
			in.Type = order.Limit
		}
	} else {
		in.MatchingModel = order.ModelOrderBook
		in.Type = order.Limit
		if g.rng.Intn(100) < 30 {
			in.Type = order.Market
		}
	}

	if in.Type == order.Limit {
		ref := 0.001
		if g.prices != nil {
			if p, ok := g.prices(pair); ok && p > 0 {
				ref = p
			}
		}
		// ±2% around the reference
		in.Price = ref * (1 + (g.rng.Float64()*0.04 - 0.02))
	}
	in.OriginalInput = fmt.Sprintf("%s %.0f %s", side, in.Amount, pair)
	g.orders++
	return in
}

// Remember records a submitted order as a future cancel candidate.
func (g *IntentGenerator) Remember(orderID string) {
	g.recent = append(g.recent, orderID)
	if len(g.recent) > 100 {
		g.recent = g.recent[1:]
	}
}

// CancelCandidate returns a recent order id, if any.
func (g *IntentGenerator) CancelCandidate() (string, bool) {
	if len(g.recent) == 0 {
		return "", false
	}
	i := g.rng.Intn(len(g.recent))
	id := g.recent[i]
	g.recent = append(g.recent[:i], g.recent[i+1:]...)
	g.cancels++
	return id, true
}

// WantCancel decides whether the next action is a cancel (10%).
func (g *IntentGenerator) WantCancel() bool {
	return g.rng.Intn(100) < 10
}

type GenStats struct {
	TotalOrders   int
	TotalCancels  int
	OrdersPerSec  float64
	CancelsPerSec float64
}

func (g *IntentGenerator) Stats(elapsed time.Duration) GenStats {
	seconds := elapsed.Seconds()
	if seconds == 0 {
		seconds = 1
	}
	return GenStats{
		TotalOrders:   g.orders,
		TotalCancels:  g.cancels,
		OrdersPerSec:  float64(g.orders) / seconds,
		CancelsPerSec: float64(g.cancels) / seconds,
	}
}

// StartFeeder continuously feeds simulated intents to the app.
// Returns a cancel function to stop the feeder.
func StartFeeder(ctx context.Context, app *App, cfg FeederConfig, prices PriceSource, log *zap.SugaredLogger) context.CancelFunc {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if len(cfg.Pairs) == 0 {
		cfg.Pairs = DefaultFeederConfig().Pairs
	}
	if cfg.NumAccounts <= 0 {
		cfg.NumAccounts = 1
	}
	gen := NewIntentGenerator(cfg, prices, time.Now().UnixNano())

	feedCtx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		start := time.Now()
		lastReport := start

		log.Infow("feeder_started", "batch", cfg.BatchSize, "interval", cfg.Interval, "accounts", cfg.NumAccounts, "pairs", cfg.Pairs)

		for {
			select {
			case <-feedCtx.Done():
				s := gen.Stats(time.Since(start))
				log.Infow("feeder_stopped", "orders", s.TotalOrders, "cancels", s.TotalCancels)
				return

			case <-ticker.C:
				for i := 0; i < cfg.BatchSize; i++ {
					feedOne(feedCtx, app, gen, log)
				}
				if time.Since(lastReport) >= 10*time.Second {
					lastReport = time.Now()
					s := gen.Stats(time.Since(start))
					log.Infow("feeder_stats",
						"orders", s.TotalOrders, "cancels", s.TotalCancels,
						"orders_per_sec", s.OrdersPerSec, "queue_depth", app.QueueDepth())
				}
			}
		}
	}()

	return cancel
}

func feedOne(ctx context.Context, app *App, gen *IntentGenerator, log *zap.SugaredLogger) {
	if gen.WantCancel() {
		if id, ok := gen.CancelCandidate(); ok {
			go func() {
				if _, err := app.Cancel(ctx, id); err != nil {
					log.Debugw("feeder_cancel_rejected", "order_id", id, "err", err)
				}
			}()
			return
		}
	}
	tr := gen.Trader()
	o, err := app.SubmitAsync(gen.GenerateIntent(), tr.UserID, tr.Email, tr.GardenID)
	if err != nil {
		log.Debugw("feeder_intent_rejected", "err", err)
		return
	}
	if o.Type == order.Limit {
		gen.Remember(o.ID)
	}
}
