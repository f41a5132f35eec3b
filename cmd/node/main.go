package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/gardendex/params"
	"github.com/uhyunpark/gardendex/pkg/api"
	"github.com/uhyunpark/gardendex/pkg/app/core/amm"
	"github.com/uhyunpark/gardendex/pkg/app/core/authority"
	"github.com/uhyunpark/gardendex/pkg/app/core/events"
	"github.com/uhyunpark/gardendex/pkg/app/core/match"
	"github.com/uhyunpark/gardendex/pkg/app/core/order"
	"github.com/uhyunpark/gardendex/pkg/app/core/orderbook"
	"github.com/uhyunpark/gardendex/pkg/app/core/pool"
	"github.com/uhyunpark/gardendex/pkg/app/core/settlement"
	"github.com/uhyunpark/gardendex/pkg/app/core/wallet"
	"github.com/uhyunpark/gardendex/pkg/app/dex"
	"github.com/uhyunpark/gardendex/pkg/metrics"
	"github.com/uhyunpark/gardendex/pkg/p2p"
	"github.com/uhyunpark/gardendex/pkg/storage"
	"github.com/uhyunpark/gardendex/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory
	if err := cfg.DEX.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "level", cfg.Node.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	store, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "gardendex.db"))
	if err != nil {
		sugar.Fatalw("storage_open_failed", "err", err)
	}
	defer store.Close()

	clock := util.RealClock{}
	d := cfg.DEX

	fees, err := match.NewFeeSchedule(d.TradeFeeRate, d.ITaxRate, d.IGas, d.RootShare, d.GardenShare, d.TraderShare)
	if err != nil {
		sugar.Fatalw("fee_schedule_invalid", "err", err)
	}

	// ---- Gardens and pools ----
	directory := authority.NewDirectory(d.AdvertisingMultiplier)
	if err := directory.Seed(d.DefaultGardenID, "garden-2"); err != nil {
		sugar.Fatalw("directory_seed_failed", "err", err)
	}

	registry := pool.NewRegistry()
	installed, err := registry.RegisterIfEmpty(pool.DefaultSet(d.DefaultTokenReserve, d.DefaultBaseReserve, d.DefaultGardenID, clock.Now()))
	if err != nil {
		sugar.Fatalw("default_pools_failed", "err", err)
	}
	sugar.Infow("pools_ready", "installed_defaults", installed, "count", registry.Count())

	policy := pool.Strict
	if d.PoolPolicy == params.PoolPolicyLenient {
		policy = pool.Lenient
	}
	resolver := pool.NewResolver(registry, policy, pool.Defaults{
		TokenReserve: d.DefaultTokenReserve,
		BaseReserve:  d.DefaultBaseReserve,
		GardenID:     d.DefaultGardenID,
	}, clock.Now, sugar)

	// ---- Wallets, settlement, events ----
	wallets := wallet.NewStore(d.InitialBalance, store, sugar)
	settler := settlement.NewManager(settlement.Config{TTL: d.SettlementTTL, RootAccount: d.RootAuthorityAccount},
		wallets, store, directory, clock, sugar)

	broadcaster := events.New(d.PriceThrottle, clock.Now, sugar)
	broadcaster.OnDrop(func(t events.Type) {
		metrics.EventsDropped.WithLabelValues(string(t)).Inc()
	})

	recon := dex.NewReconciliationLog(store, clock.Now, sugar)
	if debts, err := store.LoadDebts(); err != nil {
		sugar.Warnw("debts_load_failed", "err", err)
	} else {
		recon.Load(debts)
	}

	// ---- Matching and processing ----
	book := orderbook.NewEngine(fees, directory, clock.Now, sugar)
	book.SetOperator(resolver.Operator)
	proc := dex.NewProcessor(dex.ProcessorConfig{
		LimitOrderTTL:     d.LimitOrderTTL,
		SettlementTimeout: d.SettlementTimeout,
	}, dex.ProcessorDeps{
		Orders:         order.NewStore(store, sugar),
		Pools:          registry,
		Resolver:       resolver,
		AMM:            amm.NewEngine(registry, fees, d.PriceImpact, directory, sugar),
		Book:           book,
		Settlement:     settler,
		Events:         broadcaster,
		Reconciliation: recon,
		Fees:           fees,
		Multiplier:     directory,
		Clock:          clock,
		Log:            sugar,
	})
	app := dex.NewApp(dex.AppConfig{
		Workers:             cfg.Node.Workers,
		ExpirySweepInterval: cfg.Node.ExpirySweepInterval,
	}, proc, clock, sugar)

	if open, err := store.LoadOpenOrders(); err != nil {
		sugar.Warnw("open_orders_load_failed", "err", err)
	} else if len(open) > 0 {
		app.Restore(open)
	}

	// ---- API Server ----
	apiServer := api.NewServer(api.Deps{
		App:            app,
		Pools:          registry,
		Resolver:       resolver,
		Book:           book,
		Wallet:         wallets,
		Ledger:         store,
		Settlement:     settler,
		Events:         broadcaster,
		Reconciliation: recon,
		Directory:      directory,
		PriceThreshold: d.PriceThrottle,
	}, sugar)

	// ---- Event gossip (optional) ----
	if cfg.P2P.Enabled {
		gossip, err := p2p.NewEventGossip(ctx, p2p.Libp2pConfig{
			ListenAddr: cfg.P2P.ListenAddr,
			Bootstrap:  cfg.P2P.Bootstrap,
			Topic:      cfg.P2P.Topic,
			Logger:     sugar,
		})
		if err != nil {
			sugar.Fatalw("libp2p_init_failed", "err", err)
		}
		defer gossip.Close()
		gossip.OnRemote(func(origin string, ev events.Event) {
			apiServer.Hub().Publish(ev)
		})
		broadcaster.AddSink(gossip)
		sugar.Infow("p2p_enabled", "addrs", gossip.Addrs(), "topic", cfg.P2P.Topic)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.Run(gctx) })
	g.Go(func() error { return apiServer.Start(gctx, cfg.Node.APIAddr) })

	// ---- Intent Feeder (optional) ----
	// Enable with: ENABLE_TXGEN=true
	if cfg.Node.EnableTxGen {
		feedCfg := dex.DefaultFeederConfig()
		feedCfg.Interval = cfg.Node.TxGenInterval
		feedCfg.BatchSize = cfg.Node.TxGenBatch
		prices := func(pair string) (float64, bool) {
			p, err := order.ParsePair(pair)
			if err != nil {
				return 0, false
			}
			tp, ok := registry.FindByPair(p.Token, p.Base)
			return tp.Price, ok
		}
		cancelFeeder := dex.StartFeeder(gctx, app, feedCfg, prices, sugar)
		defer cancelFeeder()
	} else {
		sugar.Info("feeder_disabled")
	}

	sugar.Infow("node_starting",
		"api_addr", cfg.Node.APIAddr,
		"workers", cfg.Node.Workers,
		"pool_policy", policy.String(),
		"settlement_ttl", d.SettlementTTL)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		sugar.Errorw("node_stopped", "err", err)
		return
	}
	sugar.Info("node_stopped")
}
