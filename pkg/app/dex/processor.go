// Package dex runs orders end to end: creation, pool resolution, matching,
// two-phase settlement, pool statistics and event broadcast.
package dex

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/gardendex/pkg/app/core/amm"
	"github.com/uhyunpark/gardendex/pkg/app/core/events"
	"github.com/uhyunpark/gardendex/pkg/app/core/ledger"
	"github.com/uhyunpark/gardendex/pkg/app/core/match"
	"github.com/uhyunpark/gardendex/pkg/app/core/order"
	"github.com/uhyunpark/gardendex/pkg/app/core/orderbook"
	"github.com/uhyunpark/gardendex/pkg/app/core/pool"
	"github.com/uhyunpark/gardendex/pkg/app/core/settlement"
	"github.com/uhyunpark/gardendex/pkg/metrics"
	"github.com/uhyunpark/gardendex/pkg/util"
)

// Cancellation reasons recorded in order metadata.
const (
	MetaCancelReason = "cancelReason"
	MetaRested       = "rested" // set once a LIMIT remainder sits in the book

	ReasonUserCancel     = "user_cancel"
	ReasonExpired        = "expired"
	ReasonUnmatched      = "unmatched_market"
	ReasonRemainderDrop  = "market_remainder_dropped"
	ReasonSettlementDeny = "settlement_rejected"
	ReasonMakerUnfunded  = "maker_unfunded"
	ReasonNoPool         = "pool_not_found"
	ReasonMatchError     = "match_error"
)

// Trade is the executed trade reported to callers and observers.
type Trade struct {
	TradeID        string              `json:"tradeId"`
	OrderID        string              `json:"orderId"`
	Pair           string              `json:"pair"`
	Side           order.Side          `json:"side"`
	Model          order.MatchingModel `json:"matchingModel"`
	PoolID         string              `json:"poolId,omitempty"`
	Price          float64             `json:"price"`
	TokenAmount    float64             `json:"tokenAmount"`
	BaseAmount     float64             `json:"baseAmount"`
	PostTradePrice float64             `json:"postTradePrice"`
	Settled        bool                `json:"settled"`
	ExecutedAt     time.Time           `json:"executedAt"`
}

// Outcome is everything one processing cycle produced.
type Outcome struct {
	Order      *order.Order                      `json:"order"`
	Match      *match.Result                     `json:"match,omitempty"`
	Settlement *settlement.ProvisionalSettlement `json:"settlement,omitempty"`
	Ledger     *ledger.Entry                     `json:"ledgerEntry,omitempty"`
	Trade      *Trade                            `json:"trade,omitempty"`
}

type ProcessorConfig struct {
	LimitOrderTTL     time.Duration
	SettlementTimeout time.Duration
}

// Processor owns no state of its own; registries are injected.
type Processor struct {
	cfg        ProcessorConfig
	orders     *order.Store
	pools      *pool.Registry
	resolver   *pool.Resolver
	amm        *amm.Engine
	book       *orderbook.Engine
	settlement *settlement.Manager
	events     *events.Broadcaster
	recon      *ReconciliationLog
	fees       match.FeeSchedule
	multiplier match.Multiplier
	clock      util.Clock
	log        *zap.SugaredLogger
}

type ProcessorDeps struct {
	Orders         *order.Store
	Pools          *pool.Registry
	Resolver       *pool.Resolver
	AMM            *amm.Engine
	Book           *orderbook.Engine
	Settlement     *settlement.Manager
	Events         *events.Broadcaster
	Reconciliation *ReconciliationLog
	Fees           match.FeeSchedule
	Multiplier     match.Multiplier // may be nil
	Clock          util.Clock
	Log            *zap.SugaredLogger
}

func NewProcessor(cfg ProcessorConfig, d ProcessorDeps) *Processor {
	if d.Log == nil {
		d.Log = zap.NewNop().Sugar()
	}
	if d.Clock == nil {
		d.Clock = util.RealClock{}
	}
	if cfg.SettlementTimeout <= 0 {
		cfg.SettlementTimeout = 5 * time.Second
	}
	return &Processor{
		cfg:        cfg,
		orders:     d.Orders,
		pools:      d.Pools,
		resolver:   d.Resolver,
		amm:        d.AMM,
		book:       d.Book,
		settlement: d.Settlement,
		events:     d.Events,
		recon:      d.Reconciliation,
		fees:       d.Fees,
		multiplier: d.Multiplier,
		clock:      d.Clock,
		log:        d.Log,
	}
}

// engine selects the matching strategy. Exactly two models exist.
func (p *Processor) engine(m order.MatchingModel) (match.Engine, error) {
	switch m {
	case order.ModelAMM:
		return p.amm, nil
	case order.ModelOrderBook:
		return p.book, nil
	default:
		return nil, fmt.Errorf("%w: %q", order.ErrInvalidModel, m)
	}
}

// CreateOrder validates the intent, stores a PENDING order and announces it.
// It never matches.
func (p *Processor) CreateOrder(in order.Intent, userID, userEmail, gardenID string) (*order.Order, error) {
	o, err := order.New(in, userID, userEmail, gardenID, p.clock.Now(), p.cfg.LimitOrderTTL)
	if err != nil {
		return nil, err
	}
	if err := p.orders.Add(o); err != nil {
		return nil, err
	}

	metrics.OrdersCreated.WithLabelValues(string(o.MatchingModel), string(o.Side), string(o.Type)).Inc()
	p.emitOrder(events.OrderCreated, o, nil)
	p.log.Infow("order_created",
		"order_id", o.ID, "user", o.UserEmail, "pair", o.Pair, "side", o.Side,
		"type", o.Type, "amount", o.Amount, "price", o.Price, "model", o.MatchingModel)
	return o.Clone(), nil
}

// ProcessOrder runs one order through matching and settlement.
//
// Balance and liquidity failures return the outcome (with the order's final
// status) together with the error. Settlement finalization failures are not
// returned as errors: the trade stands, a settlement_failed event is emitted
// and the debt is recorded for reconciliation.
func (p *Processor) ProcessOrder(ctx context.Context, in *order.Order) (*Outcome, error) {
	start := time.Now()
	o, err := p.orders.Get(in.ID)
	if err != nil {
		return nil, err
	}
	if o.Status != order.Pending {
		return &Outcome{Order: o}, fmt.Errorf("%w: order %s is %s", order.ErrInvalidTransition, o.ID, o.Status)
	}
	defer func() {
		metrics.ProcessingDuration.WithLabelValues(string(o.MatchingModel)).Observe(time.Since(start).Seconds())
	}()

	eng, err := p.engine(o.MatchingModel)
	if err != nil {
		return &Outcome{Order: o}, err
	}

	var poolID string
	if o.MatchingModel == order.ModelAMM {
		pl, how, err := p.resolver.Resolve(o.TokenSymbol, o.BaseToken, o.Metadata[order.MetaPoolID])
		if err != nil {
			out := p.unmatched(o, match.Unmatched(o, match.ReasonInsufficientLiquidity), ReasonNoPool)
			return out, fmt.Errorf("resolve pool for %s: %w", o.Pair, err)
		}
		if how == pool.ResolvedCreated {
			metrics.PoolsCreatedOnDemand.Inc()
		}
		poolID = pl.PoolID
	}

	sctx, cancel := context.WithTimeout(ctx, p.cfg.SettlementTimeout)
	defer cancel()

	// Phase 1 runs inside the engine, after the match is computed and before
	// the pool or book is mutated. Book makers are reserved in the same step;
	// a maker that cannot pay is evicted and the match is planned again.
	var (
		ps      *settlement.ProvisionalSettlement
		makers  []makerLeg
		evicted []string
	)
	guard := func(r *match.Result) error {
		taker, err := p.settlement.CreateProvisionalSettlement(sctx, r, o)
		if err != nil {
			return err
		}
		legs := make([]makerLeg, 0, len(r.Fills))
		for _, f := range r.Fills {
			leg, err := p.reserveMaker(sctx, r, f)
			if err == nil {
				legs = append(legs, leg)
				continue
			}
			p.discard(taker)
			for _, l := range legs {
				p.discard(l.ps)
			}
			if errors.Is(err, settlement.ErrInsufficientBalance) || errors.Is(err, order.ErrOrderNotFound) || errors.Is(err, order.ErrInvalidTransition) {
				evicted = append(evicted, f.MakerOrderID)
				return &match.MakerRejectedError{MakerOrderID: f.MakerOrderID, Err: err}
			}
			return err
		}
		ps, makers = taker, legs
		return nil
	}

	res, err := eng.MatchOrder(o, poolID, guard)
	for _, id := range evicted {
		p.evictMaker(id)
	}
	if err != nil {
		reason := ReasonMatchError
		var makerErr *match.MakerRejectedError
		if !errors.As(err, &makerErr) && errors.Is(err, settlement.ErrInsufficientBalance) {
			reason = ReasonSettlementDeny
			metrics.Settlements.WithLabelValues("rejected").Inc()
		}
		out := p.cancel(o, reason)
		p.log.Warnw("order_rejected", "order_id", o.ID, "pair", o.Pair, "err", err)
		return out, err
	}
	if res.Rested {
		o = p.markRested(o)
	}
	if !res.Matched {
		out := p.unmatched(o, res, ReasonUnmatched)
		metrics.OrdersProcessed.WithLabelValues(string(o.MatchingModel), string(out.Order.Status)).Inc()
		return out, nil
	}

	out := p.matched(sctx, o, res, ps, makers)
	metrics.OrdersProcessed.WithLabelValues(string(o.MatchingModel), string(out.Order.Status)).Inc()
	return out, nil
}

// unmatched leaves LIMIT orders PENDING and cancels MARKET orders.
func (p *Processor) unmatched(o *order.Order, res *match.Result, reason string) *Outcome {
	if o.Type == order.Market {
		out := p.cancel(o, reason)
		out.Match = res
		return out
	}
	p.log.Infow("order_unmatched", "order_id", o.ID, "pair", o.Pair, "reason", res.Reason, "rested", res.Rested)
	return &Outcome{Order: o, Match: res}
}

func (p *Processor) markRested(o *order.Order) *order.Order {
	updated, err := p.orders.Update(o.ID, func(cur *order.Order) error {
		cur.Metadata[MetaRested] = "true"
		return nil
	})
	if err != nil {
		p.log.Warnw("order_mark_rested_failed", "order_id", o.ID, "err", err)
		return o
	}
	return updated
}

func (p *Processor) cancel(o *order.Order, reason string) *Outcome {
	updated, err := p.orders.Update(o.ID, func(cur *order.Order) error {
		if err := cur.Cancel(p.clock.Now()); err != nil {
			return err
		}
		cur.Metadata[MetaCancelReason] = reason
		return nil
	})
	if err != nil {
		p.log.Warnw("order_cancel_failed", "order_id", o.ID, "reason", reason, "err", err)
		return &Outcome{Order: o}
	}
	p.emitOrder(events.OrderCancelled, updated, map[string]any{"reason": reason})
	return &Outcome{Order: updated}
}

func (p *Processor) matched(ctx context.Context, o *order.Order, res *match.Result, ps *settlement.ProvisionalSettlement, makers []makerLeg) *Outcome {
	now := p.clock.Now()
	updated, err := p.orders.Update(o.ID, func(cur *order.Order) error {
		return cur.ApplyFill(res.FilledAmount, now)
	})
	if err != nil {
		// The match is committed; the order record is the part that failed.
		p.log.Errorw("order_fill_failed", "order_id", o.ID, "filled", res.FilledAmount, "err", err)
		updated = o
	}
	out := &Outcome{Order: updated, Match: res, Settlement: ps}

	if updated.Status == order.Filled {
		p.emitOrder(events.OrderFilled, updated, nil)
	} else {
		p.emitOrder(events.OrderPartial, updated, map[string]any{"remaining": updated.Remaining()})
	}
	if ps != nil {
		p.events.Publish(events.Event{
			Type: events.SettlementPending, OrderID: o.ID, TradeID: res.TradeID, Pair: o.Pair,
			Price: ps.Price, Amount: ps.Amount,
			Data: map[string]any{"settlementId": ps.SettlementID, "expiresAt": ps.ExpiresAt},
		})
		metrics.Settlements.WithLabelValues("provisional").Inc()
	}

	for _, leg := range makers {
		p.settleMaker(ctx, res.TradeID, leg)
	}

	trade := &Trade{
		TradeID:        res.TradeID,
		OrderID:        o.ID,
		Pair:           o.Pair,
		Side:           o.Side,
		Model:          o.MatchingModel,
		PoolID:         res.PoolID,
		Price:          res.ExecutionPrice,
		TokenAmount:    res.Settlement.TokenAmount(),
		BaseAmount:     res.Settlement.BaseAmount(),
		PostTradePrice: res.PostTradePrice,
		ExecutedAt:     now,
	}
	out.Trade = trade

	var finalizeErr error
	if ps == nil {
		finalizeErr = errors.New("no provisional settlement")
	} else {
		out.Ledger, finalizeErr = p.settlement.FinalizeSettlement(ctx, ps.SettlementID)
	}
	trade.Settled = finalizeErr == nil

	metrics.TradesExecuted.WithLabelValues(string(o.MatchingModel), o.Pair).Inc()
	metrics.TradeVolume.WithLabelValues(o.Pair).Add(trade.BaseAmount)

	if trade.Settled && res.PoolID != "" {
		if _, err := p.pools.RecordTrade(res.PoolID, trade.BaseAmount); err != nil {
			p.log.Warnw("pool_stats_failed", "pool_id", res.PoolID, "err", err)
		}
	}

	// The trade is broadcast whether or not finalization succeeded.
	p.events.Publish(events.Event{
		Type: events.TradeExecuted, OrderID: o.ID, TradeID: res.TradeID, Pair: o.Pair,
		Price: res.ExecutionPrice, Amount: res.FilledAmount,
		Data: map[string]any{
			"side": o.Side, "model": o.MatchingModel, "poolId": res.PoolID,
			"baseAmount": trade.BaseAmount, "settled": trade.Settled, "fills": len(res.Fills),
		},
	})

	if trade.Settled {
		p.events.PublishPrice(o.Pair, res.PostTradePrice, map[string]any{"poolId": res.PoolID, "model": o.MatchingModel})
		p.events.Publish(events.Event{
			Type: events.SettlementFinal, OrderID: o.ID, TradeID: res.TradeID, Pair: o.Pair,
			Price: res.ExecutionPrice, Amount: res.FilledAmount,
			Data: map[string]any{"settlementId": ps.SettlementID, "entryId": out.Ledger.EntryID},
		})
		metrics.Settlements.WithLabelValues("finalized").Inc()
	} else {
		p.settlementFailed(o, res, ps, "taker_finalize", finalizeErr)
	}

	if o.Type == order.Market && updated.Status == order.Partial {
		out.Order = p.cancel(updated, ReasonRemainderDrop).Order
	}

	p.log.Infow("order_processed",
		"order_id", o.ID, "trade_id", res.TradeID, "pair", o.Pair, "status", out.Order.Status,
		"filled", res.FilledAmount, "price", res.ExecutionPrice, "settled", trade.Settled)
	return out
}

// makerLeg is one resting order's share of a book trade, reserved in phase 1.
type makerLeg struct {
	order *order.Order
	res   *match.Result
	ps    *settlement.ProvisionalSettlement
}

// reserveMaker runs phase 1 for the resting side of fill f at the maker's own
// price. A BUY maker's funds are held before the book is touched.
func (p *Processor) reserveMaker(ctx context.Context, taker *match.Result, f match.Fill) (makerLeg, error) {
	maker, err := p.orders.Get(f.MakerOrderID)
	if err != nil {
		return makerLeg{}, err
	}
	if maker.Status.Terminal() {
		return makerLeg{}, fmt.Errorf("%w: maker %s is %s", order.ErrInvalidTransition, maker.ID, maker.Status)
	}

	base := f.Price * f.Amount
	mult := 1.0
	if p.multiplier != nil {
		mult = p.multiplier.Multiplier(taker.GardenID)
	}
	fees, split := p.fees.Compute(base, mult)
	in, out := match.Legs(maker.Side, maker.TokenSymbol, maker.BaseToken, f.Amount, base)
	res := &match.Result{
		Matched:        true,
		FilledAmount:   f.Amount,
		ExecutionPrice: f.Price,
		PostTradePrice: f.Price,
		TradeID:        taker.TradeID,
		GardenID:       taker.GardenID,
		Settlement:     match.Settlement{AssetIn: in, AssetOut: out, Fees: fees, Split: split},
	}
	ps, err := p.settlement.CreateProvisionalSettlement(ctx, res, maker)
	if err != nil {
		return makerLeg{}, err
	}
	return makerLeg{order: maker, res: res, ps: ps}, nil
}

func (p *Processor) discard(ps *settlement.ProvisionalSettlement) {
	if err := p.settlement.Discard(ps.SettlementID); err != nil {
		p.log.Warnw("settlement_discard_failed", "settlement_id", ps.SettlementID, "err", err)
	}
}

// evictMaker cancels a resting order the book dropped because it could not pay.
func (p *Processor) evictMaker(orderID string) {
	o, err := p.orders.Get(orderID)
	if err != nil || o.Status.Terminal() {
		return
	}
	metrics.Settlements.WithLabelValues("rejected").Inc()
	out := p.cancel(o, ReasonMakerUnfunded)
	p.log.Warnw("maker_evicted", "order_id", orderID, "pair", o.Pair, "status", out.Order.Status)
}

// settleMaker applies a book fill to the resting order and finalizes its
// reserved settlement.
func (p *Processor) settleMaker(ctx context.Context, tradeID string, leg makerLeg) {
	maker, err := p.orders.Update(leg.order.ID, func(cur *order.Order) error {
		return cur.ApplyFill(leg.res.FilledAmount, p.clock.Now())
	})
	if err != nil {
		p.recon.Record(Debt{
			TradeID: tradeID, OrderID: leg.order.ID, UserEmail: leg.order.UserEmail, Pair: leg.order.Pair,
			Side: leg.order.Side, TokenAmount: leg.res.FilledAmount, BaseAmount: leg.res.Settlement.BaseAmount(),
			Stage: "maker_order", Error: err.Error(),
		})
		maker = leg.order
	} else if maker.Status == order.Filled {
		p.emitOrder(events.OrderFilled, maker, map[string]any{"tradeId": tradeID})
	} else {
		p.emitOrder(events.OrderPartial, maker, map[string]any{"tradeId": tradeID, "remaining": maker.Remaining()})
	}

	if _, err := p.settlement.FinalizeSettlement(ctx, leg.ps.SettlementID); err != nil {
		p.settlementFailed(maker, leg.res, leg.ps, "maker_finalize", err)
		return
	}
	metrics.Settlements.WithLabelValues("finalized").Inc()
}

func (p *Processor) settlementFailed(o *order.Order, res *match.Result, ps *settlement.ProvisionalSettlement, stage string, err error) {
	var sid string
	if ps != nil {
		sid = ps.SettlementID
	}
	d := p.recon.Record(Debt{
		TradeID:      res.TradeID,
		OrderID:      o.ID,
		SettlementID: sid,
		UserEmail:    o.UserEmail,
		Pair:         o.Pair,
		Side:         o.Side,
		TokenAmount:  res.Settlement.TokenAmount(),
		BaseAmount:   res.Settlement.BaseAmount(),
		Stage:        stage,
		Error:        err.Error(),
	})
	metrics.Settlements.WithLabelValues("failed").Inc()
	p.events.Publish(events.Event{
		Type: events.SettlementFailed, OrderID: o.ID, TradeID: res.TradeID, Pair: o.Pair,
		Price: res.ExecutionPrice, Amount: res.FilledAmount,
		Data: map[string]any{"settlementId": sid, "stage": stage, "error": err.Error(), "debtId": d.ID},
	})
}

// CancelOrder cancels a PENDING or PARTIAL order and removes any resting remainder.
func (p *Processor) CancelOrder(orderID string) (*order.Order, error) {
	return p.cancelWithReason(orderID, ReasonUserCancel)
}

func (p *Processor) cancelWithReason(orderID, reason string) (*order.Order, error) {
	o, err := p.orders.Get(orderID)
	if err != nil {
		return nil, err
	}
	if o.Status.Terminal() {
		return o, fmt.Errorf("%w: order %s is %s", order.ErrInvalidTransition, o.ID, o.Status)
	}
	if o.MatchingModel == order.ModelOrderBook {
		if _, ok := p.book.Cancel(o.Pair, o.ID); ok {
			p.log.Debugw("book_entry_removed", "order_id", o.ID, "pair", o.Pair)
		}
	}
	out := p.cancel(o, reason)
	if out.Order.Status != order.Cancelled {
		return out.Order, fmt.Errorf("%w: order %s is %s", order.ErrInvalidTransition, o.ID, out.Order.Status)
	}
	p.log.Infow("order_cancelled", "order_id", o.ID, "pair", o.Pair, "reason", reason, "filled", out.Order.FilledAmount)
	return out.Order, nil
}

// ExpireOrders cancels LIMIT orders whose 24h lifetime has passed. Returns the expired ids.
func (p *Processor) ExpireOrders(now time.Time) []string {
	var expired []string
	for _, id := range p.orders.ExpiredOpen(now) {
		if _, err := p.cancelWithReason(id, ReasonExpired); err != nil {
			p.log.Debugw("order_expire_skipped", "order_id", id, "err", err)
			continue
		}
		expired = append(expired, id)
	}
	if len(expired) > 0 {
		p.log.Infow("orders_expired", "count", len(expired))
	}
	return expired
}

// Order returns a copy of a stored order.
func (p *Processor) Order(id string) (*order.Order, error) {
	return p.orders.Get(id)
}

// OrdersByUser returns a user's orders, newest first.
func (p *Processor) OrdersByUser(email string) []*order.Order {
	return p.orders.ByUser(email)
}

func (p *Processor) emitOrder(typ events.Type, o *order.Order, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = o.Status
	data["side"] = o.Side
	data["filledAmount"] = o.FilledAmount
	data["model"] = o.MatchingModel
	p.events.Publish(events.Event{
		Type:    typ,
		OrderID: o.ID,
		Pair:    o.Pair,
		Price:   o.Price,
		Amount:  o.Amount,
		Data:    data,
	})
}

// OrderCount returns the number of orders held, terminal ones included.
func (p *Processor) OrderCount() int {
	return p.orders.Count()
}

// Restore reloads open orders after a restart. Orders that were resting go
// back into their books in creation order; orders that never reached a
// matching engine are returned for reprocessing.
func (p *Processor) Restore(open []*order.Order) (requeue []*order.Order) {
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })

	rested := 0
	for _, o := range open {
		if o.Status.Terminal() {
			continue
		}
		if o.Metadata == nil {
			o.Metadata = make(map[string]string)
		}
		if err := p.orders.Add(o); err != nil {
			p.log.Warnw("order_restore_failed", "order_id", o.ID, "err", err)
			continue
		}
		switch {
		case o.Metadata[MetaRested] != "":
			if p.book.Restore(o) {
				rested++
			}
		case o.Status == order.Pending:
			requeue = append(requeue, o)
		}
	}
	p.log.Infow("orders_restored", "open", len(open), "rested", rested, "requeued", len(requeue))
	return requeue
}
