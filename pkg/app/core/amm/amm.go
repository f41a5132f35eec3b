// Package amm implements constant-product swaps against registry pools.
package amm

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/gardendex/pkg/app/core/match"
	"github.com/uhyunpark/gardendex/pkg/app/core/order"
	"github.com/uhyunpark/gardendex/pkg/app/core/pool"
)

var ErrInsufficientLiquidity = errors.New("insufficient pool liquidity")

// Quote is the outcome of a swap before it is applied to a pool.
type Quote struct {
	TokenAmount     float64
	BaseAmount      float64
	EffectivePrice  float64 // BaseAmount / TokenAmount
	NewTokenReserve float64
	NewBaseReserve  float64
}

// QuoteSwap prices a swap of tokenAmount against the reserves.
// BUY: b = Rb*t/(Rt-t)*(1+impact). SELL: b = Rb*t/(Rt+t)*(1-impact).
func QuoteSwap(tokenReserve, baseReserve float64, side order.Side, tokenAmount, impact float64) (Quote, error) {
	if tokenAmount <= 0 {
		return Quote{}, order.ErrInvalidAmount
	}
	q := Quote{TokenAmount: tokenAmount}
	switch side {
	case order.Buy:
		if tokenAmount >= tokenReserve {
			return Quote{}, fmt.Errorf("%w: buy %v with token reserve %v", ErrInsufficientLiquidity, tokenAmount, tokenReserve)
		}
		q.BaseAmount = baseReserve * tokenAmount / (tokenReserve - tokenAmount) * (1 + impact)
		q.NewTokenReserve = tokenReserve - tokenAmount
		q.NewBaseReserve = baseReserve + q.BaseAmount
	case order.Sell:
		q.BaseAmount = baseReserve * tokenAmount / (tokenReserve + tokenAmount) * (1 - impact)
		q.NewTokenReserve = tokenReserve + tokenAmount
		q.NewBaseReserve = baseReserve - q.BaseAmount
		if q.NewBaseReserve <= 0 {
			return Quote{}, fmt.Errorf("%w: sell %v would drain base reserve %v", ErrInsufficientLiquidity, tokenAmount, baseReserve)
		}
	default:
		return Quote{}, order.ErrInvalidSide
	}
	q.EffectivePrice = q.BaseAmount / tokenAmount
	return q, nil
}

// Engine matches orders against the pool registry.
type Engine struct {
	registry   *pool.Registry
	fees       match.FeeSchedule
	impact     float64
	multiplier match.Multiplier
	log        *zap.SugaredLogger
}

// NewEngine creates an AMM engine. multiplier may be nil.
func NewEngine(registry *pool.Registry, fees match.FeeSchedule, impact float64, multiplier match.Multiplier, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		registry:   registry,
		fees:       fees,
		impact:     impact,
		multiplier: multiplier,
		log:        log,
	}
}

func (e *Engine) Model() order.MatchingModel { return order.ModelAMM }

// MatchOrder swaps the order's remaining amount against poolID.
// The pool lock is held from quote through guard to commit.
// Liquidity and limit-price rejections return an unmatched result, not an error.
func (e *Engine) MatchOrder(o *order.Order, poolID string, guard match.Guard) (*match.Result, error) {
	var res *match.Result
	err := e.registry.WithPool(poolID, func(p *pool.TokenPool) error {
		amount := o.Remaining()
		q, err := QuoteSwap(p.TokenReserve, p.BaseReserve, o.Side, amount, e.impact)
		if errors.Is(err, ErrInsufficientLiquidity) {
			e.log.Debugw("amm_rejected", "order_id", o.ID, "pool_id", p.PoolID, "err", err)
			res = match.Unmatched(o, match.ReasonInsufficientLiquidity)
			res.PoolID, res.GardenID = p.PoolID, p.GardenID
			return nil
		}
		if err != nil {
			return err
		}

		if o.Type == order.Limit && !limitSatisfied(o.Side, q.EffectivePrice, o.Price) {
			res = match.Unmatched(o, match.ReasonLimitNotMet)
			res.PoolID, res.GardenID = p.PoolID, p.GardenID
			return nil
		}

		mult := 1.0
		if e.multiplier != nil {
			mult = e.multiplier.Multiplier(p.GardenID)
		}
		fees, split := e.fees.Compute(q.BaseAmount, mult)
		in, out := match.Legs(o.Side, o.TokenSymbol, o.BaseToken, q.TokenAmount, q.BaseAmount)

		res = &match.Result{
			Matched:         true,
			FilledAmount:    amount,
			RemainingAmount: 0,
			ExecutionPrice:  q.EffectivePrice,
			PostTradePrice:  q.NewBaseReserve / q.NewTokenReserve,
			TradeID:         uuid.NewString(),
			PoolID:          p.PoolID,
			GardenID:        p.GardenID,
			Settlement: match.Settlement{
				AssetIn:     in,
				AssetOut:    out,
				Fees:        fees,
				Split:       split,
				PriceImpact: e.impact,
			},
		}

		if guard != nil {
			if err := guard(res); err != nil {
				res = nil
				return err
			}
		}

		p.TokenReserve = q.NewTokenReserve
		p.BaseReserve = q.NewBaseReserve
		p.PoolLiquidity *= 1 + e.impact
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("amm match order %s on pool %s: %w", o.ID, poolID, err)
	}
	return res, nil
}

func limitSatisfied(side order.Side, effective, limit float64) bool {
	if side == order.Buy {
		return effective <= limit+order.Epsilon
	}
	return effective >= limit-order.Epsilon
}
