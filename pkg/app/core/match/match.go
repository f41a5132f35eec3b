// Package match defines the result contract shared by the AMM and order-book engines.
package match

import (
	"fmt"

	"github.com/uhyunpark/gardendex/pkg/app/core/order"
)

// Role tags a settlement leg as the base (money) side or the token side of a trade.
type Role string

const (
	RoleBase  Role = "base"
	RoleToken Role = "token"
)

// Unmatched reasons.
const (
	ReasonInsufficientLiquidity = "insufficient_liquidity"
	ReasonLimitNotMet           = "limit_price_not_met"
	ReasonEmptyBook             = "no_resting_liquidity"
)

type Leg struct {
	Role   Role    `json:"role"`
	Symbol string  `json:"symbol"`
	Amount float64 `json:"amount"`
}

type Fees struct {
	TradeFee float64 `json:"tradeFee"`
	IGas     float64 `json:"iGas"`
	ITax     float64 `json:"iTax"`
}

func (f Fees) Total() float64 { return f.TradeFee + f.IGas + f.ITax }

// ITaxSplit distributes ITax between the root authority, the garden and the trader.
type ITaxSplit struct {
	RootCA       float64 `json:"rootCA"`
	Garden       float64 `json:"garden"`
	TraderRebate float64 `json:"traderRebate"`
}

func (s ITaxSplit) Sum() float64 { return s.RootCA + s.Garden + s.TraderRebate }

// Settlement is the balance movement a match implies. AssetIn is what the
// taker pays, AssetOut what the taker receives.
type Settlement struct {
	AssetIn     Leg       `json:"assetIn"`
	AssetOut    Leg       `json:"assetOut"`
	Fees        Fees      `json:"fees"`
	Split       ITaxSplit `json:"iTaxSplit"`
	PriceImpact float64   `json:"priceImpact"`
}

// Leg returns the leg with the given role.
func (s Settlement) Leg(r Role) Leg {
	if s.AssetIn.Role == r {
		return s.AssetIn
	}
	return s.AssetOut
}

func (s Settlement) BaseAmount() float64  { return s.Leg(RoleBase).Amount }
func (s Settlement) TokenAmount() float64 { return s.Leg(RoleToken).Amount }

// Legs builds role-tagged legs for a taker on the given side.
func Legs(side order.Side, token, base string, tokenAmount, baseAmount float64) (in, out Leg) {
	tok := Leg{Role: RoleToken, Symbol: token, Amount: tokenAmount}
	b := Leg{Role: RoleBase, Symbol: base, Amount: baseAmount}
	if side == order.Buy {
		return b, tok
	}
	return tok, b
}

// Fill is one execution against a resting maker order.
type Fill struct {
	MakerOrderID string     `json:"makerOrderId"`
	MakerEmail   string     `json:"makerEmail"`
	MakerSide    order.Side `json:"makerSide"`
	Price        float64    `json:"price"`
	Amount       float64    `json:"amount"`
}

// Result is produced and consumed within one order-processing cycle.
type Result struct {
	Matched         bool       `json:"matched"`
	FilledAmount    float64    `json:"filledAmount"`
	RemainingAmount float64    `json:"remainingAmount"`
	ExecutionPrice  float64    `json:"executionPrice"` // VWAP across fills
	PostTradePrice  float64    `json:"postTradePrice"`
	TradeID         string     `json:"tradeId,omitempty"`
	PoolID          string     `json:"poolId,omitempty"`
	GardenID        string     `json:"gardenId,omitempty"` // operator paid the garden iTax share
	Fills           []Fill     `json:"fills,omitempty"`
	Settlement      Settlement `json:"settlementData"`
	Rested          bool       `json:"rested"`
	Reason          string     `json:"reason,omitempty"`
}

// Unmatched builds a result for an order that did not trade.
func Unmatched(o *order.Order, reason string) *Result {
	return &Result{
		Matched:         false,
		RemainingAmount: o.Remaining(),
		Reason:          reason,
	}
}

// Guard runs after a match is computed and before it is committed.
// A guard error aborts the match with no pool or book mutation.
type Guard func(r *Result) error

// MakerRejectedError is returned by a guard that refuses one resting maker of
// a book match. The engine evicts that maker and plans the match again.
type MakerRejectedError struct {
	MakerOrderID string
	Err          error
}

func (e *MakerRejectedError) Error() string {
	return fmt.Sprintf("maker %s rejected: %v", e.MakerOrderID, e.Err)
}

func (e *MakerRejectedError) Unwrap() error { return e.Err }

// Engine is implemented by exactly two strategies: amm.Engine and orderbook.Engine.
// poolID is ignored by the order-book engine.
type Engine interface {
	Model() order.MatchingModel
	MatchOrder(o *order.Order, poolID string, guard Guard) (*Result, error)
}
