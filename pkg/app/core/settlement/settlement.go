// Package settlement implements the two-phase trade settlement protocol.
//
// Phase 1 (CreateProvisionalSettlement) reserves the taker's funds with a
// wallet hold; the total balance does not move. Phase 2 (FinalizeSettlement)
// commits the hold or credits the seller, distributes the iTax and writes a
// ledger entry. A provisional settlement not finalized within its TTL expires:
// the hold is released and the record discarded.
package settlement

import (
	"errors"
	"time"

	"github.com/uhyunpark/gardendex/pkg/app/core/match"
	"github.com/uhyunpark/gardendex/pkg/app/core/order"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance for settlement")
	ErrSettlementNotFound    = errors.New("settlement not found")
	ErrSettlementExpired     = errors.New("settlement expired")
	ErrSettlementFinalized   = errors.New("settlement already finalized")
	ErrNonPositiveSettlement = errors.New("settlement total must be positive")
	ErrNotMatched            = errors.New("cannot settle an unmatched result")
)

type Status string

const (
	Provisional Status = "PROVISIONAL"
	Finalizing  Status = "FINALIZING"
	Finalized   Status = "FINALIZED"
)

// LockedBalances are the role-tagged legs reserved in phase 1.
type LockedBalances struct {
	AssetIn  match.Leg `json:"assetIn"`
	AssetOut match.Leg `json:"assetOut"`
}

type ProvisionalSettlement struct {
	SettlementID   string          `json:"settlementId"`
	OrderID        string          `json:"orderId"`
	TradeID        string          `json:"tradeId"`
	UserEmail      string          `json:"userEmail"`
	GardenID       string          `json:"gardenId"`
	PoolID         string          `json:"poolId,omitempty"`
	Pair           string          `json:"pair"`
	TokenSymbol    string          `json:"tokenSymbol"`
	BaseToken      string          `json:"baseToken"`
	Side           order.Side      `json:"side"`
	Amount         float64         `json:"amount"`
	Price          float64         `json:"price"`
	LockedBalances LockedBalances  `json:"lockedBalances"`
	Fees           match.Fees      `json:"fees"`
	Split          match.ITaxSplit `json:"iTaxSplit"`
	HoldAmount     float64         `json:"holdAmount"` // zero for SELL
	Status         Status          `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
	ExpiresAt      time.Time       `json:"expiresAt"`
	FinalizedAt    time.Time       `json:"finalizedAt,omitempty"`
}

func (p *ProvisionalSettlement) BaseAmount() float64 {
	if p.LockedBalances.AssetIn.Role == match.RoleBase {
		return p.LockedBalances.AssetIn.Amount
	}
	return p.LockedBalances.AssetOut.Amount
}

func (p *ProvisionalSettlement) TokenAmount() float64 {
	if p.LockedBalances.AssetIn.Role == match.RoleToken {
		return p.LockedBalances.AssetIn.Amount
	}
	return p.LockedBalances.AssetOut.Amount
}

// Total is what the trader pays (BUY) or receives (SELL) in base token.
func (p *ProvisionalSettlement) Total() float64 {
	if p.Side == order.Buy {
		return p.BaseAmount() + p.Fees.Total()
	}
	return p.BaseAmount() - p.Fees.Total()
}
