// Package pool holds AMM pool state and the registry that owns it.
package pool

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrPoolNotFound   = errors.New("pool not found")
	ErrPoolExists     = errors.New("pool already registered")
	ErrInvalidReserve = errors.New("pool reserves must stay positive")
)

// TokenPool is a reserve pair backing AMM trades for one token against a base asset.
type TokenPool struct {
	PoolID        string    `json:"poolId"`
	TokenSymbol   string    `json:"tokenSymbol"`
	BaseToken     string    `json:"baseToken"`
	TokenReserve  float64   `json:"tokenReserve"`
	BaseReserve   float64   `json:"baseReserve"`
	Price         float64   `json:"price"` // BaseReserve / TokenReserve
	PoolLiquidity float64   `json:"poolLiquidity"`
	TotalVolume   float64   `json:"totalVolume"` // in base token
	TotalTrades   int64     `json:"totalTrades"`
	GardenID      string    `json:"gardenId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// New builds a pool with a derived price. Liquidity starts at the base side value of both reserves.
func New(id, token, base string, tokenReserve, baseReserve float64, gardenID string, now time.Time) (*TokenPool, error) {
	p := &TokenPool{
		PoolID:       id,
		TokenSymbol:  token,
		BaseToken:    base,
		TokenReserve: tokenReserve,
		BaseReserve:  baseReserve,
		GardenID:     gardenID,
		CreatedAt:    now,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.Reprice()
	p.PoolLiquidity = 2 * baseReserve
	return p, nil
}

func (p *TokenPool) Pair() string { return p.TokenSymbol + "/" + p.BaseToken }

// Reprice re-derives Price from the reserves.
func (p *TokenPool) Reprice() {
	p.Price = p.BaseReserve / p.TokenReserve
}

// Validate checks the identity fields and the positive-reserve invariant.
func (p *TokenPool) Validate() error {
	if p.PoolID == "" {
		return fmt.Errorf("pool id cannot be empty")
	}
	if p.TokenSymbol == "" || p.BaseToken == "" {
		return fmt.Errorf("pool %s: token and base symbols must be specified", p.PoolID)
	}
	if !(p.TokenReserve > 0) || !(p.BaseReserve > 0) ||
		math.IsInf(p.TokenReserve, 0) || math.IsInf(p.BaseReserve, 0) {
		return fmt.Errorf("%w: pool %s token=%v base=%v", ErrInvalidReserve, p.PoolID, p.TokenReserve, p.BaseReserve)
	}
	return nil
}

// ConstantProduct returns tokenReserve*baseReserve.
func (p *TokenPool) ConstantProduct() float64 {
	return p.TokenReserve * p.BaseReserve
}

// DefaultSet is the pool set installed when the registry starts empty.
func DefaultSet(tokenReserve, baseReserve float64, gardenID string, now time.Time) []*TokenPool {
	specs := []struct{ id, token string }{
		{"pool-solana-tokena", "TOKENA"},
		{"pool-solana-tokenb", "TOKENB"},
		{"pool-solana-tokenc", "TOKENC"},
		{"pool-solana-tokend", "TOKEND"},
	}
	pools := make([]*TokenPool, 0, len(specs))
	for _, s := range specs {
		p, err := New(s.id, s.token, "SOL", tokenReserve, baseReserve, gardenID, now)
		if err != nil {
			continue
		}
		pools = append(pools, p)
	}
	return pools
}
