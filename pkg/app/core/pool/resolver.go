package pool

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Policy decides whether a missing pool may be created on demand.
type Policy int

const (
	// Strict fails resolution when no pool serves the pair.
	Strict Policy = iota
	// Lenient creates a minimal pool with the default reserves.
	Lenient
)

func (p Policy) String() string {
	if p == Lenient {
		return "lenient"
	}
	return "strict"
}

// Defaults configures the default pool set and on-demand pools.
type Defaults struct {
	TokenReserve float64
	BaseReserve  float64
	GardenID     string
}

// Resolution describes how a pool was found.
type Resolution string

const (
	ResolvedExact    Resolution = "exact"
	ResolvedHint     Resolution = "hint"
	ResolvedDefaults Resolution = "defaults"
	ResolvedCreated  Resolution = "created"
)

// Resolver finds the pool an AMM order trades against.
type Resolver struct {
	registry *Registry
	policy   Policy
	defaults Defaults
	now      func() time.Time
	log      *zap.SugaredLogger
}

func NewResolver(registry *Registry, policy Policy, defaults Defaults, now func() time.Time, log *zap.SugaredLogger) *Resolver {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if now == nil {
		now = time.Now
	}
	return &Resolver{registry: registry, policy: policy, defaults: defaults, now: now, log: log}
}

func (r *Resolver) Policy() Policy { return r.policy }

// Resolve walks the fallback chain: exact pair, hinted pool id, default set
// (only if the registry is empty), then on-demand creation under the lenient policy.
// A hinted pool is used only if it settles in the same base token.
func (r *Resolver) Resolve(token, base, hintPoolID string) (TokenPool, Resolution, error) {
	if p, ok := r.registry.FindByPair(token, base); ok {
		return p, ResolvedExact, nil
	}

	if hintPoolID != "" {
		p, err := r.registry.Get(hintPoolID)
		switch {
		case err != nil:
			r.log.Debugw("pool_hint_unknown", "pool_id", hintPoolID)
		case p.BaseToken != base:
			r.log.Warnw("pool_hint_base_mismatch", "pool_id", hintPoolID, "pool_base", p.BaseToken, "order_base", base)
		default:
			return p, ResolvedHint, nil
		}
	}

	installed, err := r.registry.RegisterIfEmpty(DefaultSet(r.defaults.TokenReserve, r.defaults.BaseReserve, r.defaults.GardenID, r.now()))
	if err != nil {
		return TokenPool{}, "", fmt.Errorf("install default pools: %w", err)
	}
	if installed {
		r.log.Infow("pool_defaults_installed", "count", r.registry.Count())
		if p, ok := r.registry.FindByPair(token, base); ok {
			return p, ResolvedDefaults, nil
		}
	}

	if r.policy != Lenient {
		return TokenPool{}, "", fmt.Errorf("%w: %s/%s (policy %s)", ErrPoolNotFound, token, base, r.policy)
	}

	p, created, err := r.registry.GetOrCreate(token, base, func() (*TokenPool, error) {
		id := "pool-" + strings.ToLower(base) + "-" + strings.ToLower(token)
		return New(id, token, base, r.defaults.TokenReserve, r.defaults.BaseReserve, r.defaults.GardenID, r.now())
	})
	if err != nil {
		return TokenPool{}, "", fmt.Errorf("create pool %s/%s: %w", token, base, err)
	}
	if created {
		r.log.Warnw("pool_created_on_demand",
			"pool_id", p.PoolID, "pair", p.Pair(),
			"token_reserve", p.TokenReserve, "base_reserve", p.BaseReserve)
		return p, ResolvedCreated, nil
	}
	return p, ResolvedExact, nil
}

// Operator names the garden operating a pair: the owner of its pool when one
// is registered, otherwise the default garden.
func (r *Resolver) Operator(token, base string) string {
	if p, ok := r.registry.FindByPair(token, base); ok {
		return p.GardenID
	}
	return r.defaults.GardenID
}
