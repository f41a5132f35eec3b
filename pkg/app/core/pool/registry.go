package pool

import (
	"fmt"
	"sort"
	"sync"
)

type entry struct {
	mu   sync.Mutex // serializes reserve read-modify-write for this pool
	pool *TokenPool
}

// Registry manages AMM pools in a thread-safe manner.
// The registry lock guards the maps; each pool carries its own lock so that
// trades on different pools proceed in parallel.
type Registry struct {
	mu     sync.RWMutex
	pools  map[string]*entry // poolID -> entry
	byPair map[string]string // "TOKEN/BASE" -> poolID
}

func NewRegistry() *Registry {
	return &Registry{
		pools:  make(map[string]*entry),
		byPair: make(map[string]string),
	}
}

func pairKey(token, base string) string { return token + "/" + base }

// Register adds a pool. Returns error if the id or pair is already taken.
func (r *Registry) Register(p *TokenPool) error {
	if p == nil {
		return fmt.Errorf("cannot register nil pool")
	}
	if err := p.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(p)
}

func (r *Registry) registerLocked(p *TokenPool) error {
	if _, exists := r.pools[p.PoolID]; exists {
		return fmt.Errorf("%w: %s", ErrPoolExists, p.PoolID)
	}
	key := pairKey(p.TokenSymbol, p.BaseToken)
	if id, exists := r.byPair[key]; exists {
		return fmt.Errorf("%w: pair %s served by %s", ErrPoolExists, key, id)
	}
	cp := *p
	r.pools[p.PoolID] = &entry{pool: &cp}
	r.byPair[key] = p.PoolID
	return nil
}

// RegisterIfEmpty installs pools only when the registry has none. Reports whether it did.
func (r *Registry) RegisterIfEmpty(pools []*TokenPool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pools) > 0 {
		return false, nil
	}
	for _, p := range pools {
		if err := p.Validate(); err != nil {
			return false, err
		}
		if err := r.registerLocked(p); err != nil {
			return false, err
		}
	}
	return true, nil
}

// GetOrCreate returns the pool serving token/base, registering the result of create if none does.
func (r *Registry) GetOrCreate(token, base string, create func() (*TokenPool, error)) (TokenPool, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byPair[pairKey(token, base)]; ok {
		e := r.pools[id]
		e.mu.Lock()
		defer e.mu.Unlock()
		return *e.pool, false, nil
	}
	p, err := create()
	if err != nil {
		return TokenPool{}, false, err
	}
	if err := p.Validate(); err != nil {
		return TokenPool{}, false, err
	}
	if err := r.registerLocked(p); err != nil {
		return TokenPool{}, false, err
	}
	return *p, true, nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, id)
	}
	return e, nil
}

// Get returns a snapshot of a pool.
func (r *Registry) Get(id string) (TokenPool, error) {
	e, err := r.lookup(id)
	if err != nil {
		return TokenPool{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.pool, nil
}

// FindByPair returns a snapshot of the pool serving an exact token/base pair.
func (r *Registry) FindByPair(token, base string) (TokenPool, bool) {
	r.mu.RLock()
	id, ok := r.byPair[pairKey(token, base)]
	r.mu.RUnlock()
	if !ok {
		return TokenPool{}, false
	}
	p, err := r.Get(id)
	if err != nil {
		return TokenPool{}, false
	}
	return p, true
}

// WithPool runs fn with exclusive access to the live pool.
// fn's changes are kept only if fn succeeds and the reserve invariants still hold;
// otherwise the pool is restored and the error returned.
func (r *Registry) WithPool(id string, fn func(p *TokenPool) error) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	backup := *e.pool
	if err := fn(e.pool); err != nil {
		*e.pool = backup
		return err
	}
	if err := e.pool.Validate(); err != nil {
		*e.pool = backup
		return err
	}
	e.pool.Reprice()
	return nil
}

// RecordTrade bumps the volume and trade counters after a settled trade.
func (r *Registry) RecordTrade(id string, baseVolume float64) (TokenPool, error) {
	var snap TokenPool
	err := r.WithPool(id, func(p *TokenPool) error {
		p.TotalTrades++
		p.TotalVolume += baseVolume
		snap = *p
		return nil
	})
	return snap, err
}

// List returns snapshots of all pools sorted by id.
func (r *Registry) List() []TokenPool {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.pools))
	for _, e := range r.pools {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]TokenPool, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, *e.pool)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PoolID < out[j].PoolID })
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pools)
}

func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pools[id]
	return ok
}
