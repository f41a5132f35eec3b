package order

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Journal persists every revision of an order. Orders are never deleted.
type Journal interface {
	SaveOrder(o *Order) error
}

// Store owns all orders in a thread-safe manner.
// Callers only ever receive copies; mutation goes through Update.
type Store struct {
	mu      sync.RWMutex
	orders  map[string]*Order
	journal Journal
	log     *zap.SugaredLogger
}

// NewStore creates an empty store. journal may be nil.
func NewStore(journal Journal, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{
		orders:  make(map[string]*Order),
		journal: journal,
		log:     log,
	}
}

func (s *Store) Add(o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}
	s.orders[o.ID] = o.Clone()
	s.persist(o)
	return nil
}

func (s *Store) Get(id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return o.Clone(), nil
}

// Update applies fn to the stored order atomically. If fn fails the order is unchanged.
func (s *Store) Update(id string, fn func(o *Order) error) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	work := o.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	s.orders[id] = work
	s.persist(work)
	return work.Clone(), nil
}

// persist journals o; journal failures are logged and never fail the in-memory update.
func (s *Store) persist(o *Order) {
	if s.journal == nil {
		return
	}
	if err := s.journal.SaveOrder(o); err != nil {
		s.log.Warnw("order_journal_failed", "order_id", o.ID, "err", err)
	}
}

// ByUser returns a user's orders, newest first.
func (s *Store) ByUser(email string) []*Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Order
	for _, o := range s.orders {
		if o.UserEmail == email {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ExpiredOpen returns ids of non-terminal LIMIT orders whose expiry has passed.
func (s *Store) ExpiredOpen(now time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, o := range s.orders {
		if !o.Status.Terminal() && o.Expired(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}
