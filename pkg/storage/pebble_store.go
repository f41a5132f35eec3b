// Package storage persists wallets, orders, ledger entries and settlement
// debts in Pebble.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/uhyunpark/gardendex/pkg/app/core/ledger"
	"github.com/uhyunpark/gardendex/pkg/app/core/order"
	"github.com/uhyunpark/gardendex/pkg/app/core/wallet"
	"github.com/uhyunpark/gardendex/pkg/app/dex"
	"github.com/uhyunpark/gardendex/pkg/util"
)

type PebbleStore struct {
	db  *pebble.DB
	now func() time.Time
}

var (
	_ wallet.Persister = (*PebbleStore)(nil)
	_ order.Journal    = (*PebbleStore)(nil)
	_ ledger.Ledger    = (*PebbleStore)(nil)
	_ dex.DebtJournal  = (*PebbleStore)(nil)
)

func NewPebbleStore(path string) (*PebbleStore, error) {
	return open(path, &pebble.Options{})
}

// NewMemStore opens a store backed by an in-memory filesystem.
func NewMemStore() (*PebbleStore, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(path string, opts *pebble.Options) (*PebbleStore, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %q: %w", path, err)
	}
	return &PebbleStore{db: db, now: time.Now}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// ============================================================================
// Wallet accounts
// ============================================================================

// SaveAccount persists a wallet account
func (s *PebbleStore) SaveAccount(acc *wallet.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	if err := s.db.Set(accountKey(acc.Email), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// LoadAccount loads a wallet account.
// Returns nil if the account doesn't exist
func (s *PebbleStore) LoadAccount(email string) (*wallet.Account, error) {
	data, closer, err := s.db.Get(accountKey(email))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	defer closer.Close()

	var acc wallet.Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	return &acc, nil
}

// ============================================================================
// Orders
// ============================================================================

// SaveOrder overwrites the stored revision of an order
func (s *PebbleStore) SaveOrder(o *order.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	if err := s.db.Set(orderKey(o.ID), data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (s *PebbleStore) LoadOrder(id string) (*order.Order, error) {
	data, closer, err := s.db.Get(orderKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", order.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	defer closer.Close()

	var o order.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &o, nil
}

// LoadOpenOrders returns every stored order that is not FILLED or CANCELLED
func (s *PebbleStore) LoadOpenOrders() ([]*order.Order, error) {
	prefix := []byte(prefixOrder)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var orders []*order.Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o order.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			continue // Skip invalid entries
		}
		if !o.Status.Terminal() {
			orders = append(orders, &o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	return orders, iter.Error()
}

// ============================================================================
// Ledger
// ============================================================================

func (s *PebbleStore) AddEntry(ctx context.Context, snapshot ledger.Snapshot, serviceType string, iGas float64,
	payerEmail, merchantName, providerUUID string, details ledger.BookingDetails) (*ledger.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := ledger.NewEntry(snapshot, serviceType, iGas, payerEmail, merchantName, providerUUID, details, s.now())
	if err != nil {
		return nil, err
	}
	val, err := util.EncodeGob(e)
	if err != nil {
		return nil, fmt.Errorf("encode ledger entry: %w", err)
	}
	if err := s.db.Set(ledgerKey(e.PayerEmail, e.CreatedAt, e.EntryID), val, pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to save ledger entry: %w", err)
	}
	return e, nil
}

// Entries returns a payer's entries oldest first; an empty payer returns every entry
func (s *PebbleStore) Entries(ctx context.Context, payerEmail string) ([]*ledger.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := ledgerPrefix(payerEmail)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*ledger.Entry
	for iter.First(); iter.Valid(); iter.Next() {
		var e ledger.Entry
		if err := util.DecodeGob(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("decode ledger entry %q: %w", iter.Key(), err)
		}
		out = append(out, &e)
	}
	if payerEmail == "" {
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	}
	return out, iter.Error()
}

// ============================================================================
// Reconciliation debts
// ============================================================================

func (s *PebbleStore) SaveDebt(d dex.Debt) error {
	val, err := util.EncodeGob(d)
	if err != nil {
		return fmt.Errorf("encode debt: %w", err)
	}
	if err := s.db.Set(debtKey(d.CreatedAt, d.ID), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save debt: %w", err)
	}
	return nil
}

// LoadDebts returns all recorded debts, oldest first
func (s *PebbleStore) LoadDebts() ([]dex.Debt, error) {
	prefix := []byte(prefixDebt)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []dex.Debt
	for iter.First(); iter.Valid(); iter.Next() {
		var d dex.Debt
		if err := util.DecodeGob(iter.Value(), &d); err != nil {
			return nil, fmt.Errorf("decode debt %q: %w", iter.Key(), err)
		}
		out = append(out, d)
	}
	return out, iter.Error()
}
