package wallet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Persister saves balances so wallets survive restarts. Holds are not persisted.
type Persister interface {
	SaveAccount(a *Account) error
	LoadAccount(email string) (*Account, error) // nil, nil when absent
}

type hold struct {
	email  string
	amount decimal.Decimal
}

// Store is an in-process Wallet with decimal balances.
// Accounts are created on first use with the initial balance.
type Store struct {
	mu       sync.Mutex
	accounts map[string]*Account
	holds    map[string]hold // holdID -> hold
	initial  decimal.Decimal
	persist  Persister
	now      func() time.Time
	log      *zap.SugaredLogger
}

var _ Wallet = (*Store)(nil)

// NewStore creates a wallet store. persist may be nil.
func NewStore(initialBalance float64, persist Persister, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{
		accounts: make(map[string]*Account),
		holds:    make(map[string]hold),
		initial:  decimal.NewFromFloat(initialBalance),
		persist:  persist,
		now:      time.Now,
		log:      log,
	}
}

// accountLocked returns the account, loading or creating it (assumes lock is held).
func (s *Store) accountLocked(email string) *Account {
	if acc, ok := s.accounts[email]; ok {
		return acc
	}
	var acc *Account
	if s.persist != nil {
		loaded, err := s.persist.LoadAccount(email)
		if err != nil {
			s.log.Warnw("wallet_load_failed", "email", email, "err", err)
		}
		acc = loaded
	}
	if acc == nil {
		acc = &Account{Email: email, Balance: s.initial, UpdatedAt: s.now()}
	}
	acc.Held = decimal.Zero
	s.accounts[email] = acc
	return acc
}

func (s *Store) save(acc *Account) {
	acc.UpdatedAt = s.now()
	if s.persist == nil {
		return
	}
	if err := s.persist.SaveAccount(acc); err != nil {
		s.log.Warnw("wallet_persist_failed", "email", acc.Email, "err", err)
	}
}

func positive(amount float64) (decimal.Decimal, error) {
	if !(amount > 0) {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	return decimal.NewFromFloat(amount), nil
}

// Balance returns the total balance, holds included.
func (s *Store) Balance(ctx context.Context, email string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountLocked(email).Balance.InexactFloat64(), nil
}

// Available returns the balance not reserved by holds.
func (s *Store) Available(ctx context.Context, email string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountLocked(email).Available().InexactFloat64(), nil
}

func failed(acc *Account, err error) (Receipt, error) {
	return Receipt{Success: false, Balance: acc.Balance.InexactFloat64(), Error: err.Error()}, err
}

// Debit removes amount from the available balance.
func (s *Store) Debit(ctx context.Context, email string, amount float64, refID, reason string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{Error: err.Error()}, err
	}
	amt, err := positive(amount)
	if err != nil {
		return Receipt{Error: err.Error()}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.accountLocked(email)
	if acc.Available().LessThan(amt) {
		return failed(acc, fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, acc.Available(), amt))
	}
	acc.Balance = acc.Balance.Sub(amt)
	s.save(acc)
	s.log.Debugw("wallet_debit", "email", email, "amount", amount, "ref_id", refID, "reason", reason)
	return Receipt{Success: true, Balance: acc.Balance.InexactFloat64()}, nil
}

func (s *Store) Credit(ctx context.Context, email string, amount float64, refID, reason string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{Error: err.Error()}, err
	}
	amt, err := positive(amount)
	if err != nil {
		return Receipt{Error: err.Error()}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.accountLocked(email)
	acc.Balance = acc.Balance.Add(amt)
	s.save(acc)
	s.log.Debugw("wallet_credit", "email", email, "amount", amount, "ref_id", refID, "reason", reason)
	return Receipt{Success: true, Balance: acc.Balance.InexactFloat64()}, nil
}

// Hold reserves amount of email's available balance under holdID.
// The check and the reservation are one atomic step.
func (s *Store) Hold(ctx context.Context, email, holdID string, amount float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	amt, err := positive(amount)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.holds[holdID]; exists {
		return fmt.Errorf("%w: %s", ErrHoldExists, holdID)
	}
	acc := s.accountLocked(email)
	if acc.Available().LessThan(amt) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, acc.Available(), amt)
	}
	acc.Held = acc.Held.Add(amt)
	s.holds[holdID] = hold{email: email, amount: amt}
	return nil
}

// Release returns a hold to the available balance.
func (s *Store) Release(ctx context.Context, holdID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.holds[holdID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrHoldNotFound, holdID)
	}
	acc := s.accountLocked(h.email)
	acc.Held = acc.Held.Sub(h.amount)
	delete(s.holds, holdID)
	return nil
}

// Commit debits the held amount and removes the hold.
func (s *Store) Commit(ctx context.Context, holdID, refID, reason string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{Error: err.Error()}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.holds[holdID]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrHoldNotFound, holdID)
		return Receipt{Error: err.Error()}, err
	}
	acc := s.accountLocked(h.email)
	acc.Held = acc.Held.Sub(h.amount)
	acc.Balance = acc.Balance.Sub(h.amount)
	delete(s.holds, holdID)
	s.save(acc)
	s.log.Debugw("wallet_commit", "email", h.email, "amount", h.amount, "ref_id", refID, "reason", reason)
	return Receipt{Success: true, Balance: acc.Balance.InexactFloat64()}, nil
}

// Deposit funds a wallet outside of trading.
func (s *Store) Deposit(email string, amount float64) (View, error) {
	amt, err := positive(amount)
	if err != nil {
		return View{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.accountLocked(email)
	acc.Balance = acc.Balance.Add(amt)
	s.save(acc)
	return acc.View(), nil
}

// Get returns a snapshot of one wallet, creating it if needed.
func (s *Store) Get(email string) View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountLocked(email).View()
}

// List returns snapshots of all loaded wallets sorted by email.
func (s *Store) List() []View {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]View, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, acc.View())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

// Holds returns the number of outstanding holds.
func (s *Store) Holds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.holds)
}
