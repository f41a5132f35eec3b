package wallet

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memPersister struct {
	mu    sync.Mutex
	saved map[string]Account
}

func (m *memPersister) SaveAccount(a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string]Account)
	}
	m.saved[a.Email] = *a
	return nil
}

func (m *memPersister) LoadAccount(email string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.saved[email]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func TestDebitCredit(t *testing.T) {
	ctx := context.Background()
	s := NewStore(10, nil, zaptest.NewLogger(t).Sugar())

	r, err := s.Debit(ctx, "a@x", 4, "ref", "test")
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, 6.0, r.Balance)

	r, err = s.Debit(ctx, "a@x", 7, "ref", "test")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.False(t, r.Success)
	assert.Equal(t, 6.0, r.Balance)
	assert.NotEmpty(t, r.Error)

	r, err = s.Credit(ctx, "a@x", 0.5, "ref", "rebate")
	require.NoError(t, err)
	assert.Equal(t, 6.5, r.Balance)

	_, err = s.Credit(ctx, "a@x", 0, "ref", "zero")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestHoldReleaseCommit(t *testing.T) {
	ctx := context.Background()
	s := NewStore(10, nil, nil)

	require.NoError(t, s.Hold(ctx, "a@x", "h1", 6))
	assert.ErrorIs(t, s.Hold(ctx, "a@x", "h1", 1), ErrHoldExists)
	assert.ErrorIs(t, s.Hold(ctx, "a@x", "h2", 5), ErrInsufficientFunds)

	// A hold does not move the total balance.
	bal, _ := s.Balance(ctx, "a@x")
	assert.Equal(t, 10.0, bal)
	avail, _ := s.Available(ctx, "a@x")
	assert.Equal(t, 4.0, avail)

	_, err := s.Debit(ctx, "a@x", 5, "ref", "spend")
	assert.ErrorIs(t, err, ErrInsufficientFunds, "held funds cannot be spent twice")

	require.NoError(t, s.Release(ctx, "h1"))
	avail, _ = s.Available(ctx, "a@x")
	assert.Equal(t, 10.0, avail)
	assert.ErrorIs(t, s.Release(ctx, "h1"), ErrHoldNotFound)

	require.NoError(t, s.Hold(ctx, "a@x", "h3", 2.5))
	r, err := s.Commit(ctx, "h3", "trade-1", "dex buy")
	require.NoError(t, err)
	assert.Equal(t, 7.5, r.Balance)
	assert.Zero(t, s.Holds())
	_, err = s.Commit(ctx, "h3", "trade-1", "dex buy")
	assert.ErrorIs(t, err, ErrHoldNotFound)
}

func TestConcurrentHoldsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	s := NewStore(10, nil, nil)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if s.Hold(ctx, "a@x", string(rune('a'+i)), 3) == nil {
				ok.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(3), ok.Load())
	avail, _ := s.Available(ctx, "a@x")
	assert.Equal(t, 1.0, avail)
}

func TestCancelledContextFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewStore(10, nil, nil)

	_, err := s.Debit(ctx, "a@x", 1, "ref", "x")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, s.Hold(ctx, "a@x", "h", 1), context.Canceled)
}

func TestPersistedBalancesReload(t *testing.T) {
	p := &memPersister{}
	s := NewStore(10, p, nil)
	_, err := s.Deposit("a@x", 5)
	require.NoError(t, err)
	require.NoError(t, s.Hold(context.Background(), "a@x", "h", 3))

	again := NewStore(10, p, nil)
	v := again.Get("a@x")
	assert.Equal(t, 15.0, v.Balance)
	assert.Zero(t, v.Held, "holds are not restored")
	assert.True(t, p.saved["a@x"].Balance.Equal(decimal.NewFromInt(15)))
}
