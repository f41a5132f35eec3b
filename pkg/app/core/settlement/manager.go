package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/gardendex/pkg/app/core/authority"
	"github.com/uhyunpark/gardendex/pkg/app/core/ledger"
	"github.com/uhyunpark/gardendex/pkg/app/core/match"
	"github.com/uhyunpark/gardendex/pkg/app/core/order"
	"github.com/uhyunpark/gardendex/pkg/app/core/wallet"
	"github.com/uhyunpark/gardendex/pkg/util"
)

// Directory resolves the provider operating a garden.
type Directory interface {
	Resolve(gardenID string) (authority.Provider, error)
}

type Config struct {
	TTL         time.Duration
	RootAccount string // wallet credited with the root authority iTax share
}

type record struct {
	ps    ProvisionalSettlement
	timer util.Timer
}

// Manager owns provisional settlements and drives both phases.
type Manager struct {
	mu      sync.Mutex
	records map[string]*record

	cfg       Config
	wallet    wallet.Wallet
	ledger    ledger.Ledger
	directory Directory
	clock     util.Clock
	log       *zap.SugaredLogger

	onExpire func(ProvisionalSettlement)
}

// NewManager creates a settlement manager. directory may be nil.
func NewManager(cfg Config, w wallet.Wallet, l ledger.Ledger, directory Directory, clock util.Clock, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Manager{
		records:   make(map[string]*record),
		cfg:       cfg,
		wallet:    w,
		ledger:    l,
		directory: directory,
		clock:     clock,
		log:       log,
	}
}

// OnExpire registers a callback run after a provisional settlement expires.
func (m *Manager) OnExpire(fn func(ProvisionalSettlement)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = fn
}

// CreateProvisionalSettlement is phase 1. For a BUY it places a wallet hold of
// base + tradeFee + iGas + iTax; a SELL reserves nothing. The settlement
// expires after the configured TTL. The garden share and the ledger merchant
// follow res.GardenID, the operator that priced the trade.
func (m *Manager) CreateProvisionalSettlement(ctx context.Context, res *match.Result, o *order.Order) (*ProvisionalSettlement, error) {
	if res == nil || !res.Matched {
		return nil, ErrNotMatched
	}

	now := m.clock.Now()
	ps := ProvisionalSettlement{
		SettlementID: uuid.NewString(),
		OrderID:      o.ID,
		TradeID:      res.TradeID,
		UserEmail:    o.UserEmail,
		GardenID:     res.GardenID,
		PoolID:       res.PoolID,
		Pair:         o.Pair,
		TokenSymbol:  o.TokenSymbol,
		BaseToken:    o.BaseToken,
		Side:         o.Side,
		Amount:       res.FilledAmount,
		Price:        res.ExecutionPrice,
		LockedBalances: LockedBalances{
			AssetIn:  res.Settlement.AssetIn,
			AssetOut: res.Settlement.AssetOut,
		},
		Fees:      res.Settlement.Fees,
		Split:     res.Settlement.Split,
		Status:    Provisional,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.TTL),
	}

	if ps.Side == order.Buy {
		ps.HoldAmount = ps.Total()
		if err := m.wallet.Hold(ctx, ps.UserEmail, ps.SettlementID, ps.HoldAmount); err != nil {
			if errors.Is(err, wallet.ErrInsufficientFunds) {
				return nil, fmt.Errorf("%w: %s needs %v: %w", ErrInsufficientBalance, ps.UserEmail, ps.HoldAmount, err)
			}
			return nil, fmt.Errorf("hold funds for %s: %w", ps.UserEmail, err)
		}
	}

	rec := &record{ps: ps}
	m.mu.Lock()
	m.records[ps.SettlementID] = rec
	rec.timer = m.clock.AfterFunc(m.cfg.TTL, func() { m.expire(ps.SettlementID) })
	m.mu.Unlock()

	m.log.Debugw("settlement_provisional",
		"settlement_id", ps.SettlementID, "order_id", ps.OrderID, "trade_id", ps.TradeID,
		"side", ps.Side, "hold", ps.HoldAmount, "expires_at", ps.ExpiresAt)
	out := ps
	return &out, nil
}

func (m *Manager) expire(id string) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok || rec.ps.Status != Provisional {
		m.mu.Unlock()
		return
	}
	delete(m.records, id)
	hook := m.onExpire
	m.mu.Unlock()

	m.release(rec.ps)
	m.log.Infow("settlement_expired", "settlement_id", id, "order_id", rec.ps.OrderID, "trade_id", rec.ps.TradeID)
	if hook != nil {
		hook(rec.ps)
	}
}

func (m *Manager) release(ps ProvisionalSettlement) {
	if ps.HoldAmount <= 0 {
		return
	}
	if err := m.wallet.Release(context.Background(), ps.SettlementID); err != nil && !errors.Is(err, wallet.ErrHoldNotFound) {
		m.log.Warnw("settlement_release_failed", "settlement_id", ps.SettlementID, "err", err)
	}
}

// claim moves a provisional record to FINALIZING so that only one caller finalizes it.
func (m *Manager) claim(id string) (ProvisionalSettlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ProvisionalSettlement{}, fmt.Errorf("%w: %s", ErrSettlementNotFound, id)
	}
	switch rec.ps.Status {
	case Finalized, Finalizing:
		return ProvisionalSettlement{}, fmt.Errorf("%w: %s", ErrSettlementFinalized, id)
	}
	if rec.timer != nil {
		rec.timer.Stop()
	}
	if !m.clock.Now().Before(rec.ps.ExpiresAt) {
		delete(m.records, id)
		return rec.ps, fmt.Errorf("%w: %s at %s", ErrSettlementExpired, id, rec.ps.ExpiresAt.Format(time.RFC3339))
	}
	rec.ps.Status = Finalizing
	return rec.ps, nil
}

// drop forgets a settlement whose finalization failed.
func (m *Manager) drop(id string) {
	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()
}

// FinalizeSettlement is phase 2. It moves balances, pays the iTax shares and
// writes the ledger entry. A settlement is finalized at most once.
func (m *Manager) FinalizeSettlement(ctx context.Context, id string) (*ledger.Entry, error) {
	ps, err := m.claim(id)
	if err != nil {
		if errors.Is(err, ErrSettlementExpired) {
			m.release(ps)
		}
		return nil, err
	}

	total := ps.Total()
	if !(total > 0) {
		m.release(ps)
		m.drop(id)
		return nil, fmt.Errorf("%w: settlement %s total %v", ErrNonPositiveSettlement, id, total)
	}

	reason := "dex " + strings.ToLower(string(ps.Side)) + " " + ps.Pair
	if ps.Side == order.Buy {
		_, err = m.wallet.Commit(ctx, id, ps.TradeID, reason)
	} else {
		_, err = m.wallet.Credit(ctx, ps.UserEmail, total, ps.TradeID, reason)
	}
	if err != nil {
		m.release(ps)
		m.drop(id)
		return nil, fmt.Errorf("settle %s for %s: %w", id, ps.UserEmail, err)
	}

	m.distribute(ctx, ps)

	merchant, providerUUID := m.gardenAccount(ps), ""
	if m.directory != nil && ps.GardenID != "" {
		if p, err := m.directory.Resolve(ps.GardenID); err == nil {
			merchant, providerUUID = p.Name, p.UUID
		}
	}
	details := ledger.BookingDetails{
		TokenSymbol: ps.TokenSymbol,
		BaseToken:   ps.BaseToken,
		Action:      string(ps.Side),
		TokenAmount: ps.TokenAmount(),
		BaseAmount:  ps.BaseAmount(),
		TotalAmount: total,
		TradeFee:    ps.Fees.TradeFee,
		ITax:        ps.Fees.ITax,
		IGas:        ps.Fees.IGas,
		Pair:        ps.Pair,
		TradeID:     ps.TradeID,
		OrderID:     ps.OrderID,
		Settlement:  id,
	}
	snapshot := ledger.Snapshot{
		"orderId":      ps.OrderID,
		"settlementId": id,
		"gardenId":     ps.GardenID,
	}
	if ps.PoolID != "" {
		snapshot["poolId"] = ps.PoolID
	}
	entry, err := m.ledger.AddEntry(ctx, snapshot, ledger.ServiceTypeDEX, ps.Fees.IGas, ps.UserEmail, merchant, providerUUID, details)
	if err != nil {
		m.drop(id)
		return nil, fmt.Errorf("ledger entry for settlement %s: %w", id, err)
	}

	m.mu.Lock()
	if rec, ok := m.records[id]; ok {
		rec.ps.Status = Finalized
		rec.ps.FinalizedAt = m.clock.Now()
		rec.timer = m.clock.AfterFunc(m.cfg.TTL, func() { m.forget(id) })
	}
	m.mu.Unlock()

	m.log.Infow("settlement_finalized",
		"settlement_id", id, "trade_id", ps.TradeID, "entry_id", entry.EntryID,
		"side", ps.Side, "total", total)
	return entry, nil
}

// forget removes a finalized record once its retention window has passed.
func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok && rec.ps.Status == Finalized {
		delete(m.records, id)
	}
}

// distribute pays the iTax split. Balances have already moved, so failures here
// are logged rather than aborting the settlement.
func (m *Manager) distribute(ctx context.Context, ps ProvisionalSettlement) {
	payouts := []struct {
		account string
		amount  float64
		reason  string
	}{
		{ps.UserEmail, ps.Split.TraderRebate, "itax trader rebate"},
		{m.cfg.RootAccount, ps.Split.RootCA, "itax root authority"},
		{m.gardenAccount(ps), ps.Split.Garden, "itax garden"},
	}
	for _, p := range payouts {
		if p.account == "" || !(p.amount > 0) {
			continue
		}
		if _, err := m.wallet.Credit(ctx, p.account, p.amount, ps.TradeID, p.reason); err != nil {
			m.log.Warnw("settlement_payout_failed", "settlement_id", ps.SettlementID, "account", p.account, "amount", p.amount, "err", err)
		}
	}
}

// gardenAccount is the operator credited with the garden share. A trade with
// no operator pays it to the root authority.
func (m *Manager) gardenAccount(ps ProvisionalSettlement) string {
	if ps.GardenID == "" {
		return m.cfg.RootAccount
	}
	return ps.GardenID
}

// Discard drops a provisional settlement and releases its hold.
func (m *Manager) Discard(id string) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSettlementNotFound, id)
	}
	if rec.ps.Status != Provisional {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSettlementFinalized, id)
	}
	if rec.timer != nil {
		rec.timer.Stop()
	}
	delete(m.records, id)
	m.mu.Unlock()

	m.release(rec.ps)
	return nil
}

// Get returns a settlement in any retained state. Finalized settlements are
// retained for one TTL after finalization.
func (m *Manager) Get(id string) (ProvisionalSettlement, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ProvisionalSettlement{}, false
	}
	return rec.ps, true
}

// Pending returns provisional settlements, oldest first.
func (m *Manager) Pending() []ProvisionalSettlement {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ProvisionalSettlement
	for _, rec := range m.records {
		if rec.ps.Status == Provisional {
			out = append(out, rec.ps)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
