package dex

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/gardendex/pkg/app/core/order"
	"github.com/uhyunpark/gardendex/pkg/metrics"
)

// Debt is an executed trade whose settlement did not complete. The pool or
// book already moved, so the wallet side must be repaired out of band.
type Debt struct {
	ID           string     `json:"debtId"`
	TradeID      string     `json:"tradeId"`
	OrderID      string     `json:"orderId"`
	SettlementID string     `json:"settlementId,omitempty"`
	UserEmail    string     `json:"userEmail"`
	Pair         string     `json:"pair"`
	Side         order.Side `json:"side"`
	TokenAmount  float64    `json:"tokenAmount"`
	BaseAmount   float64    `json:"baseAmount"`
	Stage        string     `json:"stage"`
	Error        string     `json:"error"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// DebtJournal persists debts so they survive a restart.
type DebtJournal interface {
	SaveDebt(d Debt) error
}

type ReconciliationLog struct {
	mu      sync.Mutex
	debts   []Debt
	journal DebtJournal
	now     func() time.Time
	log     *zap.SugaredLogger
}

// NewReconciliationLog creates an empty log. journal may be nil.
func NewReconciliationLog(journal DebtJournal, now func() time.Time, log *zap.SugaredLogger) *ReconciliationLog {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if now == nil {
		now = time.Now
	}
	return &ReconciliationLog{journal: journal, now: now, log: log}
}

// Record stamps and stores d, returning the stored copy.
func (r *ReconciliationLog) Record(d Debt) Debt {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = r.now()
	}

	r.mu.Lock()
	r.debts = append(r.debts, d)
	n := len(r.debts)
	r.mu.Unlock()

	metrics.ReconciliationDebt.Set(float64(n))
	r.log.Errorw("settlement_debt_recorded",
		"debt_id", d.ID, "trade_id", d.TradeID, "order_id", d.OrderID, "user", d.UserEmail,
		"stage", d.Stage, "base_amount", d.BaseAmount, "err", d.Error)

	if r.journal != nil {
		if err := r.journal.SaveDebt(d); err != nil {
			r.log.Warnw("debt_journal_failed", "debt_id", d.ID, "err", err)
		}
	}
	return d
}

// Load installs debts read back from the journal without re-journaling them.
func (r *ReconciliationLog) Load(debts []Debt) {
	r.mu.Lock()
	r.debts = append(r.debts, debts...)
	n := len(r.debts)
	r.mu.Unlock()
	metrics.ReconciliationDebt.Set(float64(n))
}

// List returns all debts, oldest first.
func (r *ReconciliationLog) List() []Debt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Debt(nil), r.debts...)
}

func (r *ReconciliationLog) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.debts)
}
