// Package ledger records completed financial events.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const ServiceTypeDEX = "dex"

var (
	ErrNonPositiveAmount = errors.New("ledger entry amount must be positive")
	ErrMissingPayer      = errors.New("ledger entry needs a payer")
)

// BookingDetails describes the trade behind a DEX ledger entry.
type BookingDetails struct {
	TokenSymbol string  `json:"tokenSymbol"`
	BaseToken   string  `json:"baseToken"`
	Action      string  `json:"action"` // BUY or SELL
	TokenAmount float64 `json:"tokenAmount"`
	BaseAmount  float64 `json:"baseAmount"`
	TotalAmount float64 `json:"totalAmount"`
	TradeFee    float64 `json:"tradeFee"`
	ITax        float64 `json:"iTax"`
	IGas        float64 `json:"iGas"`
	Pair        string  `json:"pair"`
	TradeID     string  `json:"tradeId"`
	OrderID     string  `json:"orderId,omitempty"`
	Settlement  string  `json:"settlementId,omitempty"`
}

// Snapshot is caller context captured at the time of the entry.
type Snapshot map[string]string

type Entry struct {
	EntryID        string         `json:"entryId"`
	ServiceType    string         `json:"serviceType"`
	IGas           float64        `json:"iGas"`
	PayerEmail     string         `json:"payerEmail"`
	MerchantName   string         `json:"merchantName"`
	ProviderUUID   string         `json:"providerUuid"`
	BookingDetails BookingDetails `json:"bookingDetails"`
	Snapshot       Snapshot       `json:"snapshot,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Ledger persists entries. Entries are immutable once added.
type Ledger interface {
	AddEntry(ctx context.Context, snapshot Snapshot, serviceType string, iGas float64,
		payerEmail, merchantName, providerUUID string, details BookingDetails) (*Entry, error)
	Entries(ctx context.Context, payerEmail string) ([]*Entry, error)
}

// NewEntry validates and stamps an entry.
func NewEntry(snapshot Snapshot, serviceType string, iGas float64, payerEmail, merchantName, providerUUID string,
	details BookingDetails, now time.Time) (*Entry, error) {
	if payerEmail == "" {
		return nil, ErrMissingPayer
	}
	if !(details.TotalAmount > 0) {
		return nil, fmt.Errorf("%w: trade %s total %v", ErrNonPositiveAmount, details.TradeID, details.TotalAmount)
	}
	return &Entry{
		EntryID:        uuid.NewString(),
		ServiceType:    serviceType,
		IGas:           iGas,
		PayerEmail:     payerEmail,
		MerchantName:   merchantName,
		ProviderUUID:   providerUUID,
		BookingDetails: details,
		Snapshot:       snapshot,
		CreatedAt:      now,
	}, nil
}

// Memory is an in-process Ledger.
type Memory struct {
	mu      sync.RWMutex
	entries []*Entry
	now     func() time.Time
}

var _ Ledger = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

func (m *Memory) AddEntry(ctx context.Context, snapshot Snapshot, serviceType string, iGas float64,
	payerEmail, merchantName, providerUUID string, details BookingDetails) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := NewEntry(snapshot, serviceType, iGas, payerEmail, merchantName, providerUUID, details, m.now())
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()

	cp := *e
	return &cp, nil
}

// Entries returns entries for payerEmail, oldest first. An empty payer returns all entries.
func (m *Memory) Entries(ctx context.Context, payerEmail string) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for _, e := range m.entries {
		if payerEmail == "" || e.PayerEmail == payerEmail {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
