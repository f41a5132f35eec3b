// Package wallet holds user base-token balances and phase-1 settlement holds.
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient available balance")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrHoldNotFound      = errors.New("hold not found")
	ErrHoldExists        = errors.New("hold already placed")
)

// Receipt reports the outcome of a balance movement.
type Receipt struct {
	Success bool    `json:"success"`
	Balance float64 `json:"balance"`
	Error   string  `json:"error,omitempty"`
}

// Wallet is the balance store consumed by settlement.
// Holds reduce the available balance without moving the total; Commit turns a
// hold into a debit and Release gives it back.
type Wallet interface {
	Balance(ctx context.Context, email string) (float64, error)
	Debit(ctx context.Context, email string, amount float64, refID, reason string) (Receipt, error)
	Credit(ctx context.Context, email string, amount float64, refID, reason string) (Receipt, error)

	Hold(ctx context.Context, email, holdID string, amount float64) error
	Release(ctx context.Context, holdID string) error
	Commit(ctx context.Context, holdID, refID, reason string) (Receipt, error)
}

// Account is one wallet's balance state.
type Account struct {
	Email     string          `json:"email"`
	Balance   decimal.Decimal `json:"balance"`
	Held      decimal.Decimal `json:"held"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Available returns the balance not reserved by holds.
func (a *Account) Available() decimal.Decimal {
	return a.Balance.Sub(a.Held)
}

// View is a float snapshot of an account for API responses.
type View struct {
	Email     string    `json:"email"`
	Balance   float64   `json:"balance"`
	Held      float64   `json:"held"`
	Available float64   `json:"available"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (a *Account) View() View {
	return View{
		Email:     a.Email,
		Balance:   a.Balance.InexactFloat64(),
		Held:      a.Held.InexactFloat64(),
		Available: a.Available().InexactFloat64(),
		UpdatedAt: a.UpdatedAt,
	}
}
