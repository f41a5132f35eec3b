// Package order defines trade intents, orders and the order lifecycle.
package order

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Epsilon absorbs float rounding when comparing filled and requested amounts.
const Epsilon = 1e-9

var (
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInvalidPrice      = errors.New("limit price must be positive")
	ErrUnknownPair       = errors.New("unknown pair")
	ErrInvalidSide       = errors.New("invalid side")
	ErrInvalidType       = errors.New("invalid order type")
	ErrInvalidModel      = errors.New("invalid matching model")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrOverfill          = errors.New("fill exceeds remaining amount")
	ErrOrderNotFound     = errors.New("order not found")
	ErrDuplicateOrder    = errors.New("order already exists")
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the contra side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type Type string

const (
	Market Type = "MARKET"
	Limit  Type = "LIMIT"
)

type Status string

const (
	Pending   Status = "PENDING"
	Partial   Status = "PARTIAL"
	Filled    Status = "FILLED"
	Cancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == Filled || s == Cancelled
}

// MatchingModel selects the matching engine for an order.
type MatchingModel string

const (
	ModelAMM       MatchingModel = "AMM"
	ModelOrderBook MatchingModel = "ORDER_BOOK"
)

// Pair is a TOKEN/BASE trading pair.
type Pair struct {
	Token string
	Base  string
}

func (p Pair) String() string { return p.Token + "/" + p.Base }

// ParsePair parses "TOKEN/BASE". Symbols are upper-cased.
func ParsePair(s string) (Pair, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 {
		return Pair{}, fmt.Errorf("%w: %q", ErrUnknownPair, s)
	}
	p := Pair{
		Token: strings.ToUpper(strings.TrimSpace(parts[0])),
		Base:  strings.ToUpper(strings.TrimSpace(parts[1])),
	}
	if p.Token == "" || p.Base == "" || p.Token == p.Base {
		return Pair{}, fmt.Errorf("%w: %q", ErrUnknownPair, s)
	}
	return p, nil
}

// Intent is the already-extracted trade request handed to the processor.
type Intent struct {
	Pair          string        `json:"pair"`
	Side          Side          `json:"side"`
	Type          Type          `json:"type"`
	Amount        float64       `json:"amount"`
	Price         float64       `json:"price,omitempty"`
	MatchingModel MatchingModel `json:"matchingModel"`
	OriginalInput string        `json:"originalInput,omitempty"`
	PoolID        string        `json:"poolId,omitempty"`
}

// Validate performs the checks that must pass before an order exists.
func (in Intent) Validate() error {
	if in.Amount <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, in.Amount)
	}
	if _, err := ParsePair(in.Pair); err != nil {
		return err
	}
	switch in.Side {
	case Buy, Sell:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSide, in.Side)
	}
	switch in.Type {
	case Market:
	case Limit:
		if in.Price <= 0 {
			return fmt.Errorf("%w: %v", ErrInvalidPrice, in.Price)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidType, in.Type)
	}
	switch in.MatchingModel {
	case ModelAMM, ModelOrderBook:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidModel, in.MatchingModel)
	}
	return nil
}

// Metadata keys stamped from the originating intent.
const (
	MetaOriginalInput = "originalInput"
	MetaPoolID        = "poolId"
)

type Order struct {
	ID            string            `json:"orderId"`
	UserID        string            `json:"userId"`
	UserEmail     string            `json:"userEmail"`
	GardenID      string            `json:"gardenId,omitempty"`
	Pair          string            `json:"pair"`
	TokenSymbol   string            `json:"tokenSymbol"`
	BaseToken     string            `json:"baseToken"`
	Side          Side              `json:"side"`
	Type          Type              `json:"type"`
	Price         float64           `json:"price,omitempty"`
	Amount        float64           `json:"amount"`
	FilledAmount  float64           `json:"filledAmount"`
	Status        Status            `json:"status"`
	MatchingModel MatchingModel     `json:"matchingModel"`
	ExpiresAt     time.Time         `json:"expiresAt,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// New validates the intent and builds a PENDING order. LIMIT orders expire after limitTTL.
func New(in Intent, userID, userEmail, gardenID string, now time.Time, limitTTL time.Duration) (*Order, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	pair, _ := ParsePair(in.Pair)

	o := &Order{
		ID:            uuid.NewString(),
		UserID:        userID,
		UserEmail:     userEmail,
		GardenID:      gardenID,
		Pair:          pair.String(),
		TokenSymbol:   pair.Token,
		BaseToken:     pair.Base,
		Side:          in.Side,
		Type:          in.Type,
		Amount:        in.Amount,
		Status:        Pending,
		MatchingModel: in.MatchingModel,
		CreatedAt:     now,
		UpdatedAt:     now,
		Metadata:      make(map[string]string),
	}
	if in.Type == Limit {
		o.Price = in.Price
		o.ExpiresAt = now.Add(limitTTL)
	}
	if in.OriginalInput != "" {
		o.Metadata[MetaOriginalInput] = in.OriginalInput
	}
	if in.PoolID != "" {
		o.Metadata[MetaPoolID] = in.PoolID
	}
	return o, nil
}

func (o *Order) Remaining() float64 {
	r := o.Amount - o.FilledAmount
	if r < Epsilon {
		return 0
	}
	return r
}

// Expired reports whether a LIMIT order has passed its expiry.
func (o *Order) Expired(now time.Time) bool {
	return o.Type == Limit && !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt)
}

// Clone returns a deep copy safe to hand outside the store.
func (o *Order) Clone() *Order {
	cp := *o
	if o.Metadata != nil {
		cp.Metadata = make(map[string]string, len(o.Metadata))
		for k, v := range o.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// CanTransition encodes the lifecycle:
// PENDING -> PARTIAL | FILLED | CANCELLED, PARTIAL -> PARTIAL | FILLED | CANCELLED.
func CanTransition(from, to Status) bool {
	switch from {
	case Pending:
		return to == Partial || to == Filled || to == Cancelled
	case Partial:
		return to == Partial || to == Filled || to == Cancelled
	default:
		return false
	}
}

// ApplyFill records amount as filled and moves the status to PARTIAL or FILLED.
func (o *Order) ApplyFill(amount float64, now time.Time) error {
	if amount <= 0 {
		return fmt.Errorf("%w: fill %v", ErrInvalidAmount, amount)
	}
	if amount > o.Remaining()+Epsilon {
		return fmt.Errorf("%w: order %s fill %v remaining %v", ErrOverfill, o.ID, amount, o.Remaining())
	}
	next := Partial
	filled := o.FilledAmount + amount
	if o.Amount-filled < Epsilon {
		next = Filled
		filled = o.Amount
	}
	if !CanTransition(o.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
	}
	o.FilledAmount = filled
	o.Status = next
	o.UpdatedAt = now
	return nil
}

// Cancel moves a PENDING or PARTIAL order to CANCELLED. Filled quantity is kept.
func (o *Order) Cancel(now time.Time) error {
	if !CanTransition(o.Status, Cancelled) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, Cancelled)
	}
	o.Status = Cancelled
	o.UpdatedAt = now
	return nil
}
