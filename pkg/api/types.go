package api

import (
	"github.com/uhyunpark/gardendex/pkg/app/core/order"
	"github.com/uhyunpark/gardendex/pkg/app/core/orderbook"
)

// API request and response types for REST endpoints and WebSocket messages

// ==============================
// Requests
// ==============================

// SubmitOrderRequest is an already-extracted trade intent plus the caller's identity.
type SubmitOrderRequest struct {
	UserID        string  `json:"userId"`
	UserEmail     string  `json:"userEmail" validate:"required,email"`
	GardenID      string  `json:"gardenId"`
	Pair          string  `json:"pair" validate:"required"`
	Side          string  `json:"side" validate:"required,oneof=BUY SELL"`
	Type          string  `json:"type" validate:"required,oneof=MARKET LIMIT"`
	Amount        float64 `json:"amount" validate:"gt=0"`
	Price         float64 `json:"price" validate:"gte=0"`
	MatchingModel string  `json:"matchingModel" validate:"omitempty,oneof=AMM ORDER_BOOK"`
	PoolID        string  `json:"poolId"`
	OriginalInput string  `json:"originalInput"`
	Async         bool    `json:"async"` // return once queued instead of waiting for the outcome
}

// Intent converts the request into an order intent. AMM is the default model.
func (r SubmitOrderRequest) Intent() order.Intent {
	model := order.MatchingModel(r.MatchingModel)
	if model == "" {
		model = order.ModelAMM
	}
	return order.Intent{
		Pair:          r.Pair,
		Side:          order.Side(r.Side),
		Type:          order.Type(r.Type),
		Amount:        r.Amount,
		Price:         r.Price,
		MatchingModel: model,
		OriginalInput: r.OriginalInput,
		PoolID:        r.PoolID,
	}
}

type CancelOrderRequest struct {
	OrderID string `json:"orderId" validate:"required"`
}

type DepositRequest struct {
	Amount float64 `json:"amount" validate:"gt=0"`
}

// ==============================
// Responses
// ==============================

// OrderbookSnapshot represents current book state for a pair
type OrderbookSnapshot struct {
	Pair      string                 `json:"pair"`
	Bids      []orderbook.PriceLevel `json:"bids"` // Sorted high to low
	Asks      []orderbook.PriceLevel `json:"asks"` // Sorted low to high
	MidPrice  float64                `json:"midPrice,omitempty"`
	LastPrice float64                `json:"lastPrice,omitempty"`
	Timestamp int64                  `json:"timestamp"` // Unix milliseconds
}

type CancelResponse struct {
	Status  string       `json:"status"`
	OrderID string       `json:"orderId"`
	Order   *order.Order `json:"order,omitempty"`
}

type StatusResponse struct {
	Pools          int     `json:"pools"`
	Orders         int     `json:"orders"`
	QueueDepth     int     `json:"queueDepth"`
	PendingSettles int     `json:"pendingSettlements"`
	Debts          int     `json:"reconciliationDebts"`
	PoolPolicy     string  `json:"poolPolicy"`
	PriceThreshold float64 `json:"priceThreshold"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest represents a WebSocket subscription request
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["trades:TOKENA/SOL", "prices:TOKENA/SOL", "orders"]
}

// WSMessage is a message pushed to a subscribed client
type WSMessage struct {
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}
