package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderState enumerates the order lifecycle states.
type OrderState string

const (
	// OrderNew is the initial state of an accepted order.
	OrderNew OrderState = "NEW"
	// OrderPartiallyFilled marks an order with at least one fill outstanding.
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	// OrderFilled is the terminal fully-executed state.
	OrderFilled OrderState = "FILLED"
	// OrderCanceled is the terminal canceled state.
	OrderCanceled OrderState = "CANCELED"
	// OrderRejected is the terminal rejected state.
	OrderRejected OrderState = "REJECTED"
)

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected:
		return true
	default:
		return false
	}
}

var orderTransitions = map[OrderState][]OrderState{
	OrderNew:             {OrderPartiallyFilled, OrderFilled, OrderCanceled, OrderRejected},
	OrderPartiallyFilled: {OrderPartiallyFilled, OrderFilled, OrderCanceled},
}

// CanTransition reports whether the lifecycle permits moving from one state to
// another. Terminal states never transition.
func CanTransition(from, to OrderState) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is a unit of execution created from an approved EV decision.
type Order struct {
	ID           string          `json:"id"`
	IntentID     string          `json:"intent_id"`
	StrategyID   string          `json:"strategy_id"`
	Symbol       string          `json:"symbol"`
	Side         TradeSide       `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Venue        string          `json:"venue"`
	State        OrderState      `json:"state"`
	RejectReason string          `json:"reject_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Fill records one execution tranche of an order. Fills are append-only.
type Fill struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	Symbol      string          `json:"symbol"`
	Side        TradeSide       `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Fee         decimal.Decimal `json:"fee"`
	Currency    string          `json:"currency"`
	PriceSource string          `json:"price_source"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Notional returns the executed value of the fill.
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Quantity)
}
