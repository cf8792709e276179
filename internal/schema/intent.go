// Package schema defines the canonical domain types flowing through the engine.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veloxtrade/riskcore/errs"
)

// TradeSide identifies the direction of a trade.
type TradeSide string

const (
	// SideBuy marks a buy (long-opening) trade.
	SideBuy TradeSide = "BUY"
	// SideSell marks a sell (long-closing or short-opening) trade.
	SideSell TradeSide = "SELL"
)

// Validate reports whether the side is a known value.
func (s TradeSide) Validate() error {
	switch s {
	case SideBuy, SideSell:
		return nil
	default:
		return errs.New("schema", errs.CodeValidation,
			errs.WithMessage("unknown trade side"), errs.WithField("side", string(s)))
	}
}

// Sign returns +1 for buys and -1 for sells.
func (s TradeSide) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Opposite returns the opposing trade side.
func (s TradeSide) Opposite() TradeSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// TradeIntent is a candidate trade proposed by a strategy collaborator.
// Intents are immutable once created; the ID doubles as the idempotency key.
type TradeIntent struct {
	ID         string          `json:"id"`
	StrategyID string          `json:"strategy_id"`
	Symbol     string          `json:"symbol"`
	Side       TradeSide       `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Venue      string          `json:"venue"`
	SpreadBps  decimal.Decimal `json:"spread_bps"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Validate enforces the structural invariants of a trade intent.
func (t TradeIntent) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errs.New("schema", errs.CodeValidation, errs.WithMessage("intent id required"))
	}
	if strings.TrimSpace(t.StrategyID) == "" {
		return errs.New("schema", errs.CodeValidation, errs.WithMessage("strategy id required"))
	}
	if strings.TrimSpace(t.Symbol) == "" {
		return errs.New("schema", errs.CodeValidation, errs.WithMessage("symbol required"))
	}
	if err := t.Side.Validate(); err != nil {
		return err
	}
	if !t.Quantity.IsPositive() {
		return errs.New("schema", errs.CodeValidation,
			errs.WithMessage("quantity must be positive"),
			errs.WithField("quantity", t.Quantity.String()))
	}
	if !t.Price.IsPositive() {
		return errs.New("schema", errs.CodeValidation,
			errs.WithMessage("reference price must be positive"),
			errs.WithField("price", t.Price.String()))
	}
	if strings.TrimSpace(t.Venue) == "" {
		return errs.New("schema", errs.CodeValidation, errs.WithMessage("venue required"))
	}
	if t.Timestamp.IsZero() {
		return errs.New("schema", errs.CodeValidation, errs.WithMessage("timestamp required"))
	}
	return nil
}

// Notional returns quantity times reference price.
func (t TradeIntent) Notional() decimal.Decimal {
	return t.Quantity.Mul(t.Price)
}
