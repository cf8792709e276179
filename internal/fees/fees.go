// Package fees models venue fee schedules and jurisdictional tax rules.
package fees

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/veloxtrade/riskcore/errs"
	"github.com/veloxtrade/riskcore/internal/schema"
)

// Liquidity tags whether an execution added or removed book liquidity.
type Liquidity string

const (
	// LiquidityMaker marks executions that rested on the book.
	LiquidityMaker Liquidity = "maker"
	// LiquidityTaker marks executions that crossed the spread.
	LiquidityTaker Liquidity = "taker"
)

var bpsDivisor = decimal.NewFromInt(10000)

// Schedule holds the maker/taker fee rates of a single venue in basis points.
type Schedule struct {
	Venue    string          `yaml:"venue"`
	MakerBps decimal.Decimal `yaml:"makerBps"`
	TakerBps decimal.Decimal `yaml:"takerBps"`
}

// TaxRule applies a jurisdictional tax, in basis points, to sell proceeds.
type TaxRule struct {
	Jurisdiction string          `yaml:"jurisdiction"`
	RateBps      decimal.Decimal `yaml:"rateBps"`
}

// Cost is the estimated all-in cost of executing a prospective trade.
type Cost struct {
	Fee decimal.Decimal
	Tax decimal.Decimal
}

// Total returns fee plus tax.
func (c Cost) Total() decimal.Decimal {
	return c.Fee.Add(c.Tax)
}

// Model converts fee schedules and tax rules into net-cost estimates.
// A Model is immutable after construction and safe for concurrent use.
type Model struct {
	schedules map[string]Schedule
	tax       TaxRule
}

// NewModel builds a fee model from per-venue schedules and one tax rule.
func NewModel(schedules []Schedule, tax TaxRule) (*Model, error) {
	byVenue := make(map[string]Schedule, len(schedules))
	for _, s := range schedules {
		venue := strings.TrimSpace(s.Venue)
		if venue == "" {
			return nil, errs.New("fees", errs.CodeValidation, errs.WithMessage("schedule venue required"))
		}
		if s.MakerBps.IsNegative() || s.TakerBps.IsNegative() {
			return nil, errs.New("fees", errs.CodeValidation,
				errs.WithMessage("fee rates must be non-negative"), errs.WithField("venue", venue))
		}
		byVenue[venue] = s
	}
	if tax.RateBps.IsNegative() {
		return nil, errs.New("fees", errs.CodeValidation, errs.WithMessage("tax rate must be non-negative"))
	}
	return &Model{schedules: byVenue, tax: tax}, nil
}

// Rate returns the applicable fee rate in basis points for the venue and
// liquidity flag. Unknown venues fall back to the taker rate of zero.
func (m *Model) Rate(venue string, liquidity Liquidity) (decimal.Decimal, bool) {
	s, ok := m.schedules[strings.TrimSpace(venue)]
	if !ok {
		return decimal.Zero, false
	}
	if liquidity == LiquidityMaker {
		return s.MakerBps, true
	}
	return s.TakerBps, true
}

// Estimate computes the fee and tax cost of trading the given notional.
// Tax applies only to sell proceeds.
func (m *Model) Estimate(venue string, side schema.TradeSide, liquidity Liquidity, notional decimal.Decimal) Cost {
	if notional.IsNegative() {
		notional = notional.Neg()
	}
	rate, _ := m.Rate(venue, liquidity)
	cost := Cost{
		Fee: notional.Mul(rate).Div(bpsDivisor),
		Tax: decimal.Zero,
	}
	if side == schema.SideSell && m.tax.RateBps.IsPositive() {
		cost.Tax = notional.Mul(m.tax.RateBps).Div(bpsDivisor)
	}
	return cost
}
