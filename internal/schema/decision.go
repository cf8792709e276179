package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// DecisionOutcome tags the result of an EV evaluation.
type DecisionOutcome string

const (
	// OutcomeApproved means the intent cleared the gate at its requested size.
	OutcomeApproved DecisionOutcome = "approved"
	// OutcomeRejected means no size clears the minimum expected value.
	OutcomeRejected DecisionOutcome = "rejected"
	// OutcomeResized means a smaller-than-requested size clears the gate.
	OutcomeResized DecisionOutcome = "resized"
)

// EVDecision records the expected-value evaluation of a single trade intent.
// Exactly one decision exists per intent; it is immutable once created.
type EVDecision struct {
	IntentID        string          `json:"intent_id"`
	Symbol          string          `json:"symbol"`
	Side            TradeSide       `json:"side"`
	SpreadBps       decimal.Decimal `json:"spread_bps"`
	FillProbability float64         `json:"fill_probability"`
	SlippageEst     decimal.Decimal `json:"slippage_est"`
	NetCost         decimal.Decimal `json:"net_cost"`
	ExpectedValue   decimal.Decimal `json:"expected_value"`
	ApprovedSize    decimal.Decimal `json:"approved_size"`
	Outcome         DecisionOutcome `json:"outcome"`
	Reason          string          `json:"reason,omitempty"`
	EvaluatedAt     time.Time       `json:"evaluated_at"`
}

// Approved reports whether any size cleared the gate.
func (d EVDecision) Approved() bool {
	return d.Outcome == OutcomeApproved || d.Outcome == OutcomeResized
}
