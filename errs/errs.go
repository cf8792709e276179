// Package errs provides structured error types shared across the engine.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an engine error category.
type Code string

const (
	// CodeValidation indicates a malformed trade intent or request; never retried.
	CodeValidation Code = "validation"
	// CodeLimitBreach indicates a denial by the risk engine.
	CodeLimitBreach Code = "limit_breach"
	// CodeVenue indicates a simulated or live venue execution failure.
	CodeVenue Code = "venue"
	// CodeReconciliation indicates a mismatch against external trade records.
	CodeReconciliation Code = "reconciliation"
	// CodeChainIntegrity indicates audit hash-chain corruption; fatal to intake.
	CodeChainIntegrity Code = "chain_integrity"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates a subsystem is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeInternal captures uncategorized engine failures.
	CodeInternal Code = "internal"
)

// Reason narrows a Code to a machine-readable denial or failure cause. Reasons
// travel into audit entries, so values are stable snake_case strings.
type Reason string

const (
	// ReasonKillSwitch marks denials issued while the kill switch is tripped.
	ReasonKillSwitch Reason = "kill_switch_active"
	// ReasonPerTradeNotional marks per-trade notional cap denials.
	ReasonPerTradeNotional Reason = "per_trade_notional"
	// ReasonAggregateNotional marks aggregate exposure cap denials.
	ReasonAggregateNotional Reason = "aggregate_notional"
	// ReasonDailyLoss marks daily loss cap denials.
	ReasonDailyLoss Reason = "daily_loss"
	// ReasonTradingWindow marks denials outside the configured trading hours.
	ReasonTradingWindow Reason = "outside_trading_window"
	// ReasonThrottled marks order-rate throttle denials.
	ReasonThrottled Reason = "throttled"
	// ReasonVenueDown marks rejections caused by an unreachable venue.
	ReasonVenueDown Reason = "venue_down"
	// ReasonVenueTimeout marks rejections caused by a venue call deadline.
	ReasonVenueTimeout Reason = "venue_timeout"
	// ReasonDuplicateIntent marks submissions replaying an already-seen intent id.
	ReasonDuplicateIntent Reason = "duplicate_intent"
	// ReasonNegativeEV marks EV-gate rejections.
	ReasonNegativeEV Reason = "negative_expected_value"
)

// E captures structured error information produced across the engine.
type E struct {
	Component string
	Code      Code
	Reason    Reason
	Message   string
	Fields    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Reason:    "",
		Message:   "",
		Fields:    nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithReason records the machine-readable denial or failure reason.
func WithReason(reason Reason) Option {
	return func(e *E) {
		e.Reason = reason
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Reason != "" {
		parts = append(parts, "reason="+string(e.Reason))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, k+"="+strconv.Quote(e.Fields[k]))
		}
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the engine error code from err, or CodeInternal when err does
// not carry an envelope.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return CodeInternal
}

// ReasonOf extracts the machine-readable reason from err, if any.
func ReasonOf(err error) Reason {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Reason
	}
	return ""
}
