// Package risk enforces trading limits and owns the kill-switch state machine.
package risk

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/veloxtrade/riskcore/errs"
	"github.com/veloxtrade/riskcore/internal/observability"
	"github.com/veloxtrade/riskcore/internal/schema"
)

// SwitchState names the kill-switch states.
type SwitchState string

const (
	// SwitchArmed is the normal trading state.
	SwitchArmed SwitchState = "ARMED"
	// SwitchTripped halts all trading until an explicit reset.
	SwitchTripped SwitchState = "TRIPPED"
)

// TripReason names why the kill switch tripped.
type TripReason string

const (
	// TripManual marks an operator-initiated trip.
	TripManual TripReason = "manual"
	// TripDrawdown marks a daily-loss cap breach.
	TripDrawdown TripReason = "drawdown_breach"
	// TripAnomaly marks an anomaly-streak auto-pause.
	TripAnomaly TripReason = "anomaly"
	// TripReconciliation marks a reconciliation failure.
	TripReconciliation TripReason = "reconciliation_failure"
)

// Window is a daily trading window in minutes since UTC midnight. A zero
// window (start == end == 0) permits trading around the clock.
type Window struct {
	StartMinute int `yaml:"startMinute"`
	EndMinute   int `yaml:"endMinute"`
}

const minutesPerDay = 24 * 60

// Validate rejects out-of-range minutes and equal nonzero bounds; only the
// zero window means always open.
func (w Window) Validate() error {
	if w.StartMinute < 0 || w.StartMinute >= minutesPerDay ||
		w.EndMinute < 0 || w.EndMinute >= minutesPerDay {
		return errs.New("risk", errs.CodeValidation, errs.WithMessage("window minutes must be in [0, 1440)"))
	}
	if w.StartMinute == w.EndMinute && w.StartMinute != 0 {
		return errs.New("risk", errs.CodeValidation, errs.WithMessage("window start and end must differ"))
	}
	return nil
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if w.StartMinute == 0 && w.EndMinute == 0 {
		return true
	}
	minute := t.UTC().Hour()*60 + t.UTC().Minute()
	if w.StartMinute <= w.EndMinute {
		return minute >= w.StartMinute && minute < w.EndMinute
	}
	// Overnight window, e.g. 22:00-02:00.
	return minute >= w.StartMinute || minute < w.EndMinute
}

// Limits defines the configured risk parameters.
type Limits struct {
	// MaxTradeNotional caps a single order's notional value.
	MaxTradeNotional decimal.Decimal `yaml:"maxTradeNotional"`

	// MaxAggregateNotional caps total open exposure.
	MaxAggregateNotional decimal.Decimal `yaml:"maxAggregateNotional"`

	// MaxDailyLoss caps realized+unrealized loss per UTC day; breaching it
	// trips the kill switch.
	MaxDailyLoss decimal.Decimal `yaml:"maxDailyLoss"`

	// TradingWindow bounds when new orders may be created.
	TradingWindow Window `yaml:"tradingWindow"`

	// OrderThrottle is the maximum rate of orders per second.
	OrderThrottle float64 `yaml:"orderThrottle"`

	// AnomalyTripCount trips the switch after this many auto-pause
	// anomalies inside AnomalyWindow.
	AnomalyTripCount int `yaml:"anomalyTripCount"`

	// AnomalyWindow bounds how far apart auto-pause anomalies may be and
	// still count toward the same streak. Zero means five minutes.
	AnomalyWindow time.Duration `yaml:"anomalyWindow"`

	// CancelDeadline bounds the open-order cancel sweep after a trip.
	CancelDeadline time.Duration `yaml:"cancelDeadline"`

	// Operators lists the tokens accepted for dual-operator kill/reset.
	Operators []string `yaml:"operators"`
}

// Validate checks the limits at load time.
func (l Limits) Validate() error {
	if l.MaxTradeNotional.Sign() <= 0 {
		return errs.New("risk", errs.CodeValidation, errs.WithMessage("maxTradeNotional must be positive"))
	}
	if l.MaxAggregateNotional.Sign() <= 0 {
		return errs.New("risk", errs.CodeValidation, errs.WithMessage("maxAggregateNotional must be positive"))
	}
	if l.MaxDailyLoss.Sign() <= 0 {
		return errs.New("risk", errs.CodeValidation, errs.WithMessage("maxDailyLoss must be positive"))
	}
	if l.OrderThrottle <= 0 {
		return errs.New("risk", errs.CodeValidation, errs.WithMessage("orderThrottle must be positive"))
	}
	if err := l.TradingWindow.Validate(); err != nil {
		return err
	}
	if l.AnomalyTripCount <= 0 {
		return errs.New("risk", errs.CodeValidation, errs.WithMessage("anomalyTripCount must be positive"))
	}
	if len(l.Operators) < 2 {
		return errs.New("risk", errs.CodeValidation, errs.WithMessage("at least two operator tokens required"))
	}
	return nil
}

// State is a point-in-time snapshot of the live risk counters.
type State struct {
	KillSwitchActive     bool            `json:"kill_switch_active"`
	TripReason           TripReason      `json:"trip_reason,omitempty"`
	TrippedAt            time.Time       `json:"tripped_at"`
	Exposure             decimal.Decimal `json:"exposure"`
	DailyRealized        decimal.Decimal `json:"daily_realized"`
	DailyUnrealized      decimal.Decimal `json:"daily_unrealized"`
	ConsecutiveAnomalies int             `json:"consecutive_anomalies"`
	Day                  string          `json:"day"`
}

// Update carries a risk-state mutation into Evaluate. Anomaly triggers from
// the detector and the reconciler travel through the same path as ledger
// updates; there is no shortcut.
type Update struct {
	ExposureDelta decimal.Decimal
	RealizedDelta decimal.Decimal
	Unrealized    decimal.Decimal
	UnrealizedSet bool
	Anomaly       *schema.AnomalyEvent
}

// CancelAllFunc sweeps all open orders and returns once every cancellation is
// confirmed or the context expires.
type CancelAllFunc func(ctx context.Context) error

// Manager is the single source of truth for limits and the kill switch.
// Check runs on a read fast path; Evaluate takes the exclusive path.
type Manager struct {
	limits    Limits
	limiter   *rate.Limiter
	operators map[string]struct{}
	clock     func() time.Time

	mu           sync.RWMutex
	state        SwitchState
	reason       TripReason
	trippedAt    time.Time
	exposure     decimal.Decimal
	realized     decimal.Decimal
	unreal       decimal.Decimal
	anomalies    int
	anomalyTimes []time.Time
	day          string

	cancelAll CancelAllFunc
	onChange  func(State)
	onAnomaly func(schema.AnomalyEvent)
}

// NewManager creates a risk manager with the given limits.
func NewManager(limits Limits) (*Manager, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	operators := make(map[string]struct{}, len(limits.Operators))
	for _, op := range limits.Operators {
		token := strings.TrimSpace(op)
		if token != "" {
			operators[token] = struct{}{}
		}
	}
	m := &Manager{
		limits:    limits,
		limiter:   rate.NewLimiter(rate.Limit(limits.OrderThrottle), 1),
		operators: operators,
		clock:     time.Now,
		state:     SwitchArmed,
		exposure:  decimal.Zero,
		realized:  decimal.Zero,
		unreal:    decimal.Zero,
	}
	m.day = m.clock().UTC().Format(time.DateOnly)
	return m, nil
}

// WithClock overrides the internal clock, primarily for testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	if clock != nil {
		m.clock = clock
		m.day = clock().UTC().Format(time.DateOnly)
	}
	return m
}

// SetCancelAll registers the sweep invoked when the switch trips.
func (m *Manager) SetCancelAll(fn CancelAllFunc) {
	m.mu.Lock()
	m.cancelAll = fn
	m.mu.Unlock()
}

// SetOnChange registers a callback observing every state transition; used by
// the engine to audit risk-state changes.
func (m *Manager) SetOnChange(fn func(State)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// SetOnAnomaly registers a sink for anomalies the manager itself raises
// (cancel-sweep timeouts).
func (m *Manager) SetOnAnomaly(fn func(schema.AnomalyEvent)) {
	m.mu.Lock()
	m.onAnomaly = fn
	m.mu.Unlock()
}

// Check evaluates a trade intent at its approved size against the limits.
// Denials return a CodeLimitBreach envelope carrying the reason; the check
// never resizes.
func (m *Manager) Check(_ context.Context, intent schema.TradeIntent, approvedSize decimal.Decimal) error {
	m.RollDay()

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state == SwitchTripped {
		return errs.New("risk", errs.CodeLimitBreach,
			errs.WithReason(errs.ReasonKillSwitch),
			errs.WithField("trip_reason", string(m.reason)))
	}
	if !m.limits.TradingWindow.Contains(m.clock()) {
		return errs.New("risk", errs.CodeLimitBreach, errs.WithReason(errs.ReasonTradingWindow))
	}

	notional := approvedSize.Mul(intent.Price).Abs()
	if notional.GreaterThan(m.limits.MaxTradeNotional) {
		return errs.New("risk", errs.CodeLimitBreach,
			errs.WithReason(errs.ReasonPerTradeNotional),
			errs.WithField("notional", notional.String()))
	}
	if m.exposure.Add(notional).GreaterThan(m.limits.MaxAggregateNotional) {
		return errs.New("risk", errs.CodeLimitBreach,
			errs.WithReason(errs.ReasonAggregateNotional),
			errs.WithField("exposure", m.exposure.String()))
	}
	if m.dailyPnLLocked().LessThanOrEqual(m.limits.MaxDailyLoss.Neg()) {
		return errs.New("risk", errs.CodeLimitBreach, errs.WithReason(errs.ReasonDailyLoss))
	}
	// The throttle token is spent only once every other check has passed.
	if !m.limiter.Allow() {
		return errs.New("risk", errs.CodeLimitBreach, errs.WithReason(errs.ReasonThrottled))
	}
	return nil
}

// RollDay resets the daily counters when the UTC day has changed since the
// last evaluation. Safe to call from any goroutine.
func (m *Manager) RollDay() {
	today := m.clock().UTC().Format(time.DateOnly)
	m.mu.RLock()
	current := m.day
	m.mu.RUnlock()
	if today == current {
		return
	}
	m.mu.Lock()
	m.rollDayLocked()
	m.mu.Unlock()
}

func (m *Manager) dailyPnLLocked() decimal.Decimal {
	return m.realized.Add(m.unreal)
}

// Evaluate applies a risk-state update and trips the kill switch when a trip
// condition is met. It is the single mutating entry point for ledger deltas,
// anomaly triggers, and reconciliation failures alike.
func (m *Manager) Evaluate(update Update) State {
	m.mu.Lock()

	m.rollDayLocked()
	m.exposure = m.exposure.Add(update.ExposureDelta)
	if m.exposure.IsNegative() {
		m.exposure = decimal.Zero
	}
	m.realized = m.realized.Add(update.RealizedDelta)
	if update.UnrealizedSet {
		m.unreal = update.Unrealized
	}

	var tripped TripReason
	if update.Anomaly != nil {
		switch update.Anomaly.Type {
		case schema.AnomalyReconciliationFail:
			tripped = TripReconciliation
		case schema.AnomalyCancelTimeout:
			tripped = TripAnomaly
		default:
			if update.Anomaly.AutoPause {
				at := update.Anomaly.Timestamp
				if at.IsZero() {
					at = m.clock()
				}
				m.pruneAnomaliesLocked(at)
				m.anomalyTimes = append(m.anomalyTimes, at)
				m.anomalies = len(m.anomalyTimes)
				if m.anomalies >= m.limits.AnomalyTripCount {
					tripped = TripAnomaly
				}
			} else {
				m.anomalyTimes = nil
				m.anomalies = 0
			}
		}
	}
	if tripped == "" && m.dailyPnLLocked().LessThanOrEqual(m.limits.MaxDailyLoss.Neg()) {
		tripped = TripDrawdown
	}

	if tripped != "" && m.state == SwitchArmed {
		m.tripLocked(tripped)
	}
	snapshot := m.snapshotLocked()
	onChange := m.onChange
	m.mu.Unlock()

	if tripped != "" && onChange != nil {
		onChange(snapshot)
	}
	return snapshot
}

// Trip trips the kill switch manually. Two distinct valid operator tokens
// are required.
func (m *Manager) Trip(tokenA, tokenB string) (State, error) {
	if err := m.authorize(tokenA, tokenB); err != nil {
		return State{}, err
	}
	m.mu.Lock()
	if m.state == SwitchArmed {
		m.tripLocked(TripManual)
	}
	snapshot := m.snapshotLocked()
	onChange := m.onChange
	m.mu.Unlock()
	if onChange != nil {
		onChange(snapshot)
	}
	return snapshot, nil
}

// Reset rearms a tripped switch. Two distinct valid operator tokens are
// required; resetting an armed switch is a no-op.
func (m *Manager) Reset(tokenA, tokenB string) (State, error) {
	if err := m.authorize(tokenA, tokenB); err != nil {
		return State{}, err
	}
	m.mu.Lock()
	changed := m.state == SwitchTripped
	m.state = SwitchArmed
	m.reason = ""
	m.trippedAt = time.Time{}
	m.anomalies = 0
	m.anomalyTimes = nil
	snapshot := m.snapshotLocked()
	onChange := m.onChange
	m.mu.Unlock()
	if changed && onChange != nil {
		onChange(snapshot)
	}
	observability.Log().Info("kill switch reset")
	return snapshot, nil
}

func (m *Manager) authorize(tokenA, tokenB string) error {
	tokenA = strings.TrimSpace(tokenA)
	tokenB = strings.TrimSpace(tokenB)
	if tokenA == "" || tokenB == "" || tokenA == tokenB {
		return errs.New("risk", errs.CodeValidation,
			errs.WithMessage("two distinct operator tokens required"))
	}
	if _, ok := m.operators[tokenA]; !ok {
		return errs.New("risk", errs.CodeValidation, errs.WithMessage("unknown operator token"))
	}
	if _, ok := m.operators[tokenB]; !ok {
		return errs.New("risk", errs.CodeValidation, errs.WithMessage("unknown operator token"))
	}
	return nil
}

// tripLocked transitions ARMED -> TRIPPED and starts the cancel sweep.
func (m *Manager) tripLocked(reason TripReason) {
	m.state = SwitchTripped
	m.reason = reason
	m.trippedAt = m.clock()
	observability.Log().Error("kill switch tripped",
		observability.F("reason", string(reason)))

	if m.cancelAll != nil {
		deadline := m.limits.CancelDeadline
		if deadline <= 0 {
			deadline = 2 * time.Second
		}
		sweep := m.cancelAll
		onAnomaly := m.onAnomaly
		clock := m.clock
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), deadline)
			defer cancel()
			if err := sweep(ctx); err != nil {
				event := schema.AnomalyEvent{
					Type:      schema.AnomalyCancelTimeout,
					Magnitude: deadline.Seconds(),
					AutoPause: true,
					Detail:    err.Error(),
					Timestamp: clock(),
				}
				observability.Log().Error("cancel sweep failed after trip",
					observability.F("error", err.Error()))
				if onAnomaly != nil {
					onAnomaly(event)
				}
			}
		}()
	}
}

// pruneAnomaliesLocked drops streak entries older than the anomaly window.
func (m *Manager) pruneAnomaliesLocked(now time.Time) {
	window := m.limits.AnomalyWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	kept := m.anomalyTimes[:0]
	for _, at := range m.anomalyTimes {
		if now.Sub(at) < window {
			kept = append(kept, at)
		}
	}
	m.anomalyTimes = kept
}

func (m *Manager) rollDayLocked() {
	today := m.clock().UTC().Format(time.DateOnly)
	if today != m.day {
		m.day = today
		m.realized = decimal.Zero
		m.unreal = decimal.Zero
	}
}

func (m *Manager) snapshotLocked() State {
	return State{
		KillSwitchActive:     m.state == SwitchTripped,
		TripReason:           m.reason,
		TrippedAt:            m.trippedAt,
		Exposure:             m.exposure,
		DailyRealized:        m.realized,
		DailyUnrealized:      m.unreal,
		ConsecutiveAnomalies: m.anomalies,
		Day:                  m.day,
	}
}

// Snapshot returns the current state without mutating it.
func (m *Manager) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

// Restore replaces the live counters from a persisted state. Used only at
// startup, before any Check or Evaluate runs.
func (m *Manager) Restore(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state.KillSwitchActive {
		m.state = SwitchTripped
		m.reason = state.TripReason
		m.trippedAt = state.TrippedAt
	} else {
		m.state = SwitchArmed
		m.reason = ""
		m.trippedAt = time.Time{}
	}
	m.exposure = state.Exposure
	m.realized = state.DailyRealized
	m.unreal = state.DailyUnrealized
	m.anomalies = state.ConsecutiveAnomalies
	m.anomalyTimes = nil
	for i := 0; i < state.ConsecutiveAnomalies; i++ {
		m.anomalyTimes = append(m.anomalyTimes, m.clock())
	}
	if state.Day != "" {
		m.day = state.Day
	}
}
