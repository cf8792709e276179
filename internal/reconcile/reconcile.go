// Package reconcile matches internal fills against external ground-truth
// trade records and raises a kill-switch trigger on any discrepancy.
package reconcile

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veloxtrade/riskcore/errs"
	"github.com/veloxtrade/riskcore/internal/observability"
	"github.com/veloxtrade/riskcore/internal/schema"
)

// ExternalTrade is one venue-reported trade record.
type ExternalTrade struct {
	TradeID   string          `json:"trade_id"`
	Symbol    string          `json:"symbol"`
	Side      schema.TradeSide `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp time.Time       `json:"timestamp"`
}

// DiscrepancyType classifies a reconciliation mismatch.
type DiscrepancyType string

const (
	// MissingExternal marks an internal fill absent from the venue records.
	MissingExternal DiscrepancyType = "missing_external"
	// MissingInternal marks a venue trade absent from internal fills.
	MissingInternal DiscrepancyType = "missing_internal"
	// PriceMismatch marks matched trades whose prices differ beyond tolerance.
	PriceMismatch DiscrepancyType = "price_mismatch"
	// QuantityMismatch marks matched trades whose quantities differ beyond tolerance.
	QuantityMismatch DiscrepancyType = "quantity_mismatch"
)

// Discrepancy is one reconciliation mismatch.
type Discrepancy struct {
	Type     DiscrepancyType `json:"type"`
	TradeID  string          `json:"trade_id"`
	Internal string          `json:"internal,omitempty"`
	External string          `json:"external,omitempty"`
}

// Report summarises one reconciliation pass.
type Report struct {
	CheckedAt     time.Time     `json:"checked_at"`
	InternalCount int           `json:"internal_count"`
	ExternalCount int           `json:"external_count"`
	Discrepancies []Discrepancy `json:"discrepancies"`
}

// Clean reports whether the pass found no discrepancies.
func (r Report) Clean() bool {
	return len(r.Discrepancies) == 0
}

// Config tunes the matcher.
type Config struct {
	// PriceTolerance and QuantityTolerance bound acceptable absolute
	// differences for matched trades.
	PriceTolerance    decimal.Decimal `yaml:"priceTolerance"`
	QuantityTolerance decimal.Decimal `yaml:"quantityTolerance"`

	// Interval paces the periodic background pass.
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns exact-match tolerances with a 1-minute cadence.
func DefaultConfig() Config {
	return Config{
		PriceTolerance:    decimal.Zero,
		QuantityTolerance: decimal.Zero,
		Interval:          time.Minute,
	}
}

// Validate checks the configuration at load time.
func (c Config) Validate() error {
	if c.PriceTolerance.IsNegative() || c.QuantityTolerance.IsNegative() {
		return errs.New("reconcile", errs.CodeValidation, errs.WithMessage("tolerances must be non-negative"))
	}
	if c.Interval <= 0 {
		return errs.New("reconcile", errs.CodeValidation, errs.WithMessage("interval must be positive"))
	}
	return nil
}

// FillSource supplies the engine's internal fills for a pass.
type FillSource interface {
	Fills(ctx context.Context) ([]schema.Fill, error)
}

// TradeProvider fetches the venue's trade records for the periodic pass.
type TradeProvider func(ctx context.Context) ([]ExternalTrade, error)

// Reconciler runs reconciliation passes and feeds failures into the risk
// engine as anomaly events.
type Reconciler struct {
	cfg    Config
	source FillSource
	sink   func(schema.AnomalyEvent)
	clock  func() time.Time
}

// New constructs a reconciler. sink receives a reconciliation-fail anomaly
// for every dirty pass; it must route into the risk engine's Evaluate path.
func New(cfg Config, source FillSource, sink func(schema.AnomalyEvent)) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, errs.New("reconcile", errs.CodeValidation, errs.WithMessage("fill source required"))
	}
	return &Reconciler{cfg: cfg, source: source, sink: sink, clock: time.Now}, nil
}

// WithClock overrides the internal clock, primarily for testing.
func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	if clock != nil {
		r.clock = clock
	}
	return r
}

// Run executes one reconciliation pass against the supplied external trades.
func (r *Reconciler) Run(ctx context.Context, external []ExternalTrade) (Report, error) {
	fills, err := r.source.Fills(ctx)
	if err != nil {
		return Report{}, errs.New("reconcile", errs.CodeUnavailable,
			errs.WithMessage("load internal fills"), errs.WithCause(err))
	}

	report := Report{
		CheckedAt:     r.clock(),
		InternalCount: len(fills),
		ExternalCount: len(external),
	}

	byID := make(map[string]ExternalTrade, len(external))
	for _, trade := range external {
		byID[trade.TradeID] = trade
	}

	matched := make(map[string]struct{}, len(fills))
	for _, fill := range fills {
		trade, ok := byID[fill.ID]
		if !ok {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Type: MissingExternal, TradeID: fill.ID,
				Internal: fill.Price.String() + "x" + fill.Quantity.String(),
			})
			continue
		}
		matched[fill.ID] = struct{}{}
		if fill.Price.Sub(trade.Price).Abs().GreaterThan(r.cfg.PriceTolerance) {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Type: PriceMismatch, TradeID: fill.ID,
				Internal: fill.Price.String(), External: trade.Price.String(),
			})
		}
		if fill.Quantity.Sub(trade.Quantity).Abs().GreaterThan(r.cfg.QuantityTolerance) {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Type: QuantityMismatch, TradeID: fill.ID,
				Internal: fill.Quantity.String(), External: trade.Quantity.String(),
			})
		}
	}
	for _, trade := range external {
		if _, ok := matched[trade.TradeID]; !ok {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Type: MissingInternal, TradeID: trade.TradeID,
				External: trade.Price.String() + "x" + trade.Quantity.String(),
			})
		}
	}

	if !report.Clean() && r.sink != nil {
		observability.Log().Error("reconciliation failed",
			observability.F("discrepancies", len(report.Discrepancies)))
		r.sink(schema.AnomalyEvent{
			Type:      schema.AnomalyReconciliationFail,
			Magnitude: float64(len(report.Discrepancies)),
			AutoPause: true,
			Timestamp: report.CheckedAt,
		})
	}
	return report, nil
}

// Loop runs periodic passes using provider until ctx is done. Provider
// failures are logged and skipped; reconciliation is not in the hot path.
func (r *Reconciler) Loop(ctx context.Context, provider TradeProvider) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			external, err := provider(ctx)
			if err != nil {
				observability.Log().Error("fetch external trades",
					observability.F("error", err.Error()))
				continue
			}
			if _, err := r.Run(ctx, external); err != nil {
				observability.Log().Error("reconciliation pass",
					observability.F("error", err.Error()))
			}
		}
	}
}
