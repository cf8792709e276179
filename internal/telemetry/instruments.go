package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	apimetric "go.opentelemetry.io/otel/metric"
)

// Instruments groups the engine's metric handles.
type Instruments struct {
	decisions   apimetric.Int64Counter
	denials     apimetric.Int64Counter
	trips       apimetric.Int64Counter
	anomalies   apimetric.Int64Counter
	fillLatency apimetric.Float64Histogram
	openLots    apimetric.Int64Gauge
}

// NewInstruments registers the engine instruments on the provider's meter.
func NewInstruments(provider apimetric.MeterProvider) (*Instruments, error) {
	meter := provider.Meter("riskcore/engine")

	decisions, err := meter.Int64Counter("riskcore.decisions",
		apimetric.WithDescription("EV gate decisions by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create decisions counter: %w", err)
	}
	denials, err := meter.Int64Counter("riskcore.risk_denials",
		apimetric.WithDescription("Risk engine denials by reason"))
	if err != nil {
		return nil, fmt.Errorf("create denials counter: %w", err)
	}
	trips, err := meter.Int64Counter("riskcore.kill_switch_trips",
		apimetric.WithDescription("Kill switch trips by reason"))
	if err != nil {
		return nil, fmt.Errorf("create trips counter: %w", err)
	}
	anomalies, err := meter.Int64Counter("riskcore.anomalies",
		apimetric.WithDescription("Detected anomalies by type"))
	if err != nil {
		return nil, fmt.Errorf("create anomalies counter: %w", err)
	}
	fillLatency, err := meter.Float64Histogram("riskcore.fill_latency_ms",
		apimetric.WithDescription("Submit-to-fill latency in milliseconds"))
	if err != nil {
		return nil, fmt.Errorf("create fill latency histogram: %w", err)
	}
	openLots, err := meter.Int64Gauge("riskcore.open_lots",
		apimetric.WithDescription("Open FIFO lots across all positions"))
	if err != nil {
		return nil, fmt.Errorf("create open lots gauge: %w", err)
	}

	return &Instruments{
		decisions:   decisions,
		denials:     denials,
		trips:       trips,
		anomalies:   anomalies,
		fillLatency: fillLatency,
		openLots:    openLots,
	}, nil
}

// RecordDecision counts one EV gate decision.
func (i *Instruments) RecordDecision(ctx context.Context, outcome string) {
	i.decisions.Add(ctx, 1, apimetric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDenial counts one risk denial.
func (i *Instruments) RecordDenial(ctx context.Context, reason string) {
	i.denials.Add(ctx, 1, apimetric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTrip counts one kill-switch trip.
func (i *Instruments) RecordTrip(ctx context.Context, reason string) {
	i.trips.Add(ctx, 1, apimetric.WithAttributes(attribute.String("reason", reason)))
}

// RecordAnomaly counts one detected anomaly.
func (i *Instruments) RecordAnomaly(ctx context.Context, kind string) {
	i.anomalies.Add(ctx, 1, apimetric.WithAttributes(attribute.String("type", kind)))
}

// RecordFillLatency records the submit-to-fill latency of one order.
func (i *Instruments) RecordFillLatency(ctx context.Context, d time.Duration) {
	i.fillLatency.Record(ctx, float64(d)/float64(time.Millisecond))
}

// RecordOpenLots records the current number of open lots.
func (i *Instruments) RecordOpenLots(ctx context.Context, n int64) {
	i.openLots.Record(ctx, n)
}
