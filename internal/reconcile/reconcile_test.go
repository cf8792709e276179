package reconcile

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/veloxtrade/riskcore/internal/schema"
)

type staticFills []schema.Fill

func (s staticFills) Fills(context.Context) ([]schema.Fill, error) {
	return s, nil
}

func fill(id string, price, qty int64) schema.Fill {
	return schema.Fill{
		ID:       id,
		OrderID:  "o-" + id,
		Symbol:   "BTC-USD",
		Side:     schema.SideBuy,
		Price:    decimal.NewFromInt(price),
		Quantity: decimal.NewFromInt(qty),
	}
}

func external(id string, price, qty int64) ExternalTrade {
	return ExternalTrade{
		TradeID:  id,
		Symbol:   "BTC-USD",
		Side:     schema.SideBuy,
		Price:    decimal.NewFromInt(price),
		Quantity: decimal.NewFromInt(qty),
	}
}

func TestRunCleanRoundTrip(t *testing.T) {
	fills := staticFills{fill("t1", 100, 2), fill("t2", 105, 1)}
	tripped := false
	r, err := New(DefaultConfig(), fills, func(schema.AnomalyEvent) { tripped = true })
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	report, err := r.Run(context.Background(), []ExternalTrade{
		external("t1", 100, 2),
		external("t2", 105, 1),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.Clean() {
		t.Fatalf("identical sets produced discrepancies: %+v", report.Discrepancies)
	}
	if tripped {
		t.Fatal("clean pass must not raise an anomaly")
	}
}

func TestRunFlagsMissingAndMismatched(t *testing.T) {
	fills := staticFills{
		fill("t1", 100, 2), // price mismatch below
		fill("t2", 105, 1), // missing externally
	}
	var event *schema.AnomalyEvent
	r, err := New(DefaultConfig(), fills, func(e schema.AnomalyEvent) { event = &e })
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	report, err := r.Run(context.Background(), []ExternalTrade{
		external("t1", 101, 2),
		external("t3", 99, 5), // missing internally
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	types := map[DiscrepancyType]int{}
	for _, d := range report.Discrepancies {
		types[d.Type]++
	}
	if types[PriceMismatch] != 1 || types[MissingExternal] != 1 || types[MissingInternal] != 1 {
		t.Fatalf("discrepancy types = %v", types)
	}

	if event == nil {
		t.Fatal("dirty pass must raise a reconciliation-fail anomaly")
	}
	if event.Type != schema.AnomalyReconciliationFail || !event.AutoPause {
		t.Fatalf("anomaly = %+v", event)
	}
	if event.Magnitude != 3 {
		t.Fatalf("magnitude = %f, want 3", event.Magnitude)
	}
}

func TestRunTolerances(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PriceTolerance = decimal.NewFromFloat(0.5)
	cfg.QuantityTolerance = decimal.NewFromFloat(0.1)
	r, err := New(cfg, staticFills{fill("t1", 100, 2)}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	report, err := r.Run(context.Background(), []ExternalTrade{{
		TradeID:  "t1",
		Symbol:   "BTC-USD",
		Side:     schema.SideBuy,
		Price:    decimal.NewFromFloat(100.4),
		Quantity: decimal.NewFromFloat(2.05),
	}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.Clean() {
		t.Fatalf("within-tolerance differences flagged: %+v", report.Discrepancies)
	}
}

func TestQuantityMismatch(t *testing.T) {
	r, err := New(DefaultConfig(), staticFills{fill("t1", 100, 2)}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	report, err := r.Run(context.Background(), []ExternalTrade{external("t1", 100, 3)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Discrepancies) != 1 || report.Discrepancies[0].Type != QuantityMismatch {
		t.Fatalf("discrepancies = %+v, want one quantity_mismatch", report.Discrepancies)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero interval")
	}
	cfg = DefaultConfig()
	cfg.PriceTolerance = decimal.NewFromInt(-1)
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative tolerance")
	}
	if _, err := New(DefaultConfig(), nil, nil); err == nil {
		t.Fatal("expected error for nil fill source")
	}
}
