package evgate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veloxtrade/riskcore/internal/fees"
	"github.com/veloxtrade/riskcore/internal/marketdata"
	"github.com/veloxtrade/riskcore/internal/schema"
)

func newGate(t *testing.T, cfg Config) *Gate {
	t.Helper()
	model, err := fees.NewModel([]fees.Schedule{
		{Venue: "paper-1", MakerBps: decimal.NewFromInt(10), TakerBps: decimal.NewFromInt(20)},
	}, fees.TaxRule{})
	if err != nil {
		t.Fatalf("fee model: %v", err)
	}
	gate, err := New(cfg, model)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	return gate
}

func intent(id string, qty int64, spreadBps int64) schema.TradeIntent {
	return schema.TradeIntent{
		ID:         id,
		StrategyID: "arb-1",
		Symbol:     "BTC-USDT",
		Side:       schema.SideBuy,
		Quantity:   decimal.NewFromInt(qty),
		Price:      decimal.NewFromInt(1),
		Venue:      "paper-1",
		SpreadBps:  decimal.NewFromInt(spreadBps),
		Timestamp:  time.Now(),
	}
}

func deepMarket() marketdata.Snapshot {
	return marketdata.Snapshot{
		Symbol:     "BTC-USDT",
		BestBid:    decimal.NewFromFloat(0.999),
		BestAsk:    decimal.NewFromFloat(1.001),
		LastPrice:  decimal.NewFromInt(1),
		BookDepth:  decimal.NewFromInt(1_000_000),
		Volatility: decimal.NewFromFloat(0.0001),
		FeedLag:    100 * time.Millisecond,
		AsOf:       time.Now(),
	}
}

func TestEvaluateApprovesPositiveEV(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinEV = decimal.NewFromFloat(0.5)
	gate := newGate(t, cfg)

	// Spread 20 bps, size 5000, taker fee 20 bps, latency 100 ms. With deep
	// books the fill probability sits near its upper clamp, so the captured
	// edge comfortably beats fees plus penalties.
	decision := gate.Evaluate(intent("i1", 5000, 20), deepMarket())

	if decision.Outcome != schema.OutcomeApproved {
		t.Fatalf("outcome = %s, want approved (EV %s)", decision.Outcome, decision.ExpectedValue)
	}
	if !decision.ApprovedSize.Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("approved size = %s, want 5000", decision.ApprovedSize)
	}
	if decision.ExpectedValue.Sign() <= 0 {
		t.Fatalf("approved decision must carry positive EV, got %s", decision.ExpectedValue)
	}
	if decision.FillProbability <= 0 || decision.FillProbability > 0.99 {
		t.Fatalf("fill probability out of bounds: %f", decision.FillProbability)
	}
}

func TestEvaluateRejectsNoEdge(t *testing.T) {
	gate := newGate(t, DefaultConfig())

	// Spread below the fee rate: every size loses money.
	decision := gate.Evaluate(intent("i2", 5000, 5), deepMarket())

	if decision.Outcome != schema.OutcomeRejected {
		t.Fatalf("outcome = %s, want rejected", decision.Outcome)
	}
	if !decision.ApprovedSize.IsZero() {
		t.Fatalf("rejected decision approved size = %s, want 0", decision.ApprovedSize)
	}
	if decision.Reason == "" {
		t.Fatal("rejected decision must carry a reason")
	}
}

func TestEvaluateResizesDown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinEV = decimal.NewFromFloat(0.5)
	gate := newGate(t, cfg)

	// Thin book: slippage makes the full size negative-EV, but a smaller
	// size still clears.
	market := deepMarket()
	market.BookDepth = decimal.NewFromInt(2000)
	market.Volatility = decimal.NewFromFloat(0.0006)

	decision := gate.Evaluate(intent("i3", 5000, 40), market)

	if decision.Outcome != schema.OutcomeResized {
		t.Fatalf("outcome = %s, want resized (EV %s, size %s)",
			decision.Outcome, decision.ExpectedValue, decision.ApprovedSize)
	}
	if !decision.ApprovedSize.IsPositive() || decision.ApprovedSize.GreaterThanOrEqual(decimal.NewFromInt(5000)) {
		t.Fatalf("resized size = %s, want in (0, 5000)", decision.ApprovedSize)
	}
	if decision.ExpectedValue.Sign() < 0 {
		t.Fatalf("resized EV = %s, want >= 0", decision.ExpectedValue)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	gate := newGate(t, DefaultConfig())
	market := deepMarket()

	first := gate.Evaluate(intent("i4", 5000, 20), market)
	second := gate.Evaluate(intent("i4", 5000, 20), market)

	if first.EvaluatedAt != second.EvaluatedAt || !first.ExpectedValue.Equal(second.ExpectedValue) {
		t.Fatal("re-evaluating the same intent id must return the original decision")
	}
}

func TestApprovedEVClearsThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinEV = decimal.NewFromInt(2)
	gate := newGate(t, cfg)

	decision := gate.Evaluate(intent("i5", 5000, 20), deepMarket())
	if decision.Outcome == schema.OutcomeApproved && decision.ExpectedValue.LessThanOrEqual(cfg.MinEV) {
		t.Fatalf("approved at EV %s below threshold %s", decision.ExpectedValue, cfg.MinEV)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LatencyRef = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero latencyRef")
	}
	cfg = DefaultConfig()
	cfg.MinEV = decimal.NewFromInt(-1)
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for negative minEV")
	}
}
