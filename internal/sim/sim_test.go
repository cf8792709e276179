package sim

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veloxtrade/riskcore/errs"
	"github.com/veloxtrade/riskcore/internal/fees"
	"github.com/veloxtrade/riskcore/internal/marketdata"
	"github.com/veloxtrade/riskcore/internal/schema"
)

func testMarket() *marketdata.MemoryProvider {
	market := marketdata.NewMemoryProvider()
	market.Update(marketdata.Snapshot{
		Symbol:     "BTC-USD",
		BestBid:    decimal.NewFromInt(99),
		BestAsk:    decimal.NewFromInt(101),
		LastPrice:  decimal.NewFromInt(100),
		BookDepth:  decimal.NewFromInt(1000),
		Volatility: decimal.NewFromFloat(0.01),
		AsOf:       time.Now(),
	})
	return market
}

func testFees(t *testing.T) *fees.Model {
	t.Helper()
	model, err := fees.NewModel([]fees.Schedule{
		{Venue: "paper", MakerBps: decimal.NewFromInt(1), TakerBps: decimal.NewFromInt(10)},
	}, fees.TaxRule{})
	if err != nil {
		t.Fatalf("fee model: %v", err)
	}
	return model
}

func testIntent(id string, side schema.TradeSide, qty int64) schema.TradeIntent {
	return schema.TradeIntent{
		ID:         id,
		StrategyID: "strat-1",
		Symbol:     "BTC-USD",
		Side:       side,
		Quantity:   decimal.NewFromInt(qty),
		Price:      decimal.NewFromInt(100),
		Venue:      "paper",
		Timestamp:  time.Now(),
	}
}

func approved(intentID string) schema.EVDecision {
	return schema.EVDecision{IntentID: intentID, Outcome: schema.OutcomeApproved}
}

func newPaper(t *testing.T, cfg Config) *Paper {
	t.Helper()
	p, err := NewPaper(cfg, testFees(t), testMarket())
	if err != nil {
		t.Fatalf("new paper: %v", err)
	}
	return p
}

func TestSubmitFillsAdversely(t *testing.T) {
	p := newPaper(t, DefaultConfig())

	var fills []schema.Fill
	p.SetOnFill(func(_ context.Context, fill schema.Fill, _ schema.Order) error {
		fills = append(fills, fill)
		return nil
	})

	order, err := p.Submit(context.Background(), testIntent("i1", schema.SideBuy, 10), approved("i1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if order.State != schema.OrderFilled {
		t.Fatalf("state = %s, want FILLED", order.State)
	}
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}

	// Mid is 100; a buy must pay at or above mid.
	if fills[0].Price.LessThan(decimal.NewFromInt(100)) {
		t.Fatalf("buy filled below mid: %s", fills[0].Price)
	}
	// Taker fee is 10 bps of notional.
	wantFee := fills[0].Notional().Mul(decimal.NewFromInt(10)).Div(decimal.NewFromInt(10000))
	if !fills[0].Fee.Equal(wantFee) {
		t.Fatalf("fee = %s, want %s", fills[0].Fee, wantFee)
	}

	sell, err := p.Submit(context.Background(), testIntent("i2", schema.SideSell, 10), approved("i2"))
	if err != nil {
		t.Fatalf("submit sell: %v", err)
	}
	if sell.State != schema.OrderFilled {
		t.Fatalf("sell state = %s", sell.State)
	}
	if fills[1].Price.GreaterThan(decimal.NewFromInt(100)) {
		t.Fatalf("sell filled above mid: %s", fills[1].Price)
	}
}

func TestPartialFillTranches(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tranches = 3
	p := newPaper(t, cfg)

	var fills []schema.Fill
	var states []schema.OrderState
	p.SetOnFill(func(_ context.Context, fill schema.Fill, order schema.Order) error {
		fills = append(fills, fill)
		states = append(states, order.State)
		return nil
	})

	order, err := p.Submit(context.Background(), testIntent("i1", schema.SideBuy, 10), approved("i1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if order.State != schema.OrderFilled {
		t.Fatalf("final state = %s", order.State)
	}
	if len(fills) != 3 {
		t.Fatalf("fills = %d, want 3", len(fills))
	}

	total := decimal.Zero
	for _, f := range fills {
		total = total.Add(f.Quantity)
	}
	if !total.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("tranche quantities sum to %s, want 10", total)
	}
	if states[0] != schema.OrderPartiallyFilled || states[2] != schema.OrderFilled {
		t.Fatalf("states = %v", states)
	}
}

// A fill callback error (the engine reports one when the kill switch trips
// mid-execution) must cancel the order and halt the remaining tranches.
func TestFillCallbackErrorCancelsOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tranches = 3
	p := newPaper(t, cfg)

	calls := 0
	p.SetOnFill(func(context.Context, schema.Fill, schema.Order) error {
		calls++
		return errs.New("sim", errs.CodeLimitBreach, errs.WithReason(errs.ReasonKillSwitch))
	})

	_, err := p.Submit(context.Background(), testIntent("i1", schema.SideBuy, 9), approved("i1"))
	if errs.ReasonOf(err) != errs.ReasonKillSwitch {
		t.Fatalf("submit: %v", err)
	}
	if calls != 1 {
		t.Fatalf("fill callbacks = %d, want 1", calls)
	}
	order, ok := p.OrderByIntent("i1")
	if !ok || order.State != schema.OrderCanceled {
		t.Fatalf("order = %+v, want CANCELED", order)
	}
	if fills, _ := p.Fills(context.Background()); len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
}

// An order canceled between tranches takes no further fills and never
// reaches FILLED.
func TestCanceledOrderTakesNoFurtherFills(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tranches = 3
	p := newPaper(t, cfg)

	p.SetOnFill(func(ctx context.Context, _ schema.Fill, order schema.Order) error {
		_, err := p.Cancel(ctx, order.ID)
		return err
	})

	order, err := p.Submit(context.Background(), testIntent("i1", schema.SideBuy, 9), approved("i1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if order.State != schema.OrderCanceled {
		t.Fatalf("state = %s, want CANCELED", order.State)
	}
	if fills, _ := p.Fills(context.Background()); len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
}

func TestSubmitIdempotentOnIntentID(t *testing.T) {
	p := newPaper(t, DefaultConfig())

	fillCount := 0
	p.SetOnFill(func(context.Context, schema.Fill, schema.Order) error {
		fillCount++
		return nil
	})

	intent := testIntent("i1", schema.SideBuy, 5)
	first, err := p.Submit(context.Background(), intent, approved("i1"))
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := p.Submit(context.Background(), intent, approved("i1"))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatal("duplicate intent produced a second order")
	}
	if fillCount != 1 {
		t.Fatalf("duplicate submit re-executed: %d fills", fillCount)
	}
}

func TestVenueDownRejects(t *testing.T) {
	p := newPaper(t, DefaultConfig())
	p.SetVenueDown("paper", true)

	order, err := p.Submit(context.Background(), testIntent("i1", schema.SideBuy, 5), approved("i1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if order.State != schema.OrderRejected {
		t.Fatalf("state = %s, want REJECTED", order.State)
	}
	if order.RejectReason != string(errs.ReasonVenueDown) {
		t.Fatalf("reject reason = %q", order.RejectReason)
	}
	if fills, _ := p.Fills(context.Background()); len(fills) != 0 {
		t.Fatalf("rejected order produced %d fills", len(fills))
	}

	p.SetVenueDown("paper", false)
	order, err = p.Submit(context.Background(), testIntent("i2", schema.SideBuy, 5), approved("i2"))
	if err != nil {
		t.Fatalf("submit after recovery: %v", err)
	}
	if order.State != schema.OrderFilled {
		t.Fatalf("state after recovery = %s", order.State)
	}
}

func TestResizedDecisionUsesApprovedSize(t *testing.T) {
	p := newPaper(t, DefaultConfig())

	var filled decimal.Decimal
	p.SetOnFill(func(_ context.Context, fill schema.Fill, _ schema.Order) error {
		filled = filled.Add(fill.Quantity)
		return nil
	})

	decision := schema.EVDecision{
		IntentID:     "i1",
		Outcome:      schema.OutcomeResized,
		ApprovedSize: decimal.NewFromInt(3),
	}
	if _, err := p.Submit(context.Background(), testIntent("i1", schema.SideBuy, 10), decision); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !filled.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("filled = %s, want resized 3", filled)
	}
}

func TestRejectedDecisionRefused(t *testing.T) {
	p := newPaper(t, DefaultConfig())
	decision := schema.EVDecision{IntentID: "i1", Outcome: schema.OutcomeRejected}
	if _, err := p.Submit(context.Background(), testIntent("i1", schema.SideBuy, 5), decision); err == nil {
		t.Fatal("rejected decision must not execute")
	}
}

func TestConfirmRetriesThenTimesOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConfirmTimeout = 50 * time.Millisecond
	p := newPaper(t, cfg)

	attempts := 0
	p.SetConfirm(func(context.Context, string) error {
		attempts++
		return errs.New("sim", errs.CodeVenue, errs.WithMessage("confirm unavailable"))
	})

	_, err := p.Submit(context.Background(), testIntent("i1", schema.SideBuy, 5), approved("i1"))
	if err == nil {
		t.Fatal("confirm failure must surface")
	}
	if errs.ReasonOf(err) != errs.ReasonVenueTimeout {
		t.Fatalf("reason = %q, want venue timeout", errs.ReasonOf(err))
	}
	if attempts < 2 {
		t.Fatalf("confirm attempts = %d, want retries", attempts)
	}

	order, ok := p.OrderByIntent("i1")
	if !ok || order.State != schema.OrderCanceled {
		t.Fatalf("order after confirm timeout = %+v", order)
	}
}

func TestCancelAndCancelAll(t *testing.T) {
	p := newPaper(t, DefaultConfig())

	order, err := p.Submit(context.Background(), testIntent("i1", schema.SideBuy, 5), approved("i1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Filled orders are terminal; cancel is a no-op.
	canceled, err := p.Cancel(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled {
		t.Fatal("canceled a filled order")
	}

	if _, err := p.Cancel(context.Background(), "missing"); errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("cancel unknown: %v", err)
	}

	if len(p.OpenOrders()) != 0 {
		t.Fatalf("open orders = %v, want none", p.OpenOrders())
	}
	if err := p.CancelAll(context.Background()); err != nil {
		t.Fatalf("cancel all: %v", err)
	}
}
