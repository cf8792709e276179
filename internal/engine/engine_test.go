package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veloxtrade/riskcore/errs"
	"github.com/veloxtrade/riskcore/internal/anomaly"
	"github.com/veloxtrade/riskcore/internal/audit"
	"github.com/veloxtrade/riskcore/internal/config"
	"github.com/veloxtrade/riskcore/internal/evgate"
	"github.com/veloxtrade/riskcore/internal/fees"
	"github.com/veloxtrade/riskcore/internal/fx"
	"github.com/veloxtrade/riskcore/internal/ledger"
	"github.com/veloxtrade/riskcore/internal/marketdata"
	"github.com/veloxtrade/riskcore/internal/reconcile"
	"github.com/veloxtrade/riskcore/internal/risk"
	"github.com/veloxtrade/riskcore/internal/schema"
	"github.com/veloxtrade/riskcore/internal/sim"
	"github.com/veloxtrade/riskcore/internal/telemetry"
)

type memRiskStore struct {
	mu    sync.Mutex
	state *risk.State
}

func (s *memRiskStore) Save(_ context.Context, state risk.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = &state
	return nil
}

func (s *memRiskStore) Load(context.Context) (risk.State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return risk.State{}, false, nil
	}
	return *s.state, true, nil
}

type memLotStore struct {
	mu   sync.Mutex
	lots []ledger.Lot
}

func (s *memLotStore) Replace(_ context.Context, lots []ledger.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lots = append([]ledger.Lot(nil), lots...)
	return nil
}

func (s *memLotStore) Load(context.Context) ([]ledger.Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ledger.Lot(nil), s.lots...), nil
}

type harness struct {
	engine     *Engine
	paper      *sim.Paper
	market     *marketdata.MemoryProvider
	auditStore *audit.MemoryStore
	riskStore  *memRiskStore
	lotStore   *memLotStore
	limits     risk.Limits
}

func defaultLimits() risk.Limits {
	return risk.Limits{
		MaxTradeNotional:     decimal.NewFromInt(100000),
		MaxAggregateNotional: decimal.NewFromInt(1000000),
		MaxDailyLoss:         decimal.NewFromInt(5000),
		OrderThrottle:        1000,
		AnomalyTripCount:     3,
		CancelDeadline:       time.Second,
		Operators:            []string{"tok-a", "tok-b"},
	}
}

func deepMarket() marketdata.Snapshot {
	return marketdata.Snapshot{
		Symbol:     "BTC-USD",
		BestBid:    decimal.NewFromInt(99),
		BestAsk:    decimal.NewFromInt(101),
		LastPrice:  decimal.NewFromInt(100),
		BookDepth:  decimal.NewFromInt(100000),
		Volatility: decimal.NewFromFloat(0.0001),
		AsOf:       time.Now(),
	}
}

func newHarness(t *testing.T, limits risk.Limits) *harness {
	t.Helper()
	return newHarnessWithSim(t, limits, sim.DefaultConfig())
}

func newHarnessWithSim(t *testing.T, limits risk.Limits, simCfg sim.Config) *harness {
	t.Helper()

	feeModel, err := fees.NewModel([]fees.Schedule{
		{Venue: "paper", MakerBps: decimal.NewFromInt(1), TakerBps: decimal.NewFromInt(5)},
	}, fees.TaxRule{})
	if err != nil {
		t.Fatalf("fee model: %v", err)
	}

	gateCfg := evgate.DefaultConfig()
	gateCfg.MinEV = decimal.NewFromFloat(0.01)
	gateCfg.LatencyPenaltyPerMs = decimal.Zero
	gate, err := evgate.New(gateCfg, feeModel)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}

	riskMgr, err := risk.NewManager(limits)
	if err != nil {
		t.Fatalf("risk manager: %v", err)
	}

	converter := fx.NewCachingConverter(fx.SourceFunc(
		func(context.Context, string, string) (decimal.Decimal, error) {
			return decimal.NewFromInt(1), nil
		}), time.Second, time.Minute)
	book := ledger.New("USD", converter)

	market := marketdata.NewMemoryProvider()
	market.Update(deepMarket())

	paper, err := sim.NewPaper(simCfg, feeModel, market)
	if err != nil {
		t.Fatalf("paper: %v", err)
	}

	detector, err := anomaly.NewDetector(anomaly.DefaultConfig())
	if err != nil {
		t.Fatalf("detector: %v", err)
	}

	auditStore := audit.NewMemoryStore()
	auditLog, err := audit.Open(context.Background(), auditStore)
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	t.Cleanup(auditLog.Close)

	provider, _, err := telemetry.Init(context.Background(), config.TelemetryConfig{})
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	instruments, err := telemetry.NewInstruments(provider)
	if err != nil {
		t.Fatalf("instruments: %v", err)
	}

	riskStore := &memRiskStore{}
	lotStore := &memLotStore{}

	eng, err := New(config.EngineConfig{Workers: 2, QueueSize: 16}, Deps{
		Gate:         gate,
		Risk:         riskMgr,
		Ledger:       book,
		Router:       paper,
		Market:       market,
		Detector:     detector,
		AuditLog:     auditLog,
		AuditStore:   auditStore,
		Instruments:  instruments,
		RiskStore:    riskStore,
		LotStore:     lotStore,
		Fills:        paper,
		ReconcileCfg: reconcile.DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = eng.Close(ctx)
	})

	paper.SetOnFill(eng.HandleFill)
	paper.SetOnState(eng.HandleOrderState)

	return &harness{
		engine:     eng,
		paper:      paper,
		market:     market,
		auditStore: auditStore,
		riskStore:  riskStore,
		lotStore:   lotStore,
		limits:     limits,
	}
}

func intent(id string, side schema.TradeSide, qty int64) schema.TradeIntent {
	return schema.TradeIntent{
		ID:         id,
		StrategyID: "strat-1",
		Symbol:     "BTC-USD",
		Side:       side,
		Quantity:   decimal.NewFromInt(qty),
		Price:      decimal.NewFromInt(100),
		Venue:      "paper",
		SpreadBps:  decimal.NewFromInt(40),
		Timestamp:  time.Now(),
	}
}

func TestSubmitFullPipeline(t *testing.T) {
	h := newHarness(t, defaultLimits())
	ctx := context.Background()

	result, err := h.engine.Submit(ctx, intent("i1", schema.SideBuy, 10))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Decision.Outcome != schema.OutcomeApproved {
		t.Fatalf("outcome = %s", result.Decision.Outcome)
	}
	if result.Order == nil || result.Order.State != schema.OrderFilled {
		t.Fatalf("order = %+v", result.Order)
	}

	positions := h.engine.Positions()
	if len(positions) != 1 || !positions[0].NetQuantity.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("positions = %+v", positions)
	}

	state := h.engine.RiskState()
	if !state.Exposure.IsPositive() {
		t.Fatalf("exposure = %s", state.Exposure)
	}

	// The chain carries the decision, order transitions, and the fill.
	ok, _, err := h.engine.VerifyChain(ctx)
	if err != nil || !ok {
		t.Fatalf("verify chain: (%v, %v)", ok, err)
	}
	entries, _ := h.auditStore.Entries(ctx, 0)
	kinds := map[audit.Kind]int{}
	for _, entry := range entries {
		kinds[entry.Kind]++
	}
	if kinds[audit.KindEVDecision] != 1 || kinds[audit.KindFill] != 1 || kinds[audit.KindOrderState] == 0 {
		t.Fatalf("audit kinds = %v", kinds)
	}

	// Fill side effects persisted.
	if lots, _ := h.lotStore.Load(ctx); len(lots) != 1 {
		t.Fatalf("persisted lots = %d", len(lots))
	}
}

func TestSubmitIdempotent(t *testing.T) {
	h := newHarness(t, defaultLimits())
	ctx := context.Background()

	first, err := h.engine.Submit(ctx, intent("i1", schema.SideBuy, 10))
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := h.engine.Submit(ctx, intent("i1", schema.SideBuy, 10))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.Order.ID != second.Order.ID {
		t.Fatal("duplicate intent created a second order")
	}
	if positions := h.engine.Positions(); !positions[0].NetQuantity.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("duplicate intent changed the position: %+v", positions)
	}
}

func TestKillSwitchBlocksSubmits(t *testing.T) {
	h := newHarness(t, defaultLimits())
	ctx := context.Background()

	if _, err := h.engine.Submit(ctx, intent("i1", schema.SideBuy, 5)); err != nil {
		t.Fatalf("submit before trip: %v", err)
	}

	if _, err := h.engine.Trip("tok-a", "tok-b"); err != nil {
		t.Fatalf("trip: %v", err)
	}

	_, err := h.engine.Submit(ctx, intent("i2", schema.SideBuy, 5))
	if errs.ReasonOf(err) != errs.ReasonKillSwitch {
		t.Fatalf("submit after trip: %v", err)
	}
	// No order reached the venue after the trip.
	if _, ok := h.paper.OrderByIntent("i2"); ok {
		t.Fatal("order created while kill switch active")
	}

	if _, err := h.engine.Reset("tok-a", "tok-b"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := h.engine.Submit(ctx, intent("i3", schema.SideBuy, 5)); err != nil {
		t.Fatalf("submit after reset: %v", err)
	}
}

// A drawdown breach on an early tranche must halt the remaining tranches:
// the order ends CANCELED, never FILLED, and only the tripping fill lands.
func TestTripMidExecutionHaltsTranches(t *testing.T) {
	limits := defaultLimits()
	// Taker fees alone breach the cap on the first tranche.
	limits.MaxDailyLoss = decimal.NewFromFloat(0.1)
	simCfg := sim.DefaultConfig()
	simCfg.Tranches = 4
	h := newHarnessWithSim(t, limits, simCfg)
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, intent("i1", schema.SideBuy, 10))
	if errs.ReasonOf(err) != errs.ReasonKillSwitch {
		t.Fatalf("submit: %v", err)
	}

	state := h.engine.RiskState()
	if !state.KillSwitchActive || state.TripReason != risk.TripDrawdown {
		t.Fatalf("state = %+v, want drawdown trip", state)
	}

	order, ok := h.paper.OrderByIntent("i1")
	if !ok {
		t.Fatal("order missing")
	}
	if order.State == schema.OrderFilled {
		t.Fatal("order reached FILLED after the trip")
	}
	if order.State != schema.OrderCanceled {
		t.Fatalf("order state = %s, want CANCELED", order.State)
	}
	fills, _ := h.paper.Fills(ctx)
	if len(fills) != 1 {
		t.Fatalf("fills after trip = %d, want 1", len(fills))
	}
	// Only the first tranche reached the ledger.
	positions := h.engine.Positions()
	if len(positions) != 1 || !positions[0].NetQuantity.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("positions = %+v", positions)
	}
}

func TestDualOperatorAuthorization(t *testing.T) {
	h := newHarness(t, defaultLimits())

	if _, err := h.engine.Trip("tok-a", "tok-a"); err == nil {
		t.Fatal("same token twice must not authorize")
	}
	if _, err := h.engine.Trip("tok-a", "intruder"); err == nil {
		t.Fatal("unknown token must not authorize")
	}
}

func TestNegativeEVRejected(t *testing.T) {
	h := newHarness(t, defaultLimits())
	ctx := context.Background()

	thin := intent("i1", schema.SideBuy, 10)
	thin.SpreadBps = decimal.Zero // no edge, fees always win
	result, err := h.engine.Submit(ctx, thin)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Decision.Outcome != schema.OutcomeRejected {
		t.Fatalf("outcome = %s", result.Decision.Outcome)
	}
	if result.Order != nil {
		t.Fatal("rejected intent produced an order")
	}
}

func TestPerTradeNotionalDenial(t *testing.T) {
	limits := defaultLimits()
	limits.MaxTradeNotional = decimal.NewFromInt(500)
	h := newHarness(t, limits)

	ctx := context.Background()
	_, err := h.engine.Submit(ctx, intent("i1", schema.SideBuy, 10))
	if errs.ReasonOf(err) != errs.ReasonPerTradeNotional {
		t.Fatalf("submit: %v", err)
	}

	// The denial itself lands on the audit chain.
	entries, _ := h.auditStore.Entries(ctx, 0)
	var denied bool
	for _, entry := range entries {
		if entry.Kind == audit.KindRiskDenial {
			var payload map[string]string
			if _, err := audit.Decode(entry, &payload); err != nil {
				t.Fatalf("decode denial: %v", err)
			}
			if payload["reason"] != string(errs.ReasonPerTradeNotional) {
				t.Fatalf("denial payload = %v", payload)
			}
			denied = true
		}
	}
	if !denied {
		t.Fatal("risk denial missing from audit chain")
	}
}

func TestReconciliationFailureTripsSwitch(t *testing.T) {
	h := newHarness(t, defaultLimits())
	ctx := context.Background()

	if _, err := h.engine.Submit(ctx, intent("i1", schema.SideBuy, 10)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// External records disagree with every internal fill.
	report, err := h.engine.Reconcile(ctx, nil)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Clean() {
		t.Fatal("expected discrepancies")
	}

	state := h.engine.RiskState()
	if !state.KillSwitchActive || state.TripReason != risk.TripReconciliation {
		t.Fatalf("state = %+v", state)
	}
}

func TestRecoverRestoresStateAndVerifiesChain(t *testing.T) {
	h := newHarness(t, defaultLimits())
	ctx := context.Background()

	if _, err := h.engine.Submit(ctx, intent("i1", schema.SideBuy, 10)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.engine.Trip("tok-a", "tok-b"); err != nil {
		t.Fatalf("trip: %v", err)
	}

	// A fresh engine over the same stores picks up where the first left off.
	h2 := newHarness(t, defaultLimits())
	restored := newRecoveredEngine(t, h, h2)

	if err := restored.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	positions := restored.Positions()
	if len(positions) != 1 || !positions[0].NetQuantity.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("restored positions = %+v", positions)
	}
	state := restored.RiskState()
	if !state.KillSwitchActive || state.TripReason != risk.TripManual {
		t.Fatalf("restored state = %+v", state)
	}
}

// newRecoveredEngine rebuilds an engine over the first harness's persisted
// stores, as a process restart would.
func newRecoveredEngine(t *testing.T, old, fresh *harness) *Engine {
	t.Helper()

	feeModel, err := fees.NewModel([]fees.Schedule{
		{Venue: "paper", MakerBps: decimal.NewFromInt(1), TakerBps: decimal.NewFromInt(5)},
	}, fees.TaxRule{})
	if err != nil {
		t.Fatalf("fee model: %v", err)
	}
	gate, err := evgate.New(evgate.DefaultConfig(), feeModel)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	riskMgr, err := risk.NewManager(old.limits)
	if err != nil {
		t.Fatalf("risk manager: %v", err)
	}
	converter := fx.NewCachingConverter(fx.SourceFunc(
		func(context.Context, string, string) (decimal.Decimal, error) {
			return decimal.NewFromInt(1), nil
		}), time.Second, time.Minute)
	detector, err := anomaly.NewDetector(anomaly.DefaultConfig())
	if err != nil {
		t.Fatalf("detector: %v", err)
	}
	auditLog, err := audit.Open(context.Background(), old.auditStore)
	if err != nil {
		t.Fatalf("reopen audit log: %v", err)
	}
	t.Cleanup(auditLog.Close)

	provider, _, err := telemetry.Init(context.Background(), config.TelemetryConfig{})
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	instruments, err := telemetry.NewInstruments(provider)
	if err != nil {
		t.Fatalf("instruments: %v", err)
	}

	eng, err := New(config.EngineConfig{Workers: 2, QueueSize: 16}, Deps{
		Gate:        gate,
		Risk:        riskMgr,
		Ledger:      ledger.New("USD", converter),
		Router:      fresh.paper,
		Market:      fresh.market,
		Detector:    detector,
		AuditLog:    auditLog,
		AuditStore:  old.auditStore,
		Instruments: instruments,
		RiskStore:   old.riskStore,
		LotStore:    old.lotStore,
	})
	if err != nil {
		t.Fatalf("rebuild engine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = eng.Close(ctx)
	})
	return eng
}

func TestBrokenChainRefusesIntents(t *testing.T) {
	h := newHarness(t, defaultLimits())
	ctx := context.Background()

	if _, err := h.engine.Submit(ctx, intent("i1", schema.SideBuy, 10)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Tamper with the persisted chain, then recover.
	entries, _ := h.auditStore.Entries(ctx, 1)
	mutated := append([]byte(nil), entries[0].Payload...)
	mutated[0] ^= 0x01
	h.auditStore.Corrupt(1, mutated)

	err := h.engine.Recover(ctx)
	if errs.CodeOf(err) != errs.CodeChainIntegrity {
		t.Fatalf("recover: %v", err)
	}

	_, err = h.engine.Submit(ctx, intent("i2", schema.SideBuy, 10))
	if errs.CodeOf(err) != errs.CodeChainIntegrity {
		t.Fatalf("submit on broken chain: %v", err)
	}
}

func TestRefreshMarksUpdatesUnrealized(t *testing.T) {
	h := newHarness(t, defaultLimits())
	ctx := context.Background()

	if _, err := h.engine.Submit(ctx, intent("i1", schema.SideBuy, 10)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Mark the book well below the entry price.
	snap := deepMarket()
	snap.BestBid = decimal.NewFromInt(89)
	snap.BestAsk = decimal.NewFromInt(91)
	snap.LastPrice = decimal.NewFromInt(90)
	h.market.Update(snap)

	h.engine.RefreshMarks(ctx)

	state := h.engine.RiskState()
	if !state.DailyUnrealized.IsNegative() {
		t.Fatalf("unrealized = %s, want negative", state.DailyUnrealized)
	}
}
