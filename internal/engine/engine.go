// Package engine orchestrates the intent pipeline: validation, EV gating,
// risk checks, routing, ledger updates, and the audit trail.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/veloxtrade/riskcore/errs"
	"github.com/veloxtrade/riskcore/internal/anomaly"
	"github.com/veloxtrade/riskcore/internal/audit"
	"github.com/veloxtrade/riskcore/internal/config"
	"github.com/veloxtrade/riskcore/internal/evgate"
	"github.com/veloxtrade/riskcore/internal/ledger"
	"github.com/veloxtrade/riskcore/internal/marketdata"
	"github.com/veloxtrade/riskcore/internal/observability"
	"github.com/veloxtrade/riskcore/internal/reconcile"
	"github.com/veloxtrade/riskcore/internal/risk"
	"github.com/veloxtrade/riskcore/internal/schema"
	"github.com/veloxtrade/riskcore/internal/telemetry"
	"github.com/veloxtrade/riskcore/lib/async"
)

// Router is the execution surface the engine drives.
type Router interface {
	Submit(ctx context.Context, intent schema.TradeIntent, decision schema.EVDecision) (*schema.Order, error)
	Cancel(ctx context.Context, orderID string) (bool, error)
	OpenOrders() []string
	CancelAll(ctx context.Context) error
}

// RiskStateStore persists risk-counter snapshots across restarts.
type RiskStateStore interface {
	Save(ctx context.Context, state risk.State) error
	Load(ctx context.Context) (risk.State, bool, error)
}

// LotStore persists the ledger's open lots across restarts.
type LotStore interface {
	Replace(ctx context.Context, lots []ledger.Lot) error
	Load(ctx context.Context) ([]ledger.Lot, error)
}

// Deps wires the engine's collaborators. RiskStore, LotStore, and Fills are
// optional; everything else is required.
type Deps struct {
	Gate        *evgate.Gate
	Risk        *risk.Manager
	Ledger      *ledger.Ledger
	Router      Router
	Market      marketdata.Provider
	Detector    *anomaly.Detector
	AuditLog    *audit.Log
	AuditStore  audit.Store
	Instruments *telemetry.Instruments

	RiskStore    RiskStateStore
	LotStore     LotStore
	Fills        reconcile.FillSource
	ReconcileCfg reconcile.Config
}

// Result is the outcome of submitting one trade intent. A rejected EV
// decision yields a Result with no Order and no error; risk denials and
// venue failures surface as errors alongside the decision.
type Result struct {
	Intent   schema.TradeIntent `json:"intent"`
	Decision schema.EVDecision  `json:"decision"`
	Order    *schema.Order      `json:"order,omitempty"`
}

type memo struct {
	result Result
	err    error
}

// Engine is the orchestrator. Intents for the same symbol run strictly in
// submission order; different symbols run in parallel.
type Engine struct {
	gate        *evgate.Gate
	risk        *risk.Manager
	ledger      *ledger.Ledger
	router      Router
	market      marketdata.Provider
	detector    *anomaly.Detector
	auditLog    *audit.Log
	auditStore  audit.Store
	instruments *telemetry.Instruments
	riskStore   RiskStateStore
	lotStore    LotStore
	reconciler  *reconcile.Reconciler

	exec          *async.KeyedExecutor
	marksInterval time.Duration
	clock         func() time.Time

	chainOK atomic.Bool

	mu      sync.Mutex
	results map[string]memo
}

// New constructs the engine and wires the risk manager's callbacks.
func New(cfg config.EngineConfig, deps Deps) (*Engine, error) {
	switch {
	case deps.Gate == nil, deps.Risk == nil, deps.Ledger == nil, deps.Router == nil,
		deps.Market == nil, deps.Detector == nil, deps.AuditLog == nil,
		deps.AuditStore == nil, deps.Instruments == nil:
		return nil, errs.New("engine", errs.CodeValidation, errs.WithMessage("missing engine dependency"))
	}

	exec, err := async.NewKeyedExecutor(cfg.Workers, cfg.QueueSize)
	if err != nil {
		return nil, err
	}

	marksInterval := cfg.MarksInterval
	if marksInterval <= 0 {
		marksInterval = 5 * time.Second
	}

	e := &Engine{
		gate:          deps.Gate,
		risk:          deps.Risk,
		ledger:        deps.Ledger,
		router:        deps.Router,
		market:        deps.Market,
		detector:      deps.Detector,
		auditLog:      deps.AuditLog,
		auditStore:    deps.AuditStore,
		instruments:   deps.Instruments,
		riskStore:     deps.RiskStore,
		lotStore:      deps.LotStore,
		exec:          exec,
		marksInterval: marksInterval,
		clock:         time.Now,
		results:       make(map[string]memo),
	}
	e.chainOK.Store(true)

	if deps.Fills != nil {
		reconciler, err := reconcile.New(deps.ReconcileCfg, deps.Fills, e.anomalySink())
		if err != nil {
			exec.Close()
			return nil, err
		}
		e.reconciler = reconciler
	}

	deps.Risk.SetCancelAll(deps.Router.CancelAll)
	deps.Risk.SetOnChange(e.onRiskChange)
	deps.Risk.SetOnAnomaly(func(event schema.AnomalyEvent) {
		e.RaiseAnomaly(context.Background(), event)
	})
	return e, nil
}

// WithClock overrides the internal clock, primarily for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	if clock != nil {
		e.clock = clock
	}
	return e
}

// Recover restores persisted state and verifies the audit chain. A broken
// chain leaves the engine refusing all intents until the store is repaired.
func (e *Engine) Recover(ctx context.Context) error {
	if e.lotStore != nil {
		lots, err := e.lotStore.Load(ctx)
		if err != nil {
			return err
		}
		if err := e.ledger.Restore(lots); err != nil {
			return err
		}
		observability.Log().Info("ledger restored", observability.F("lots", len(lots)))
	}
	if e.riskStore != nil {
		state, found, err := e.riskStore.Load(ctx)
		if err != nil {
			return err
		}
		if found {
			e.risk.Restore(state)
			observability.Log().Info("risk state restored",
				observability.F("kill_switch_active", state.KillSwitchActive))
		}
	}

	ok, broken, err := audit.VerifyChain(ctx, e.auditStore)
	if err != nil {
		return err
	}
	if !ok {
		e.chainOK.Store(false)
		return errs.New("engine", errs.CodeChainIntegrity,
			errs.WithMessage("audit chain verification failed"),
			errs.WithField("first_broken_seq", fmt.Sprintf("%d", broken)))
	}
	return nil
}

// Submit runs one intent through the full pipeline. Submitting an
// already-seen intent id returns the original result.
func (e *Engine) Submit(ctx context.Context, intent schema.TradeIntent) (Result, error) {
	if !e.chainOK.Load() {
		return Result{}, errs.New("engine", errs.CodeChainIntegrity,
			errs.WithMessage("audit chain integrity failure; intents refused"))
	}
	if err := intent.Validate(); err != nil {
		return Result{}, err
	}

	e.mu.Lock()
	if m, ok := e.results[intent.ID]; ok {
		e.mu.Unlock()
		return m.result, m.err
	}
	e.mu.Unlock()

	done := make(chan memo, 1)
	err := e.exec.Submit(ctx, intent.Symbol, func(ctx context.Context) error {
		result, err := e.process(ctx, intent)
		done <- memo{result: result, err: err}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	select {
	case <-ctx.Done():
		return Result{}, fmt.Errorf("submit: %w", ctx.Err())
	case m := <-done:
		e.mu.Lock()
		if prior, ok := e.results[intent.ID]; ok {
			m = prior
		} else {
			e.results[intent.ID] = m
		}
		e.mu.Unlock()
		return m.result, m.err
	}
}

func (e *Engine) process(ctx context.Context, intent schema.TradeIntent) (Result, error) {
	snap, err := e.market.Snapshot(ctx, intent.Symbol)
	if err != nil {
		return Result{}, errs.New("engine", errs.CodeUnavailable,
			errs.WithMessage("no market context"),
			errs.WithField("symbol", intent.Symbol), errs.WithCause(err))
	}

	decision := e.gate.Evaluate(intent, snap)
	e.append(ctx, audit.KindEVDecision, decision)
	e.instruments.RecordDecision(ctx, string(decision.Outcome))

	result := Result{Intent: intent, Decision: decision}
	if !decision.Approved() {
		return result, nil
	}

	if err := e.risk.Check(ctx, intent, decision.ApprovedSize); err != nil {
		reason := string(errs.ReasonOf(err))
		e.append(ctx, audit.KindRiskDenial, map[string]string{
			"intent_id": intent.ID,
			"symbol":    intent.Symbol,
			"reason":    reason,
		})
		e.instruments.RecordDenial(ctx, reason)
		observability.Log().Info("risk denial",
			observability.F("intent_id", intent.ID),
			observability.F("reason", reason))
		return result, err
	}

	order, err := e.router.Submit(ctx, intent, decision)
	if err != nil {
		return result, err
	}
	result.Order = order
	return result, nil
}

// HandleFill applies one execution tranche to the ledger, feeds the risk
// engine, and records the fill on the audit chain. Wire it as the router's
// fill callback. A fill that leaves the kill switch active returns an error
// so the router halts any remaining tranches.
func (e *Engine) HandleFill(ctx context.Context, fill schema.Fill, order schema.Order) error {
	netBefore := e.ledger.NetQuantity(fill.Symbol)
	update, err := e.ledger.Apply(ctx, fill)
	if err != nil {
		return err
	}
	e.append(ctx, audit.KindFill, fill)

	if update.FXStale {
		observability.Log().Error("stale fx rate applied to fill",
			observability.F("fill_id", fill.ID),
			observability.F("currency", fill.Currency))
	}

	exposureDelta := update.NetQuantity.Abs().Sub(netBefore.Abs()).Mul(fill.Price)
	state := e.risk.Evaluate(risk.Update{
		ExposureDelta: exposureDelta,
		RealizedDelta: update.RealizedDelta.Sub(update.FeesDelta),
	})

	realized, _ := update.RealizedDelta.Float64()
	if event := e.detector.Observe(anomaly.Signal{
		Kind:      anomaly.KindPnL,
		Key:       fill.Symbol,
		Value:     realized,
		Timestamp: fill.Timestamp,
	}); event != nil {
		e.RaiseAnomaly(ctx, *event)
	}

	e.instruments.RecordFillLatency(ctx, e.clock().Sub(order.CreatedAt))
	e.instruments.RecordOpenLots(ctx, int64(len(e.ledger.Snapshot())))
	e.persist(ctx)

	if state.KillSwitchActive {
		observability.Log().Error("kill switch active after fill",
			observability.F("reason", string(state.TripReason)))
		return errs.New("engine", errs.CodeLimitBreach,
			errs.WithReason(errs.ReasonKillSwitch),
			errs.WithMessage("kill switch tripped during execution"),
			errs.WithField("order_id", order.ID),
			errs.WithField("trip_reason", string(state.TripReason)))
	}
	return nil
}

// HandleOrderState records order lifecycle transitions on the audit chain.
// Wire it as the router's state callback.
func (e *Engine) HandleOrderState(ctx context.Context, order schema.Order) error {
	e.append(ctx, audit.KindOrderState, order)
	return nil
}

// RaiseAnomaly audits the event and routes it into the risk engine, which
// decides whether it trips the kill switch.
func (e *Engine) RaiseAnomaly(ctx context.Context, event schema.AnomalyEvent) {
	e.append(ctx, audit.KindAnomaly, event)
	e.instruments.RecordAnomaly(ctx, string(event.Type))
	e.risk.Evaluate(risk.Update{Anomaly: &event})
	e.persist(ctx)
}

func (e *Engine) anomalySink() func(schema.AnomalyEvent) {
	return func(event schema.AnomalyEvent) {
		e.RaiseAnomaly(context.Background(), event)
	}
}

// Reconcile runs one reconciliation pass and audits the report.
func (e *Engine) Reconcile(ctx context.Context, external []reconcile.ExternalTrade) (reconcile.Report, error) {
	if e.reconciler == nil {
		return reconcile.Report{}, errs.New("engine", errs.CodeUnavailable,
			errs.WithMessage("reconciler not configured"))
	}
	report, err := e.reconciler.Run(ctx, external)
	if err != nil {
		return reconcile.Report{}, err
	}
	e.append(ctx, audit.KindReconciliation, report)
	return report, nil
}

// Trip trips the kill switch with dual operator authorization.
func (e *Engine) Trip(tokenA, tokenB string) (risk.State, error) {
	return e.risk.Trip(tokenA, tokenB)
}

// Reset rearms the kill switch with dual operator authorization.
func (e *Engine) Reset(tokenA, tokenB string) (risk.State, error) {
	return e.risk.Reset(tokenA, tokenB)
}

// RiskState returns the current risk counters.
func (e *Engine) RiskState() risk.State { return e.risk.Snapshot() }

// Positions returns the ledger's open positions.
func (e *Engine) Positions() []ledger.PositionSnapshot { return e.ledger.Positions() }

// VerifyChain walks the full audit chain.
func (e *Engine) VerifyChain(ctx context.Context) (bool, uint64, error) {
	return audit.VerifyChain(ctx, e.auditStore)
}

// Run drives the background loops until ctx is done: periodic reconciliation
// against the trade provider, the mark-to-market refresh, and the risk daily
// roll.
func (e *Engine) Run(ctx context.Context, trades reconcile.TradeProvider) {
	var wg conc.WaitGroup
	if e.reconciler != nil && trades != nil {
		wg.Go(func() { e.reconciler.Loop(ctx, trades) })
	}
	wg.Go(func() { e.marksLoop(ctx) })
	wg.Go(func() { e.rollLoop(ctx) })
	wg.Wait()
}

// rollLoop keeps the risk day current even when no fills or marks arrive.
func (e *Engine) rollLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.risk.RollDay()
		}
	}
}

// marksLoop refreshes unrealized P&L from current marks and feeds price
// observations to the anomaly detector.
func (e *Engine) marksLoop(ctx context.Context) {
	ticker := time.NewTicker(e.marksInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RefreshMarks(ctx)
		}
	}
}

// RefreshMarks runs one mark-to-market pass over all open positions.
func (e *Engine) RefreshMarks(ctx context.Context) {
	positions := e.ledger.Positions()
	if len(positions) == 0 {
		return
	}

	marks := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		snap, err := e.market.Snapshot(ctx, p.Symbol)
		if err != nil {
			continue
		}
		mark := snap.Mid()
		if !mark.IsPositive() {
			continue
		}
		marks[p.Symbol] = mark

		value, _ := mark.Float64()
		if event := e.detector.Observe(anomaly.Signal{
			Kind:      anomaly.KindPrice,
			Key:       p.Symbol,
			Value:     value,
			Timestamp: snap.AsOf,
		}); event != nil {
			e.RaiseAnomaly(ctx, *event)
		}
	}
	if len(marks) == 0 {
		return
	}

	unrealized, stale, err := e.ledger.Unrealized(ctx, marks)
	if err != nil {
		observability.Log().Error("unrealized refresh",
			observability.F("error", err.Error()))
		return
	}
	if stale {
		observability.Log().Error("stale fx rate in unrealized refresh")
	}
	e.risk.Evaluate(risk.Update{Unrealized: unrealized, UnrealizedSet: true})
}

// onRiskChange audits risk-state transitions and persists the snapshot.
func (e *Engine) onRiskChange(state risk.State) {
	ctx := context.Background()
	e.append(ctx, audit.KindRiskState, state)
	if state.KillSwitchActive {
		e.instruments.RecordTrip(ctx, string(state.TripReason))
	}
	if e.riskStore != nil {
		if err := e.riskStore.Save(ctx, state); err != nil {
			observability.Log().Error("persist risk state",
				observability.F("error", err.Error()))
		}
	}
}

// persist writes the current lot and risk snapshots. Failures are logged;
// the in-memory state remains authoritative until the next write succeeds.
func (e *Engine) persist(ctx context.Context) {
	if e.lotStore != nil {
		if err := e.lotStore.Replace(ctx, e.ledger.Snapshot()); err != nil {
			observability.Log().Error("persist lots",
				observability.F("error", err.Error()))
		}
	}
	if e.riskStore != nil {
		if err := e.riskStore.Save(ctx, e.risk.Snapshot()); err != nil {
			observability.Log().Error("persist risk state",
				observability.F("error", err.Error()))
		}
	}
}

func (e *Engine) append(ctx context.Context, kind audit.Kind, payload any) {
	if _, err := e.auditLog.Append(ctx, kind, payload); err != nil {
		observability.Log().Error("audit append",
			observability.F("kind", string(kind)),
			observability.F("error", err.Error()))
	}
}

// Close shuts down the intent executor.
func (e *Engine) Close(ctx context.Context) error {
	return e.exec.Shutdown(ctx)
}
