// Package sim provides the paper order-management system: a venue simulator
// that turns approved intents into orders and fills without touching a real
// exchange.
package sim

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/veloxtrade/riskcore/errs"
	"github.com/veloxtrade/riskcore/internal/fees"
	"github.com/veloxtrade/riskcore/internal/marketdata"
	"github.com/veloxtrade/riskcore/internal/observability"
	"github.com/veloxtrade/riskcore/internal/schema"
)

// Router is the execution surface shared by paper and live implementations.
type Router interface {
	Submit(ctx context.Context, intent schema.TradeIntent, decision schema.EVDecision) (*schema.Order, error)
	Cancel(ctx context.Context, orderID string) (bool, error)
	OpenOrders() []string
}

// FillFunc receives each execution tranche. The engine wires this into the
// ledger and the audit log; a returned error cancels the order and aborts
// the remaining tranches.
type FillFunc func(ctx context.Context, fill schema.Fill, order schema.Order) error

// StateFunc receives every order state transition.
type StateFunc func(ctx context.Context, order schema.Order) error

// Config tunes the paper venue.
type Config struct {
	// Tranches is how many partial fills a full execution is split into.
	Tranches int `yaml:"tranches"`
	// SlippageMultiplier scales the adverse price move applied to fills.
	SlippageMultiplier decimal.Decimal `yaml:"slippageMultiplier"`
	// Currency is the settlement currency stamped on fills.
	Currency string `yaml:"currency"`
	// ConfirmTimeout bounds the fill-confirmation retry loop.
	ConfirmTimeout time.Duration `yaml:"confirmTimeout"`
}

// DefaultConfig returns single-tranche fills with unit slippage scaling.
func DefaultConfig() Config {
	return Config{
		Tranches:           1,
		SlippageMultiplier: decimal.NewFromInt(1),
		Currency:           "USD",
		ConfirmTimeout:     2 * time.Second,
	}
}

// Validate checks the configuration at load time.
func (c Config) Validate() error {
	if c.Tranches < 1 {
		return errs.New("sim", errs.CodeValidation, errs.WithMessage("tranches must be >=1"))
	}
	if c.SlippageMultiplier.IsNegative() {
		return errs.New("sim", errs.CodeValidation, errs.WithMessage("slippage multiplier must be non-negative"))
	}
	if c.Currency == "" {
		return errs.New("sim", errs.CodeValidation, errs.WithMessage("currency required"))
	}
	if c.ConfirmTimeout <= 0 {
		return errs.New("sim", errs.CodeValidation, errs.WithMessage("confirm timeout must be positive"))
	}
	return nil
}

// Paper simulates a venue. Fills execute synchronously inside Submit; the
// fill and state callbacks observe them in execution order.
type Paper struct {
	cfg    Config
	fees   *fees.Model
	market marketdata.Provider
	clock  func() time.Time

	onFill  FillFunc
	onState StateFunc
	confirm func(ctx context.Context, fillID string) error

	mu       sync.Mutex
	orders   map[string]*schema.Order
	byIntent map[string]string
	fills    []schema.Fill
	down     map[string]bool
}

// NewPaper constructs the simulator.
func NewPaper(cfg Config, feeModel *fees.Model, market marketdata.Provider) (*Paper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if feeModel == nil {
		return nil, errs.New("sim", errs.CodeValidation, errs.WithMessage("fee model required"))
	}
	if market == nil {
		return nil, errs.New("sim", errs.CodeValidation, errs.WithMessage("market provider required"))
	}
	return &Paper{
		cfg:      cfg,
		fees:     feeModel,
		market:   market,
		clock:    time.Now,
		orders:   make(map[string]*schema.Order),
		byIntent: make(map[string]string),
		down:     make(map[string]bool),
	}, nil
}

// WithClock overrides the internal clock, primarily for testing.
func (p *Paper) WithClock(clock func() time.Time) *Paper {
	if clock != nil {
		p.clock = clock
	}
	return p
}

// SetOnFill registers the per-tranche fill callback.
func (p *Paper) SetOnFill(fn FillFunc) { p.onFill = fn }

// SetOnState registers the order state transition callback.
func (p *Paper) SetOnState(fn StateFunc) { p.onState = fn }

// SetConfirm overrides fill confirmation. The default confirms immediately;
// a flaky confirm is retried with exponential backoff up to ConfirmTimeout.
func (p *Paper) SetConfirm(fn func(ctx context.Context, fillID string) error) { p.confirm = fn }

// SetVenueDown toggles the injectable venue outage flag.
func (p *Paper) SetVenueDown(venue string, down bool) {
	p.mu.Lock()
	p.down[venue] = down
	p.mu.Unlock()
}

// Submit executes an approved intent against the simulated venue. Submitting
// the same intent id twice returns the original order without re-executing.
func (p *Paper) Submit(ctx context.Context, intent schema.TradeIntent, decision schema.EVDecision) (*schema.Order, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	if !decision.Approved() {
		return nil, errs.New("sim", errs.CodeValidation,
			errs.WithMessage("decision did not approve the intent"),
			errs.WithField("outcome", string(decision.Outcome)))
	}

	p.mu.Lock()
	if existing, ok := p.byIntent[intent.ID]; ok {
		order := *p.orders[existing]
		p.mu.Unlock()
		return &order, nil
	}
	venueDown := p.down[intent.Venue]
	now := p.clock()
	order := &schema.Order{
		ID:         uuid.NewString(),
		IntentID:   intent.ID,
		StrategyID: intent.StrategyID,
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Quantity:   executionSize(intent, decision),
		Price:      intent.Price,
		Venue:      intent.Venue,
		State:      schema.OrderNew,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	p.orders[order.ID] = order
	p.byIntent[intent.ID] = order.ID
	p.mu.Unlock()

	if venueDown {
		p.transition(ctx, order.ID, schema.OrderRejected, string(errs.ReasonVenueDown))
		out := p.snapshot(order.ID)
		return &out, nil
	}

	if err := p.emitState(ctx, p.snapshot(order.ID)); err != nil {
		return nil, err
	}
	if err := p.execute(ctx, order.ID); err != nil {
		return nil, err
	}
	out := p.snapshot(order.ID)
	return &out, nil
}

func executionSize(intent schema.TradeIntent, decision schema.EVDecision) decimal.Decimal {
	if decision.Outcome == schema.OutcomeResized && decision.ApprovedSize.IsPositive() {
		return decision.ApprovedSize
	}
	return intent.Quantity
}

// execute splits the order into tranches and fills each one at an adversely
// slipped price. Each tranche is confirmed before its callbacks fire;
// execution stops at the first terminal state or callback error.
func (p *Paper) execute(ctx context.Context, orderID string) error {
	order := p.snapshot(orderID)
	snap, err := p.market.Snapshot(ctx, order.Symbol)
	if err != nil {
		p.transition(ctx, orderID, schema.OrderRejected, "no market context")
		return errs.New("sim", errs.CodeVenue,
			errs.WithMessage("no market context for symbol"),
			errs.WithField("symbol", order.Symbol), errs.WithCause(err))
	}

	fillPrice := p.fillPrice(order, snap)
	tranche := order.Quantity.Div(decimal.NewFromInt(int64(p.cfg.Tranches)))
	remaining := order.Quantity

	for i := 0; i < p.cfg.Tranches; i++ {
		// A cancel landing between tranches ends the execution.
		if p.snapshot(orderID).State.Terminal() {
			return nil
		}
		qty := tranche
		if i == p.cfg.Tranches-1 {
			qty = remaining
		}
		remaining = remaining.Sub(qty)

		fill := schema.Fill{
			ID:          uuid.NewString(),
			OrderID:     order.ID,
			Symbol:      order.Symbol,
			Side:        order.Side,
			Price:       fillPrice,
			Quantity:    qty,
			Fee:         p.fees.Estimate(order.Venue, order.Side, fees.LiquidityTaker, fillPrice.Mul(qty)).Total(),
			Currency:    p.cfg.Currency,
			PriceSource: "paper",
			Timestamp:   p.clock(),
		}

		if err := p.confirmFill(ctx, fill.ID); err != nil {
			p.transition(ctx, orderID, schema.OrderCanceled, "fill confirmation timeout")
			return errs.New("sim", errs.CodeVenue, errs.WithReason(errs.ReasonVenueTimeout),
				errs.WithMessage("fill confirmation timed out"),
				errs.WithField("order_id", order.ID), errs.WithCause(err))
		}

		// The cancel sweep may land while the fill is being confirmed; a
		// terminal order takes no further fills.
		p.mu.Lock()
		if p.orders[orderID].State.Terminal() {
			p.mu.Unlock()
			return nil
		}
		p.fills = append(p.fills, fill)
		p.mu.Unlock()

		next := schema.OrderPartiallyFilled
		if remaining.IsZero() {
			next = schema.OrderFilled
		}
		p.transition(ctx, orderID, next, "")

		if p.onFill != nil {
			if err := p.onFill(ctx, fill, p.snapshot(orderID)); err != nil {
				if !p.snapshot(orderID).State.Terminal() {
					p.transition(ctx, orderID, schema.OrderCanceled, "execution halted")
				}
				return err
			}
		}
	}
	return nil
}

// fillPrice applies the adverse slip to the reference mid. Buys pay up,
// sells receive less.
func (p *Paper) fillPrice(order schema.Order, snap marketdata.Snapshot) decimal.Decimal {
	mid := snap.Mid()
	if !mid.IsPositive() {
		mid = order.Price
	}
	slip := decimal.Zero
	if snap.BookDepth.IsPositive() {
		ratio, _ := order.Quantity.Div(snap.BookDepth).Float64()
		slip = mid.Mul(snap.Volatility).
			Mul(decimal.NewFromFloat(math.Sqrt(ratio))).
			Mul(p.cfg.SlippageMultiplier)
	}
	if order.Side == schema.SideBuy {
		return mid.Add(slip)
	}
	return mid.Sub(slip)
}

func (p *Paper) confirmFill(ctx context.Context, fillID string) error {
	if p.confirm == nil {
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, p.confirm(ctx, fillID)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(p.cfg.ConfirmTimeout),
	)
	return err
}

// Cancel moves a non-terminal order to CANCELED. It reports whether the
// order was actually canceled.
func (p *Paper) Cancel(ctx context.Context, orderID string) (bool, error) {
	p.mu.Lock()
	order, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return false, errs.New("sim", errs.CodeNotFound,
			errs.WithMessage("unknown order"), errs.WithField("order_id", orderID))
	}
	if !schema.CanTransition(order.State, schema.OrderCanceled) {
		p.mu.Unlock()
		return false, nil
	}
	p.mu.Unlock()
	p.transition(ctx, orderID, schema.OrderCanceled, "")
	return true, nil
}

// CancelAll sweeps every non-terminal order. Used by the kill switch.
func (p *Paper) CancelAll(ctx context.Context) error {
	for _, id := range p.OpenOrders() {
		if _, err := p.Cancel(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// OpenOrders lists ids of orders not yet in a terminal state.
func (p *Paper) OpenOrders() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0)
	for id, order := range p.orders {
		if !order.State.Terminal() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Order returns a copy of the order by id.
func (p *Paper) Order(orderID string) (schema.Order, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return schema.Order{}, false
	}
	return *order, true
}

// OrderByIntent returns the order created for an intent id, if any.
func (p *Paper) OrderByIntent(intentID string) (schema.Order, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byIntent[intentID]
	if !ok {
		return schema.Order{}, false
	}
	return *p.orders[id], true
}

// Fills returns all recorded fills in execution order. Implements the
// reconciliation fill source.
func (p *Paper) Fills(context.Context) ([]schema.Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]schema.Fill, len(p.fills))
	copy(out, p.fills)
	return out, nil
}

func (p *Paper) snapshot(orderID string) schema.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.orders[orderID]
}

func (p *Paper) transition(ctx context.Context, orderID string, to schema.OrderState, reason string) {
	p.mu.Lock()
	order := p.orders[orderID]
	if order.State != to && !schema.CanTransition(order.State, to) {
		p.mu.Unlock()
		observability.Log().Error("illegal order transition",
			observability.F("order_id", orderID),
			observability.F("from", string(order.State)),
			observability.F("to", string(to)))
		return
	}
	order.State = to
	order.RejectReason = reason
	order.UpdatedAt = p.clock()
	out := *order
	p.mu.Unlock()

	if err := p.emitState(ctx, out); err != nil {
		observability.Log().Error("order state callback",
			observability.F("order_id", orderID), observability.F("error", err.Error()))
	}
}

func (p *Paper) emitState(ctx context.Context, order schema.Order) error {
	if p.onState == nil {
		return nil
	}
	return p.onState(ctx, order)
}
