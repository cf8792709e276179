// Package evgate computes the expected value of candidate trades and sizes
// or rejects them before they reach the risk engine.
package evgate

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veloxtrade/riskcore/errs"
	"github.com/veloxtrade/riskcore/internal/fees"
	"github.com/veloxtrade/riskcore/internal/marketdata"
	"github.com/veloxtrade/riskcore/internal/schema"
)

var bpsDivisor = decimal.NewFromInt(10000)

// Config holds the gate's tuning parameters.
type Config struct {
	// MinEV is the minimum absolute expected value (base currency) required
	// to approve a trade at its requested size.
	MinEV decimal.Decimal `yaml:"minEV"`

	// LatencyPenaltyPerMs is subtracted from EV per millisecond of feed lag.
	LatencyPenaltyPerMs decimal.Decimal `yaml:"latencyPenaltyPerMs"`

	// SlippageMultiplier scales the size/depth slippage budget.
	SlippageMultiplier decimal.Decimal `yaml:"slippageMultiplier"`

	// ProbDepthCoeff and ProbLatencyCoeff weight the logistic fill-probability
	// inputs. LatencyRef normalizes observed feed lag.
	ProbDepthCoeff   float64       `yaml:"probDepthCoeff"`
	ProbLatencyCoeff float64       `yaml:"probLatencyCoeff"`
	LatencyRef       time.Duration `yaml:"latencyRef"`
}

// DefaultConfig returns conservative gate parameters.
func DefaultConfig() Config {
	return Config{
		MinEV:               decimal.NewFromInt(1),
		LatencyPenaltyPerMs: decimal.NewFromFloat(0.01),
		SlippageMultiplier:  decimal.NewFromInt(1),
		ProbDepthCoeff:      1.0,
		ProbLatencyCoeff:    1.0,
		LatencyRef:          500 * time.Millisecond,
	}
}

// Validate checks the configuration at load time.
func (c Config) Validate() error {
	if c.MinEV.IsNegative() {
		return errs.New("evgate", errs.CodeValidation, errs.WithMessage("minEV must be non-negative"))
	}
	if c.LatencyPenaltyPerMs.IsNegative() {
		return errs.New("evgate", errs.CodeValidation, errs.WithMessage("latencyPenaltyPerMs must be non-negative"))
	}
	if c.SlippageMultiplier.IsNegative() {
		return errs.New("evgate", errs.CodeValidation, errs.WithMessage("slippageMultiplier must be non-negative"))
	}
	if c.LatencyRef <= 0 {
		return errs.New("evgate", errs.CodeValidation, errs.WithMessage("latencyRef must be positive"))
	}
	return nil
}

// Gate evaluates trade intents. Decisions are memoized by intent id so each
// intent yields exactly one immutable decision.
type Gate struct {
	cfg   Config
	fees  *fees.Model
	clock func() time.Time

	mu        sync.Mutex
	decisions map[string]schema.EVDecision
}

// New constructs a gate over the given fee/tax model.
func New(cfg Config, model *fees.Model) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if model == nil {
		return nil, errs.New("evgate", errs.CodeValidation, errs.WithMessage("fee model required"))
	}
	return &Gate{
		cfg:       cfg,
		fees:      model,
		clock:     time.Now,
		decisions: make(map[string]schema.EVDecision),
	}, nil
}

// WithClock overrides the internal clock, primarily for testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	if clock != nil {
		g.clock = clock
	}
	return g
}

// Evaluate computes the EV decision for the intent using the market context.
// Re-evaluating an already-decided intent id returns the original decision.
func (g *Gate) Evaluate(intent schema.TradeIntent, market marketdata.Snapshot) schema.EVDecision {
	g.mu.Lock()
	if decision, ok := g.decisions[intent.ID]; ok {
		g.mu.Unlock()
		return decision
	}
	g.mu.Unlock()

	decision := g.decide(intent, market)

	g.mu.Lock()
	// First writer wins under concurrent evaluation of the same intent.
	if existing, ok := g.decisions[intent.ID]; ok {
		g.mu.Unlock()
		return existing
	}
	g.decisions[intent.ID] = decision
	g.mu.Unlock()
	return decision
}

func (g *Gate) decide(intent schema.TradeIntent, market marketdata.Snapshot) schema.EVDecision {
	fillProb := g.fillProbability(intent.Quantity, market)
	edgePerUnit := intent.Price.Mul(intent.SpreadBps).Div(bpsDivisor)
	latencyPenalty := g.latencyPenalty(market.FeedLag)

	decision := schema.EVDecision{
		IntentID:        intent.ID,
		Symbol:          intent.Symbol,
		Side:            intent.Side,
		SpreadBps:       intent.SpreadBps,
		FillProbability: fillProb,
		SlippageEst:     g.slippageBudget(intent.Quantity, intent.Price, market),
		EvaluatedAt:     g.clock(),
	}

	ev := func(size decimal.Decimal) decimal.Decimal {
		return g.expectedValue(intent, market, size, fillProb, edgePerUnit, latencyPenalty)
	}

	fullEV := ev(intent.Quantity)
	if fullEV.GreaterThan(g.cfg.MinEV) {
		cost := g.fees.Estimate(intent.Venue, intent.Side, fees.LiquidityTaker, intent.Notional())
		decision.NetCost = cost.Total()
		decision.ExpectedValue = fullEV
		decision.ApprovedSize = intent.Quantity
		decision.Outcome = schema.OutcomeApproved
		return decision
	}

	resized := g.largestViableSize(intent.Quantity, ev)
	if resized.IsPositive() {
		cost := g.fees.Estimate(intent.Venue, intent.Side, fees.LiquidityTaker, resized.Mul(intent.Price))
		decision.NetCost = cost.Total()
		decision.ExpectedValue = ev(resized)
		decision.ApprovedSize = resized
		decision.Outcome = schema.OutcomeResized
		return decision
	}

	cost := g.fees.Estimate(intent.Venue, intent.Side, fees.LiquidityTaker, intent.Notional())
	decision.NetCost = cost.Total()
	decision.ExpectedValue = fullEV
	decision.ApprovedSize = decimal.Zero
	decision.Outcome = schema.OutcomeRejected
	decision.Reason = string(errs.ReasonNegativeEV)
	return decision
}

// expectedValue implements
// EV = fillProb*edge*size - (fees+tax) - latencyPenalty - slippageBudget.
func (g *Gate) expectedValue(intent schema.TradeIntent, market marketdata.Snapshot, size decimal.Decimal, fillProb float64, edgePerUnit, latencyPenalty decimal.Decimal) decimal.Decimal {
	notional := size.Mul(intent.Price)
	cost := g.fees.Estimate(intent.Venue, intent.Side, fees.LiquidityTaker, notional)
	capture := edgePerUnit.Mul(size).Mul(decimal.NewFromFloat(fillProb))
	return capture.Sub(cost.Total()).Sub(latencyPenalty).Sub(g.slippageBudget(size, intent.Price, market))
}

// fillProbability is a logistic function of the depth ratio and feed lag,
// clamped away from 0 and 1 so no trade is ever treated as certain.
func (g *Gate) fillProbability(size decimal.Decimal, market marketdata.Snapshot) float64 {
	depthRatio := 1.0
	if market.BookDepth.IsPositive() && size.IsPositive() {
		depthRatio, _ = market.BookDepth.Div(size).Float64()
		if depthRatio > 10 {
			depthRatio = 10
		}
	}
	latencyTerm := 1.0 - float64(market.FeedLag)/float64(g.cfg.LatencyRef)
	x := g.cfg.ProbDepthCoeff*depthRatio + g.cfg.ProbLatencyCoeff*latencyTerm
	p := 1.0 / (1.0 + math.Exp(-x))
	return math.Min(0.99, math.Max(0.05, p))
}

// slippageBudget grows superlinearly with size relative to book depth, which
// keeps EV monotonically decreasing past its peak.
func (g *Gate) slippageBudget(size, price decimal.Decimal, market marketdata.Snapshot) decimal.Decimal {
	if !size.IsPositive() {
		return decimal.Zero
	}
	depth := market.BookDepth
	if !depth.IsPositive() {
		depth = size
	}
	ratio, _ := size.Div(depth).Float64()
	impact := decimal.NewFromFloat(math.Sqrt(ratio))
	return market.Volatility.Mul(impact).Mul(price).Mul(size).Mul(g.cfg.SlippageMultiplier)
}

func (g *Gate) latencyPenalty(lag time.Duration) decimal.Decimal {
	if lag <= 0 {
		return decimal.Zero
	}
	ms := decimal.NewFromFloat(float64(lag) / float64(time.Millisecond))
	return g.cfg.LatencyPenaltyPerMs.Mul(ms)
}

// largestViableSize bisects for the largest size in (0, max] whose EV is
// non-negative. Cost terms grow faster than linear edge capture, so EV is
// monotonically decreasing beyond its peak and the bisection converges on
// the outer root.
func (g *Gate) largestViableSize(max decimal.Decimal, ev func(decimal.Decimal) decimal.Decimal) decimal.Decimal {
	lo := decimal.Zero
	hi := max
	best := decimal.Zero
	two := decimal.NewFromInt(2)
	for i := 0; i < 32; i++ {
		mid := lo.Add(hi).Div(two)
		if !mid.IsPositive() {
			break
		}
		if ev(mid).Sign() >= 0 {
			best = mid
			lo = mid
		} else {
			hi = mid
		}
	}
	return best
}
