// Package ledger tracks FIFO lots, positions, and realized/unrealized P&L.
package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veloxtrade/riskcore/errs"
	"github.com/veloxtrade/riskcore/internal/fx"
	"github.com/veloxtrade/riskcore/internal/schema"
)

// Lot is a FIFO tranche of an open position. Quantity is always positive;
// direction comes from Side.
type Lot struct {
	Symbol     string           `json:"symbol"`
	Side       schema.TradeSide `json:"side"`
	Quantity   decimal.Decimal  `json:"quantity"`
	EntryPrice decimal.Decimal  `json:"entry_price"`
	Currency   string           `json:"currency"`
	OpenedAt   time.Time        `json:"opened_at"`
}

// Update summarises the effect of applying one fill.
type Update struct {
	Symbol        string
	RealizedDelta decimal.Decimal // base currency
	FeesDelta     decimal.Decimal // base currency
	NetQuantity   decimal.Decimal // signed, post-apply
	OpenLots      int
	FXStale       bool
}

// position holds one symbol's open lots and accumulators. All lots share the
// same side: an opposing fill consumes lots before any lot of the new side
// can open.
type position struct {
	mu       sync.Mutex
	symbol   string
	lots     []Lot
	realized decimal.Decimal // base currency
	fees     decimal.Decimal // base currency
}

// Ledger owns every position. Per-symbol ordering of Apply calls is the
// caller's responsibility (the engine serializes per symbol); the ledger
// additionally guards each position with its own lock so cross-symbol calls
// never contend.
type Ledger struct {
	baseCurrency string
	converter    fx.Converter

	mu        sync.RWMutex
	positions map[string]*position
}

// New constructs a ledger reporting in baseCurrency.
func New(baseCurrency string, converter fx.Converter) *Ledger {
	return &Ledger{
		baseCurrency: strings.ToUpper(strings.TrimSpace(baseCurrency)),
		converter:    converter,
		positions:    make(map[string]*position),
	}
}

// BaseCurrency returns the reporting currency.
func (l *Ledger) BaseCurrency() string { return l.baseCurrency }

func (l *Ledger) position(symbol string) *position {
	l.mu.RLock()
	p, ok := l.positions[symbol]
	l.mu.RUnlock()
	if ok {
		return p
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok = l.positions[symbol]; ok {
		return p
	}
	p = &position{symbol: symbol, realized: decimal.Zero, fees: decimal.Zero}
	l.positions[symbol] = p
	return p
}

// Apply matches the fill against open lots FIFO and returns the resulting
// update. An opposing fill consumes the oldest lots first; any residual
// quantity opens a new lot on the fill's side (position flip).
func (l *Ledger) Apply(ctx context.Context, fill schema.Fill) (Update, error) {
	if !fill.Quantity.IsPositive() {
		return Update{}, errs.New("ledger", errs.CodeValidation,
			errs.WithMessage("fill quantity must be positive"),
			errs.WithField("fill", fill.ID))
	}
	if !fill.Price.IsPositive() {
		return Update{}, errs.New("ledger", errs.CodeValidation,
			errs.WithMessage("fill price must be positive"),
			errs.WithField("fill", fill.ID))
	}

	currency := strings.ToUpper(strings.TrimSpace(fill.Currency))
	if currency == "" {
		currency = l.baseCurrency
	}
	rate, stale, err := l.converter.Rate(ctx, currency, l.baseCurrency)
	if err != nil {
		return Update{}, err
	}

	p := l.position(fill.Symbol)
	p.mu.Lock()
	defer p.mu.Unlock()

	realized := decimal.Zero
	remaining := fill.Quantity

	for remaining.IsPositive() && len(p.lots) > 0 && p.lots[0].Side == fill.Side.Opposite() {
		lot := &p.lots[0]
		consumed := decimal.Min(remaining, lot.Quantity)

		// A sell closing long lots earns (fill - entry); a buy closing short
		// lots earns (entry - fill).
		perUnit := fill.Price.Sub(lot.EntryPrice)
		if lot.Side == schema.SideSell {
			perUnit = perUnit.Neg()
		}
		realized = realized.Add(perUnit.Mul(consumed))

		lot.Quantity = lot.Quantity.Sub(consumed)
		remaining = remaining.Sub(consumed)
		if lot.Quantity.IsZero() {
			p.lots = p.lots[1:]
		}
	}

	if remaining.IsPositive() {
		p.lots = append(p.lots, Lot{
			Symbol:     fill.Symbol,
			Side:       fill.Side,
			Quantity:   remaining,
			EntryPrice: fill.Price,
			Currency:   currency,
			OpenedAt:   fill.Timestamp,
		})
	}

	realizedBase := realized.Mul(rate)
	feesBase := fill.Fee.Mul(rate)
	p.realized = p.realized.Add(realizedBase)
	p.fees = p.fees.Add(feesBase)

	return Update{
		Symbol:        fill.Symbol,
		RealizedDelta: realizedBase,
		FeesDelta:     feesBase,
		NetQuantity:   netQuantityLocked(p.lots),
		OpenLots:      len(p.lots),
		FXStale:       stale,
	}, nil
}

func netQuantityLocked(lots []Lot) decimal.Decimal {
	net := decimal.Zero
	for _, lot := range lots {
		net = net.Add(lot.Quantity.Mul(lot.Side.Sign()))
	}
	return net
}

// NetQuantity returns the signed open quantity for the symbol.
func (l *Ledger) NetQuantity(symbol string) decimal.Decimal {
	l.mu.RLock()
	p, ok := l.positions[symbol]
	l.mu.RUnlock()
	if !ok {
		return decimal.Zero
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return netQuantityLocked(p.lots)
}

// Realized returns the accumulated realized P&L (net of nothing; fees are
// reported separately) in the base currency.
func (l *Ledger) Realized() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := decimal.Zero
	for _, p := range l.positions {
		p.mu.Lock()
		total = total.Add(p.realized)
		p.mu.Unlock()
	}
	return total
}

// Fees returns accumulated fees in the base currency.
func (l *Ledger) Fees() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := decimal.Zero
	for _, p := range l.positions {
		p.mu.Lock()
		total = total.Add(p.fees)
		p.mu.Unlock()
	}
	return total
}

// Unrealized recomputes mark-to-market P&L from the supplied mark prices,
// converting to the base currency at call time. Symbols without a mark are
// skipped. The stale flag reports that at least one FX rate was stale.
func (l *Ledger) Unrealized(ctx context.Context, marks map[string]decimal.Decimal) (decimal.Decimal, bool, error) {
	l.mu.RLock()
	positions := make([]*position, 0, len(l.positions))
	for _, p := range l.positions {
		positions = append(positions, p)
	}
	l.mu.RUnlock()

	total := decimal.Zero
	anyStale := false
	for _, p := range positions {
		mark, ok := marks[p.symbol]
		if !ok {
			continue
		}
		p.mu.Lock()
		lots := make([]Lot, len(p.lots))
		copy(lots, p.lots)
		p.mu.Unlock()

		for _, lot := range lots {
			rate, stale, err := l.converter.Rate(ctx, lot.Currency, l.baseCurrency)
			if err != nil {
				return decimal.Zero, anyStale, err
			}
			anyStale = anyStale || stale
			perUnit := mark.Sub(lot.EntryPrice)
			if lot.Side == schema.SideSell {
				perUnit = perUnit.Neg()
			}
			total = total.Add(perUnit.Mul(lot.Quantity).Mul(rate))
		}
	}
	return total, anyStale, nil
}

// PositionSnapshot describes one symbol's open state for reporting.
type PositionSnapshot struct {
	Symbol      string          `json:"symbol"`
	NetQuantity decimal.Decimal `json:"net_quantity"`
	Realized    decimal.Decimal `json:"realized"`
	Fees        decimal.Decimal `json:"fees"`
	Lots        []Lot           `json:"lots"`
}

// Positions returns a snapshot of every open position, sorted by symbol.
func (l *Ledger) Positions() []PositionSnapshot {
	l.mu.RLock()
	positions := make([]*position, 0, len(l.positions))
	for _, p := range l.positions {
		positions = append(positions, p)
	}
	l.mu.RUnlock()

	out := make([]PositionSnapshot, 0, len(positions))
	for _, p := range positions {
		p.mu.Lock()
		lots := make([]Lot, len(p.lots))
		copy(lots, p.lots)
		snapshot := PositionSnapshot{
			Symbol:      p.symbol,
			NetQuantity: netQuantityLocked(p.lots),
			Realized:    p.realized,
			Fees:        p.fees,
			Lots:        lots,
		}
		p.mu.Unlock()
		out = append(out, snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Snapshot returns every open lot in FIFO order for persistence.
func (l *Ledger) Snapshot() []Lot {
	var out []Lot
	for _, p := range l.Positions() {
		out = append(out, p.Lots...)
	}
	return out
}

// Restore replaces the ledger's open lots from a persisted snapshot. Lots
// must arrive in their original FIFO order per symbol.
func (l *Ledger) Restore(lots []Lot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions = make(map[string]*position)
	for _, lot := range lots {
		if !lot.Quantity.IsPositive() {
			return errs.New("ledger", errs.CodeValidation,
				errs.WithMessage("restored lot quantity must be positive"),
				errs.WithField("symbol", lot.Symbol))
		}
		p, ok := l.positions[lot.Symbol]
		if !ok {
			p = &position{symbol: lot.Symbol, realized: decimal.Zero, fees: decimal.Zero}
			l.positions[lot.Symbol] = p
		}
		if len(p.lots) > 0 && p.lots[0].Side != lot.Side {
			return errs.New("ledger", errs.CodeValidation,
				errs.WithMessage("restored lots must share one side per symbol"),
				errs.WithField("symbol", lot.Symbol))
		}
		p.lots = append(p.lots, lot)
	}
	return nil
}
