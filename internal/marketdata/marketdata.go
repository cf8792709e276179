// Package marketdata defines the market-context contract consumed by the
// engine. The feed pipeline that populates it lives outside this repository.
package marketdata

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veloxtrade/riskcore/errs"
)

// Snapshot is the per-symbol market context used for EV and fill modeling.
type Snapshot struct {
	Symbol     string
	BestBid    decimal.Decimal
	BestAsk    decimal.Decimal
	LastPrice  decimal.Decimal
	BookDepth  decimal.Decimal
	Volatility decimal.Decimal
	FeedLag    time.Duration
	AsOf       time.Time
}

// Mid returns the bid/ask midpoint, falling back to the last trade price when
// one side of the book is missing.
func (s Snapshot) Mid() decimal.Decimal {
	if s.BestBid.IsPositive() && s.BestAsk.IsPositive() {
		return s.BestBid.Add(s.BestAsk).Div(decimal.NewFromInt(2))
	}
	return s.LastPrice
}

// Provider supplies market context per symbol.
type Provider interface {
	Snapshot(ctx context.Context, symbol string) (Snapshot, error)
}

// MemoryProvider is an in-memory Provider fed by the upstream pipeline.
type MemoryProvider struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

// NewMemoryProvider constructs an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{snapshots: make(map[string]Snapshot)}
}

// Update stores the latest snapshot for its symbol.
func (p *MemoryProvider) Update(snapshot Snapshot) {
	symbol := strings.TrimSpace(snapshot.Symbol)
	if symbol == "" {
		return
	}
	p.mu.Lock()
	p.snapshots[symbol] = snapshot
	p.mu.Unlock()
}

// Snapshot returns the latest stored context for the symbol.
func (p *MemoryProvider) Snapshot(_ context.Context, symbol string) (Snapshot, error) {
	p.mu.RLock()
	snapshot, ok := p.snapshots[strings.TrimSpace(symbol)]
	p.mu.RUnlock()
	if !ok {
		return Snapshot{}, errs.New("marketdata", errs.CodeNotFound,
			errs.WithMessage("no market context"), errs.WithField("symbol", symbol))
	}
	return snapshot, nil
}

// Symbols lists the symbols with stored context.
func (p *MemoryProvider) Symbols() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.snapshots))
	for symbol := range p.snapshots {
		out = append(out, symbol)
	}
	return out
}
