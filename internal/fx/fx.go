// Package fx provides currency conversion with explicit staleness tracking.
package fx

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"

	"github.com/veloxtrade/riskcore/errs"
	"github.com/veloxtrade/riskcore/internal/observability"
)

// Source fetches the current rate converting one unit of from into to.
type Source interface {
	Fetch(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, from, to string) (decimal.Decimal, error)

// Fetch implements Source.
func (f SourceFunc) Fetch(ctx context.Context, from, to string) (decimal.Decimal, error) {
	return f(ctx, from, to)
}

// Converter resolves FX rates at computation time. The stale flag reports that
// the returned rate is older than the configured tolerance; callers must
// propagate it rather than treat the rate as fresh.
type Converter interface {
	Rate(ctx context.Context, from, to string) (rate decimal.Decimal, stale bool, err error)
}

type cachedRate struct {
	rate      decimal.Decimal
	fetchedAt time.Time
}

// CachingConverter backs Converter with a Source, a per-call timeout, and a
// last-known-rate fallback flagged stale.
type CachingConverter struct {
	source       Source
	fetchTimeout time.Duration
	maxAge       time.Duration
	clock        func() time.Time

	mu    sync.RWMutex
	rates map[string]cachedRate
}

// NewCachingConverter constructs a converter. maxAge bounds how old a cached
// rate may be before it is flagged stale.
func NewCachingConverter(source Source, fetchTimeout, maxAge time.Duration) *CachingConverter {
	if fetchTimeout <= 0 {
		fetchTimeout = 5 * time.Second
	}
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	return &CachingConverter{
		source:       source,
		fetchTimeout: fetchTimeout,
		maxAge:       maxAge,
		clock:        time.Now,
		rates:        make(map[string]cachedRate),
	}
}

// WithClock overrides the internal clock, primarily for testing.
func (c *CachingConverter) WithClock(clock func() time.Time) *CachingConverter {
	if clock != nil {
		c.clock = clock
	}
	return c
}

// Rate returns the conversion rate from one currency to another. Identical
// currencies convert at 1. On fetch failure the last-known rate is returned
// with stale=true; with no cached rate at all the error is surfaced.
func (c *CachingConverter) Rate(ctx context.Context, from, to string) (decimal.Decimal, bool, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	if from == to {
		return decimal.NewFromInt(1), false, nil
	}

	key := from + "/" + to
	now := c.clock()

	c.mu.RLock()
	cached, ok := c.rates[key]
	c.mu.RUnlock()
	if ok && now.Sub(cached.fetchedAt) <= c.maxAge {
		return cached.rate, false, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()
	rate, err := c.source.Fetch(fetchCtx, from, to)
	if err == nil && rate.IsPositive() {
		c.mu.Lock()
		c.rates[key] = cachedRate{rate: rate, fetchedAt: now}
		c.mu.Unlock()
		return rate, false, nil
	}

	if ok {
		observability.Log().Debug("fx fallback to last-known rate",
			observability.F("pair", key),
			observability.F("age", now.Sub(cached.fetchedAt).String()))
		return cached.rate, true, nil
	}
	if err == nil {
		err = errs.New("fx", errs.CodeUnavailable,
			errs.WithMessage("source returned non-positive rate"), errs.WithField("pair", key))
	}
	return decimal.Zero, false, errs.New("fx", errs.CodeUnavailable,
		errs.WithMessage("no rate available"), errs.WithField("pair", key), errs.WithCause(err))
}

// Seed installs a rate as if freshly fetched. Used at startup and in tests.
func (c *CachingConverter) Seed(from, to string, rate decimal.Decimal) {
	key := strings.ToUpper(strings.TrimSpace(from)) + "/" + strings.ToUpper(strings.TrimSpace(to))
	c.mu.Lock()
	c.rates[key] = cachedRate{rate: rate, fetchedAt: c.clock()}
	c.mu.Unlock()
}

// RefreshLoop periodically refreshes the given pairs until ctx is done.
// Fetch failures retry with bounded exponential backoff; refresh is an
// idempotent read so retrying is safe.
func (c *CachingConverter) RefreshLoop(ctx context.Context, interval time.Duration, pairs [][2]string) {
	if interval <= 0 {
		interval = c.maxAge / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, pair := range pairs {
				c.refreshPair(ctx, pair[0], pair[1])
			}
		}
	}
}

func (c *CachingConverter) refreshPair(ctx context.Context, from, to string) {
	operation := func() (decimal.Decimal, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
		return c.source.Fetch(fetchCtx, from, to)
	}
	rate, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(c.fetchTimeout*3),
	)
	if err != nil {
		observability.Log().Error("fx refresh failed",
			observability.F("pair", from+"/"+to),
			observability.F("error", err.Error()))
		return
	}
	if rate.IsPositive() {
		c.Seed(from, to, rate)
	}
}
