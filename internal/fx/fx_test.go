package fx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestRateIdentity(t *testing.T) {
	conv := NewCachingConverter(SourceFunc(func(context.Context, string, string) (decimal.Decimal, error) {
		t.Fatal("identity conversion must not hit the source")
		return decimal.Zero, nil
	}), time.Second, time.Minute)

	rate, stale, err := conv.Rate(context.Background(), "USD", "usd")
	if err != nil {
		t.Fatalf("identity rate: %v", err)
	}
	if stale {
		t.Fatal("identity rate must not be stale")
	}
	if !rate.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("identity rate = %s, want 1", rate)
	}
}

func TestRateFetchAndCache(t *testing.T) {
	calls := 0
	conv := NewCachingConverter(SourceFunc(func(context.Context, string, string) (decimal.Decimal, error) {
		calls++
		return decimal.NewFromFloat(1350.5), nil
	}), time.Second, time.Minute)

	for i := 0; i < 3; i++ {
		rate, stale, err := conv.Rate(context.Background(), "USD", "KRW")
		if err != nil || stale {
			t.Fatalf("rate %d: err=%v stale=%v", i, err, stale)
		}
		if !rate.Equal(decimal.NewFromFloat(1350.5)) {
			t.Fatalf("rate = %s", rate)
		}
	}
	if calls != 1 {
		t.Fatalf("source called %d times, want 1 (cached)", calls)
	}
}

func TestRateStaleFallback(t *testing.T) {
	now := time.Unix(1000, 0)
	failing := false
	conv := NewCachingConverter(SourceFunc(func(context.Context, string, string) (decimal.Decimal, error) {
		if failing {
			return decimal.Zero, errors.New("source down")
		}
		return decimal.NewFromInt(2), nil
	}), time.Second, time.Minute).WithClock(func() time.Time { return now })

	if _, stale, err := conv.Rate(context.Background(), "EUR", "USD"); err != nil || stale {
		t.Fatalf("initial fetch: err=%v stale=%v", err, stale)
	}

	// Age the cache past tolerance and break the source.
	now = now.Add(2 * time.Minute)
	failing = true

	rate, stale, err := conv.Rate(context.Background(), "EUR", "USD")
	if err != nil {
		t.Fatalf("fallback rate: %v", err)
	}
	if !stale {
		t.Fatal("expired cache with failing source must be flagged stale")
	}
	if !rate.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("fallback rate = %s, want 2", rate)
	}
}

func TestRateNoCacheNoSource(t *testing.T) {
	conv := NewCachingConverter(SourceFunc(func(context.Context, string, string) (decimal.Decimal, error) {
		return decimal.Zero, errors.New("source down")
	}), time.Second, time.Minute)

	if _, _, err := conv.Rate(context.Background(), "GBP", "USD"); err == nil {
		t.Fatal("expected error with no cached rate and failing source")
	}
}
