package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testLimiter(t *testing.T, capacity int, refillPerSec float64) *ProviderLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewProviderLimiter(client, capacity, refillPerSec, time.Hour)
}

func TestAllowExhaustsCapacity(t *testing.T) {
	l := testLimiter(t, 2, 0)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := l.Allow(ctx, "stripeish")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("delivery %d rejected with tokens left", i)
		}
	}

	allowed, remaining, err := l.Allow(ctx, "stripeish")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatalf("delivery allowed past capacity")
	}
	if remaining >= 1 {
		t.Fatalf("remaining = %v, want < 1", remaining)
	}
}

func TestProvidersHaveIndependentBuckets(t *testing.T) {
	l := testLimiter(t, 1, 0)
	ctx := context.Background()

	if allowed, _, err := l.Allow(ctx, "stripeish"); err != nil || !allowed {
		t.Fatalf("first stripeish delivery: allowed=%v err=%v", allowed, err)
	}
	if allowed, _, err := l.Allow(ctx, "stripeish"); err != nil || allowed {
		t.Fatalf("second stripeish delivery: allowed=%v err=%v", allowed, err)
	}
	// A different provider's bucket is untouched by the first one draining.
	if allowed, _, err := l.Allow(ctx, "adyenish"); err != nil || !allowed {
		t.Fatalf("adyenish delivery: allowed=%v err=%v", allowed, err)
	}
}
