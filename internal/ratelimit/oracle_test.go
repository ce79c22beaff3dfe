package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"parts-enrichment/internal/models"
)

func TestRedisOracleCheck(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	oracle := NewRedisOracle(client, 2, 0.5, time.Minute)

	dec, err := oracle.Check(ctx, "MOUSER", models.CapabilityDatasheet)
	if err != nil || !dec.Allowed {
		t.Fatalf("expected first request allowed, got allowed=%v err=%v", dec.Allowed, err)
	}
	dec, _ = oracle.Check(ctx, "MOUSER", models.CapabilityDatasheet)
	if !dec.Allowed {
		t.Fatalf("expected second request allowed")
	}
	dec, _ = oracle.Check(ctx, "MOUSER", models.CapabilityDatasheet)
	if dec.Allowed {
		t.Fatalf("expected third request denied")
	}
	if dec.RetryAfter < 2*time.Second {
		t.Fatalf("expected retry-after of at least one refill interval, got %s", dec.RetryAfter)
	}

	// Buckets are per (supplier, capability): a different pair is unaffected.
	dec, _ = oracle.Check(ctx, "MOUSER", models.CapabilityImage)
	if !dec.Allowed {
		t.Fatalf("expected independent bucket for another capability")
	}
	dec, _ = oracle.Check(ctx, "LCSC", models.CapabilityDatasheet)
	if !dec.Allowed {
		t.Fatalf("expected independent bucket for another supplier")
	}

	// Note: refill cannot be tested with miniredis.FastForward() because the
	// Lua script receives time from Go's time.Now(), not Redis's clock.
}

func TestRedisOracleRecord(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	oracle := NewRedisOracle(client, 10, 1, time.Minute)

	if err := oracle.Record(ctx, "MOUSER", models.CapabilityPricing, true, 120*time.Millisecond, ""); err != nil {
		t.Fatalf("record success: %v", err)
	}
	if err := oracle.Record(ctx, "MOUSER", models.CapabilityPricing, false, 80*time.Millisecond, "502 bad gateway"); err != nil {
		t.Fatalf("record failure: %v", err)
	}

	key := recordKey("MOUSER", models.CapabilityPricing)
	if v := mr.HGet(key, "success"); v != "1" {
		t.Fatalf("expected 1 success, got %q", v)
	}
	if v := mr.HGet(key, "failure"); v != "1" {
		t.Fatalf("expected 1 failure, got %q", v)
	}
	if v := mr.HGet(key, "last_error"); v != "502 bad gateway" {
		t.Fatalf("expected last error kept, got %q", v)
	}
	if v := mr.HGet(key, "total_ms"); v != "200" {
		t.Fatalf("expected 200 total ms, got %q", v)
	}
}
