package httpapi

import "testing"

func TestLimiterPoolPerKey(t *testing.T) {
	pool := newLimiterPool(1)

	if !pool.Allow("alice") {
		t.Fatal("expected first request allowed")
	}
	if pool.Allow("alice") {
		t.Fatal("expected second request throttled")
	}
	// Each caller gets their own bucket.
	if !pool.Allow("bob") {
		t.Fatal("expected another caller unaffected")
	}
}

func TestLimiterPoolDefaultsWhenUnconfigured(t *testing.T) {
	pool := newLimiterPool(0)
	if !pool.Allow("anyone") {
		t.Fatal("expected a sane default limit")
	}
}
