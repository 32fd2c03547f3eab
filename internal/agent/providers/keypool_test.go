package providers

import (
	"testing"
	"time"
)

// fakeClock lets tests advance pool time without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestPool(keys ...string) (*KeyPool, *fakeClock) {
	p := NewKeyPool(keys)
	c := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	p.now = c.now
	return p, c
}

func TestRotationOnRateLimit(t *testing.T) {
	p, c := newTestPool("kA", "kB", "kC")

	if got := p.Get(); got != "kA" {
		t.Fatalf("first Get = %q, want kA", got)
	}
	p.ReportError(KindRateLimit)

	if got := p.Get(); got != "kB" {
		t.Fatalf("Get after 429 = %q, want kB", got)
	}
	p.ReportSuccess()

	if p.AvailableCount() != 2 {
		t.Errorf("AvailableCount = %d, want 2 while kA cools down", p.AvailableCount())
	}

	// Rate-limit cooldown is 60s on the first error.
	c.advance(59 * time.Second)
	if p.AvailableCount() != 2 {
		t.Errorf("kA available before cooldown expiry")
	}
	c.advance(2 * time.Second)
	if p.AvailableCount() != 3 {
		t.Errorf("AvailableCount = %d after expiry, want 3", p.AvailableCount())
	}
}

func TestCooldownGrowth(t *testing.T) {
	p, c := newTestPool("only")

	// First error: 30s default cooldown.
	p.Get()
	p.ReportError(KindTransient)
	k := p.keys[0]
	if got := k.cooldownUntil.Sub(c.t); got != 30*time.Second {
		t.Errorf("first cooldown = %v, want 30s", got)
	}

	// Second error: 30s * 5 = 150s.
	p.ReportError(KindTransient)
	if got := k.cooldownUntil.Sub(c.t); got != 150*time.Second {
		t.Errorf("second cooldown = %v, want 150s", got)
	}

	// Many errors: capped at 15m for the default policy.
	for i := 0; i < 5; i++ {
		p.ReportError(KindTransient)
	}
	if got := k.cooldownUntil.Sub(c.t); got != 15*time.Minute {
		t.Errorf("capped cooldown = %v, want 15m", got)
	}
}

func TestAuthCooldownPolicy(t *testing.T) {
	p, c := newTestPool("k1", "k2")
	p.Get()
	p.ReportError(KindAuth)
	if got := p.keys[0].cooldownUntil.Sub(c.t); got != 5*time.Minute {
		t.Errorf("auth cooldown = %v, want 5m", got)
	}
	p.ReportError(KindNonRetryable)
	if got := p.keys[1].cooldownUntil.Sub(c.t); got != 5*time.Hour {
		t.Errorf("billing cooldown = %v, want 5h", got)
	}
}

func TestSuccessResetsState(t *testing.T) {
	p, _ := newTestPool("k1")
	p.Get()
	p.ReportError(KindRateLimit)

	// The pool advanced past the single key and wrapped back to it.
	p.Get()
	p.ReportSuccess()

	k := p.keys[0]
	if k.errorCount != 0 || !k.cooldownUntil.IsZero() {
		t.Errorf("ReportSuccess did not reset: count=%d cooldown=%v", k.errorCount, k.cooldownUntil)
	}
}

func TestSingleKeyAlwaysServed(t *testing.T) {
	p, _ := newTestPool("solo")
	for i := 0; i < 4; i++ {
		if got := p.Get(); got != "solo" {
			t.Fatalf("Get = %q, want solo", got)
		}
		p.ReportError(KindRateLimit)
	}
}

func TestAllCoolingDownPicksNearestExpiry(t *testing.T) {
	p, _ := newTestPool("kA", "kB")
	p.Get()
	p.ReportError(KindAuth) // kA: 5m
	p.Get()
	p.ReportError(KindRateLimit) // kB: 60s

	if got := p.Get(); got != "kB" {
		t.Errorf("Get = %q, want kB (nearest expiry)", got)
	}
}
