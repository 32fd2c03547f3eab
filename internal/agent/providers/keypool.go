package providers

import (
	"log/slog"
	"sync"
	"time"
)

// cooldownPolicy controls how long a key rests after an error of a given
// kind. Cooldown grows as base * 5^min(count-1, maxExp), capped at cap.
type cooldownPolicy struct {
	base   time.Duration
	maxExp int
	cap    time.Duration
}

var cooldownPolicies = map[ErrorKind]cooldownPolicy{
	KindRateLimit:    {base: 60 * time.Second, maxExp: 3, cap: time.Hour},
	KindAuth:         {base: 5 * time.Minute, maxExp: 2, cap: 24 * time.Hour},
	KindNonRetryable: {base: 5 * time.Hour, maxExp: 1, cap: 24 * time.Hour},
}

var defaultCooldownPolicy = cooldownPolicy{base: 30 * time.Second, maxExp: 3, cap: 15 * time.Minute}

// keyState tracks one credential's health inside the pool.
type keyState struct {
	credential    string
	cooldownUntil time.Time
	errorCount    int
	lastUsed      time.Time
}

// KeyPool manages N interchangeable API credentials for one provider,
// rotating round-robin and cooling keys down per error kind.
//
// Thread Safety:
// All methods serialize on an internal mutex; Get and Report* are called
// from every chat request.
type KeyPool struct {
	mu    sync.Mutex
	keys  []*keyState
	index int
	now   func() time.Time

	logger *slog.Logger
}

// NewKeyPool builds a pool over the given credentials. Panics if empty;
// a provider without credentials is a configuration error.
func NewKeyPool(credentials []string) *KeyPool {
	if len(credentials) == 0 {
		panic("providers: key pool requires at least one credential")
	}
	keys := make([]*keyState, len(credentials))
	for i, c := range credentials {
		keys[i] = &keyState{credential: c}
	}
	return &KeyPool{keys: keys, now: time.Now, logger: slog.Default()}
}

// Get returns an available credential, advancing round-robin past keys in
// cooldown. If every key is cooling down, the one with the nearest expiry
// is returned; the pool never refuses.
func (p *KeyPool) Get() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for i := 0; i < len(p.keys); i++ {
		idx := (p.index + i) % len(p.keys)
		k := p.keys[idx]
		if !k.cooldownUntil.After(now) {
			p.index = idx
			k.lastUsed = now
			return k.credential
		}
	}

	// Everything is cooling down. Take the nearest expiry.
	best := 0
	for i, k := range p.keys {
		if k.cooldownUntil.Before(p.keys[best].cooldownUntil) {
			best = i
		}
	}
	p.index = best
	k := p.keys[best]
	k.lastUsed = now
	p.logger.Warn("all credentials cooling down, using nearest expiry",
		"cooldown_until", k.cooldownUntil)
	return k.credential
}

// ReportSuccess clears the current key's error count and cooldown.
func (p *KeyPool) ReportSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := p.keys[p.index]
	k.errorCount = 0
	k.cooldownUntil = time.Time{}
}

// ReportError puts the current key into cooldown per the kind's policy and
// advances the rotation index.
func (p *KeyPool) ReportError(kind ErrorKind) {
	p.mu.Lock()
	defer p.mu.Unlock()

	policy, ok := cooldownPolicies[kind]
	if !ok {
		policy = defaultCooldownPolicy
	}

	k := p.keys[p.index]
	k.errorCount++

	exp := k.errorCount - 1
	if exp > policy.maxExp {
		exp = policy.maxExp
	}
	d := policy.base
	for i := 0; i < exp; i++ {
		d *= 5
	}
	if d > policy.cap {
		d = policy.cap
	}
	k.cooldownUntil = p.now().Add(d)

	p.logger.Debug("credential cooling down",
		"kind", string(kind), "errors", k.errorCount, "duration", d)

	p.index = (p.index + 1) % len(p.keys)
}

// AvailableCount returns the number of keys not currently in cooldown.
func (p *KeyPool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	n := 0
	for _, k := range p.keys {
		if !k.cooldownUntil.After(now) {
			n++
		}
	}
	return n
}

// Size returns the total number of keys.
func (p *KeyPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}
