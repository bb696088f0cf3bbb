package source

import (
	"context"
	"sync"
	"time"
)

// KeyPool rotates API keys and throttles each one independently, so a
// pool of N keys sustains N times the per-key request rate.
type KeyPool struct {
	mu       sync.Mutex
	keys     []poolKey
	interval time.Duration
}

type poolKey struct {
	value       string
	nextAllowed time.Time
}

// NewKeyPool creates a pool over the given keys with a minimum interval
// between uses of any single key. An empty key list yields a pool with
// one anonymous key, for providers that accept unauthenticated calls.
func NewKeyPool(keys []string, minInterval time.Duration) *KeyPool {
	if len(keys) == 0 {
		keys = []string{""}
	}

	pk := make([]poolKey, len(keys))
	for i, k := range keys {
		pk[i] = poolKey{value: k}
	}

	return &KeyPool{keys: pk, interval: minInterval}
}

// Acquire returns the key that has been idle the longest, waiting out its
// throttle interval if needed.
func (p *KeyPool) Acquire(ctx context.Context) (string, error) {
	p.mu.Lock()

	best := 0
	for i := range p.keys {
		if p.keys[i].nextAllowed.Before(p.keys[best].nextAllowed) {
			best = i
		}
	}

	now := time.Now()
	wait := p.keys[best].nextAllowed.Sub(now)
	if wait < 0 {
		wait = 0
	}
	p.keys[best].nextAllowed = now.Add(wait + p.interval)
	key := p.keys[best].value

	p.mu.Unlock()

	if wait > 0 {
		select {
		case <-ctx.Done():
			// The reservation was never used; hand the slot back.
			p.mu.Lock()
			p.keys[best].nextAllowed = p.keys[best].nextAllowed.Add(-p.interval)
			p.mu.Unlock()
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
	return key, nil
}

// Size returns the number of keys in the pool.
func (p *KeyPool) Size() int {
	return len(p.keys)
}
