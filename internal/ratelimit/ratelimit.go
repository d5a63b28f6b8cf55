// Package ratelimit provides token buckets keyed by client, used to
// throttle manual notification triggers.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a token bucket refilled at a fixed rate.
type Bucket struct {
	mu     sync.Mutex
	rate   float64
	burst  int
	tokens float64
	last   time.Time
}

func NewBucket(rate float64, burst int) *Bucket {
	return &Bucket{
		rate:   rate,
		burst:  burst,
		tokens: float64(burst),
		last:   time.Now(),
	}
}

// Allow consumes one token if available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	b.last = now
	if b.tokens > float64(b.burst) {
		b.tokens = float64(b.burst)
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// PerKey hands out one Bucket per key (typically a remote IP). The map
// is reset wholesale when it grows past maxKeys; a restarted bucket only
// grants a client a fresh burst.
type PerKey struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	rate    float64
	burst   int
	maxKeys int
}

func NewPerKey(rate float64, burst int) *PerKey {
	return &PerKey{
		buckets: make(map[string]*Bucket),
		rate:    rate,
		burst:   burst,
		maxKeys: 10000,
	}
}

// Allow consumes one token from key's bucket, creating it on first use.
func (p *PerKey) Allow(key string) bool {
	p.mu.Lock()
	if len(p.buckets) > p.maxKeys {
		p.buckets = make(map[string]*Bucket)
	}
	bucket, ok := p.buckets[key]
	if !ok {
		bucket = NewBucket(p.rate, p.burst)
		p.buckets[key] = bucket
	}
	p.mu.Unlock()

	return bucket.Allow()
}
