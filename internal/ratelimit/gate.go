package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// ScopeConfig sets the capacity and refill period for one bucket scope.
type ScopeConfig struct {
	Capacity     int
	RefillPeriod time.Duration
}

// Decision is the result of a Gate admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// scopedBucket pairs a Bucket with the config it was built from, so the Gate
// can detect a capacity/period change and rebuild it lazily.
type scopedBucket struct {
	bucket    *Bucket
	capacity  int
	period    time.Duration
}

// Gate is the Rate-Limit Gate (C1): admission control over three bucket
// scopes — `user:global`, `channel:<type>`, `llm:<providerId>`. Buckets are
// created lazily per scope key and rebuilt whenever the caller-supplied
// configuration for that scope changes, per the Token Bucket lifecycle in
// the data model.
type Gate struct {
	mu      sync.Mutex
	buckets map[string]*scopedBucket
}

// NewGate returns an empty Gate. Buckets are created on first use.
func NewGate() *Gate {
	return &Gate{buckets: make(map[string]*scopedBucket)}
}

// ScopeUserGlobal is the single per-process user scope key.
const ScopeUserGlobal = "user:global"

// ScopeChannel builds the `channel:<channelType>` scope key.
func ScopeChannel(channelType string) string {
	return fmt.Sprintf("channel:%s", channelType)
}

// ScopeLLM builds the `llm:<providerId>` scope key.
func ScopeLLM(providerID string) string {
	return fmt.Sprintf("llm:%s", providerID)
}

// TryConsume attempts to consume one token from the bucket for scopeKey,
// configured with cfg. If cfg differs from the configuration the existing
// bucket was built with, the bucket is rebuilt (replaced atomically) before
// the consume attempt, so a live capacity/period change takes effect on the
// very next call rather than requiring a restart.
func (g *Gate) TryConsume(scopeKey string, cfg ScopeConfig) Decision {
	bucket := g.bucketFor(scopeKey, cfg)
	if bucket.AllowN(1) {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, RetryAfter: bucket.WaitTime()}
}

func (g *Gate) bucketFor(scopeKey string, cfg ScopeConfig) *Bucket {
	g.mu.Lock()
	defer g.mu.Unlock()

	existing, ok := g.buckets[scopeKey]
	if ok && existing.capacity == cfg.Capacity && existing.period == cfg.RefillPeriod {
		return existing.bucket
	}

	rps := float64(cfg.Capacity)
	if cfg.RefillPeriod > 0 {
		rps = float64(cfg.Capacity) / cfg.RefillPeriod.Seconds()
	}
	bucket := NewBucket(Config{
		RequestsPerSecond: rps,
		BurstSize:         cfg.Capacity,
		Enabled:           true,
	})
	g.buckets[scopeKey] = &scopedBucket{bucket: bucket, capacity: cfg.Capacity, period: cfg.RefillPeriod}
	return bucket
}

// Status reports the current token count for a scope without consuming one.
func (g *Gate) Status(scopeKey string) (tokensRemaining float64, ok bool) {
	g.mu.Lock()
	existing, found := g.buckets[scopeKey]
	g.mu.Unlock()
	if !found {
		return 0, false
	}
	return existing.bucket.Tokens(), true
}
