package skillrouter

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

// cacheEntry is the Routing Cache Entry of the data model: a fingerprinted
// query+candidate-set pair mapped to a previously computed match result.
type cacheEntry struct {
	fingerprint string
	result      MatchResult
	createdAt   time.Time
	ttl         time.Duration
	elem        *list.Element
}

// resultCache is a TTL + approximate-LRU cache keyed by (query text,
// candidate name set). No generic LRU library ships in the dependency pack
// for this; container/list is the standard-library idiom for this shape, so
// it is used directly rather than hand-rolling a doubly linked list.
type resultCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	entries map[string]*cacheEntry
	order   *list.List // front = most recently used
}

func newResultCache(ttl time.Duration, maxSize int) *resultCache {
	return &resultCache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
	}
}

// fingerprint builds the cache key from the query text and the sorted set
// of candidate skill names, so reordering candidates does not cause misses.
func fingerprint(query string, candidateNames []string) string {
	sorted := append([]string(nil), candidateNames...)
	sort.Strings(sorted)
	h := sha256.New()
	h.Write([]byte(query))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *resultCache) get(fp string) (MatchResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[fp]
	if !ok {
		return MatchResult{}, false
	}
	if time.Since(entry.createdAt) > entry.ttl {
		c.removeLocked(entry)
		return MatchResult{}, false
	}
	c.order.MoveToFront(entry.elem)
	result := entry.result
	result.Cached = true
	result.LLMClassifierUsed = entry.result.LLMClassifierUsed
	return result, true
}

func (c *resultCache) put(fp string, result MatchResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[fp]; ok {
		existing.result = result
		existing.createdAt = time.Now()
		c.order.MoveToFront(existing.elem)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}

	entry := &cacheEntry{fingerprint: fp, result: result, createdAt: time.Now(), ttl: c.ttl}
	entry.elem = c.order.PushFront(entry)
	c.entries[fp] = entry
}

// evictOldestLocked drops roughly 10% of entries from the back of the order
// list (least recently used) when the cache is full.
func (c *resultCache) evictOldestLocked() {
	toEvict := len(c.entries) / 10
	if toEvict < 1 {
		toEvict = 1
	}
	for i := 0; i < toEvict; i++ {
		back := c.order.Back()
		if back == nil {
			return
		}
		c.removeLocked(back.Value.(*cacheEntry))
	}
}

func (c *resultCache) removeLocked(entry *cacheEntry) {
	c.order.Remove(entry.elem)
	delete(c.entries, entry.fingerprint)
}

// size returns the current entry count, used by tests asserting the
// size<=maxSize invariant holds after every put.
func (c *resultCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
