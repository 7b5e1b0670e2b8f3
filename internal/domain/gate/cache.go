package gate

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/agentward/agentward/internal/domain/action"
	"github.com/agentward/agentward/internal/domain/policy"
)

// cacheEntry is a node in the verdict cache's intrusive LRU list.
type cacheEntry struct {
	key      uint64
	decision Decision
	prev     *cacheEntry
	next     *cacheEntry
}

// verdictCache provides bounded LRU caching for gate decisions.
// Thread-safe with a mutex (both Get and Put mutate LRU order).
// Cached decisions are stored unstamped and detached; callers clone on
// the way out so a caller can never mutate a cached argument tree.
type verdictCache struct {
	mu      sync.Mutex
	entries map[uint64]*cacheEntry
	head    *cacheEntry // most recently used
	tail    *cacheEntry // least recently used
	maxSize int
}

func newVerdictCache(maxSize int) *verdictCache {
	if maxSize <= 0 {
		return nil
	}
	return &verdictCache{
		entries: make(map[uint64]*cacheEntry, maxSize),
		maxSize: maxSize,
	}
}

// Get retrieves a cached decision and promotes it to most recently
// used.
func (c *verdictCache) Get(key uint64) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.decision, true
	}
	return Decision{}, false
}

// Put stores a decision, evicting the least recently used entry at
// capacity.
func (c *verdictCache) Put(key uint64, decision Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.decision = decision
		c.moveToHeadLocked(e)
		return
	}
	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}
	e := &cacheEntry{key: key, decision: decision}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// Clear empties the cache. Called on policy install.
func (c *verdictCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*cacheEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

// Size returns the current entry count.
func (c *verdictCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *verdictCache) moveToHeadLocked(e *cacheEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *verdictCache) pushHeadLocked(e *cacheEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *verdictCache) unlinkLocked(e *cacheEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *verdictCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}

// verdictKey hashes everything a decision depends on: the policy
// fingerprint, the tool, the raw argument tree (canonical form), the
// sandbox flag, and the feedback-adjusted risk. Risk is part of the key
// because the adaptive tracker can change it between otherwise
// identical proposals.
func verdictKey(policySha, tool string, canonArgs []byte, sandboxed bool, risk policy.Risk) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(policySha)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(tool)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(canonArgs)
	_, _ = h.Write([]byte{0})
	if sandboxed {
		_, _ = h.WriteString("1")
	} else {
		_, _ = h.WriteString("0")
	}
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(string(risk))
	return h.Sum64()
}

// clone detaches a decision from any shared state so cached copies can
// never be reached through a returned one.
func (d Decision) clone() Decision {
	d.NormalizedArgs = action.DeepCopyArgs(d.NormalizedArgs)
	d.Reasons = append([]string(nil), d.Reasons...)
	d.CapsGranted = append([]string(nil), d.CapsGranted...)
	return d
}
