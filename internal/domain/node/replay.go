package node

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/agentward/agentward/internal/canonjson"
)

// Replay cache defaults. A dedupe key stays bound to its payload hash
// for the TTL whatever the invocation outcome, so a reused idempotency
// key can never smuggle a different payload.
const (
	DefaultReplayCapacity = 1024
	DefaultReplayTTLMs    = 10 * 60 * 1000
)

// DangerPrefix scopes dedupe keys and the dangerous-ledger session.
const DangerPrefix = "node-danger"

// Replay errors.
var (
	ErrPayloadMismatch = errors.New("idempotency key reused with different payload")
	ErrInFlight        = errors.New("invocation with this idempotency key is still in flight")
)

// PayloadHash fingerprints a dangerous invocation. Equal inputs yield
// equal hashes regardless of params key order.
func PayloadHash(nodeID, command string, params map[string]any) (string, error) {
	return canonjson.SumHex(struct {
		NodeID  string         `json:"nodeId"`
		Command string         `json:"command"`
		Params  map[string]any `json:"params"`
	}{nodeID, command, params})
}

// DedupeKey builds the idempotency scope for a dangerous invocation.
func DedupeKey(rateLimitKey, idempotencyKey string) string {
	return DangerPrefix + ":" + rateLimitKey + ":" + idempotencyKey
}

// ReplayCache remembers dangerous invocations by dedupe key so a
// retried idempotency key replays the first response instead of
// executing twice.
type ReplayCache struct {
	mu      sync.Mutex
	entries map[string]*replayEntry
	head    *replayEntry
	tail    *replayEntry
	cap     int
	ttlMs   int64
}

type replayEntry struct {
	key         string
	payloadHash string
	response    json.RawMessage
	done        bool
	inFlight    bool
	expiresAtMs int64
	prev, next  *replayEntry
}

// NewReplayCache creates a cache with the given capacity and TTL;
// zero or negative values take the defaults.
func NewReplayCache(capacity int, ttlMs int64) *ReplayCache {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}
	if ttlMs <= 0 {
		ttlMs = DefaultReplayTTLMs
	}
	return &ReplayCache{
		entries: make(map[string]*replayEntry, capacity),
		cap:     capacity,
		ttlMs:   ttlMs,
	}
}

// Begin claims a dedupe key for an invocation about to run. A nil
// response with nil error means the claim succeeded and the caller
// must finish with Complete or Abandon. A non-nil response is the
// cached outcome of an earlier invocation with the same payload.
func (c *ReplayCache) Begin(key, payloadHash string, nowMs int64) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok && e.expiresAtMs <= nowMs {
		c.removeLocked(e)
		ok = false
	}
	if !ok {
		e = &replayEntry{
			key:         key,
			payloadHash: payloadHash,
			inFlight:    true,
			expiresAtMs: nowMs + c.ttlMs,
		}
		c.entries[key] = e
		c.pushHeadLocked(e)
		c.evictLocked()
		return nil, nil
	}
	c.moveToHeadLocked(e)
	if e.payloadHash != payloadHash {
		return nil, ErrPayloadMismatch
	}
	if e.done {
		return append(json.RawMessage(nil), e.response...), nil
	}
	if e.inFlight {
		return nil, ErrInFlight
	}
	e.inFlight = true
	e.expiresAtMs = nowMs + c.ttlMs
	return nil, nil
}

// Complete stores the response for a claimed key and restarts its TTL.
func (c *ReplayCache) Complete(key string, response json.RawMessage, nowMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return
	}
	e.response = append(json.RawMessage(nil), response...)
	e.done = true
	e.inFlight = false
	e.expiresAtMs = nowMs + c.ttlMs
}

// Abandon releases a claim whose invocation produced nothing worth
// replaying. The payload binding stays, so reusing the key with a
// different payload is still refused until the TTL runs out.
func (c *ReplayCache) Abandon(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && !e.done {
		e.inFlight = false
	}
}

// Len returns the number of live entries.
func (c *ReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ReplayCache) evictLocked() {
	for len(c.entries) > c.cap {
		victim := c.tail
		for victim != nil && victim.inFlight {
			victim = victim.prev
		}
		if victim == nil {
			victim = c.tail
		}
		if victim == nil {
			return
		}
		c.removeLocked(victim)
	}
}

func (c *ReplayCache) removeLocked(e *replayEntry) {
	c.unlinkLocked(e)
	delete(c.entries, e.key)
}

func (c *ReplayCache) moveToHeadLocked(e *replayEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *ReplayCache) pushHeadLocked(e *replayEntry) {
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

func (c *ReplayCache) unlinkLocked(e *replayEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else if c.head == e {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else if c.tail == e {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}
