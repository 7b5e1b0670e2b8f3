package ratelimit

import (
	"log/slog"
	"sync"
)

// Limiter tracks per-key dangerous-action state under one mutex. Keys
// live on an intrusive LRU list ordered by last touch; the table is
// bounded by MaxTrackedKeys. All timestamps are caller-supplied epoch
// milliseconds, which keeps every operation deterministic.
type Limiter struct {
	mu          sync.Mutex
	params      Params
	entries     map[string]*entry
	head        *entry // most recently seen
	tail        *entry // least recently seen
	globalInUse int
	logger      *slog.Logger
}

type entry struct {
	key            string
	windowStartMs  int64
	attempts       int
	denials        int
	blockedUntilMs int64
	inflight       int
	lastSeenMs     int64
	prev           *entry
	next           *entry
}

// New creates a limiter. Zero-valued params fields use the defaults.
func New(params Params, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		params:  params.normalized(),
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Params returns the effective parameters.
func (l *Limiter) Params() Params { return l.params }

// CheckAndConsume admits or rejects one attempt for key at nowMs. A
// blocked key rejects outright. A key over its attempt budget rejects
// and accrues a denial, so hammering a rate limit eventually trips the
// block. Otherwise the attempt consumes one unit of window budget.
func (l *Limiter) CheckAndConsume(key string, nowMs int64) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.touchLocked(key, nowMs)
	l.rollWindowLocked(e, nowMs)

	if e.blockedUntilMs > nowMs {
		return Result{
			Outcome:        OutcomeBlocked,
			RetryAfterMs:   e.blockedUntilMs - nowMs,
			BlockedUntilMs: e.blockedUntilMs,
		}
	}
	e.blockedUntilMs = 0

	if e.attempts >= l.params.MaxAttempts {
		l.noteDenialLocked(e, nowMs)
		return Result{
			Outcome:      OutcomeRateLimited,
			RetryAfterMs: e.windowStartMs + l.params.WindowMs - nowMs,
		}
	}

	e.attempts++
	return Result{
		Outcome:   OutcomeAllowed,
		Remaining: l.params.MaxAttempts - e.attempts,
	}
}

// NoteDenial records a policy denial for key. Reaching the tripwire
// threshold blocks the key until nowMs + BlockMs, as absolute wall
// time.
func (l *Limiter) NoteDenial(key string, nowMs int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.touchLocked(key, nowMs)
	l.rollWindowLocked(e, nowMs)
	l.noteDenialLocked(e, nowMs)
}

// NoteSuccess relaxes the tripwire by one denial, floored at zero.
func (l *Limiter) NoteSuccess(key string, nowMs int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.touchLocked(key, nowMs)
	l.rollWindowLocked(e, nowMs)
	if e.denials > 0 {
		e.denials--
	}
}

// AcquireConcurrency reserves one in-flight unit for key, failing at
// the per-key cap. Callers must pair a successful acquire with
// ReleaseConcurrency.
func (l *Limiter) AcquireConcurrency(key string, nowMs int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.touchLocked(key, nowMs)
	if e.inflight >= l.params.MaxConcurrentPerKey {
		return false
	}
	e.inflight++
	return true
}

// ReleaseConcurrency returns an in-flight unit for key.
func (l *Limiter) ReleaseConcurrency(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok && e.inflight > 0 {
		e.inflight--
	}
}

// AcquireDangerousSlot reserves one of the global dangerous-execution
// slots, failing when all are in use.
func (l *Limiter) AcquireDangerousSlot() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.globalInUse >= l.params.GlobalSlots {
		return false
	}
	l.globalInUse++
	return true
}

// ReleaseDangerousSlot returns a global slot.
func (l *Limiter) ReleaseDangerousSlot() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.globalInUse > 0 {
		l.globalInUse--
	}
}

// GlobalSlotsInUse reports the currently reserved dangerous slots.
func (l *Limiter) GlobalSlotsInUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.globalInUse
}

// TrackedKeys reports the number of keys in the table.
func (l *Limiter) TrackedKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Limiter) noteDenialLocked(e *entry, nowMs int64) {
	e.denials++
	if e.denials >= l.params.MaxDenials && e.blockedUntilMs <= nowMs {
		e.blockedUntilMs = nowMs + l.params.BlockMs
		l.logger.Warn("denial tripwire engaged",
			"key", e.key,
			"denials", e.denials,
			"blocked_until_ms", e.blockedUntilMs)
	}
}

// rollWindowLocked resets attempts and denials together when the
// window has elapsed. Blocks are absolute and survive the roll.
func (l *Limiter) rollWindowLocked(e *entry, nowMs int64) {
	if nowMs-e.windowStartMs >= l.params.WindowMs {
		e.windowStartMs = nowMs
		e.attempts = 0
		e.denials = 0
	}
}

// touchLocked returns the entry for key, creating and evicting as
// needed, and marks it most recently seen.
func (l *Limiter) touchLocked(key string, nowMs int64) *entry {
	if e, ok := l.entries[key]; ok {
		e.lastSeenMs = nowMs
		l.moveToHeadLocked(e)
		return e
	}
	if len(l.entries) >= l.params.MaxTrackedKeys {
		l.evictLocked()
	}
	e := &entry{key: key, windowStartMs: nowMs, lastSeenMs: nowMs}
	l.entries[key] = e
	l.pushHeadLocked(e)
	return e
}

// evictLocked removes the least recently seen key, preferring keys
// with no in-flight work so concurrency accounting survives. When
// every key is busy the true tail goes anyway; its releases floor at
// zero.
func (l *Limiter) evictLocked() {
	for e := l.tail; e != nil; e = e.prev {
		if e.inflight == 0 {
			l.unlinkLocked(e)
			delete(l.entries, e.key)
			return
		}
	}
	if l.tail == nil {
		return
	}
	e := l.tail
	l.logger.Warn("evicting rate-limit key with inflight work",
		"key", e.key,
		"inflight", e.inflight)
	l.unlinkLocked(e)
	delete(l.entries, e.key)
}

func (l *Limiter) moveToHeadLocked(e *entry) {
	if l.head == e {
		return
	}
	l.unlinkLocked(e)
	l.pushHeadLocked(e)
}

func (l *Limiter) pushHeadLocked(e *entry) {
	e.prev = nil
	e.next = l.head
	if l.head != nil {
		l.head.prev = e
	}
	l.head = e
	if l.tail == nil {
		l.tail = e
	}
}

func (l *Limiter) unlinkLocked(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}
