package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager is the approval registry: it creates pending requests, parks
// waiters until a human resolves them, and turns allowing decisions
// into one-shot tokens. A request is pending exactly while it is in
// the registry; resolution, timeout, and eviction all remove it, which
// is what makes decisions final.
type Manager struct {
	mu         sync.Mutex
	pending    map[string]*pendingEntry
	order      []string
	maxPending int
	tokens     *TokenStore
	hub        *Hub
	logger     *slog.Logger
}

type pendingEntry struct {
	rec    Record
	result chan Resolution
}

// Pending is the waiter's handle for one created request. The result
// channel is buffered so a resolution that lands before WaitForDecision
// is never lost.
type Pending struct {
	Record Record
	result <-chan Resolution
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxPending overrides the pending-registry capacity.
func WithMaxPending(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxPending = n
		}
	}
}

// WithTokenTTL overrides the approval-token lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.tokens = NewTokenStore(ttl) }
}

// NewManager creates an approval manager with its own token store and
// broadcast hub.
func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		pending:    make(map[string]*pendingEntry),
		maxPending: DefaultMaxPending,
		tokens:     NewTokenStore(DefaultTokenTTL),
		hub:        NewHub(logger),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateRequest carries the caller-side description of an approval.
type CreateRequest struct {
	Kind       Kind
	BindHash   string
	Summary    string
	AgentID    string
	SessionKey string
}

// Create registers a pending approval and broadcasts it. An explicitID
// that is still pending is refused with ErrAlreadyPending; once the
// earlier request resolves or expires the id may be reused. A
// non-positive timeout falls back to DefaultWaitTimeout.
func (m *Manager) Create(req CreateRequest, timeout time.Duration, explicitID string) (Pending, error) {
	if !req.Kind.Valid() {
		return Pending{}, fmt.Errorf("approval: unknown kind %q", req.Kind)
	}
	if req.BindHash == "" {
		return Pending{}, fmt.Errorf("approval: bind hash required")
	}
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	id := explicitID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	rec := Record{
		ID:          id,
		Kind:        req.Kind,
		BindHash:    req.BindHash,
		Summary:     req.Summary,
		AgentID:     req.AgentID,
		SessionKey:  req.SessionKey,
		CreatedAtMs: now.UnixMilli(),
		ExpiresAtMs: now.Add(timeout).UnixMilli(),
	}
	entry := &pendingEntry{rec: rec, result: make(chan Resolution, 1)}

	var events []Event
	m.mu.Lock()
	m.sweepExpiredLocked(now.UnixMilli())
	if _, exists := m.pending[id]; exists {
		m.mu.Unlock()
		return Pending{}, ErrAlreadyPending
	}
	if evicted, ok := m.evictIfFullLocked(); ok {
		events = append(events, evicted)
	}
	m.pending[id] = entry
	m.order = append(m.order, id)
	m.mu.Unlock()

	events = append(events, Event{Topic: rec.Kind.topic("requested"), Record: rec})
	for _, ev := range events {
		m.hub.Publish(ev)
	}

	m.logger.Info("approval requested",
		"approval_id", rec.ID,
		"kind", string(rec.Kind),
		"session_key", rec.SessionKey,
		"expires_at_ms", rec.ExpiresAtMs)

	return Pending{Record: rec, result: entry.result}, nil
}

// WaitForDecision parks until the request is resolved, its expiry
// passes, or ctx is cancelled. The second return is false on timeout
// and cancellation; a resolution that raced the timeout wins.
func (m *Manager) WaitForDecision(ctx context.Context, p Pending) (Resolution, bool) {
	timer := time.NewTimer(time.Until(time.UnixMilli(p.Record.ExpiresAtMs)))
	defer timer.Stop()

	select {
	case res := <-p.result:
		return res, true
	case <-timer.C:
		select {
		case res := <-p.result:
			return res, true
		default:
		}
		m.expire(p.Record.ID)
		return Resolution{}, false
	case <-ctx.Done():
		select {
		case res := <-p.result:
			return res, true
		default:
		}
		m.expire(p.Record.ID)
		return Resolution{}, false
	}
}

// Resolve decides a pending request. The first resolution wins; any
// later call for the same id returns false. An allowing decision mints
// a one-shot token bound to the record's bind hash; if minting fails
// the decision degrades to deny rather than promising an unusable
// approval.
func (m *Manager) Resolve(id string, decision Decision, resolvedBy string) (Resolution, bool) {
	if !decision.Valid() {
		return Resolution{}, false
	}

	m.mu.Lock()
	entry, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return Resolution{}, false
	}
	m.removeLocked(id)
	m.mu.Unlock()

	res := Resolution{
		Decision:     decision,
		ResolvedBy:   resolvedBy,
		ResolvedAtMs: time.Now().UnixMilli(),
	}
	if decision.Allows() {
		token, err := m.tokens.Issue(entry.rec.BindHash)
		if err != nil {
			m.logger.Error("approval token issuance failed",
				"approval_id", id,
				"error", err)
			res.Decision = DecisionDeny
			res.Reason = "token issuance failed"
		} else {
			res.Token = token
		}
	}

	select {
	case entry.result <- res:
	default:
	}

	m.hub.Publish(Event{
		Topic:      entry.rec.Kind.topic("resolved"),
		Record:     entry.rec,
		Decision:   res.Decision,
		ResolvedBy: resolvedBy,
	})
	m.logger.Info("approval resolved",
		"approval_id", id,
		"decision", string(res.Decision),
		"resolved_by", resolvedBy)
	return res, true
}

// ConsumeToken redeems a one-shot token against the bind hash
// recomputed from the action being executed.
func (m *Manager) ConsumeToken(token, expectedBindHash string) bool {
	return m.tokens.Consume(token, expectedBindHash)
}

// Subscribe attaches a broadcast listener.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	return m.hub.Subscribe(buffer)
}

// Hub exposes the broadcast hub for wiring.
func (m *Manager) Hub() *Hub { return m.hub }

// Tokens exposes the token store for wiring.
func (m *Manager) Tokens() *TokenStore { return m.tokens }

// Pending lists undecided requests in creation order.
func (m *Manager) Pending() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.order))
	for _, id := range m.order {
		if entry, ok := m.pending[id]; ok {
			out = append(out, entry.rec)
		}
	}
	return out
}

// Get returns a pending record by id.
func (m *Manager) Get(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.pending[id]
	if !ok {
		return Record{}, false
	}
	return entry.rec, true
}

// expire drops a request that timed out or whose waiter went away.
func (m *Manager) expire(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[id]; ok {
		m.removeLocked(id)
	}
}

// evictIfFullLocked auto-denies the oldest pending request when the
// registry is at capacity, returning the resolved event to publish.
func (m *Manager) evictIfFullLocked() (Event, bool) {
	if len(m.order) < m.maxPending {
		return Event{}, false
	}
	oldest := m.order[0]
	entry, ok := m.pending[oldest]
	if !ok {
		m.order = m.order[1:]
		return Event{}, false
	}
	m.removeLocked(oldest)

	res := Resolution{
		Decision:     DecisionDeny,
		ResolvedBy:   "system",
		Reason:       "evicted: pending approvals at capacity",
		ResolvedAtMs: time.Now().UnixMilli(),
	}
	select {
	case entry.result <- res:
	default:
	}
	m.logger.Warn("pending approval evicted",
		"approval_id", oldest,
		"max_pending", m.maxPending)
	return Event{
		Topic:      entry.rec.Kind.topic("resolved"),
		Record:     entry.rec,
		Decision:   DecisionDeny,
		ResolvedBy: "system",
	}, true
}

func (m *Manager) sweepExpiredLocked(nowMs int64) {
	for id, entry := range m.pending {
		if entry.rec.ExpiresAtMs <= nowMs {
			m.removeLocked(id)
		}
	}
}

func (m *Manager) removeLocked(id string) {
	delete(m.pending, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}
