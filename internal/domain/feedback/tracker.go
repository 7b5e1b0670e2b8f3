// Package feedback tracks a per-tool exponential moving average of
// error rates. The gate consults it to raise the risk of tools that
// have been failing, and to relax the risk of quiet ones.
package feedback

import (
	"strings"
	"sync"

	"github.com/agentward/agentward/internal/domain/policy"
)

const (
	defaultAlpha = 0.1

	// minSamples gates adaptation: a tool's EMA is advisory until it
	// has seen at least this many outcomes.
	minSamples = 5

	raiseThreshold = 0.4
	lowerThreshold = 0.1
)

// Stats is a read-only view of one tool's tracked state.
type Stats struct {
	ErrorRate float64
	Samples   int
}

// Tracker records tool outcomes and adjusts risk. Safe for concurrent
// use; every method takes one short mutex section.
type Tracker struct {
	mu       sync.Mutex
	alpha    float64
	adaptive bool
	stats    map[string]*Stats
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithAlpha overrides the EMA smoothing factor.
func WithAlpha(alpha float64) Option {
	return func(t *Tracker) {
		if alpha > 0 && alpha <= 1 {
			t.alpha = alpha
		}
	}
}

// WithAdaptive enables or disables risk adjustment. A disabled tracker
// still records outcomes so enabling it later starts warm.
func WithAdaptive(enabled bool) Option {
	return func(t *Tracker) { t.adaptive = enabled }
}

// NewTracker creates a tracker. Adaptation is off unless WithAdaptive
// turns it on.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		alpha: defaultAlpha,
		stats: make(map[string]*Stats),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record folds one outcome into the tool's EMA. Tool names are
// case-insensitive.
func (t *Tracker) Record(tool string, success bool) {
	key := strings.ToLower(tool)

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stats[key]
	if !ok {
		s = &Stats{}
		t.stats[key] = s
	}
	outcome := 0.0
	if !success {
		outcome = 1.0
	}
	s.ErrorRate = (1-t.alpha)*s.ErrorRate + t.alpha*outcome
	s.Samples++
}

// Stats returns the tracked state for a tool.
func (t *Tracker) Stats(tool string) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.stats[strings.ToLower(tool)]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

// AdjustRisk returns the effective risk for a tool given its base risk.
// With adaptation disabled or fewer than minSamples outcomes the base
// passes through. A failing tool is raised one level; a quiet medium
// tool is lowered to low unless its name implies process execution.
// Dangerous-by-name tools never drop below medium.
func (t *Tracker) AdjustRisk(tool string, base policy.Risk) policy.Risk {
	if !t.adaptive {
		return base
	}
	stats, ok := t.Stats(tool)
	if !ok || stats.Samples < minSamples {
		return t.floor(tool, base)
	}

	adjusted := base
	switch {
	case stats.ErrorRate > raiseThreshold && (base == policy.RiskLow || base == policy.RiskMedium):
		adjusted = base.Raise()
	case stats.ErrorRate < lowerThreshold && base == policy.RiskMedium && !policy.ImpliesDanger(tool):
		adjusted = policy.RiskLow
	}
	return t.floor(tool, adjusted)
}

func (t *Tracker) floor(tool string, r policy.Risk) policy.Risk {
	if policy.ImpliesDanger(tool) {
		return r.Stricter(policy.RiskMedium)
	}
	return r
}

// Reset clears all tracked state.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats = make(map[string]*Stats)
}
