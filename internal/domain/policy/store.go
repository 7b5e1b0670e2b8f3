package policy

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentward/agentward/internal/canonjson"
)

// ErrNoPolicy is returned when an operation needs an installed policy
// and none has ever been installed.
var ErrNoPolicy = errors.New("policy: no policy installed")

// Snapshot is an immutable view of an installed policy: the document,
// the exact bytes it was parsed from, their SHA-256 fingerprint, and the
// compiled capability matcher. Snapshots are shared across goroutines
// and must never be mutated.
type Snapshot struct {
	Doc         Document
	Raw         []byte
	Sha         string
	Caps        *CapabilityMatcher
	InstalledAt time.Time
}

// Store holds the active policy snapshot. Reads take an atomic pointer
// load; installs serialize on a mutex. A failed install leaves the
// previous snapshot active.
type Store struct {
	mu     sync.Mutex
	active atomic.Pointer[Snapshot]
	logger *slog.Logger
}

// NewStore creates an empty policy store. No policy is active until
// Install succeeds.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{logger: logger}
}

// Install parses, validates, and activates a policy from its exact file
// bytes. The fingerprint is the SHA-256 of those bytes. On any error the
// previously active policy stays in force.
func (s *Store) Install(raw []byte) (*Snapshot, error) {
	doc, err := ParseDocument(raw)
	if err != nil {
		return nil, err
	}
	rawCopy := make([]byte, len(raw))
	copy(rawCopy, raw)
	return s.install(doc, rawCopy)
}

// InstallDocument activates an in-memory document. When raw is nil the
// fingerprint is computed over the canonical JSON encoding of the
// document so equal documents always fingerprint identically.
func (s *Store) InstallDocument(doc Document, raw []byte) (*Snapshot, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	if raw == nil {
		var err error
		raw, err = canonjson.Marshal(doc)
		if err != nil {
			return nil, err
		}
	}
	return s.install(doc, raw)
}

func (s *Store) install(doc Document, raw []byte) (*Snapshot, error) {
	snap := &Snapshot{
		Doc:         cloneDocument(doc),
		Raw:         raw,
		Sha:         canonjson.HashBytes(raw),
		Caps:        NewCapabilityMatcher(doc.GrantedCapabilities),
		InstalledAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.active.Store(snap)
	s.mu.Unlock()

	s.logger.Info("policy installed",
		"sha256", snap.Sha,
		"mode", snap.Doc.EffectiveMode(),
		"allow_tools", len(snap.Doc.AllowTools),
		"deny_tools", len(snap.Doc.DenyTools),
		"capabilities", len(snap.Doc.GrantedCapabilities),
		"tool_rules", len(snap.Doc.ToolRules))
	return snap, nil
}

// Active returns the current snapshot, or false when none is installed.
func (s *Store) Active() (*Snapshot, bool) {
	snap := s.active.Load()
	if snap == nil {
		return nil, false
	}
	return snap, true
}

// Sha256 returns the fingerprint of the active policy bytes, or the
// empty string when no policy is installed.
func (s *Store) Sha256() string {
	if snap, ok := s.Active(); ok {
		return snap.Sha
	}
	return ""
}

// Apply returns a derived snapshot: the active document strictly
// intersected with the given constraints. The derived snapshot keeps
// the installed policy's fingerprint (constraints can only narrow it)
// and is not installed; it exists for the duration of a dispatch.
func (s *Store) Apply(constraints Document) (*Snapshot, error) {
	base, ok := s.Active()
	if !ok {
		return nil, ErrNoPolicy
	}
	derived := base.Doc.Intersect(constraints)
	return &Snapshot{
		Doc:         derived,
		Raw:         base.Raw,
		Sha:         base.Sha,
		Caps:        NewCapabilityMatcher(derived.GrantedCapabilities),
		InstalledAt: base.InstalledAt,
	}, nil
}

func cloneDocument(d Document) Document {
	out := d
	out.AllowTools = copySet(d.AllowTools)
	out.DenyTools = copySet(d.DenyTools)
	out.GrantedCapabilities = copySet(d.GrantedCapabilities)
	out.ExecSafeBins = copySet(d.ExecSafeBins)
	out.FetchAllowedDomains = copySet(d.FetchAllowedDomains)
	if d.ToolRules != nil {
		out.ToolRules = make(map[string]ToolRule, len(d.ToolRules))
		for tool, rule := range d.ToolRules {
			rule.CapabilitiesRequired = copySet(rule.CapabilitiesRequired)
			out.ToolRules[tool] = rule
		}
	}
	return out
}
