// Package ledgerfile persists hash-chained ledgers as one append-only
// JSONL file per session key, each with a tip-hash sidecar for fast
// tail reads. The sidecar is an optimization only: damaging it never
// affects chain integrity because the tail can always be rescanned.
package ledgerfile

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentward/agentward/internal/domain/ledger"
)

const (
	ledgerSuffix  = ".jsonl"
	sidecarSuffix = ".last"

	scanInitialBuffer = 64 * 1024
	scanMaxBuffer     = 4 * 1024 * 1024
)

// ErrClosed is returned for appends after Close.
var ErrClosed = errors.New("ledgerfile: store closed")

// Compile-time interface verification.
var _ ledger.Store = (*Store)(nil)

// Store implements ledger.Store on the local filesystem.
type Store struct {
	dir    string
	logger *slog.Logger

	mu     sync.Mutex
	files  map[string]*sessionFile
	closed bool
}

// sessionFile serializes appends to one session's chain. Appends to
// different sessions only contend on the short Store.mu section.
type sessionFile struct {
	mu      sync.Mutex
	path    string
	sidecar string
	handle  *os.File
	tip     string
}

// NewStore creates the ledger directory (0700) and an empty handle
// cache. Files are opened lazily on first append per session.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("ledgerfile: create directory: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: logger,
		files:  make(map[string]*sessionFile),
	}, nil
}

// Append redacts, seals, and writes one envelope to the session's
// chain, then refreshes the sidecar. The write is a single line append
// under the per-file mutex.
func (s *Store) Append(ctx context.Context, sessionKey string, payload any) (ledger.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Envelope{}, err
	}

	asMap, err := ledger.PayloadMap(payload)
	if err != nil {
		return ledger.Envelope{}, err
	}
	redacted := ledger.Redact(asMap)

	sf, err := s.sessionFor(sessionKey)
	if err != nil {
		return ledger.Envelope{}, err
	}

	sf.mu.Lock()
	defer sf.mu.Unlock()

	prev, err := sf.prevHashLocked()
	if err != nil {
		return ledger.Envelope{}, err
	}
	env, err := ledger.Seal(prev, redacted)
	if err != nil {
		return ledger.Envelope{}, err
	}

	line, err := json.Marshal(env)
	if err != nil {
		return ledger.Envelope{}, fmt.Errorf("ledgerfile: marshal envelope: %w", err)
	}
	handle, err := sf.openLocked()
	if err != nil {
		return ledger.Envelope{}, err
	}
	if _, err := handle.Write(append(line, '\n')); err != nil {
		return ledger.Envelope{}, fmt.Errorf("ledgerfile: append: %w", err)
	}
	sf.tip = env.Hash

	if err := os.WriteFile(sf.sidecar, []byte(env.Hash+"\n"), 0600); err != nil {
		// The chain is already durable; the sidecar will be rebuilt by
		// the next tail scan.
		s.logger.Warn("ledger sidecar write failed", "path", sf.sidecar, "error", err)
	}

	return env, nil
}

// Close drops all cached handles. The store cannot be reused.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for _, sf := range s.files {
		sf.mu.Lock()
		if sf.handle != nil {
			if err := sf.handle.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			sf.handle = nil
		}
		sf.mu.Unlock()
	}
	return firstErr
}

// Path returns the ledger file path for a session key.
func (s *Store) Path(sessionKey string) string {
	return filepath.Join(s.dir, ledger.SafeKey(sessionKey)+ledgerSuffix)
}

func (s *Store) sessionFor(sessionKey string) (*sessionFile, error) {
	key := ledger.SafeKey(sessionKey)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	sf, ok := s.files[key]
	if !ok {
		path := filepath.Join(s.dir, key+ledgerSuffix)
		sf = &sessionFile{path: path, sidecar: path + sidecarSuffix}
		s.files[key] = sf
	}
	return sf, nil
}

func (sf *sessionFile) openLocked() (*os.File, error) {
	if sf.handle != nil {
		return sf.handle, nil
	}
	f, err := os.OpenFile(sf.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("ledgerfile: open %s: %w", sf.path, err)
	}
	sf.handle = f
	return f, nil
}

// prevHashLocked resolves the chain tip: cached value, then sidecar,
// then a tail scan of the ledger itself, then Genesis.
func (sf *sessionFile) prevHashLocked() (string, error) {
	if sf.tip != "" {
		return sf.tip, nil
	}
	if tip, ok := readSidecar(sf.sidecar); ok {
		sf.tip = tip
		return tip, nil
	}
	tip, err := scanTip(sf.path)
	if err != nil {
		return "", err
	}
	sf.tip = tip
	return tip, nil
}

// readSidecar accepts only a 64-char lowercase hex tip; anything else
// is treated as absent so the tail scan decides.
func readSidecar(path string) (string, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	tip := strings.TrimSpace(string(raw))
	if len(tip) != 64 {
		return "", false
	}
	if _, err := hex.DecodeString(tip); err != nil {
		return "", false
	}
	if tip != strings.ToLower(tip) {
		return "", false
	}
	return tip, true
}

// scanTip reads the last envelope of a ledger file. A missing or empty
// file yields Genesis; a corrupt tail is an error because the chain
// state is unknown.
func scanTip(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ledger.Genesis, nil
		}
		return "", fmt.Errorf("ledgerfile: open for scan: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, scanInitialBuffer), scanMaxBuffer)

	var lastLine []byte
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		lastLine = append(lastLine[:0], line...)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("ledgerfile: scan %s: %w", path, err)
	}
	if len(lastLine) == 0 {
		return ledger.Genesis, nil
	}

	env, err := ledger.DecodeEnvelope(lastLine)
	if err != nil {
		return "", fmt.Errorf("ledgerfile: corrupt tail in %s: %w", path, err)
	}
	if env.Hash == "" {
		return "", fmt.Errorf("ledgerfile: tail envelope in %s has no hash", path)
	}
	return env.Hash, nil
}

// ReadLedger loads every envelope from a ledger file in order.
func ReadLedger(path string) ([]ledger.Envelope, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ledgerfile: open: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, scanInitialBuffer), scanMaxBuffer)

	var envelopes []ledger.Envelope
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		env, err := ledger.DecodeEnvelope([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("ledgerfile: line %d: %w", lineNo, err)
		}
		envelopes = append(envelopes, env)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledgerfile: scan: %w", err)
	}
	return envelopes, nil
}

// RebuildSidecar rescans a ledger file and rewrites its sidecar to the
// actual tip, returning the tip hash. An empty ledger removes the
// sidecar.
func RebuildSidecar(path string) (string, error) {
	envelopes, err := ReadLedger(path)
	if err != nil {
		return "", err
	}
	sidecar := path + sidecarSuffix
	if len(envelopes) == 0 {
		if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("ledgerfile: remove sidecar: %w", err)
		}
		return ledger.Genesis, nil
	}
	tip := envelopes[len(envelopes)-1].Hash
	if err := os.WriteFile(sidecar, []byte(tip+"\n"), 0600); err != nil {
		return "", fmt.Errorf("ledgerfile: write sidecar: %w", err)
	}
	return tip, nil
}
