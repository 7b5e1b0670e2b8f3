// Package ledger defines the hash-chained audit trail: every proposal,
// decision, and outcome is sealed into an envelope whose hash covers
// the previous envelope's hash, so any tampering breaks the chain from
// that point forward.
package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentward/agentward/internal/canonjson"
)

// Genesis is the prevHash of the first envelope in every ledger file.
const Genesis = "GENESIS"

// Kind labels what a ledger payload records.
type Kind string

const (
	KindProposal    Kind = "proposal"
	KindDecision    Kind = "decision"
	KindResult      Kind = "result"
	KindError       Kind = "error"
	KindMemoryWrite Kind = "memory_write"
	KindArtifact    Kind = "artifact"
)

// Envelope is one ledger line: the payload plus its chain links.
type Envelope struct {
	PrevHash string         `json:"prevHash"`
	Hash     string         `json:"hash"`
	Payload  map[string]any `json:"payload"`
}

// ChainHash computes the envelope hash: SHA-256 over the previous hash
// bytes concatenated with the canonical JSON encoding of the payload.
func ChainHash(prevHash string, payload any) (string, error) {
	canonical, err := canonjson.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("ledger: canonicalize payload: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Seal builds the envelope for a payload on top of prevHash. The
// payload is converted to its canonical map form so that re-reading the
// envelope from disk reproduces the identical hash input.
func Seal(prevHash string, payload any) (Envelope, error) {
	asMap, err := PayloadMap(payload)
	if err != nil {
		return Envelope{}, err
	}
	hash, err := ChainHash(prevHash, asMap)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{PrevHash: prevHash, Hash: hash, Payload: asMap}, nil
}

// PayloadMap converts any JSON-encodable payload into its map form,
// preserving numeric literals. Maps pass through untouched.
func PayloadMap(payload any) (map[string]any, error) {
	if m, ok := payload.(map[string]any); ok {
		return m, nil
	}
	canonical, err := canonjson.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ledger: canonicalize payload: %w", err)
	}
	var m map[string]any
	if err := decodeNumber(canonical, &m); err != nil {
		return nil, fmt.Errorf("ledger: payload must encode to a JSON object: %w", err)
	}
	return m, nil
}

// DecodeEnvelope parses one ledger line. Numbers decode as json.Number
// so that recomputing the payload hash reproduces the stored digest.
func DecodeEnvelope(line []byte) (Envelope, error) {
	var env Envelope
	if err := decodeNumber(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("ledger: decode envelope: %w", err)
	}
	return env, nil
}

// decodeNumber unmarshals preserving numeric literals as json.Number,
// so hashing a re-read payload reproduces the original digest.
func decodeNumber(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// ErrChainBroken reports the first envelope whose links do not verify.
var ErrChainBroken = errors.New("ledger: chain broken")

// VerifyChain recomputes every link of a ledger read from disk. It
// returns the index of the first bad envelope and a wrapped
// ErrChainBroken describing the divergence, or -1 and nil when the
// chain is intact.
func VerifyChain(envelopes []Envelope) (int, error) {
	prev := Genesis
	for i, env := range envelopes {
		if env.PrevHash != prev {
			return i, fmt.Errorf("%w: envelope %d prevHash %q, want %q", ErrChainBroken, i, env.PrevHash, prev)
		}
		recomputed, err := ChainHash(env.PrevHash, env.Payload)
		if err != nil {
			return i, fmt.Errorf("%w: envelope %d: %v", ErrChainBroken, i, err)
		}
		if recomputed != env.Hash {
			return i, fmt.Errorf("%w: envelope %d hash %q, recomputed %q", ErrChainBroken, i, env.Hash, recomputed)
		}
		prev = env.Hash
	}
	return -1, nil
}
