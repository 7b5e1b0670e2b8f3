// Package policyfile loads policy documents from disk and verifies
// their detached signatures. A signature lives next to the policy as
// <path>.sig and covers the exact bytes of the policy file.
package policyfile

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/agentward/agentward/internal/domain/policy"
)

const sigSuffix = ".sig"

// Stable reason tokens for verification failures. Callers match these
// with errors.Is.
var (
	ErrSignatureInvalid = errors.New("policy_signature_invalid")
	ErrNoPolicyPath     = errors.New("policy_verify_enabled_but_no_policy_path")
	ErrNoPublicKey      = errors.New("policy_verify_enabled_but_no_public_key")
)

// Config locates the policy document and the key that must have
// signed it.
type Config struct {
	// Path is the policy JSON file. The detached signature is
	// expected at Path + ".sig".
	Path string

	// PublicKeyPath is a PEM-encoded RSA or Ed25519 public key.
	PublicKeyPath string

	// Verify requires a valid detached signature before a load
	// succeeds.
	Verify bool
}

// Loader reads and verifies policy documents. The public key is
// parsed once at construction.
type Loader struct {
	cfg    Config
	pubKey crypto.PublicKey
	logger *slog.Logger
}

// NewLoader validates the configuration and parses the public key
// when verification is enabled.
func NewLoader(cfg Config, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Verify {
		if cfg.Path == "" {
			return nil, ErrNoPolicyPath
		}
		if cfg.PublicKeyPath == "" {
			return nil, ErrNoPublicKey
		}
	}

	l := &Loader{cfg: cfg, logger: logger}
	if cfg.Verify {
		key, err := loadPublicKey(cfg.PublicKeyPath)
		if err != nil {
			return nil, err
		}
		l.pubKey = key
	}
	return l, nil
}

// Load reads the policy file, verifies its detached signature when
// verification is enabled, and parses the document. Any failure means
// the caller keeps whatever policy was active before.
func (l *Loader) Load() (policy.Document, []byte, error) {
	if l.cfg.Path == "" {
		return policy.Document{}, nil, errors.New("policyfile: no policy path configured")
	}

	raw, err := os.ReadFile(l.cfg.Path)
	if err != nil {
		return policy.Document{}, nil, fmt.Errorf("policyfile: read policy: %w", err)
	}
	warnOnOpenPermissions(l.logger, l.cfg.Path)

	if l.cfg.Verify {
		if err := l.verifyDetached(raw); err != nil {
			return policy.Document{}, nil, err
		}
	}

	doc, err := policy.ParseDocument(raw)
	if err != nil {
		return policy.Document{}, nil, err
	}
	l.logger.Info("policy loaded",
		"path", l.cfg.Path,
		"verified", l.cfg.Verify,
		"mode", string(doc.EffectiveMode()))
	return doc, raw, nil
}

// verifyDetached checks <path>.sig against the exact policy bytes.
func (l *Loader) verifyDetached(raw []byte) error {
	sigRaw, err := os.ReadFile(l.cfg.Path + sigSuffix)
	if err != nil {
		return fmt.Errorf("%w: read detached signature: %v", ErrSignatureInvalid, err)
	}
	sig, err := decodeSignature(string(sigRaw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return verifyBytes(l.pubKey, raw, sig)
}

// verifyBytes dispatches on the key type: RSA keys verify a
// PKCS1v15-SHA256 signature over the digest, Ed25519 keys verify the
// message directly.
func verifyBytes(key crypto.PublicKey, message, sig []byte) error {
	switch pk := key.(type) {
	case *rsa.PublicKey:
		digest := sha256.Sum256(message)
		if err := rsa.VerifyPKCS1v15(pk, crypto.SHA256, digest[:], sig); err != nil {
			return fmt.Errorf("%w: rsa: %v", ErrSignatureInvalid, err)
		}
		return nil
	case ed25519.PublicKey:
		if !ed25519.Verify(pk, message, sig) {
			return fmt.Errorf("%w: ed25519", ErrSignatureInvalid)
		}
		return nil
	default:
		return fmt.Errorf("policyfile: unsupported public key type %T", key)
	}
}

// decodeSignature accepts a base64 (preferred) or hex encoded
// detached signature, tolerating surrounding whitespace.
func decodeSignature(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty signature file")
	}
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	if data, err := hex.DecodeString(s); err == nil {
		return data, nil
	}
	return nil, errors.New("signature is neither base64 nor hex")
}

// loadPublicKey parses a PEM public key and rejects algorithms the
// verifier does not speak.
func loadPublicKey(path string) (crypto.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policyfile: read public key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("policyfile: %s does not contain valid PEM data", path)
	}

	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("policyfile: parse public key: %w", err)
		}
		switch key.(type) {
		case *rsa.PublicKey, ed25519.PublicKey:
			return key, nil
		default:
			return nil, fmt.Errorf("policyfile: unsupported public key type %T, want RSA or Ed25519", key)
		}
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("policyfile: parse RSA public key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("policyfile: PEM block type is %q, expected a public key", block.Type)
	}
}

// warnOnOpenPermissions flags policy files readable by group or
// other. Skipped on Windows where Unix permission bits do not apply.
func warnOnOpenPermissions(logger *slog.Logger, path string) {
	if runtime.GOOS == "windows" {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		logger.Warn("policy file has too-open permissions, should be 0600",
			"path", path, "current_mode", fmt.Sprintf("%04o", mode))
	}
}
