package approval

import (
	"testing"
	"time"
)

func TestTokenSingleUse(t *testing.T) {
	s := NewTokenStore(time.Minute)

	tok, err := s.Issue("hash-a")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if len(tok.Value) != 64 {
		t.Fatalf("token length = %d, want 64", len(tok.Value))
	}
	if !s.Consume(tok.Value, "hash-a") {
		t.Error("consume with matching hash failed")
	}
	if s.Consume(tok.Value, "hash-a") {
		t.Error("second consume succeeded")
	}
}

func TestTokenBindHashMismatchKeepsToken(t *testing.T) {
	s := NewTokenStore(time.Minute)

	tok, err := s.Issue("hash-a")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if s.Consume(tok.Value, "hash-b") {
		t.Fatal("consume with wrong hash succeeded")
	}
	// The mismatch must not burn the token.
	if !s.Consume(tok.Value, "hash-a") {
		t.Error("consume after mismatch failed")
	}
}

func TestTokenExpiry(t *testing.T) {
	s := NewTokenStore(10 * time.Millisecond)

	tok, err := s.Issue("hash-a")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if s.Consume(tok.Value, "hash-a") {
		t.Error("expired token consumed")
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d after sweep, want 0", s.Len())
	}
}

func TestTokenValuesUnique(t *testing.T) {
	s := NewTokenStore(time.Minute)
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		tok, err := s.Issue("hash-a")
		if err != nil {
			t.Fatalf("Issue() error = %v", err)
		}
		if _, dup := seen[tok.Value]; dup {
			t.Fatal("duplicate token value")
		}
		seen[tok.Value] = struct{}{}
	}
	if s.Len() != 100 {
		t.Errorf("Len() = %d, want 100", s.Len())
	}
}

func TestConsumeEmptyInputs(t *testing.T) {
	s := NewTokenStore(time.Minute)
	if s.Consume("", "hash") {
		t.Error("empty token consumed")
	}
	tok, _ := s.Issue("hash")
	if s.Consume(tok.Value, "") {
		t.Error("empty expected hash consumed")
	}
}
