package node

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestPayloadHash(t *testing.T) {
	a, err := PayloadHash("mac-1", "browser.proxy", map[string]any{"path": "/tab", "method": "GET"})
	if err != nil {
		t.Fatalf("PayloadHash() error = %v", err)
	}
	b, err := PayloadHash("mac-1", "browser.proxy", map[string]any{"method": "GET", "path": "/tab"})
	if err != nil {
		t.Fatalf("PayloadHash() error = %v", err)
	}
	if a != b {
		t.Fatalf("key order changed the hash: %s vs %s", a, b)
	}

	c, _ := PayloadHash("mac-1", "browser.proxy", map[string]any{"method": "GET", "path": "/other"})
	if a == c {
		t.Fatal("different params produced the same hash")
	}
	d, _ := PayloadHash("mac-2", "browser.proxy", map[string]any{"method": "GET", "path": "/tab"})
	if a == d {
		t.Fatal("different node produced the same hash")
	}
}

func TestDedupeKey(t *testing.T) {
	got := DedupeKey("session:alpha", "K")
	if got != "node-danger:session:alpha:K" {
		t.Fatalf("DedupeKey() = %q", got)
	}
}

func TestReplayLifecycle(t *testing.T) {
	c := NewReplayCache(8, 60_000)
	now := int64(1_000)

	replay, err := c.Begin("k1", "hash-a", now)
	if err != nil || replay != nil {
		t.Fatalf("first Begin() = %v, %v", replay, err)
	}

	// Same payload while the first invocation is still running.
	if _, err := c.Begin("k1", "hash-a", now+1); !errors.Is(err, ErrInFlight) {
		t.Fatalf("in-flight Begin() error = %v, want ErrInFlight", err)
	}
	// Different payload is refused no matter the state.
	if _, err := c.Begin("k1", "hash-b", now+1); !errors.Is(err, ErrPayloadMismatch) {
		t.Fatalf("mismatch Begin() error = %v, want ErrPayloadMismatch", err)
	}

	c.Complete("k1", json.RawMessage(`{"ok":true}`), now+5)

	replay, err = c.Begin("k1", "hash-a", now+10)
	if err != nil {
		t.Fatalf("replay Begin() error = %v", err)
	}
	if string(replay) != `{"ok":true}` {
		t.Fatalf("replay = %s", replay)
	}

	// Mutating the returned bytes must not poison the cache.
	replay[2] = 'X'
	again, err := c.Begin("k1", "hash-a", now+11)
	if err != nil || string(again) != `{"ok":true}` {
		t.Fatalf("second replay = %s, %v", again, err)
	}

	// A completed key still refuses a different payload.
	if _, err := c.Begin("k1", "hash-b", now+12); !errors.Is(err, ErrPayloadMismatch) {
		t.Fatalf("mismatch after completion error = %v, want ErrPayloadMismatch", err)
	}
}

func TestReplayAbandonKeepsBinding(t *testing.T) {
	c := NewReplayCache(8, 60_000)
	if _, err := c.Begin("k1", "hash-a", 1000); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	c.Abandon("k1")

	// Same payload may try again.
	replay, err := c.Begin("k1", "hash-a", 2000)
	if err != nil || replay != nil {
		t.Fatalf("retry Begin() = %v, %v", replay, err)
	}
	c.Abandon("k1")

	// The hash binding outlives the abandoned attempt.
	if _, err := c.Begin("k1", "hash-b", 3000); !errors.Is(err, ErrPayloadMismatch) {
		t.Fatalf("Begin(different payload) error = %v, want ErrPayloadMismatch", err)
	}
}

func TestReplayTTL(t *testing.T) {
	c := NewReplayCache(8, 1_000)
	if _, err := c.Begin("k1", "hash-a", 1_000); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	c.Complete("k1", json.RawMessage(`{"ok":true}`), 1_000)

	// Within the TTL the response replays.
	if replay, err := c.Begin("k1", "hash-a", 1_999); err != nil || replay == nil {
		t.Fatalf("Begin(within ttl) = %v, %v", replay, err)
	}

	// Past the TTL the binding is gone and a new payload is fine.
	if replay, err := c.Begin("k1", "hash-b", 3_000); err != nil || replay != nil {
		t.Fatalf("Begin(past ttl) = %v, %v", replay, err)
	}
}

func TestReplayEviction(t *testing.T) {
	c := NewReplayCache(2, 60_000)
	for i, key := range []string{"k1", "k2", "k3"} {
		if _, err := c.Begin(key, "h", int64(1000+i)); err != nil {
			t.Fatalf("Begin(%s) error = %v", key, err)
		}
		c.Complete(key, json.RawMessage(`{}`), int64(1000+i))
	}
	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}

	// k1 was evicted, so a different payload under k1 is a fresh claim.
	if replay, err := c.Begin("k1", "other", 2000); err != nil || replay != nil {
		t.Fatalf("Begin(evicted key) = %v, %v", replay, err)
	}
}

func TestReplayEvictionSkipsInFlight(t *testing.T) {
	c := NewReplayCache(2, 60_000)
	if _, err := c.Begin("busy", "h", 1000); err != nil {
		t.Fatalf("Begin(busy) error = %v", err)
	}
	if _, err := c.Begin("done", "h", 1001); err != nil {
		t.Fatalf("Begin(done) error = %v", err)
	}
	c.Complete("done", json.RawMessage(`{}`), 1002)

	// Inserting a third entry evicts the completed one, not the claim
	// that is still running.
	if _, err := c.Begin("new", "h", 1003); err != nil {
		t.Fatalf("Begin(new) error = %v", err)
	}
	c.Complete("busy", json.RawMessage(`{"ok":true}`), 1004)

	replay, err := c.Begin("busy", "h", 1005)
	if err != nil || string(replay) != `{"ok":true}` {
		t.Fatalf("Begin(busy after complete) = %s, %v", replay, err)
	}
	if replay, err := c.Begin("done", "h2", 1006); err != nil || replay != nil {
		t.Fatalf("Begin(evicted done key) = %v, %v", replay, err)
	}
}
