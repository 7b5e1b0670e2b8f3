package admin

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/alexedwards/argon2id"

	"github.com/agentward/agentward/internal/domain/ratelimit"
)

// keyParams are the argon2id parameters for new admin keys, at the
// OWASP minimum cost.
var keyParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashKey returns the argon2id PHC hash for a raw admin key. Used by
// the hash-key command; config files store only the hash.
func HashKey(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, keyParams)
}

// isLoopback reports whether the request came from a loopback address.
// X-Forwarded-For is deliberately not consulted; a proxy in front of
// the admin API must present its own key.
func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// verifyKey checks a raw key against every configured hash. No
// configured hashes means no key ever verifies.
func (h *Handler) verifyKey(rawKey string) bool {
	if rawKey == "" {
		return false
	}
	for _, hash := range h.keyHashes {
		match, err := compareKey(rawKey, hash)
		if err != nil {
			h.logger.Warn("admin key hash unusable", "error", err)
			continue
		}
		if match {
			return true
		}
	}
	return false
}

// compareKey wraps argon2id comparison with panic recovery: the
// underlying library panics on hashes with degenerate parameters.
func compareKey(rawKey, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, storedHash)
}

// requireRead admits loopback callers outright and remote callers that
// present a valid key.
func (h *Handler) requireRead(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if isLoopback(r) || h.verifyKey(r.Header.Get(AdminKeyHeader)) {
			next(w, r)
			return
		}
		h.respondError(w, http.StatusForbidden, "admin API requires loopback access or a valid admin key")
	}
}

// requireMutation gates mutating routes behind the env flag plus a
// valid key, loopback or not.
func (h *Handler) requireMutation(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if os.Getenv(EnvAllowMutation) != "1" {
			h.respondError(w, http.StatusForbidden, "mutating admin routes are disabled: set "+EnvAllowMutation+"=1")
			return
		}
		if !h.verifyKey(r.Header.Get(AdminKeyHeader)) {
			h.respondError(w, http.StatusUnauthorized, "missing or invalid "+AdminKeyHeader)
			return
		}
		next(w, r)
	}
}

// rateLimitMiddleware throttles remote callers per client IP. Loopback
// is exempt, matching the read-route auth bypass. A hammering client
// accrues denials and eventually trips the block for the full block
// window.
func (h *Handler) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isLoopback(r) {
			next.ServeHTTP(w, r)
			return
		}

		clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			clientIP = r.RemoteAddr
		}

		res := h.limiter.CheckAndConsume("admin:"+clientIP, time.Now().UnixMilli())
		if res.Outcome != ratelimit.OutcomeAllowed {
			retryAfter := res.RetryAfterMs / 1000
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			h.respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}
