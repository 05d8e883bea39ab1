// Package idempotency implements IdempotencyService: Idempotency-Key
// handling for POST /v1/sandboxes (spec.md section 4.6). Key validation,
// SHA-256 fingerprinting, and the check/save split are grounded on the
// original implementation's IdempotencyService (original_source/pkgs/bay/
// app/services/idempotency.py); the Check/Save race is resolved here via an
// atomic INSERT ... ON CONFLICT DO NOTHING in the store rather than the
// original's optimistic insert-and-rollback, decided in SPEC_FULL.md
// section 10 to avoid two first-requests both believing they won.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"time"

	"github.com/baysandbox/bay/internal/bayerr"
	"github.com/baysandbox/bay/internal/config"
	"github.com/baysandbox/bay/internal/store"
)

var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// CachedResponse is a previously-saved response replayed for a repeated key.
type CachedResponse struct {
	Snapshot   []byte
	StatusCode int
}

// Service validates and stores idempotency keys against the fingerprint of
// the request that first used them.
type Service struct {
	store   *store.Store
	enabled bool
	ttl     time.Duration
}

func NewService(st *store.Store, cfg config.IdempotencyConfig) *Service {
	return &Service{
		store:   st,
		enabled: cfg.Enabled,
		ttl:     time.Duration(cfg.TTLSeconds) * time.Second,
	}
}

func (s *Service) Enabled() bool { return s.enabled }

// ValidateKey reports whether key is 1-128 alphanumeric/dash/underscore
// characters.
func ValidateKey(key string) bool {
	return keyPattern.MatchString(key)
}

// Fingerprint computes the SHA-256 fingerprint of a request used to detect
// an idempotency key reused with different parameters.
func Fingerprint(method, path, body string) string {
	sum := sha256.Sum256([]byte(method + ":" + path + ":" + body))
	return hex.EncodeToString(sum[:])
}

// Check looks up an existing record for (owner, key). It returns
// (nil, nil) when there is no prior record for this key — including when a
// stale one lazily expired and was purged — and a conflict error when the
// key is malformed or was already used with a different fingerprint.
func (s *Service) Check(owner, key, method, path, body string) (*CachedResponse, error) {
	if !s.enabled {
		return nil, nil
	}
	if !ValidateKey(key) {
		return nil, bayerr.Conflict("invalid Idempotency-Key format: must be 1-128 alphanumeric characters, dash, or underscore",
			map[string]any{"key": key})
	}

	record, err := s.store.GetIdempotencyKey(owner, key)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	fingerprint := Fingerprint(method, path, body)
	if record.RequestFingerprint != fingerprint {
		return nil, bayerr.Conflict("Idempotency-Key already used with different request parameters",
			map[string]any{"key": key, "hint": "use a different Idempotency-Key for different request parameters"})
	}

	if record.StatusCode == 0 {
		// A concurrent request holds this key and hasn't finished yet;
		// callers should treat this as session_not_ready-style retry,
		// not as a cached response.
		return nil, nil
	}

	return &CachedResponse{Snapshot: record.ResponseSnapshot, StatusCode: record.StatusCode}, nil
}

// Reserve atomically claims (owner, key) for the in-flight request that
// validated its fingerprint via Check, returning false if a concurrent
// request already holds it.
func (s *Service) Reserve(owner, key, method, path, body string) (bool, error) {
	if !s.enabled {
		return true, nil
	}
	now := time.Now().UTC()
	return s.store.SaveIdempotencyKey(&store.IdempotencyKey{
		Owner:              owner,
		Key:                key,
		RequestFingerprint: Fingerprint(method, path, body),
		StatusCode:         0,
		CreatedAt:          now,
		ExpiresAt:          now.Add(s.ttl),
	})
}

// Save fills in the response snapshot for a key previously reserved.
func (s *Service) Save(owner, key string, statusCode int, snapshot []byte) error {
	if !s.enabled {
		return nil
	}
	return s.store.UpdateIdempotencyResponse(owner, key, statusCode, snapshot)
}

// CleanupExpired purges idempotency rows whose TTL has passed.
func (s *Service) CleanupExpired() (int64, error) {
	return s.store.DeleteExpiredIdempotencyKeys(time.Now().UTC())
}
