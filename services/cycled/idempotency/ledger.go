// Package idempotency replays the first stored result of a scoped request key
// and rejects key reuse with a different payload.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"cycleswap/services/cycled/models"
	"cycleswap/services/cycled/store"
	"cycleswap/services/cycled/swaperr"
)

// DefaultRetention is how long records are replayable before pruning.
const DefaultRetention = 72 * time.Hour

// Scope identifies the namespace of an idempotency key.
type Scope struct {
	Actor     string
	Operation string
	Key       string
}

func (s Scope) name() string {
	return s.Actor + "|" + s.Operation
}

// Ledger executes operations at most once per scope.
type Ledger struct {
	retention time.Duration
	nowFn     func() time.Time
}

// NewLedger constructs a ledger with the given retention.
func NewLedger(retention time.Duration) *Ledger {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Ledger{retention: retention, nowFn: time.Now}
}

// SetNowFunc overrides the ledger clock. Intended for tests.
func (l *Ledger) SetNowFunc(now func() time.Time) {
	if now == nil {
		l.nowFn = time.Now
		return
	}
	l.nowFn = now
}

// Retention reports the configured retention window.
func (l *Ledger) Retention() time.Duration {
	return l.retention
}

// HashPayload returns the hex SHA-256 digest of the RFC 8785 canonical JSON
// encoding of payload.
func HashPayload(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalise payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Execute runs fn once per scope inside tx. A repeated call with the same
// payload returns the stored result without invoking fn; a repeated call with
// a different payload fails with IDEMPOTENCY_KEY_REUSE_PAYLOAD_MISMATCH. Errors
// from fn are not recorded, so the caller's transaction rolls back and a retry
// runs fn again.
func Execute[T any](tx *store.Tx, l *Ledger, scope Scope, payload any, fn func() (T, error)) (T, error) {
	var zero T
	key := strings.TrimSpace(scope.Key)
	if key == "" {
		return zero, swaperr.Validation("idempotency_key", "idempotency key is required")
	}
	if len(key) > 128 {
		return zero, swaperr.Validation("idempotency_key", "idempotency key exceeds 128 characters")
	}
	hash, err := HashPayload(payload)
	if err != nil {
		return zero, err
	}
	now := l.nowFn().UTC()

	existing, err := tx.GetIdempotency(scope.name(), key)
	switch {
	case err == nil && !expired(existing, now):
		if existing.RequestHash != hash {
			return zero, swaperr.New(swaperr.CodeIdempotencyMismatch, "idempotency key reused with a different payload", map[string]any{
				"idempotency_key": key,
				"stored_hash":     existing.RequestHash,
				"request_hash":    hash,
			})
		}
		var replay T
		if err := json.Unmarshal([]byte(existing.Response), &replay); err != nil {
			return zero, fmt.Errorf("decode stored response: %w", err)
		}
		return replay, nil
	case err == nil:
		if err := tx.DeleteIdempotency(scope.name(), key); err != nil {
			return zero, err
		}
	case !errors.Is(err, store.ErrNotFound):
		return zero, err
	}

	result, err := fn()
	if err != nil {
		return zero, err
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return zero, fmt.Errorf("encode response: %w", err)
	}
	rec := &models.IdempotencyRecord{
		Scope:       scope.name(),
		Key:         key,
		RequestHash: hash,
		Response:    string(encoded),
		CreatedAt:   now,
		ExpiresAt:   now.Add(l.retention),
	}
	if err := tx.CreateIdempotency(rec); err != nil {
		return zero, err
	}
	var stored T
	if err := json.Unmarshal(encoded, &stored); err != nil {
		return zero, fmt.Errorf("decode response: %w", err)
	}
	return stored, nil
}

// Prune deletes records whose retention has lapsed.
func (l *Ledger) Prune(tx *store.Tx, now time.Time) (int, error) {
	return tx.PruneIdempotency(now)
}

func expired(rec *models.IdempotencyRecord, now time.Time) bool {
	return !rec.ExpiresAt.IsZero() && !rec.ExpiresAt.After(now)
}
