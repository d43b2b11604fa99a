package store

import (
	"time"

	"cycleswap/services/cycled/models"
)

// GetIdempotency loads a stored idempotency record.
func (t *Tx) GetIdempotency(scope, key string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	if err := t.forUpdate().First(&rec, "scope = ? AND key = ?", scope, key).Error; err != nil {
		return nil, translate(err, "load idempotency record")
	}
	return &rec, nil
}

// CreateIdempotency inserts a record. A concurrent first writer surfaces as a
// primary key violation.
func (t *Tx) CreateIdempotency(rec *models.IdempotencyRecord) error {
	return translate(t.db.Create(rec).Error, "create idempotency record")
}

// DeleteIdempotency removes a single record.
func (t *Tx) DeleteIdempotency(scope, key string) error {
	err := t.db.Where("scope = ? AND key = ?", scope, key).Delete(&models.IdempotencyRecord{}).Error
	return translate(err, "delete idempotency record")
}

// PruneIdempotency deletes records whose retention ended before now.
func (t *Tx) PruneIdempotency(now time.Time) (int, error) {
	var rows []models.IdempotencyRecord
	if err := t.db.Select("scope", "key", "expires_at").Find(&rows).Error; err != nil {
		return 0, translate(err, "scan idempotency records")
	}
	pruned := 0
	for _, rec := range rows {
		if rec.ExpiresAt.IsZero() || rec.ExpiresAt.After(now) {
			continue
		}
		if err := t.DeleteIdempotency(rec.Scope, rec.Key); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}
