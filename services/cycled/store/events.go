package store

import (
	"gorm.io/gorm/clause"

	"cycleswap/services/cycled/models"
)

// AppendEvent writes an outbox event. Re-appending an event id is a no-op.
func (t *Tx) AppendEvent(evt *models.Event) error {
	err := t.db.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).Create(evt).Error
	return translate(err, "append event")
}

// ListEvents returns up to limit events with a sequence greater than after.
func (t *Tx) ListEvents(after int64, limit int) ([]models.Event, error) {
	var rows []models.Event
	q := t.db.Where("sequence > ?", after).Order("sequence")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, translate(err, "list events")
	}
	return rows, nil
}
