package store

import (
	"cycleswap/services/cycled/models"
)

// ReservationsForIntents returns the live reservations on the listed intents.
func (t *Tx) ReservationsForIntents(intentIDs []string) ([]models.Reservation, error) {
	if len(intentIDs) == 0 {
		return nil, nil
	}
	var rows []models.Reservation
	if err := t.forUpdate().Where("intent_id IN ?", intentIDs).Order("intent_id").Find(&rows).Error; err != nil {
		return nil, translate(err, "load reservations")
	}
	return rows, nil
}

// ReservationsForCommit returns the reservations held by a commit.
func (t *Tx) ReservationsForCommit(commitID string) ([]models.Reservation, error) {
	var rows []models.Reservation
	if err := t.forUpdate().Where("commit_id = ?", commitID).Order("intent_id").Find(&rows).Error; err != nil {
		return nil, translate(err, "load commit reservations")
	}
	return rows, nil
}

// CreateReservations inserts reservations. The intent primary key rejects a
// second live reservation on the same intent.
func (t *Tx) CreateReservations(rows []models.Reservation) error {
	if len(rows) == 0 {
		return nil
	}
	return translate(t.db.Create(&rows).Error, "create reservations")
}

// DeleteReservationsForCommit removes every reservation held by a commit.
func (t *Tx) DeleteReservationsForCommit(commitID string) error {
	return translate(t.db.Where("commit_id = ?", commitID).Delete(&models.Reservation{}).Error, "delete reservations")
}
