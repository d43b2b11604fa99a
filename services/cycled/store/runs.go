package store

import (
	"cycleswap/services/cycled/models"
)

// SaveRun persists a matching run record.
func (t *Tx) SaveRun(run *models.MatchingRun) error {
	return translate(t.db.Save(run).Error, "save matching run")
}

// GetRun loads a matching run record.
func (t *Tx) GetRun(id string) (*models.MatchingRun, error) {
	var run models.MatchingRun
	if err := t.db.First(&run, "id = ?", id).Error; err != nil {
		return nil, translate(err, "load matching run")
	}
	return &run, nil
}
