package store

import (
	"sort"

	"cycleswap/services/cycled/models"
)

// GetIntent loads a single intent.
func (t *Tx) GetIntent(id string) (*models.Intent, error) {
	var intent models.Intent
	if err := t.forUpdate().First(&intent, "id = ?", id).Error; err != nil {
		return nil, translate(err, "load intent")
	}
	return &intent, nil
}

// GetIntents loads the listed intents keyed by id. Missing ids are omitted.
func (t *Tx) GetIntents(ids []string) (map[string]*models.Intent, error) {
	out := make(map[string]*models.Intent, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []models.Intent
	if err := t.forUpdate().Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, translate(err, "load intents")
	}
	for i := range rows {
		out[rows[i].ID] = &rows[i]
	}
	return out, nil
}

// ListActiveIntents returns every active intent ordered by id.
func (t *Tx) ListActiveIntents() ([]models.Intent, error) {
	var rows []models.Intent
	if err := t.db.Where("status = ?", models.IntentActive).Order("id").Find(&rows).Error; err != nil {
		return nil, translate(err, "list active intents")
	}
	return rows, nil
}

// SaveIntent inserts or replaces an intent.
func (t *Tx) SaveIntent(intent *models.Intent) error {
	return translate(t.db.Save(intent).Error, "save intent")
}

// SetIntentStatus updates the status of the listed intents.
func (t *Tx) SetIntentStatus(ids []string, status models.IntentStatus) error {
	if len(ids) == 0 {
		return nil
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	err := t.db.Model(&models.Intent{}).Where("id IN ?", sorted).Update("status", status).Error
	return translate(err, "update intent status")
}
