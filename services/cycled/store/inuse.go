package store

import (
	"cycleswap/services/cycled/models"
)

// InUseIntentIDs returns every intent bound to a reservation, a live commit,
// a settlement leg or a receipt. Such intents must not be re-selected.
func (t *Tx) InUseIntentIDs() (map[string]struct{}, error) {
	out := make(map[string]struct{})
	add := func(ids []string) {
		for _, id := range ids {
			out[id] = struct{}{}
		}
	}

	var reserved []string
	if err := t.db.Model(&models.Reservation{}).Pluck("intent_id", &reserved).Error; err != nil {
		return nil, translate(err, "list reserved intents")
	}
	add(reserved)

	var committed []string
	err := t.db.Model(&models.CommitParticipant{}).
		Joins("JOIN commits ON commits.id = commit_participants.commit_id").
		Where("commits.phase <> ?", models.PhaseCancelled).
		Pluck("commit_participants.intent_id", &committed).Error
	if err != nil {
		return nil, translate(err, "list committed intents")
	}
	add(committed)

	var settling []string
	if err := t.db.Model(&models.Leg{}).Pluck("intent_id", &settling).Error; err != nil {
		return nil, translate(err, "list settling intents")
	}
	add(settling)

	var receipts []models.Receipt
	if err := t.db.Select("cycle_id", "intent_ids").Find(&receipts).Error; err != nil {
		return nil, translate(err, "list receipt intents")
	}
	for _, r := range receipts {
		add(r.IntentIDs)
	}
	return out, nil
}
