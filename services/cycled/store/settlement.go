package store

import (
	"cycleswap/services/cycled/models"
)

// GetTimeline loads a settlement timeline and its legs ordered by position.
func (t *Tx) GetTimeline(cycleID string) (*models.Timeline, error) {
	var timeline models.Timeline
	err := t.forUpdate().Preload("Legs", orderByPosition).First(&timeline, "cycle_id = ?", cycleID).Error
	if err != nil {
		return nil, translate(err, "load timeline")
	}
	return &timeline, nil
}

// CreateTimeline inserts a timeline and its legs.
func (t *Tx) CreateTimeline(tl *models.Timeline) error {
	if err := t.db.Omit("Legs").Create(tl).Error; err != nil {
		return translate(err, "create timeline")
	}
	for i := range tl.Legs {
		tl.Legs[i].CycleID = tl.CycleID
	}
	if len(tl.Legs) == 0 {
		return nil
	}
	return translate(t.db.Create(&tl.Legs).Error, "create legs")
}

// SaveTimeline persists the timeline row and its legs.
func (t *Tx) SaveTimeline(tl *models.Timeline) error {
	if err := t.db.Omit("Legs").Save(tl).Error; err != nil {
		return translate(err, "save timeline")
	}
	for i := range tl.Legs {
		if err := t.db.Save(&tl.Legs[i]).Error; err != nil {
			return translate(err, "save leg")
		}
	}
	return nil
}

// ListTimelinesInState returns timelines in the given state ordered by cycle.
func (t *Tx) ListTimelinesInState(state models.SettlementState) ([]models.Timeline, error) {
	var rows []models.Timeline
	err := t.db.Preload("Legs", orderByPosition).Where("state = ?", state).Order("cycle_id").Find(&rows).Error
	if err != nil {
		return nil, translate(err, "list timelines")
	}
	return rows, nil
}

// GetReceipt loads the receipt for a cycle.
func (t *Tx) GetReceipt(cycleID string) (*models.Receipt, error) {
	var receipt models.Receipt
	if err := t.db.First(&receipt, "cycle_id = ?", cycleID).Error; err != nil {
		return nil, translate(err, "load receipt")
	}
	return &receipt, nil
}

// CreateReceipt inserts a receipt. The cycle unique index rejects a second one.
func (t *Tx) CreateReceipt(r *models.Receipt) error {
	return translate(t.db.Create(r).Error, "create receipt")
}

// ListReceipts returns every receipt ordered by creation time.
func (t *Tx) ListReceipts() ([]models.Receipt, error) {
	var rows []models.Receipt
	if err := t.db.Order("created_at, cycle_id").Find(&rows).Error; err != nil {
		return nil, translate(err, "list receipts")
	}
	return rows, nil
}
