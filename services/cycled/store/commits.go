package store

import (
	"gorm.io/gorm"

	"cycleswap/services/cycled/models"
)

func orderByPosition(db *gorm.DB) *gorm.DB { return db.Order("position") }

// GetCommit loads a commit and its participants, locking the row for the
// remainder of the transaction.
func (t *Tx) GetCommit(id string) (*models.Commit, error) {
	var commit models.Commit
	err := t.forUpdate().Preload("Participants", orderByPosition).First(&commit, "id = ?", id).Error
	if err != nil {
		return nil, translate(err, "load commit")
	}
	return &commit, nil
}

// GetCommitByCycle loads the commit backing a cycle.
func (t *Tx) GetCommitByCycle(cycleID string) (*models.Commit, error) {
	var commit models.Commit
	err := t.forUpdate().Preload("Participants", orderByPosition).First(&commit, "cycle_id = ?", cycleID).Error
	if err != nil {
		return nil, translate(err, "load commit")
	}
	return &commit, nil
}

// ListCommitsInPhase returns commits in the given phase ordered by id.
func (t *Tx) ListCommitsInPhase(phase models.CommitPhase) ([]models.Commit, error) {
	var rows []models.Commit
	err := t.db.Preload("Participants", orderByPosition).Where("phase = ?", phase).Order("id").Find(&rows).Error
	if err != nil {
		return nil, translate(err, "list commits")
	}
	return rows, nil
}

// CreateCommit inserts a commit and its participants.
func (t *Tx) CreateCommit(c *models.Commit) error {
	if err := t.db.Omit("Participants").Create(c).Error; err != nil {
		return translate(err, "create commit")
	}
	for i := range c.Participants {
		c.Participants[i].CommitID = c.ID
	}
	if len(c.Participants) == 0 {
		return nil
	}
	return translate(t.db.Create(&c.Participants).Error, "create commit participants")
}

// SaveCommit persists the commit row and every participant status.
func (t *Tx) SaveCommit(c *models.Commit) error {
	if err := t.db.Omit("Participants").Save(c).Error; err != nil {
		return translate(err, "save commit")
	}
	for _, part := range c.Participants {
		err := t.db.Model(&models.CommitParticipant{}).
			Where("commit_id = ? AND position = ?", c.ID, part.Position).
			Updates(map[string]any{"status": part.Status, "updated_at": part.UpdatedAt}).Error
		if err != nil {
			return translate(err, "save commit participant")
		}
	}
	return nil
}
