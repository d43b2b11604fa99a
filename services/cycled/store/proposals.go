package store

import (
	"gorm.io/gorm"

	"cycleswap/services/cycled/models"
)

// GetProposal loads a proposal with its participants in cycle order.
func (t *Tx) GetProposal(id string) (*models.Proposal, error) {
	var proposal models.Proposal
	err := t.db.Preload("Participants", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		First(&proposal, "id = ?", id).Error
	if err != nil {
		return nil, translate(err, "load proposal")
	}
	return &proposal, nil
}

// ListProposalIDs returns every stored proposal id.
func (t *Tx) ListProposalIDs() ([]string, error) {
	var ids []string
	if err := t.db.Model(&models.Proposal{}).Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, translate(err, "list proposals")
	}
	return ids, nil
}

// SaveProposal replaces a proposal and its participants.
func (t *Tx) SaveProposal(p *models.Proposal) error {
	if err := t.db.Where("proposal_id = ?", p.ID).Delete(&models.ProposalParticipant{}).Error; err != nil {
		return translate(err, "clear proposal participants")
	}
	if err := t.db.Omit("Participants").Save(p).Error; err != nil {
		return translate(err, "save proposal")
	}
	if len(p.Participants) == 0 {
		return nil
	}
	for i := range p.Participants {
		p.Participants[i].ProposalID = p.ID
	}
	return translate(t.db.Create(&p.Participants).Error, "save proposal participants")
}

// DeleteProposals removes the listed proposals and their participants.
func (t *Tx) DeleteProposals(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := t.db.Where("proposal_id IN ?", ids).Delete(&models.ProposalParticipant{}).Error; err != nil {
		return translate(err, "delete proposal participants")
	}
	return translate(t.db.Where("id IN ?", ids).Delete(&models.Proposal{}).Error, "delete proposals")
}

// CommittedProposalIDs returns the proposals that have a commit row.
func (t *Tx) CommittedProposalIDs() (map[string]struct{}, error) {
	var ids []string
	if err := t.db.Model(&models.Commit{}).Pluck("proposal_id", &ids).Error; err != nil {
		return nil, translate(err, "list committed proposals")
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

// ProposalIDsWithIntent returns the stored proposals naming intentID.
func (t *Tx) ProposalIDsWithIntent(intentID string) ([]string, error) {
	var ids []string
	err := t.db.Model(&models.ProposalParticipant{}).
		Where("intent_id = ?", intentID).
		Order("proposal_id").
		Pluck("proposal_id", &ids).Error
	if err != nil {
		return nil, translate(err, "list proposals by intent")
	}
	return ids, nil
}
