package settlement

import (
	"context"

	"cycleswap/services/cycled/models"
)

// ReceiptSigner produces the detached signature stored on a receipt.
type ReceiptSigner interface {
	Sign(ctx context.Context, receipt models.Receipt) (string, error)
}

// NoopSigner leaves receipts unsigned.
type NoopSigner struct{}

// Sign implements ReceiptSigner.
func (NoopSigner) Sign(context.Context, models.Receipt) (string, error) { return "", nil }

// ReceiptID derives the receipt id of a cycle.
func ReceiptID(cycleID string) string {
	return "rcpt_" + cycleID
}

func buildReceipt(tl *models.Timeline, proposal *models.Proposal) models.Receipt {
	r := models.Receipt{
		ID:          ReceiptID(tl.CycleID),
		CycleID:     tl.CycleID,
		FinalState:  tl.State,
		ReasonCode:  tl.ReasonCode,
		IntentIDs:   make(models.StringList, 0, len(tl.Legs)),
		AssetIDs:    models.StringList{},
		Fees:        models.Fees{},
		LegOutcomes: make(models.LegOutcomes, 0, len(tl.Legs)),
		CreatedAt:   tl.UpdatedAt,
	}
	if proposal != nil {
		r.ScoreMicros = proposal.ScoreMicros
		r.ValueSpread = proposal.ValueSpread
	}
	for _, leg := range tl.Legs {
		r.IntentIDs = append(r.IntentIDs, leg.IntentID)
		r.AssetIDs = append(r.AssetIDs, leg.Assets.IDs()...)
		r.LegOutcomes = append(r.LegOutcomes, models.LegOutcome{
			LegID:    leg.ID,
			IntentID: leg.IntentID,
			Status:   leg.Status,
		})
	}
	return r
}
