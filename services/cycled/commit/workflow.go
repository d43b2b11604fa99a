package commit

import (
	"cycleswap/services/cycled/models"
	"cycleswap/services/cycled/swaperr"
)

var allowedTransitions = map[models.CommitPhase][]models.CommitPhase{
	models.PhaseAccept: {models.PhaseReady, models.PhaseCancelled},
}

// ValidateTransition ensures the commit phase only moves accept→ready or
// accept→cancelled.
func ValidateTransition(current, next models.CommitPhase) error {
	if current == next {
		return nil
	}
	for _, phase := range allowedTransitions[current] {
		if phase == next {
			return nil
		}
	}
	return swaperr.StateViolation(string(models.PhaseAccept), string(current), "")
}

// IDFor derives the commit id of a proposal.
func IDFor(proposalID string) string {
	return "commit_" + proposalID
}
