package settlement

import (
	"cycleswap/services/cycled/models"
	"cycleswap/services/cycled/swaperr"
)

var allowedStates = map[models.SettlementState][]models.SettlementState{
	models.SettlementAccepted:      {models.SettlementEscrowPending, models.SettlementEscrowReady},
	models.SettlementEscrowPending: {models.SettlementEscrowReady, models.SettlementFailed},
	models.SettlementEscrowReady:   {models.SettlementExecuting},
	models.SettlementExecuting:     {models.SettlementCompleted},
}

var allowedLegs = map[models.LegStatus][]models.LegStatus{
	models.LegPending:   {models.LegDeposited, models.LegRefunded},
	models.LegDeposited: {models.LegReleased, models.LegRefunded},
}

// requireState fails with CONSTRAINT_VIOLATION naming the expected state.
func requireState(tl *models.Timeline, expected models.SettlementState) error {
	if tl.State != expected {
		return swaperr.StateViolation(string(expected), string(tl.State), "")
	}
	return nil
}

// ValidateTransition reports whether a timeline may move from current to next.
func ValidateTransition(current, next models.SettlementState) error {
	for _, state := range allowedStates[current] {
		if state == next {
			return nil
		}
	}
	return swaperr.New(swaperr.CodeConstraintViolation, "settlement transition not permitted", map[string]any{
		"from_state": string(current),
		"to_state":   string(next),
	})
}

// ValidateLegTransition enforces forward-only leg progress with refund as the
// single unwind exit.
func ValidateLegTransition(current, next models.LegStatus) error {
	for _, status := range allowedLegs[current] {
		if status == next {
			return nil
		}
	}
	return swaperr.New(swaperr.CodeConstraintViolation, "leg transition not permitted", map[string]any{
		"from_status": string(current),
		"to_status":   string(next),
	})
}

// Terminal reports whether no further transitions are possible.
func Terminal(state models.SettlementState) bool {
	return state == models.SettlementCompleted || state == models.SettlementFailed
}
