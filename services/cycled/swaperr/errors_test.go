package swaperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("accept: %w", Conflict([]string{"b", "a"}))
	if !errors.Is(err, ErrReservationConflict) {
		t.Fatalf("expected wrapped conflict to match sentinel")
	}
	if errors.Is(err, ErrForbidden) {
		t.Fatalf("conflict must not match forbidden")
	}
	typed, ok := As(err)
	if !ok {
		t.Fatalf("expected typed error")
	}
	ids := typed.Details["intent_ids"].([]string)
	if ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("expected sorted intent ids, got %v", ids)
	}
}

func TestStateViolationDetails(t *testing.T) {
	err := StateViolation("escrow.pending", "completed", ReasonDepositTimeout)
	if err.Details["expected_state"] != "escrow.pending" || err.Details["actual_state"] != "completed" {
		t.Fatalf("unexpected details %#v", err.Details)
	}
	if err.Details["reason_code"] != ReasonDepositTimeout {
		t.Fatalf("expected reason code, got %#v", err.Details)
	}
}

func TestCodeOfUntypedIsInternal(t *testing.T) {
	if CodeOf(errors.New("boom")) != CodeInternal {
		t.Fatalf("expected INTERNAL for untyped errors")
	}
	if HTTPStatus(CodeOf(errors.New("boom"))) != http.StatusInternalServerError {
		t.Fatalf("expected 500 for internal")
	}
	if HTTPStatus(CodeIdempotencyMismatch) != http.StatusConflict {
		t.Fatalf("expected 409 for idempotency mismatch")
	}
}
