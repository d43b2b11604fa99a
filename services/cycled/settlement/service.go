// Package settlement drives an accepted cycle through escrow to a terminal
// receipt.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"cycleswap/observability"
	"cycleswap/services/cycled/auth"
	"cycleswap/services/cycled/commit"
	"cycleswap/services/cycled/events"
	"cycleswap/services/cycled/idempotency"
	"cycleswap/services/cycled/models"
	"cycleswap/services/cycled/store"
	"cycleswap/services/cycled/swaperr"
)

// Releaser returns the intents of a cycle to the pool.
type Releaser interface {
	ReleaseCycle(tx *store.Tx, cycleID string, at time.Time) error
}

// StartRequest opens the deposit window of a ready cycle. Without a
// DepositDeadline the window closes DepositWindow after the start. VaultBindings
// maps an intent id to the vault already holding its give assets.
type StartRequest struct {
	CycleID         string
	IdempotencyKey  string
	OccurredAt      time.Time
	DepositDeadline time.Time
	DepositWindow   time.Duration
	VaultBindings   map[string]string
}

// DepositRequest confirms custody of a leg. An empty LegID selects the leg
// given by the caller.
type DepositRequest struct {
	CycleID        string
	LegID          string
	IdempotencyKey string
	OccurredAt     time.Time
}

// Request carries the common fields of the remaining transitions.
type Request struct {
	CycleID        string
	IdempotencyKey string
	OccurredAt     time.Time
}

type startPayload struct {
	CycleID         string            `json:"cycle_id"`
	Actor           string            `json:"actor"`
	DepositDeadline time.Time         `json:"deposit_deadline"`
	DepositWindow   time.Duration     `json:"deposit_window,omitempty"`
	VaultBindings   map[string]string `json:"vault_bindings,omitempty"`
	OccurredAt      time.Time         `json:"occurred_at"`
}

type depositPayload struct {
	CycleID    string    `json:"cycle_id"`
	LegID      string    `json:"leg_id,omitempty"`
	Actor      string    `json:"actor"`
	OccurredAt time.Time `json:"occurred_at"`
}

type transitionPayload struct {
	CycleID    string    `json:"cycle_id"`
	Actor      string    `json:"actor"`
	OccurredAt time.Time `json:"occurred_at"`
}

// View is a timeline together with its receipt once terminal.
type View struct {
	Timeline models.Timeline `json:"timeline"`
	Receipt  *models.Receipt `json:"receipt,omitempty"`
}

// Service implements the settlement workflow.
type Service struct {
	store    store.Transactor
	ledger   *idempotency.Ledger
	recorder *events.Recorder
	releaser Releaser
	signer   ReceiptSigner
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *observability.CycleMetrics
	nowFn    func() time.Time
}

// NewService constructs a settlement service.
func NewService(st store.Transactor, ledger *idempotency.Ledger, recorder *events.Recorder, releaser Releaser, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = events.NewRecorder()
	}
	return &Service{
		store:    st,
		ledger:   ledger,
		recorder: recorder,
		releaser: releaser,
		signer:   NoopSigner{},
		logger:   logger,
		tracer:   otel.Tracer("cycled/settlement"),
		metrics:  observability.Cycles(),
		nowFn:    time.Now,
	}
}

// SetSigner installs the receipt signer.
func (s *Service) SetSigner(signer ReceiptSigner) {
	if signer != nil {
		s.signer = signer
	}
}

// SetNowFunc overrides the clock used when a request carries no timestamp.
func (s *Service) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.nowFn = now
	}
}

func (s *Service) at(t time.Time) time.Time {
	if t.IsZero() {
		t = s.nowFn()
	}
	return t.UTC()
}

type stepFn func(tx *store.Tx, c *models.Commit) (View, error)

// run executes fn under the idempotency ledger after checking the principal
// may act on the cycle.
func (s *Service) run(ctx context.Context, principal auth.Principal, operation, cycleID, key string, payload any, fn stepFn) (View, error) {
	ctx, span := s.tracer.Start(ctx, operation)
	defer span.End()
	span.SetAttributes(attribute.String("cycle_id", cycleID))

	var view View
	err := s.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		view, err = idempotency.Execute(tx, s.ledger, idempotency.Scope{
			Actor:     principal.Subject,
			Operation: operation,
			Key:       key,
		}, payload, func() (View, error) {
			c, err := tx.GetCommitByCycle(cycleID)
			if errors.Is(err, store.ErrNotFound) {
				return View{}, swaperr.NotFound("cycle", cycleID)
			}
			if err != nil {
				return View{}, err
			}
			if !principal.IsOperator() && !principal.IsParty(commit.Parties(c)) {
				return View{}, swaperr.Forbidden("actor is not a participant of this cycle")
			}
			return fn(tx, c)
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return View{}, err
	}
	return view, nil
}

// Start creates the timeline of a ready commit. Legs bound to a vault are
// deposited immediately; when every leg is vault bound the cycle goes straight
// to escrow.ready.
func (s *Service) Start(ctx context.Context, principal auth.Principal, req StartRequest) (View, error) {
	payload := startPayload{
		CycleID:         req.CycleID,
		Actor:           principal.Subject,
		DepositDeadline: req.DepositDeadline,
		DepositWindow:   req.DepositWindow,
		VaultBindings:   req.VaultBindings,
		OccurredAt:      req.OccurredAt,
	}
	at := s.at(req.OccurredAt)
	return s.run(ctx, principal, "settlement.start", req.CycleID, req.IdempotencyKey, payload, func(tx *store.Tx, c *models.Commit) (View, error) {
		if c.Phase != models.PhaseReady {
			return View{}, swaperr.StateViolation(string(models.PhaseReady), string(c.Phase), swaperr.ReasonCommitNotReady)
		}
		if existing, err := tx.GetTimeline(c.CycleID); err == nil {
			return View{}, swaperr.StateViolation(string(models.SettlementAccepted), string(existing.State), "")
		} else if !errors.Is(err, store.ErrNotFound) {
			return View{}, err
		}
		deadline := req.DepositDeadline.UTC()
		if req.DepositDeadline.IsZero() {
			if req.DepositWindow <= 0 {
				return View{}, swaperr.Validation("deposit_deadline", "deposit deadline is required")
			}
			deadline = at.Add(req.DepositWindow)
		}
		if !deadline.After(at) {
			return View{}, swaperr.Validation("deposit_deadline", "deposit deadline must be in the future")
		}
		proposal, err := tx.GetProposal(c.ProposalID)
		if err != nil {
			return View{}, err
		}
		for intentID := range req.VaultBindings {
			if !containsIntent(proposal, intentID) {
				return View{}, swaperr.Validation("vault_bindings", fmt.Sprintf("intent %s is not part of the cycle", intentID))
			}
		}

		tl := &models.Timeline{
			CycleID:         c.CycleID,
			CommitID:        c.ID,
			State:           models.SettlementAccepted,
			DepositDeadline: deadline,
			CreatedAt:       at,
			UpdatedAt:       at,
			Legs:            buildLegs(proposal, req.VaultBindings, deadline, at),
		}
		next := models.SettlementEscrowReady
		for _, leg := range tl.Legs {
			if leg.Status == models.LegPending {
				next = models.SettlementEscrowPending
				break
			}
		}
		if err := s.transition(tx, tl, next, "", at); err != nil {
			return View{}, err
		}
		if err := tx.CreateTimeline(tl); err != nil {
			return View{}, err
		}
		for _, leg := range tl.Legs {
			spec := events.Spec{
				CycleID:    tl.CycleID,
				CommitID:   tl.CommitID,
				IntentID:   leg.IntentID,
				LegID:      leg.ID,
				OccurredAt: at,
			}
			if leg.VaultBound() {
				spec.Type = events.TypeDepositConfirmed
				spec.Payload = map[string]any{"vault_id": leg.VaultID}
			} else {
				spec.Type = events.TypeDepositRequired
				spec.Payload = map[string]any{
					"from_actor":       leg.FromActor,
					"deposit_deadline": deadline,
				}
			}
			if err := s.recorder.Append(tx, spec); err != nil {
				return View{}, err
			}
		}
		s.logger.Info("settlement started",
			slog.String("cycle_id", tl.CycleID),
			slog.String("state", string(tl.State)),
			slog.Int("legs", len(tl.Legs)))
		return View{Timeline: *tl}, nil
	})
}

func buildLegs(p *models.Proposal, vaults map[string]string, deadline, at time.Time) []models.Leg {
	n := len(p.Participants)
	legs := make([]models.Leg, 0, n)
	for i, part := range p.Participants {
		next := p.Participants[(i+1)%n]
		leg := models.Leg{
			ID:              fmt.Sprintf("%s-leg-%d", p.ID, part.Position),
			CycleID:         p.ID,
			Position:        part.Position,
			IntentID:        part.IntentID,
			FromActor:       part.ActorID,
			ToActor:         next.ActorID,
			Assets:          part.Give,
			Status:          models.LegPending,
			DepositDeadline: deadline,
			VaultID:         vaults[part.IntentID],
			UpdatedAt:       at,
		}
		if leg.VaultBound() {
			deposited := at
			leg.Status = models.LegDeposited
			leg.DepositedAt = &deposited
		}
		legs = append(legs, leg)
	}
	return legs
}

// ConfirmDeposit records custody of a leg by its giver. Once every leg is
// deposited the cycle moves to escrow.ready.
func (s *Service) ConfirmDeposit(ctx context.Context, principal auth.Principal, req DepositRequest) (View, error) {
	payload := depositPayload{CycleID: req.CycleID, LegID: req.LegID, Actor: principal.Subject, OccurredAt: req.OccurredAt}
	at := s.at(req.OccurredAt)
	return s.run(ctx, principal, "settlement.deposit", req.CycleID, req.IdempotencyKey, payload, func(tx *store.Tx, _ *models.Commit) (View, error) {
		tl, err := s.timeline(tx, req.CycleID)
		if err != nil {
			return View{}, err
		}
		idx, err := selectLeg(tl, principal, req.LegID)
		if err != nil {
			return View{}, err
		}
		leg := &tl.Legs[idx]
		if leg.VaultBound() {
			return View{}, swaperr.Constraint(swaperr.ReasonVaultBackedLeg, "leg custody is held by a vault", map[string]any{
				"leg_id":   leg.ID,
				"vault_id": leg.VaultID,
			})
		}
		if leg.Status == models.LegDeposited {
			return View{Timeline: *tl}, nil
		}
		if err := requireState(tl, models.SettlementEscrowPending); err != nil {
			return View{}, err
		}
		if at.After(leg.DepositDeadline) {
			return View{}, swaperr.Constraint(swaperr.ReasonDepositDeadlinePassed, "deposit window has closed", map[string]any{
				"leg_id":           leg.ID,
				"deposit_deadline": leg.DepositDeadline,
			})
		}
		if err := advanceLeg(leg, models.LegDeposited, at); err != nil {
			return View{}, err
		}
		if err := s.recorder.Append(tx, events.Spec{
			Type:       events.TypeDepositConfirmed,
			CycleID:    tl.CycleID,
			CommitID:   tl.CommitID,
			IntentID:   leg.IntentID,
			LegID:      leg.ID,
			OccurredAt: at,
		}); err != nil {
			return View{}, err
		}
		tl.UpdatedAt = at
		if allLegs(tl, models.LegDeposited) {
			if err := s.transition(tx, tl, models.SettlementEscrowReady, "", at); err != nil {
				return View{}, err
			}
		}
		if err := tx.SaveTimeline(tl); err != nil {
			return View{}, err
		}
		return View{Timeline: *tl}, nil
	})
}

func selectLeg(tl *models.Timeline, principal auth.Principal, legID string) (int, error) {
	for i, leg := range tl.Legs {
		if legID != "" && leg.ID != legID {
			continue
		}
		if legID == "" && leg.FromActor != principal.Subject {
			continue
		}
		if leg.FromActor != principal.Subject && !principal.IsOperator() {
			return -1, swaperr.Forbidden("only the giving actor may deposit a leg")
		}
		return i, nil
	}
	if legID == "" {
		if principal.IsOperator() {
			return -1, swaperr.Validation("leg_id", "leg_id is required")
		}
		return -1, swaperr.Forbidden("actor gives no leg in this cycle")
	}
	return -1, swaperr.NotFound("leg", legID)
}

// BeginExecution moves an escrow.ready cycle to executing.
func (s *Service) BeginExecution(ctx context.Context, principal auth.Principal, req Request) (View, error) {
	payload := transitionPayload{CycleID: req.CycleID, Actor: principal.Subject, OccurredAt: req.OccurredAt}
	at := s.at(req.OccurredAt)
	return s.run(ctx, principal, "settlement.execute", req.CycleID, req.IdempotencyKey, payload, func(tx *store.Tx, _ *models.Commit) (View, error) {
		tl, err := s.timeline(tx, req.CycleID)
		if err != nil {
			return View{}, err
		}
		if err := requireState(tl, models.SettlementEscrowReady); err != nil {
			return View{}, err
		}
		if err := s.transition(tx, tl, models.SettlementExecuting, "", at); err != nil {
			return View{}, err
		}
		if err := s.recorder.Append(tx, events.Spec{
			Type:       events.TypeSettlementExecuting,
			CycleID:    tl.CycleID,
			CommitID:   tl.CommitID,
			OccurredAt: at,
		}); err != nil {
			return View{}, err
		}
		if err := tx.SaveTimeline(tl); err != nil {
			return View{}, err
		}
		return View{Timeline: *tl}, nil
	})
}

// Complete releases every leg to its receiver and issues the completed
// receipt.
func (s *Service) Complete(ctx context.Context, principal auth.Principal, req Request) (View, error) {
	payload := transitionPayload{CycleID: req.CycleID, Actor: principal.Subject, OccurredAt: req.OccurredAt}
	at := s.at(req.OccurredAt)
	return s.run(ctx, principal, "settlement.complete", req.CycleID, req.IdempotencyKey, payload, func(tx *store.Tx, _ *models.Commit) (View, error) {
		tl, err := s.timeline(tx, req.CycleID)
		if err != nil {
			return View{}, err
		}
		if err := requireState(tl, models.SettlementExecuting); err != nil {
			return View{}, err
		}
		for i := range tl.Legs {
			if err := advanceLeg(&tl.Legs[i], models.LegReleased, at); err != nil {
				return View{}, err
			}
		}
		if err := s.transition(tx, tl, models.SettlementCompleted, "", at); err != nil {
			return View{}, err
		}
		if err := tx.SaveTimeline(tl); err != nil {
			return View{}, err
		}
		receipt, err := s.issueReceipt(ctx, tx, tl, at)
		if err != nil {
			return View{}, err
		}
		return View{Timeline: *tl, Receipt: receipt}, nil
	})
}

// ExpireDepositWindow fails a cycle whose deposit deadline has passed,
// refunding deposited legs and releasing the intents.
func (s *Service) ExpireDepositWindow(ctx context.Context, principal auth.Principal, req Request) (View, error) {
	payload := transitionPayload{CycleID: req.CycleID, Actor: principal.Subject, OccurredAt: req.OccurredAt}
	at := s.at(req.OccurredAt)
	return s.run(ctx, principal, "settlement.expire", req.CycleID, req.IdempotencyKey, payload, func(tx *store.Tx, _ *models.Commit) (View, error) {
		tl, err := s.timeline(tx, req.CycleID)
		if err != nil {
			return View{}, err
		}
		if err := requireState(tl, models.SettlementEscrowPending); err != nil {
			return View{}, err
		}
		if !at.After(tl.DepositDeadline) {
			return View{}, swaperr.Constraint(swaperr.ReasonDepositWindowOpen, "deposit window is still open", map[string]any{
				"deposit_deadline": tl.DepositDeadline,
			})
		}
		receipt, err := s.unwind(ctx, tx, tl, at)
		if err != nil {
			return View{}, err
		}
		return View{Timeline: *tl, Receipt: receipt}, nil
	})
}

// ExpireDueDeposits fails every escrow.pending cycle whose deadline passed
// before now and returns their cycle ids.
func (s *Service) ExpireDueDeposits(ctx context.Context, now time.Time) ([]string, error) {
	now = now.UTC()
	var expired []string
	err := s.store.Update(ctx, func(tx *store.Tx) error {
		pending, err := tx.ListTimelinesInState(models.SettlementEscrowPending)
		if err != nil {
			return err
		}
		for i := range pending {
			tl := &pending[i]
			if !now.After(tl.DepositDeadline) {
				continue
			}
			if _, err := s.unwind(ctx, tx, tl, now); err != nil {
				return err
			}
			expired = append(expired, tl.CycleID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordSweep("deposit_window", len(expired))
	return expired, nil
}

func (s *Service) unwind(ctx context.Context, tx *store.Tx, tl *models.Timeline, at time.Time) (*models.Receipt, error) {
	for i := range tl.Legs {
		if err := advanceLeg(&tl.Legs[i], models.LegRefunded, at); err != nil {
			return nil, err
		}
	}
	if err := s.transition(tx, tl, models.SettlementFailed, swaperr.ReasonDepositTimeout, at); err != nil {
		return nil, err
	}
	if err := tx.SaveTimeline(tl); err != nil {
		return nil, err
	}
	if s.releaser != nil {
		if err := s.releaser.ReleaseCycle(tx, tl.CycleID, at); err != nil {
			return nil, err
		}
	}
	s.logger.Warn("settlement failed",
		slog.String("cycle_id", tl.CycleID),
		slog.String("reason", tl.ReasonCode))
	return s.issueReceipt(ctx, tx, tl, at)
}

func (s *Service) issueReceipt(ctx context.Context, tx *store.Tx, tl *models.Timeline, at time.Time) (*models.Receipt, error) {
	proposal, err := tx.GetProposal(tl.CycleID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	receipt := buildReceipt(tl, proposal)
	receipt.CreatedAt = at
	sig, err := s.signer.Sign(ctx, receipt)
	if err != nil {
		return nil, fmt.Errorf("sign receipt: %w", err)
	}
	receipt.Signature = sig
	if err := tx.CreateReceipt(&receipt); err != nil {
		return nil, err
	}
	if err := s.recorder.Append(tx, events.Spec{
		Type:       events.TypeReceiptCreated,
		CycleID:    tl.CycleID,
		CommitID:   tl.CommitID,
		ToState:    string(receipt.FinalState),
		ReasonCode: receipt.ReasonCode,
		Payload:    map[string]any{"receipt_id": receipt.ID},
		OccurredAt: at,
	}); err != nil {
		return nil, err
	}
	s.metrics.RecordReceipt(string(receipt.FinalState))
	return &receipt, nil
}

// transition validates and applies a timeline state change and records it.
func (s *Service) transition(tx *store.Tx, tl *models.Timeline, next models.SettlementState, reason string, at time.Time) error {
	if err := ValidateTransition(tl.State, next); err != nil {
		return err
	}
	from := tl.State
	tl.State = next
	tl.ReasonCode = reason
	tl.UpdatedAt = at
	s.metrics.RecordSettlement(string(next))
	return s.recorder.StateChanged(tx, tl.CycleID, tl.CommitID, string(from), string(next), reason, at)
}

func advanceLeg(leg *models.Leg, next models.LegStatus, at time.Time) error {
	if err := ValidateLegTransition(leg.Status, next); err != nil {
		return err
	}
	stamp := at
	switch next {
	case models.LegDeposited:
		leg.DepositedAt = &stamp
	case models.LegReleased:
		leg.ReleasedAt = &stamp
	case models.LegRefunded:
		leg.RefundedAt = &stamp
	}
	leg.Status = next
	leg.UpdatedAt = at
	return nil
}

func (s *Service) timeline(tx *store.Tx, cycleID string) (*models.Timeline, error) {
	tl, err := tx.GetTimeline(cycleID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, swaperr.NotFound("timeline", cycleID)
	}
	return tl, err
}

// Timeline returns the settlement progress of a cycle visible to the
// principal.
func (s *Service) Timeline(ctx context.Context, principal auth.Principal, cycleID string) (View, error) {
	var view View
	err := s.store.View(ctx, func(tx *store.Tx) error {
		if err := s.checkVisible(tx, principal, cycleID); err != nil {
			return err
		}
		tl, err := s.timeline(tx, cycleID)
		if err != nil {
			return err
		}
		view.Timeline = *tl
		if receipt, err := tx.GetReceipt(cycleID); err == nil {
			view.Receipt = receipt
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	})
	return view, err
}

// Receipt returns the terminal receipt of a cycle.
func (s *Service) Receipt(ctx context.Context, principal auth.Principal, cycleID string) (*models.Receipt, error) {
	var receipt *models.Receipt
	err := s.store.View(ctx, func(tx *store.Tx) error {
		if err := s.checkVisible(tx, principal, cycleID); err != nil {
			return err
		}
		var err error
		receipt, err = tx.GetReceipt(cycleID)
		if errors.Is(err, store.ErrNotFound) {
			return swaperr.NotFound("receipt", cycleID)
		}
		return err
	})
	return receipt, err
}

func (s *Service) checkVisible(tx *store.Tx, principal auth.Principal, cycleID string) error {
	c, err := tx.GetCommitByCycle(cycleID)
	if errors.Is(err, store.ErrNotFound) {
		return swaperr.NotFound("cycle", cycleID)
	}
	if err != nil {
		return err
	}
	if !principal.CanView(commit.Parties(c)) {
		return swaperr.Forbidden("cycle is not visible to caller")
	}
	return nil
}

func containsIntent(p *models.Proposal, intentID string) bool {
	for _, part := range p.Participants {
		if part.IntentID == intentID {
			return true
		}
	}
	return false
}

func allLegs(tl *models.Timeline, status models.LegStatus) bool {
	for _, leg := range tl.Legs {
		if leg.Status != status {
			return false
		}
	}
	return len(tl.Legs) > 0
}
