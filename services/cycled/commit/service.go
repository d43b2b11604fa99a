// Package commit runs the two-phase accept/decline handshake that turns a
// proposal into a binding commitment and owns intent reservations.
package commit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"cycleswap/observability"
	"cycleswap/services/cycled/auth"
	"cycleswap/services/cycled/events"
	"cycleswap/services/cycled/idempotency"
	"cycleswap/services/cycled/models"
	"cycleswap/services/cycled/store"
	"cycleswap/services/cycled/swaperr"
)

// Request identifies the proposal being answered.
type Request struct {
	ProposalID     string
	IdempotencyKey string
	OccurredAt     time.Time
}

type requestPayload struct {
	ProposalID string    `json:"proposal_id"`
	Actor      string    `json:"actor"`
	OccurredAt time.Time `json:"occurred_at"`
}

// View is a commit together with the reservations it holds.
type View struct {
	Commit       models.Commit        `json:"commit"`
	Reservations []models.Reservation `json:"reservations"`
}

// Service implements the commit handshake.
type Service struct {
	store    store.Transactor
	ledger   *idempotency.Ledger
	recorder *events.Recorder
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *observability.CycleMetrics
	nowFn    func() time.Time
}

// NewService constructs a commit service.
func NewService(st store.Transactor, ledger *idempotency.Ledger, recorder *events.Recorder, logger *slog.Logger) *Service {
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
		logger:   logger,
		tracer:   otel.Tracer("cycled/commit"),
		metrics:  observability.Cycles(),
		nowFn:    time.Now,
	}
}

// SetNowFunc overrides the clock used when a request carries no timestamp.
func (s *Service) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.nowFn = now
	}
}

// Accept records the principal's acceptance. The first accept reserves every
// participant intent or fails with RESERVATION_CONFLICT without writing
// anything. When the last participant accepts the commit becomes ready.
func (s *Service) Accept(ctx context.Context, principal auth.Principal, req Request) (View, error) {
	return s.answer(ctx, principal, req, "commit.accept", s.accept)
}

// Decline records the principal's refusal, cancels the commit and releases its
// reservations. Declining a ready commit is not permitted.
func (s *Service) Decline(ctx context.Context, principal auth.Principal, req Request) (View, error) {
	return s.answer(ctx, principal, req, "commit.decline", s.decline)
}

type answerFn func(tx *store.Tx, proposal *models.Proposal, c *models.Commit, position int, at time.Time) error

func (s *Service) answer(ctx context.Context, principal auth.Principal, req Request, operation string, fn answerFn) (View, error) {
	ctx, span := s.tracer.Start(ctx, operation)
	defer span.End()
	span.SetAttributes(attribute.String("proposal_id", req.ProposalID))

	payload := requestPayload{ProposalID: req.ProposalID, Actor: principal.Subject, OccurredAt: req.OccurredAt}
	at := req.OccurredAt
	if at.IsZero() {
		at = s.nowFn()
	}
	at = at.UTC()

	var view View
	err := s.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		view, err = idempotency.Execute(tx, s.ledger, idempotency.Scope{
			Actor:     principal.Subject,
			Operation: operation,
			Key:       req.IdempotencyKey,
		}, payload, func() (View, error) {
			proposal, err := tx.GetProposal(req.ProposalID)
			if errors.Is(err, store.ErrNotFound) {
				return View{}, swaperr.NotFound("proposal", req.ProposalID)
			}
			if err != nil {
				return View{}, err
			}
			position := participantPosition(proposal, principal.Subject)
			if position < 0 {
				return View{}, swaperr.Forbidden("actor is not a participant of this proposal")
			}
			c, err := s.loadOrCreate(tx, proposal, at)
			if err != nil {
				return View{}, err
			}
			if err := fn(tx, proposal, c, position, at); err != nil {
				return View{}, err
			}
			return s.view(tx, c)
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		if swaperr.CodeOf(err) == swaperr.CodeReservationConflict {
			s.metrics.RecordConflict()
		}
		return View{}, err
	}
	return view, nil
}

func (s *Service) loadOrCreate(tx *store.Tx, proposal *models.Proposal, at time.Time) (*models.Commit, error) {
	c, err := tx.GetCommit(IDFor(proposal.ID))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	c = &models.Commit{
		ID:         IDFor(proposal.ID),
		ProposalID: proposal.ID,
		CycleID:    proposal.ID,
		Phase:      models.PhaseAccept,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
	for _, part := range proposal.Participants {
		c.Participants = append(c.Participants, models.CommitParticipant{
			Position:  part.Position,
			IntentID:  part.IntentID,
			ActorID:   part.ActorID,
			PartnerID: part.PartnerID,
			Status:    models.ParticipantPending,
			UpdatedAt: at,
		})
	}
	if err := tx.CreateCommit(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) accept(tx *store.Tx, proposal *models.Proposal, c *models.Commit, position int, at time.Time) error {
	switch c.Phase {
	case models.PhaseReady:
		return nil
	case models.PhaseCancelled:
		return swaperr.StateViolation(string(models.PhaseAccept), string(c.Phase), c.CancelReason)
	}
	if at.After(proposal.ExpiresAt) {
		return swaperr.Constraint(swaperr.ReasonProposalExpired, "proposal acceptance window has passed", map[string]any{
			"expires_at": proposal.ExpiresAt,
		})
	}

	held, err := tx.ReservationsForCommit(c.ID)
	if err != nil {
		return err
	}
	if len(held) == 0 {
		if err := s.reserve(tx, proposal, c, at); err != nil {
			return err
		}
	}

	c.Participants[position].Status = models.ParticipantAccepted
	c.Participants[position].UpdatedAt = at
	c.UpdatedAt = at
	if allAccepted(c) {
		if err := ValidateTransition(c.Phase, models.PhaseReady); err != nil {
			return err
		}
		c.Phase = models.PhaseReady
		if err := s.recorder.StateChanged(tx, c.CycleID, c.ID, events.CycleProposed, events.CycleAccepted, "", at); err != nil {
			return err
		}
		s.metrics.RecordCommitPhase(string(models.PhaseReady), "")
		s.logger.Info("commit ready", slog.String("commit_id", c.ID), slog.String("cycle_id", c.CycleID))
	}
	return tx.SaveCommit(c)
}

// reserve claims every participant intent for the commit in one step.
func (s *Service) reserve(tx *store.Tx, proposal *models.Proposal, c *models.Commit, at time.Time) error {
	ids := proposal.IntentIDs()
	existing, err := tx.ReservationsForIntents(ids)
	if err != nil {
		return err
	}
	var conflicts []string
	for _, r := range existing {
		if r.CommitID != c.ID {
			conflicts = append(conflicts, r.IntentID)
		}
	}
	if len(conflicts) > 0 {
		return swaperr.Conflict(conflicts)
	}
	pool, err := tx.GetIntents(ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		intent, ok := pool[id]
		if !ok {
			return swaperr.Constraint(swaperr.ReasonIntentNotActive, "intent no longer exists", map[string]any{"intent_id": id})
		}
		if intent.Status != models.IntentActive {
			return swaperr.Constraint(swaperr.ReasonIntentNotActive, "intent is not active", map[string]any{
				"intent_id": id,
				"status":    string(intent.Status),
			})
		}
	}
	rows := make([]models.Reservation, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, models.Reservation{
			IntentID:      id,
			CommitID:      c.ID,
			CycleID:       c.CycleID,
			ReservedUntil: proposal.ExpiresAt,
			CreatedAt:     at,
		})
	}
	if err := tx.CreateReservations(rows); err != nil {
		return err
	}
	if err := tx.SetIntentStatus(ids, models.IntentReserved); err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.recorder.Append(tx, events.Spec{
			Type:       events.TypeIntentReserved,
			CycleID:    c.CycleID,
			CommitID:   c.ID,
			IntentID:   id,
			OccurredAt: at,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) decline(tx *store.Tx, _ *models.Proposal, c *models.Commit, position int, at time.Time) error {
	switch c.Phase {
	case models.PhaseCancelled:
		return nil
	case models.PhaseReady:
		return swaperr.StateViolation(string(models.PhaseAccept), string(c.Phase), "")
	}
	c.Participants[position].Status = models.ParticipantDeclined
	c.Participants[position].UpdatedAt = at
	return s.cancel(tx, c, swaperr.ReasonParticipantDeclined, at)
}

// cancel moves an accept-phase commit to cancelled and releases its
// reservations.
func (s *Service) cancel(tx *store.Tx, c *models.Commit, reason string, at time.Time) error {
	if err := ValidateTransition(c.Phase, models.PhaseCancelled); err != nil {
		return err
	}
	c.Phase = models.PhaseCancelled
	c.CancelReason = reason
	c.UpdatedAt = at
	if err := s.release(tx, c, at); err != nil {
		return err
	}
	if err := tx.SaveCommit(c); err != nil {
		return err
	}
	if err := s.recorder.StateChanged(tx, c.CycleID, c.ID, events.CycleProposed, events.CycleFailed, reason, at); err != nil {
		return err
	}
	s.metrics.RecordCommitPhase(string(models.PhaseCancelled), reason)
	s.logger.Info("commit cancelled",
		slog.String("commit_id", c.ID),
		slog.String("reason", reason))
	return nil
}

// release deletes every reservation of the commit and returns the intents to
// the pool.
func (s *Service) release(tx *store.Tx, c *models.Commit, at time.Time) error {
	held, err := tx.ReservationsForCommit(c.ID)
	if err != nil {
		return err
	}
	if len(held) == 0 {
		return nil
	}
	ids := make([]string, 0, len(held))
	for _, r := range held {
		ids = append(ids, r.IntentID)
	}
	if err := tx.DeleteReservationsForCommit(c.ID); err != nil {
		return err
	}
	pool, err := tx.GetIntents(ids)
	if err != nil {
		return err
	}
	var reactivate []string
	for _, id := range ids {
		if intent, ok := pool[id]; ok && intent.Status == models.IntentReserved {
			reactivate = append(reactivate, id)
		}
	}
	if err := tx.SetIntentStatus(reactivate, models.IntentActive); err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.recorder.Append(tx, events.Spec{
			Type:       events.TypeIntentUnreserved,
			CycleID:    c.CycleID,
			CommitID:   c.ID,
			IntentID:   id,
			OccurredAt: at,
		}); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseCycle releases the reservations of the commit backing cycleID inside
// the caller's transaction. Settlement uses it to unwind a failed cycle.
func (s *Service) ReleaseCycle(tx *store.Tx, cycleID string, at time.Time) error {
	c, err := tx.GetCommitByCycle(cycleID)
	if errors.Is(err, store.ErrNotFound) {
		return swaperr.NotFound("commit", cycleID)
	}
	if err != nil {
		return err
	}
	return s.release(tx, c, at.UTC())
}

// ExpireAcceptPhase cancels every accept-phase commit whose proposal expired
// before now. Ready commits are left to settlement.
func (s *Service) ExpireAcceptPhase(ctx context.Context, now time.Time) ([]string, error) {
	now = now.UTC()
	var expired []string
	err := s.store.Update(ctx, func(tx *store.Tx) error {
		pending, err := tx.ListCommitsInPhase(models.PhaseAccept)
		if err != nil {
			return err
		}
		for i := range pending {
			c := &pending[i]
			proposal, err := tx.GetProposal(c.ProposalID)
			if err != nil {
				return err
			}
			if !now.After(proposal.ExpiresAt) {
				continue
			}
			if err := s.cancel(tx, c, swaperr.ReasonProposalExpired, now); err != nil {
				return err
			}
			expired = append(expired, c.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordSweep("accept_window", len(expired))
	return expired, nil
}

// Get returns a commit visible to the principal.
func (s *Service) Get(ctx context.Context, principal auth.Principal, id string) (View, error) {
	var view View
	err := s.store.View(ctx, func(tx *store.Tx) error {
		c, err := tx.GetCommit(id)
		if errors.Is(err, store.ErrNotFound) {
			return swaperr.NotFound("commit", id)
		}
		if err != nil {
			return err
		}
		if !principal.CanView(Parties(c)) {
			return swaperr.Forbidden("commit is not visible to caller")
		}
		view, err = s.view(tx, c)
		return err
	})
	return view, err
}

// Parties lists the actors of a commit for access checks.
func Parties(c *models.Commit) []auth.Party {
	out := make([]auth.Party, 0, len(c.Participants))
	for _, part := range c.Participants {
		out = append(out, auth.Party{ActorID: part.ActorID, PartnerID: part.PartnerID})
	}
	return out
}

func (s *Service) view(tx *store.Tx, c *models.Commit) (View, error) {
	held, err := tx.ReservationsForCommit(c.ID)
	if err != nil {
		return View{}, err
	}
	if held == nil {
		held = []models.Reservation{}
	}
	return View{Commit: *c, Reservations: held}, nil
}

func participantPosition(p *models.Proposal, actor string) int {
	for _, part := range p.Participants {
		if actor != "" && part.ActorID == actor {
			return part.Position
		}
	}
	return -1
}

func allAccepted(c *models.Commit) bool {
	for _, part := range c.Participants {
		if part.Status != models.ParticipantAccepted {
			return false
		}
	}
	return len(c.Participants) > 0
}
