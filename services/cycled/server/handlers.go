package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"cycleswap/services/cycled/auth"
	"cycleswap/services/cycled/commit"
	"cycleswap/services/cycled/intents"
	"cycleswap/services/cycled/matching"
	"cycleswap/services/cycled/settlement"
	"cycleswap/services/cycled/swaperr"
)

func (s *Server) handlePutIntent(w http.ResponseWriter, r *http.Request) {
	var req intents.UpsertRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.ID = chi.URLParam(r, "id")
	intent, err := s.pool.Upsert(r.Context(), principal(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleCancelIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.pool.Cancel(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.pool.Get(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	key, err := idempotencyKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req matching.RunRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.RunKey != "" && req.RunKey != key {
		s.writeError(w, r, swaperr.Validation("run_key", "run_key must match the "+IdempotencyHeader+" header"))
		return
	}
	req.RunKey = key
	view, err := s.matching.Run(r.Context(), principal(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.matching.GetRun(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	proposal, err := s.matching.GetProposal(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

type occurredBody struct {
	OccurredAt time.Time `json:"occurred_at"`
}

type answerFunc func(ctx context.Context, p auth.Principal, req commit.Request) (commit.View, error)

func (s *Server) handleAnswer(fn answerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := idempotencyKey(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		var body occurredBody
		if err := decode(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
		view, err := fn(r.Context(), principal(r), commit.Request{
			ProposalID:     chi.URLParam(r, "id"),
			IdempotencyKey: key,
			OccurredAt:     body.OccurredAt,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func (s *Server) handleGetCommit(w http.ResponseWriter, r *http.Request) {
	view, err := s.commits.Get(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type startBody struct {
	DepositDeadline time.Time         `json:"deposit_deadline"`
	VaultBindings   map[string]string `json:"vault_bindings"`
	OccurredAt      time.Time         `json:"occurred_at"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	key, err := idempotencyKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body startBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req := settlement.StartRequest{
		CycleID:         chi.URLParam(r, "cycle"),
		IdempotencyKey:  key,
		OccurredAt:      body.OccurredAt,
		DepositDeadline: body.DepositDeadline,
		VaultBindings:   body.VaultBindings,
	}
	if req.DepositDeadline.IsZero() {
		req.DepositWindow = s.depositWindow
	}
	view, err := s.settlement.Start(r.Context(), principal(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type depositBody struct {
	LegID      string    `json:"leg_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	key, err := idempotencyKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body depositBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.settlement.ConfirmDeposit(r.Context(), principal(r), settlement.DepositRequest{
		CycleID:        chi.URLParam(r, "cycle"),
		LegID:          body.LegID,
		IdempotencyKey: key,
		OccurredAt:     body.OccurredAt,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type transitionFunc func(ctx context.Context, p auth.Principal, req settlement.Request) (settlement.View, error)

func (s *Server) handleTransition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := idempotencyKey(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		var body occurredBody
		if err := decode(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
		view, err := fn(r.Context(), principal(r), settlement.Request{
			CycleID:        chi.URLParam(r, "cycle"),
			IdempotencyKey: key,
			OccurredAt:     body.OccurredAt,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func (s *Server) handleGetTimeline(w http.ResponseWriter, r *http.Request) {
	view, err := s.settlement.Timeline(r.Context(), principal(r), chi.URLParam(r, "cycle"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.settlement.Receipt(r.Context(), principal(r), chi.URLParam(r, "cycle"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

type eventsPage struct {
	Events any   `json:"events"`
	Next   int64 `json:"next"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !principal(r).IsOperator() {
		s.writeError(w, r, swaperr.Forbidden("event feed requires operator scope"))
		return
	}
	query := r.URL.Query()
	var after int64
	if raw := query.Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			s.writeError(w, r, swaperr.Validation("after", "after must be a non-negative sequence"))
			return
		}
		after = parsed
	}
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, r, swaperr.Validation("limit", "limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	page, err := s.feed.After(r.Context(), after, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	next := after
	if len(page) > 0 {
		next = page[len(page)-1].Sequence
	}
	writeJSON(w, http.StatusOK, eventsPage{Events: page, Next: next})
}

type sweepBody struct {
	Now time.Time `json:"now"`
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if !principal(r).IsOperator() {
		s.writeError(w, r, swaperr.Forbidden("sweeps require operator scope"))
		return
	}
	var body sweepBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	now := body.Now
	if now.IsZero() {
		now = s.now()
	}
	report, err := s.sweeper.Sweep(r.Context(), now)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
