package matching

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"cycleswap/observability"
	"cycleswap/services/cycled/auth"
	"cycleswap/services/cycled/idempotency"
	"cycleswap/services/cycled/models"
	"cycleswap/services/cycled/store"
	"cycleswap/services/cycled/swaperr"
)

// RunRequest is the body of a matching run. Zero config fields fall back to
// the service defaults. Now pins the run clock for reproducible runs.
type RunRequest struct {
	RunKey            string         `json:"run_key"`
	Edges             []ExplicitEdge `json:"edges,omitempty"`
	MinCycleLength    int            `json:"min_cycle_length,omitempty"`
	MaxCycleLength    int            `json:"max_cycle_length,omitempty"`
	MaxCyclesExplored int            `json:"max_cycles_explored,omitempty"`
	TimeoutMS         int64          `json:"timeout_ms,omitempty"`
	Now               time.Time      `json:"now,omitempty"`
}

// RunView is the stored outcome of a run.
type RunView struct {
	Run       models.MatchingRun `json:"run"`
	Proposals []models.Proposal  `json:"proposals"`
}

// Service runs the engine against the stored intent pool.
type Service struct {
	store    store.Transactor
	ledger   *idempotency.Ledger
	engine   *Engine
	defaults Config
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *observability.CycleMetrics
	nowFn    func() time.Time
}

// NewService constructs a matching service.
func NewService(st store.Transactor, ledger *idempotency.Ledger, engine *Engine, defaults Config, logger *slog.Logger) *Service {
	if engine == nil {
		engine = NewEngine(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		ledger:   ledger,
		engine:   engine,
		defaults: normalizeConfig(defaults),
		logger:   logger,
		tracer:   otel.Tracer("cycled/matching"),
		metrics:  observability.Cycles(),
		nowFn:    time.Now,
	}
}

// SetNowFunc overrides the default run clock.
func (s *Service) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.nowFn = now
	}
}

// Run executes a matching run for the principal. Selection, persistence and
// garbage collection of superseded proposals commit in one transaction, and
// the run is replayed for a repeated (actor, run key).
func (s *Service) Run(ctx context.Context, principal auth.Principal, req RunRequest) (RunView, error) {
	if !principal.IsOperator() {
		return RunView{}, swaperr.Forbidden("matching runs require operator scope")
	}
	payload := req
	if req.Now.IsZero() {
		req.Now = s.nowFn()
	}
	req.Now = req.Now.UTC()
	cfg := s.configFor(req)

	ctx, span := s.tracer.Start(ctx, "matching.run")
	defer span.End()
	span.SetAttributes(attribute.String("run_key", req.RunKey))

	started := time.Now()
	var view RunView
	err := s.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		view, err = idempotency.Execute(tx, s.ledger, idempotency.Scope{
			Actor:     principal.Subject,
			Operation: "matching.run",
			Key:       req.RunKey,
		}, payload, func() (RunView, error) {
			return s.runLocked(tx, principal, req, cfg)
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		s.metrics.ObserveRun("error", time.Since(started), 0, 0)
		return RunView{}, err
	}
	outcome := "ok"
	switch {
	case view.Run.TimedOut:
		outcome = "timed_out"
	case view.Run.Limited:
		outcome = "limited"
	}
	s.metrics.ObserveRun(outcome, time.Since(started), view.Run.CandidateCycles, len(view.Proposals))
	span.SetAttributes(
		attribute.Int("candidate_cycles", view.Run.CandidateCycles),
		attribute.Int("selected", len(view.Proposals)),
	)
	return view, nil
}

func (s *Service) runLocked(tx *store.Tx, principal auth.Principal, req RunRequest, cfg Config) (RunView, error) {
	active, err := tx.ListActiveIntents()
	if err != nil {
		return RunView{}, err
	}
	inUse, err := tx.InUseIntentIDs()
	if err != nil {
		return RunView{}, err
	}
	eligible := make([]models.Intent, 0, len(active))
	for _, intent := range active {
		if _, busy := inUse[intent.ID]; busy {
			continue
		}
		eligible = append(eligible, intent)
	}

	result := s.engine.Run(Input{Intents: eligible, Edges: req.Edges, Config: cfg, Now: req.Now})

	run := models.MatchingRun{
		ID:                uuid.NewString(),
		ActorID:           principal.Subject,
		RunKey:            req.RunKey,
		MinCycleLength:    cfg.MinCycleLength,
		MaxCycleLength:    cfg.MaxCycleLength,
		MaxCyclesExplored: cfg.MaxCyclesExplored,
		TimeoutMS:         cfg.Timeout.Milliseconds(),
		ActiveIntents:     len(active),
		ExcludedIntents:   len(active) - len(eligible),
		CandidateCycles:   result.Stats.CandidateCycles,
		Limited:           result.Stats.Limited,
		TimedOut:          result.Stats.TimedOut,
		ProposalIDs:       make(models.StringList, 0, len(result.Proposals)),
		RunAt:             req.Now,
		CreatedAt:         req.Now,
	}

	keep := make(map[string]struct{}, len(result.Proposals))
	for i := range result.Proposals {
		result.Proposals[i].RunID = run.ID
		if err := tx.SaveProposal(&result.Proposals[i]); err != nil {
			return RunView{}, err
		}
		keep[result.Proposals[i].ID] = struct{}{}
		run.ProposalIDs = append(run.ProposalIDs, result.Proposals[i].ID)
	}

	collected, err := s.collect(tx, keep)
	if err != nil {
		return RunView{}, err
	}
	run.Collected = collected
	if err := tx.SaveRun(&run); err != nil {
		return RunView{}, err
	}
	s.logger.Info("matching run complete",
		slog.String("run_id", run.ID),
		slog.Int("eligible", len(eligible)),
		slog.Int("candidate_cycles", run.CandidateCycles),
		slog.Int("selected", len(result.Proposals)),
		slog.Int("collected", collected),
		slog.Bool("limited", run.Limited),
		slog.Bool("timed_out", run.TimedOut))
	return RunView{Run: run, Proposals: result.Proposals}, nil
}

// collect deletes stored proposals that nobody has answered and that this run
// did not select again.
func (s *Service) collect(tx *store.Tx, keep map[string]struct{}) (int, error) {
	stored, err := tx.ListProposalIDs()
	if err != nil {
		return 0, err
	}
	committed, err := tx.CommittedProposalIDs()
	if err != nil {
		return 0, err
	}
	var stale []string
	for _, id := range stored {
		if _, ok := keep[id]; ok {
			continue
		}
		if _, ok := committed[id]; ok {
			continue
		}
		stale = append(stale, id)
	}
	if err := tx.DeleteProposals(stale); err != nil {
		return 0, err
	}
	return len(stale), nil
}

// GetRun returns a stored run. Only operators and the run owner may read it.
func (s *Service) GetRun(ctx context.Context, principal auth.Principal, id string) (*models.MatchingRun, error) {
	var run *models.MatchingRun
	err := s.store.View(ctx, func(tx *store.Tx) error {
		var err error
		run, err = tx.GetRun(id)
		if errors.Is(err, store.ErrNotFound) {
			return swaperr.NotFound("matching run", id)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if !principal.IsOperator() && principal.Subject != run.ActorID {
		return nil, swaperr.Forbidden("matching run is not visible to caller")
	}
	return run, nil
}

// GetProposal returns a proposal visible to the principal.
func (s *Service) GetProposal(ctx context.Context, principal auth.Principal, id string) (*models.Proposal, error) {
	var proposal *models.Proposal
	err := s.store.View(ctx, func(tx *store.Tx) error {
		var err error
		proposal, err = tx.GetProposal(id)
		if errors.Is(err, store.ErrNotFound) {
			return swaperr.NotFound("proposal", id)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if !principal.CanView(ProposalParties(proposal)) {
		return nil, swaperr.Forbidden("proposal is not visible to caller")
	}
	return proposal, nil
}

// ProposalParties lists the actors of a proposal for access checks.
func ProposalParties(p *models.Proposal) []auth.Party {
	out := make([]auth.Party, 0, len(p.Participants))
	for _, part := range p.Participants {
		out = append(out, auth.Party{ActorID: part.ActorID, PartnerID: part.PartnerID})
	}
	return out
}

func (s *Service) configFor(req RunRequest) Config {
	cfg := s.defaults
	if req.MinCycleLength > 0 {
		cfg.MinCycleLength = req.MinCycleLength
	}
	if req.MaxCycleLength > 0 {
		cfg.MaxCycleLength = req.MaxCycleLength
	}
	if req.MaxCyclesExplored > 0 {
		cfg.MaxCyclesExplored = req.MaxCyclesExplored
	}
	if req.TimeoutMS > 0 {
		cfg.Timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	return normalizeConfig(cfg)
}
