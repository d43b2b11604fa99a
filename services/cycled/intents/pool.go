// Package intents is the front door of the intent pool. It validates and
// stores standing swap intents and lets their owners cancel them.
package intents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cycleswap/observability/logging"
	"cycleswap/services/cycled/auth"
	"cycleswap/services/cycled/models"
	"cycleswap/services/cycled/store"
	"cycleswap/services/cycled/swaperr"
)

// Cycle length bounds accepted on intents.
const (
	MinCycleLength = 2
	MaxCycleLength = 4
)

// UpsertRequest is the body of an intent write.
type UpsertRequest struct {
	ID             string          `json:"id"`
	Offer          []models.Asset  `json:"offer"`
	Want           models.WantSpec `json:"want"`
	ValueMinUSD    float64         `json:"value_min_usd"`
	ValueMaxUSD    float64         `json:"value_max_usd"`
	MaxCycleLength int             `json:"max_cycle_length"`
}

// Pool manages intents.
type Pool struct {
	store  store.Transactor
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewPool constructs a pool.
func NewPool(st store.Transactor, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{store: st, logger: logger, nowFn: time.Now}
}

// SetNowFunc overrides the clock. Intended for tests.
func (p *Pool) SetNowFunc(now func() time.Time) {
	if now != nil {
		p.nowFn = now
	}
}

// Upsert creates or replaces an intent owned by the principal. Reserved and
// cancelled intents cannot be edited. Editing withdraws every proposal naming
// the intent that nobody has answered yet.
func (p *Pool) Upsert(ctx context.Context, principal auth.Principal, req UpsertRequest) (*models.Intent, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	now := p.nowFn().UTC()
	var out *models.Intent
	err := p.store.Update(ctx, func(tx *store.Tx) error {
		existing, err := tx.GetIntent(req.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			existing = nil
		case err != nil:
			return err
		}
		intent := &models.Intent{
			ID:        req.ID,
			ActorID:   principal.Subject,
			PartnerID: principal.PartnerID,
			Status:    models.IntentActive,
			CreatedAt: now,
		}
		if existing != nil {
			if existing.ActorID != principal.Subject {
				return swaperr.Forbidden("intent belongs to another actor")
			}
			if existing.Status != models.IntentActive {
				return swaperr.StateViolation(string(models.IntentActive), string(existing.Status), swaperr.ReasonIntentNotActive)
			}
			intent.CreatedAt = existing.CreatedAt
			withdrawn, err := withdrawProposals(tx, req.ID)
			if err != nil {
				return err
			}
			if withdrawn > 0 {
				p.logger.Info("unanswered proposals withdrawn after intent edit",
					slog.String("intent_id", req.ID),
					slog.Int("proposals", withdrawn))
			}
		}
		intent.Offer = normalizeAssets(req.Offer)
		intent.Want = normalizeWant(req.Want)
		intent.ValueMinUSD = req.ValueMinUSD
		intent.ValueMaxUSD = req.ValueMaxUSD
		intent.MaxCycleLength = req.MaxCycleLength
		if intent.MaxCycleLength == 0 {
			intent.MaxCycleLength = MaxCycleLength
		}
		intent.UpdatedAt = now
		if err := tx.SaveIntent(intent); err != nil {
			return err
		}
		out = intent
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("intent upserted",
		slog.String("intent_id", out.ID),
		logging.MaskField("actor_id", out.ActorID))
	return out, nil
}

// withdrawProposals deletes the unanswered proposals naming intentID.
func withdrawProposals(tx *store.Tx, intentID string) (int, error) {
	ids, err := tx.ProposalIDsWithIntent(intentID)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	answered, err := tx.CommittedProposalIDs()
	if err != nil {
		return 0, err
	}
	stale := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := answered[id]; !ok {
			stale = append(stale, id)
		}
	}
	return len(stale), tx.DeleteProposals(stale)
}

// Cancel withdraws an active intent from the pool.
func (p *Pool) Cancel(ctx context.Context, principal auth.Principal, id string) (*models.Intent, error) {
	now := p.nowFn().UTC()
	var out *models.Intent
	err := p.store.Update(ctx, func(tx *store.Tx) error {
		intent, err := tx.GetIntent(id)
		if errors.Is(err, store.ErrNotFound) {
			return swaperr.NotFound("intent", id)
		}
		if err != nil {
			return err
		}
		if intent.ActorID != principal.Subject {
			return swaperr.Forbidden("intent belongs to another actor")
		}
		switch intent.Status {
		case models.IntentCancelled:
			out = intent
			return nil
		case models.IntentReserved:
			return swaperr.StateViolation(string(models.IntentActive), string(intent.Status), swaperr.ReasonIntentReserved)
		}
		intent.Status = models.IntentCancelled
		intent.UpdatedAt = now
		if err := tx.SaveIntent(intent); err != nil {
			return err
		}
		out = intent
		return nil
	})
	return out, err
}

// Get returns an intent visible to the principal.
func (p *Pool) Get(ctx context.Context, principal auth.Principal, id string) (*models.Intent, error) {
	var out *models.Intent
	err := p.store.View(ctx, func(tx *store.Tx) error {
		intent, err := tx.GetIntent(id)
		if errors.Is(err, store.ErrNotFound) {
			return swaperr.NotFound("intent", id)
		}
		if err != nil {
			return err
		}
		if !principal.CanView([]auth.Party{{ActorID: intent.ActorID, PartnerID: intent.PartnerID}}) {
			return swaperr.Forbidden("intent is not visible to caller")
		}
		out = intent
		return nil
	})
	return out, err
}

func validate(req UpsertRequest) error {
	if strings.TrimSpace(req.ID) == "" || len(req.ID) > 64 {
		return swaperr.Validation("id", "intent id must be 1-64 characters")
	}
	if len(req.Offer) == 0 {
		return swaperr.Validation("offer", "at least one offered asset is required")
	}
	seen := make(map[string]struct{}, len(req.Offer))
	for i, asset := range req.Offer {
		field := fmt.Sprintf("offer[%d]", i)
		if strings.TrimSpace(asset.ID) == "" {
			return swaperr.Validation(field+".id", "asset id is required")
		}
		if _, dup := seen[asset.ID]; dup {
			return swaperr.Validation(field+".id", "duplicate asset id")
		}
		seen[asset.ID] = struct{}{}
		if strings.TrimSpace(asset.Category) == "" {
			return swaperr.Validation(field+".category", "asset category is required")
		}
		if asset.ValueUSD < 0 {
			return swaperr.Validation(field+".value_usd", "asset value must not be negative")
		}
		if !ValidCondition(asset.Condition) {
			return swaperr.Validation(field+".condition", "unknown asset condition")
		}
	}
	if strings.TrimSpace(req.Want.Category) == "" && len(req.Want.AssetIDs) == 0 {
		return swaperr.Validation("want", "want must name a category or asset ids")
	}
	if !ValidCondition(req.Want.MinCondition) {
		return swaperr.Validation("want.min_condition", "unknown minimum condition")
	}
	if req.ValueMinUSD < 0 || req.ValueMaxUSD < 0 {
		return swaperr.Validation("value_band", "value band must not be negative")
	}
	if req.ValueMaxUSD > 0 && req.ValueMinUSD > req.ValueMaxUSD {
		return swaperr.Validation("value_band", "value_min_usd exceeds value_max_usd")
	}
	if req.MaxCycleLength != 0 && (req.MaxCycleLength < MinCycleLength || req.MaxCycleLength > MaxCycleLength) {
		return swaperr.Validation("max_cycle_length", "max_cycle_length must be between 2 and 4")
	}
	return nil
}

func normalizeAssets(in []models.Asset) models.Assets {
	out := make(models.Assets, 0, len(in))
	for _, asset := range in {
		asset.ID = strings.TrimSpace(asset.ID)
		asset.Category = strings.TrimSpace(asset.Category)
		asset.Condition = normalizeCondition(asset.Condition)
		out = append(out, asset)
	}
	return out
}

func normalizeWant(in models.WantSpec) models.WantSpec {
	in.Category = strings.TrimSpace(in.Category)
	in.MinCondition = normalizeCondition(in.MinCondition)
	ids := make([]string, 0, len(in.AssetIDs))
	for _, id := range in.AssetIDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	in.AssetIDs = ids
	return in
}
