package intents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cycleswap/services/cycled/auth"
	"cycleswap/services/cycled/models"
	"cycleswap/services/cycled/store"
	"cycleswap/services/cycled/store/storetest"
	"cycleswap/services/cycled/swaperr"
)

func sampleRequest(id string) UpsertRequest {
	return UpsertRequest{
		ID:          id,
		Offer:       []models.Asset{{ID: "card-1", Category: " Trading Cards ", ValueUSD: 120, Condition: "Like New"}},
		Want:        models.WantSpec{Category: "comics", MinCondition: "good"},
		ValueMinUSD: 80,
		ValueMaxUSD: 150,
	}
}

func TestUpsertNormalizesAndDefaults(t *testing.T) {
	st := storetest.Open(t)
	pool := NewPool(st, nil)
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	pool.SetNowFunc(func() time.Time { return now })

	intent, err := pool.Upsert(context.Background(), auth.Principal{Subject: "alice", PartnerID: "tenant-a"}, sampleRequest("i-1"))
	require.NoError(t, err)
	require.Equal(t, models.IntentActive, intent.Status)
	require.Equal(t, MaxCycleLength, intent.MaxCycleLength)
	require.Equal(t, "Trading Cards", intent.Offer[0].Category)
	require.Equal(t, "like_new", intent.Offer[0].Condition)
	require.Equal(t, "tenant-a", intent.PartnerID)

	got, err := pool.Get(context.Background(), auth.Principal{Subject: "alice"}, "i-1")
	require.NoError(t, err)
	require.Equal(t, intent.Offer, got.Offer)
	require.True(t, got.CreatedAt.Equal(now))
}

func TestUpsertRejectsOtherOwnerAndReserved(t *testing.T) {
	st := storetest.Open(t)
	pool := NewPool(st, nil)
	ctx := context.Background()
	_, err := pool.Upsert(ctx, auth.Principal{Subject: "alice"}, sampleRequest("i-1"))
	require.NoError(t, err)

	_, err = pool.Upsert(ctx, auth.Principal{Subject: "bob"}, sampleRequest("i-1"))
	require.Equal(t, swaperr.CodeForbidden, swaperr.CodeOf(err))

	require.NoError(t, st.Update(ctx, func(tx *store.Tx) error {
		return tx.SetIntentStatus([]string{"i-1"}, models.IntentReserved)
	}))
	_, err = pool.Upsert(ctx, auth.Principal{Subject: "alice"}, sampleRequest("i-1"))
	require.Equal(t, swaperr.CodeConstraintViolation, swaperr.CodeOf(err))
	_, err = pool.Cancel(ctx, auth.Principal{Subject: "alice"}, "i-1")
	require.Equal(t, swaperr.CodeConstraintViolation, swaperr.CodeOf(err))
}

func TestEditWithdrawsUnansweredProposals(t *testing.T) {
	st := storetest.Open(t)
	pool := NewPool(st, nil)
	ctx := context.Background()
	alice := auth.Principal{Subject: "alice"}
	_, err := pool.Upsert(ctx, alice, sampleRequest("i-1"))
	require.NoError(t, err)

	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, st.Update(ctx, func(tx *store.Tx) error {
		for _, id := range []string{"p-open", "p-answered", "p-other"} {
			intentID := "i-1"
			if id == "p-other" {
				intentID = "i-2"
			}
			err := tx.SaveProposal(&models.Proposal{
				ID:           id,
				CanonicalKey: id,
				ExpiresAt:    at.Add(time.Hour),
				CreatedAt:    at,
				Participants: []models.ProposalParticipant{{
					Position: 0,
					IntentID: intentID,
					ActorID:  "alice",
					Give:     models.Assets{{ID: "card-1"}},
				}},
			})
			if err != nil {
				return err
			}
		}
		return tx.CreateCommit(&models.Commit{
			ID:         "commit_p-answered",
			ProposalID: "p-answered",
			CycleID:    "p-answered",
			Phase:      models.PhaseCancelled,
			CreatedAt:  at,
			UpdatedAt:  at,
		})
	}))

	edited := sampleRequest("i-1")
	edited.Offer[0].ValueUSD = 140
	_, err = pool.Upsert(ctx, alice, edited)
	require.NoError(t, err)

	require.NoError(t, st.View(ctx, func(tx *store.Tx) error {
		_, err := tx.GetProposal("p-open")
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = tx.GetProposal("p-answered")
		require.NoError(t, err)
		_, err = tx.GetProposal("p-other")
		require.NoError(t, err)
		return nil
	}))
}

func TestCancelIsIdempotent(t *testing.T) {
	st := storetest.Open(t)
	pool := NewPool(st, nil)
	ctx := context.Background()
	alice := auth.Principal{Subject: "alice"}
	_, err := pool.Upsert(ctx, alice, sampleRequest("i-1"))
	require.NoError(t, err)

	first, err := pool.Cancel(ctx, alice, "i-1")
	require.NoError(t, err)
	require.Equal(t, models.IntentCancelled, first.Status)
	second, err := pool.Cancel(ctx, alice, "i-1")
	require.NoError(t, err)
	require.Equal(t, models.IntentCancelled, second.Status)

	_, err = pool.Cancel(ctx, alice, "missing")
	require.Equal(t, swaperr.CodeNotFound, swaperr.CodeOf(err))
}

func TestValidateRejectsBadRequests(t *testing.T) {
	cases := map[string]func(*UpsertRequest){
		"no id":        func(r *UpsertRequest) { r.ID = "" },
		"no offer":     func(r *UpsertRequest) { r.Offer = nil },
		"no want":      func(r *UpsertRequest) { r.Want = models.WantSpec{} },
		"band":         func(r *UpsertRequest) { r.ValueMinUSD = 500 },
		"cycle length": func(r *UpsertRequest) { r.MaxCycleLength = 7 },
		"condition":    func(r *UpsertRequest) { r.Want.MinCondition = "mint-ish" },
		"dup asset": func(r *UpsertRequest) {
			r.Offer = append(r.Offer, r.Offer[0])
		},
	}
	for name, mutate := range cases {
		req := sampleRequest("i-1")
		mutate(&req)
		err := validate(req)
		require.Equal(t, swaperr.CodeValidation, swaperr.CodeOf(err), name)
	}
}

func TestNormalizeCategoryFoldsCase(t *testing.T) {
	require.Equal(t, NormalizeCategory("Trading Cards"), NormalizeCategory("TRADING cards"))
	require.Equal(t, NormalizeCategory(" Cards"), NormalizeCategory("cards "))
	require.Greater(t, ConditionRank("new"), ConditionRank("fair"))
	require.Equal(t, UnspecifiedConditionRank, ConditionRank(""))
}
