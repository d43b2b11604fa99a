package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cycleswap/services/cycled/store"
	"cycleswap/services/cycled/store/storetest"
	"cycleswap/services/cycled/swaperr"
)

type acceptPayload struct {
	ProposalID string `json:"proposal_id"`
	Actor      string `json:"actor"`
}

type acceptResult struct {
	Phase string `json:"phase"`
	Count int    `json:"count"`
}

func TestExecuteReplaysFirstResult(t *testing.T) {
	st := storetest.Open(t)
	ledger := NewLedger(time.Hour)
	calls := 0
	run := func(payload acceptPayload) (acceptResult, error) {
		var out acceptResult
		err := st.Update(context.Background(), func(tx *store.Tx) error {
			var err error
			out, err = Execute(tx, ledger, Scope{Actor: "alice", Operation: "accept", Key: "k1"}, payload, func() (acceptResult, error) {
				calls++
				return acceptResult{Phase: "accept", Count: calls}, nil
			})
			return err
		})
		return out, err
	}

	first, err := run(acceptPayload{ProposalID: "p1", Actor: "alice"})
	require.NoError(t, err)
	second, err := run(acceptPayload{ProposalID: "p1", Actor: "alice"})
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, calls)

	_, err = run(acceptPayload{ProposalID: "p2", Actor: "alice"})
	require.True(t, errors.Is(err, swaperr.ErrIdempotencyMismatch))
	typed, ok := swaperr.As(err)
	require.True(t, ok)
	require.NotEqual(t, typed.Details["stored_hash"], typed.Details["request_hash"])
}

func TestExecuteScopesKeysPerActor(t *testing.T) {
	st := storetest.Open(t)
	ledger := NewLedger(time.Hour)
	for _, actor := range []string{"alice", "bob"} {
		err := st.Update(context.Background(), func(tx *store.Tx) error {
			_, err := Execute(tx, ledger, Scope{Actor: actor, Operation: "accept", Key: "same"}, acceptPayload{Actor: actor}, func() (acceptResult, error) {
				return acceptResult{Phase: actor}, nil
			})
			return err
		})
		require.NoError(t, err)
	}
}

func TestExecuteDoesNotRecordFailures(t *testing.T) {
	st := storetest.Open(t)
	ledger := NewLedger(time.Hour)
	boom := errors.New("boom")
	attempt := func(fail bool) error {
		return st.Update(context.Background(), func(tx *store.Tx) error {
			_, err := Execute(tx, ledger, Scope{Actor: "alice", Operation: "accept", Key: "k"}, acceptPayload{ProposalID: "p"}, func() (acceptResult, error) {
				if fail {
					return acceptResult{}, boom
				}
				return acceptResult{Phase: "ready"}, nil
			})
			return err
		})
	}
	require.ErrorIs(t, attempt(true), boom)
	require.NoError(t, attempt(false))
}

func TestExecuteRequiresKey(t *testing.T) {
	st := storetest.Open(t)
	err := st.Update(context.Background(), func(tx *store.Tx) error {
		_, err := Execute(tx, NewLedger(0), Scope{Actor: "alice", Operation: "accept"}, nil, func() (acceptResult, error) {
			return acceptResult{}, nil
		})
		return err
	})
	require.Equal(t, swaperr.CodeValidation, swaperr.CodeOf(err))
}

func TestHashPayloadIsKeyOrderIndependent(t *testing.T) {
	a, err := HashPayload(map[string]any{"b": 1, "a": "x"})
	require.NoError(t, err)
	b, err := HashPayload(map[string]any{"a": "x", "b": 1})
	require.NoError(t, err)
	require.Equal(t, a, b)
}
