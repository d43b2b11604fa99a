package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cycleswap/services/cycled/idempotency"
	"cycleswap/services/cycled/store"
	"cycleswap/services/cycled/store/storetest"
)

var t0 = time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)

type fakeExpirer struct {
	mu    sync.Mutex
	calls []time.Time
	ids   []string
	err   error
}

func (f *fakeExpirer) record(now time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, now)
	return f.ids, f.err
}

func (f *fakeExpirer) ExpireAcceptPhase(_ context.Context, now time.Time) ([]string, error) {
	return f.record(now)
}

func (f *fakeExpirer) ExpireDueDeposits(_ context.Context, now time.Time) ([]string, error) {
	return f.record(now)
}

func (f *fakeExpirer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestSweepRunsEveryPass(t *testing.T) {
	st := storetest.Open(t)
	ledger := idempotency.NewLedger(time.Hour)
	ledger.SetNowFunc(func() time.Time { return t0 })
	require.NoError(t, st.Update(context.Background(), func(tx *store.Tx) error {
		_, err := idempotency.Execute(tx, ledger, idempotency.Scope{Actor: "alice", Operation: "op", Key: "k"}, map[string]string{"a": "b"},
			func() (string, error) { return "ok", nil })
		return err
	}))

	commits := &fakeExpirer{ids: []string{"commit_p1"}}
	deposits := &fakeExpirer{}
	s := New(st, commits, deposits, ledger, 0, nil)

	report, err := s.Sweep(context.Background(), t0.Add(30*time.Minute))
	require.NoError(t, err)
	require.Equal(t, []string{"commit_p1"}, report.ExpiredCommits)
	require.Empty(t, report.ExpiredCycles)
	require.Equal(t, 0, report.PrunedKeys)

	report, err = s.Sweep(context.Background(), t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, report.PrunedKeys)
	require.Equal(t, t0.Add(2*time.Hour), deposits.calls[1])
}

func TestSweepContinuesAfterFailure(t *testing.T) {
	st := storetest.Open(t)
	boom := errors.New("boom")
	commits := &fakeExpirer{err: boom}
	deposits := &fakeExpirer{ids: []string{"prop_1"}}
	s := New(st, commits, deposits, idempotency.NewLedger(time.Hour), time.Minute, nil)

	report, err := s.Sweep(context.Background(), t0)
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"prop_1"}, report.ExpiredCycles)
}

func TestRunTicksUntilCancelled(t *testing.T) {
	st := storetest.Open(t)
	commits := &fakeExpirer{}
	s := New(st, commits, nil, nil, 5*time.Millisecond, nil)
	s.SetNowFunc(func() time.Time { return t0 })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return commits.count() >= 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
