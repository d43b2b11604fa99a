// Package sweeper periodically expires stale commits and deposit windows and
// prunes lapsed idempotency records.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cycleswap/observability"
	"cycleswap/services/cycled/idempotency"
	"cycleswap/services/cycled/store"
)

// AcceptExpirer cancels accept-phase commits whose proposal expired.
type AcceptExpirer interface {
	ExpireAcceptPhase(ctx context.Context, now time.Time) ([]string, error)
}

// DepositExpirer fails cycles whose deposit window closed.
type DepositExpirer interface {
	ExpireDueDeposits(ctx context.Context, now time.Time) ([]string, error)
}

// Report is the outcome of one sweep.
type Report struct {
	Now            time.Time `json:"now"`
	ExpiredCommits []string  `json:"expired_commits"`
	ExpiredCycles  []string  `json:"expired_cycles"`
	PrunedKeys     int       `json:"pruned_idempotency_keys"`
}

// Sweeper runs the expiry passes.
type Sweeper struct {
	store    store.Transactor
	commits  AcceptExpirer
	deposits DepositExpirer
	ledger   *idempotency.Ledger
	interval time.Duration
	logger   *slog.Logger
	metrics  *observability.CycleMetrics
	nowFn    func() time.Time
}

// New constructs a sweeper. A non-positive interval defaults to one minute.
func New(st store.Transactor, commits AcceptExpirer, deposits DepositExpirer, ledger *idempotency.Ledger, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    st,
		commits:  commits,
		deposits: deposits,
		ledger:   ledger,
		interval: interval,
		logger:   logger,
		metrics:  observability.Cycles(),
		nowFn:    time.Now,
	}
}

// SetNowFunc overrides the clock used by Run.
func (s *Sweeper) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.nowFn = now
	}
}

// Sweep runs every pass against now. Passes are independent; a failing pass
// does not stop the others and its error is joined into the result.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Report, error) {
	now = now.UTC()
	report := Report{Now: now, ExpiredCommits: []string{}, ExpiredCycles: []string{}}
	var errs []error

	if s.commits != nil {
		ids, err := s.commits.ExpireAcceptPhase(ctx, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire accept phase: %w", err))
		} else if ids != nil {
			report.ExpiredCommits = ids
		}
	}
	if s.deposits != nil {
		ids, err := s.deposits.ExpireDueDeposits(ctx, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire deposits: %w", err))
		} else if ids != nil {
			report.ExpiredCycles = ids
		}
	}
	if s.ledger != nil {
		err := s.store.Update(ctx, func(tx *store.Tx) error {
			n, err := s.ledger.Prune(tx, now)
			report.PrunedKeys = n
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("prune idempotency: %w", err))
		} else {
			s.metrics.RecordSweep("idempotency", report.PrunedKeys)
		}
	}
	return report, errors.Join(errs...)
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.Sweep(ctx, s.nowFn())
			if err != nil {
				s.logger.Error("sweep failed", slog.Any("error", err))
			}
			if n := len(report.ExpiredCommits) + len(report.ExpiredCycles) + report.PrunedKeys; n > 0 {
				s.logger.Info("sweep complete",
					slog.Int("expired_commits", len(report.ExpiredCommits)),
					slog.Int("expired_cycles", len(report.ExpiredCycles)),
					slog.Int("pruned_keys", report.PrunedKeys))
			}
		}
	}
}
