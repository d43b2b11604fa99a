package recon

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig places the daily export at RunHour:RunMinute in Location.
// Each run covers the Window ending at the slot.
type SchedulerConfig struct {
	Reconciler *Reconciler
	Window     time.Duration
	RunHour    int
	RunMinute  int
	Location   *time.Location
	Logger     *slog.Logger
}

// Scheduler triggers one reconciliation per daily slot.
type Scheduler struct {
	reconciler *Reconciler
	window     time.Duration
	hour       int
	minute     int
	loc        *time.Location
	logger     *slog.Logger
	clock      func() time.Time
}

// NewScheduler constructs a scheduler. The window defaults to one day and the
// slot is clamped into a valid wall-clock time.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	s := &Scheduler{
		reconciler: cfg.Reconciler,
		window:     cfg.Window,
		hour:       min(max(cfg.RunHour, 0), 23),
		minute:     min(max(cfg.RunMinute, 0), 59),
		loc:        cfg.Location,
		logger:     cfg.Logger,
		clock:      time.Now,
	}
	if s.window <= 0 {
		s.window = 24 * time.Hour
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// SetNowFunc overrides the clock used to place the next slot.
func (s *Scheduler) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.clock = now
	}
}

// Start waits for each slot and reconciles it until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reconciler == nil {
		return
	}
	for {
		now := s.clock().In(s.loc)
		slot := s.nextRun(now)
		if !sleep(ctx, slot.Sub(now)) {
			return
		}
		if _, err := s.RunOnce(ctx, slot); err != nil {
			s.logger.Error("recon run failed",
				slog.Time("slot", slot),
				slog.Any("error", err))
		}
	}
}

// RunOnce reconciles the window ending at slot.
func (s *Scheduler) RunOnce(ctx context.Context, slot time.Time) (*Result, error) {
	res, err := s.reconciler.Run(ctx, RunOptions{Start: slot.Add(-s.window), End: slot})
	if err != nil {
		return nil, err
	}
	s.logger.Info("recon run complete",
		slog.Time("slot", slot),
		slog.Int("completed", res.Completed),
		slog.Int("failed", res.Failed),
		slog.Int("anomalies", len(res.Anomalies)))
	return res, nil
}

func (s *Scheduler) nextRun(after time.Time) time.Time {
	slot := time.Date(after.Year(), after.Month(), after.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !slot.After(after) {
		slot = slot.AddDate(0, 0, 1)
	}
	return slot
}

// sleep blocks for d and reports false when ctx ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
