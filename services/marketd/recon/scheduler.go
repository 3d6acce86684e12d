package recon

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures the daily reconciliation scheduler. Reports
// cover the Window ending at RunHour:RunMinute in Location.
type SchedulerConfig struct {
	Reconciler *Reconciler
	Window     time.Duration
	RunHour    int
	RunMinute  int
	Location   *time.Location
	Logger     *slog.Logger
	// OnResult observes each completed run.
	OnResult func(*Result)
}

// Scheduler triggers one reconciliation per day.
type Scheduler struct {
	reconciler *Reconciler
	window     time.Duration
	runHour    int
	runMinute  int
	location   *time.Location
	logger     *slog.Logger
	onResult   func(*Result)
	now        func() time.Time
}

// NewScheduler applies defaults: a 24h window closing at midnight UTC.
// Out of range times are clamped.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	s := &Scheduler{
		reconciler: cfg.Reconciler,
		window:     cfg.Window,
		runHour:    min(max(cfg.RunHour, 0), 23),
		runMinute:  min(max(cfg.RunMinute, 0), 59),
		location:   cfg.Location,
		logger:     cfg.Logger,
		onResult:   cfg.OnResult,
		now:        time.Now,
	}
	if s.window <= 0 {
		s.window = 24 * time.Hour
	}
	if s.location == nil {
		s.location = time.UTC
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Start blocks, running reconciliation at each scheduled time until ctx is
// cancelled. A failed run is logged and retried at the next slot.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reconciler == nil {
		return
	}
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	for {
		now := s.now().In(s.location)
		due := s.nextRun(now)
		timer.Reset(due.Sub(now))
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		_ = s.runWindow(ctx, due)
	}
}

// runWindow reconciles the window that closes at end.
func (s *Scheduler) runWindow(ctx context.Context, end time.Time) error {
	start := end.Add(-s.window)
	result, err := s.reconciler.Run(ctx, RunOptions{Start: start, End: end})
	if err != nil {
		s.logger.Error("reconciliation failed", "start", start, "end", end, "error", err)
		return err
	}
	volume := make([]any, 0, 2*len(result.Volume))
	for currency, total := range result.Volume {
		volume = append(volume, currency, total.StringFixed(2))
	}
	s.logger.Info("reconciliation complete",
		"start", start,
		"end", end,
		"orders", len(result.Rows),
		"files", len(result.Files),
		"anomalies", len(result.Anomalies),
		slog.Group("volume", volume...),
	)
	if s.onResult != nil {
		s.onResult(result)
	}
	return nil
}

// nextRun returns the first scheduled time strictly after t.
func (s *Scheduler) nextRun(t time.Time) time.Time {
	local := t.In(s.location)
	due := time.Date(local.Year(), local.Month(), local.Day(), s.runHour, s.runMinute, 0, 0, s.location)
	if due.After(local) {
		return due
	}
	return due.AddDate(0, 0, 1)
}
