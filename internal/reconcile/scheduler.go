package reconcile

import (
	"context"
	"time"

	"proxysync/internal/check"
)

// defaultInterval is 30s: long enough to batch authority changes, short enough that revocations land quickly.
const defaultInterval = 30 * time.Second

// Cycler runs one reconciliation cycle.
type Cycler interface {
	RunCycle(ctx context.Context) CycleReport
}

// Ticker is the subset of *time.Ticker the scheduler needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// Scheduler fires cycles at a fixed interval. Cycles run on the scheduler's
// goroutine only, so they never overlap; ticks that arrive mid-cycle are
// dropped by the ticker.
type Scheduler struct {
	Cycler   Cycler
	Interval time.Duration
	// NewTicker overrides ticker construction in tests.
	NewTicker func(d time.Duration) Ticker
	// OnCycle, if set, observes every finished report.
	OnCycle func(CycleReport)

	trigger chan struct{}
}

// NewScheduler returns a Scheduler for c firing every interval.
func NewScheduler(c Cycler, interval time.Duration) *Scheduler {
	return &Scheduler{Cycler: c, Interval: interval, trigger: make(chan struct{}, 1)}
}

// Trigger requests an extra cycle as soon as the current one finishes.
// Requests coalesce while one is pending.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run executes one cycle immediately and then one per tick until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	check.Assert(s.Cycler != nil, "Scheduler.Run: Cycler must not be nil")
	interval := s.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	newTicker := s.NewTicker
	if newTicker == nil {
		newTicker = func(d time.Duration) Ticker { return timeTicker{t: time.NewTicker(d)} }
	}

	s.runOnce(ctx)

	ticker := newTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			s.runOnce(ctx)
		case <-s.trigger:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report := s.Cycler.RunCycle(ctx)
	if s.OnCycle != nil {
		s.OnCycle(report)
	}
}
