package fake

import (
	"context"
	"time"

	"proxysync/internal/check"
	"proxysync/internal/member"
	"proxysync/internal/reconcile"
)

// Harness runs one reconcile.Engine per target against a single shared
// Fetcher, the way the daemon runs one engine per inbound.
type Harness struct {
	Fetcher *Fetcher
	Clock   *Clock
	targets map[string]*HarnessTarget
	order   []string
}

// HarnessTarget holds the per-target fakes and engine.
type HarnessTarget struct {
	Tag    string
	Target *MutationTarget
	Sink   *ReportSink
	Engine *reconcile.Engine
}

// HarnessConfig configures a Harness.
type HarnessConfig struct {
	Tags        []string
	Desired     []member.Member
	Concurrency int  // default: engine default
	NoDrift     bool // disable update on drift
}

// NewHarness wires a fresh engine per tag. Every engine starts with empty
// observed state and an empty target.
func NewHarness(cfg HarnessConfig) *Harness {
	check.Assert(len(cfg.Tags) > 0, "NewHarness: Tags must not be empty")

	h := &Harness{
		Fetcher: NewFetcher(cfg.Desired...),
		Clock:   NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		targets: make(map[string]*HarnessTarget, len(cfg.Tags)),
	}
	for _, tag := range cfg.Tags {
		ht := &HarnessTarget{Tag: tag, Target: NewMutationTarget(), Sink: &ReportSink{}}
		ht.Engine = reconcile.NewEngine(reconcile.EngineConfig{
			Target:        tag,
			Fetcher:       h.Fetcher,
			Client:        ht.Target,
			Sinks:         []reconcile.ReportSink{ht.Sink},
			Concurrency:   cfg.Concurrency,
			UpdateOnDrift: !cfg.NoDrift,
			Clock:         h.Clock,
		})
		h.targets[tag] = ht
		h.order = append(h.order, tag)
	}
	return h
}

// Target returns the per-target state for tag, or nil.
func (h *Harness) Target(tag string) *HarnessTarget {
	return h.targets[tag]
}

// RunCycle runs one cycle on every engine in tag order and advances the
// clock by interval afterwards.
func (h *Harness) RunCycle(ctx context.Context, interval time.Duration) []reconcile.CycleReport {
	reports := make([]reconcile.CycleReport, 0, len(h.order))
	for _, tag := range h.order {
		reports = append(reports, h.targets[tag].Engine.RunCycle(ctx))
	}
	h.Clock.Advance(interval)
	return reports
}

// Converged reports whether every target's live members equal the desired
// identities.
func (h *Harness) Converged() bool {
	desired := h.Fetcher.peek()
	for _, tag := range h.order {
		live := h.targets[tag].Target.Live()
		if len(live) != len(desired) {
			return false
		}
		for id := range desired {
			if !live.Has(id) {
				return false
			}
		}
	}
	return true
}
