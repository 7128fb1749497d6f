package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"proxysync/internal/check"
	"proxysync/internal/member"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	// defaultConcurrency is 4: enough to overlap round trips without flooding the target API.
	defaultConcurrency = 4
	// defaultCallTimeout is 5s: one slow call must not starve the rest of the cycle.
	defaultCallTimeout = 5 * time.Second

	tracerName = "proxysync/internal/reconcile"
)

// EngineConfig holds the dependencies of an Engine.
type EngineConfig struct {
	Target  string         // mutation target tag, used for reporting
	Fetcher Fetcher        // injected: desired-state source
	Client  MutationClient // injected: mutation API bound to Target
	Sinks   []ReportSink   // optional: receive every cycle report

	Concurrency   int           // max in-flight mutations per cycle; 0 uses the default
	CallTimeout   time.Duration // per-mutation timeout; 0 uses the default
	UpdateOnDrift bool          // re-apply members whose attributes changed

	Clock  Clock
	Tracer trace.Tracer
}

// Engine owns the observed state of one mutation target and converges it
// toward the desired state one cycle at a time.
type Engine struct {
	target        string
	fetcher       Fetcher
	client        MutationClient
	validator     MemberValidator
	sinks         []ReportSink
	concurrency   int
	callTimeout   time.Duration
	updateOnDrift bool
	clock         Clock
	tracer        trace.Tracer

	observed *member.Observed

	// cycleMu serializes RunCycle so observed has a single writer.
	cycleMu sync.Mutex

	reportMu   sync.RWMutex
	lastReport CycleReport
	hasReport  bool
}

// NewEngine creates an Engine with empty observed state.
func NewEngine(cfg EngineConfig) *Engine {
	check.Assert(cfg.Fetcher != nil, "reconcile.NewEngine: Fetcher must not be nil")
	check.Assert(cfg.Client != nil, "reconcile.NewEngine: Client must not be nil")

	e := &Engine{
		target:        cfg.Target,
		fetcher:       cfg.Fetcher,
		client:        cfg.Client,
		sinks:         cfg.Sinks,
		concurrency:   cfg.Concurrency,
		callTimeout:   cfg.CallTimeout,
		updateOnDrift: cfg.UpdateOnDrift,
		clock:         cfg.Clock,
		tracer:        cfg.Tracer,
		observed:      member.NewObserved(),
	}
	e.validator, _ = cfg.Client.(MemberValidator)
	if e.concurrency <= 0 {
		e.concurrency = defaultConcurrency
	}
	if e.callTimeout <= 0 {
		e.callTimeout = defaultCallTimeout
	}
	if e.clock == nil {
		e.clock = RealClock{}
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	return e
}

// Target returns the mutation target tag this engine reconciles.
func (e *Engine) Target() string { return e.target }

// Observed returns a snapshot of the members this engine has applied.
func (e *Engine) Observed() member.Set { return e.observed.Snapshot() }

// LastReport returns the report of the most recent cycle. The bool is false
// before the first cycle finishes.
func (e *Engine) LastReport() (CycleReport, bool) {
	e.reportMu.RLock()
	defer e.reportMu.RUnlock()
	return e.lastReport, e.hasReport
}

// RunCycle fetches the desired state, applies the difference to the target
// and returns the cycle report. A failed fetch leaves observed untouched.
// Individual mutation failures do not abort the cycle; they are retried by
// the next cycle's diff.
func (e *Engine) RunCycle(ctx context.Context) CycleReport {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	started := e.clock.Now()
	ctx, span := e.tracer.Start(ctx, "reconcile.cycle", trace.WithAttributes(
		attribute.String("proxysync.target", e.target),
	))
	defer span.End()

	report := CycleReport{Target: e.target, StartedAt: started}

	desired, err := e.fetcher.Fetch(ctx)
	if err != nil {
		report.FetchErr = AsFetchError(err)
		span.RecordError(report.FetchErr)
		span.SetStatus(codes.Error, "fetch desired state")
		return e.finish(ctx, report)
	}
	report.Desired = len(desired)

	plan := Diff(desired, e.observed.Snapshot(), e.updateOnDrift)
	span.SetAttributes(
		attribute.Int("proxysync.desired", len(desired)),
		attribute.Int("proxysync.plan.add", len(plan.Add)),
		attribute.Int("proxysync.plan.remove", len(plan.Remove)),
		attribute.Int("proxysync.plan.update", len(plan.Update)),
	)
	slog.Debug("reconcile plan", "component", "reconcile", "target", e.target,
		"desired", len(desired), "add", len(plan.Add), "remove", len(plan.Remove), "update", len(plan.Update))

	report.Results = e.apply(ctx, plan)
	if failed := report.Failed(); failed > 0 {
		span.SetStatus(codes.Error, "member operations failed")
		span.SetAttributes(attribute.Int("proxysync.failed", failed))
	}
	return e.finish(ctx, report)
}

func (e *Engine) finish(ctx context.Context, report CycleReport) CycleReport {
	report.Observed = e.observed.Len()
	report.Duration = e.clock.Now().Sub(report.StartedAt)

	e.reportMu.Lock()
	e.lastReport = report
	e.hasReport = true
	e.reportMu.Unlock()

	for _, sink := range e.sinks {
		if err := sink.Record(ctx, report); err != nil {
			slog.Warn("record cycle report", "component", "reconcile", "target", e.target, "err", err)
		}
	}
	return report
}

// applied is the raw result of one planned mutation. For updates, removed
// and added record which half of the remove-then-add pair succeeded.
type applied struct {
	result  OperationResult
	member  member.Member
	removed bool
	added   bool
}

// apply runs every planned mutation with bounded concurrency and then commits
// successes to observed from the calling goroutine only.
func (e *Engine) apply(ctx context.Context, plan Plan) []OperationResult {
	if plan.Len() == 0 {
		return nil
	}

	out := make([]applied, plan.Len())
	var g errgroup.Group
	g.SetLimit(e.concurrency)

	i := 0
	for _, m := range plan.Add {
		slot := &out[i]
		i++
		g.Go(func() error {
			slot.member = m
			slot.result = e.call(ctx, OpAdd, m.Identity, func(ctx context.Context) error {
				return e.client.AddMember(ctx, m)
			})
			slot.added = slot.result.Outcome == OutcomeOK
			return nil
		})
	}
	for _, id := range plan.Remove {
		slot := &out[i]
		i++
		g.Go(func() error {
			slot.member = member.Member{Identity: id}
			slot.result = e.call(ctx, OpRemove, id, func(ctx context.Context) error {
				return e.client.RemoveMember(ctx, id)
			})
			slot.removed = slot.result.Outcome == OutcomeOK
			return nil
		})
	}
	for _, m := range plan.Update {
		slot := &out[i]
		i++
		g.Go(func() error {
			slot.member = m
			slot.result = e.call(ctx, OpUpdate, m.Identity, func(ctx context.Context) error {
				if e.validator != nil {
					if err := e.validator.ValidateMember(m); err != nil {
						return err
					}
				}
				if err := e.client.RemoveMember(ctx, m.Identity); err != nil {
					return err
				}
				slot.removed = true
				return e.client.AddMember(ctx, m)
			})
			slot.added = slot.result.Outcome == OutcomeOK
			return nil
		})
	}
	_ = g.Wait()

	results := make([]OperationResult, 0, len(out))
	for _, a := range out {
		if a.removed {
			e.observed.Forget(a.member.Identity)
		}
		if a.added {
			e.observed.Record(a.member)
		}
		results = append(results, a.result)
	}
	return results
}

// call runs fn under the per-call timeout in its own span.
func (e *Engine) call(ctx context.Context, op Op, identity string, fn func(context.Context) error) OperationResult {
	ctx, span := e.tracer.Start(ctx, "reconcile."+string(op), trace.WithAttributes(
		attribute.String("proxysync.target", e.target),
		attribute.String("proxysync.identity", identity),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	started := e.clock.Now()
	err := fn(callCtx)
	res := OperationResult{
		Op:       op,
		Identity: identity,
		Outcome:  Classify(err),
		Duration: e.clock.Now().Sub(started),
	}
	if err != nil {
		res.Err = &OperationError{Op: op, Identity: identity, Err: err}
		span.RecordError(err)
		span.SetStatus(codes.Error, res.Outcome.String())
	}
	span.SetAttributes(attribute.String("proxysync.outcome", res.Outcome.String()))
	return res
}
