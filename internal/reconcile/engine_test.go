package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"proxysync/internal/adapter/fake"
	"proxysync/internal/member"
	"proxysync/internal/reconcile"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type harness struct {
	fetcher *fake.Fetcher
	target  *fake.MutationTarget
	sink    *fake.ReportSink
	engine  *reconcile.Engine
}

func newHarness(t *testing.T, desired []member.Member, existing []member.Member, tweak func(*reconcile.EngineConfig)) *harness {
	t.Helper()
	h := &harness{
		fetcher: fake.NewFetcher(desired...),
		target:  fake.NewMutationTarget(existing...),
		sink:    &fake.ReportSink{},
	}
	cfg := reconcile.EngineConfig{
		Target:        "inbound-vless",
		Fetcher:       h.fetcher,
		Client:        h.target,
		Sinks:         []reconcile.ReportSink{h.sink},
		UpdateOnDrift: true,
		Clock:         fake.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	if tweak != nil {
		tweak(&cfg)
	}
	h.engine = reconcile.NewEngine(cfg)
	return h
}

func ids(names ...string) []member.Member {
	out := make([]member.Member, 0, len(names))
	for _, n := range names {
		out = append(out, member.Member{Identity: n})
	}
	return out
}

func TestRunCycleConvergesInOneCycle(t *testing.T) {
	h := newHarness(t, ids("A", "B", "C"), nil, nil)

	report := h.engine.RunCycle(context.Background())

	if !report.Converged() {
		t.Fatalf("report not converged: %+v", report)
	}
	if got := h.engine.Observed().Identities(); !slices.Equal(got, []string{"A", "B", "C"}) {
		t.Fatalf("observed = %v, want [A B C]", got)
	}
	if report.Desired != 3 || report.Observed != 3 || report.Count(reconcile.OpAdd) != 3 {
		t.Fatalf("report counts desired=%d observed=%d adds=%d, want 3/3/3", report.Desired, report.Observed, report.Count(reconcile.OpAdd))
	}

	// A second cycle over the same desired state plans nothing.
	h.target.Reset()
	report = h.engine.RunCycle(context.Background())
	if len(report.Results) != 0 || len(h.target.Calls("")) != 0 {
		t.Fatalf("steady-state cycle issued %d calls", len(h.target.Calls("")))
	}
}

func TestRunCycleDiffExample(t *testing.T) {
	h := newHarness(t, ids("B", "C", "Z"), nil, nil)
	h.engine.RunCycle(context.Background())

	h.fetcher.SetDesired(ids("A", "B", "C")...)
	h.target.Reset()
	h.engine.RunCycle(context.Background())

	if got := h.target.Identities(fake.MethodAddMember); !slices.Equal(got, []string{"A"}) {
		t.Fatalf("AddMember calls = %v, want [A]", got)
	}
	if got := h.target.Identities(fake.MethodRemoveMember); !slices.Equal(got, []string{"Z"}) {
		t.Fatalf("RemoveMember calls = %v, want [Z]", got)
	}
	if got := h.engine.Observed().Identities(); !slices.Equal(got, []string{"A", "B", "C"}) {
		t.Fatalf("observed = %v, want [A B C]", got)
	}
}

func TestRunCyclePartialFailureIsolation(t *testing.T) {
	h := newHarness(t, ids("X", "Y", "Z"), nil, nil)
	h.target.Faults.FailArg(fake.FaultAddMember, "X", fmt.Errorf("connection reset: %w", reconcile.ErrUnavailable))

	report := h.engine.RunCycle(context.Background())

	if report.Failed() != 1 || report.Succeeded() != 2 {
		t.Fatalf("failed=%d succeeded=%d, want 1/2", report.Failed(), report.Succeeded())
	}
	failures := report.Failures()
	if failures[0].Identity != "X" || failures[0].Outcome != reconcile.OutcomeUnavailable {
		t.Fatalf("failure = %+v, want X unavailable", failures[0])
	}
	var opErr *reconcile.OperationError
	if !errors.As(failures[0].Err, &opErr) || opErr.Op != reconcile.OpAdd {
		t.Fatalf("failure error = %v, want *OperationError for add", failures[0].Err)
	}
	if got := h.engine.Observed().Identities(); !slices.Equal(got, []string{"Y", "Z"}) {
		t.Fatalf("observed = %v, want [Y Z]", got)
	}

	h.target.Faults.Clear(fake.FaultAddMember)
	h.target.Reset()
	report = h.engine.RunCycle(context.Background())

	if !report.Converged() {
		t.Fatalf("retry cycle not converged: %+v", report.Failures())
	}
	if got := h.target.Identities(fake.MethodAddMember); !slices.Equal(got, []string{"X"}) {
		t.Fatalf("retry AddMember calls = %v, want [X]", got)
	}
	if got := h.engine.Observed().Identities(); !slices.Equal(got, []string{"X", "Y", "Z"}) {
		t.Fatalf("observed = %v, want [X Y Z]", got)
	}
}

func TestRunCycleRejectedIsReportedSeparately(t *testing.T) {
	h := newHarness(t, ids("bad"), nil, nil)
	h.target.Faults.FailArg(fake.FaultAddMember, "bad", fmt.Errorf("invalid account: %w", reconcile.ErrRejected))

	report := h.engine.RunCycle(context.Background())

	if len(report.Failures()) != 1 || report.Failures()[0].Outcome != reconcile.OutcomeRejected {
		t.Fatalf("failures = %+v, want one rejected", report.Failures())
	}
	if h.engine.Observed().Has("bad") {
		t.Fatal("rejected member recorded as observed")
	}
}

func TestRunCycleNeverRemovesUnmanagedMembers(t *testing.T) {
	h := newHarness(t, ids("A"), ids("U1", "U2"), nil)

	h.engine.RunCycle(context.Background())
	h.fetcher.SetDesired()
	h.engine.RunCycle(context.Background())

	if got := h.target.Identities(fake.MethodRemoveMember); !slices.Equal(got, []string{"A"}) {
		t.Fatalf("RemoveMember calls = %v, want only the managed member [A]", got)
	}
	if got := h.target.Live().Identities(); !slices.Equal(got, []string{"U1", "U2"}) {
		t.Fatalf("live members = %v, want unmanaged [U1 U2] untouched", got)
	}
}

func TestRunCycleColdStartReAddsExistingMembers(t *testing.T) {
	// The target still holds A and B from a previous process lifetime.
	h := newHarness(t, ids("A", "B"), ids("A", "B"), nil)

	report := h.engine.RunCycle(context.Background())

	if !report.Converged() {
		t.Fatalf("cold start cycle failed: %+v", report.Failures())
	}
	if got := h.target.Identities(fake.MethodAddMember); !slices.Equal(got, []string{"A", "B"}) {
		t.Fatalf("AddMember calls = %v, want [A B]", got)
	}
	if n := len(h.target.Calls(fake.MethodRemoveMember)); n != 0 {
		t.Fatalf("cold start issued %d removes, want 0", n)
	}
	if got := h.target.Live().Identities(); !slices.Equal(got, []string{"A", "B"}) {
		t.Fatalf("live members = %v, want [A B] without duplicates", got)
	}
}

func TestRunCycleFetchFailureIsNoop(t *testing.T) {
	h := newHarness(t, ids("A"), nil, nil)
	h.engine.RunCycle(context.Background())

	h.fetcher.SetDesired()
	h.fetcher.Faults.FailOnce(fake.FaultFetch, &reconcile.FetchError{
		Kind:       reconcile.FetchAuth,
		StatusCode: 401,
		Err:        errors.New("invalid or missing X-Server-Secret"),
	})
	h.target.Reset()

	report := h.engine.RunCycle(context.Background())

	if !report.Skipped() {
		t.Fatal("report not marked skipped after fetch failure")
	}
	var fe *reconcile.FetchError
	if !errors.As(report.FetchErr, &fe) || fe.Kind != reconcile.FetchAuth {
		t.Fatalf("FetchErr = %v, want auth FetchError", report.FetchErr)
	}
	if n := len(h.target.Calls("")); n != 0 {
		t.Fatalf("fetch failure cycle issued %d mutation calls, want 0", n)
	}
	if got := h.engine.Observed().Identities(); !slices.Equal(got, []string{"A"}) {
		t.Fatalf("observed = %v, want unchanged [A]", got)
	}
}

func TestRunCycleUpdateOnDrift(t *testing.T) {
	h := newHarness(t, []member.Member{{Identity: "A", Tier: 1}}, nil, nil)
	h.engine.RunCycle(context.Background())

	h.fetcher.SetDesired(member.Member{Identity: "A", Tier: 2})
	h.target.Reset()
	report := h.engine.RunCycle(context.Background())

	if report.Count(reconcile.OpUpdate) != 1 || !report.Converged() {
		t.Fatalf("update report = %+v", report.Results)
	}
	calls := h.target.Calls("")
	if len(calls) != 2 || calls[0].Method != fake.MethodRemoveMember || calls[1].Method != fake.MethodAddMember {
		t.Fatalf("update calls = %+v, want RemoveMember then AddMember", calls)
	}
	if got := h.engine.Observed()["A"].Tier; got != 2 {
		t.Fatalf("observed tier = %d, want 2", got)
	}
}

func TestRunCycleUpdateFailedAddRetriesAsAdd(t *testing.T) {
	h := newHarness(t, []member.Member{{Identity: "A", Tier: 1}}, nil, nil)
	h.engine.RunCycle(context.Background())

	h.fetcher.SetDesired(member.Member{Identity: "A", Tier: 2})
	h.target.Faults.FailOnce(fake.FaultAddMember, reconcile.ErrUnavailable)
	report := h.engine.RunCycle(context.Background())

	if report.Failed() != 1 {
		t.Fatalf("failed = %d, want 1", report.Failed())
	}
	if h.engine.Observed().Has("A") {
		t.Fatal("A still observed after its remove succeeded")
	}

	h.target.Reset()
	report = h.engine.RunCycle(context.Background())
	if report.Count(reconcile.OpAdd) != 1 || !report.Converged() {
		t.Fatalf("follow-up report = %+v, want one successful add", report.Results)
	}
	if got := h.engine.Observed()["A"].Tier; got != 2 {
		t.Fatalf("observed tier = %d, want 2", got)
	}
}

func TestRunCycleUpdateRejectedLocallyKeepsLiveMember(t *testing.T) {
	h := newHarness(t, []member.Member{{Identity: "A", Tier: 1}}, nil, nil)
	h.engine.RunCycle(context.Background())

	h.target.Validate = func(m member.Member) error {
		if m.Tier < 0 {
			return fmt.Errorf("negative tier: %w", reconcile.ErrRejected)
		}
		return nil
	}
	h.fetcher.SetDesired(member.Member{Identity: "A", Tier: -1})
	h.target.Reset()
	report := h.engine.RunCycle(context.Background())

	if len(report.Results) != 1 || report.Results[0].Outcome != reconcile.OutcomeRejected {
		t.Fatalf("update report = %+v, want one rejected update", report.Results)
	}
	if n := len(h.target.Calls("")); n != 0 {
		t.Fatalf("rejected update issued %d calls, want 0", n)
	}
	if !h.target.Live().Has("A") {
		t.Fatal("A removed from the target by an update that could not be re-added")
	}
	if got := h.engine.Observed()["A"].Tier; got != 1 {
		t.Fatalf("observed tier = %d, want the old tier 1", got)
	}
}

func TestRunCycleIgnoresDriftWhenDisabled(t *testing.T) {
	h := newHarness(t, []member.Member{{Identity: "A", Tier: 1}}, nil, func(cfg *reconcile.EngineConfig) {
		cfg.UpdateOnDrift = false
	})
	h.engine.RunCycle(context.Background())

	h.fetcher.SetDesired(member.Member{Identity: "A", Tier: 2})
	h.target.Reset()
	h.engine.RunCycle(context.Background())

	if n := len(h.target.Calls("")); n != 0 {
		t.Fatalf("drift with updates disabled issued %d calls, want 0", n)
	}
}

func TestRunCycleBoundsConcurrency(t *testing.T) {
	h := newHarness(t, ids("a", "b", "c", "d", "e", "f", "g", "h"), nil, func(cfg *reconcile.EngineConfig) {
		cfg.Concurrency = 2
	})
	h.target.BeforeCall = func(context.Context, string, string) {
		time.Sleep(5 * time.Millisecond)
	}

	report := h.engine.RunCycle(context.Background())

	if !report.Converged() {
		t.Fatalf("cycle failed: %+v", report.Failures())
	}
	if got := h.target.MaxInFlight(); got < 1 || got > 2 {
		t.Fatalf("max in-flight calls = %d, want between 1 and 2", got)
	}
}

func TestRunCycleCallTimeout(t *testing.T) {
	h := newHarness(t, ids("slow", "fast"), nil, func(cfg *reconcile.EngineConfig) {
		cfg.CallTimeout = 20 * time.Millisecond
	})
	h.target.BeforeCall = func(ctx context.Context, _ string, identity string) {
		if identity == "slow" {
			<-ctx.Done()
		}
	}

	report := h.engine.RunCycle(context.Background())

	failures := report.Failures()
	if len(failures) != 1 || failures[0].Identity != "slow" {
		t.Fatalf("failures = %+v, want only slow", failures)
	}
	if failures[0].Outcome != reconcile.OutcomeUnavailable || !errors.Is(failures[0].Err, context.DeadlineExceeded) {
		t.Fatalf("slow failure = %v (%s), want deadline exceeded / unavailable", failures[0].Err, failures[0].Outcome)
	}
	if !h.engine.Observed().Has("fast") {
		t.Fatal("fast member not observed")
	}
}

func TestRunCycleReportsToSinks(t *testing.T) {
	failing := &fake.ReportSink{RecordErr: errors.New("disk full")}
	h := newHarness(t, ids("A"), nil, func(cfg *reconcile.EngineConfig) {
		cfg.Sinks = append([]reconcile.ReportSink{failing}, cfg.Sinks...)
	})

	h.engine.RunCycle(context.Background())
	h.engine.RunCycle(context.Background())

	if got := len(h.sink.Reports()); got != 2 {
		t.Fatalf("sink reports = %d, want 2 even when an earlier sink fails", got)
	}
	last, ok := h.engine.LastReport()
	if !ok || last.Target != "inbound-vless" {
		t.Fatalf("LastReport() = %+v, %v", last, ok)
	}
}

func TestRunCycleTracesCycleAndOperations(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	h := newHarness(t, ids("A", "B"), nil, func(cfg *reconcile.EngineConfig) {
		cfg.Tracer = provider.Tracer("test")
	})

	h.engine.RunCycle(context.Background())

	spans := recorder.Ended()
	if len(spans) != 3 {
		t.Fatalf("ended spans = %d, want 3", len(spans))
	}
	var cycle sdktrace.ReadOnlySpan
	adds := 0
	for _, s := range spans {
		switch s.Name() {
		case "reconcile.cycle":
			cycle = s
		case "reconcile.add":
			adds++
		}
	}
	if cycle == nil || adds != 2 {
		t.Fatalf("spans cycle=%v adds=%d, want cycle span and 2 add spans", cycle != nil, adds)
	}
	for _, s := range spans {
		if s.Name() == "reconcile.add" && s.Parent().SpanID() != cycle.SpanContext().SpanID() {
			t.Fatalf("add span parent = %s, want cycle span %s", s.Parent().SpanID(), cycle.SpanContext().SpanID())
		}
	}
}
