package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"proxysync/internal/adapter/fake"
	"proxysync/internal/member"
	"proxysync/internal/reconcile"
)

// flaky fails a seeded fraction of calls while enabled.
type flaky struct {
	mu      sync.Mutex
	rng     *rand.Rand
	rate    float64
	enabled bool
}

func (f *flaky) hook(args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled || f.rng.Float64() >= f.rate {
		return nil
	}
	return fmt.Errorf("flaky %v: %w", args, reconcile.ErrUnavailable)
}

func (f *flaky) set(enabled bool) {
	f.mu.Lock()
	f.enabled = enabled
	f.mu.Unlock()
}

func chaosMembers(rng *rand.Rand, pool, n int) []member.Member {
	out := make([]member.Member, 0, n)
	for _, i := range rng.Perm(pool)[:n] {
		out = append(out, member.Member{Identity: fmt.Sprintf("user-%02d", i), Tier: i % 3})
	}
	return out
}

func TestChaos_FlakyTargetsEventuallyConverge(t *testing.T) {
	for seed := range uint64(5) {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(seed, 42))
			h := fake.NewHarness(fake.HarnessConfig{
				Tags:        []string{"in-a", "in-b"},
				Desired:     chaosMembers(rng, 40, 20),
				Concurrency: 3,
			})
			f := &flaky{rng: rand.New(rand.NewPCG(seed, 7)), rate: 0.3, enabled: true}
			for _, tag := range []string{"in-a", "in-b"} {
				ht := h.Target(tag)
				ht.Target.Faults.SetHook(fake.FaultAddMember, f.hook)
				ht.Target.Faults.SetHook(fake.FaultRemoveMember, f.hook)
			}

			ctx := context.Background()
			for range 15 {
				if rng.IntN(3) == 0 {
					h.Fetcher.SetDesired(chaosMembers(rng, 40, 5+rng.IntN(20))...)
				}
				for _, r := range h.RunCycle(ctx, 30*time.Second) {
					assertObservedMatchesLive(t, h.Target(r.Target))
				}
			}

			f.set(false)
			h.RunCycle(ctx, 30*time.Second)
			if !h.Converged() {
				t.Fatal("targets did not converge once failures stopped")
			}
			for _, tag := range []string{"in-a", "in-b"} {
				report, ok := h.Target(tag).Engine.LastReport()
				if !ok || !report.Converged() {
					t.Errorf("%s last report not converged: %+v", tag, report)
				}
			}
		})
	}
}

func TestChaos_FetchOutagesNeverMutate(t *testing.T) {
	h := fake.NewHarness(fake.HarnessConfig{
		Tags:    []string{"in-a"},
		Desired: ids("A", "B"),
	})
	ctx := context.Background()
	h.RunCycle(ctx, time.Second)

	h.Fetcher.Faults.FailTimes(fake.FaultFetch, 3, &reconcile.FetchError{Kind: reconcile.FetchTransport, Err: errors.New("connection reset")})
	h.Fetcher.SetDesired(ids("C")...)
	ht := h.Target("in-a")
	before := len(ht.Target.Calls(""))

	for range 3 {
		r := h.RunCycle(ctx, time.Second)[0]
		if !r.Skipped() {
			t.Fatalf("cycle not skipped during fetch outage: %+v", r)
		}
	}
	if got := len(ht.Target.Calls("")); got != before {
		t.Fatalf("target calls during outage = %d, want none", got-before)
	}

	h.RunCycle(ctx, time.Second)
	if !h.Converged() {
		t.Fatal("did not converge after fetch recovered")
	}
}

// assertObservedMatchesLive checks that everything the engine believes is
// applied really is on the target.
func assertObservedMatchesLive(t *testing.T, ht *fake.HarnessTarget) {
	t.Helper()
	live := ht.Target.Live()
	for _, id := range ht.Engine.Observed().Identities() {
		if !live.Has(id) {
			t.Fatalf("%s: observed %s but target does not have it", ht.Tag, id)
		}
	}
}
