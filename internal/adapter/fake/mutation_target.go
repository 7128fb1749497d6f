package fake

import (
	"context"
	"sync"

	"proxysync/internal/adapter/fake/fault"
	"proxysync/internal/member"
	"proxysync/internal/reconcile"
)

const (
	FaultAddMember    = "target.add_member"
	FaultRemoveMember = "target.remove_member"
)

var (
	_ reconcile.MutationClient  = (*MutationTarget)(nil)
	_ reconcile.MemberValidator = (*MutationTarget)(nil)
)

// MutationTarget is an in-memory proxy inbound. Add and remove are
// idempotent like the real target. Faults are evaluated with the member
// identity as the first argument, so hooks can fail single identities.
type MutationTarget struct {
	CallRecorder
	Faults *fault.Injector

	mu          sync.Mutex
	live        member.Set
	inFlight    int
	maxInFlight int

	// Validate, if set, backs ValidateMember. Nil accepts every member.
	Validate func(member.Member) error

	// BeforeCall, if set, runs inside every call after it is counted as in flight.
	BeforeCall func(ctx context.Context, method, identity string)
}

// NewMutationTarget creates a target that already holds existing members.
func NewMutationTarget(existing ...member.Member) *MutationTarget {
	return &MutationTarget{Faults: fault.NewInjector(), live: member.NewSet(existing...)}
}

func (t *MutationTarget) AddMember(ctx context.Context, m member.Member) error {
	t.record(MethodAddMember, m.Identity, m.Clone())
	defer t.enter(ctx, MethodAddMember, m.Identity)()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.Faults.Eval(FaultAddMember, m.Identity); err != nil {
		return err
	}
	t.mu.Lock()
	t.live.Put(m.Clone())
	t.mu.Unlock()
	return nil
}

func (t *MutationTarget) RemoveMember(ctx context.Context, identity string) error {
	t.record(MethodRemoveMember, identity, member.Member{})
	defer t.enter(ctx, MethodRemoveMember, identity)()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.Faults.Eval(FaultRemoveMember, identity); err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.live, identity)
	t.mu.Unlock()
	return nil
}

func (t *MutationTarget) ValidateMember(m member.Member) error {
	if t.Validate == nil {
		return nil
	}
	return t.Validate(m)
}

func (t *MutationTarget) enter(ctx context.Context, method, identity string) func() {
	t.mu.Lock()
	t.inFlight++
	if t.inFlight > t.maxInFlight {
		t.maxInFlight = t.inFlight
	}
	t.mu.Unlock()

	if t.BeforeCall != nil {
		t.BeforeCall(ctx, method, identity)
	}
	return func() {
		t.mu.Lock()
		t.inFlight--
		t.mu.Unlock()
	}
}

// Live returns a copy of the members currently on the target.
func (t *MutationTarget) Live() member.Set {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(member.Set, len(t.live))
	for id, m := range t.live {
		out[id] = m.Clone()
	}
	return out
}

// MaxInFlight returns the highest number of concurrent calls observed.
func (t *MutationTarget) MaxInFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxInFlight
}
