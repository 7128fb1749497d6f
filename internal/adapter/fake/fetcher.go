package fake

import (
	"context"
	"sync"

	"proxysync/internal/adapter/fake/fault"
	"proxysync/internal/member"
	"proxysync/internal/reconcile"
)

const FaultFetch = "fetcher.fetch"

var _ reconcile.Fetcher = (*Fetcher)(nil)

// Fetcher serves a settable desired state.
type Fetcher struct {
	CallRecorder
	Faults *fault.Injector

	mu      sync.Mutex
	desired member.Set
}

// NewFetcher creates a Fetcher serving members.
func NewFetcher(members ...member.Member) *Fetcher {
	return &Fetcher{Faults: fault.NewInjector(), desired: member.NewSet(members...)}
}

// SetDesired replaces the served desired state.
func (f *Fetcher) SetDesired(members ...member.Member) {
	f.mu.Lock()
	f.desired = member.NewSet(members...)
	f.mu.Unlock()
}

func (f *Fetcher) Fetch(ctx context.Context) (member.Set, error) {
	f.record(MethodFetch, "", member.Member{})
	if err := f.Faults.Eval(FaultFetch); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(member.Set, len(f.desired))
	for id, m := range f.desired {
		out[id] = m.Clone()
	}
	return out, nil
}

// peek returns the served set without recording a call or evaluating faults.
func (f *Fetcher) peek() member.Set {
	f.mu.Lock()
	defer f.mu.Unlock()
	return member.NewSet(f.desired.Members()...)
}
