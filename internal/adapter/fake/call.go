package fake

import (
	"slices"
	"sync"

	"proxysync/internal/member"
)

// Method names recorded by the fakes.
const (
	MethodFetch        = "Fetch"
	MethodAddMember    = "AddMember"
	MethodRemoveMember = "RemoveMember"
)

// Call is one recorded invocation. Identity is empty for Fetch; Member is
// only set for AddMember.
type Call struct {
	Seq      int
	Method   string
	Identity string
	Member   member.Member
}

// CallRecorder keeps the member traffic a fake has seen, in arrival order.
type CallRecorder struct {
	mu    sync.Mutex
	seq   int
	calls []Call
}

func (r *CallRecorder) record(method, identity string, m member.Member) {
	r.mu.Lock()
	r.seq++
	r.calls = append(r.calls, Call{Seq: r.seq, Method: method, Identity: identity, Member: m})
	r.mu.Unlock()
}

// Calls returns recorded calls to method, or every call when method is "".
func (r *CallRecorder) Calls(method string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	if method == "" {
		return slices.Clone(r.calls)
	}
	var out []Call
	for _, c := range r.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Identities returns the sorted identities passed to method. An identity
// called twice appears twice.
func (r *CallRecorder) Identities(method string) []string {
	calls := r.Calls(method)
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Identity)
	}
	slices.Sort(out)
	return out
}

// History returns every call that touched identity, oldest first.
func (r *CallRecorder) History(identity string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Call
	for _, c := range r.calls {
		if c.Identity == identity {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets recorded calls. Sequence numbers keep counting.
func (r *CallRecorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}
