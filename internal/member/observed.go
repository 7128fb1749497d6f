package member

import "sync"

// Observed is the process-local record of members believed to be applied to
// one mutation target. It starts empty and is never persisted. Only the
// owning engine writes to it; readers get copies.
type Observed struct {
	mu      sync.RWMutex
	members Set
}

// NewObserved returns an empty observed state.
func NewObserved() *Observed {
	return &Observed{members: make(Set)}
}

// Record stores m after a confirmed successful add.
func (o *Observed) Record(m Member) {
	o.mu.Lock()
	o.members.Put(m.Clone())
	o.mu.Unlock()
}

// Forget drops identity after a confirmed successful remove.
func (o *Observed) Forget(identity string) {
	o.mu.Lock()
	delete(o.members, identity)
	o.mu.Unlock()
}

// Has reports whether identity is currently recorded.
func (o *Observed) Has(identity string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.members.Has(identity)
}

// Len returns the number of recorded members.
func (o *Observed) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.members)
}

// Snapshot returns a copy of the recorded members.
func (o *Observed) Snapshot() Set {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make(Set, len(o.members))
	for id, m := range o.members {
		out[id] = m.Clone()
	}
	return out
}
