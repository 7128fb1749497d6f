package reconcile

import "proxysync/internal/member"

// Plan is the set of mutations that moves observed state toward desired
// state. Add, Remove and Update never share an identity.
type Plan struct {
	Add    []member.Member
	Remove []string
	Update []member.Member
}

// Len returns the number of planned mutations.
func (p Plan) Len() int {
	return len(p.Add) + len(p.Remove) + len(p.Update)
}

// Diff computes the plan for desired against observed. Removal candidates
// come from observed only, so members the engine never added are never
// removed. Attribute drift on a shared identity is planned as an update only
// when withUpdates is set. All slices are sorted by identity.
func Diff(desired, observed member.Set, withUpdates bool) Plan {
	var p Plan
	for _, id := range desired.Identities() {
		want := desired[id]
		have, ok := observed[id]
		switch {
		case !ok:
			p.Add = append(p.Add, want)
		case withUpdates && !have.SameAttributes(want):
			p.Update = append(p.Update, want)
		}
	}
	for _, id := range observed.Identities() {
		if !desired.Has(id) {
			p.Remove = append(p.Remove, id)
		}
	}
	return p
}
