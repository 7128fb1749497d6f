// Package member defines the proxy members reconciled onto a mutation target
// and the two membership views the reconciler compares: the desired set
// fetched from the authority and the observed set applied by this process.
package member

import (
	"maps"
	"slices"
	"strings"
)

// Member is an entity entitled to proxy access. Identity is the only key;
// Tier, Label and Params are attributes passed through to the target.
type Member struct {
	Identity string            `json:"identity"`
	Tier     int               `json:"tier,omitempty"`
	Label    string            `json:"label,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
}

// Normalize trims the identity and label and drops empty params.
func (m Member) Normalize() Member {
	m.Identity = strings.TrimSpace(m.Identity)
	m.Label = strings.TrimSpace(m.Label)
	if len(m.Params) == 0 {
		m.Params = nil
		return m
	}
	params := make(map[string]string, len(m.Params))
	for k, v := range m.Params {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		params[k] = v
	}
	if len(params) == 0 {
		params = nil
	}
	m.Params = params
	return m
}

// SameAttributes reports whether m and other carry the same tier, label and
// params. Identity is not compared.
func (m Member) SameAttributes(other Member) bool {
	if m.Tier != other.Tier || m.Label != other.Label {
		return false
	}
	return maps.Equal(m.Params, other.Params)
}

// Clone returns a copy of m that shares no maps with it.
func (m Member) Clone() Member {
	m.Params = maps.Clone(m.Params)
	return m
}

// Set is a membership set keyed by identity. Keys compare exactly; the
// authority adapter rejects sets whose identities collide after case folding.
type Set map[string]Member

// NewSet builds a Set from members. Duplicate identities collapse, the last
// occurrence wins. Members with an empty identity are skipped.
func NewSet(members ...Member) Set {
	s := make(Set, len(members))
	for _, m := range members {
		s.Put(m)
	}
	return s
}

// Put inserts or replaces m. It is a no-op for an empty identity.
func (s Set) Put(m Member) {
	m = m.Normalize()
	if m.Identity == "" {
		return
	}
	s[m.Identity] = m
}

// Has reports whether identity is in the set.
func (s Set) Has(identity string) bool {
	_, ok := s[identity]
	return ok
}

// Identities returns the set's identities in sorted order.
func (s Set) Identities() []string {
	return slices.Sorted(maps.Keys(s))
}

// Members returns the set's members sorted by identity.
func (s Set) Members() []Member {
	out := make([]Member, 0, len(s))
	for _, id := range s.Identities() {
		out = append(out, s[id])
	}
	return out
}
