package types

import (
	"sort"
	"time"
)

// Binding is the current bypass grant for one (zone, mac) pair.
type Binding struct {
	Zone        string    `json:"zone"`
	MAC         string    `json:"mac"`
	ExpiresAt   time.Time `json:"expires_at"`
	ProofToken  string    `json:"proof_token"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	SourceAddr  string    `json:"source_addr,omitempty"`
}

func (b Binding) Key() Key {
	return NewKey(b.Zone, b.MAC)
}

// Expired reports whether the binding is no longer live at now.  A binding
// expiring exactly at now is expired.
func (b Binding) Expired(now time.Time) bool {
	return !b.ExpiresAt.After(now)
}

// Bindings is the active binding set keyed by zone|mac.
type Bindings map[Key]Binding

// Clone returns a shallow copy; Binding has no reference fields.
func (bs Bindings) Clone() Bindings {
	out := make(Bindings, len(bs))
	for k, b := range bs {
		out[k] = b
	}
	return out
}

// Sorted returns the bindings ordered by zone then MAC.
func (bs Bindings) Sorted() []Binding {
	out := make([]Binding, 0, len(bs))
	for _, b := range bs {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Zone != out[j].Zone {
			return out[i].Zone < out[j].Zone
		}
		return out[i].MAC < out[j].MAC
	})
	return out
}

// Zones returns the distinct zones present, sorted.
func (bs Bindings) Zones() []string {
	seen := make(map[string]struct{})
	for _, b := range bs {
		seen[b.Zone] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for z := range seen {
		out = append(out, z)
	}
	sort.Strings(out)
	return out
}
