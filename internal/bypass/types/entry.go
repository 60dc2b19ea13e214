package types

// Provenance says who created an allow-list entry on the portal.
type Provenance int

const (
	// ProvenanceForeign entries were created by an operator or some other
	// tool.  They are never added to or removed.
	ProvenanceForeign Provenance = iota
	// ProvenanceSelf entries carry this engine's tag.
	ProvenanceSelf
	// ProvenanceCompanion entries were created by the portal's own
	// auto-add feature when the voucher was redeemed.
	ProvenanceCompanion
)

func (p Provenance) String() string {
	switch p {
	case ProvenanceSelf:
		return "self"
	case ProvenanceCompanion:
		return "companion"
	default:
		return "foreign"
	}
}

// ManagedEntry is the portal's representation of one bypass entry.
type ManagedEntry struct {
	Zone        string `json:"zone"`
	MAC         string `json:"mac"`
	Description string `json:"description,omitempty"`
}

func (e ManagedEntry) Key() Key {
	return NewKey(e.Zone, e.MAC)
}
