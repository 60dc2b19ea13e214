package types

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// GrantEvent is one successful voucher authentication as written by the
// portal hook.  ProofToken is a one-way hash of the voucher, never the
// voucher itself.
type GrantEvent struct {
	SubmittedAt time.Time `json:"submitted_at"`
	Zone        string    `json:"zone"`
	MAC         string    `json:"mac"`
	ExpiresAt   time.Time `json:"expires_at"`
	ProofToken  string    `json:"proof_token"`
	SourceAddr  string    `json:"source_addr,omitempty"`
}

// Key returns the binding key this event merges into.
func (e GrantEvent) Key() Key {
	return NewKey(e.Zone, e.MAC)
}

// Key identifies a binding as "zone|mac".
type Key string

func NewKey(zone, mac string) Key {
	return Key(zone + "|" + mac)
}

// Split returns the zone and MAC encoded in k.
func (k Key) Split() (zone, mac string) {
	zone, mac, _ = strings.Cut(string(k), "|")
	return zone, mac
}

// NormalizeMAC parses an EUI-48 hardware address and returns it in
// lower-case colon form.
func NormalizeMAC(s string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return "", err
	}
	if len(hw) != 6 {
		return "", fmt.Errorf("mac %q: expected 6 bytes, got %d", s, len(hw))
	}
	return strings.ToLower(hw.String()), nil
}
