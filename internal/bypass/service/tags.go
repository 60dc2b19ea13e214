package service

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
)

const (
	DefaultSelfTag      = "voucher-bypass"
	DefaultCompanionTag = "auto-added"
)

// Tags recognizes and produces the provenance markers carried in entry
// descriptions.
type Tags struct {
	// Self prefixes every description this engine writes.
	Self string
	// Companion is a substring the portal's own auto-add feature puts in
	// its descriptions.
	Companion string
}

func (t Tags) withDefaults() Tags {
	if strings.TrimSpace(t.Self) == "" {
		t.Self = DefaultSelfTag
	}
	if strings.TrimSpace(t.Companion) == "" {
		t.Companion = DefaultCompanionTag
	}
	return t
}

// Describe returns the description for a new entry:
// "<self> ref:<8 hex> exp:<unix>".  The ref is a truncated BLAKE3 of the
// proof token, so the entry can be matched to a grant without exposing
// the token.
func (t Tags) Describe(b types.Binding) string {
	return fmt.Sprintf("%s ref:%s exp:%d", t.Self, ProofRef(b.ProofToken), b.ExpiresAt.Unix())
}

// Classify reports who owns an entry.  The self tag must be the first
// word; the companion marker may appear anywhere.
func (t Tags) Classify(e types.ManagedEntry) types.Provenance {
	desc := strings.TrimSpace(e.Description)
	if desc == t.Self || strings.HasPrefix(desc, t.Self+" ") {
		return types.ProvenanceSelf
	}
	if t.Companion != "" && strings.Contains(strings.ToLower(desc), strings.ToLower(t.Companion)) {
		return types.ProvenanceCompanion
	}
	return types.ProvenanceForeign
}

// ProofRef is the first 4 bytes of BLAKE3(token), hex encoded.
func ProofRef(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:4])
}
