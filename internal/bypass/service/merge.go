package service

import (
	"sort"
	"time"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
)

// MergeStats counts what Merge did with a batch.
type MergeStats struct {
	Added     int // new keys
	Extended  int // existing keys whose expiry moved later
	Refreshed int // existing keys seen again without a later expiry
	Stale     int // events already expired at merge time
}

// Merge folds events into bs in order.  An event that has already expired
// is dropped.  For an existing key the expiry becomes the later of the two
// and the last-seen metadata is refreshed; expiry is never shortened.
func Merge(bs types.Bindings, events []types.GrantEvent, now time.Time) MergeStats {
	var st MergeStats
	for _, ev := range events {
		if !ev.ExpiresAt.After(now) {
			st.Stale++
			continue
		}

		seen := ev.SubmittedAt
		if seen.IsZero() {
			seen = now
		}

		key := ev.Key()
		cur, ok := bs[key]
		if !ok {
			bs[key] = types.Binding{
				Zone:        ev.Zone,
				MAC:         ev.MAC,
				ExpiresAt:   ev.ExpiresAt,
				ProofToken:  ev.ProofToken,
				FirstSeenAt: seen,
				LastSeenAt:  seen,
				SourceAddr:  ev.SourceAddr,
			}
			st.Added++
			continue
		}

		if ev.ExpiresAt.After(cur.ExpiresAt) {
			cur.ExpiresAt = ev.ExpiresAt
			st.Extended++
		} else {
			st.Refreshed++
		}
		if seen.After(cur.LastSeenAt) {
			cur.LastSeenAt = seen
		}
		cur.ProofToken = ev.ProofToken
		if ev.SourceAddr != "" {
			cur.SourceAddr = ev.SourceAddr
		}
		bs[key] = cur
	}
	return st
}

// Evict removes every binding with ExpiresAt <= now from bs and returns
// them sorted by zone and MAC.
func Evict(bs types.Bindings, now time.Time) []types.Binding {
	var out []types.Binding
	for k, b := range bs {
		if b.Expired(now) {
			out = append(out, b)
			delete(bs, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Zone != out[j].Zone {
			return out[i].Zone < out[j].Zone
		}
		return out[i].MAC < out[j].MAC
	})
	return out
}
