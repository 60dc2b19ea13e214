package service_test

import (
	"testing"
	"time"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/service"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
)

var t0 = time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)

func grant(zone, mac string, exp time.Time) types.GrantEvent {
	return types.GrantEvent{
		SubmittedAt: t0,
		Zone:        zone,
		MAC:         mac,
		ExpiresAt:   exp,
		ProofToken:  "tok-" + mac,
		SourceAddr:  "10.0.0.9",
	}
}

// ── Merge ──────────────────────────────────────────────────────────────────

func TestMerge_InsertsNewBinding(t *testing.T) {
	bs := types.Bindings{}
	st := service.Merge(bs, []types.GrantEvent{grant("guest", "aa:bb:cc:dd:ee:ff", t0.Add(time.Hour))}, t0)

	if st.Added != 1 {
		t.Fatalf("expected Added=1, got %+v", st)
	}
	b := bs[types.NewKey("guest", "aa:bb:cc:dd:ee:ff")]
	if !b.FirstSeenAt.Equal(t0) || !b.LastSeenAt.Equal(t0) {
		t.Errorf("expected first/last seen = submitted_at, got %v / %v", b.FirstSeenAt, b.LastSeenAt)
	}
	if b.SourceAddr != "10.0.0.9" {
		t.Errorf("expected source_addr copied, got %q", b.SourceAddr)
	}
}

func TestMerge_NeverShortensExpiry(t *testing.T) {
	bs := types.Bindings{}
	long := grant("guest", "aa:bb:cc:dd:ee:ff", t0.Add(60*time.Minute))
	short := grant("guest", "aa:bb:cc:dd:ee:ff", t0.Add(5*time.Minute))
	short.SubmittedAt = t0.Add(time.Minute)
	short.ProofToken = "second-voucher"
	short.SourceAddr = "10.0.0.10"

	service.Merge(bs, []types.GrantEvent{long}, t0)
	st := service.Merge(bs, []types.GrantEvent{short}, t0.Add(time.Minute))

	b := bs[long.Key()]
	if !b.ExpiresAt.Equal(t0.Add(60 * time.Minute)) {
		t.Fatalf("expiry shortened to %v", b.ExpiresAt)
	}
	if st.Refreshed != 1 || st.Extended != 0 {
		t.Errorf("expected one refresh, got %+v", st)
	}
	if b.ProofToken != "second-voucher" || b.SourceAddr != "10.0.0.10" {
		t.Errorf("expected metadata refreshed, got %+v", b)
	}
	if !b.LastSeenAt.Equal(t0.Add(time.Minute)) || !b.FirstSeenAt.Equal(t0) {
		t.Errorf("unexpected seen times: first=%v last=%v", b.FirstSeenAt, b.LastSeenAt)
	}
}

func TestMerge_ExtendsExpiry(t *testing.T) {
	bs := types.Bindings{}
	service.Merge(bs, []types.GrantEvent{grant("guest", "aa:bb:cc:dd:ee:ff", t0.Add(time.Hour))}, t0)
	st := service.Merge(bs, []types.GrantEvent{grant("guest", "aa:bb:cc:dd:ee:ff", t0.Add(3*time.Hour))}, t0)

	if st.Extended != 1 {
		t.Fatalf("expected Extended=1, got %+v", st)
	}
	if got := bs[types.NewKey("guest", "aa:bb:cc:dd:ee:ff")].ExpiresAt; !got.Equal(t0.Add(3 * time.Hour)) {
		t.Errorf("expected extended expiry, got %v", got)
	}
}

func TestMerge_MonotonicAcrossOrderings(t *testing.T) {
	exps := []time.Duration{40 * time.Minute, 10 * time.Minute, 90 * time.Minute, 20 * time.Minute, 90 * time.Minute}
	bs := types.Bindings{}
	var high time.Time
	for _, d := range exps {
		service.Merge(bs, []types.GrantEvent{grant("lobby", "00:11:22:33:44:55", t0.Add(d))}, t0)
		got := bs[types.NewKey("lobby", "00:11:22:33:44:55")].ExpiresAt
		if got.Before(high) {
			t.Fatalf("expiry decreased from %v to %v", high, got)
		}
		high = got
	}
	if !high.Equal(t0.Add(90 * time.Minute)) {
		t.Errorf("expected max expiry, got %v", high)
	}
}

func TestMerge_DiscardsStaleEvents(t *testing.T) {
	bs := types.Bindings{}
	st := service.Merge(bs, []types.GrantEvent{
		grant("guest", "aa:bb:cc:dd:ee:01", t0.Add(-time.Second)),
		grant("guest", "aa:bb:cc:dd:ee:02", t0),
	}, t0)

	if st.Stale != 2 || len(bs) != 0 {
		t.Errorf("expected both events discarded, got stats=%+v len=%d", st, len(bs))
	}
}

func TestMerge_SameMACDifferentZonesAreDistinct(t *testing.T) {
	bs := types.Bindings{}
	service.Merge(bs, []types.GrantEvent{
		grant("guest", "aa:bb:cc:dd:ee:ff", t0.Add(time.Hour)),
		grant("staff", "aa:bb:cc:dd:ee:ff", t0.Add(2*time.Hour)),
	}, t0)
	if len(bs) != 2 {
		t.Fatalf("expected 2 bindings, got %d", len(bs))
	}
}

// ── Evict ──────────────────────────────────────────────────────────────────

func TestEvict_BoundaryIsInclusive(t *testing.T) {
	bs := types.Bindings{}
	service.Merge(bs, []types.GrantEvent{
		grant("guest", "aa:00:00:00:00:01", t0.Add(time.Second)),
		grant("guest", "aa:00:00:00:00:02", t0.Add(2*time.Second)),
	}, t0)

	// One second before the first expiry nothing goes.
	if ev := service.Evict(bs, t0); len(ev) != 0 {
		t.Fatalf("premature eviction: %+v", ev)
	}

	// At exactly expires_at the binding is gone.
	ev := service.Evict(bs, t0.Add(time.Second))
	if len(ev) != 1 || ev[0].MAC != "aa:00:00:00:00:01" {
		t.Fatalf("expected first binding evicted, got %+v", ev)
	}
	if len(bs) != 1 {
		t.Errorf("expected 1 binding left, got %d", len(bs))
	}
}
