package file_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/store/file"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
)

func newTestStore(t *testing.T) *file.BindingStore {
	t.Helper()
	return file.NewBindingStore(filepath.Join(t.TempDir(), "state", "bindings.json"), nil)
}

func sampleBindings() types.Bindings {
	now := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)
	b := types.Binding{
		Zone:        "guest",
		MAC:         "aa:bb:cc:dd:ee:ff",
		ExpiresAt:   now.Add(time.Hour),
		ProofToken:  "9f86d081",
		FirstSeenAt: now,
		LastSeenAt:  now,
		SourceAddr:  "10.0.0.7",
	}
	return types.Bindings{b.Key(): b}
}

func TestFileStore_LoadMissing_Empty(t *testing.T) {
	s := newTestStore(t)

	bs, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(bs) != 0 {
		t.Errorf("expected empty store, got %d", len(bs))
	}
}

func TestFileStore_SaveThenLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	want := sampleBindings()

	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	key := types.NewKey("guest", "aa:bb:cc:dd:ee:ff")
	if !got[key].ExpiresAt.Equal(want[key].ExpiresAt) {
		t.Errorf("expires_at mismatch: %v vs %v", got[key].ExpiresAt, want[key].ExpiresAt)
	}
	if got[key].SourceAddr != "10.0.0.7" {
		t.Errorf("expected source_addr preserved, got %q", got[key].SourceAddr)
	}

	updated, err := s.UpdatedAt(ctx)
	if err != nil {
		t.Fatalf("UpdatedAt: %v", err)
	}
	if updated.IsZero() {
		t.Error("expected updated_at to be stamped")
	}
}

func TestFileStore_CorruptFile_DegradesToEmpty(t *testing.T) {
	s := newTestStore(t)
	if err := os.MkdirAll(filepath.Dir(s.Path()), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(s.Path(), []byte(`{"version":1,"bindings":[{"zone":`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	bs, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("corrupt store must not fail the run: %v", err)
	}
	if len(bs) != 0 {
		t.Errorf("expected empty store, got %d", len(bs))
	}
}

func TestFileStore_SaveLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Save(ctx, sampleBindings()); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Errorf("expected only the store file, got %d entries", len(entries))
	}
}

func TestFileStore_FailedSaveKeepsPreviousSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, sampleBindings()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Make the directory read-only so the temp file cannot be created.
	dir := filepath.Dir(s.Path())
	if err := os.Chmod(dir, 0o555); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}

	if err := s.Save(ctx, types.Bindings{}); err == nil {
		t.Fatal("expected Save to fail on read-only directory")
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected previous snapshot to survive, got %d bindings", len(got))
	}
}
