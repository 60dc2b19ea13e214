package queue_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/queue"
	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
)

func newTestQueue(t *testing.T) *queue.File {
	t.Helper()
	return queue.NewFile(filepath.Join(t.TempDir(), "spool", "grants.queue"))
}

func grant(i int) types.GrantEvent {
	now := time.Now().UTC()
	return types.GrantEvent{
		SubmittedAt: now,
		Zone:        "guest",
		MAC:         fmt.Sprintf("02:00:00:00:%02x:%02x", i/256, i%256),
		ExpiresAt:   now.Add(time.Hour),
		ProofToken:  fmt.Sprintf("tok-%d", i),
	}
}

// ── Drain / Commit ───────────────────────────────────────────────────────────

func TestFileQueue_DrainMissingFile_Empty(t *testing.T) {
	q := newTestQueue(t)

	d, err := q.DrainUpTo(context.Background(), 10)
	if err != nil {
		t.Fatalf("DrainUpTo: %v", err)
	}
	if d.Consumed != 0 || d.Pending != 0 || len(d.Events) != 0 {
		t.Errorf("expected empty drain, got %+v", d)
	}
}

func TestFileQueue_BatchCapLeavesBacklog(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 2500; i++ {
		if err := q.Append(ctx, grant(i)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	d, err := q.DrainUpTo(ctx, 2000)
	if err != nil {
		t.Fatalf("DrainUpTo: %v", err)
	}
	if len(d.Events) != 2000 {
		t.Fatalf("expected 2000 events, got %d", len(d.Events))
	}
	if d.Backlog() != 500 {
		t.Errorf("expected backlog=500, got %d", d.Backlog())
	}
	if err := q.Commit(ctx, d.Consumed); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	d2, err := q.DrainUpTo(ctx, 2000)
	if err != nil {
		t.Fatalf("second DrainUpTo: %v", err)
	}
	if len(d2.Events) != 500 || d2.Backlog() != 0 {
		t.Fatalf("expected remaining 500 with no backlog, got %d/%d", len(d2.Events), d2.Backlog())
	}
	if d2.Events[0].ProofToken != "tok-2000" {
		t.Errorf("expected tail to start at tok-2000, got %q", d2.Events[0].ProofToken)
	}
}

func TestFileQueue_CommitKeepsLinesAppendedAfterDrain(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = q.Append(ctx, grant(i))
	}
	d, err := q.DrainUpTo(ctx, 100)
	if err != nil {
		t.Fatalf("DrainUpTo: %v", err)
	}

	// A producer writes while the run is merging.
	if err := q.Append(ctx, grant(99)); err != nil {
		t.Fatalf("late Append: %v", err)
	}

	if err := q.Commit(ctx, d.Consumed); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	d2, _ := q.DrainUpTo(ctx, 100)
	if len(d2.Events) != 1 || d2.Events[0].ProofToken != "tok-99" {
		t.Fatalf("expected only the late event to remain, got %+v", d2.Events)
	}
}

func TestFileQueue_MalformedLinesSkippedAndConsumed(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_ = q.Append(ctx, grant(1))
	appendRaw(t, q.Path(), "garbage line\n\n1760000000|guest|zz:zz|1760003600|tok|\n")
	_ = q.Append(ctx, grant(2))

	d, err := q.DrainUpTo(ctx, 100)
	if err != nil {
		t.Fatalf("DrainUpTo: %v", err)
	}
	if len(d.Events) != 2 {
		t.Errorf("expected 2 good events, got %d", len(d.Events))
	}
	if len(d.Skipped) != 2 {
		t.Fatalf("expected 2 skipped lines, got %d", len(d.Skipped))
	}
	if d.Skipped[0].Reason != queue.SkipFieldCount || d.Skipped[1].Reason != queue.SkipBadMAC {
		t.Errorf("unexpected skip reasons: %+v", d.Skipped)
	}
	if d.Consumed != 4 {
		t.Errorf("expected 4 consumed lines (blank ignored), got %d", d.Consumed)
	}

	if err := q.Commit(ctx, d.Consumed); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	data, _ := os.ReadFile(q.Path())
	if strings.TrimSpace(string(data)) != "" {
		t.Errorf("expected empty queue file, got %q", data)
	}
}

// An oversized line from the producer is dropped like any other malformed
// line; it must not stall the rest of the queue.
func TestFileQueue_OverlongLineSkipped(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	appendRaw(t, q.Path(), strings.Repeat("x", 2<<20)+"\n")
	_ = q.Append(ctx, grant(7))

	d, err := q.DrainUpTo(ctx, 100)
	if err != nil {
		t.Fatalf("DrainUpTo: %v", err)
	}
	if len(d.Events) != 1 || d.Events[0].ProofToken != "tok-7" {
		t.Fatalf("expected the grant after the long line, got %+v", d.Events)
	}
	if len(d.Skipped) != 1 || d.Skipped[0].Reason != queue.SkipLineTooLong {
		t.Fatalf("expected one line_too_long skip, got %+v", d.Skipped)
	}
	if d.Consumed != 2 || d.Pending != 2 {
		t.Errorf("expected consumed=2 pending=2, got %d/%d", d.Consumed, d.Pending)
	}

	_ = q.Append(ctx, grant(8))
	if err := q.Commit(ctx, d.Consumed); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	d2, err := q.DrainUpTo(ctx, 100)
	if err != nil {
		t.Fatalf("DrainUpTo after commit: %v", err)
	}
	if len(d2.Events) != 1 || d2.Events[0].ProofToken != "tok-8" || len(d2.Skipped) != 0 {
		t.Fatalf("expected only tok-8 to remain, got %+v skipped=%+v", d2.Events, d2.Skipped)
	}
}

func TestFileQueue_CommitRewritesTailInPlace(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = q.Append(ctx, grant(i))
	}
	before, err := os.Stat(q.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	if err := q.Commit(ctx, 3); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	after, err := os.Stat(q.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !os.SameFile(before, after) {
		t.Error("commit must keep the queue file's inode")
	}
	data, _ := os.ReadFile(q.Path())
	want := queue.EncodeLine(grant(3)) + "\n" + queue.EncodeLine(grant(4)) + "\n"
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 || int64(len(data)) != after.Size() {
		t.Fatalf("expected 2 lines, got %q", data)
	}
	for i, tok := range []string{"tok-3", "tok-4"} {
		if !strings.Contains(lines[i], "|"+tok+"|") {
			t.Errorf("line %d: expected %s, got %q", i, tok, lines[i])
		}
	}
	if len(data) != len(want) {
		t.Errorf("expected %d bytes after commit, got %d", len(want), len(data))
	}
}

func TestFileQueue_CommitBusyWhileProducerHoldsLock(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	_ = q.Append(ctx, grant(1))

	f, err := os.OpenFile(q.Path(), os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		t.Fatalf("flock: %v", err)
	}

	err = q.Commit(ctx, 1)
	if !errors.Is(err, queue.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	if err := q.Commit(ctx, 1); err != nil {
		t.Fatalf("Commit after unlock: %v", err)
	}
}

func appendRaw(t *testing.T, path, data string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(data); err != nil {
		t.Fatalf("write: %v", err)
	}
}
