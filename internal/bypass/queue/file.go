package queue

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
)

// File is a line-oriented queue file shared with the portal hook.
//
// Producers append under an exclusive flock.  Draining takes a shared
// flock so it never waits on more than one in-flight append.  Commit takes
// a non-blocking exclusive flock and rewrites the unconsumed tail in place;
// the inode never changes, so a producer blocked on the lock always writes
// into the live file.
type File struct {
	path string

	// commitAttempts and commitBackoff bound how long Commit waits for a
	// producer before returning ErrBusy.
	commitAttempts int
	commitBackoff  time.Duration
}

func NewFile(path string) *File {
	return &File{
		path:           path,
		commitAttempts: 5,
		commitBackoff:  20 * time.Millisecond,
	}
}

func (q *File) Path() string { return q.path }

func (q *File) Append(_ context.Context, ev types.GrantEvent) error {
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return fmt.Errorf("queue append mkdir: %w", err)
	}
	f, err := os.OpenFile(q.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("queue append open: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("queue append lock: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if _, err := f.WriteString(EncodeLine(ev) + "\n"); err != nil {
		return fmt.Errorf("queue append write: %w", err)
	}
	return nil
}

func (q *File) DrainUpTo(_ context.Context, max int) (Drain, error) {
	if max <= 0 {
		max = DefaultBatchSize
	}
	f, err := os.Open(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return Drain{}, nil
	}
	if err != nil {
		return Drain{}, fmt.Errorf("queue drain open: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return Drain{}, fmt.Errorf("queue drain lock: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	lines, pending, err := readPrefix(f, max)
	if err != nil {
		return Drain{}, fmt.Errorf("queue drain read: %w", err)
	}
	return decodeLines(lines, pending), nil
}

func (q *File) Commit(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	f, err := os.OpenFile(q.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("queue commit open: %w", err)
	}
	defer f.Close()

	if err := q.lockExclusive(ctx, f); err != nil {
		return err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("queue commit read: %w", err)
	}
	tail := dropLines(data, n)
	if len(tail) == len(data) {
		return nil
	}

	// Move the tail to the front before shrinking the file.  A crash in
	// between leaves consumed lines queued again, never drops pending ones.
	if len(tail) > 0 {
		if _, err := f.WriteAt(tail, 0); err != nil {
			return fmt.Errorf("queue commit write tail: %w", err)
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("queue commit sync: %w", err)
		}
	}
	if err := f.Truncate(int64(len(tail))); err != nil {
		return fmt.Errorf("queue commit truncate: %w", err)
	}
	return f.Sync()
}

func (q *File) lockExclusive(ctx context.Context, f *os.File) error {
	for attempt := 0; ; attempt++ {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("queue commit lock: %w", err)
		}
		if attempt+1 >= q.commitAttempts {
			return ErrBusy
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.commitBackoff):
		}
	}
}

// maxLineBytes bounds one queue line, newline included.  Longer lines are
// dropped as SkipLineTooLong without being held in memory.
const maxLineBytes = 64 << 10

// rawLine is one line of the queue file.
type rawLine struct {
	text     string
	size     int
	blank    bool
	overlong bool
}

// lineReader splits a queue file into lines.  Both draining and commit
// count lines through it, so they agree on what a line is.
type lineReader struct {
	br *bufio.Reader
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{br: bufio.NewReaderSize(r, 4096)}
}

// next returns the next line, or ok=false at end of input.
func (lr *lineReader) next() (l rawLine, ok bool, err error) {
	var buf []byte
	l.blank = true
	for {
		chunk, rerr := lr.br.ReadSlice('\n')
		l.size += len(chunk)
		switch {
		case l.overlong:
			l.blank = l.blank && len(bytes.TrimSpace(chunk)) == 0
		case len(buf)+len(chunk) > maxLineBytes:
			l.overlong = true
			l.blank = len(bytes.TrimSpace(buf)) == 0 && len(bytes.TrimSpace(chunk)) == 0
			buf = nil
		default:
			buf = append(buf, chunk...)
		}

		if errors.Is(rerr, bufio.ErrBufferFull) {
			continue
		}
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			return rawLine{}, false, rerr
		}
		if l.size == 0 {
			return rawLine{}, false, nil
		}
		if !l.overlong {
			l.blank = len(bytes.TrimSpace(buf)) == 0
			l.text = strings.TrimSuffix(strings.TrimSuffix(string(buf), "\n"), "\r")
		}
		return l, true, nil
	}
}

// readPrefix returns up to max non-empty lines and the total number of
// non-empty lines in r.
func readPrefix(r io.Reader, max int) ([]rawLine, int, error) {
	lr := newLineReader(r)
	var lines []rawLine
	total := 0
	for {
		l, ok, err := lr.next()
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			return lines, total, nil
		}
		if l.blank {
			continue
		}
		total++
		if len(lines) < max {
			lines = append(lines, l)
		}
	}
}

// dropLines removes the first n non-empty lines from data, along with any
// blank lines between them and the tail.
func dropLines(data []byte, n int) []byte {
	lr := newLineReader(bytes.NewReader(data))
	offset, dropped := 0, 0
	for {
		l, ok, err := lr.next()
		if err != nil || !ok {
			break
		}
		if !l.blank {
			if dropped == n {
				break
			}
			dropped++
		}
		offset += l.size
	}
	return data[offset:]
}
