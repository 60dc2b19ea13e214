package queue

import (
	"context"
	"sync"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
)

// Memory is an in-process Queue for tests and dev.  It stores encoded
// lines so malformed input can be injected with AppendRaw.
type Memory struct {
	mu    sync.Mutex
	lines []string
}

func NewMemory() *Memory {
	return &Memory{}
}

func (q *Memory) Append(_ context.Context, ev types.GrantEvent) error {
	q.AppendRaw(EncodeLine(ev))
	return nil
}

// AppendRaw queues line verbatim.
func (q *Memory) AppendRaw(line string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lines = append(q.lines, line)
}

func (q *Memory) DrainUpTo(_ context.Context, max int) (Drain, error) {
	if max <= 0 {
		max = DefaultBatchSize
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.lines)
	if n > max {
		n = max
	}
	lines := make([]rawLine, n)
	for i, text := range q.lines[:n] {
		lines[i] = rawLine{text: text, size: len(text) + 1, overlong: len(text)+1 > maxLineBytes}
	}
	return decodeLines(lines, len(q.lines)), nil
}

func (q *Memory) Commit(_ context.Context, n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.lines) {
		n = len(q.lines)
	}
	q.lines = append([]string(nil), q.lines[n:]...)
	return nil
}

// Len returns the number of queued lines.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lines)
}
