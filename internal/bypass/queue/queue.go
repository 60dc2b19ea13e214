// Package queue holds grant events between the portal hook, which appends
// one line per successful voucher login, and the reconciliation run, which
// drains a bounded prefix and then truncates it.
package queue

import (
	"context"
	"errors"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
)

// DefaultBatchSize caps how many lines a single run consumes.
const DefaultBatchSize = 2000

// ErrBusy is returned by Commit when a producer holds the queue and the
// truncation could not start promptly.  The caller skips truncation for
// this cycle; the merged events are idempotent on re-delivery.
var ErrBusy = errors.New("queue busy")

// Queue is the capability the engine needs from the grant-event channel.
type Queue interface {
	Append(ctx context.Context, ev types.GrantEvent) error
	DrainUpTo(ctx context.Context, max int) (Drain, error)
	Commit(ctx context.Context, n int) error
}

// Skip records one dropped line.
type Skip struct {
	LineNo int
	Reason SkipReason
	Err    error
}

// Drain is the result of reading a prefix of the queue.
type Drain struct {
	Events  []types.GrantEvent
	Skipped []Skip

	// Consumed is the number of raw lines read, parsed or not.  It is the
	// value to pass to Commit.
	Consumed int

	// Pending is the number of lines in the queue when the drain started.
	Pending int
}

// Backlog is how many lines remain for the next run.
func (d Drain) Backlog() int {
	if d.Pending < d.Consumed {
		return 0
	}
	return d.Pending - d.Consumed
}

// decodeLines parses raw lines into a Drain, numbering from 1.
func decodeLines(lines []rawLine, pending int) Drain {
	d := Drain{Consumed: len(lines), Pending: pending}
	for i, line := range lines {
		if line.overlong {
			d.Skipped = append(d.Skipped, Skip{
				LineNo: i + 1,
				Reason: SkipLineTooLong,
				Err:    &ParseError{Reason: SkipLineTooLong},
			})
			continue
		}
		ev, err := DecodeLine(line.text)
		if err != nil {
			var pe *ParseError
			reason := SkipFieldCount
			if errors.As(err, &pe) {
				reason = pe.Reason
			}
			d.Skipped = append(d.Skipped, Skip{LineNo: i + 1, Reason: reason, Err: err})
			continue
		}
		d.Events = append(d.Events, ev)
	}
	return d
}
