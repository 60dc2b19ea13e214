package queue

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
)

// fieldSep separates the six fields of a queued grant line:
//
//	submitted_at|zone|mac|expires_at|proof_token|source_address
const fieldSep = "|"

const fieldCount = 6

// SkipReason classifies why a queued line was dropped.
type SkipReason string

const (
	SkipFieldCount   SkipReason = "field_count"
	SkipBadTimestamp SkipReason = "bad_timestamp"
	SkipBadMAC       SkipReason = "bad_mac"
	SkipEmptyZone    SkipReason = "empty_zone"
	SkipLineTooLong  SkipReason = "line_too_long"
)

// ParseError is returned by DecodeLine for a malformed record.
type ParseError struct {
	Reason SkipReason
	Line   string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("queue line %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("queue line %s", e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// EncodeLine renders ev in the queue wire format, without the trailing
// newline.
func EncodeLine(ev types.GrantEvent) string {
	return strings.Join([]string{
		strconv.FormatInt(ev.SubmittedAt.Unix(), 10),
		sanitize(ev.Zone),
		sanitize(ev.MAC),
		strconv.FormatInt(ev.ExpiresAt.Unix(), 10),
		sanitize(ev.ProofToken),
		sanitize(ev.SourceAddr),
	}, fieldSep)
}

// DecodeLine parses one queue line.  The MAC is normalised; the zone is
// trimmed.  Any failure is a *ParseError.
func DecodeLine(line string) (types.GrantEvent, error) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.Split(line, fieldSep)
	if len(parts) != fieldCount {
		return types.GrantEvent{}, &ParseError{
			Reason: SkipFieldCount,
			Line:   line,
			Err:    fmt.Errorf("expected %d fields, got %d", fieldCount, len(parts)),
		}
	}

	submitted, err := parseTimestamp(parts[0])
	if err != nil {
		return types.GrantEvent{}, &ParseError{Reason: SkipBadTimestamp, Line: line, Err: err}
	}
	expires, err := parseTimestamp(parts[3])
	if err != nil {
		return types.GrantEvent{}, &ParseError{Reason: SkipBadTimestamp, Line: line, Err: err}
	}

	zone := strings.TrimSpace(parts[1])
	if zone == "" {
		return types.GrantEvent{}, &ParseError{Reason: SkipEmptyZone, Line: line}
	}

	mac, err := types.NormalizeMAC(parts[2])
	if err != nil {
		return types.GrantEvent{}, &ParseError{Reason: SkipBadMAC, Line: line, Err: err}
	}

	return types.GrantEvent{
		SubmittedAt: submitted,
		Zone:        zone,
		MAC:         mac,
		ExpiresAt:   expires,
		ProofToken:  strings.TrimSpace(parts[4]),
		SourceAddr:  strings.TrimSpace(parts[5]),
	}, nil
}

// parseTimestamp accepts unix seconds (what the hook writes) or RFC 3339.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return time.Time{}, fmt.Errorf("non-positive timestamp %d", n)
		}
		return time.Unix(n, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func sanitize(s string) string {
	s = strings.ReplaceAll(s, fieldSep, "")
	s = strings.ReplaceAll(s, "\n", "")
	return strings.ReplaceAll(s, "\r", "")
}
