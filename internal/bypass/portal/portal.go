// Package portal is the boundary to the captive-portal control plane that
// owns the enforcement allow-list.  The engine never touches enforcement
// state except through Controller.
package portal

import (
	"context"
	"errors"
	"fmt"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
)

// ErrUnsupported is returned when the control plane does not offer the
// requested primitive (for example, no session disconnect endpoint).
var ErrUnsupported = errors.New("portal: operation not supported")

// Controller is the external management capability.
type Controller interface {
	// ListEntries returns every bypass entry in zone, whatever its
	// provenance.
	ListEntries(ctx context.Context, zone string) ([]types.ManagedEntry, error)
	AddEntry(ctx context.Context, zone, mac, description string) error
	RemoveEntry(ctx context.Context, zone, mac string) error

	// Disconnect tears down any live session for mac.  Flush is the
	// lower-level fallback that drops enforcement state directly.
	Disconnect(ctx context.Context, zone, mac string) error
	Flush(ctx context.Context, zone, mac string) error

	// Reload activates pending allow-list changes for zone.
	Reload(ctx context.Context, zone string) error

	// BackupSnapshot returns the control plane's full configuration.
	BackupSnapshot(ctx context.Context) ([]byte, error)

	Ping(ctx context.Context) error
}

// StatusError is a non-2xx answer from the control plane.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("portal %s: status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("portal %s: status %d: %s", e.Op, e.Code, e.Body)
}
