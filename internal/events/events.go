// Package events publishes run outcomes and manual removals so dashboards
// and alerting can follow an instance without polling it.
package events

import (
	"context"
	"time"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
)

const (
	TopicRunCompleted   = "bypass.run.completed"
	TopicBindingRemoved = "bypass.binding.removed"
)

// Publisher delivers events to a topic.  Publishing is best effort; callers
// log failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

type RunCompleted struct {
	Instance string           `json:"instance,omitempty"`
	Summary  types.RunSummary `json:"summary"`
}

type BindingRemoved struct {
	Instance  string    `json:"instance,omitempty"`
	Zone      string    `json:"zone"`
	MAC       string    `json:"mac"`
	RemovedAt time.Time `json:"removed_at"`
	Reason    string    `json:"reason"` // "manual"
}
