package realtime

import (
	"context"
	"time"
)

// ChangeType is the kind of row change
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
	// ChangeResync means changes may have been missed; subscribers refetch everything
	ChangeResync ChangeType = "RESYNC"
)

// Resync is published after a feed source reconnects. With no table it
// reaches every subscription.
func Resync() Change {
	return Change{Type: ChangeResync, At: time.Now().UTC()}
}

// Change is an invalidation event for one row. It carries no row data:
// subscribers refetch instead of patching.
type Change struct {
	Table  string     `json:"table"`
	Type   ChangeType `json:"type"`
	UserID string     `json:"user_id,omitempty"`
	RowID  string     `json:"row_id,omitempty"`
	At     time.Time  `json:"at"`
}

// Filter narrows a subscription to rows of one user. Empty matches everything.
// Resync changes always match.
type Filter struct {
	UserID string
}

// Matches reports whether the change passes the filter
func (f Filter) Matches(c Change) bool {
	return f.UserID == "" || c.Type == ChangeResync || f.UserID == c.UserID
}

// Handler receives changes. It must not block for long; the feed calls it
// from its own delivery goroutine.
type Handler func(Change)

// Unsubscribe stops delivery for one subscription. Safe to call more than once.
type Unsubscribe func()

// Feed is a table-keyed change notification feed
type Feed interface {
	Publish(ctx context.Context, c Change) error
	Subscribe(ctx context.Context, table string, filter Filter, fn Handler) (Unsubscribe, error)
	Close() error
}
