package realtime

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrFeedClosed is returned when publishing to or subscribing on a closed feed
var ErrFeedClosed = errors.New("change feed closed")

type subscription struct {
	id     uint64
	table  string
	filter Filter
	fn     Handler
}

// Hub is an in-process Feed. Handlers run synchronously in the publisher's goroutine.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]*subscription
	closed bool
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[uint64]*subscription),
	}
}

// Publish delivers c to every matching subscriber of c.Table. A resync
// without a table goes to every subscriber, tagged with its own table.
func (h *Hub) Publish(ctx context.Context, c Change) error {
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrFeedClosed
	}
	var targets []*subscription
	if c.Type == ChangeResync && c.Table == "" {
		for _, subs := range h.subs {
			for _, s := range subs {
				targets = append(targets, s)
			}
		}
	} else {
		for _, s := range h.subs[c.Table] {
			if s.filter.Matches(c) {
				targets = append(targets, s)
			}
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		delivered := c
		delivered.Table = s.table
		s.fn(delivered)
	}
	return nil
}

// Subscribe registers fn for changes on table that pass filter
func (h *Hub) Subscribe(ctx context.Context, table string, filter Filter, fn Handler) (Unsubscribe, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrFeedClosed
	}

	h.nextID++
	s := &subscription{id: h.nextID, table: table, filter: filter, fn: fn}
	if h.subs[table] == nil {
		h.subs[table] = make(map[uint64]*subscription)
	}
	h.subs[table][s.id] = s

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[table], s.id)
			if len(h.subs[table]) == 0 {
				delete(h.subs, table)
			}
		})
	}, nil
}

// Subscribers returns the number of live subscriptions on table
func (h *Hub) Subscribers(table string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[table])
}

// Close drops all subscriptions
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.subs = make(map[string]map[uint64]*subscription)
	return nil
}
