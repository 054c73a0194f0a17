package tracker

import (
	"context"
	"fmt"
	"sync"

	"github.com/terra-clan/progress-engine/internal/realtime"
)

// subscriptionSet owns a tracker's feed subscriptions. Feed handlers only mark
// the table dirty; one goroutine drains the marks and runs the refetches, so
// bursts of changes on a table collapse into a single refetch.
type subscriptionSet struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	dirty  map[string]bool
	unsubs []realtime.Unsubscribe

	wake    chan struct{}
	wg      sync.WaitGroup
	started bool
	once    sync.Once
}

func newSubscriptionSet() *subscriptionSet {
	ctx, cancel := context.WithCancel(context.Background())
	return &subscriptionSet{
		ctx:    ctx,
		cancel: cancel,
		dirty:  make(map[string]bool),
		wake:   make(chan struct{}, 1),
	}
}

// add subscribes to table rows passing filter
func (s *subscriptionSet) add(ctx context.Context, feed realtime.Feed, table string, filter realtime.Filter) error {
	unsub, err := feed.Subscribe(ctx, table, filter, func(c realtime.Change) {
		s.mark(c.Table)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", table, err)
	}

	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsub)
	s.mu.Unlock()
	return nil
}

func (s *subscriptionSet) mark(table string) {
	s.mu.Lock()
	s.dirty[table] = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// start runs refresh for every dirty table until close
func (s *subscriptionSet) start(refresh func(ctx context.Context, table string)) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
			}

			s.mu.Lock()
			tables := make([]string, 0, len(s.dirty))
			for t := range s.dirty {
				tables = append(tables, t)
			}
			s.dirty = make(map[string]bool)
			s.mu.Unlock()

			for _, t := range tables {
				if s.ctx.Err() != nil {
					return
				}
				refresh(s.ctx, t)
			}
		}
	}()
}

// close unsubscribes everything and waits for the drain goroutine
func (s *subscriptionSet) close() {
	s.once.Do(func() {
		s.mu.Lock()
		unsubs := s.unsubs
		s.unsubs = nil
		s.mu.Unlock()

		for _, unsub := range unsubs {
			unsub()
		}
		s.cancel()
		s.wg.Wait()
	})
}
