package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// Evictor closes tracker sessions that have been idle longer than ttl
type Evictor interface {
	EvictIdle(ttl time.Duration) []string
}

// Cleaner periodically tears down idle tracker sessions so their feed
// subscriptions do not outlive the user
type Cleaner struct {
	evictor  Evictor
	interval time.Duration
	idleTTL  time.Duration
}

// NewCleaner creates a new cleanup worker
func NewCleaner(evictor Evictor, interval, idleTTL time.Duration) *Cleaner {
	if interval <= 0 {
		interval = time.Minute
	}
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}

	return &Cleaner{
		evictor:  evictor,
		interval: interval,
		idleTTL:  idleTTL,
	}
}

// Start begins the cleanup worker in a goroutine
func (c *Cleaner) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Cleaner) run(ctx context.Context) {
	slog.Info("cleanup worker started", "interval", c.interval, "idle_ttl", c.idleTTL)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup worker stopped")
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

// cleanup evicts idle sessions once
func (c *Cleaner) cleanup() int {
	slog.Debug("running cleanup cycle")

	evicted := c.evictor.EvictIdle(c.idleTTL)
	if len(evicted) == 0 {
		slog.Debug("no idle sessions found")
		return 0
	}

	slog.Info("idle tracker sessions evicted", "count", len(evicted))
	return len(evicted)
}
