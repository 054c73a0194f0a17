package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// NotifyChannel is the Postgres channel the row triggers notify on
const NotifyChannel = "row_changes"

// PGListener turns Postgres NOTIFY payloads into feed changes
type PGListener struct {
	listener     *pq.Listener
	feed         Feed
	pingInterval time.Duration
}

// NewPGListener opens a dedicated LISTEN connection
func NewPGListener(dsn string, feed Feed) (*PGListener, error) {
	report := func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed:
			slog.Warn("postgres listener connection attempt failed", "error", err)
		case pq.ListenerEventDisconnected:
			slog.Warn("postgres listener disconnected", "error", err)
		case pq.ListenerEventReconnected:
			slog.Info("postgres listener reconnected")
		}
	}

	listener := pq.NewListener(dsn, 2*time.Second, time.Minute, report)
	if err := listener.Listen(NotifyChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}

	return &PGListener{
		listener:     listener,
		feed:         feed,
		pingInterval: 90 * time.Second,
	}, nil
}

// Start runs the listen loop in a goroutine until ctx is cancelled
func (l *PGListener) Start(ctx context.Context) {
	go l.run(ctx)
}

func (l *PGListener) run(ctx context.Context) {
	slog.Info("postgres change listener started", "channel", NotifyChannel)

	ticker := time.NewTicker(l.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("postgres change listener stopped")
			return
		case n := <-l.listener.Notify:
			// nil after a reconnect: notifications may have been lost
			if n == nil {
				slog.Info("postgres listener resynced, asking subscribers to refetch")
				if err := l.feed.Publish(ctx, Resync()); err != nil {
					slog.Error("failed to publish resync", "error", err)
				}
				continue
			}
			c, err := decodeNotification(n.Extra)
			if err != nil {
				slog.Warn("dropping malformed notification", "error", err)
				continue
			}
			if err := l.feed.Publish(ctx, c); err != nil {
				slog.Error("failed to publish change", "error", err, "table", c.Table)
			}
		case <-ticker.C:
			go func() {
				if err := l.listener.Ping(); err != nil {
					slog.Debug("postgres listener ping failed", "error", err)
				}
			}()
		}
	}
}

// Close closes the LISTEN connection
func (l *PGListener) Close() error {
	return l.listener.Close()
}

type notifyPayload struct {
	Table  string `json:"table"`
	Op     string `json:"op"`
	UserID string `json:"user_id"`
	RowID  string `json:"row_id"`
}

func decodeNotification(payload string) (Change, error) {
	var p notifyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return Change{}, fmt.Errorf("failed to unmarshal notification: %w", err)
	}
	if p.Table == "" {
		return Change{}, fmt.Errorf("notification without table")
	}

	var typ ChangeType
	switch p.Op {
	case "INSERT":
		typ = ChangeInsert
	case "UPDATE":
		typ = ChangeUpdate
	case "DELETE":
		typ = ChangeDelete
	default:
		return Change{}, fmt.Errorf("unknown operation %q", p.Op)
	}

	return Change{
		Table:  p.Table,
		Type:   typ,
		UserID: p.UserID,
		RowID:  p.RowID,
		At:     time.Now().UTC(),
	}, nil
}
