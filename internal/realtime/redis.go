package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "progress:changes:"

// RedisFeed fans changes out across instances through Redis pub/sub.
// Local delivery goes through an embedded Hub fed by one pattern subscription.
type RedisFeed struct {
	client *redis.Client
	pubsub *redis.PubSub
	local  *Hub
	wg     sync.WaitGroup
}

// NewRedisFeed connects to Redis and starts relaying changes
func NewRedisFeed(ctx context.Context, address, password string, db int) (*RedisFeed, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	pubsub := client.PSubscribe(ctx, redisChannelPrefix+"*")
	// Wait for the subscription confirmation so no publish is missed afterwards
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		client.Close()
		return nil, fmt.Errorf("failed to subscribe to change channel: %w", err)
	}

	f := &RedisFeed{
		client: client,
		pubsub: pubsub,
		local:  NewHub(),
	}

	f.wg.Add(1)
	go f.relay()

	slog.Info("redis change feed started", "address", address, "pattern", redisChannelPrefix+"*")
	return f, nil
}

// Client returns the underlying Redis client for other Redis-backed components
func (f *RedisFeed) Client() *redis.Client {
	return f.client
}

// ChannelFor returns the Redis channel name for a table
func ChannelFor(table string) string {
	return redisChannelPrefix + table
}

// TableFromChannel extracts the table name from a channel name
func TableFromChannel(channel string) string {
	return strings.TrimPrefix(channel, redisChannelPrefix)
}

// Publish sends c to every instance, this one included
func (f *RedisFeed) Publish(ctx context.Context, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}

	if err := f.client.Publish(ctx, ChannelFor(c.Table), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish change: %w", err)
	}
	return nil
}

// Subscribe registers a local handler
func (f *RedisFeed) Subscribe(ctx context.Context, table string, filter Filter, fn Handler) (Unsubscribe, error) {
	return f.local.Subscribe(ctx, table, filter, fn)
}

// Close stops the relay and closes the Redis connection
func (f *RedisFeed) Close() error {
	err := f.pubsub.Close()
	f.wg.Wait()
	f.local.Close()
	if cerr := f.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// relay forwards Redis messages to local subscribers until the pubsub is closed
func (f *RedisFeed) relay() {
	defer f.wg.Done()

	for m := range f.pubsub.ChannelWithSubscriptions() {
		var c Change
		switch msg := m.(type) {
		case *redis.Subscription:
			// The first confirmation was consumed in NewRedisFeed, so this is
			// a resubscribe after a reconnect
			if msg.Kind != "psubscribe" {
				continue
			}
			slog.Info("redis change feed resubscribed, asking subscribers to refetch")
			c = Resync()
		case *redis.Message:
			var err error
			c, err = decodeChange(msg.Channel, []byte(msg.Payload))
			if err != nil {
				slog.Warn("dropping malformed change message", "channel", msg.Channel, "error", err)
				continue
			}
		default:
			continue
		}
		if err := f.local.Publish(context.Background(), c); err != nil {
			slog.Debug("local change delivery failed", "error", err)
		}
	}

	slog.Info("redis change feed stopped")
}

// decodeChange parses a change payload; the channel name wins over the payload's table
func decodeChange(channel string, payload []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(payload, &c); err != nil {
		return Change{}, fmt.Errorf("failed to unmarshal change: %w", err)
	}
	if table := TableFromChannel(channel); table != "" && table != channel {
		c.Table = table
	}
	if c.Table == "" && c.Type != ChangeResync {
		return Change{}, fmt.Errorf("change without table")
	}
	return c, nil
}
