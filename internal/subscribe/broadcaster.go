package subscribe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/kevinreber/pixel-studio-sub001/internal/status"
)

// DefaultChannel is the pub/sub channel status updates are broadcast on.
const DefaultChannel = "generation:updates"

// Broadcaster makes an updated status record visible to subscribers as soon
// as possible. Delivery is best effort: the status store stays authoritative
// and a client can always recover with a direct read.
type Broadcaster interface {
	Publish(ctx context.Context, rec *status.Record) error
}

// RedisBroadcaster pushes records over Redis pub/sub. Used whenever the
// transport supports true publish/subscribe; the hub's Redis feed is the
// receiving end.
type RedisBroadcaster struct {
	rdb     *redis.Client
	channel string
	logger  *slog.Logger
}

func NewRedisBroadcaster(rdb *redis.Client, channel string, logger *slog.Logger) *RedisBroadcaster {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBroadcaster{rdb: rdb, channel: channel, logger: logger}
}

func (b *RedisBroadcaster) Publish(ctx context.Context, rec *status.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal status broadcast: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish status broadcast: %w", err)
	}
	return nil
}

// HubBroadcaster delivers directly into an in-process hub. Used by local
// mode, where producer and subscribers share a process.
type HubBroadcaster struct {
	hub *Hub
}

func NewHubBroadcaster(hub *Hub) *HubBroadcaster {
	return &HubBroadcaster{hub: hub}
}

func (b *HubBroadcaster) Publish(ctx context.Context, rec *status.Record) error {
	b.hub.Dispatch(rec)
	return nil
}

// NopBroadcaster drops every publish. Used in polling mode, where the hub
// re-reads the store on an interval instead of listening for pushes.
type NopBroadcaster struct{}

func (NopBroadcaster) Publish(ctx context.Context, rec *status.Record) error { return nil }

// RedisFeed is the subscriber side of RedisBroadcaster: it pumps records off
// the pub/sub channel into the hub until the context is canceled.
type RedisFeed struct {
	rdb     *redis.Client
	channel string
	logger  *slog.Logger
}

func NewRedisFeed(rdb *redis.Client, channel string, logger *slog.Logger) *RedisFeed {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisFeed{rdb: rdb, channel: channel, logger: logger}
}

// Run blocks delivering updates into hub until ctx is canceled.
func (f *RedisFeed) Run(ctx context.Context, hub *Hub) error {
	sub := f.rdb.Subscribe(ctx, f.channel)
	defer sub.Close()

	ch := sub.Channel()
	f.logger.Info("Status feed subscribed",
		slog.String("channel", f.channel),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("status feed channel closed")
			}
			var rec status.Record
			if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
				f.logger.Warn("Dropping malformed status broadcast",
					slog.Any("error", err),
				)
				continue
			}
			hub.Dispatch(&rec)
		}
	}
}
