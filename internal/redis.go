package internal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
)

// RedisBus shares events between instances over a single pub/sub channel.
type RedisBus struct {
	rdb     *redis.Client
	channel string
	logger  *slog.Logger
}

func NewRedisBus(rdb *redis.Client, prefix string, logger *slog.Logger) *RedisBus {
	return &RedisBus{
		rdb:     rdb,
		channel: fmt.Sprintf("%v:events", prefix),
		logger:  logger,
	}
}

func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	bEvent, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return b.rdb.Publish(ctx, b.channel, string(bEvent)).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, handler EventHandler) error {
	sub := b.rdb.Subscribe(ctx, b.channel)

	// wait for the confirmation so nothing published after return is missed
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %v: %w", b.channel, err)
	}

	go SubscribeEvents(ctx, b.logger, sub.Channel(), handler, func() { _ = sub.Close() })
	return nil
}

// Close is a no-op; the redis client is owned by the caller.
func (b *RedisBus) Close() error {
	return nil
}

func SubscribeEvents(
	ctx context.Context,
	logger *slog.Logger,
	ch <-chan *redis.Message,
	handler EventHandler,
	closer func(),
) {
	defer closer()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			event := Event{}
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Error("failed to unmarshal cluster event", slog.Any("err", err))
				continue
			}

			switch event.Type {
			case EventTypeBroadcast, EventTypeDrop:
				handler(ctx, event)
			default:
				logger.Warn("unknown event type", slog.String("event", string(event.Type)))
			}
		}
	}
}
