package internal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"golang.org/x/exp/slog"
)

// NatsBus is the NATS flavour of RedisBus. Messages on one subscription are
// handled in order by the client's dispatcher goroutine.
type NatsBus struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

func NewNatsBus(nc *nats.Conn, prefix string, logger *slog.Logger) *NatsBus {
	return &NatsBus{
		nc:      nc,
		subject: fmt.Sprintf("%v.events", prefix),
		logger:  logger,
	}
}

func (b *NatsBus) Publish(ctx context.Context, event Event) error {
	bEvent, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return b.nc.Publish(b.subject, bEvent)
}

func (b *NatsBus) Subscribe(ctx context.Context, handler EventHandler) error {
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		event := Event{}
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to unmarshal cluster event", slog.Any("err", err))
			return
		}

		switch event.Type {
		case EventTypeBroadcast, EventTypeDrop:
			handler(ctx, event)
		default:
			b.logger.Warn("unknown event type", slog.String("event", string(event.Type)))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %v: %w", b.subject, err)
	}

	// make sure the server has the interest registered before returning
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return err
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()

	return nil
}

func (b *NatsBus) Close() error {
	return b.nc.Drain()
}
