package internal

import (
	"context"
	"encoding/json"
	"sync"
)

type EventType string

const (
	EventTypeBroadcast EventType = "broadcast"
	EventTypeDrop      EventType = "drop"
)

// Event travels between relay instances. A broadcast carries an encoded Frame
// for every local member of Room except the connection Except; a drop closes
// connection ID wherever it lives.
type Event struct {
	Type    EventType       `json:"type"`
	Origin  string          `json:"origin"`
	Room    string          `json:"room,omitempty"`
	Except  string          `json:"except,omitempty"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type EventHandler func(ctx context.Context, event Event)

// Bus fans events out to every relay instance, including the publisher.
// Subscribe returns once the subscription is live and stops when ctx is done.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, handler EventHandler) error
	Close() error
}

// LocalBus delivers synchronously inside a single process.
type LocalBus struct {
	lock     sync.RWMutex
	handlers map[int]EventHandler
	next     int
}

func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[int]EventHandler)}
}

func (b *LocalBus) Publish(ctx context.Context, event Event) error {
	b.lock.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.lock.RUnlock()

	for _, h := range handlers {
		h(ctx, event)
	}

	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, handler EventHandler) error {
	b.lock.Lock()
	id := b.next
	b.next++
	b.handlers[id] = handler
	b.lock.Unlock()

	go func() {
		<-ctx.Done()
		b.lock.Lock()
		delete(b.handlers, id)
		b.lock.Unlock()
	}()

	return nil
}

func (b *LocalBus) Close() error {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.handlers = make(map[int]EventHandler)
	return nil
}
