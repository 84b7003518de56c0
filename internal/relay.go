package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slog"
)

// Relay turns inbound frames into registry changes and room broadcasts.
// Broadcasts always go through the bus and are delivered by Deliver, on this
// instance as on every other one.
type Relay struct {
	instanceID string
	registry   *Registry
	bus        Bus
	logger     *slog.Logger
	metrics    *Metrics
	now        func() time.Time
}

func NewRelay(instanceID string, registry *Registry, bus Bus, logger *slog.Logger, metrics *Metrics) *Relay {
	return &Relay{
		instanceID: instanceID,
		registry:   registry,
		bus:        bus,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

func (r *Relay) Registry() *Registry {
	return r.registry
}

// Admit registers an authenticated connection and joins it to its personal
// room. On error nothing of c is left in the registry.
func (r *Relay) Admit(c *Connection) error {
	if !c.Advance(StateAuthenticated) {
		return ErrConnectionClosed
	}

	if err := r.registry.Register(c); err != nil {
		c.Close(err)
		return err
	}

	if err := r.admit(c); err != nil {
		c.Close(err)
		r.registry.LeaveAll(c)
		r.metrics.Rooms.Set(float64(r.registry.RoomCount()))
		return err
	}

	r.metrics.Connections.Inc()
	return nil
}

func (r *Relay) admit(c *Connection) error {
	if c.UserID != "" {
		if err := r.registry.Join(c, c.UserID); err != nil {
			return err
		}
	}

	if !c.Advance(StateActive) {
		return ErrConnectionClosed
	}

	r.metrics.Rooms.Set(float64(r.registry.RoomCount()))

	return c.Send(mustEncode(FrameConnected, ConnectedPayload{ConnectionID: c.ID, UserID: c.UserID}))
}

// Release is the CLOSED transition: every membership is removed.
func (r *Relay) Release(c *Connection) {
	c.Close(nil)

	if left := r.registry.LeaveAll(c); left != nil {
		r.metrics.Connections.Dec()
		r.logger.Debug("released", slog.String("id", c.ID), slog.Any("rooms", left))
	}

	r.metrics.Rooms.Set(float64(r.registry.RoomCount()))
}

// Handle processes one raw frame from c. Nothing that goes wrong here escapes
// to the caller: failures become an error frame for c alone.
func (r *Relay) Handle(ctx context.Context, c *Connection, raw []byte) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("frame handler panicked", slog.String("id", c.ID), slog.Any("panic", v))
			r.reject(c, "internal error")
		}
	}()

	in, err := ParseFrame(raw)
	if err != nil {
		fe := &FrameError{}
		if errors.As(err, &fe) {
			r.reject(c, fe.Reason)
			return
		}

		r.reject(c, "invalid frame")
		return
	}

	r.metrics.FramesReceived.WithLabelValues(string(in.Kind())).Inc()

	switch f := in.(type) {
	case JoinFrame:
		r.join(c, f)
	case LeaveFrame:
		r.leave(c, f)
	case TypingFrame:
		r.typing(ctx, c, f)
	case ChatFrame:
		r.chat(ctx, c, f)
	case UnknownFrame:
		r.logger.Debug("ignored frame", slog.String("id", c.ID), slog.String("type", string(f.Type)))
	}
}

func (r *Relay) join(c *Connection, f JoinFrame) {
	if err := r.registry.Join(c, f.RoomID); err != nil {
		r.reject(c, "connection is not active")
		return
	}

	c.lastRoom = f.RoomID
	r.metrics.Rooms.Set(float64(r.registry.RoomCount()))

	_ = c.Send(mustEncode(FrameInfo, InfoPayload{Message: fmt.Sprintf("joined %v", f.RoomID), RoomID: f.RoomID}))
}

func (r *Relay) leave(c *Connection, f LeaveFrame) {
	if !r.registry.Leave(c, f.RoomID) {
		r.reject(c, "not a member of room")
		return
	}

	if c.lastRoom == f.RoomID {
		c.lastRoom = ""
	}

	r.metrics.Rooms.Set(float64(r.registry.RoomCount()))

	_ = c.Send(mustEncode(FrameInfo, InfoPayload{Message: fmt.Sprintf("left %v", f.RoomID), RoomID: f.RoomID}))
}

func (r *Relay) typing(ctx context.Context, c *Connection, f TypingFrame) {
	if !r.registry.IsMember(c, f.RoomID) {
		r.reject(c, "not a member of room")
		return
	}

	frame := mustEncode(f.Kind(), TypingPayload{RoomID: f.RoomID, From: c.UserID})
	if err := r.Broadcast(ctx, f.RoomID, c.ID, frame); err != nil {
		r.logger.Error("failed to broadcast", slog.String("id", c.ID), slog.Any("err", err))
	}
}

func (r *Relay) chat(ctx context.Context, c *Connection, f ChatFrame) {
	roomID := f.RoomID
	if roomID == "" {
		roomID = c.lastRoom
	}

	if roomID == "" {
		r.reject(c, "join a room first")
		return
	}

	if !r.registry.IsMember(c, roomID) {
		r.reject(c, "not a member of room")
		return
	}

	frame := mustEncode(FrameMessage, MessagePayload{
		Message: f.Message,
		From:    c.UserID,
		RoomID:  roomID,
		SentAt:  r.now().UTC(),
	})

	// the sender gets its copy from the bus like everyone else
	if err := r.Broadcast(ctx, roomID, "", frame); err != nil {
		r.logger.Error("failed to broadcast", slog.String("id", c.ID), slog.Any("err", err))
		r.reject(c, "message not delivered")
	}
}

func (r *Relay) reject(c *Connection, reason string) {
	r.metrics.FramesRejected.WithLabelValues(reason).Inc()
	_ = c.Send(errorFrame(reason))
}

// Broadcast publishes an encoded frame to every member of roomID except the
// connection with id except (empty for none).
func (r *Relay) Broadcast(ctx context.Context, roomID, except string, frame []byte) error {
	return r.bus.Publish(ctx, Event{
		Type:    EventTypeBroadcast,
		Origin:  r.instanceID,
		Room:    roomID,
		Except:  except,
		Payload: frame,
	})
}

// Emit pushes a server-originated event into a room.
func (r *Relay) Emit(ctx context.Context, roomID string, typ FrameType, payload json.RawMessage) error {
	frame, err := EncodeFrame(typ, payload)
	if err != nil {
		return err
	}

	return r.Broadcast(ctx, roomID, "", frame)
}

// Drop closes a connection on whichever instance holds it.
func (r *Relay) Drop(ctx context.Context, id string) error {
	return r.bus.Publish(ctx, Event{Type: EventTypeDrop, Origin: r.instanceID, ID: id})
}

// Deliver is the bus handler: it hands an event to the local connections it targets.
func (r *Relay) Deliver(ctx context.Context, event Event) {
	switch event.Type {
	case EventTypeBroadcast:
		for _, c := range r.registry.MembersOf(event.Room) {
			if c.ID == event.Except {
				continue
			}

			switch err := c.Send(event.Payload); err {
			case nil:
				r.metrics.FramesDelivered.Inc()
			case ErrSlowConsumer:
				r.metrics.SlowConsumers.Inc()
				r.logger.Warn("slow consumer closed", slog.String("id", c.ID), slog.String("room", event.Room))
			}
		}
	case EventTypeDrop:
		c, ok := r.registry.Lookup(event.ID)
		if !ok {
			return
		}

		c.Close(ErrDropped)
		r.logger.Info("dropped", slog.String("id", c.ID), slog.String("origin", event.Origin))
	}
}
