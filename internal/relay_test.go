package internal

import (
	"context"
	"encoding/json"
	"io"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/exp/slog"
)

func testRelay(t *testing.T) *Relay {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := NewLocalBus()
	relay := NewRelay("test", NewRegistry(), bus, logger, NewMetrics(prometheus.NewRegistry()))

	if err := bus.Subscribe(ctx, relay.Deliver); err != nil {
		t.Fatal(err)
	}

	return relay
}

func admit(t *testing.T, relay *Relay, id, userID string) *Connection {
	t.Helper()

	c := NewConnection(id, 16)
	c.UserID = userID
	if err := relay.Admit(c); err != nil {
		t.Fatal(err)
	}

	frames := drain(c)
	if len(frames) != 1 || frames[0].Type != FrameConnected {
		t.Fatalf("expected connected frame, got %v", frames)
	}

	return c
}

func drain(c *Connection) []Frame {
	var frames []Frame
	for {
		select {
		case b := <-c.Outbox():
			frame := Frame{}
			if err := json.Unmarshal(b, &frame); err != nil {
				panic(err)
			}

			frames = append(frames, frame)
		default:
			return frames
		}
	}
}

func send(relay *Relay, c *Connection, raw string) {
	relay.Handle(context.Background(), c, []byte(raw))
}

func onlyFrame(t *testing.T, c *Connection, typ FrameType) Frame {
	t.Helper()

	frames := drain(c)
	if len(frames) != 1 {
		t.Fatalf("%v: got %d frames, want 1: %v", c.ID, len(frames), frames)
	}

	if frames[0].Type != typ {
		t.Fatalf("%v: frame type = %v, want %v", c.ID, frames[0].Type, typ)
	}

	return frames[0]
}

func errorReason(t *testing.T, c *Connection) string {
	t.Helper()

	payload := ErrorPayload{}
	if err := json.Unmarshal(onlyFrame(t, c, FrameErr).Payload, &payload); err != nil {
		t.Fatal(err)
	}

	return payload.Error
}

func TestRelayAdmitJoinsPersonalRoom(t *testing.T) {
	relay := testRelay(t)
	c := admit(t, relay, "c1", "u1")

	if c.State() != StateActive {
		t.Errorf("state = %v, want active", c.State())
	}

	if !relay.Registry().IsMember(c, "u1") {
		t.Error("not in personal room")
	}
}

func TestRelayChatSenderInclusive(t *testing.T) {
	relay := testRelay(t)
	c1 := admit(t, relay, "c1", "u1")
	c2 := admit(t, relay, "c2", "u2")
	c3 := admit(t, relay, "c3", "u3")

	send(relay, c1, `{"type":"join","payload":{"roomId":"r1"}}`)
	send(relay, c2, `{"type":"join","payload":{"roomId":"r1"}}`)
	onlyFrame(t, c1, FrameInfo)
	onlyFrame(t, c2, FrameInfo)

	send(relay, c1, `{"type":"chat","payload":{"message":"hi"}}`)

	for _, c := range []*Connection{c1, c2} {
		payload := MessagePayload{}
		if err := json.Unmarshal(onlyFrame(t, c, FrameMessage).Payload, &payload); err != nil {
			t.Fatal(err)
		}

		if payload.Message != "hi" || payload.RoomID != "r1" || payload.From != "u1" {
			t.Errorf("%v got %+v", c.ID, payload)
		}
	}

	if frames := drain(c3); len(frames) != 0 {
		t.Errorf("c3 received %v", frames)
	}
}

func TestRelayChatIsolation(t *testing.T) {
	relay := testRelay(t)
	a := admit(t, relay, "a", "ua")
	b := admit(t, relay, "b", "ub")

	send(relay, a, `{"type":"join","payload":"room-a"}`)
	send(relay, b, `{"type":"join","payload":"room-b"}`)
	drain(a)
	drain(b)

	send(relay, a, `{"type":"chat","payload":{"roomId":"room-a","message":"secret"}}`)

	onlyFrame(t, a, FrameMessage)
	if frames := drain(b); len(frames) != 0 {
		t.Errorf("room-b member received %v", frames)
	}
}

func TestRelayChatAfterDisconnect(t *testing.T) {
	relay := testRelay(t)
	c1 := admit(t, relay, "c1", "u1")
	send(relay, c1, `{"type":"join","payload":{"roomId":"r1"}}`)
	drain(c1)

	relay.Release(c1)
	if c1.State() != StateClosed {
		t.Errorf("state = %v, want closed", c1.State())
	}

	c2 := admit(t, relay, "c2", "u2")
	send(relay, c2, `{"type":"join","payload":{"roomId":"r1"}}`)
	drain(c2)

	send(relay, c2, `{"type":"chat","payload":{"message":"anyone?"}}`)
	onlyFrame(t, c2, FrameMessage)

	if members := relay.Registry().MembersOf("r1"); len(members) != 1 || members[0] != c2 {
		t.Errorf("members = %v", members)
	}

	if _, ok := relay.Registry().Lookup("c1"); ok {
		t.Error("released connection still registered")
	}
}

func TestRelayTypingExcludesSender(t *testing.T) {
	relay := testRelay(t)
	c1 := admit(t, relay, "c1", "u1")
	c2 := admit(t, relay, "c2", "u2")

	send(relay, c1, `{"type":"join","payload":{"roomId":"r1"}}`)
	send(relay, c2, `{"type":"join","payload":{"roomId":"r1"}}`)
	drain(c1)
	drain(c2)

	send(relay, c1, `{"type":"typing","payload":{"roomId":"r1"}}`)
	frame := onlyFrame(t, c2, FrameTyping)
	if frames := drain(c1); len(frames) != 0 {
		t.Errorf("sender received its own typing event: %v", frames)
	}

	payload := TypingPayload{}
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatal(err)
	}

	if payload.RoomID != "r1" || payload.From != "u1" {
		t.Errorf("payload = %+v", payload)
	}

	send(relay, c1, `{"type":"stop-typing","payload":"r1"}`)
	onlyFrame(t, c2, FrameStopTyping)
	if frames := drain(c1); len(frames) != 0 {
		t.Errorf("sender received its own stop-typing event: %v", frames)
	}
}

func TestRelayMalformedFrame(t *testing.T) {
	relay := testRelay(t)
	c1 := admit(t, relay, "c1", "u1")
	c2 := admit(t, relay, "c2", "u2")

	send(relay, c1, `{"type":"join","payload":{"roomId":"r1"}}`)
	send(relay, c2, `{"type":"join","payload":{"roomId":"r1"}}`)
	drain(c1)
	drain(c2)

	send(relay, c1, `this is not json`)
	if reason := errorReason(t, c1); reason != "invalid JSON" {
		t.Errorf("reason = %q", reason)
	}

	if frames := drain(c2); len(frames) != 0 {
		t.Errorf("bystander received %v", frames)
	}

	if c1.State() != StateActive {
		t.Errorf("state = %v after malformed frame", c1.State())
	}

	send(relay, c2, `{"type":"chat","payload":{"message":"still here"}}`)
	onlyFrame(t, c1, FrameMessage)
	onlyFrame(t, c2, FrameMessage)
}

func TestRelayChatWithoutRoom(t *testing.T) {
	relay := testRelay(t)
	c := admit(t, relay, "c1", "u1")

	send(relay, c, `{"type":"chat","payload":{"message":"hi"}}`)
	if reason := errorReason(t, c); reason != "join a room first" {
		t.Errorf("reason = %q", reason)
	}

	send(relay, c, `{"type":"chat","payload":{"roomId":"elsewhere","message":"hi"}}`)
	if reason := errorReason(t, c); reason != "not a member of room" {
		t.Errorf("reason = %q", reason)
	}

	send(relay, c, `{"type":"typing","payload":"elsewhere"}`)
	if reason := errorReason(t, c); reason != "not a member of room" {
		t.Errorf("reason = %q", reason)
	}
}

func TestRelayLeave(t *testing.T) {
	relay := testRelay(t)
	c := admit(t, relay, "c1", "u1")

	send(relay, c, `{"type":"join","payload":"r1"}`)
	drain(c)

	send(relay, c, `{"type":"leave","payload":"r1"}`)
	onlyFrame(t, c, FrameInfo)

	send(relay, c, `{"type":"chat","payload":{"message":"hi"}}`)
	if reason := errorReason(t, c); reason != "join a room first" {
		t.Errorf("reason = %q", reason)
	}

	send(relay, c, `{"type":"leave","payload":"r1"}`)
	if reason := errorReason(t, c); reason != "not a member of room" {
		t.Errorf("reason = %q", reason)
	}
}

func TestRelayUnknownFrameIgnored(t *testing.T) {
	relay := testRelay(t)
	c := admit(t, relay, "c1", "u1")

	send(relay, c, `{"type":"reaction","payload":{"emoji":"+1"}}`)
	if frames := drain(c); len(frames) != 0 {
		t.Errorf("unknown frame answered with %v", frames)
	}
}

func TestRelaySlowConsumerClosed(t *testing.T) {
	relay := testRelay(t)
	fast := admit(t, relay, "fast", "u1")

	slow := NewConnection("slow", 1)
	slow.UserID = "u2"
	if err := relay.Admit(slow); err != nil {
		t.Fatal(err)
	}

	// connected frame still queued, so the outbox is full
	if err := relay.Registry().Join(slow, "r1"); err != nil {
		t.Fatal(err)
	}

	send(relay, fast, `{"type":"join","payload":"r1"}`)
	drain(fast)

	send(relay, fast, `{"type":"chat","payload":{"message":"flood"}}`)
	onlyFrame(t, fast, FrameMessage)

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow consumer not closed")
	}

	if slow.Err() != ErrSlowConsumer {
		t.Errorf("err = %v", slow.Err())
	}
}

func TestRelayEmitAndDrop(t *testing.T) {
	relay := testRelay(t)
	c := admit(t, relay, "c1", "u1")
	ctx := context.Background()

	if err := relay.Emit(ctx, "u1", "notification", json.RawMessage(`{"text":"friend request"}`)); err != nil {
		t.Fatal(err)
	}

	frame := onlyFrame(t, c, "notification")
	if string(frame.Payload) != `{"text":"friend request"}` {
		t.Errorf("payload = %s", frame.Payload)
	}

	if err := relay.Drop(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	if c.Err() != ErrDropped {
		t.Errorf("err = %v, want ErrDropped", c.Err())
	}
}

func TestRelayAdmitClosed(t *testing.T) {
	relay := testRelay(t)

	c := NewConnection("c1", 4)
	c.Close(nil)

	if err := relay.Admit(c); err != ErrConnectionClosed {
		t.Errorf("err = %v, want ErrConnectionClosed", err)
	}

	if relay.Registry().Len() != 0 {
		t.Error("closed connection registered")
	}
}

func TestRelayAdmitFullOutbox(t *testing.T) {
	relay := testRelay(t)

	c := NewConnection("c1", 1)
	c.UserID = "u1"
	if err := c.Send([]byte("{}")); err != nil {
		t.Fatal(err)
	}

	if err := relay.Admit(c); err == nil {
		t.Fatal("admit succeeded with a full outbox")
	}

	if c.State() != StateClosed {
		t.Errorf("state = %v, want closed", c.State())
	}

	if _, ok := relay.Registry().Lookup("c1"); ok {
		t.Error("connection still registered")
	}

	if members := relay.Registry().MembersOf("u1"); members != nil {
		t.Errorf("personal room still has %d members", len(members))
	}

	if n := testutil.ToFloat64(relay.metrics.Connections); n != 0 {
		t.Errorf("connections gauge = %v", n)
	}

	// the transport releases after a failed admit; that must not drift the gauge
	relay.Release(c)
	if n := testutil.ToFloat64(relay.metrics.Connections); n != 0 {
		t.Errorf("connections gauge after release = %v", n)
	}
}

func TestRelayAdmitDuplicateID(t *testing.T) {
	relay := testRelay(t)
	first := admit(t, relay, "c1", "u1")

	second := NewConnection("c1", 4)
	second.UserID = "u2"
	if err := relay.Admit(second); err != ErrDuplicateID {
		t.Fatalf("err = %v, want ErrDuplicateID", err)
	}

	if c, ok := relay.Registry().Lookup("c1"); !ok || c != first {
		t.Error("first connection replaced")
	}

	if relay.Registry().MembersOf("u2") != nil {
		t.Error("duplicate joined its personal room")
	}
}

// faultyBus panics on the first publishes it is asked for, then behaves.
type faultyBus struct {
	*LocalBus
	panics atomic.Int32
}

func (b *faultyBus) Publish(ctx context.Context, event Event) error {
	if b.panics.Add(-1) >= 0 {
		panic("bus exploded")
	}

	return b.LocalBus.Publish(ctx, event)
}

func TestRelayHandlerPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := &faultyBus{LocalBus: NewLocalBus()}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	relay := NewRelay("test", NewRegistry(), bus, logger, NewMetrics(prometheus.NewRegistry()))
	if err := bus.Subscribe(ctx, relay.Deliver); err != nil {
		t.Fatal(err)
	}

	c1 := admit(t, relay, "c1", "u1")
	c2 := admit(t, relay, "c2", "u2")
	for _, c := range []*Connection{c1, c2} {
		send(relay, c, `{"type":"join","payload":"r1"}`)
		drain(c)
	}

	bus.panics.Store(1)
	send(relay, c1, `{"type":"chat","payload":{"message":"boom"}}`)

	if reason := errorReason(t, c1); reason != "internal error" {
		t.Errorf("reason = %q", reason)
	}

	if c1.State() != StateActive {
		t.Errorf("state = %v, want active", c1.State())
	}

	if frames := drain(c2); len(frames) != 0 {
		t.Errorf("c2 got %v from a failed broadcast", frames)
	}

	send(relay, c1, `{"type":"chat","payload":{"message":"after"}}`)
	onlyFrame(t, c1, FrameMessage)

	payload := MessagePayload{}
	if err := json.Unmarshal(onlyFrame(t, c2, FrameMessage).Payload, &payload); err != nil {
		t.Fatal(err)
	}

	if payload.Message != "after" {
		t.Errorf("message = %q", payload.Message)
	}
}
