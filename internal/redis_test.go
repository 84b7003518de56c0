package internal

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"
	"golang.org/x/exp/slog"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available at %v: %v", redisAddr, err)
	}

	return rdb
}

func TestRedisPresence(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()

	presence := NewRedisPresence(rdb, "inst-1", 90*time.Second)
	c := NewConnection(ksuid.New().String(), 1)
	c.UserID = "u1"

	if err := presence.Join(ctx, c); err != nil {
		t.Fatal(err)
	}

	if err := presence.Count(ctx, c.ID, StatRecv); err != nil {
		t.Fatal(err)
	}

	if err := presence.Touch(ctx, c.ID); err != nil {
		t.Fatal(err)
	}

	stat, err := presence.Stat(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}

	if stat["inst"] != "inst-1" || stat["user"] != "u1" || stat[StatRecv] != "1" || stat[StatSent] != "0" {
		t.Errorf("stat = %v", stat)
	}

	ttl, err := rdb.TTL(ctx, presenceKey(c.ID)).Result()
	if err != nil {
		t.Fatal(err)
	}

	if ttl <= 0 {
		t.Errorf("ttl = %v, want positive", ttl)
	}

	if err := presence.Leave(ctx, c.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := presence.Stat(ctx, c.ID); err != redis.Nil {
		t.Errorf("err = %v, want redis.Nil", err)
	}
}

func TestRedisBus(t *testing.T) {
	rdb := testRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	prefix := "relay-test-" + ksuid.New().String()

	received := make(chan Event, 4)
	handler := func(ctx context.Context, event Event) { received <- event }

	// two instances on the same channel both see every event
	for i := 0; i < 2; i++ {
		if err := NewRedisBus(rdb, prefix, logger).Subscribe(ctx, handler); err != nil {
			t.Fatal(err)
		}
	}

	event := Event{Type: EventTypeBroadcast, Origin: "a", Room: "r1", Payload: json.RawMessage(`{"type":"message"}`)}
	if err := NewRedisBus(rdb, prefix, logger).Publish(ctx, event); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		select {
		case got := <-received:
			if got.Room != "r1" || got.Origin != "a" || string(got.Payload) != `{"type":"message"}` {
				t.Errorf("event = %+v", got)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("event not delivered")
		}
	}
}
