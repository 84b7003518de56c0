package impl

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"testing"

	"github.com/caddyserver/certmagic"
	"github.com/redis/go-redis/v9"
)

func testStorage(t *testing.T) *storage {
	t.Helper()

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available at %v: %v", redisAddr, err)
	}

	t.Cleanup(func() { _ = rdb.Close() })

	return newStorage(rdb, "relay-test")
}

func TestTLSStorage(t *testing.T) {
	var s certmagic.Storage = testStorage(t)

	ctx := context.Background()
	domain := "example.com"
	key := []byte("key value")

	t.Cleanup(func() { _ = s.Delete(ctx, domain) })

	if err := s.Lock(ctx, domain); err != nil {
		t.Fatalf("failed to lock %v", err)
	}

	if err := s.Unlock(ctx, domain); err != nil {
		t.Fatalf("failed to unlock %v", err)
	}

	if err := s.Unlock(ctx, domain); err == nil {
		t.Error("unlocking twice succeeded")
	}

	if _, err := s.Load(ctx, domain); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("load before store = %v", err)
	}

	if s.Exists(ctx, domain) {
		t.Fatal("exists before store")
	}

	if err := s.Store(ctx, domain, key); err != nil {
		t.Fatalf("failed to store %v", err)
	}

	if !s.Exists(ctx, domain) {
		t.Fatal("stored key does not exist")
	}

	b, err := s.Load(ctx, domain)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(b, key) {
		t.Fatalf("keys not equal")
	}

	info, err := s.Stat(ctx, domain)
	if err != nil {
		t.Fatal(err)
	}

	if info.Size != int64(len(key)) || !info.IsTerminal {
		t.Errorf("stat = %+v", info)
	}

	keys, err := s.List(ctx, "example", true)
	if err != nil {
		t.Fatal(err)
	}

	if len(keys) != 1 || keys[0] != domain {
		t.Errorf("list = %v", keys)
	}

	if err := s.Delete(ctx, domain); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Stat(ctx, domain); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("stat after delete = %v", err)
	}
}
