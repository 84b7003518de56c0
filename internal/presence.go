package internal

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	StatRecv = "recv"
	StatSent = "sent"
)

// Presence records which instance holds a connection, for how long, and how
// much traffic it has seen.
type Presence interface {
	Join(ctx context.Context, c *Connection) error
	Touch(ctx context.Context, id string) error
	Count(ctx context.Context, id, stat string) error
	Stat(ctx context.Context, id string) (map[string]string, error)
	Leave(ctx context.Context, id string) error
}

type NopPresence struct{}

func (NopPresence) Join(context.Context, *Connection) error     { return nil }
func (NopPresence) Touch(context.Context, string) error         { return nil }
func (NopPresence) Count(context.Context, string, string) error { return nil }
func (NopPresence) Leave(context.Context, string) error         { return nil }

func (NopPresence) Stat(context.Context, string) (map[string]string, error) {
	return nil, redis.Nil
}

type RedisPresence struct {
	rdb        *redis.Client
	instanceID string
	ttl        time.Duration
}

func NewRedisPresence(rdb *redis.Client, instanceID string, ttl time.Duration) *RedisPresence {
	return &RedisPresence{rdb: rdb, instanceID: instanceID, ttl: ttl}
}

func presenceKey(id string) string {
	return fmt.Sprintf("ws:%v", id)
}

func (p *RedisPresence) Join(ctx context.Context, c *Connection) error {
	rid := presenceKey(c.ID)
	data := map[string]any{
		"inst":   p.instanceID,
		"user":   c.UserID,
		"join":   strconv.Itoa(int(time.Now().Unix())),
		StatRecv: 0,
		StatSent: 0,
	}

	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, rid, data)
		pipe.Expire(ctx, rid, p.ttl)
		return nil
	})

	return err
}

func (p *RedisPresence) Touch(ctx context.Context, id string) error {
	return p.rdb.Expire(ctx, presenceKey(id), p.ttl).Err()
}

func (p *RedisPresence) Count(ctx context.Context, id, stat string) error {
	return p.rdb.HIncrBy(ctx, presenceKey(id), stat, 1).Err()
}

// Stat returns redis.Nil when the connection is unknown or expired.
func (p *RedisPresence) Stat(ctx context.Context, id string) (map[string]string, error) {
	res, err := p.rdb.HGetAll(ctx, presenceKey(id)).Result()
	if err != nil {
		return nil, err
	}

	if len(res) == 0 {
		return nil, redis.Nil
	}

	return res, nil
}

func (p *RedisPresence) Leave(ctx context.Context, id string) error {
	return p.rdb.Del(ctx, presenceKey(id)).Err()
}
