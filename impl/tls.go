package impl

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io/fs"
	"strconv"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/caddyserver/certmagic"
	"github.com/libdns/porkbun"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-envconfig"
)

// storage keeps certmagic's certificates and locks in redis so that every
// relay instance behind the same domain shares one set of certificates.
type storage struct {
	rdb    *redis.Client
	locker *redislock.Client
	locks  sync.Map
	prefix string
}

func newStorage(rdb *redis.Client, prefix string) *storage {
	return &storage{
		rdb:    rdb,
		locker: redislock.New(rdb),
		prefix: prefix,
	}
}

func (s *storage) key(name string) string {
	return fmt.Sprintf("%v:tls:%v", s.prefix, name)
}

func (s *storage) Lock(ctx context.Context, name string) error {
	opts := &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(1 * time.Second),
	}

	lock, err := s.locker.Obtain(ctx, s.key("lock:"+name), 1*time.Minute, opts)
	if err != nil {
		return err
	}

	s.locks.Store(name, lock)
	return nil
}

func (s *storage) Unlock(ctx context.Context, name string) error {
	lock, ok := s.locks.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("no lock for %v", name)
	}

	return lock.(*redislock.Lock).Release(ctx)
}

func (s *storage) Store(ctx context.Context, key string, value []byte) error {
	hashmap := map[string]any{
		"modified": time.Now().Unix(),
		"data":     base64.RawURLEncoding.EncodeToString(value),
		"size":     len(value),
	}

	return s.rdb.HSet(ctx, s.key(key), hashmap).Err()
}

func (s *storage) Load(ctx context.Context, key string) ([]byte, error) {
	res, err := s.rdb.HGet(ctx, s.key(key), "data").Result()
	if err == redis.Nil {
		return nil, fs.ErrNotExist
	} else if err != nil {
		return nil, err
	}

	return base64.RawURLEncoding.DecodeString(res)
}

func (s *storage) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.key(key)).Err()
}

func (s *storage) Exists(ctx context.Context, key string) bool {
	res, err := s.rdb.Exists(ctx, s.key(key)).Result()
	return err == nil && res > 0
}

// List returns keys without the storage prefix, as certmagic expects.
func (s *storage) List(ctx context.Context, prefix string, recursive bool) ([]string, error) {
	pattern := s.key(prefix)
	if recursive {
		pattern = fmt.Sprintf("%v*", pattern)
	}

	keys, err := s.rdb.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, err
	}

	trim := len(s.key(""))
	for i, k := range keys {
		keys[i] = k[trim:]
	}

	return keys, nil
}

func (s *storage) Stat(ctx context.Context, key string) (certmagic.KeyInfo, error) {
	info := certmagic.KeyInfo{}

	res, err := s.rdb.HMGet(ctx, s.key(key), "modified", "size").Result()
	if err != nil {
		return info, err
	}

	// HMGet reports missing hashes as nil fields, not redis.Nil
	if len(res) != 2 || res[0] == nil || res[1] == nil {
		return info, fs.ErrNotExist
	}

	modified, err := strconv.Atoi(res[0].(string))
	if err != nil {
		return info, err
	}

	size, err := strconv.Atoi(res[1].(string))
	if err != nil {
		return info, err
	}

	info.Key = key
	info.Modified = time.Unix(int64(modified), 0)
	info.Size = int64(size)
	info.IsTerminal = true

	return info, nil
}

type EnvTLS struct {
	PorkbunAPIKey    string `env:"PORKBUN_API_KEY,required"`
	PorkbunAPISecret string `env:"PORKBUN_API_SECRET,required"`
	KeyPrefix        string `env:"TLS_KEY_PREFIX,default=relay"`
}

// TLSConfig obtains certificates for domain through the porkbun DNS-01
// challenge, sharing them between instances through rdb.
func TLSConfig(ctx context.Context, domain string, rdb *redis.Client) (*tls.Config, error) {
	env := EnvTLS{}
	if err := envconfig.Process(ctx, &env); err != nil {
		return nil, err
	}

	certmagic.DefaultACME.DNS01Solver = &certmagic.DNS01Solver{
		DNSProvider: &porkbun.Provider{
			APIKey:       env.PorkbunAPIKey,
			APISecretKey: env.PorkbunAPISecret,
		},
	}

	certmagic.Default.Storage = newStorage(rdb, env.KeyPrefix)

	return certmagic.TLS([]string{domain})
}
