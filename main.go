package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/exp/slog"

	"manualpilot/relay/impl"
	"manualpilot/relay/internal"
)

type Env struct {
	Port              int           `env:"PORT,default=8080"`
	InstanceID        string        `env:"INSTANCE_ID"`
	ServiceDomain     string        `env:"SERVICE_DOMAIN"`
	OriginPatterns    []string      `env:"ORIGIN_PATTERNS"`
	Bus               string        `env:"BUS,default=local"`
	BusPrefix         string        `env:"BUS_PREFIX,default=relay"`
	RedisURL          string        `env:"REDIS_URL"`
	NatsURL           string        `env:"NATS_URL,default=nats://127.0.0.1:4222"`
	AccessTokenSecret string        `env:"ACCESS_TOKEN_SECRET,required"`
	EmitterPublicKey  string        `env:"EMITTER_PUBLIC_KEY"`
	EmitterURL        string        `env:"EMITTER_URL"`
	PresenceTTL       time.Duration `env:"PRESENCE_TTL,default=2m"`
	PingInterval      time.Duration `env:"PING_INTERVAL,default=45s"`
	OutboxSize        int           `env:"OUTBOX_SIZE,default=64"`
	FramesPerSecond   float64       `env:"FRAMES_PER_SECOND,default=20"`
	FrameBurst        int           `env:"FRAME_BURST,default=40"`
	MaxFrameBytes     int64         `env:"MAX_FRAME_BYTES,default=65536"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

func newBus(env Env, rdb *redis.Client, logger *slog.Logger) (internal.Bus, error) {
	switch env.Bus {
	case "local":
		return internal.NewLocalBus(), nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis bus requires REDIS_URL")
		}

		return internal.NewRedisBus(rdb, env.BusPrefix, logger), nil
	case "nats":
		nc, err := nats.Connect(env.NatsURL, nats.Name(env.InstanceID))
		if err != nil {
			return nil, err
		}

		return internal.NewNatsBus(nc, env.BusPrefix, logger), nil
	default:
		return nil, fmt.Errorf("unknown bus %q", env.Bus)
	}
}

func doMain(logger *slog.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Error("failed to load .env", slog.Any("err", err))
		return 1
	}

	env := Env{}
	if err := envconfig.Process(ctx, &env); err != nil {
		logger.Error("failed to read environment", slog.Any("err", err))
		return 1
	}

	if env.InstanceID == "" {
		env.InstanceID = ksuid.New().String()
	}

	logger = logger.With(slog.String("instance", env.InstanceID))

	var rdb *redis.Client
	if env.RedisURL != "" {
		rOpts, err := redis.ParseURL(env.RedisURL)
		if err != nil {
			logger.Error("invalid redis url", slog.Any("err", err))
			return 1
		}

		rdb = redis.NewClient(rOpts)
		if err := rdb.Info(ctx).Err(); err != nil {
			logger.Error("failed to reach redis", slog.Any("err", err))
			return 1
		}
	}

	bus, err := newBus(env, rdb, logger)
	if err != nil {
		logger.Error("failed to create bus", slog.Any("err", err))
		return 1
	}

	var presence internal.Presence = internal.NopPresence{}
	if rdb != nil {
		presence = internal.NewRedisPresence(rdb, env.InstanceID, env.PresenceTTL)
	}

	var emitterKey ed25519.PublicKey
	if env.EmitterPublicKey != "" {
		if emitterKey, err = internal.ParsePublicKey([]byte(env.EmitterPublicKey)); err != nil {
			logger.Error("invalid emitter public key", slog.Any("err", err))
			return 1
		}
	}

	router, err := internal.Main(ctx, logger, internal.Options{
		InstanceID:    env.InstanceID,
		Bus:           bus,
		Presence:      presence,
		Authenticator: internal.NewTokenAuthenticator([]byte(env.AccessTokenSecret)),
		EmitterKey:    emitterKey,
		EmitterURL:    env.EmitterURL,
		Conn: internal.ConnOptions{
			OriginPatterns:  env.OriginPatterns,
			OutboxSize:      env.OutboxSize,
			PingInterval:    env.PingInterval,
			FramesPerSecond: env.FramesPerSecond,
			FrameBurst:      env.FrameBurst,
			MaxFrameBytes:   env.MaxFrameBytes,
		},
	})
	if err != nil {
		logger.Error("failed to start", slog.Any("err", err))
		return 1
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%v", env.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if env.ServiceDomain != "" && rdb != nil {
		if server.TLSConfig, err = impl.TLSConfig(ctx, env.ServiceDomain, rdb); err != nil {
			logger.Error("failed to configure tls", slog.Any("err", err))
			return 1
		}
	}

	ec := make(chan error, 1)
	go func() {
		logger.Debug("starting...", slog.String("address", server.Addr), slog.String("bus", env.Bus))

		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			ec <- err
		}
	}()

	operations := map[string]gfshutdown.Operation{
		"http": func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
		"bus": func(ctx context.Context) error {
			cancel()
			return bus.Close()
		},
	}

	if rdb != nil {
		operations["redis"] = func(ctx context.Context) error {
			return rdb.Close()
		}
	}

	wait := gfshutdown.GracefulShutdown(context.Background(), env.ShutdownTimeout, operations)

	select {
	case code := <-wait:
		logger.Warn("shut down", slog.Int("code", code))
		return code
	case err := <-ec:
		logger.Error("failed to start http server", slog.Any("err", err))
		return 1
	}
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{AddSource: true, Level: slog.LevelDebug}))
	os.Exit(doMain(logger))
}
