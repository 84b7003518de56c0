package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/segmentio/ksuid"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"nhooyr.io/websocket"
)

type ConnOptions struct {
	OriginPatterns  []string
	OutboxSize      int
	PingInterval    time.Duration
	FramesPerSecond float64
	FrameBurst      int
	MaxFrameBytes   int64
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.OutboxSize <= 0 {
		o.OutboxSize = 64
	}

	if o.PingInterval <= 0 {
		o.PingInterval = 45 * time.Second
	}

	if o.FramesPerSecond <= 0 {
		o.FramesPerSecond = 20
	}

	if o.FrameBurst <= 0 {
		o.FrameBurst = 40
	}

	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 64 << 10
	}

	return o
}

var errRelayClosed = errors.New("closed by relay")

func JoinRoute(
	relay *Relay,
	presence Presence,
	authn Authenticator,
	logger *slog.Logger,
	opts ConnOptions,
) http.HandlerFunc {
	opts = opts.withDefaults()

	return func(w http.ResponseWriter, r *http.Request) {
		kid, err := ksuid.NewRandom()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		id := kid.String()
		log := logger.With(slog.String("id", id))
		token := TokenFromRequest(r)

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			log.Debug("upgrade failed", slog.Any("err", err))
			return
		}

		//goland:noinspection GoUnhandledErrorResult
		defer conn.Close(websocket.StatusInternalError, "")

		conn.SetReadLimit(opts.MaxFrameBytes)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		c := NewConnection(id, opts.OutboxSize)

		userID, err := authn.Authenticate(ctx, token)
		if err != nil {
			relay.metrics.Handshakes.WithLabelValues("rejected").Inc()
			log.Info("handshake rejected", slog.Any("err", err))

			reason := ErrInvalidToken.Error()
			if errors.Is(err, ErrMissingToken) {
				reason = ErrMissingToken.Error()
			}

			c.Close(err)
			_ = conn.Write(ctx, websocket.MessageText, errorFrame(reason))
			_ = conn.Close(websocket.StatusPolicyViolation, "unauthorized")
			return
		}

		relay.metrics.Handshakes.WithLabelValues("accepted").Inc()
		c.UserID = userID
		log = log.With(slog.String("user", userID))

		defer relay.Release(c)

		if err := relay.Admit(c); err != nil {
			log.Error("failed to admit", slog.Any("err", err))
			return
		}

		if err := presence.Join(ctx, c); err != nil {
			log.Error("failed to record presence", slog.Any("err", err))
		}

		defer func() {
			if err := presence.Leave(context.Background(), id); err != nil {
				log.Error("failed to cleanup", slog.Any("err", err))
			}
		}()

		log.Info("joined")

		eg, ctx := errgroup.WithContext(ctx)
		eg.Go(func() error { return readLoop(ctx, conn, c, relay, presence, log, opts) })
		eg.Go(func() error { return writeLoop(ctx, conn, c, presence, log) })
		eg.Go(func() error { return pingLoop(ctx, conn, c, presence, log, opts.PingInterval) })

		err = eg.Wait()
		log.Info("left", slog.Any("reason", err))
	}
}

func readLoop(
	ctx context.Context,
	conn *websocket.Conn,
	c *Connection,
	relay *Relay,
	presence Presence,
	log *slog.Logger,
	opts ConnOptions,
) error {
	limiter := rate.NewLimiter(rate.Limit(opts.FramesPerSecond), opts.FrameBurst)

	for {
		_, b, err := conn.Read(ctx)
		if err != nil {
			c.Close(nil)
			return err
		}

		if err := presence.Count(ctx, c.ID, StatRecv); err != nil {
			log.Error("failed to update received messages stats", slog.Any("err", err))
		}

		if !limiter.Allow() {
			relay.reject(c, "rate limit exceeded")
			continue
		}

		relay.Handle(ctx, c, b)
	}
}

// writeLoop is the only writer on conn, close frames included.
func writeLoop(ctx context.Context, conn *websocket.Conn, c *Connection, presence Presence, log *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.Done():
			err := c.Err()
			switch {
			case errors.Is(err, ErrSlowConsumer):
				_ = conn.Close(websocket.StatusTryAgainLater, "slow consumer")
			case errors.Is(err, ErrDropped):
				_ = conn.Close(websocket.StatusNormalClosure, "dropped")
			case err == nil:
				return errRelayClosed
			default:
				_ = conn.Close(websocket.StatusInternalError, "")
			}

			return err
		case b := <-c.Outbox():
			if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
				c.Close(err)
				return fmt.Errorf("write: %w", err)
			}

			if err := presence.Count(ctx, c.ID, StatSent); err != nil {
				log.Error("failed to update sent messages stats", slog.Any("err", err))
			}
		}
	}
}

func pingLoop(
	ctx context.Context,
	conn *websocket.Conn,
	c *Connection,
	presence Presence,
	log *slog.Logger,
	interval time.Duration,
) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				c.Close(err)
				return fmt.Errorf("ping: %w", err)
			}

			if err := presence.Touch(ctx, c.ID); err != nil {
				log.Error("failed extend exp", slog.Any("err", err))
			}
		}
	}
}
