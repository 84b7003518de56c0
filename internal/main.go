package internal

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/slog"
)

type Options struct {
	InstanceID    string
	Bus           Bus
	Presence      Presence
	Authenticator Authenticator

	// EmitterKey verifies signed backend requests. When nil it is fetched from
	// EmitterURL; with neither the backend routes are not mounted.
	EmitterKey ed25519.PublicKey
	EmitterURL string

	Metrics *prometheus.Registry
	Conn    ConnOptions
}

func Main(ctx context.Context, logger *slog.Logger, opts Options) (chi.Router, error) {
	if opts.Bus == nil {
		return nil, errors.New("bus is required")
	}

	if opts.Authenticator == nil {
		return nil, errors.New("authenticator is required")
	}

	if opts.Presence == nil {
		opts.Presence = NopPresence{}
	}

	if opts.Metrics == nil {
		opts.Metrics = prometheus.NewRegistry()
	}

	emitterKey := opts.EmitterKey
	if emitterKey == nil && opts.EmitterURL != "" {
		b, err := Get(fmt.Sprintf("%v/.well-known/public.txt", strings.TrimRight(opts.EmitterURL, "/")))
		if err != nil {
			return nil, err
		}

		logger.Debug("emitter public key", slog.String("public-key", string(b)))

		if emitterKey, err = ParsePublicKey(bytes.TrimSpace(b)); err != nil {
			return nil, err
		}
	}

	relay := NewRelay(opts.InstanceID, NewRegistry(), opts.Bus, logger, NewMetrics(opts.Metrics))
	if err := opts.Bus.Subscribe(ctx, relay.Deliver); err != nil {
		return nil, err
	}

	join := JoinRoute(relay, opts.Presence, opts.Authenticator, logger, opts.Conn)

	router := chi.NewRouter()
	router.Use(mid(opts.InstanceID))
	router.Get("/health", health())
	router.Handle("/metrics", promhttp.HandlerFor(opts.Metrics, promhttp.HandlerOpts{}))
	router.Get("/", join)
	router.Get("/ws", join)

	if emitterKey != nil {
		verifier := NewRequestVerifier(emitterKey)
		router.Post("/rooms/{roomID}/events", EmitHandler(relay, verifier))
		router.Get("/connections/{connectionID}", StatHandler(opts.Presence, verifier))
		router.Delete("/connections/{connectionID}", DropHandler(relay, verifier))
	} else {
		logger.Warn("no emitter key configured, backend routes disabled")
	}

	return router, nil
}

func Get(url string) ([]byte, error) {
	client := http.Client{Timeout: 30 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}

	//goland:noinspection GoUnhandledErrorResult
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %v: unexpected status %v", url, resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

func health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}
}

func mid(instanceID string) func(http.Handler) http.Handler {
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", "manualpilot")
			w.Header().Set("Instance-ID", instanceID)
			handler.ServeHTTP(w, r)
		})
	}
}
