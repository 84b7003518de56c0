package internal

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

const maxEmitBytes = 1 << 20

type EmitRequest struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EmitHandler lets the application backend push an event into a room, for
// example a new message saved through the REST API or a friend request.
func EmitHandler(relay *Relay, verifier RequestVerifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomID")
		if id := verifier(r, ScopeEmit); id == "" || id != roomID {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		b, err := io.ReadAll(io.LimitReader(r.Body, maxEmitBytes))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		req := EmitRequest{}
		if err := json.Unmarshal(b, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if strings.TrimSpace(string(req.Type)) == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if err := relay.Emit(r.Context(), roomID, req.Type, req.Payload); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

func DropHandler(relay *Relay, verifier RequestVerifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connectionID := chi.URLParam(r, "connectionID")
		if id := verifier(r, ScopeDrop); id == "" || id != connectionID {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		if err := relay.Drop(r.Context(), connectionID); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

func StatHandler(presence Presence, verifier RequestVerifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connectionID := chi.URLParam(r, "connectionID")
		if id := verifier(r, ScopeStat); id == "" || id != connectionID {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		stat, err := presence.Stat(r.Context(), connectionID)
		if err == redis.Nil {
			w.WriteHeader(http.StatusNotFound)
			return
		} else if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(stat)
	}
}
