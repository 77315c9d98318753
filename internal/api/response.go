package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/voicebridge/voicebridge/internal/call"
)

// envelope is the standard API response wrapper.
// All JSON responses use this format: { "data": ..., "error": ... }
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// maxBodySize caps control API request bodies.
const maxBodySize = 64 << 10

// writeJSON writes a JSON response with the given status code and data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}

// decodeJSON reads and decodes a JSON request body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

// writeCallError maps call manager errors to HTTP status codes.
func writeCallError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, call.ErrCallNotFound):
		writeError(w, http.StatusNotFound, "call not found")
	case errors.Is(err, call.ErrNotAnswered):
		writeError(w, http.StatusConflict, "call not answered")
	case errors.Is(err, call.ErrTurnActive):
		writeError(w, http.StatusConflict, "another turn is in progress")
	case errors.Is(err, call.ErrWaitTimeout):
		writeError(w, http.StatusGatewayTimeout, "timed out waiting for caller")
	case errors.Is(err, call.ErrWaiterReplaced):
		writeError(w, http.StatusConflict, "superseded by a newer wait")
	case errors.Is(err, call.ErrCallEnded):
		writeError(w, http.StatusGone, "call has ended")
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}
