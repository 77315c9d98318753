package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voicebridge/voicebridge/internal/call"
)

// callView is the JSON shape of a call record.
type callView struct {
	CallID         string                 `json:"call_id"`
	ProviderCallID string                 `json:"provider_call_id,omitempty"`
	Direction      string                 `json:"direction"`
	From           string                 `json:"from"`
	To             string                 `json:"to"`
	State          string                 `json:"state"`
	EndReason      string                 `json:"end_reason,omitempty"`
	StartedAt      time.Time              `json:"started_at"`
	EndedAt        *time.Time             `json:"ended_at,omitempty"`
	Metadata       map[string]string      `json:"metadata,omitempty"`
	Transcript     []call.TranscriptEntry `json:"transcript"`
}

func toCallView(rec *call.Record) callView {
	transcript := rec.Transcript
	if transcript == nil {
		transcript = []call.TranscriptEntry{}
	}
	return callView{
		CallID:         rec.CallID,
		ProviderCallID: rec.ProviderCallID,
		Direction:      string(rec.Direction),
		From:           rec.From,
		To:             rec.To,
		State:          string(rec.State),
		EndReason:      string(rec.EndReason),
		StartedAt:      rec.StartedAt,
		EndedAt:        rec.EndedAt,
		Metadata:       rec.Metadata,
		Transcript:     transcript,
	}
}

// handleInitiateCall places an outbound call.
// POST /api/v1/calls {"to": "+15551234567", "greeting": "...", "session_key": "..."}
func (s *Server) handleInitiateCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To         string `json:"to"`
		Greeting   string `json:"greeting"`
		SessionKey string `json:"session_key"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.To == "" {
		writeError(w, http.StatusBadRequest, "to is required")
		return
	}

	rec, err := s.manager.InitiateCall(r.Context(), req.To, call.PlaceOptions{
		Greeting:   req.Greeting,
		SessionKey: req.SessionKey,
	})
	if err != nil {
		// The failed record still carries the call id for audit.
		writeJSON(w, http.StatusBadGateway, toCallView(rec))
		return
	}
	writeJSON(w, http.StatusCreated, toCallView(rec))
}

// handleListActive returns all non-terminal calls, oldest first.
func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	recs := s.manager.Active()
	views := make([]callView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, toCallView(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleHistory returns recent calls from the durable log, newest first.
// GET /api/v1/calls/history?limit=20
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	recs, err := s.manager.History(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing call history failed")
		return
	}
	views := make([]callView, 0, len(recs))
	for i := range recs {
		views = append(views, toCallView(&recs[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleGetCall returns one active call.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.manager.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	writeJSON(w, http.StatusOK, toCallView(rec))
}

// handleSpeak synthesizes text into the call.
// POST /api/v1/calls/{id}/speak {"text": "..."}
func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	if err := s.manager.Speak(r.Context(), chi.URLParam(r, "id"), req.Text); err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"spoken": req.Text})
}

// handleConverse generates a reply from the transcript and speaks it.
// POST /api/v1/calls/{id}/converse {"prompt": "..."}
func (s *Server) handleConverse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reply, err := s.manager.Respond(r.Context(), chi.URLParam(r, "id"), req.Prompt)
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

// handleContinue speaks the prompt, then blocks until the caller's next
// utterance or the wait times out.
// POST /api/v1/calls/{id}/continue {"prompt": "..."}
func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	text, err := s.manager.ContinueCall(r.Context(), chi.URLParam(r, "id"), req.Prompt)
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"transcript": text})
}

// handleEndCall hangs up a call. Idempotent: ending an already-ended or
// unknown call succeeds.
func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.EndCall(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}
