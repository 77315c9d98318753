package api

import (
	"encoding/xml"
	"net/http"
	"net/url"
	"strings"

	"github.com/voicebridge/voicebridge/internal/call"
)

// twimlResponse is the instruction document returned from the answer
// webhook. The greeting, when present, plays first; the stream then carries
// all further audio for the call.
type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     *twimlSay     `xml:"Say,omitempty"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
}

type twimlSay struct {
	Text string `xml:",chardata"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

// handleTwilioAnswer responds to the answer webhook with TwiML: speak the
// call's greeting, if one was set, then connect the bidirectional media
// stream that carries synthesized audio for the rest of the call.
func (s *Server) handleTwilioAnswer(w http.ResponseWriter, r *http.Request) {
	form, ok := s.verifiedForm(w, r)
	if !ok {
		return
	}

	var greeting string
	if callID, ok := s.manager.LookupByProviderID(form.Get("CallSid")); ok {
		if rec, ok := s.manager.Get(callID); ok {
			greeting = rec.Metadata[call.MetadataGreeting]
		}
	}

	resp := twimlResponse{
		Connect: &twimlConnect{Stream: twimlStream{URL: s.mediaStreamURL()}},
	}
	if greeting != "" {
		resp.Say = &twimlSay{Text: greeting}
	}

	body, err := xml.Marshal(resp)
	if err != nil {
		s.logger.Error("encoding answer twiml failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.Write([]byte(xml.Header))
	w.Write(body)
}

// handleTwilioStatus applies status and speech callbacks to call state.
// Events are processed synchronously in arrival order before the response
// is written, so redeliveries observe the updated dedup set.
func (s *Server) handleTwilioStatus(w http.ResponseWriter, r *http.Request) {
	form, ok := s.verifiedForm(w, r)
	if !ok {
		return
	}

	for _, ev := range s.twilio.ParseWebhook(r, form) {
		s.manager.ProcessEvent(r.Context(), ev)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTwilioMedia serves the per-call media-stream websocket. Blocks for
// the lifetime of the stream.
func (s *Server) handleTwilioMedia(w http.ResponseWriter, r *http.Request) {
	if err := s.streams.HandleWebSocket(w, r); err != nil {
		s.logger.Warn("media stream failed", "error", err)
	}
}

// verifiedForm parses the webhook form body and checks the request
// signature. On failure it writes the error response and returns ok=false.
func (s *Server) verifiedForm(w http.ResponseWriter, r *http.Request) (url.Values, bool) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return nil, false
	}
	if !s.twilio.VerifyWebhook(r, r.PostForm) {
		s.logger.Warn("webhook signature verification failed",
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return nil, false
	}
	return r.PostForm, true
}

// mediaStreamURL derives the websocket URL for media streams from the
// configured public base URL.
func (s *Server) mediaStreamURL() string {
	base := s.cfg.PublicURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/webhooks/twilio/media"
}
