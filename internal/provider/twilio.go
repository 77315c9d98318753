// Package provider implements the telephony provider capability interface
// consumed by the call manager, along with webhook verification and the
// translation of provider notifications into normalized events.
package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voicebridge/voicebridge/internal/call"
)

// TwilioConfig holds credentials and addressing for the Twilio adapter.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	// PublicURL is the externally reachable base URL for webhooks, e.g.
	// "https://voice.example.com".
	PublicURL string
}

// Twilio implements call.Provider against the Twilio Voice REST API, with
// live audio delivered over a media-stream websocket per call.
//
// Twilio speaks its own answer-time greeting via the TwiML returned from
// the answer webhook, so the programmatic-greeting capability is off.
type Twilio struct {
	cfg     TwilioConfig
	baseURL string
	client  *http.Client
	streams *MediaStreams
	logger  *slog.Logger
}

// NewTwilio creates the Twilio adapter.
func NewTwilio(cfg TwilioConfig, streams *MediaStreams, logger *slog.Logger) (*Twilio, error) {
	if cfg.AccountSID == "" {
		return nil, fmt.Errorf("twilio: account SID is required")
	}
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("twilio: auth token is required")
	}
	return &Twilio{
		cfg:     cfg,
		baseURL: fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s", cfg.AccountSID),
		client:  &http.Client{Timeout: 30 * time.Second},
		streams: streams,
		logger:  logger.With("subsystem", "twilio"),
	}, nil
}

// Name returns the provider identifier.
func (t *Twilio) Name() string { return "twilio" }

// SupportsProgrammaticGreeting reports false: Twilio plays the greeting
// from the answer TwiML itself, and speaking another one over the media
// stream would double up.
func (t *Twilio) SupportsProgrammaticGreeting() bool { return false }

// Place dials an outbound call. Status transitions arrive later on the
// status webhook.
func (t *Twilio) Place(ctx context.Context, to, from string) (string, error) {
	answerURL := t.cfg.PublicURL + "/webhooks/twilio/answer"
	statusURL := t.cfg.PublicURL + "/webhooks/twilio/status"

	params := url.Values{
		"To":                  {to},
		"From":                {from},
		"Url":                 {answerURL},
		"StatusCallback":      {statusURL},
		"StatusCallbackEvent": {"initiated", "ringing", "answered", "completed"},
		"Timeout":             {"30"},
	}

	body, err := t.apiRequest(ctx, "/Calls.json", params)
	if err != nil {
		return "", fmt.Errorf("twilio: placing call: %w", err)
	}

	var result struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("twilio: parsing place response: %w", err)
	}
	if result.SID == "" {
		return "", fmt.Errorf("twilio: place response missing call sid")
	}
	return result.SID, nil
}

// Hangup ends a call. A 404 means the call is already gone, which is fine.
func (t *Twilio) Hangup(ctx context.Context, providerCallID string) error {
	params := url.Values{"Status": {"completed"}}
	_, err := t.apiRequest(ctx, fmt.Sprintf("/Calls/%s.json", providerCallID), params)
	if err != nil && !strings.Contains(err.Error(), "status 404") {
		return fmt.Errorf("twilio: hanging up call: %w", err)
	}
	return nil
}

// SendMedia forwards one audio frame to the call's media-stream websocket.
func (t *Twilio) SendMedia(providerCallID string, frame []byte) error {
	return t.streams.WriteFrame(providerCallID, frame)
}

// DiscardMedia tells the media stream to drop queued, unplayed audio.
func (t *Twilio) DiscardMedia(providerCallID string) error {
	return t.streams.Clear(providerCallID)
}

// apiRequest performs a form-encoded POST against the Twilio REST API.
func (t *Twilio) apiRequest(ctx context.Context, path string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// VerifyWebhook checks the X-Twilio-Signature header: base64 HMAC-SHA1 of
// the full request URL concatenated with the sorted POST parameters.
func (t *Twilio) VerifyWebhook(r *http.Request, form url.Values) bool {
	sig := r.Header.Get("X-Twilio-Signature")
	if sig == "" {
		return false
	}

	fullURL := t.cfg.PublicURL + r.URL.RequestURI()

	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(t.cfg.AuthToken))
	mac.Write([]byte(b.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(sig))
}

// ParseWebhook translates a Twilio status/gather callback into normalized
// events. The event id comes from Twilio's idempotency token, which is
// unique per delivery attempt, so redeliveries dedup cleanly; requests
// without one get a fresh id and rely on the status transition no-ops.
func (t *Twilio) ParseWebhook(r *http.Request, form url.Values) []*call.Event {
	callSID := form.Get("CallSid")
	if callSID == "" {
		return nil
	}

	eventID := r.Header.Get("I-Twilio-Idempotency-Token")
	if eventID == "" {
		eventID = uuid.New().String()
	}
	now := time.Now()

	var events []*call.Event

	if status := form.Get("CallStatus"); status != "" {
		if ev := statusEvent(status, form); ev != nil {
			ev.EventID = eventID
			ev.ProviderCallID = callSID
			ev.Timestamp = now
			events = append(events, ev)
		}
	}

	if speech := form.Get("SpeechResult"); speech != "" {
		events = append(events, &call.Event{
			EventID:        eventID + ":speech",
			ProviderCallID: callSID,
			Kind:           call.EventTranscript,
			Timestamp:      now,
			Payload: map[string]string{
				call.PayloadText:  speech,
				call.PayloadFinal: "true",
			},
		})
	}

	return events
}

// statusEvent maps a Twilio CallStatus to a normalized event, or nil for
// statuses that carry no transition.
func statusEvent(status string, form url.Values) *call.Event {
	payload := map[string]string{
		call.PayloadFrom: form.Get("From"),
		call.PayloadTo:   form.Get("To"),
	}
	switch status {
	case "ringing", "queued", "initiated":
		return &call.Event{Kind: call.EventRinging, Payload: payload}
	case "in-progress", "answered":
		return &call.Event{Kind: call.EventAnswered, Payload: payload}
	case "completed", "busy", "no-answer", "canceled":
		payload[call.PayloadReason] = string(call.EndReasonCallerHangup)
		return &call.Event{Kind: call.EventEnded, Payload: payload}
	case "failed":
		payload[call.PayloadReason] = string(call.EndReasonProviderError)
		return &call.Event{Kind: call.EventEnded, Payload: payload}
	default:
		return nil
	}
}
