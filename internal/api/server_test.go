package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/voicebridge/voicebridge/internal/call"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/provider"
)

const (
	testAuthToken  = "twilio-auth-token"
	testAPIToken   = "api-secret"
	testPublicURL  = "https://voice.example.com"
	testCallSID    = "CA-test-1"
	testAnswerPath = "/webhooks/twilio/answer"
	testStatusPath = "/webhooks/twilio/status"
)

// memStore is a minimal in-memory call.Store for wiring a real manager.
type memStore struct {
	history []call.Record
}

func (s *memStore) Load(ctx context.Context) (*call.Snapshot, error) { return &call.Snapshot{}, nil }
func (s *memStore) AppendEvent(ctx context.Context, ev *call.Event) error {
	return nil
}
func (s *memStore) SaveCall(ctx context.Context, rec *call.Record) error {
	for i := range s.history {
		if s.history[i].CallID == rec.CallID {
			s.history[i] = *rec.Clone()
			return nil
		}
	}
	s.history = append(s.history, *rec.Clone())
	return nil
}
func (s *memStore) MarkRejected(ctx context.Context, providerCallID string) error { return nil }
func (s *memStore) History(ctx context.Context, limit int) ([]call.Record, error) {
	if limit > 0 && limit < len(s.history) {
		return s.history[:limit], nil
	}
	return s.history, nil
}

// noopRelay satisfies call.TurnRelay for turns the tests never exercise.
type noopRelay struct{}

func (noopRelay) FeedText(string)                {}
func (noopRelay) Flush()                         {}
func (noopRelay) Abort()                         {}
func (noopRelay) Wait(ctx context.Context) error { return nil }

func newTestServer(t *testing.T) (*Server, *call.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	streams := provider.NewMediaStreams(logger)
	twilio, err := provider.NewTwilio(provider.TwilioConfig{
		AccountSID: "ACxxxx",
		AuthToken:  testAuthToken,
		PublicURL:  testPublicURL,
	}, streams, logger)
	if err != nil {
		t.Fatalf("NewTwilio: %v", err)
	}

	manager, err := call.NewManager(context.Background(), call.Config{
		AllowInbound:          true,
		TranscriptWaitTimeout: time.Second,
	}, call.Deps{
		Store:    &memStore{},
		Provider: twilio,
		NewRelay: func(ctx context.Context, providerCallID string) (call.TurnRelay, error) {
			return noopRelay{}, nil
		},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(manager.Close)

	cfg := &config.Config{
		APIToken:  testAPIToken,
		PublicURL: testPublicURL,
	}
	srv := NewServer(manager, twilio, streams, cfg, logger)
	t.Cleanup(srv.Close)
	return srv, manager
}

// signedWebhook builds a webhook request carrying a valid provider signature.
func signedWebhook(t *testing.T, path string, form url.Values) *http.Request {
	t.Helper()

	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(testPublicURL + path)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(testAuthToken))
	mac.Write([]byte(b.String()))

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	return req
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestControlAPIRequiresToken(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer " + testAPIToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/calls", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			srv.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	srv, _ := newTestServer(t)

	form := url.Values{"CallSid": {testCallSID}, "CallStatus": {"ringing"}}
	req := httptest.NewRequest(http.MethodPost, testStatusPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", "bogus")

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rr.Code)
	}
}

func TestStatusWebhookDrivesCallState(t *testing.T) {
	srv, manager := newTestServer(t)

	form := url.Values{
		"CallSid":    {testCallSID},
		"CallStatus": {"in-progress"},
		"From":       {"+15551110000"},
		"To":         {"+15552220000"},
	}
	req := signedWebhook(t, testStatusPath, form)
	req.Header.Set("I-Twilio-Idempotency-Token", "tok-1")

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}

	callID, ok := manager.LookupByProviderID(testCallSID)
	if !ok {
		t.Fatal("webhook did not register the inbound call")
	}
	rec, _ := manager.Get(callID)
	if rec.State != call.StateAnswered {
		t.Errorf("call state = %s, want answered", rec.State)
	}
}

func TestAnswerWebhookReturnsStreamTwiML(t *testing.T) {
	srv, _ := newTestServer(t)

	form := url.Values{"CallSid": {testCallSID}}
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, signedWebhook(t, testAnswerPath, form))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "<Connect>") {
		t.Errorf("twiml missing Connect: %s", body)
	}
	if !strings.Contains(body, "wss://voice.example.com/webhooks/twilio/media") {
		t.Errorf("twiml missing media stream url: %s", body)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Errorf("content type = %q", ct)
	}
}

func TestGetCallNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/calls/nope", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIToken)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestSpeakOnUnknownCall(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/calls/nope/speak",
		strings.NewReader(`{"text":"hello"}`))
	req.Header.Set("Authorization", "Bearer "+testAPIToken)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestSpeakValidatesBody(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/calls/x/speak",
		strings.NewReader(`{"text":""}`))
	req.Header.Set("Authorization", "Bearer "+testAPIToken)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestEndCallIdempotentOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/calls/never-existed", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIToken)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for idempotent end", rr.Code)
	}
}

func TestListActiveEnvelope(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/calls", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIToken)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	var env struct {
		Data  []callView `json:"data"`
		Error string     `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	if env.Error != "" {
		t.Errorf("error = %q", env.Error)
	}
	if env.Data == nil {
		t.Error("data is null, want empty array")
	}
}
