package provider

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/voicebridge/voicebridge/internal/call"
)

func testTwilio(t *testing.T) *Twilio {
	t.Helper()
	tw, err := NewTwilio(TwilioConfig{
		AccountSID: "ACxxxx",
		AuthToken:  "secret-token",
		PublicURL:  "https://voice.example.com",
	}, NewMediaStreams(slog.New(slog.NewTextHandler(io.Discard, nil))), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewTwilio: %v", err)
	}
	return tw
}

// sign computes the expected webhook signature the way the provider does:
// HMAC-SHA1 over the full URL plus the sorted form parameters.
func sign(authToken, fullURL string, form url.Values) string {
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
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func webhookRequest(t *testing.T, path string, form url.Values, sig string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "https://voice.example.com"+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if sig != "" {
		req.Header.Set("X-Twilio-Signature", sig)
	}
	return req
}

func TestVerifyWebhook(t *testing.T) {
	tw := testTwilio(t)
	form := url.Values{
		"CallSid":    {"CA123"},
		"CallStatus": {"ringing"},
		"From":       {"+15551110000"},
	}
	goodSig := sign("secret-token", "https://voice.example.com/webhooks/twilio/status", form)

	tests := []struct {
		name string
		sig  string
		want bool
	}{
		{"valid signature", goodSig, true},
		{"missing signature", "", false},
		{"wrong signature", sign("other-token", "https://voice.example.com/webhooks/twilio/status", form), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := webhookRequest(t, "/webhooks/twilio/status", form, tt.sig)
			if got := tw.VerifyWebhook(req, form); got != tt.want {
				t.Errorf("VerifyWebhook() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVerifyWebhookParamTampering(t *testing.T) {
	tw := testTwilio(t)
	form := url.Values{"CallSid": {"CA123"}, "CallStatus": {"completed"}}
	sig := sign("secret-token", "https://voice.example.com/webhooks/twilio/status", form)

	tampered := url.Values{"CallSid": {"CA999"}, "CallStatus": {"completed"}}
	req := webhookRequest(t, "/webhooks/twilio/status", tampered, sig)
	if tw.VerifyWebhook(req, tampered) {
		t.Error("signature accepted after parameter tampering")
	}
}

func TestParseWebhookStatusMapping(t *testing.T) {
	tw := testTwilio(t)

	tests := []struct {
		status     string
		wantKind   call.EventKind
		wantReason call.EndReason
	}{
		{"queued", call.EventRinging, ""},
		{"ringing", call.EventRinging, ""},
		{"in-progress", call.EventAnswered, ""},
		{"completed", call.EventEnded, call.EndReasonCallerHangup},
		{"busy", call.EventEnded, call.EndReasonCallerHangup},
		{"no-answer", call.EventEnded, call.EndReasonCallerHangup},
		{"failed", call.EventEnded, call.EndReasonProviderError},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			form := url.Values{
				"CallSid":    {"CA123"},
				"CallStatus": {tt.status},
				"From":       {"+15551110000"},
				"To":         {"+15552220000"},
			}
			req := webhookRequest(t, "/webhooks/twilio/status", form, "")
			req.Header.Set("I-Twilio-Idempotency-Token", "tok-1")

			events := tw.ParseWebhook(req, form)
			if len(events) != 1 {
				t.Fatalf("events = %d, want 1", len(events))
			}
			ev := events[0]
			if ev.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", ev.Kind, tt.wantKind)
			}
			if ev.EventID != "tok-1" {
				t.Errorf("EventID = %q, want the idempotency token", ev.EventID)
			}
			if ev.ProviderCallID != "CA123" {
				t.Errorf("ProviderCallID = %q", ev.ProviderCallID)
			}
			if tt.wantReason != "" && ev.Payload[call.PayloadReason] != string(tt.wantReason) {
				t.Errorf("reason = %q, want %q", ev.Payload[call.PayloadReason], tt.wantReason)
			}
			if ev.Payload[call.PayloadFrom] != "+15551110000" {
				t.Errorf("from = %q", ev.Payload[call.PayloadFrom])
			}
		})
	}
}

func TestParseWebhookSpeechResult(t *testing.T) {
	tw := testTwilio(t)
	form := url.Values{
		"CallSid":      {"CA123"},
		"SpeechResult": {"I would like to book a table"},
	}
	req := webhookRequest(t, "/webhooks/twilio/status", form, "")
	req.Header.Set("I-Twilio-Idempotency-Token", "tok-9")

	events := tw.ParseWebhook(req, form)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Kind != call.EventTranscript {
		t.Errorf("Kind = %s, want transcript", ev.Kind)
	}
	if ev.EventID != "tok-9:speech" {
		t.Errorf("EventID = %q, want suffixed token", ev.EventID)
	}
	if ev.Payload[call.PayloadText] != "I would like to book a table" {
		t.Errorf("text = %q", ev.Payload[call.PayloadText])
	}
	if ev.Payload[call.PayloadFinal] != "true" {
		t.Error("speech result not marked final")
	}
}

func TestParseWebhookStatusAndSpeechTogether(t *testing.T) {
	tw := testTwilio(t)
	form := url.Values{
		"CallSid":      {"CA123"},
		"CallStatus":   {"in-progress"},
		"SpeechResult": {"hello"},
	}
	req := webhookRequest(t, "/webhooks/twilio/status", form, "")
	req.Header.Set("I-Twilio-Idempotency-Token", "tok-2")

	events := tw.ParseWebhook(req, form)
	if len(events) != 2 {
		t.Fatalf("events = %d, want status + transcript", len(events))
	}
	if events[0].EventID == events[1].EventID {
		t.Error("status and transcript events share an event id")
	}
}

func TestParseWebhookMissingCallSid(t *testing.T) {
	tw := testTwilio(t)
	form := url.Values{"CallStatus": {"completed"}}
	req := webhookRequest(t, "/webhooks/twilio/status", form, "")
	if events := tw.ParseWebhook(req, form); events != nil {
		t.Errorf("events = %v, want nil without a call sid", events)
	}
}

func TestParseWebhookGeneratesEventIDWithoutToken(t *testing.T) {
	tw := testTwilio(t)
	form := url.Values{"CallSid": {"CA123"}, "CallStatus": {"ringing"}}
	req := webhookRequest(t, "/webhooks/twilio/status", form, "")

	events := tw.ParseWebhook(req, form)
	if len(events) != 1 || events[0].EventID == "" {
		t.Fatalf("expected a generated event id, got %+v", events)
	}
}
