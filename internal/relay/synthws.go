package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// closeDeadline bounds the close handshake write.
func closeDeadline() time.Time {
	return time.Now().Add(time.Second)
}

// WSConfig configures the websocket synthesis transport.
type WSConfig struct {
	// URL is the synthesis service websocket endpoint.
	URL string
	// APIKey authenticates the connection (sent as a bearer header).
	APIKey string
}

// WSTransport implements Transport over a websocket speech-synthesis
// service. Outbound control messages are JSON; inbound audio arrives as
// base64 chunks with an explicit final marker.
//
// Each transport carries one synthesis context, identified by a fresh
// context id, so the service can discard stragglers from a torn-down turn.
type WSTransport struct {
	cfg       WSConfig
	contextID string

	mu   sync.Mutex // guards conn during Open/Close races
	conn *websocket.Conn
}

// NewWSTransport creates an unopened websocket transport.
func NewWSTransport(cfg WSConfig) *WSTransport {
	return &WSTransport{
		cfg:       cfg,
		contextID: uuid.New().String(),
	}
}

// outMessage is the outbound control/text message format.
type outMessage struct {
	Type      string `json:"type"` // "start", "text", "end"
	ContextID string `json:"context_id"`
	Text      string `json:"text,omitempty"`
	// Continue requests low-latency generation: the service synthesizes
	// each chunk as soon as feasible instead of batching all input.
	Continue bool `json:"continue"`

	Voice        string        `json:"voice,omitempty"`
	OutputFormat *outputFormat `json:"output_format,omitempty"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// inMessage is the inbound message format.
type inMessage struct {
	Type      string `json:"type"` // "chunk", "done", "error"
	ContextID string `json:"context_id,omitempty"`
	Data      string `json:"data,omitempty"` // base64 audio
	Message   string `json:"message,omitempty"`
}

// Open dials the synthesis service.
func (t *WSTransport) Open(ctx context.Context) error {
	header := http.Header{}
	if t.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dialing synthesis service: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dialing synthesis service: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

// SendStart sends the begin-of-stream control message with voice parameters.
func (t *WSTransport) SendStart(p StartParams) error {
	return t.write(outMessage{
		Type:      "start",
		ContextID: t.contextID,
		Continue:  true,
		Voice:     p.Voice,
		OutputFormat: &outputFormat{
			Container:  "raw",
			Encoding:   p.Encoding,
			SampleRate: p.SampleRate,
		},
	})
}

// SendText requests synthesis of one text chunk.
func (t *WSTransport) SendText(text string) error {
	return t.write(outMessage{
		Type:      "text",
		ContextID: t.contextID,
		Text:      text,
		Continue:  true,
	})
}

// SendEnd signals end of the input stream; the service flushes remaining
// audio and answers with a final marker.
func (t *WSTransport) SendEnd() error {
	return t.write(outMessage{
		Type:      "end",
		ContextID: t.contextID,
		Continue:  false,
	})
}

func (t *WSTransport) write(msg outMessage) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("synthesis transport not open")
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("writing %s message: %w", msg.Type, err)
	}
	return nil
}

// Receive blocks for the next inbound message. Returns io.EOF on a normal
// close so the relay can treat it as end of stream.
func (t *WSTransport) Receive() (Message, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return Message{}, errors.New("synthesis transport not open")
	}

	for {
		var in inMessage
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return Message{}, io.EOF
			}
			return Message{}, fmt.Errorf("reading synthesis message: %w", err)
		}

		switch in.Type {
		case "chunk":
			audio, err := base64.StdEncoding.DecodeString(in.Data)
			if err != nil {
				return Message{}, fmt.Errorf("decoding audio chunk: %w", err)
			}
			return Message{Audio: audio}, nil
		case "done":
			return Message{Final: true}, nil
		case "error":
			return Message{}, fmt.Errorf("synthesis service error: %s", in.Message)
		default:
			// Timestamps and other auxiliary messages are ignored.
			continue
		}
	}
}

// Close tears down the connection. Safe before Open and after a prior Close.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	// Best effort: tell the peer we are going away before dropping the TCP
	// connection.
	deadline := closeDeadline()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}
