package provider

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// streamMessage is the wire format of a Twilio Media Streams websocket
// message, both directions.
type streamMessage struct {
	Event     string       `json:"event"` // "start", "media", "stop", "clear"
	StreamSID string       `json:"streamSid,omitempty"`
	Start     *streamStart `json:"start,omitempty"`
	Media     *streamMedia `json:"media,omitempty"`
}

type streamStart struct {
	StreamSID string `json:"streamSid"`
	CallSID   string `json:"callSid"`
}

type streamMedia struct {
	Payload string `json:"payload"` // base64 audio
}

// mediaConn is one live media-stream websocket, keyed by the call it
// belongs to once the start message arrives.
type mediaConn struct {
	ws        *websocket.Conn
	streamSID string

	mu sync.Mutex // serializes writes
}

func (c *mediaConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// MediaStreams tracks the live media websocket for each call and forwards
// outbound audio frames to it. Twilio dials in after answering a call; the
// start message carries the call sid that keys the registry.
type MediaStreams struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*mediaConn // provider call id → connection
}

// NewMediaStreams creates an empty registry.
func NewMediaStreams(logger *slog.Logger) *MediaStreams {
	return &MediaStreams{
		logger: logger.With("subsystem", "media-streams"),
		conns:  make(map[string]*mediaConn),
	}
}

var upgrader = websocket.Upgrader{
	// Twilio's media stream dialer sends no Origin header worth checking.
	CheckOrigin: func(*http.Request) bool { return true },
}

// HandleWebSocket upgrades an incoming media-stream connection and serves
// it until the stream stops. Blocks for the lifetime of the stream; call it
// from the HTTP handler goroutine.
func (m *MediaStreams) HandleWebSocket(w http.ResponseWriter, r *http.Request) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrading media stream: %w", err)
	}
	defer ws.Close()

	conn := &mediaConn{ws: ws}
	var callSID string

	defer func() {
		if callSID != "" {
			m.mu.Lock()
			if m.conns[callSID] == conn {
				delete(m.conns, callSID)
			}
			m.mu.Unlock()
			m.logger.Info("media stream closed", "provider_call_id", callSID)
		}
	}()

	for {
		var msg streamMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading media stream: %w", err)
		}

		switch msg.Event {
		case "start":
			if msg.Start == nil {
				continue
			}
			callSID = msg.Start.CallSID
			conn.streamSID = msg.Start.StreamSID
			m.mu.Lock()
			m.conns[callSID] = conn
			m.mu.Unlock()
			m.logger.Info("media stream started",
				"provider_call_id", callSID,
				"stream_sid", conn.streamSID,
			)
		case "media":
			// Caller audio. Speech recognition runs provider-side; the
			// inbound media here is not consumed.
		case "stop":
			return nil
		}
	}
}

// WriteFrame sends one outbound audio frame to the call's media stream.
func (m *MediaStreams) WriteFrame(providerCallID string, frame []byte) error {
	conn, err := m.get(providerCallID)
	if err != nil {
		return err
	}
	return conn.writeJSON(streamMessage{
		Event:     "media",
		StreamSID: conn.streamSID,
		Media:     &streamMedia{Payload: base64.StdEncoding.EncodeToString(frame)},
	})
}

// Clear tells the media stream to drop any queued, unplayed audio.
func (m *MediaStreams) Clear(providerCallID string) error {
	conn, err := m.get(providerCallID)
	if err != nil {
		return err
	}
	return conn.writeJSON(streamMessage{
		Event:     "clear",
		StreamSID: conn.streamSID,
	})
}

// connected reports whether a media stream is live for the call.
func (m *MediaStreams) connected(providerCallID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[providerCallID]
	return ok
}

func (m *MediaStreams) get(providerCallID string) (*mediaConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[providerCallID]
	if !ok {
		return nil, fmt.Errorf("no media stream for call %q", providerCallID)
	}
	return conn, nil
}
