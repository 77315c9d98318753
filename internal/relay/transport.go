package relay

import "context"

// StartParams carries the voice/style parameters sent in the begin-of-stream
// control message.
type StartParams struct {
	Voice      string
	Encoding   string // e.g. "pcm_mulaw"
	SampleRate int    // e.g. 8000
}

// Message is one inbound payload from the synthesis transport.
type Message struct {
	// Audio holds decoded audio bytes; may be empty on a pure control
	// message.
	Audio []byte
	// Final marks the last message of the stream.
	Final bool
}

// Transport is a persistent bidirectional speech-synthesis channel.
// Implementations are used by exactly one Relay: one goroutine calls
// Receive in a loop while Send* calls are serialized by the relay, and
// Close may race both (the websocket implementation tolerates that).
type Transport interface {
	// Open establishes the connection. Called once, before any send.
	Open(ctx context.Context) error
	// SendStart sends the begin-of-stream control message with voice
	// parameters.
	SendStart(p StartParams) error
	// SendText requests synthesis of a text chunk in low-latency mode
	// (generation proceeds as soon as feasible, no input batching).
	SendText(text string) error
	// SendEnd sends the end-of-stream control message.
	SendEnd() error
	// Receive blocks for the next inbound message. Returns io.EOF on a
	// clean close.
	Receive() (Message, error)
	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Sink is the media collaborator consuming fixed-size audio frames.
type Sink interface {
	// WriteFrame forwards one frame to the live media channel. Frames are
	// FrameSize bytes except possibly the final one.
	WriteFrame(frame []byte) error
	// Discard drops any queued-but-unplayed audio for the call.
	Discard() error
}
