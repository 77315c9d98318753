package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// State tracks relay progress. The aborted flag is orthogonal and
// short-circuits any state.
type State string

const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateStreaming  State = "streaming"
	StateFlushing   State = "flushing"
	StateCompleted  State = "completed"
)

// Relay is one turn's streaming synthesis pipeline. Construction opens the
// transport and sends the begin-of-stream message; text fed before the
// transport is ready is buffered in arrival order and flushed the instant
// it becomes ready, so no token is dropped or reordered.
//
// A relay instance serves exactly one turn. Transport failures are terminal
// for the instance: completion resolves with the error and no reconnect is
// attempted, since a stale connection mid-sentence cannot be resumed
// coherently.
type Relay struct {
	transport Transport
	sink      Sink
	params    StartParams
	logger    *slog.Logger

	mu      sync.Mutex
	state   State
	aborted bool
	flushed bool
	pending []string // text buffered until the transport is ready

	fr framer // receive-goroutine only

	done     chan struct{}
	err      error
	doneOnce sync.Once
}

// New opens a relay: the transport is dialed in the background, and the
// begin-of-stream control message goes out as soon as the connection is up.
// The caller feeds text with FeedText, ends the input with Flush, and waits
// for the audio to drain with Wait.
func New(ctx context.Context, transport Transport, sink Sink, params StartParams, logger *slog.Logger) *Relay {
	r := &Relay{
		transport: transport,
		sink:      sink,
		params:    params,
		logger:    logger.With("subsystem", "audio-relay"),
		state:     StateConnecting,
		done:      make(chan struct{}),
	}
	go r.open(ctx)
	return r
}

// open dials the transport, sends the start message, flushes any text that
// arrived while connecting, then hands off to the receive loop.
func (r *Relay) open(ctx context.Context) {
	if err := r.transport.Open(ctx); err != nil {
		r.logger.Warn("synthesis transport connect failed", "error", err)
		r.complete(err)
		return
	}

	r.mu.Lock()
	if r.aborted {
		// Abort won the race and closed a connection that did not exist
		// yet; tear down the one the dial just established.
		r.mu.Unlock()
		if err := r.transport.Close(); err != nil {
			r.logger.Debug("closing synthesis transport", "error", err)
		}
		return
	}
	if err := r.transport.SendStart(r.params); err != nil {
		r.mu.Unlock()
		r.complete(err)
		return
	}
	r.state = StateReady

	// Drain the pre-ready buffer in arrival order.
	pending := r.pending
	r.pending = nil
	for _, text := range pending {
		if err := r.transport.SendText(text); err != nil {
			r.mu.Unlock()
			r.complete(err)
			return
		}
		r.state = StateStreaming
	}
	if r.flushed {
		if err := r.transport.SendEnd(); err != nil {
			r.mu.Unlock()
			r.complete(err)
			return
		}
		r.state = StateFlushing
	}
	r.mu.Unlock()

	r.receive()
}

// receive pulls synthesized audio off the transport, re-frames it, and
// forwards frames to the media sink until the stream finishes.
func (r *Relay) receive() {
	for {
		msg, err := r.transport.Receive()
		if err != nil {
			r.mu.Lock()
			aborted := r.aborted
			r.mu.Unlock()
			if aborted {
				return
			}
			if errors.Is(err, io.EOF) {
				// Transport closed without a final marker: deliver what is
				// buffered and treat the stream as complete.
				r.drainRemainder()
				r.complete(nil)
				return
			}
			r.logger.Warn("synthesis transport error", "error", err)
			r.drainRemainder()
			r.complete(err)
			return
		}

		for _, frame := range r.fr.push(msg.Audio) {
			if err := r.sink.WriteFrame(frame); err != nil {
				r.logger.Warn("media sink write failed", "error", err)
				r.complete(err)
				return
			}
		}

		if msg.Final {
			r.drainRemainder()
			r.complete(nil)
			return
		}
	}
}

// drainRemainder flushes a trailing partial frame, undersized as it is,
// rather than discarding the tail of the audio.
func (r *Relay) drainRemainder() {
	if rest := r.fr.remainder(); rest != nil {
		if err := r.sink.WriteFrame(rest); err != nil {
			r.logger.Warn("media sink write failed on final frame", "error", err)
		}
	}
}

// FeedText queues incremental text for synthesis. Before the transport is
// ready the text is buffered; afterwards each chunk is sent immediately as
// an independent low-latency generation request. No-op after Flush or Abort.
func (r *Relay) FeedText(text string) {
	if text == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted || r.flushed {
		return
	}
	if r.state == StateConnecting {
		r.pending = append(r.pending, text)
		return
	}
	if err := r.transport.SendText(text); err != nil {
		r.logger.Warn("sending text chunk failed", "error", err)
		r.completeLocked(err)
		return
	}
	r.state = StateStreaming
}

// Flush marks the end of the text producer's stream. If the transport is
// not yet ready the end-of-stream message is deferred until it is, but the
// logical stream is flushed immediately, so repeated Flush calls are no-ops.
func (r *Relay) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted || r.flushed {
		return
	}
	r.flushed = true
	if r.state == StateConnecting {
		return // open() sends the end message once ready
	}
	if err := r.transport.SendEnd(); err != nil {
		r.logger.Warn("sending end of stream failed", "error", err)
		r.completeLocked(err)
		return
	}
	r.state = StateFlushing
}

// Abort short-circuits the relay: buffered-but-unsent text is discarded,
// the transport is closed, the media channel drops queued unplayed audio,
// and completion resolves. Idempotent; FeedText and Flush are no-ops after.
func (r *Relay) Abort() {
	r.mu.Lock()
	if r.aborted {
		r.mu.Unlock()
		return
	}
	r.aborted = true
	r.pending = nil
	r.mu.Unlock()

	if err := r.transport.Close(); err != nil {
		r.logger.Debug("closing synthesis transport", "error", err)
	}
	if err := r.sink.Discard(); err != nil {
		r.logger.Warn("discarding queued media failed", "error", err)
	}
	r.logger.Info("relay aborted")
	r.complete(nil)
}

// Wait blocks until the relay completes (final-signal, error, close, or
// abort) and returns the terminal error, if any. Completion resolves
// exactly once.
func (r *Relay) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) complete(err error) {
	r.mu.Lock()
	r.completeLocked(err)
	r.mu.Unlock()
}

// completeLocked resolves the completion signal once and tears down the
// transport, so the synthesis connection never outlives the turn. Closing
// again after Abort is harmless. Caller holds r.mu.
func (r *Relay) completeLocked(err error) {
	r.doneOnce.Do(func() {
		if cerr := r.transport.Close(); cerr != nil {
			r.logger.Debug("closing synthesis transport", "error", cerr)
		}
		r.err = err
		if !r.aborted {
			r.state = StateCompleted
		}
		close(r.done)
	})
}
