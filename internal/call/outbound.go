package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// InitiateCall allocates a new call record and asks the provider to place
// the call. It returns as soon as the provider accepts the request; answer
// progress arrives later as normalized events. On provider failure the
// record is retained in the failed state for audit and the error returned.
func (m *Manager) InitiateCall(ctx context.Context, to string, opts PlaceOptions) (*Record, error) {
	from := m.cfg.DefaultFrom
	rec := &Record{
		CallID:    uuid.New().String(),
		Direction: DirectionOutbound,
		From:      from,
		To:        to,
		State:     StateInitiated,
		StartedAt: m.now(),
	}
	if opts.Greeting != "" || opts.SessionKey != "" {
		rec.Metadata = map[string]string{}
		if opts.Greeting != "" {
			rec.Metadata[MetadataGreeting] = opts.Greeting
		}
		if opts.SessionKey != "" {
			rec.Metadata["session_key"] = opts.SessionKey
		}
	}

	m.mu.Lock()
	m.active[rec.CallID] = rec
	m.saveLocked(ctx, rec)
	m.mu.Unlock()

	m.logger.Info("placing outbound call", "call_id", rec.CallID, "to", to)
	providerCallID, err := m.provider.Place(ctx, to, from)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		rec.State = StateFailed
		rec.EndReason = EndReasonProviderError
		t := m.now()
		rec.EndedAt = &t
		delete(m.active, rec.CallID)
		m.saveLocked(ctx, rec)
		m.logger.Warn("placing call failed", "call_id", rec.CallID, "error", err)
		return rec.Clone(), fmt.Errorf("placing call: %w", err)
	}

	// ProviderCallID is assigned exactly once, here.
	rec.ProviderCallID = providerCallID
	m.byProviderID[providerCallID] = rec.CallID
	m.saveLocked(ctx, rec)
	return rec.Clone(), nil
}

// Speak synthesizes text and streams it to the call's media channel,
// returning once playback audio has been fully handed off or the relay
// failed. Only one turn may be active per call: a concurrent Speak on the
// same call is rejected with ErrTurnActive, not queued.
func (m *Manager) Speak(ctx context.Context, callID, text string) error {
	return m.speakTurn(ctx, callID, func(r TurnRelay) (string, error) {
		r.FeedText(text)
		return text, nil
	})
}

// Respond generates a reply from the call transcript and the given prompt,
// streaming partial text into synthesis as the generator produces it.
// Returns the full spoken reply.
func (m *Manager) Respond(ctx context.Context, callID, prompt string) (string, error) {
	if m.gen == nil {
		return "", errors.New("call: no response generator configured")
	}

	m.mu.Lock()
	rec, ok := m.active[callID]
	if !ok {
		m.mu.Unlock()
		return "", ErrCallNotFound
	}
	transcript := make([]TranscriptEntry, len(rec.Transcript))
	copy(transcript, rec.Transcript)
	m.mu.Unlock()

	var reply string
	err := m.speakTurn(ctx, callID, func(r TurnRelay) (string, error) {
		streamed := false
		text, err := m.gen.Generate(ctx, transcript, prompt, func(delta string) {
			streamed = true
			r.FeedText(delta)
		})
		if err != nil {
			return "", fmt.Errorf("generating response: %w", err)
		}
		// Generators that stream feed every delta through onPartial and the
		// deltas concatenate to the returned text. A generator that never
		// streamed gets its full reply fed as a single chunk.
		if !streamed {
			r.FeedText(text)
		}
		reply = text
		return text, nil
	})
	if err != nil {
		return "", err
	}
	return reply, nil
}

// ContinueCall speaks the prompt, then waits for the user's next final
// transcript. Exactly one waiter may be pending per call; a newer
// ContinueCall displaces an older one. Times out with ErrWaitTimeout; the
// call itself stays active.
func (m *Manager) ContinueCall(ctx context.Context, callID, prompt string) (string, error) {
	if err := m.Speak(ctx, callID, prompt); err != nil {
		return "", err
	}

	m.mu.Lock()
	if _, ok := m.active[callID]; !ok {
		m.mu.Unlock()
		return "", ErrCallEnded
	}
	w := m.registerWaiterLocked(callID, m.cfg.TranscriptWaitTimeout)
	m.mu.Unlock()

	select {
	case res := <-w.ch:
		if res.err != nil {
			return "", res.err
		}
		return res.entry.Text, nil
	case <-ctx.Done():
		m.mu.Lock()
		if cur, ok := m.waiters[callID]; ok && cur == w {
			delete(m.waiters, callID)
			w.timer.Stop()
		}
		m.mu.Unlock()
		return "", ctx.Err()
	}
}

// EndCall hangs up a call. Idempotent: ending a call that already ended (or
// was never known) succeeds without contacting the provider.
func (m *Manager) EndCall(ctx context.Context, callID string) error {
	m.mu.Lock()
	rec, ok := m.active[callID]
	if !ok || rec.State.IsTerminal() {
		m.mu.Unlock()
		return nil
	}
	providerCallID := rec.ProviderCallID
	m.mu.Unlock()

	if providerCallID != "" {
		if err := m.provider.Hangup(ctx, providerCallID); err != nil {
			// Transient provider failure: surface it and keep the call so
			// the caller can retry. Retry policy belongs to the provider.
			return fmt.Errorf("hanging up call: %w", err)
		}
	}

	m.mu.Lock()
	notes, relay := m.endLocked(ctx, callID, EndReasonManual)
	m.mu.Unlock()

	if relay != nil {
		relay.Abort()
	}
	m.publish(ctx, notes)
	return nil
}

// speakTurn runs one synthesis turn: acquire the per-call turn guard, open a
// relay to the call's media channel, let feed drive text into it, then flush
// and wait for completion. The spoken text is appended to the transcript on
// success.
func (m *Manager) speakTurn(ctx context.Context, callID string, feed func(TurnRelay) (string, error)) error {
	m.mu.Lock()
	rec, ok := m.active[callID]
	if !ok {
		m.mu.Unlock()
		return ErrCallNotFound
	}
	if rec.State != StateAnswered {
		m.mu.Unlock()
		return ErrNotAnswered
	}
	if _, busy := m.activeTurns[callID]; busy {
		m.mu.Unlock()
		return ErrTurnActive
	}
	m.activeTurns[callID] = struct{}{}
	providerCallID := rec.ProviderCallID
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.activeTurns, callID)
		m.mu.Unlock()
	}()

	relay, err := m.newRelay(ctx, providerCallID)
	if err != nil {
		return fmt.Errorf("opening synthesis relay: %w", err)
	}

	m.mu.Lock()
	m.relays[callID] = relay
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.relays[callID] == relay {
			delete(m.relays, callID)
		}
		m.mu.Unlock()
	}()

	text, err := feed(relay)
	if err != nil {
		relay.Abort()
		return err
	}
	relay.Flush()

	if err := relay.Wait(ctx); err != nil {
		// A failed relay terminates the turn, not the call.
		return fmt.Errorf("synthesis relay: %w", err)
	}

	m.mu.Lock()
	var notes []Notification
	if rec, ok := m.active[callID]; ok && !rec.State.IsTerminal() {
		notes = append(notes, m.appendTranscriptLocked(ctx, rec, SpeakerBot, text))
	}
	m.mu.Unlock()
	m.publish(ctx, notes)
	return nil
}
