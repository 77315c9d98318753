package call

import (
	"context"

	"github.com/google/uuid"
)

// ProcessEvent applies one normalized provider event to call state.
//
// Processing is idempotent: a redelivered event id returns immediately with
// no side effects. The event id is appended to the durable log before any
// in-memory mutation becomes visible, so a crash between the two can only
// drop an event, never double-apply it.
//
// Events for the same provider call are applied in arrival order because the
// webhook handler invokes ProcessEvent synchronously per request; events for
// different calls interleave freely.
func (m *Manager) ProcessEvent(ctx context.Context, ev *Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, dup := m.processed[ev.EventID]; dup {
		m.mu.Unlock()
		m.logger.Debug("duplicate event dropped", "event_id", ev.EventID, "kind", ev.Kind)
		return
	}
	if err := m.store.AppendEvent(ctx, ev); err != nil {
		// Durability must not lag behind the dedup set. Dropping the event
		// keeps the two consistent; the provider will redeliver.
		m.mu.Unlock()
		m.logger.Error("persisting event failed, dropping event",
			"event_id", ev.EventID,
			"kind", ev.Kind,
			"error", err,
		)
		return
	}
	m.processed[ev.EventID] = struct{}{}

	var (
		notes  []Notification
		relay  TurnRelay
		reject string // provider call id to hang up after unlock
	)

	switch ev.Kind {
	case EventRinging:
		notes, reject = m.handleRingingLocked(ctx, ev)
	case EventAnswered:
		notes = m.handleAnsweredLocked(ctx, ev)
	case EventEnded:
		notes, relay = m.handleEndedLocked(ctx, ev)
	case EventTranscript:
		notes, relay = m.handleTranscriptLocked(ctx, ev)
	case EventMediaReady:
		m.logger.Debug("media channel ready", "provider_call_id", ev.ProviderCallID)
	case EventError:
		m.logger.Warn("provider reported call error",
			"provider_call_id", ev.ProviderCallID,
			"error", ev.Payload[PayloadError],
		)
		if callID, ok := m.byProviderID[ev.ProviderCallID]; ok {
			notes, relay = m.endLocked(ctx, callID, EndReasonProviderError)
		}
	default:
		m.logger.Warn("unknown event kind dropped", "kind", ev.Kind, "event_id", ev.EventID)
	}
	m.mu.Unlock()

	if relay != nil {
		relay.Abort()
	}
	if reject != "" {
		if err := m.provider.Hangup(ctx, reject); err != nil {
			m.logger.Warn("rejecting inbound call failed",
				"provider_call_id", reject,
				"error", err,
			)
		}
	}
	m.publish(ctx, notes)
}

// handleRingingLocked covers both outbound dialing progress and a new
// inbound ring. Returns the provider call id to reject, if any.
func (m *Manager) handleRingingLocked(ctx context.Context, ev *Event) ([]Notification, string) {
	if callID, ok := m.byProviderID[ev.ProviderCallID]; ok {
		rec := m.active[callID]
		if rec != nil && rec.State == StateInitiated {
			rec.State = StateRinging
			m.saveLocked(ctx, rec)
		}
		return nil, ""
	}

	if !m.cfg.AllowInbound {
		// Reject once per provider call id; redelivered rings for a call we
		// already hung up on must not trigger a second reject.
		if _, done := m.rejected[ev.ProviderCallID]; done {
			return nil, ""
		}
		m.rejected[ev.ProviderCallID] = struct{}{}
		if err := m.store.MarkRejected(ctx, ev.ProviderCallID); err != nil {
			m.logger.Error("persisting rejected call failed",
				"provider_call_id", ev.ProviderCallID,
				"error", err,
			)
		}
		m.logger.Info("rejecting inbound call", "provider_call_id", ev.ProviderCallID, "from", ev.Payload[PayloadFrom])
		return nil, ev.ProviderCallID
	}

	rec := m.newInboundLocked(ctx, ev, StateRinging)
	m.logger.Info("inbound call ringing",
		"call_id", rec.CallID,
		"provider_call_id", ev.ProviderCallID,
		"from", rec.From,
	)
	return nil, ""
}

// handleAnsweredLocked moves a call into the answered state. Unknown
// provider call ids are treated as inbound calls the provider reported
// pre-connected.
func (m *Manager) handleAnsweredLocked(ctx context.Context, ev *Event) []Notification {
	callID, ok := m.byProviderID[ev.ProviderCallID]
	if !ok {
		if !m.cfg.AllowInbound {
			m.logger.Warn("answered event for unknown call dropped", "provider_call_id", ev.ProviderCallID)
			return nil
		}
		rec := m.newInboundLocked(ctx, ev, StateRinging)
		callID = rec.CallID
	}

	rec := m.active[callID]
	if rec == nil || rec.State.IsTerminal() || rec.State == StateAnswered {
		// Duplicate answer or late event for a finished call: no-op.
		return nil
	}

	rec.State = StateAnswered
	m.startMaxTimerLocked(callID)
	m.saveLocked(ctx, rec)

	m.logger.Info("call answered", "call_id", callID, "direction", rec.Direction)
	snap := rec.Clone()
	return []Notification{
		{Kind: NotifyAnswered, Call: snap},
		{Kind: NotifyTranscriptStarted, Call: snap},
	}
}

func (m *Manager) handleEndedLocked(ctx context.Context, ev *Event) ([]Notification, TurnRelay) {
	callID, ok := m.byProviderID[ev.ProviderCallID]
	if !ok {
		m.logger.Debug("ended event for unknown call dropped", "provider_call_id", ev.ProviderCallID)
		return nil, nil
	}

	reason := EndReasonCallerHangup
	switch EndReason(ev.Payload[PayloadReason]) {
	case EndReasonProviderError:
		reason = EndReasonProviderError
	case EndReasonMaxDuration:
		reason = EndReasonMaxDuration
	}
	return m.endLocked(ctx, callID, reason)
}

// handleTranscriptLocked applies a speech recognition result. Only final
// chunks mutate state: the entry is appended, any in-flight bot synthesis is
// aborted (the user talked over it), and a pending transcript waiter
// resolves with the text.
func (m *Manager) handleTranscriptLocked(ctx context.Context, ev *Event) ([]Notification, TurnRelay) {
	callID, ok := m.byProviderID[ev.ProviderCallID]
	if !ok {
		m.logger.Debug("transcript for unknown call dropped", "provider_call_id", ev.ProviderCallID)
		return nil, nil
	}
	rec := m.active[callID]
	if rec == nil || rec.State.IsTerminal() {
		return nil, nil
	}

	text := ev.Payload[PayloadText]
	if ev.Payload[PayloadFinal] != "true" {
		m.logger.Debug("partial transcript", "call_id", callID, "text", text)
		return nil, nil
	}
	if text == "" {
		return nil, nil
	}

	note := m.appendTranscriptLocked(ctx, rec, SpeakerUser, text)

	// Barge-in: a user utterance interrupts any bot response in progress.
	relay := m.relays[callID]
	delete(m.relays, callID)

	m.resolveWaiterLocked(callID, *note.Entry)

	m.logger.Info("user transcript", "call_id", callID, "text", text)
	return []Notification{note}, relay
}

// newInboundLocked creates and registers a record for an incoming call.
// Caller must hold m.mu.
func (m *Manager) newInboundLocked(ctx context.Context, ev *Event, state State) *Record {
	rec := &Record{
		CallID:         uuid.New().String(),
		ProviderCallID: ev.ProviderCallID,
		Direction:      DirectionInbound,
		From:           ev.Payload[PayloadFrom],
		To:             ev.Payload[PayloadTo],
		State:          state,
		StartedAt:      m.now(),
	}
	m.active[rec.CallID] = rec
	m.byProviderID[ev.ProviderCallID] = rec.CallID
	m.saveLocked(ctx, rec)
	return rec
}
