// Package call implements the voice-call coordination core: the call
// lifecycle state machine, idempotent webhook event processing, outbound
// call control (speak / converse / hangup), and the runtime state shared
// between them.
package call

import (
	"errors"
	"time"
)

// State is the lifecycle state of a call.
type State string

const (
	// StateInitiated means an outbound call was requested but the provider
	// has not confirmed it yet.
	StateInitiated State = "initiated"
	// StateRinging covers both outbound dialing and inbound ringing.
	StateRinging State = "ringing"
	// StateAnswered means the far end picked up and media can flow.
	StateAnswered State = "answered"
	// StateEnded is the terminal state. EndReason says why.
	StateEnded State = "ended"
	// StateFailed marks an outbound call the provider refused to place.
	// The record is retained for audit.
	StateFailed State = "failed"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s State) IsTerminal() bool {
	return s == StateEnded || s == StateFailed
}

// Direction indicates who originated the call.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// EndReason describes why a call reached the ended state.
type EndReason string

const (
	EndReasonCallerHangup  EndReason = "caller-hangup"
	EndReasonProviderError EndReason = "provider-error"
	EndReasonMaxDuration   EndReason = "max-duration"
	EndReasonManual        EndReason = "manual"
	EndReasonRejected      EndReason = "rejected"
)

// Speaker identifies which party said a transcript line.
const (
	SpeakerUser = "user"
	SpeakerBot  = "bot"
)

// TranscriptEntry is a single utterance in a call transcript.
// Entries are immutable once appended.
type TranscriptEntry struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// MetadataGreeting is the metadata key holding an initial message to speak
// once the call is answered.
const MetadataGreeting = "greeting"

// Record is the aggregate describing one phone call. The manager holds the
// authoritative copy; accessors return clones so callers can never mutate
// manager-owned state.
type Record struct {
	CallID         string            `json:"call_id"`
	ProviderCallID string            `json:"provider_call_id,omitempty"`
	Direction      Direction         `json:"direction"`
	From           string            `json:"from"`
	To             string            `json:"to"`
	State          State             `json:"state"`
	StartedAt      time.Time         `json:"started_at"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
	EndReason      EndReason         `json:"end_reason,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Transcript     []TranscriptEntry `json:"transcript"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	c.Transcript = make([]TranscriptEntry, len(r.Transcript))
	copy(c.Transcript, r.Transcript)
	return &c
}

// EventKind classifies a normalized provider event.
type EventKind string

const (
	EventRinging    EventKind = "ringing"
	EventAnswered   EventKind = "answered"
	EventEnded      EventKind = "ended"
	EventMediaReady EventKind = "media-ready"
	EventTranscript EventKind = "transcript-chunk"
	EventError      EventKind = "error"
)

// Event is a provider-agnostic envelope for one webhook notification.
// EventID must be unique per provider delivery attempt; redelivering the
// same EventID is a no-op.
type Event struct {
	EventID        string            `json:"event_id"`
	ProviderCallID string            `json:"provider_call_id"`
	Kind           EventKind         `json:"kind"`
	Timestamp      time.Time         `json:"timestamp"`
	Payload        map[string]string `json:"payload,omitempty"`
}

// Well-known payload keys for normalized events.
const (
	PayloadFrom   = "from"   // caller address on inbound call events
	PayloadTo     = "to"     // callee address on inbound call events
	PayloadText   = "text"   // transcript text
	PayloadFinal  = "final"  // "true" when a transcript chunk is final
	PayloadReason = "reason" // provider-reported end reason
	PayloadError  = "error"  // error description
)

// Sentinel errors surfaced by manager operations.
var (
	// ErrCallNotFound means the call id does not refer to an active call.
	ErrCallNotFound = errors.New("call not found")
	// ErrNotAnswered means the operation needs the call in the answered state.
	ErrNotAnswered = errors.New("call is not answered")
	// ErrTurnActive means a speak-then-listen turn is already in progress.
	ErrTurnActive = errors.New("a turn is already active for this call")
	// ErrWaitTimeout means no final user transcript arrived in time.
	ErrWaitTimeout = errors.New("timed out waiting for user transcript")
	// ErrCallEnded means the call ended while the operation was pending.
	ErrCallEnded = errors.New("call ended")
	// ErrWaiterReplaced means a newer transcript wait displaced this one.
	ErrWaiterReplaced = errors.New("transcript wait replaced by a newer wait")
)
