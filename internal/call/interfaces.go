package call

import "context"

// Snapshot is the state reconstructed from the store at startup.
type Snapshot struct {
	// ActiveCalls maps call id to the last persisted record for every call
	// that had not reached a terminal state.
	ActiveCalls map[string]*Record
	// ProviderCallIDs maps provider call id to internal call id.
	ProviderCallIDs map[string]string
	// ProcessedEventIDs is the dedup set of already-applied event ids.
	ProcessedEventIDs map[string]struct{}
	// RejectedProviderCallIDs lists provider calls we already rejected,
	// so a redelivered ring does not trigger a second hangup.
	RejectedProviderCallIDs map[string]struct{}
}

// Store is the durable append-only log the manager persists through.
// The manager is its sole writer after startup.
type Store interface {
	// Load reconstructs runtime state. A load failure is fatal: the manager
	// refuses to start rather than run with an inconsistent dedup set.
	Load(ctx context.Context) (*Snapshot, error)
	// AppendEvent durably records a processed event id. It must succeed
	// before the event's state mutation becomes visible.
	AppendEvent(ctx context.Context, ev *Event) error
	// SaveCall persists the current state of a call record.
	SaveCall(ctx context.Context, rec *Record) error
	// MarkRejected durably records that a provider call was rejected.
	MarkRejected(ctx context.Context, providerCallID string) error
	// History returns the most recent call records, newest first.
	History(ctx context.Context, limit int) ([]Record, error)
}

// PlaceOptions carries optional parameters for placing an outbound call.
type PlaceOptions struct {
	// Greeting is spoken once the call is answered (stored in metadata).
	Greeting string
	// SessionKey ties the call to an external conversation session.
	SessionKey string
}

// Provider is the telephony provider capability interface. Implementations
// live in internal/provider; the manager only sees this surface.
type Provider interface {
	// Name returns the provider identifier (e.g. "twilio").
	Name() string
	// Place asks the provider to dial an outbound call and returns the
	// provider-assigned call id.
	Place(ctx context.Context, to, from string) (providerCallID string, err error)
	// Hangup asks the provider to end a call.
	Hangup(ctx context.Context, providerCallID string) error
	// SendMedia forwards one audio frame to the call's live media channel.
	SendMedia(providerCallID string, frame []byte) error
	// DiscardMedia tells the media channel to drop queued, unplayed audio.
	DiscardMedia(providerCallID string) error
	// SupportsProgrammaticGreeting reports whether it is safe to speak a
	// greeting at answer time. Providers with their own answer-time
	// greeting mechanism return false and the greeting trigger is a no-op.
	SupportsProgrammaticGreeting() bool
}

// Generator produces a text reply from a call transcript. onPartial, when
// non-nil, is invoked zero or more times with incremental text as it becomes
// available, so synthesis can start before generation completes.
type Generator interface {
	Generate(ctx context.Context, transcript []TranscriptEntry, prompt string, onPartial func(delta string)) (string, error)
}

// TurnRelay is one turn's streaming synthesis pipeline. The concrete
// implementation is internal/relay.Relay; the manager drives it through
// this surface so tests can substitute a fake.
type TurnRelay interface {
	// FeedText queues incremental text for synthesis. No-op after abort.
	FeedText(text string)
	// Flush signals end of the text stream. Idempotent.
	Flush()
	// Abort discards buffered text, closes the transport, and tells the
	// media channel to drop unplayed audio. Idempotent.
	Abort()
	// Wait blocks until the relay completes (final audio delivered, error,
	// or abort) and returns the terminal error, if any.
	Wait(ctx context.Context) error
}

// RelayFactory opens a new synthesis pipeline streaming to the given
// provider call's media channel.
type RelayFactory func(ctx context.Context, providerCallID string) (TurnRelay, error)
