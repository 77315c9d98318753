package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Config holds the manager's tunables.
type Config struct {
	// DefaultFrom is the caller address used when InitiateCall gets none.
	DefaultFrom string
	// MaxCallDuration forces a call to end after this long in the answered
	// state. Zero disables the limit.
	MaxCallDuration time.Duration
	// TranscriptWaitTimeout bounds how long ContinueCall waits for the
	// user's next final transcript.
	TranscriptWaitTimeout time.Duration
	// AllowInbound accepts incoming calls. When false, inbound rings are
	// rejected (once per provider call id).
	AllowInbound bool
}

// Deps are the collaborators injected into the manager.
type Deps struct {
	Store     Store
	Provider  Provider
	Generator Generator // optional; Respond fails without it
	NewRelay  RelayFactory
	Logger    *slog.Logger
}

// Manager owns all mutable call state: active records, the provider-id
// reverse index, the processed-event dedup set, per-call timers, transcript
// waiters, and in-flight turn relays. Every other component operates through
// the manager's methods; state is never forked into independent copies.
//
// A single mutex guards the maps. Handlers mutate state only while holding
// it and perform all blocking work (provider API calls, relay completion,
// transcript waits, store I/O errors aside) outside the lock, so one call's
// pending wait never stalls another call's event processing.
type Manager struct {
	cfg      Config
	store    Store
	provider Provider
	gen      Generator
	newRelay RelayFactory
	notifier notifier
	logger   *slog.Logger
	now      func() time.Time

	mu           sync.Mutex
	active       map[string]*Record            // call id → record (non-terminal only)
	byProviderID map[string]string             // provider call id → call id
	processed    map[string]struct{}           // dedup set, persisted
	rejected     map[string]struct{}           // provider call ids already rejected
	activeTurns  map[string]struct{}           // calls mid speak-then-listen turn
	waiters      map[string]*transcriptWaiter  // pending transcript waits
	maxTimers    map[string]*time.Timer        // forced-end timers
	relays       map[string]TurnRelay          // in-flight synthesis per call
	closed       bool
}

// NewManager builds a manager and reconstructs runtime state from the store.
// A store load failure is fatal: running with an empty dedup set could
// double-process redelivered events after a crash.
func NewManager(ctx context.Context, cfg Config, deps Deps) (*Manager, error) {
	if deps.Store == nil {
		return nil, errors.New("call: store is required")
	}
	if deps.Provider == nil {
		return nil, errors.New("call: provider is required")
	}
	if deps.NewRelay == nil {
		return nil, errors.New("call: relay factory is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("subsystem", "call-manager")

	snap, err := deps.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading call state: %w", err)
	}

	m := &Manager{
		cfg:      cfg,
		store:    deps.Store,
		provider: deps.Provider,
		gen:      deps.Generator,
		newRelay: deps.NewRelay,
		notifier: notifier{logger: logger},
		logger:   logger,
		now:      time.Now,

		active:       snap.ActiveCalls,
		byProviderID: snap.ProviderCallIDs,
		processed:    snap.ProcessedEventIDs,
		rejected:     snap.RejectedProviderCallIDs,
		activeTurns:  make(map[string]struct{}),
		waiters:      make(map[string]*transcriptWaiter),
		maxTimers:    make(map[string]*time.Timer),
		relays:       make(map[string]TurnRelay),
	}
	if m.active == nil {
		m.active = make(map[string]*Record)
	}
	if m.byProviderID == nil {
		m.byProviderID = make(map[string]string)
	}
	if m.processed == nil {
		m.processed = make(map[string]struct{})
	}
	if m.rejected == nil {
		m.rejected = make(map[string]struct{})
	}

	// Calls restored in the answered state get their duration limit re-armed
	// from scratch; the original deadline did not survive the restart.
	for id, rec := range m.active {
		if rec.State == StateAnswered {
			m.startMaxTimerLocked(id)
		}
	}

	logger.Info("call manager initialized",
		"active_calls", len(m.active),
		"processed_events", len(m.processed),
	)
	return m, nil
}

// Subscribe registers a lifecycle notification subscriber. Must be called
// during wiring, before events are processed.
func (m *Manager) Subscribe(s Subscriber) {
	m.notifier.subscribe(s)
}

// Close cancels all per-call timers, rejects pending waiters, and aborts
// in-flight relays. The manager must not be used afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for id, t := range m.maxTimers {
		t.Stop()
		delete(m.maxTimers, id)
	}
	for id := range m.waiters {
		m.failWaiterLocked(id, ErrCallEnded)
	}
	relays := make([]TurnRelay, 0, len(m.relays))
	for id, r := range m.relays {
		relays = append(relays, r)
		delete(m.relays, id)
	}
	m.mu.Unlock()

	for _, r := range relays {
		r.Abort()
	}
	m.logger.Info("call manager closed")
}

// startMaxTimerLocked arms the forced-end timer for a call. Caller must
// hold m.mu. The timer fires at most once; endLocked stops and removes it.
func (m *Manager) startMaxTimerLocked(callID string) {
	if m.cfg.MaxCallDuration <= 0 {
		return
	}
	if _, exists := m.maxTimers[callID]; exists {
		return
	}
	m.maxTimers[callID] = time.AfterFunc(m.cfg.MaxCallDuration, func() {
		m.forceEnd(callID)
	})
}

// forceEnd terminates a call whose maximum duration elapsed. It follows the
// same path as a manual hangup but records the max-duration end reason.
func (m *Manager) forceEnd(callID string) {
	m.mu.Lock()
	rec, ok := m.active[callID]
	if !ok || rec.State.IsTerminal() {
		m.mu.Unlock()
		return
	}
	providerCallID := rec.ProviderCallID
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m.logger.Info("max call duration reached, ending call", "call_id", callID)
	if providerCallID != "" {
		if err := m.provider.Hangup(ctx, providerCallID); err != nil {
			m.logger.Warn("hangup after max duration failed",
				"call_id", callID,
				"error", err,
			)
		}
	}

	m.mu.Lock()
	notes, relay := m.endLocked(ctx, callID, EndReasonMaxDuration)
	m.mu.Unlock()

	if relay != nil {
		relay.Abort()
	}
	m.publish(ctx, notes)
}

// endLocked transitions a call into the ended state and releases everything
// attached to it: the duration timer, the pending waiter (rejected with
// ErrCallEnded), the turn guard, and the runtime map entries. It is a no-op
// for calls already terminal, which makes duplicate terminal events safe.
// Caller must hold m.mu; the returned relay, if any, must be aborted and the
// notifications published after the lock is released.
func (m *Manager) endLocked(ctx context.Context, callID string, reason EndReason) ([]Notification, TurnRelay) {
	rec, ok := m.active[callID]
	if !ok || rec.State.IsTerminal() {
		return nil, nil
	}

	rec.State = StateEnded
	rec.EndReason = reason
	if rec.EndedAt == nil {
		t := m.now()
		rec.EndedAt = &t
	}

	if t, ok := m.maxTimers[callID]; ok {
		t.Stop()
		delete(m.maxTimers, callID)
	}
	m.failWaiterLocked(callID, ErrCallEnded)
	delete(m.activeTurns, callID)

	relay := m.relays[callID]
	delete(m.relays, callID)

	delete(m.active, callID)
	if rec.ProviderCallID != "" {
		delete(m.byProviderID, rec.ProviderCallID)
	}

	m.saveLocked(ctx, rec)

	m.logger.Info("call ended",
		"call_id", callID,
		"reason", reason,
		"duration", m.now().Sub(rec.StartedAt).Round(time.Second),
	)
	return []Notification{{Kind: NotifyEnded, Call: rec.Clone()}}, relay
}

// appendTranscriptLocked appends an immutable transcript entry and returns
// the notification to publish. Caller must hold m.mu.
func (m *Manager) appendTranscriptLocked(ctx context.Context, rec *Record, speaker, text string) Notification {
	entry := TranscriptEntry{
		Speaker:   speaker,
		Text:      text,
		Timestamp: m.now(),
	}
	rec.Transcript = append(rec.Transcript, entry)
	m.saveLocked(ctx, rec)
	return Notification{Kind: NotifyTranscriptEntry, Call: rec.Clone(), Entry: &entry}
}

// saveLocked persists a record, logging rather than failing the caller:
// the in-memory state is authoritative and history catches up on the next
// save. Caller must hold m.mu.
func (m *Manager) saveLocked(ctx context.Context, rec *Record) {
	if err := m.store.SaveCall(ctx, rec); err != nil {
		m.logger.Error("persisting call record failed",
			"call_id", rec.CallID,
			"error", err,
		)
	}
}

// publish dispatches notifications outside the manager lock.
func (m *Manager) publish(ctx context.Context, notes []Notification) {
	for _, n := range notes {
		m.notifier.publish(ctx, n)
	}
}
