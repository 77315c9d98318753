package call

import (
	"context"
	"log/slog"
)

// NotificationKind identifies a call lifecycle transition.
type NotificationKind string

const (
	// NotifyAnswered fires once when a call transitions into answered.
	NotifyAnswered NotificationKind = "answered"
	// NotifyTranscriptStarted fires alongside NotifyAnswered so collaborators
	// can create the durable transcript artifact.
	NotifyTranscriptStarted NotificationKind = "transcript-started"
	// NotifyTranscriptEntry fires on every transcript append.
	NotifyTranscriptEntry NotificationKind = "transcript-entry"
	// NotifyEnded fires once when a call reaches the ended state.
	NotifyEnded NotificationKind = "ended"
)

// Notification carries a lifecycle transition to subscribers. Call is a
// snapshot; subscribers may keep it without racing the manager.
type Notification struct {
	Kind  NotificationKind
	Call  *Record
	Entry *TranscriptEntry // set for NotifyTranscriptEntry
}

// Subscriber receives lifecycle notifications. HandleCallEvent is invoked
// synchronously at the transition, so implementations must fire-and-forget
// any I/O-bound work rather than block: a slow subscriber would stall the
// call that triggered it (but never unrelated calls).
type Subscriber interface {
	HandleCallEvent(ctx context.Context, n Notification)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, n Notification)

// HandleCallEvent implements Subscriber.
func (f SubscriberFunc) HandleCallEvent(ctx context.Context, n Notification) { f(ctx, n) }

// notifier fans lifecycle notifications out to registered subscribers.
// Subscription happens during wiring, before the manager starts processing
// events, so the slice is read without locking afterwards.
type notifier struct {
	subscribers []Subscriber
	logger      *slog.Logger
}

func (n *notifier) subscribe(s Subscriber) {
	n.subscribers = append(n.subscribers, s)
}

func (n *notifier) publish(ctx context.Context, note Notification) {
	for _, s := range n.subscribers {
		s.HandleCallEvent(ctx, note)
	}
	n.logger.Debug("lifecycle notification dispatched",
		"kind", note.Kind,
		"call_id", note.Call.CallID,
		"subscribers", len(n.subscribers),
	)
}
