package call

import (
	"context"
	"log/slog"
	"time"
)

// greetingTimeout bounds how long a queued greeting may take to synthesize
// and play before it is abandoned.
const greetingTimeout = 2 * time.Minute

// NewGreetingSubscriber returns a subscriber that speaks a call's queued
// initial greeting (from metadata) when the call is answered.
//
// The greeting is skipped when the provider lacks the programmatic-greeting
// capability: such providers deliver their own answer-time greeting, and
// speaking over it would double up.
func NewGreetingSubscriber(m *Manager, logger *slog.Logger) Subscriber {
	logger = logger.With("subsystem", "greeting")
	return SubscriberFunc(func(_ context.Context, n Notification) {
		if n.Kind != NotifyAnswered {
			return
		}
		greeting := n.Call.Metadata[MetadataGreeting]
		if greeting == "" {
			return
		}
		if !m.provider.SupportsProgrammaticGreeting() {
			logger.Debug("provider speaks its own greeting, skipping",
				"call_id", n.Call.CallID,
				"provider", m.provider.Name(),
			)
			return
		}

		// Speaking blocks until synthesis completes; detach so the event
		// that triggered the transition is not held up.
		callID := n.Call.CallID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), greetingTimeout)
			defer cancel()
			if err := m.Speak(ctx, callID, greeting); err != nil {
				logger.Warn("speaking greeting failed", "call_id", callID, "error", err)
			}
		}()
	})
}
