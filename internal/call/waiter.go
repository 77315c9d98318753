package call

import "time"

// waiterResult is what a transcript waiter resolves with: the user's final
// transcript entry, or the error that displaced the wait.
type waiterResult struct {
	entry TranscriptEntry
	err   error
}

// transcriptWaiter is one pending "wait for the user's next final transcript"
// continuation. The result channel is buffered so resolution never blocks the
// resolving path. Deadline and timer are explicit state: both the resolve and
// the timeout path must deregister the waiter from the manager's map before
// signaling, so a late transcript can never race a fired timeout.
type transcriptWaiter struct {
	ch       chan waiterResult
	timer    *time.Timer
	deadline time.Time
}

// registerWaiterLocked installs a new waiter for callID, displacing any
// existing one (the displaced waiter resolves with ErrWaiterReplaced).
// Caller must hold m.mu.
func (m *Manager) registerWaiterLocked(callID string, timeout time.Duration) *transcriptWaiter {
	if prev, ok := m.waiters[callID]; ok {
		delete(m.waiters, callID)
		prev.timer.Stop()
		prev.ch <- waiterResult{err: ErrWaiterReplaced}
	}

	w := &transcriptWaiter{
		ch:       make(chan waiterResult, 1),
		deadline: m.now().Add(timeout),
	}
	w.timer = time.AfterFunc(timeout, func() {
		m.expireWaiter(callID, w)
	})
	m.waiters[callID] = w
	return w
}

// expireWaiter handles a waiter deadline firing. The waiter is removed from
// the map before the timeout is signaled; if it was already resolved or
// replaced, the timer fire is a no-op.
func (m *Manager) expireWaiter(callID string, w *transcriptWaiter) {
	m.mu.Lock()
	cur, ok := m.waiters[callID]
	if !ok || cur != w {
		m.mu.Unlock()
		return
	}
	delete(m.waiters, callID)
	m.mu.Unlock()

	m.logger.Info("transcript wait timed out", "call_id", callID)
	w.ch <- waiterResult{err: ErrWaitTimeout}
}

// resolveWaiterLocked delivers a final user transcript entry to the pending
// waiter, if any. Caller must hold m.mu.
func (m *Manager) resolveWaiterLocked(callID string, entry TranscriptEntry) {
	w, ok := m.waiters[callID]
	if !ok {
		return
	}
	delete(m.waiters, callID)
	w.timer.Stop()
	w.ch <- waiterResult{entry: entry}
}

// failWaiterLocked rejects the pending waiter with err, if one exists.
// Caller must hold m.mu.
func (m *Manager) failWaiterLocked(callID string, err error) {
	w, ok := m.waiters[callID]
	if !ok {
		return
	}
	delete(m.waiters, callID)
	w.timer.Stop()
	w.ch <- waiterResult{err: err}
}
