package call

import (
	"context"
	"sort"
)

// Get returns a snapshot of an active call record.
func (m *Manager) Get(callID string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.active[callID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// LookupByProviderID maps a provider-assigned call id to the internal
// call id.
func (m *Manager) LookupByProviderID(providerCallID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	callID, ok := m.byProviderID[providerCallID]
	return callID, ok
}

// Active returns snapshots of all non-terminal calls, oldest first.
func (m *Manager) Active() []*Record {
	m.mu.Lock()
	recs := make([]*Record, 0, len(m.active))
	for _, rec := range m.active {
		recs = append(recs, rec.Clone())
	}
	m.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].StartedAt.Before(recs[j].StartedAt)
	})
	return recs
}

// History returns the most recent call records from the durable log.
func (m *Manager) History(ctx context.Context, limit int) ([]Record, error) {
	return m.store.History(ctx, limit)
}
