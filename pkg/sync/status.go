package sync

import (
	"medlink/pkg/logger"
	"medlink/pkg/models"
	"medlink/pkg/telemetry"
)

// Status returns a point-in-time snapshot. PendingChanges is recomputed
// from the store rather than cached.
func (m *Manager) Status() models.SyncStatus {
	pending, err := m.st.CountUnsynced()
	if err != nil {
		logger.Warn("sync_pending_count_failed", "error", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.SyncStatus{
		IsOnline:       m.online,
		IsSyncing:      m.state == models.SyncSyncing,
		State:          m.state,
		LastSyncTS:     m.lastSyncTS,
		PendingChanges: pending,
		Error:          m.errMsg,
	}
}

// Subscribe registers a status listener and returns a revocation token.
// Unsubscribing with the token is safe from inside the handler itself.
func (m *Manager) Subscribe(fn func(models.SyncStatus)) int {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextSub++
	tok := m.nextSub
	m.subs[tok] = fn
	return tok
}

// Unsubscribe revokes a listener. Unknown tokens are a no-op.
func (m *Manager) Unsubscribe(tok int) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	delete(m.subs, tok)
}

func (m *Manager) notify() {
	st := m.Status()
	telemetry.PendingChanges.Set(float64(st.PendingChanges))
	m.subMu.Lock()
	fns := make([]func(models.SyncStatus), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}
