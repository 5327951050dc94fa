package models

// SyncState is the engine state machine value.
type SyncState string

const (
	SyncIdle    SyncState = "idle"
	SyncSyncing SyncState = "syncing"
	SyncError   SyncState = "error"
)

// SyncStatus is the single observable snapshot of the sync engine.
// PendingChanges is always recomputed from the store, never tracked
// independently, so it cannot drift.
type SyncStatus struct {
	IsOnline  bool      `json:"is_online"`
	IsSyncing bool      `json:"is_syncing"`
	State     SyncState `json:"state"`
	// LastSyncTS is the completion time (ns) of the last full pass.
	LastSyncTS     int64  `json:"last_sync_ts,omitempty"`
	PendingChanges int    `json:"pending_changes"`
	Error          string `json:"error,omitempty"`
}
