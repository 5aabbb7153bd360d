package model

import "time"

// EventKind identifies a notification emitted by the sync engine.
type EventKind string

const (
	EventDataUpdated EventKind = "data_updated"
	EventSyncState   EventKind = "sync_state"
)

// Reasons carried by EventDataUpdated.
const (
	ReasonServerNewer = "server_newer"
	ReasonDownloaded  = "downloaded"
)

// Event is a notification for UI consumers.
type Event struct {
	Kind   EventKind `json:"kind"`
	Domain string    `json:"domain,omitempty"`
	Reason string    `json:"reason,omitempty"`
	State  SyncState `json:"state,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}
