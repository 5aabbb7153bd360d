package model

// UpdateType classifies why a credential was staged.
type UpdateType string

const (
	UpdateTypeNew                UpdateType = "new"                  // No confirmed account exists.
	UpdateTypeTemp               UpdateType = "temp"                 // Replaced an earlier staged entry.
	UpdateTypeFormalDiff         UpdateType = "formal_diff"          // Differs from the confirmed password.
	UpdateTypeFormalDecryptError UpdateType = "formal_decrypt_error" // Confirmed password could not be decrypted.
)

// SyncState is the lifecycle state of a full synchronization run.
type SyncState string

const (
	SyncStateIdle    SyncState = "idle"
	SyncStateSyncing SyncState = "syncing"
	SyncStateSuccess SyncState = "success"
	SyncStateError   SyncState = "error"
)

// AccountSource records how an account entered the store.
type AccountSource string

const (
	SourceCapture AccountSource = "capture"
	SourceManual  AccountSource = "manual"
	SourceSync    AccountSource = "sync"
)

// UploadStatus is the relay's verdict on an uploaded domain group.
type UploadStatus string

const (
	UploadStatusSuccess          UploadStatus = "success"
	UploadStatusConflictResolved UploadStatus = "conflict_resolved"
)
