package model

import "time"

// SourceKind identifies the provider family of an ingestion source.
type SourceKind string

const (
	SourceKindGmail SourceKind = "gmail"
	SourceKindJMAP  SourceKind = "jmap"
	SourceKindIMAP  SourceKind = "imap"
)

// SourceStatus is the lifecycle state of an ingestion source.
type SourceStatus string

const (
	// StatusPendingAuth means the source exists but has no usable
	// credentials yet; an authorization flow must complete first.
	StatusPendingAuth SourceStatus = "pending_auth"

	// StatusImporting means the initial full import is in progress.
	StatusImporting SourceStatus = "importing"

	// StatusActive means the source syncs incrementally on schedule.
	StatusActive SourceStatus = "active"

	// StatusError means the last cycle failed and needs attention.
	StatusError SourceStatus = "error"

	// StatusPaused means the operator disabled syncing.
	StatusPaused SourceStatus = "paused"
)

// IngestionSource is one configured mailbox account to archive.
type IngestionSource struct {
	// ID is the internal unique identifier for this source.
	ID string `json:"id"`

	// Kind identifies the provider family (use SourceKind* constants).
	Kind SourceKind `json:"kind"`

	// Name is the operator-assigned label for this source.
	Name string `json:"name"`

	// Email is the mailbox account address; resolved during
	// authorization for OAuth sources, entered directly otherwise.
	Email string `json:"email"`

	// Server is the provider endpoint: IMAP host:port or the JMAP
	// session URL. Empty for Gmail (fixed API endpoint).
	Server string `json:"server"`

	// Enabled controls whether the scheduler runs cycles for this source.
	Enabled bool `json:"enabled"`

	// PollIntervalSec is the seconds between incremental sync cycles.
	PollIntervalSec int `json:"poll_interval_sec"`

	// Settings holds kind-specific options (folders to include,
	// TLS mode, OAuth scope overrides).
	Settings map[string]string `json:"settings,omitempty"`

	// Status is the current lifecycle state.
	Status SourceStatus `json:"status"`

	// StatusMessage is free text explaining the current status,
	// e.g. the last error or the authorization step awaited.
	StatusMessage string `json:"status_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunOutcome classifies how a sync cycle ended.
type RunOutcome string

const (
	RunOK       RunOutcome = "ok"
	RunError    RunOutcome = "error"
	RunCanceled RunOutcome = "canceled"
)

// SyncRun is the audit record for one sync cycle of one source.
type SyncRun struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// SourceID links the run to its ingestion source.
	SourceID string `json:"source_id"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Outcome classifies the result (use Run* constants).
	Outcome RunOutcome `json:"outcome"`

	// Fetched counts messages archived during the run.
	Fetched int `json:"fetched"`

	// Skipped counts messages passed over (already archived, or gone
	// from the provider between listing and retrieval).
	Skipped int `json:"skipped"`

	// Error holds the failure text when Outcome is RunError.
	Error string `json:"error,omitempty"`
}

// MessageRecord is the archive metadata row for one stored message.
// The raw bytes live in the blob store at BlobPath; this row carries
// the searchable subset and the dedup key.
type MessageRecord struct {
	// SourceID plus ProviderMessageID uniquely identify a message;
	// re-ingesting the same pair is a no-op.
	SourceID          string `json:"source_id"`
	ProviderMessageID string `json:"provider_message_id"`

	ThreadID string `json:"thread_id"`
	Owner    string `json:"owner"`
	Subject  string `json:"subject"`
	Folder   string `json:"folder,omitempty"`

	// Tags are stored as a JSON array in the metadata database.
	Tags []string `json:"tags,omitempty"`

	ReceivedAt time.Time `json:"received_at"`

	// BlobPath locates the raw message in the blob store.
	BlobPath string `json:"blob_path"`

	// Size is the raw message length in bytes.
	Size int64 `json:"size"`

	FetchedAt time.Time `json:"fetched_at"`
}
