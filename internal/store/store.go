package store

import (
	"context"

	"github.com/mailhoard/mailhoard/internal/connector"
	"github.com/mailhoard/mailhoard/internal/model"
)

// Store defines the persistence interface for sources, sync state,
// archived message metadata, and sync-run audit records.
type Store interface {
	// === Sources ===

	UpsertSource(ctx context.Context, src model.IngestionSource) error
	GetSources(ctx context.Context) ([]model.IngestionSource, error)
	GetSourceByID(ctx context.Context, id string) (*model.IngestionSource, error)
	DeleteSource(ctx context.Context, id string) error

	// SetSourceStatus updates the lifecycle state and its free-text
	// explanation without touching the rest of the row.
	SetSourceStatus(ctx context.Context, id string, status model.SourceStatus, message string) error

	// === Sync state ===

	// GetSyncState returns the persisted cursor state for a source, or
	// an empty state when none has been committed yet.
	GetSyncState(ctx context.Context, sourceID string) (connector.State, error)

	// SaveSyncState replaces the persisted cursor state for a source.
	SaveSyncState(ctx context.Context, sourceID string, state connector.State) error

	// === Archived messages ===

	// HasMessage reports whether a provider message is already archived
	// for the source.
	HasMessage(ctx context.Context, sourceID, providerMessageID string) (bool, error)

	// InsertMessage records one archived message. Re-inserting an
	// existing (source, provider message) pair is a no-op.
	InsertMessage(ctx context.Context, rec model.MessageRecord) error

	CountMessages(ctx context.Context, sourceID string) (int, error)

	// === Sync runs ===

	RecordSyncRun(ctx context.Context, run model.SyncRun) error
	RecentSyncRuns(ctx context.Context, limit int) ([]model.SyncRun, error)
}
