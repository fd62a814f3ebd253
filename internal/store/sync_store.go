package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mailhoard/mailhoard/internal/connector"
	"github.com/mailhoard/mailhoard/internal/model"
)

// GetSyncState loads the persisted cursor state for a source. A source
// that has never committed a cycle gets an empty state.
func (s *SQLiteStore) GetSyncState(
	ctx context.Context,
	sourceID string,
) (connector.State, error) {
	raw, ok, err := s.getString(ctx,
		"SELECT state FROM sync_state WHERE source_id = ?", sourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying sync state for %s: %w", sourceID, err)
	}
	if !ok || raw == "" {
		return connector.State{}, nil
	}

	var state connector.State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("unmarshaling sync state for %s: %w", sourceID, err)
	}
	return state, nil
}

// SaveSyncState replaces the persisted cursor state for a source.
func (s *SQLiteStore) SaveSyncState(
	ctx context.Context,
	sourceID string,
	state connector.State,
) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling sync state for %s: %w", sourceID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_state (source_id, state, updated_at)
		VALUES (?, ?, ?)`,
		sourceID, string(raw), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving sync state for %s: %w", sourceID, err)
	}
	return nil
}

// RecordSyncRun inserts one cycle audit record.
func (s *SQLiteStore) RecordSyncRun(
	ctx context.Context,
	run model.SyncRun,
) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (
			id, source_id, started_at, finished_at, outcome, fetched, skipped, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SourceID,
		run.StartedAt.UTC(), run.FinishedAt.UTC(),
		string(run.Outcome), run.Fetched, run.Skipped, run.Error,
	)
	if err != nil {
		return fmt.Errorf("recording sync run for %s: %w", run.SourceID, err)
	}
	return nil
}

// RecentSyncRuns returns the most recent cycle records across all
// sources, newest first.
func (s *SQLiteStore) RecentSyncRuns(
	ctx context.Context,
	limit int,
) ([]model.SyncRun, error) {
	if limit < 1 {
		limit = 20
	}

	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM sync_runs ORDER BY started_at DESC LIMIT ?", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying sync runs: %w", err)
	}
	defer rows.Close()

	var runs []model.SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// scanSyncRun scans a sync run row from a sqlx.Rows result set.
func scanSyncRun(rows *sqlx.Rows) (model.SyncRun, error) {
	var (
		run        model.SyncRun
		outcome    string
		startedAt  time.Time
		finishedAt time.Time
	)

	err := rows.Scan(
		&run.ID, &run.SourceID,
		&startedAt, &finishedAt,
		&outcome, &run.Fetched, &run.Skipped, &run.Error,
	)
	if err != nil {
		return model.SyncRun{}, fmt.Errorf("scanning sync run row: %w", err)
	}

	run.Outcome = model.RunOutcome(outcome)
	run.StartedAt = startedAt
	run.FinishedAt = finishedAt

	return run, nil
}
