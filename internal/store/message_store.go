package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mailhoard/mailhoard/internal/model"
)

// HasMessage reports whether a provider message is already archived.
func (s *SQLiteStore) HasMessage(
	ctx context.Context,
	sourceID, providerMessageID string,
) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM messages
		WHERE source_id = ? AND provider_message_id = ?`,
		sourceID, providerMessageID,
	)
	if err != nil {
		return false, fmt.Errorf("checking message %s/%s: %w", sourceID, providerMessageID, err)
	}
	return count > 0, nil
}

// InsertMessage records one archived message. The archive is
// append-only; an existing (source, provider message) pair is left
// untouched.
func (s *SQLiteStore) InsertMessage(
	ctx context.Context,
	rec model.MessageRecord,
) error {
	tagsJSON, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("marshaling tags for message %s: %w", rec.ProviderMessageID, err)
	}
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (
			source_id, provider_message_id, thread_id, owner,
			subject, folder, tags, received_at, blob_path, size, fetched_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SourceID, rec.ProviderMessageID, rec.ThreadID, rec.Owner,
		rec.Subject, rec.Folder, string(tagsJSON),
		rec.ReceivedAt.UTC(), rec.BlobPath, rec.Size, rec.FetchedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting message %s/%s: %w", rec.SourceID, rec.ProviderMessageID, err)
	}
	return nil
}

// CountMessages returns the number of archived messages for a source.
func (s *SQLiteStore) CountMessages(
	ctx context.Context,
	sourceID string,
) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM messages WHERE source_id = ?", sourceID,
	)
	if err != nil {
		return 0, fmt.Errorf("counting messages for %s: %w", sourceID, err)
	}
	return count, nil
}

// MessagesByThread returns archive metadata for one conversation within
// a source, oldest first.
func (s *SQLiteStore) MessagesByThread(
	ctx context.Context,
	sourceID, threadID string,
) ([]model.MessageRecord, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT * FROM messages
		WHERE source_id = ? AND thread_id = ?
		ORDER BY received_at`,
		sourceID, threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying thread %s: %w", threadID, err)
	}
	defer rows.Close()

	var recs []model.MessageRecord
	for rows.Next() {
		rec, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}

	return recs, rows.Err()
}

// scanMessage scans a message row from a sqlx.Rows result set.
func scanMessage(rows *sqlx.Rows) (model.MessageRecord, error) {
	var (
		rec        model.MessageRecord
		tagsJSON   string
		receivedAt time.Time
		fetchedAt  time.Time
	)

	err := rows.Scan(
		&rec.SourceID, &rec.ProviderMessageID, &rec.ThreadID, &rec.Owner,
		&rec.Subject, &rec.Folder, &tagsJSON,
		&receivedAt, &rec.BlobPath, &rec.Size, &fetchedAt,
	)
	if err != nil {
		return model.MessageRecord{}, fmt.Errorf("scanning message row: %w", err)
	}

	rec.ReceivedAt = receivedAt
	rec.FetchedAt = fetchedAt

	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &rec.Tags); err != nil {
			return model.MessageRecord{}, fmt.Errorf("unmarshaling message tags: %w", err)
		}
	}

	return rec, nil
}
