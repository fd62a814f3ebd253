package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/mailhoard/mailhoard/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// UpsertSource inserts or replaces a source row.
// If the source has no ID, a new UUID is generated.
func (s *SQLiteStore) UpsertSource(
	ctx context.Context,
	src model.IngestionSource,
) error {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	if src.Status == "" {
		src.Status = model.StatusPendingAuth
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}

	settingsJSON, err := json.Marshal(src.Settings)
	if err != nil {
		return fmt.Errorf("marshaling source settings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sources (
			id, kind, name, email, server, enabled, poll_interval_sec,
			settings, status, status_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, string(src.Kind), src.Name, src.Email, src.Server,
		boolToInt(src.Enabled), src.PollIntervalSec,
		string(settingsJSON), string(src.Status), src.StatusMessage,
		src.CreatedAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting source %s: %w", src.ID, err)
	}

	return nil
}

// GetSources retrieves all configured sources.
func (s *SQLiteStore) GetSources(
	ctx context.Context,
) ([]model.IngestionSource, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT * FROM sources ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("querying sources: %w", err)
	}
	defer rows.Close()

	var sources []model.IngestionSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}

	return sources, rows.Err()
}

// GetSourceByID retrieves a single source by its ID, or nil when it
// does not exist.
func (s *SQLiteStore) GetSourceByID(
	ctx context.Context,
	id string,
) (*model.IngestionSource, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT * FROM sources WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("querying source %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("querying source %s: %w", id, err)
		}
		return nil, nil
	}

	src, err := scanSource(rows)
	if err != nil {
		return nil, err
	}
	return &src, nil
}

// DeleteSource removes a source by ID. Messages, sync state, and run
// history cascade away with it.
func (s *SQLiteStore) DeleteSource(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sources WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting source %s: %w", id, err)
	}
	return nil
}

// SetSourceStatus updates only the lifecycle columns of a source.
func (s *SQLiteStore) SetSourceStatus(
	ctx context.Context,
	id string,
	status model.SourceStatus,
	message string,
) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sources SET status = ?, status_message = ?, updated_at = ?
		WHERE id = ?`,
		string(status), message, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating status of source %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("source %s not found", id)
	}
	return nil
}

// scanSource scans a source row from a sqlx.Rows result set.
func scanSource(rows *sqlx.Rows) (model.IngestionSource, error) {
	var (
		src          model.IngestionSource
		kind         string
		enabled      int
		settingsJSON string
		status       string
		createdAt    time.Time
		updatedAt    time.Time
	)

	err := rows.Scan(
		&src.ID, &kind, &src.Name, &src.Email, &src.Server,
		&enabled, &src.PollIntervalSec,
		&settingsJSON, &status, &src.StatusMessage,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return model.IngestionSource{}, fmt.Errorf("scanning source row: %w", err)
	}

	src.Kind = model.SourceKind(kind)
	src.Enabled = enabled != 0
	src.Status = model.SourceStatus(status)
	src.CreatedAt = createdAt
	src.UpdatedAt = updatedAt

	if settingsJSON != "" {
		if err := json.Unmarshal([]byte(settingsJSON), &src.Settings); err != nil {
			return model.IngestionSource{}, fmt.Errorf("unmarshaling source settings: %w", err)
		}
	}

	return src, nil
}

// getString is a small helper for single-value lookups that may miss.
func (s *SQLiteStore) getString(ctx context.Context, query string, args ...interface{}) (string, bool, error) {
	var v string
	err := s.db.GetContext(ctx, &v, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
