package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailhoard/mailhoard/internal/connector"
	"github.com/mailhoard/mailhoard/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSource(id string) model.IngestionSource {
	return model.IngestionSource{
		ID:              id,
		Kind:            model.SourceKindGmail,
		Name:            "Personal Gmail",
		Email:           "a@example.com",
		Enabled:         true,
		PollIntervalSec: 300,
		Settings:        map[string]string{"labels": "INBOX"},
		Status:          model.StatusPendingAuth,
	}
}

func TestSourceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSource(ctx, testSource("src-1")))

	got, err := s.GetSourceByID(ctx, "src-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.SourceKindGmail, got.Kind)
	assert.Equal(t, "a@example.com", got.Email)
	assert.True(t, got.Enabled)
	assert.Equal(t, "INBOX", got.Settings["labels"])
	assert.Equal(t, model.StatusPendingAuth, got.Status)

	missing, err := s.GetSourceByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := s.GetSources(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSetSourceStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSource(ctx, testSource("src-1")))
	require.NoError(t, s.SetSourceStatus(ctx, "src-1", model.StatusError, "history expired"))

	got, err := s.GetSourceByID(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
	assert.Equal(t, "history expired", got.StatusMessage)

	assert.Error(t, s.SetSourceStatus(ctx, "missing", model.StatusActive, ""))
}

func TestSyncStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSource(ctx, testSource("src-1")))

	// A fresh source has an empty state: full import territory.
	state, err := s.GetSyncState(ctx, "src-1")
	require.NoError(t, err)
	assert.True(t, state.IsEmpty())

	saved := connector.State{
		model.SourceKindGmail: {
			"a@example.com": connector.Cursor{"historyId": "12345"},
		},
	}
	require.NoError(t, s.SaveSyncState(ctx, "src-1", saved))

	state, err = s.GetSyncState(ctx, "src-1")
	require.NoError(t, err)
	c, ok := state.Account(model.SourceKindGmail, "a@example.com")
	require.True(t, ok)
	assert.Equal(t, "12345", c["historyId"])

	// Replacing works.
	require.NoError(t, s.SaveSyncState(ctx, "src-1",
		saved.WithAccount(model.SourceKindGmail, "a@example.com", connector.Cursor{"historyId": "200"})))
	state, err = s.GetSyncState(ctx, "src-1")
	require.NoError(t, err)
	c, _ = state.Account(model.SourceKindGmail, "a@example.com")
	assert.Equal(t, "200", c["historyId"])
}

func TestMessageDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSource(ctx, testSource("src-1")))

	rec := model.MessageRecord{
		SourceID:          "src-1",
		ProviderMessageID: "m-1",
		ThreadID:          "t-1",
		Owner:             "a@example.com",
		Subject:           "hello",
		Folder:            "INBOX",
		Tags:              []string{"INBOX"},
		ReceivedAt:        time.Now().UTC(),
		BlobPath:          "ab/cd/m-1.eml",
		Size:              128,
	}

	has, err := s.HasMessage(ctx, "src-1", "m-1")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, s.InsertMessage(ctx, rec))

	has, err = s.HasMessage(ctx, "src-1", "m-1")
	require.NoError(t, err)
	assert.True(t, has)

	// Re-ingesting the same provider message changes nothing.
	rec.Subject = "changed"
	require.NoError(t, s.InsertMessage(ctx, rec))

	count, err := s.CountMessages(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	thread, err := s.MessagesByThread(ctx, "src-1", "t-1")
	require.NoError(t, err)
	require.Len(t, thread, 1)
	assert.Equal(t, "hello", thread[0].Subject)
	assert.Equal(t, []string{"INBOX"}, thread[0].Tags)
}

func TestSyncRunHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSource(ctx, testSource("src-1")))

	now := time.Now().UTC()
	require.NoError(t, s.RecordSyncRun(ctx, model.SyncRun{
		SourceID:   "src-1",
		StartedAt:  now.Add(-2 * time.Minute),
		FinishedAt: now.Add(-1 * time.Minute),
		Outcome:    model.RunOK,
		Fetched:    10,
		Skipped:    2,
	}))
	require.NoError(t, s.RecordSyncRun(ctx, model.SyncRun{
		SourceID:   "src-1",
		StartedAt:  now,
		FinishedAt: now.Add(time.Minute),
		Outcome:    model.RunError,
		Error:      "cycle aborted",
	}))

	runs, err := s.RecentSyncRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, model.RunError, runs[0].Outcome)
	assert.Equal(t, "cycle aborted", runs[0].Error)
	assert.Equal(t, 10, runs[1].Fetched)
}

func TestDeleteSourceCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSource(ctx, testSource("src-1")))
	require.NoError(t, s.SaveSyncState(ctx, "src-1", connector.State{
		model.SourceKindGmail: {"a@example.com": connector.Cursor{"historyId": "1"}},
	}))
	require.NoError(t, s.InsertMessage(ctx, model.MessageRecord{
		SourceID:          "src-1",
		ProviderMessageID: "m-1",
		ReceivedAt:        time.Now(),
		BlobPath:          "x",
	}))

	require.NoError(t, s.DeleteSource(ctx, "src-1"))

	got, err := s.GetSourceByID(ctx, "src-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	count, err := s.CountMessages(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	state, err := s.GetSyncState(ctx, "src-1")
	require.NoError(t, err)
	assert.True(t, state.IsEmpty())
}
