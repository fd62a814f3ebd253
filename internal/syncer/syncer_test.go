package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailhoard/mailhoard/internal/connector"
	"github.com/mailhoard/mailhoard/internal/credential"
	"github.com/mailhoard/mailhoard/internal/index"
	"github.com/mailhoard/mailhoard/internal/model"
)

type statusChange struct {
	status  model.SourceStatus
	message string
}

type fakeStore struct {
	sources  map[string]model.IngestionSource
	states   map[string]connector.State
	messages map[string]model.MessageRecord
	runs     []model.SyncRun
	statuses map[string][]statusChange

	saveStateCalls int
	insertErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sources:  map[string]model.IngestionSource{},
		states:   map[string]connector.State{},
		messages: map[string]model.MessageRecord{},
		statuses: map[string][]statusChange{},
	}
}

func msgKey(sourceID, pmid string) string { return sourceID + "\x00" + pmid }

func (s *fakeStore) UpsertSource(ctx context.Context, src model.IngestionSource) error {
	s.sources[src.ID] = src
	return nil
}

func (s *fakeStore) GetSources(ctx context.Context) ([]model.IngestionSource, error) {
	var out []model.IngestionSource
	for _, src := range s.sources {
		out = append(out, src)
	}
	return out, nil
}

func (s *fakeStore) GetSourceByID(ctx context.Context, id string) (*model.IngestionSource, error) {
	src, ok := s.sources[id]
	if !ok {
		return nil, nil
	}
	return &src, nil
}

func (s *fakeStore) DeleteSource(ctx context.Context, id string) error {
	delete(s.sources, id)
	return nil
}

func (s *fakeStore) SetSourceStatus(ctx context.Context, id string, status model.SourceStatus, message string) error {
	s.statuses[id] = append(s.statuses[id], statusChange{status: status, message: message})
	return nil
}

func (s *fakeStore) GetSyncState(ctx context.Context, sourceID string) (connector.State, error) {
	return s.states[sourceID].Clone(), nil
}

func (s *fakeStore) SaveSyncState(ctx context.Context, sourceID string, state connector.State) error {
	s.saveStateCalls++
	s.states[sourceID] = state.Clone()
	return nil
}

func (s *fakeStore) HasMessage(ctx context.Context, sourceID, providerMessageID string) (bool, error) {
	_, ok := s.messages[msgKey(sourceID, providerMessageID)]
	return ok, nil
}

func (s *fakeStore) InsertMessage(ctx context.Context, rec model.MessageRecord) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.messages[msgKey(rec.SourceID, rec.ProviderMessageID)] = rec
	return nil
}

func (s *fakeStore) CountMessages(ctx context.Context, sourceID string) (int, error) {
	n := 0
	for _, rec := range s.messages {
		if rec.SourceID == sourceID {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) RecordSyncRun(ctx context.Context, run model.SyncRun) error {
	s.runs = append(s.runs, run)
	return nil
}

func (s *fakeStore) RecentSyncRuns(ctx context.Context, limit int) ([]model.SyncRun, error) {
	if limit > len(s.runs) {
		limit = len(s.runs)
	}
	out := make([]model.SyncRun, limit)
	copy(out, s.runs[len(s.runs)-limit:])
	return out, nil
}

type fakeBlob struct {
	data map[string][]byte
}

func (b *fakeBlob) Put(path string, data []byte) error {
	if _, ok := b.data[path]; ok {
		return nil
	}
	b.data[path] = append([]byte(nil), data...)
	return nil
}

func (b *fakeBlob) Open(path string) (io.ReadCloser, error) {
	data, ok := b.data[path]
	if !ok {
		return nil, fmt.Errorf("no blob at %s", path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *fakeBlob) Exists(path string) (bool, error) {
	_, ok := b.data[path]
	return ok, nil
}

type fakeIndex struct {
	docs    []index.Document
	deleted []string
	addErr  error
}

func (i *fakeIndex) Add(ctx context.Context, doc index.Document) error {
	if i.addErr != nil {
		return i.addErr
	}
	i.docs = append(i.docs, doc)
	return nil
}

func (i *fakeIndex) DeleteBySource(ctx context.Context, sourceID string) error {
	i.deleted = append(i.deleted, sourceID)
	return nil
}

type memKeyring struct {
	values map[string]string
}

func (m *memKeyring) Get(key string) (string, bool, error) {
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memKeyring) Set(key, value string) error {
	m.values[key] = value
	return nil
}

func (m *memKeyring) Delete(key string) error {
	delete(m.values, key)
	return nil
}

// fakeConnector yields a fixed item list and publishes its cursor only
// once the feed reaches the end, like the real connectors do.
type fakeConnector struct {
	kind    model.SourceKind
	account string
	items   []*model.EmailObject
	cursor  connector.Cursor

	failAfter int
	failErr   error
	fetchErr  error
	cancelAt  int
	cancel    context.CancelFunc

	fetchCalls int
	gotPrior   connector.State
	updated    connector.State
}

func (f *fakeConnector) Family() model.SourceKind { return f.kind }

func (f *fakeConnector) TestConnection(ctx context.Context) (string, error) {
	return f.account, nil
}

func (f *fakeConnector) FetchEmails(ctx context.Context, prior connector.State) (*connector.Feed, error) {
	f.fetchCalls++
	f.gotPrior = prior.Clone()
	f.updated = connector.State{}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}

	i := 0
	next := func(ctx context.Context) (*model.EmailObject, error) {
		if f.failErr != nil && i == f.failAfter {
			return nil, f.failErr
		}
		if i >= len(f.items) {
			if f.cursor != nil {
				f.updated = connector.State{}.WithAccount(f.kind, f.account, f.cursor)
			}
			return nil, io.EOF
		}
		em := f.items[i]
		i++
		if f.cancel != nil && i == f.cancelAt {
			f.cancel()
		}
		return em, nil
	}
	return connector.NewFeed(next, nil), nil
}

func (f *fakeConnector) UpdatedSyncState() connector.State { return f.updated }

func testEmail(id, subject string) *model.EmailObject {
	return &model.EmailObject{
		ProviderMessageID: id,
		ThreadID:          "t-" + id,
		Owner:             "pat@example.net",
		Subject:           subject,
		TextBody:          "body of " + subject,
		Raw:               []byte("From: a@example.net\r\nSubject: " + subject + "\r\n\r\nbody"),
		ReceivedAt:        time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func testSource() model.IngestionSource {
	return model.IngestionSource{
		ID:      "src-1",
		Kind:    model.SourceKindIMAP,
		Name:    "Personal",
		Email:   "pat@example.net",
		Server:  "mail.example.net:993",
		Enabled: true,
		Status:  model.StatusPendingAuth,
	}
}

type testEnv struct {
	runner       *Runner
	store        *fakeStore
	blobs        *fakeBlob
	idx          *fakeIndex
	vault        *credential.Vault
	factoryCalls int
}

func newTestEnv(t *testing.T, src model.IngestionSource, conn connector.Connector) *testEnv {
	t.Helper()

	env := &testEnv{
		store: newFakeStore(),
		blobs: &fakeBlob{data: map[string][]byte{}},
		idx:   &fakeIndex{},
	}
	env.store.sources[src.ID] = src

	crypter, err := credential.NewCrypter("test-passphrase")
	require.NoError(t, err)
	env.vault = credential.NewVault(&memKeyring{values: map[string]string{}}, crypter)
	require.NoError(t, env.vault.Save(src.ID, credential.Credentials{
		Username: "pat@example.net",
		Password: "hunter2",
	}))

	cfg := &model.AppConfig{Sync: model.SyncConfig{DefaultPollIntervalSec: 60}}
	env.runner = New(cfg, env.store, env.blobs, env.idx, env.vault)
	env.runner.connectorFor = func(model.IngestionSource, credential.Credentials) (connector.Connector, error) {
		env.factoryCalls++
		return conn, nil
	}
	return env
}

func (e *testEnv) lastStatus(t *testing.T, id string) statusChange {
	t.Helper()
	changes := e.store.statuses[id]
	require.NotEmpty(t, changes)
	return changes[len(changes)-1]
}

func TestCycleArchivesAndCommitsCursor(t *testing.T) {
	src := testSource()
	conn := &fakeConnector{
		kind:    src.Kind,
		account: src.Email,
		items:   []*model.EmailObject{testEmail("111:4", "first"), testEmail("111:7", "second"), testEmail("111:9", "third")},
		cursor:  connector.Cursor{"uidValidity": "111", "lastUid": "9"},
	}
	env := newTestEnv(t, src, conn)

	run := env.runner.RunCycle(context.Background(), src)

	assert.Equal(t, model.RunOK, run.Outcome)
	assert.Equal(t, 3, run.Fetched)
	assert.Equal(t, 0, run.Skipped)
	assert.Empty(t, run.Error)

	assert.Len(t, env.store.messages, 3)
	assert.Len(t, env.blobs.data, 3)
	assert.Len(t, env.idx.docs, 3)

	rec, ok := env.store.messages[msgKey(src.ID, "111:7")]
	require.True(t, ok)
	assert.Equal(t, "second", rec.Subject)
	assert.Equal(t, "t-111:7", rec.ThreadID)
	assert.Equal(t, "pat@example.net", rec.Owner)
	assert.Equal(t, int64(len(testEmail("111:7", "second").Raw)), rec.Size)

	stored, err := env.blobs.Open(rec.BlobPath)
	require.NoError(t, err)
	raw, err := io.ReadAll(stored)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Subject: second")

	cur, ok := env.store.states[src.ID].Account(src.Kind, src.Email)
	require.True(t, ok)
	assert.Equal(t, "9", cur["lastUid"])

	require.Len(t, env.store.runs, 1)
	assert.Equal(t, model.RunOK, env.store.runs[0].Outcome)
}

func TestCycleSkipsAlreadyArchived(t *testing.T) {
	src := testSource()
	conn := &fakeConnector{
		kind:    src.Kind,
		account: src.Email,
		items:   []*model.EmailObject{testEmail("m-1", "old"), testEmail("m-2", "new")},
		cursor:  connector.Cursor{"lastUid": "2"},
	}
	env := newTestEnv(t, src, conn)
	env.store.messages[msgKey(src.ID, "m-1")] = model.MessageRecord{SourceID: src.ID, ProviderMessageID: "m-1"}

	run := env.runner.RunCycle(context.Background(), src)

	assert.Equal(t, model.RunOK, run.Outcome)
	assert.Equal(t, 1, run.Fetched)
	assert.Equal(t, 1, run.Skipped)
	assert.Len(t, env.store.messages, 2)
	assert.Len(t, env.idx.docs, 1)
}

func TestFailedDrainKeepsPriorCursor(t *testing.T) {
	src := testSource()
	prior := connector.State{}.WithAccount(src.Kind, src.Email, connector.Cursor{"lastUid": "3"})
	conn := &fakeConnector{
		kind:      src.Kind,
		account:   src.Email,
		items:     []*model.EmailObject{testEmail("m-1", "one"), testEmail("m-2", "two"), testEmail("m-3", "three")},
		failAfter: 2,
		failErr:   connector.Transient("fetch", errors.New("connection reset")),
	}
	env := newTestEnv(t, src, conn)
	env.store.states[src.ID] = prior

	run := env.runner.RunCycle(context.Background(), src)

	assert.Equal(t, model.RunError, run.Outcome)
	assert.Equal(t, 2, run.Fetched)
	assert.NotEmpty(t, run.Error)

	// The two messages fetched before the failure stay archived, but the
	// cursor does not move.
	assert.Len(t, env.store.messages, 2)
	assert.Equal(t, 0, env.store.saveStateCalls)
	cur, ok := env.store.states[src.ID].Account(src.Kind, src.Email)
	require.True(t, ok)
	assert.Equal(t, "3", cur["lastUid"])

	assert.Equal(t, model.StatusError, env.lastStatus(t, src.ID).status)
}

func TestInsertFailureAbortsCycle(t *testing.T) {
	src := testSource()
	conn := &fakeConnector{
		kind:    src.Kind,
		account: src.Email,
		items:   []*model.EmailObject{testEmail("m-1", "one"), testEmail("m-2", "two")},
		cursor:  connector.Cursor{"lastUid": "2"},
	}
	env := newTestEnv(t, src, conn)
	env.store.insertErr = errors.New("database is locked")

	run := env.runner.RunCycle(context.Background(), src)

	assert.Equal(t, model.RunError, run.Outcome)
	assert.Contains(t, run.Error, "database is locked")
	assert.Equal(t, 0, env.store.saveStateCalls)
	assert.Equal(t, model.StatusError, env.lastStatus(t, src.ID).status)
}

func TestAuthErrorMarksPendingAuth(t *testing.T) {
	src := testSource()
	conn := &fakeConnector{
		kind:     src.Kind,
		account:  src.Email,
		fetchErr: &connector.AuthError{Kind: src.Kind, Message: "password rejected"},
	}
	env := newTestEnv(t, src, conn)

	run := env.runner.RunCycle(context.Background(), src)

	assert.Equal(t, model.RunError, run.Outcome)
	last := env.lastStatus(t, src.ID)
	assert.Equal(t, model.StatusPendingAuth, last.status)
	assert.Contains(t, last.message, "password rejected")
}

func TestMissingCredentialsMarkPendingAuth(t *testing.T) {
	src := testSource()
	conn := &fakeConnector{kind: src.Kind, account: src.Email}
	env := newTestEnv(t, src, conn)
	require.NoError(t, env.vault.Delete(src.ID))

	run := env.runner.RunCycle(context.Background(), src)

	assert.Equal(t, model.RunError, run.Outcome)
	assert.Contains(t, run.Error, "no credentials stored")
	assert.Equal(t, model.StatusPendingAuth, env.lastStatus(t, src.ID).status)
	assert.Equal(t, 0, env.factoryCalls)
}

func TestNoPublishedStateSavesNothing(t *testing.T) {
	src := testSource()
	prior := connector.State{}.WithAccount(src.Kind, src.Email, connector.Cursor{"lastUid": "5"})
	conn := &fakeConnector{kind: src.Kind, account: src.Email}
	env := newTestEnv(t, src, conn)
	env.store.states[src.ID] = prior

	run := env.runner.RunCycle(context.Background(), src)

	assert.Equal(t, model.RunOK, run.Outcome)
	assert.Equal(t, 0, run.Fetched)
	assert.Equal(t, 0, env.store.saveStateCalls)
	assert.Equal(t, model.StatusActive, env.lastStatus(t, src.ID).status)
}

func TestCanceledCycleLeavesStatusUntouched(t *testing.T) {
	src := testSource()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := &fakeConnector{
		kind:     src.Kind,
		account:  src.Email,
		items:    []*model.EmailObject{testEmail("m-1", "one"), testEmail("m-2", "two"), testEmail("m-3", "three")},
		cursor:   connector.Cursor{"lastUid": "3"},
		cancelAt: 1,
		cancel:   cancel,
	}
	env := newTestEnv(t, src, conn)
	env.store.states[src.ID] = connector.State{}.WithAccount(src.Kind, src.Email, connector.Cursor{"lastUid": "0"})

	run := env.runner.RunCycle(ctx, src)

	assert.Equal(t, model.RunCanceled, run.Outcome)
	assert.Equal(t, 1, run.Fetched)
	assert.Equal(t, 0, env.store.saveStateCalls)

	// The run is still recorded, the status stays as it was.
	require.Len(t, env.store.runs, 1)
	assert.Equal(t, model.RunCanceled, env.store.runs[0].Outcome)
	assert.Empty(t, env.store.statuses[src.ID])
}

func TestIndexFailureDoesNotFailCycle(t *testing.T) {
	src := testSource()
	conn := &fakeConnector{
		kind:    src.Kind,
		account: src.Email,
		items:   []*model.EmailObject{testEmail("m-1", "one")},
		cursor:  connector.Cursor{"lastUid": "1"},
	}
	env := newTestEnv(t, src, conn)
	env.idx.addErr = errors.New("index unreachable")

	run := env.runner.RunCycle(context.Background(), src)

	assert.Equal(t, model.RunOK, run.Outcome)
	assert.Equal(t, 1, run.Fetched)
	assert.Len(t, env.store.messages, 1)
	assert.Empty(t, env.idx.docs)
}

func TestFullImportMarksImportingThenActive(t *testing.T) {
	src := testSource()
	conn := &fakeConnector{
		kind:    src.Kind,
		account: src.Email,
		items:   []*model.EmailObject{testEmail("m-1", "one")},
		cursor:  connector.Cursor{"lastUid": "1"},
	}
	env := newTestEnv(t, src, conn)

	env.runner.RunCycle(context.Background(), src)

	changes := env.store.statuses[src.ID]
	require.Len(t, changes, 2)
	assert.Equal(t, model.StatusImporting, changes[0].status)
	assert.Equal(t, model.StatusActive, changes[1].status)
	assert.Contains(t, changes[1].message, "synced 1 new")
}

func TestIncrementalCycleSkipsImportingStatus(t *testing.T) {
	src := testSource()
	conn := &fakeConnector{
		kind:    src.Kind,
		account: src.Email,
		items:   []*model.EmailObject{testEmail("m-2", "two")},
		cursor:  connector.Cursor{"lastUid": "2"},
	}
	env := newTestEnv(t, src, conn)
	env.store.states[src.ID] = connector.State{}.WithAccount(src.Kind, src.Email, connector.Cursor{"lastUid": "1"})

	env.runner.RunCycle(context.Background(), src)

	changes := env.store.statuses[src.ID]
	require.Len(t, changes, 1)
	assert.Equal(t, model.StatusActive, changes[0].status)
}

func TestTwoCyclesAdvanceCursorIncrementally(t *testing.T) {
	src := testSource()

	first := &fakeConnector{
		kind:    src.Kind,
		account: src.Email,
		items:   []*model.EmailObject{testEmail("m-1", "one"), testEmail("m-2", "two")},
		cursor:  connector.Cursor{"history": "H0"},
	}
	env := newTestEnv(t, src, first)

	run1 := env.runner.RunCycle(context.Background(), src)
	assert.Equal(t, 2, run1.Fetched)
	assert.True(t, first.gotPrior.IsEmpty())

	second := &fakeConnector{
		kind:    src.Kind,
		account: src.Email,
		items:   []*model.EmailObject{testEmail("m-3", "three")},
		cursor:  connector.Cursor{"history": "H1"},
	}
	env.runner.connectorFor = func(model.IngestionSource, credential.Credentials) (connector.Connector, error) {
		return second, nil
	}

	run2 := env.runner.RunCycle(context.Background(), src)
	assert.Equal(t, 1, run2.Fetched)

	// The second cycle starts from the cursor the first one committed.
	prior, ok := second.gotPrior.Account(src.Kind, src.Email)
	require.True(t, ok)
	assert.Equal(t, "H0", prior["history"])

	final, ok := env.store.states[src.ID].Account(src.Kind, src.Email)
	require.True(t, ok)
	assert.Equal(t, "H1", final["history"])

	assert.Len(t, env.store.messages, 3)
}

func TestRunOnceUnknownSource(t *testing.T) {
	src := testSource()
	env := newTestEnv(t, src, &fakeConnector{kind: src.Kind, account: src.Email})

	_, err := env.runner.RunOnce(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source")
}

func TestRunOnceRunsNamedSource(t *testing.T) {
	src := testSource()
	conn := &fakeConnector{
		kind:    src.Kind,
		account: src.Email,
		items:   []*model.EmailObject{testEmail("m-1", "one")},
		cursor:  connector.Cursor{"lastUid": "1"},
	}
	env := newTestEnv(t, src, conn)

	run, err := env.runner.RunOnce(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunOK, run.Outcome)
	assert.Equal(t, 1, run.Fetched)
}

func TestStartSchedulesOnlyEnabledSources(t *testing.T) {
	src := testSource()
	disabled := testSource()
	disabled.ID = "src-2"
	disabled.Enabled = false

	conn := &fakeConnector{kind: src.Kind, account: src.Email, cursor: connector.Cursor{"lastUid": "0"}}
	env := newTestEnv(t, src, conn)
	env.store.sources[disabled.ID] = disabled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, env.runner.Start(ctx))
	env.runner.Wait()

	// Each enabled source runs its immediate first cycle even though the
	// context is already gone; the disabled one never runs.
	assert.Equal(t, 1, conn.fetchCalls)
	require.Len(t, env.store.runs, 1)
	assert.Equal(t, src.ID, env.store.runs[0].SourceID)
}

func TestTriggerNeverBlocks(t *testing.T) {
	src := testSource()
	env := newTestEnv(t, src, &fakeConnector{kind: src.Kind, account: src.Email})

	for i := 0; i < 40; i++ {
		env.runner.Trigger(src.ID)
	}
}
