package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/mailhoard/mailhoard/internal/connector"
	"github.com/mailhoard/mailhoard/internal/credential"
	"github.com/mailhoard/mailhoard/internal/model"
)

type fakeMessage struct {
	raw      string
	labels   []string
	history  uint64
	thread   string
	internal int64
}

type fakeEvent struct {
	history uint64
	msgID   string
}

// fakeGmail is a minimal REST double for the endpoints the connector
// touches: profile, labels, message list/get, history list.
type fakeGmail struct {
	mu         sync.Mutex
	order      []string
	msgs       map[string]fakeMessage
	missing    map[string]bool
	events     []fakeEvent
	minHistory uint64 // startHistoryId below this answers 404
	current    uint64
	pageSize   int
	failAll    int // when set, every request answers this status

	listCalls    int
	historyCalls int
	getCalls     int
}

func newFakeGmail() *fakeGmail {
	f := &fakeGmail{
		msgs:       map[string]fakeMessage{},
		missing:    map[string]bool{},
		minHistory: 1,
		current:    12,
		pageSize:   2,
	}
	f.add("m1", 10, rawMessage("first"), "INBOX")
	f.add("m2", 11, rawMessage("second"), "INBOX", "Label_1", "UNREAD", "CATEGORY_PERSONAL")
	f.add("m3", 12, rawMessage("third"), "INBOX")
	return f
}

func (f *fakeGmail) add(id string, history uint64, raw string, labels ...string) {
	f.order = append(f.order, id)
	f.msgs[id] = fakeMessage{
		raw:      raw,
		labels:   labels,
		history:  history,
		thread:   "t-" + id,
		internal: 1700000000000,
	}
}

func (f *fakeGmail) stats() (list, history, get int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.historyCalls, f.getCalls
}

func (f *fakeGmail) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAll != 0 {
		writeErr(w, f.failAll, "forced failure")
		return
	}

	path := r.URL.Path
	switch {
	case path == "/gmail/v1/users/me/profile":
		writeJSON(w, map[string]any{
			"emailAddress": "a@example.com",
			"historyId":    strconv.FormatUint(f.current, 10),
		})
	case path == "/gmail/v1/users/me/labels":
		writeJSON(w, map[string]any{
			"labels": []map[string]string{
				{"id": "INBOX", "name": "INBOX", "type": "system"},
				{"id": "SENT", "name": "SENT", "type": "system"},
				{"id": "UNREAD", "name": "UNREAD", "type": "system"},
				{"id": "CATEGORY_PERSONAL", "name": "CATEGORY_PERSONAL", "type": "system"},
				{"id": "Label_1", "name": "Work/Reports", "type": "user"},
			},
		})
	case path == "/gmail/v1/users/me/messages":
		f.listCalls++
		f.serveList(w, r)
	case strings.HasPrefix(path, "/gmail/v1/users/me/messages/"):
		f.getCalls++
		f.serveGet(w, strings.TrimPrefix(path, "/gmail/v1/users/me/messages/"))
	case path == "/gmail/v1/users/me/history":
		f.historyCalls++
		f.serveHistory(w, r)
	default:
		writeErr(w, http.StatusNotFound, "unknown path "+path)
	}
}

func (f *fakeGmail) serveList(w http.ResponseWriter, r *http.Request) {
	off := 0
	if tok := r.URL.Query().Get("pageToken"); tok != "" {
		off, _ = strconv.Atoi(tok)
	}
	end := len(f.order)
	if f.pageSize > 0 && off+f.pageSize < end {
		end = off + f.pageSize
	}

	var refs []map[string]string
	for _, id := range f.order[off:end] {
		refs = append(refs, map[string]string{"id": id, "threadId": f.msgs[id].thread})
	}
	resp := map[string]any{"messages": refs}
	if end < len(f.order) {
		resp["nextPageToken"] = strconv.Itoa(end)
	}
	writeJSON(w, resp)
}

func (f *fakeGmail) serveGet(w http.ResponseWriter, id string) {
	m, ok := f.msgs[id]
	if !ok || f.missing[id] {
		writeErr(w, http.StatusNotFound, "message not found")
		return
	}
	writeJSON(w, map[string]any{
		"id":           id,
		"threadId":     m.thread,
		"labelIds":     m.labels,
		"historyId":    strconv.FormatUint(m.history, 10),
		"internalDate": strconv.FormatInt(m.internal, 10),
		"raw":          base64.URLEncoding.EncodeToString([]byte(m.raw)),
	})
}

func (f *fakeGmail) serveHistory(w http.ResponseWriter, r *http.Request) {
	start, _ := strconv.ParseUint(r.URL.Query().Get("startHistoryId"), 10, 64)
	if start < f.minHistory {
		writeErr(w, http.StatusNotFound, "history id too old")
		return
	}

	var records []map[string]any
	for _, ev := range f.events {
		if ev.history <= start {
			continue
		}
		records = append(records, map[string]any{
			"id": strconv.FormatUint(ev.history, 10),
			"messagesAdded": []map[string]any{
				{"message": map[string]any{"id": ev.msgID}},
			},
		})
	}
	resp := map[string]any{"historyId": strconv.FormatUint(f.current, 10)}
	if records != nil {
		resp["history"] = records
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":%q}}`, code, msg)
}

func rawMessage(subject string) string {
	return "From: Alice <alice@example.com>\r\n" +
		"To: a@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Message-ID: <" + subject + "@example.com>\r\n" +
		"Date: Mon, 02 Jan 2023 15:04:05 +0000\r\n" +
		"\r\n" +
		"body of " + subject + "\r\n"
}

func newTestConnector(t *testing.T, f *fakeGmail) *Connector {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	c := New(
		model.IngestionSource{ID: "src-1", Kind: model.SourceKindGmail, Email: "a@example.com"},
		model.OAuthClientConfig{ClientID: "cid", ClientSecret: "cs"},
		credential.Credentials{
			RefreshToken: "rt",
			AccessToken:  "at",
			TokenExpiry:  time.Now().Add(time.Hour),
		},
	)
	c.endpoint = srv.URL
	c.policy = connector.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	c.limiter = rate.NewLimiter(rate.Inf, 0)
	return c
}

func drain(t *testing.T, feed *connector.Feed) []*model.EmailObject {
	t.Helper()
	var out []*model.EmailObject
	for feed.Next(context.Background()) {
		out = append(out, feed.Email())
	}
	require.NoError(t, feed.Err())
	return out
}

func priorState(historyID string) connector.State {
	return connector.State{}.WithAccount(model.SourceKindGmail, "a@example.com", connector.Cursor{
		"historyId": historyID,
	})
}

func TestConnectionIdentity(t *testing.T) {
	c := newTestConnector(t, newFakeGmail())

	identity, err := c.TestConnection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", identity)
}

func TestFullImportYieldsAllAndAnchorsCursor(t *testing.T) {
	f := newFakeGmail()
	c := newTestConnector(t, f)

	feed, err := c.FetchEmails(context.Background(), connector.State{})
	require.NoError(t, err)

	require.True(t, feed.Next(context.Background()))
	assert.True(t, c.UpdatedSyncState().IsEmpty(), "state must stay empty until the feed drains")

	emails := []*model.EmailObject{feed.Email()}
	for feed.Next(context.Background()) {
		emails = append(emails, feed.Email())
	}
	require.NoError(t, feed.Err())

	require.Len(t, emails, 3)
	assert.Equal(t, "first", emails[0].Subject)
	assert.Equal(t, "second", emails[1].Subject)
	assert.Equal(t, "third", emails[2].Subject)
	assert.Equal(t, "t-m1", emails[0].ThreadID)

	cur, ok := c.UpdatedSyncState().Account(model.SourceKindGmail, "a@example.com")
	require.True(t, ok)
	assert.Equal(t, "12", cur["historyId"], "cursor anchors on the newest enumerated history id")

	list, history, get := f.stats()
	assert.Equal(t, 2, list, "three messages at page size two paginate twice")
	assert.Equal(t, 0, history)
	assert.Equal(t, 3, get)
}

func TestIncrementalYieldsOnlyDelta(t *testing.T) {
	f := newFakeGmail()
	f.add("m4", 13, rawMessage("fourth"), "INBOX")
	f.events = []fakeEvent{{history: 13, msgID: "m4"}}
	f.current = 14
	c := newTestConnector(t, f)

	feed, err := c.FetchEmails(context.Background(), priorState("12"))
	require.NoError(t, err)

	emails := drain(t, feed)
	require.Len(t, emails, 1)
	assert.Equal(t, "fourth", emails[0].Subject)
	assert.Equal(t, "m4", emails[0].ProviderMessageID)

	cur, ok := c.UpdatedSyncState().Account(model.SourceKindGmail, "a@example.com")
	require.True(t, ok)
	assert.Equal(t, "14", cur["historyId"])

	list, history, _ := f.stats()
	assert.Equal(t, 0, list, "incremental must not enumerate the mailbox")
	assert.Equal(t, 1, history)
}

func TestExpiredCursorFallsBackToFullImport(t *testing.T) {
	f := newFakeGmail()
	f.minHistory = 20
	c := newTestConnector(t, f)

	feed, err := c.FetchEmails(context.Background(), priorState("5"))
	require.NoError(t, err)

	emails := drain(t, feed)
	require.Len(t, emails, 3, "fallback must deliver the whole mailbox")

	cur, ok := c.UpdatedSyncState().Account(model.SourceKindGmail, "a@example.com")
	require.True(t, ok)
	assert.Equal(t, "12", cur["historyId"])

	list, history, _ := f.stats()
	assert.Equal(t, 1, history)
	assert.Equal(t, 2, list)
}

func TestAbandonedFeedPublishesNothing(t *testing.T) {
	c := newTestConnector(t, newFakeGmail())

	feed, err := c.FetchEmails(context.Background(), connector.State{})
	require.NoError(t, err)

	require.True(t, feed.Next(context.Background()))
	require.NoError(t, feed.Close())

	assert.True(t, c.UpdatedSyncState().IsEmpty())
}

func TestGoneMessageSkipped(t *testing.T) {
	f := newFakeGmail()
	f.missing["m2"] = true
	c := newTestConnector(t, f)

	feed, err := c.FetchEmails(context.Background(), connector.State{})
	require.NoError(t, err)

	emails := drain(t, feed)
	require.Len(t, emails, 2)
	assert.Equal(t, "m1", emails[0].ProviderMessageID)
	assert.Equal(t, "m3", emails[1].ProviderMessageID)
}

func TestLabelResolution(t *testing.T) {
	c := newTestConnector(t, newFakeGmail())

	feed, err := c.FetchEmails(context.Background(), connector.State{})
	require.NoError(t, err)
	emails := drain(t, feed)
	require.Len(t, emails, 3)

	second := emails[1]
	assert.Equal(t, "INBOX", second.Folder)
	assert.Equal(t, []string{"Work/Reports"}, second.Tags, "system and category labels never surface as tags")
}

func TestArchivedMessageFolder(t *testing.T) {
	f := newFakeGmail()
	f.add("m9", 13, rawMessage("ninth"), "Label_1")
	f.current = 13
	c := newTestConnector(t, f)

	feed, err := c.FetchEmails(context.Background(), connector.State{})
	require.NoError(t, err)
	emails := drain(t, feed)
	require.Len(t, emails, 4)

	last := emails[3]
	assert.Equal(t, "Archive", last.Folder)
	assert.Equal(t, []string{"Work/Reports"}, last.Tags)
}

func TestEmptyMailboxAnchorsOnProfile(t *testing.T) {
	f := newFakeGmail()
	f.order = nil
	f.msgs = map[string]fakeMessage{}
	f.current = 7
	c := newTestConnector(t, f)

	feed, err := c.FetchEmails(context.Background(), connector.State{})
	require.NoError(t, err)
	emails := drain(t, feed)
	assert.Empty(t, emails)

	cur, ok := c.UpdatedSyncState().Account(model.SourceKindGmail, "a@example.com")
	require.True(t, ok)
	assert.Equal(t, "7", cur["historyId"])
}

func TestAuthFailureSurfacesAsAuthError(t *testing.T) {
	f := newFakeGmail()
	f.failAll = http.StatusUnauthorized
	c := newTestConnector(t, f)

	_, err := c.TestConnection(context.Background())
	require.Error(t, err)
	assert.True(t, connector.IsAuthError(err))
}

func TestMissingRefreshTokenIsConfigError(t *testing.T) {
	c := New(
		model.IngestionSource{ID: "src-1", Kind: model.SourceKindGmail, Email: "a@example.com"},
		model.OAuthClientConfig{ClientID: "cid", ClientSecret: "cs"},
		credential.Credentials{},
	)

	_, err := c.FetchEmails(context.Background(), connector.State{})
	require.Error(t, err)
	assert.True(t, connector.IsConfigError(err))
}

func TestDecodeRaw(t *testing.T) {
	want := []byte("Subject: hi\r\n\r\nbody")

	padded := base64.URLEncoding.EncodeToString(want)
	got, err := decodeRaw(padded)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	unpadded := base64.RawURLEncoding.EncodeToString(want)
	got, err = decodeRaw(unpadded)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = decodeRaw("")
	assert.Error(t, err)

	_, err = decodeRaw("!!!not-base64!!!")
	assert.Error(t, err)
}
