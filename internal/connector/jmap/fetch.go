package jmap

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/mailhoard/mailhoard/internal/connector"
	"github.com/mailhoard/mailhoard/internal/mailparse"
	"github.com/mailhoard/mailhoard/internal/model"
)

// emailProperties is the metadata subset requested from Email/get; the
// message bodies come from the blob endpoint.
var emailProperties = []string{"id", "blobId", "threadId", "mailboxIds", "keywords", "receivedAt", "size"}

// FetchEmails opens a feed over the account's messages. With a stored
// state token the feed carries only changes since that token; without
// one, or when the server can no longer diff against it, the feed
// carries the whole account. The new state token is published through
// UpdatedSyncState only after the feed is drained.
func (c *Connector) FetchEmails(ctx context.Context, prior connector.State) (*connector.Feed, error) {
	if err := c.ensureCreds(); err != nil {
		return nil, err
	}
	c.updated = connector.State{}
	run := &fetchRun{
		c:     c,
		prior: prior,
		seen:  make(map[string]bool),
	}
	return connector.NewFeed(run.next, nil), nil
}

func (c *Connector) ensureCreds() error {
	if c.cl.password == "" && c.cl.token == "" {
		return &connector.ConfigError{
			Kind:    model.SourceKindJMAP,
			Message: "no credentials stored for this source",
		}
	}
	return nil
}

// fetchRun walks one import pass. The queue holds the metadata of the
// current page; advance refills it from Email/query or Email/changes
// until the server is exhausted.
type fetchRun struct {
	c     *Connector
	prior connector.State

	since       string
	incremental bool
	started     bool
	exhausted   bool

	position int
	rounds   int
	queue    []emailMeta
	idx      int
	seen     map[string]bool

	lastState string
	newState  string
}

func (r *fetchRun) next(ctx context.Context) (*model.EmailObject, error) {
	for {
		for r.idx < len(r.queue) {
			meta := r.queue[r.idx]
			r.idx++
			obj, err := r.fetchOne(ctx, meta)
			if err != nil {
				var gone *connector.ItemGoneError
				if errors.As(err, &gone) {
					r.c.log.WithField("id", meta.ID).Warn("message vanished before download, skipping")
					continue
				}
				var norm *connector.NormalizationError
				if errors.As(err, &norm) {
					r.c.log.WithField("id", meta.ID).WithError(norm.Err).Warn("unparsable message, skipping")
					continue
				}
				return nil, err
			}
			return obj, nil
		}

		if r.exhausted {
			if err := r.finalize(ctx); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		if err := r.advance(ctx); err != nil {
			return nil, err
		}
	}
}

// advance fetches the next page of message ids and their metadata.
func (r *fetchRun) advance(ctx context.Context) error {
	if !r.started {
		r.started = true
		if err := r.begin(ctx); err != nil {
			return err
		}
	}
	if r.incremental {
		return r.changesPage(ctx)
	}
	return r.queryPage(ctx)
}

// begin resolves the session and reads the prior cursor, which is keyed
// by the server's account id.
func (r *fetchRun) begin(ctx context.Context) error {
	err := r.c.do(ctx, "jmap session", func() error {
		_, err := r.c.cl.getSession(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if cur, ok := r.prior.Account(model.SourceKindJMAP, r.c.cl.accountID); ok {
		r.since = cur["state"]
	}
	r.incremental = r.since != ""
	return nil
}

// queryPage enumerates one page of the full import. Oldest-first
// ordering keeps messages arriving mid-import inside later pages
// instead of behind the scan.
func (r *fetchRun) queryPage(ctx context.Context) error {
	var resp queryResponse
	err := r.c.do(ctx, "Email/query", func() error {
		return r.c.cl.call(ctx, "Email/query", queryRequest{
			AccountID: r.c.cl.accountID,
			Sort:      []querySort{{Property: "receivedAt", IsAscending: true}},
			Position:  r.position,
			Limit:     queryPageSize,
		}, &resp)
	})
	if err != nil {
		return err
	}
	if len(resp.IDs) == 0 {
		r.exhausted = true
		return nil
	}
	r.position += len(resp.IDs)
	return r.loadMetas(ctx, resp.IDs)
}

// changesPage consumes one round of Email/changes. A state the server
// can no longer diff against downgrades the first round to a full
// import; the feed's caller never sees the switch.
func (r *fetchRun) changesPage(ctx context.Context) error {
	var resp changesResponse
	err := r.c.do(ctx, "Email/changes", func() error {
		return r.c.cl.call(ctx, "Email/changes", changesRequest{
			AccountID:  r.c.cl.accountID,
			SinceState: r.since,
			MaxChanges: maxChanges,
		}, &resp)
	})
	if err != nil {
		var inv *connector.StateInvalidatedError
		if r.rounds == 0 && errors.As(err, &inv) {
			r.c.log.Info("stored state expired, running a full import")
			r.incremental = false
			return nil
		}
		return err
	}
	r.rounds++
	r.newState = resp.NewState
	r.since = resp.NewState
	if !resp.HasMoreChanges {
		r.exhausted = true
	}
	return r.loadMetas(ctx, resp.Created)
}

// loadMetas resolves ids to metadata in one Email/get. Ids already
// yielded in this pass are dropped; ids the server reports missing are
// logged and skipped.
func (r *fetchRun) loadMetas(ctx context.Context, ids []string) error {
	fresh := make([]string, 0, len(ids))
	for _, id := range ids {
		if r.seen[id] {
			continue
		}
		r.seen[id] = true
		fresh = append(fresh, id)
	}
	if len(fresh) == 0 {
		r.queue, r.idx = nil, 0
		return nil
	}

	var resp emailGetResponse
	err := r.c.do(ctx, "Email/get", func() error {
		return r.c.cl.call(ctx, "Email/get", getRequest{
			AccountID:  r.c.cl.accountID,
			IDs:        fresh,
			Properties: emailProperties,
		}, &resp)
	})
	if err != nil {
		return err
	}
	for _, id := range resp.NotFound {
		r.c.log.WithField("id", id).Warn("message vanished before metadata fetch, skipping")
	}
	r.lastState = resp.State
	r.queue, r.idx = resp.List, 0
	return nil
}

// fetchOne downloads one message's raw bytes and normalizes them.
func (r *fetchRun) fetchOne(ctx context.Context, meta emailMeta) (*model.EmailObject, error) {
	var raw []byte
	err := r.c.do(ctx, "blob download", func() error {
		var err error
		raw, err = r.c.cl.downloadBlob(ctx, meta.BlobID)
		return err
	})
	if err != nil {
		return nil, err
	}

	folder, tags, err := r.c.resolveMailboxes(ctx, meta.MailboxIDs, meta.Keywords)
	if err != nil {
		return nil, err
	}

	opts := mailparse.Options{
		Owner:             r.c.src.Email,
		ProviderMessageID: meta.ID,
		NativeThreadID:    meta.ThreadID,
		Folder:            folder,
		Tags:              tags,
	}
	if t, err := time.Parse(time.RFC3339, meta.ReceivedAt); err == nil {
		opts.ReceivedAt = t
	}

	obj, err := mailparse.Normalize(raw, opts)
	if err != nil {
		return nil, &connector.NormalizationError{ID: meta.ID, Err: err}
	}
	return obj, nil
}

// finalize captures the cursor for the drained pass. An incremental
// pass ends on the last newState; a full pass ends on the state reported
// by the last metadata fetch, read once from the server when the
// mailbox was empty.
func (r *fetchRun) finalize(ctx context.Context) error {
	cursor := r.lastState
	if r.incremental {
		cursor = r.newState
	}
	if cursor == "" {
		var resp emailGetResponse
		err := r.c.do(ctx, "Email/get", func() error {
			return r.c.cl.call(ctx, "Email/get", getRequest{
				AccountID: r.c.cl.accountID,
				IDs:       []string{},
			}, &resp)
		})
		if err != nil {
			return err
		}
		cursor = resp.State
	}
	r.c.updated = connector.State{}.WithAccount(model.SourceKindJMAP, r.c.cl.accountID, connector.Cursor{
		"state": cursor,
	})
	return nil
}
