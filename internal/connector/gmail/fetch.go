package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/mailhoard/mailhoard/internal/connector"
	"github.com/mailhoard/mailhoard/internal/mailparse"
	"github.com/mailhoard/mailhoard/internal/model"
)

// FetchEmails starts one sync pass. A prior history id for the account
// selects an incremental fetch; no entry, or a rejected id, runs a full
// enumeration inside the same feed.
func (c *Connector) FetchEmails(ctx context.Context, prior connector.State) (*connector.Feed, error) {
	svc, err := c.service(ctx)
	if err != nil {
		return nil, err
	}
	c.updated = connector.State{}

	run := &fetchRun{c: c, svc: svc, seen: map[string]bool{}}
	if cur, ok := prior.Account(model.SourceKindGmail, c.src.Email); ok {
		if v := cur["historyId"]; v != "" {
			if id, perr := strconv.ParseUint(v, 10, 64); perr == nil {
				run.since = id
			}
		}
	}
	run.incremental = run.since > 0
	return connector.NewFeed(run.next, nil), nil
}

// fetchRun is the enumeration state of one pass. It queues one page of
// message ids at a time and retrieves them lazily as the feed is
// consumed.
type fetchRun struct {
	c   *Connector
	svc *gmailapi.Service

	since       uint64 // prior history id; 0 runs a full import
	incremental bool
	started     bool
	exhausted   bool

	pageToken string
	queue     []string
	idx       int
	seen      map[string]bool

	maxSeen uint64 // highest history id among fetched messages
	latest  uint64 // server history id reported by the change log
}

func (r *fetchRun) next(ctx context.Context) (*model.EmailObject, error) {
	for {
		if r.idx < len(r.queue) {
			id := r.queue[r.idx]
			r.idx++

			em, err := r.fetchOne(ctx, id)
			if err != nil {
				if connector.IsItemGone(err) {
					r.c.log.WithField("message", id).Warn("message vanished before retrieval, skipping")
					continue
				}
				var nerr *connector.NormalizationError
				if errors.As(err, &nerr) {
					r.c.log.WithField("message", id).WithError(err).Warn("unparseable message skipped")
					continue
				}
				return nil, err
			}
			return em, nil
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

// advance loads the next page of message ids.
func (r *fetchRun) advance(ctx context.Context) error {
	if r.incremental && !r.started {
		r.started = true
		err := r.historyPage(ctx)
		if err == nil {
			return nil
		}
		if !connector.IsStateInvalidated(err) {
			return err
		}
		// The provider no longer remembers the cursor. Restart the
		// pass as a full import; the consumer sees one uninterrupted
		// feed either way.
		r.c.log.WithField("since", r.since).Info("history id expired, running a full import")
		r.incremental = false
		r.since = 0
		r.pageToken = ""
		return r.listPage(ctx)
	}

	r.started = true
	if r.incremental {
		return r.historyPage(ctx)
	}
	return r.listPage(ctx)
}

func (r *fetchRun) listPage(ctx context.Context) error {
	call := r.svc.Users.Messages.List("me").MaxResults(listPageSize)
	if r.pageToken != "" {
		call = call.PageToken(r.pageToken)
	}

	var resp *gmailapi.ListMessagesResponse
	err := r.c.do(ctx, "listing messages", func() error {
		lr, lerr := call.Context(ctx).Do()
		if lerr != nil {
			return apiError("listing messages", lerr)
		}
		resp = lr
		return nil
	})
	if err != nil {
		return err
	}

	r.queue = r.queue[:0]
	r.idx = 0
	for _, m := range resp.Messages {
		if r.seen[m.Id] {
			continue
		}
		r.seen[m.Id] = true
		r.queue = append(r.queue, m.Id)
	}
	r.pageToken = resp.NextPageToken
	if r.pageToken == "" {
		r.exhausted = true
	}
	return nil
}

func (r *fetchRun) historyPage(ctx context.Context) error {
	call := r.svc.Users.History.List("me").
		StartHistoryId(r.since).
		HistoryTypes("messageAdded").
		MaxResults(historyPageSize)
	if r.pageToken != "" {
		call = call.PageToken(r.pageToken)
	}

	var resp *gmailapi.ListHistoryResponse
	err := r.c.do(ctx, "listing history", func() error {
		hr, herr := call.Context(ctx).Do()
		if herr != nil {
			var gerr *googleapi.Error
			if errors.As(herr, &gerr) && gerr.Code == http.StatusNotFound {
				return &connector.StateInvalidatedError{
					Kind:   model.SourceKindGmail,
					Reason: fmt.Sprintf("history id %d no longer available", r.since),
				}
			}
			return apiError("listing history", herr)
		}
		resp = hr
		return nil
	})
	if err != nil {
		return err
	}

	r.queue = r.queue[:0]
	r.idx = 0
	for _, h := range resp.History {
		for _, added := range h.MessagesAdded {
			if added.Message == nil || r.seen[added.Message.Id] {
				continue
			}
			r.seen[added.Message.Id] = true
			r.queue = append(r.queue, added.Message.Id)
		}
	}
	if resp.HistoryId > r.latest {
		r.latest = resp.HistoryId
	}
	r.pageToken = resp.NextPageToken
	if r.pageToken == "" {
		r.exhausted = true
	}
	return nil
}

// fetchOne retrieves and normalizes a single message.
func (r *fetchRun) fetchOne(ctx context.Context, id string) (*model.EmailObject, error) {
	var msg *gmailapi.Message
	err := r.c.do(ctx, "fetching message", func() error {
		m, gerr := r.svc.Users.Messages.Get("me", id).Format("raw").Context(ctx).Do()
		if gerr != nil {
			var aerr *googleapi.Error
			if errors.As(gerr, &aerr) && aerr.Code == http.StatusNotFound {
				return &connector.ItemGoneError{ID: id}
			}
			return apiError("fetching message", gerr)
		}
		msg = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	raw, err := decodeRaw(msg.Raw)
	if err != nil {
		return nil, &connector.NormalizationError{ID: id, Err: err}
	}

	folder, tags, err := r.c.resolveLabels(ctx, msg.LabelIds)
	if err != nil {
		return nil, err
	}

	var received time.Time
	if msg.InternalDate > 0 {
		received = time.UnixMilli(msg.InternalDate)
	}

	em, err := mailparse.Normalize(raw, mailparse.Options{
		Owner:             r.c.src.Email,
		ProviderMessageID: msg.Id,
		NativeThreadID:    msg.ThreadId,
		Folder:            folder,
		Tags:              tags,
		ReceivedAt:        received,
	})
	if err != nil {
		return nil, &connector.NormalizationError{ID: id, Err: err}
	}

	if msg.HistoryId > r.maxSeen {
		r.maxSeen = msg.HistoryId
	}
	return em, nil
}

// finalize publishes the advanced cursor once enumeration has fully
// drained.
func (r *fetchRun) finalize(ctx context.Context) error {
	cursor := r.latest
	if !r.incremental {
		// Anchor on the newest history id actually enumerated: a
		// message that arrived mid-scan sorts after it, so the next
		// incremental pass surfaces anything pagination missed.
		cursor = r.maxSeen
		if cursor == 0 {
			var profile *gmailapi.Profile
			err := r.c.do(ctx, "fetching profile", func() error {
				p, perr := r.svc.Users.GetProfile("me").Context(ctx).Do()
				if perr != nil {
					return apiError("fetching profile", perr)
				}
				profile = p
				return nil
			})
			if err != nil {
				return err
			}
			cursor = profile.HistoryId
		}
	}
	if cursor == 0 {
		cursor = r.since
	}
	if cursor == 0 {
		return nil
	}

	r.c.updated = connector.State{}.WithAccount(model.SourceKindGmail, r.c.src.Email, connector.Cursor{
		"historyId": strconv.FormatUint(cursor, 10),
	})
	return nil
}

// decodeRaw decodes the raw message payload, which arrives base64url
// encoded with or without padding depending on the serving frontend.
func decodeRaw(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("empty raw payload")
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
