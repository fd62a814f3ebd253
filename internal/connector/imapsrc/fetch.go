package imapsrc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/emersion/go-imap/v2"

	"github.com/mailhoard/mailhoard/internal/connector"
	"github.com/mailhoard/mailhoard/internal/mailparse"
	"github.com/mailhoard/mailhoard/internal/model"
)

// FetchEmails opens a feed over the synced folder. The cursor pairs the
// folder's UIDVALIDITY with the highest uid enumerated; a changed
// UIDVALIDITY voids stored uids, so the feed restarts as a full import
// without the caller noticing. The new cursor is published through
// UpdatedSyncState only after the feed is drained.
func (c *Connector) FetchEmails(ctx context.Context, prior connector.State) (*connector.Feed, error) {
	if err := c.ensureCreds(); err != nil {
		return nil, err
	}
	c.updated = connector.State{}
	run := &fetchRun{c: c, prior: prior}
	return connector.NewFeed(run.next, run.close), nil
}

// fetchRun walks one import pass over a single connection. The uid list
// is fixed at the first pull; messages arriving later have higher uids
// and belong to the next cycle.
type fetchRun struct {
	c     *Connector
	prior connector.State

	sess    imapSession
	started bool

	validity    uint32
	incremental bool
	prev        imap.UID
	uids        []imap.UID
	idx         int
	maxUID      imap.UID
}

func (r *fetchRun) next(ctx context.Context) (*model.EmailObject, error) {
	if !r.started {
		r.started = true
		if err := r.begin(ctx); err != nil {
			return nil, err
		}
	}

	for r.idx < len(r.uids) {
		uid := r.uids[r.idx]
		r.idx++

		obj, err := r.fetchOne(uid)
		if err != nil {
			var gone *connector.ItemGoneError
			if errors.As(err, &gone) {
				r.c.log.WithField("uid", uid).Warn("message expunged before fetch, skipping")
				continue
			}
			var norm *connector.NormalizationError
			if errors.As(err, &norm) {
				r.c.log.WithField("uid", uid).WithError(norm.Err).Warn("unparsable message, skipping")
				continue
			}
			return nil, err
		}
		return obj, nil
	}

	r.finalize()
	return nil, io.EOF
}

// begin connects, selects the folder and enumerates the uids of this
// pass. Every enumerated uid counts toward the cursor, whether its
// fetch later succeeds or the message is skipped.
func (r *fetchRun) begin(ctx context.Context) error {
	sess, err := r.c.connect(ctx)
	if err != nil {
		return err
	}
	r.sess = sess

	st, err := sess.Select(r.c.folder())
	if err != nil {
		return err
	}
	r.validity = st.UIDValidity

	if cur, ok := r.prior.Account(model.SourceKindIMAP, r.c.src.Email); ok {
		pv, err1 := strconv.ParseUint(cur["uidValidity"], 10, 32)
		pu, err2 := strconv.ParseUint(cur["lastUid"], 10, 32)
		if err1 == nil && err2 == nil {
			if uint32(pv) == st.UIDValidity {
				r.incremental = true
				r.prev = imap.UID(pu)
			} else {
				r.c.log.WithField("stored", pv).WithField("current", st.UIDValidity).
					Info("uid validity changed, running a full import")
			}
		}
	}

	uids, err := sess.UIDs(r.prev)
	if err != nil {
		return err
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	r.uids = uids

	switch {
	case len(uids) > 0:
		r.maxUID = uids[len(uids)-1]
	case r.incremental:
		r.maxUID = r.prev
	case st.UIDNext > 0:
		r.maxUID = st.UIDNext - 1
	}
	return nil
}

func (r *fetchRun) fetchOne(uid imap.UID) (*model.EmailObject, error) {
	m, err := r.sess.Message(uid)
	if err != nil {
		return nil, err
	}

	id := fmt.Sprintf("%d:%d", r.validity, uid)
	obj, err := mailparse.Normalize(m.Raw, mailparse.Options{
		Owner:             r.c.src.Email,
		ProviderMessageID: id,
		Folder:            r.c.folder(),
		ReceivedAt:        m.InternalDate,
	})
	if err != nil {
		return nil, &connector.NormalizationError{ID: id, Err: err}
	}
	return obj, nil
}

func (r *fetchRun) finalize() {
	r.c.updated = connector.State{}.WithAccount(model.SourceKindIMAP, r.c.src.Email, connector.Cursor{
		"uidValidity": strconv.FormatUint(uint64(r.validity), 10),
		"lastUid":     strconv.FormatUint(uint64(r.maxUID), 10),
	})
}

func (r *fetchRun) close() error {
	if r.sess == nil {
		return nil
	}
	return r.sess.Logout()
}
