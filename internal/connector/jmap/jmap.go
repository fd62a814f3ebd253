package jmap

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mailhoard/mailhoard/internal/connector"
	"github.com/mailhoard/mailhoard/internal/credential"
	"github.com/mailhoard/mailhoard/internal/logging"
	"github.com/mailhoard/mailhoard/internal/model"
)

const (
	queryPageSize = 50
	maxChanges    = 100
)

// Connector ingests mail from a JMAP server. One instance serves one
// sync cycle for one source.
type Connector struct {
	src    model.IngestionSource
	cl     *client
	policy connector.Policy
	log    *logrus.Entry

	taxonomy *connector.Taxonomy
	updated  connector.State
}

// New builds a connector for src using stored credentials. Basic auth
// applies when a password is present, bearer auth otherwise.
func New(src model.IngestionSource, creds credential.Credentials) *Connector {
	c := &Connector{
		src:     src,
		cl:      newClient(src.Server, creds),
		policy:  connector.DefaultPolicy(),
		log:     logging.Component(logging.CompJMAP).WithField("source", src.ID),
		updated: connector.State{},
	}
	c.taxonomy = connector.NewTaxonomy(c.loadMailboxes)
	return c
}

func (c *Connector) Family() model.SourceKind { return model.SourceKindJMAP }

// TestConnection fetches the session resource and reports the primary
// account's name, which servers set to the account address.
func (c *Connector) TestConnection(ctx context.Context) (string, error) {
	var s *session
	err := c.do(ctx, "jmap session", func() error {
		var err error
		s, err = c.cl.getSession(ctx)
		return err
	})
	if err != nil {
		return "", err
	}
	if acct, ok := s.Accounts[c.cl.accountID]; ok && acct.Name != "" {
		return acct.Name, nil
	}
	return c.cl.accountID, nil
}

// UpdatedSyncState reports the cursor captured by the last fully drained
// feed. It is empty until a FetchEmails feed is read to completion.
func (c *Connector) UpdatedSyncState() connector.State {
	return c.updated
}

// do runs fn under the retry policy.
func (c *Connector) do(ctx context.Context, op string, fn func() error) error {
	return c.policy.Do(ctx, op, fn)
}

// loadMailboxes feeds the taxonomy with the account's mailbox tree,
// parent links included.
func (c *Connector) loadMailboxes(ctx context.Context) (map[string]connector.TaxonomyEntry, error) {
	var resp mailboxGetResponse
	err := c.do(ctx, "Mailbox/get", func() error {
		return c.cl.call(ctx, "Mailbox/get", getRequest{AccountID: c.cl.accountID}, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes: %w", err)
	}

	entries := make(map[string]connector.TaxonomyEntry, len(resp.List))
	for _, mb := range resp.List {
		entries[mb.ID] = connector.TaxonomyEntry{
			Name:     mb.Name,
			ParentID: mb.ParentID,
			Role:     mb.Role,
		}
	}
	return entries, nil
}

// resolveMailboxes turns a message's mailbox memberships into a folder
// path plus tags. The inbox-role mailbox wins the folder slot when
// present; otherwise the first membership in a stable order does. The
// remaining memberships and any user keywords become tags.
func (c *Connector) resolveMailboxes(ctx context.Context, ids map[string]bool, keywords map[string]bool) (string, []string, error) {
	member := make([]string, 0, len(ids))
	for id, in := range ids {
		if in {
			member = append(member, id)
		}
	}
	sort.Strings(member)

	folderID := ""
	for _, id := range member {
		entry, ok, err := c.taxonomy.Entry(ctx, id)
		if err != nil {
			return "", nil, err
		}
		if ok && entry.Role == "inbox" {
			folderID = id
			break
		}
	}
	if folderID == "" && len(member) > 0 {
		folderID = member[0]
	}

	folder := ""
	if folderID != "" {
		p, err := c.taxonomy.Path(ctx, folderID)
		if err != nil {
			return "", nil, err
		}
		folder = p
	}

	var tags []string
	for _, id := range member {
		if id == folderID {
			continue
		}
		p, err := c.taxonomy.Path(ctx, id)
		if err != nil {
			return "", nil, err
		}
		tags = append(tags, p)
	}
	for kw, on := range keywords {
		if !on || isSystemKeyword(kw) {
			continue
		}
		tags = append(tags, strings.TrimPrefix(kw, "$"))
	}
	sort.Strings(tags)
	return folder, tags, nil
}

// isSystemKeyword reports whether kw tracks message state rather than
// user categorization.
func isSystemKeyword(kw string) bool {
	switch kw {
	case "$seen", "$draft", "$answered", "$forwarded", "$phishing", "$junk", "$notjunk":
		return true
	}
	return false
}
