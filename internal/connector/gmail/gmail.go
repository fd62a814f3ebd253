// Package gmail ingests Gmail mailboxes through the Gmail REST API.
// Incremental progress rides on history ids; labels map onto the
// archive's folder and tag model.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mailhoard/mailhoard/internal/connector"
	"github.com/mailhoard/mailhoard/internal/credential"
	"github.com/mailhoard/mailhoard/internal/logging"
	"github.com/mailhoard/mailhoard/internal/model"
)

const (
	// Pacing keeps one account's cycle well under the per-user quota.
	requestsPerSecond = 5
	requestBurst      = 10

	listPageSize    = 100
	historyPageSize = 100
)

// folderRoles orders the system labels that can serve as a message's
// folder; the first one present wins.
var folderRoles = []string{"INBOX", "SENT", "DRAFT", "SPAM", "TRASH"}

// Connector syncs one Gmail account. Build a fresh instance per cycle.
type Connector struct {
	src    model.IngestionSource
	oauth  *oauth2.Config
	creds  credential.Credentials
	policy connector.Policy
	log    *logrus.Entry

	// endpoint overrides the API base URL in tests.
	endpoint string

	svc      *gmailapi.Service
	limiter  *rate.Limiter
	taxonomy *connector.Taxonomy
	updated  connector.State
}

// New builds a connector for src using the app's OAuth client and the
// source's stored credentials.
func New(src model.IngestionSource, client model.OAuthClientConfig, creds credential.Credentials) *Connector {
	c := &Connector{
		src: src,
		oauth: &oauth2.Config{
			ClientID:     client.ClientID,
			ClientSecret: client.ClientSecret,
			RedirectURL:  client.RedirectURL,
			Scopes:       client.Scopes,
			Endpoint:     google.Endpoint,
		},
		creds:   creds,
		policy:  connector.DefaultPolicy(),
		log:     logging.Component(logging.CompGmail).WithField("source", src.ID),
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst),
		updated: connector.State{},
	}
	c.taxonomy = connector.NewTaxonomy(c.loadLabels)
	return c
}

// Family returns the provider family identifier.
func (c *Connector) Family() model.SourceKind { return model.SourceKindGmail }

// TestConnection fetches the account profile, the cheapest call that
// exercises the stored credentials end to end.
func (c *Connector) TestConnection(ctx context.Context) (string, error) {
	svc, err := c.service(ctx)
	if err != nil {
		return "", err
	}
	var profile *gmailapi.Profile
	err = c.do(ctx, "fetching profile", func() error {
		p, perr := svc.Users.GetProfile("me").Context(ctx).Do()
		if perr != nil {
			return apiError("fetching profile", perr)
		}
		profile = p
		return nil
	})
	if err != nil {
		return "", err
	}
	return profile.EmailAddress, nil
}

// UpdatedSyncState returns the cursor advanced by the last fetch, empty
// until its feed fully drained.
func (c *Connector) UpdatedSyncState() connector.State {
	return c.updated
}

func (c *Connector) service(ctx context.Context) (*gmailapi.Service, error) {
	if c.svc != nil {
		return c.svc, nil
	}
	if c.oauth.ClientID == "" || c.oauth.ClientSecret == "" {
		return nil, &connector.ConfigError{Kind: model.SourceKindGmail, Message: "no OAuth client configured"}
	}
	if c.creds.RefreshToken == "" {
		return nil, &connector.ConfigError{Kind: model.SourceKindGmail, Message: "no stored refresh token; run the authorization flow"}
	}

	tok := &oauth2.Token{
		AccessToken:  c.creds.AccessToken,
		RefreshToken: c.creds.RefreshToken,
		Expiry:       c.creds.TokenExpiry,
	}
	opts := []option.ClientOption{option.WithTokenSource(c.oauth.TokenSource(ctx, tok))}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	svc, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("building gmail client: %w", err)
	}
	c.svc = svc
	return svc, nil
}

// do paces and retries one API call. fn classifies its own errors so
// only transient failures are retried.
func (c *Connector) do(ctx context.Context, op string, fn func() error) error {
	return c.policy.Do(ctx, op, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		return fn()
	})
}

// loadLabels feeds the taxonomy cache. Gmail label names already embed
// their hierarchy ("Work/Reports"), so entries carry no parent links.
func (c *Connector) loadLabels(ctx context.Context) (map[string]connector.TaxonomyEntry, error) {
	svc, err := c.service(ctx)
	if err != nil {
		return nil, err
	}
	var resp *gmailapi.ListLabelsResponse
	err = c.do(ctx, "listing labels", func() error {
		r, lerr := svc.Users.Labels.List("me").Context(ctx).Do()
		if lerr != nil {
			return apiError("listing labels", lerr)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	entries := make(map[string]connector.TaxonomyEntry, len(resp.Labels))
	for _, l := range resp.Labels {
		role := ""
		if l.Type == "system" {
			role = strings.ToLower(l.Id)
		}
		entries[l.Id] = connector.TaxonomyEntry{Name: l.Name, Role: role}
	}
	return entries, nil
}

// resolveLabels splits a message's label ids into a folder (the first
// mailbox-like system label) and tags (everything user-visible that
// remains). Messages without a mailbox label are archived mail.
func (c *Connector) resolveLabels(ctx context.Context, labelIDs []string) (string, []string, error) {
	present := make(map[string]bool, len(labelIDs))
	for _, id := range labelIDs {
		present[id] = true
	}

	folder := ""
	for _, id := range folderRoles {
		if !present[id] {
			continue
		}
		p, err := c.taxonomy.Path(ctx, id)
		if err != nil {
			return "", nil, err
		}
		folder = p
		break
	}
	if folder == "" {
		folder = "Archive"
	}

	var tags []string
	for _, id := range labelIDs {
		if id == "UNREAD" || strings.HasPrefix(id, "CATEGORY_") || isFolderRole(id) {
			continue
		}
		p, err := c.taxonomy.Path(ctx, id)
		if err != nil {
			return "", nil, err
		}
		if p != "" {
			tags = append(tags, p)
		}
	}
	return folder, tags, nil
}

func isFolderRole(id string) bool {
	for _, r := range folderRoles {
		if id == r {
			return true
		}
	}
	return false
}

// apiError maps an API failure onto the connector error taxonomy. 404
// stays with the caller, whose context decides between a gone message
// and an expired cursor.
func apiError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return connector.Transient(op, err)
	}
	switch {
	case gerr.Code == http.StatusUnauthorized:
		return &connector.AuthError{Kind: model.SourceKindGmail, Message: gerr.Message}
	case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
		return &connector.TransientError{Op: op, RetryAfter: retryAfterHeader(gerr), Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func retryAfterHeader(gerr *googleapi.Error) time.Duration {
	v := gerr.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
