package jmap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mailhoard/mailhoard/internal/connector"
	"github.com/mailhoard/mailhoard/internal/credential"
	"github.com/mailhoard/mailhoard/internal/model"
)

// client is a minimal JMAP client. It speaks the session resource, the
// API endpoint and the blob download endpoint, and maps protocol
// failures onto the connector error types.
type client struct {
	sessionURL string
	username   string
	password   string
	token      string
	httpClient *http.Client

	session   *session
	accountID string
}

func newClient(server string, creds credential.Credentials) *client {
	return &client{
		sessionURL: resolveSessionURL(server),
		username:   creds.Username,
		password:   creds.Password,
		token:      creds.AccessToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// resolveSessionURL accepts either a full session URL or a bare host,
// which resolves through the well-known path.
func resolveSessionURL(server string) string {
	if strings.Contains(server, "://") {
		return server
	}
	return "https://" + server + "/.well-known/jmap"
}

func (c *client) authorize(req *http.Request) {
	if c.password != "" {
		req.SetBasicAuth(c.username, c.password)
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
}

// getSession fetches and caches the session resource. The account id
// for mail comes from the primaryAccounts map.
func (c *client) getSession(ctx context.Context) (*session, error) {
	if c.session != nil {
		return c.session, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sessionURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating session request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, connector.Transient("jmap session", err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, "jmap session"); err != nil {
		return nil, err
	}

	var s session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}

	acct, ok := s.PrimaryAccounts[mailCapability]
	if !ok {
		return nil, &connector.ConfigError{
			Kind:    model.SourceKindJMAP,
			Message: "server session exposes no mail account",
		}
	}

	c.session = &s
	c.accountID = acct
	return c.session, nil
}

// call issues a single method call and returns the decoded args of its
// response. An "error" response is mapped onto the connector taxonomy.
func (c *client) call(ctx context.Context, method string, args, result any) error {
	s, err := c.getSession(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(apiRequest{
		Using:       []string{coreCapability, mailCapability},
		MethodCalls: []methodCall{{method, args, "0"}},
	})
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.APIURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", method, err)
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return connector.Transient(method, err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, method); err != nil {
		return err
	}

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	if len(envelope.MethodResponses) == 0 {
		return fmt.Errorf("%s: empty method response", method)
	}

	mr := envelope.MethodResponses[0]
	if mr.name() == "error" {
		var me methodError
		if err := json.Unmarshal(mr.args(), &me); err != nil {
			return fmt.Errorf("%s: undecodable error response: %w", method, err)
		}
		return methodErr(method, me)
	}

	if err := json.Unmarshal(mr.args(), result); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}

// downloadBlob fetches the raw bytes behind a blob id through the
// session's download URL template.
func (c *client) downloadBlob(ctx context.Context, blobID string) ([]byte, error) {
	s, err := c.getSession(ctx)
	if err != nil {
		return nil, err
	}

	u := strings.NewReplacer(
		"{accountId}", url.PathEscape(c.accountID),
		"{blobId}", url.PathEscape(blobID),
		"{name}", "email.eml",
		"{type}", url.QueryEscape("message/rfc822"),
	).Replace(s.DownloadURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating blob request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, connector.Transient("blob download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &connector.ItemGoneError{ID: blobID}
	}
	if err := c.checkStatus(resp, "blob download"); err != nil {
		return nil, err
	}

	return io.ReadAll(resp.Body)
}

// checkStatus maps an HTTP-level failure onto the connector error
// types. Method-level errors ride inside a 200 and are handled in call.
func (c *client) checkStatus(resp *http.Response, op string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &connector.AuthError{
			Kind:    model.SourceKindJMAP,
			Message: fmt.Sprintf("%s rejected with status %d", op, resp.StatusCode),
		}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &connector.TransientError{
			Op:         op,
			RetryAfter: retryAfterHeader(resp),
			Err:        fmt.Errorf("status %d", resp.StatusCode),
		}
	default:
		return fmt.Errorf("%s: unexpected status %d", op, resp.StatusCode)
	}
}

func retryAfterHeader(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// methodErr maps a method-level error object onto the connector error
// types. cannotCalculateChanges signals that the sync state is too old
// to diff against and a full import is required.
func methodErr(op string, me methodError) error {
	switch me.Type {
	case "cannotCalculateChanges":
		return &connector.StateInvalidatedError{
			Kind:   model.SourceKindJMAP,
			Reason: "server can no longer calculate changes from the stored state",
		}
	case "serverUnavailable", "serverPartialFail":
		return connector.Transient(op, fmt.Errorf("%s: %s", me.Type, me.Description))
	case "accountNotFound", "accountReadOnly", "unknownCapability":
		return &connector.ConfigError{
			Kind:    model.SourceKindJMAP,
			Message: fmt.Sprintf("%s: %s", me.Type, me.Description),
		}
	default:
		return fmt.Errorf("%s: %s (%s)", op, me.Type, me.Description)
	}
}
