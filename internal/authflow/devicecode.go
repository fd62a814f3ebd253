package authflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/mailhoard/mailhoard/internal/connector"
	"github.com/mailhoard/mailhoard/internal/model"
)

const deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// slowDownStep is added to the poll interval each time the provider
// answers slow_down.
const slowDownStep = 5 * time.Second

// BeginDeviceFlow starts a device authorization flow for sourceID. The
// returned session carries the user code and verification URL to show
// the operator. The caller then invokes PollDevice at the session's
// PollInterval until it reports done.
func (a *Authorizer) BeginDeviceFlow(ctx context.Context, sourceID string) (*Session, error) {
	resp, err := a.cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, &connector.AuthError{Kind: model.SourceKindGmail, Message: fmt.Sprintf("device code request failed: %v", err)}
	}
	interval := time.Duration(resp.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &Session{
		sourceID:        sourceID,
		kind:            FlowDeviceCode,
		state:           StateCodeIssued,
		deviceCode:      resp.DeviceCode,
		userCode:        resp.UserCode,
		verificationURI: resp.VerificationURI,
		expiresAt:       resp.Expiry,
		interval:        interval,
	}
	a.log.WithField("source", sourceID).Debug("device flow started")
	return s, nil
}

type deviceTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
}

// PollDevice performs exactly one token poll. It never sleeps; the
// caller owns the cadence and waits PollInterval between calls. The
// returned done is true once the session reached a terminal state,
// with err nil on success and describing the failure otherwise.
// Transport errors leave the session polling so the caller can try
// again.
func (a *Authorizer) PollDevice(ctx context.Context, s *Session) (bool, error) {
	st := s.State()
	if st == StateAuthenticated {
		return true, nil
	}
	if st.Terminal() {
		return true, &connector.AuthError{Kind: model.SourceKindGmail, Message: fmt.Sprintf("authorization failed: %s", s.Failure())}
	}

	if !s.expiresAt.IsZero() && time.Now().After(s.expiresAt) {
		s.fail(StateExpired, "device code expired before the user approved it")
		return true, &connector.AuthError{Kind: model.SourceKindGmail, Message: "device code expired; start the authorization again"}
	}
	s.setState(StatePolling)

	dr, err := a.pollOnce(ctx, s.deviceCode)
	if err != nil {
		// Network or decode trouble. Not a verdict from the
		// provider, so the flow stays live.
		return false, connector.Transient("device token poll", err)
	}

	switch dr.Error {
	case "":
	case "authorization_pending":
		return false, nil
	case "slow_down":
		s.mu.Lock()
		s.interval += slowDownStep
		s.mu.Unlock()
		return false, nil
	case "access_denied":
		s.fail(StateDenied, "the user denied the authorization request")
		return true, &connector.AuthError{Kind: model.SourceKindGmail, Message: "authorization denied by the user"}
	case "expired_token":
		s.fail(StateExpired, "device code expired before the user approved it")
		return true, &connector.AuthError{Kind: model.SourceKindGmail, Message: "device code expired; start the authorization again"}
	default:
		s.fail(StateFailed, fmt.Sprintf("provider error: %s", dr.Error))
		return true, &connector.AuthError{Kind: model.SourceKindGmail, Message: fmt.Sprintf("device authorization failed: %s", dr.Error)}
	}

	if dr.RefreshToken == "" {
		s.fail(StateFailed, "provider returned no refresh token")
		return true, &connector.ConfigError{
			Kind:    model.SourceKindGmail,
			Message: "no refresh token granted; revoke the app's access in your account settings and authorize again",
		}
	}
	tok := &oauth2.Token{
		AccessToken:  dr.AccessToken,
		RefreshToken: dr.RefreshToken,
	}
	if dr.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(dr.ExpiresIn) * time.Second)
	}
	if err := a.complete(s, tok); err != nil {
		return false, err
	}
	return true, nil
}

// pollOnce sends a single device_code grant request to the token
// endpoint. The oauth2 package's own device helper loops internally,
// which would take the cadence away from the caller, so the request is
// made directly.
func (a *Authorizer) pollOnce(ctx context.Context, deviceCode string) (*deviceTokenResponse, error) {
	form := url.Values{
		"grant_type":  {deviceGrantType},
		"device_code": {deviceCode},
		"client_id":   {a.cfg.ClientID},
	}
	if a.cfg.ClientSecret != "" {
		form.Set("client_secret", a.cfg.ClientSecret)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var dr deviceTokenResponse
	if err := json.Unmarshal(body, &dr); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	return &dr, nil
}
