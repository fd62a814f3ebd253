package authflow

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/mailhoard/mailhoard/internal/connector"
	"github.com/mailhoard/mailhoard/internal/model"
)

// BeginAuthCode starts a browser authorization-code flow for sourceID.
// It returns the session and the URL the operator must visit. The
// session waits in AWAITING_USER_REDIRECT until FinishAuthCode is
// called with the code the provider redirected back with.
func (a *Authorizer) BeginAuthCode(sourceID string) (*Session, string) {
	s := &Session{
		sourceID: sourceID,
		kind:     FlowAuthCode,
		state:    StateAwaitingUserRedirect,
	}
	// The state parameter round-trips the source id so the redirect
	// can be matched back to the session that produced it.
	url := a.cfg.AuthCodeURL(sourceID, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	a.log.WithField("source", sourceID).Debug("auth code flow started")
	return s, url
}

// FinishAuthCode consumes the redirect parameters and exchanges the
// code for tokens. A state mismatch or a grant without a refresh token
// fails the session terminally; the operator has to revoke the app's
// access and start over to make the provider issue a new refresh
// token.
func (a *Authorizer) FinishAuthCode(ctx context.Context, s *Session, gotState, code string) error {
	if s.State().Terminal() {
		if s.State() == StateAuthenticated {
			return nil
		}
		return &connector.ConfigError{Kind: model.SourceKindGmail, Message: fmt.Sprintf("authorization already failed: %s", s.Failure())}
	}
	if gotState != s.sourceID {
		s.fail(StateFailed, "state parameter mismatch")
		return &connector.ConfigError{Kind: model.SourceKindGmail, Message: "authorization response state does not match this session"}
	}
	s.setState(StateCodeReceived)
	s.setState(StateExchanging)
	tok, err := a.cfg.Exchange(ctx, code)
	if err != nil {
		s.fail(StateFailed, err.Error())
		return &connector.AuthError{Kind: model.SourceKindGmail, Message: fmt.Sprintf("code exchange failed: %v", err)}
	}
	if tok.RefreshToken == "" {
		s.fail(StateFailed, "provider returned no refresh token")
		return &connector.ConfigError{
			Kind:    model.SourceKindGmail,
			Message: "no refresh token granted; revoke the app's access in your account settings and authorize again",
		}
	}
	return a.complete(s, tok)
}
