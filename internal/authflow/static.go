package authflow

import (
	"github.com/mailhoard/mailhoard/internal/connector"
	"github.com/mailhoard/mailhoard/internal/credential"
	"github.com/mailhoard/mailhoard/internal/model"
)

// SaveStatic stores operator-supplied credentials for sources that use
// app passwords or basic auth instead of an OAuth grant. The pair is
// not validated here; the first TestConnection proves it works.
func (a *Authorizer) SaveStatic(kind model.SourceKind, sourceID, username, password string) (*Session, error) {
	if password == "" {
		return nil, &connector.ConfigError{Kind: kind, Message: "empty password"}
	}
	s := &Session{
		sourceID: sourceID,
		kind:     FlowStatic,
		state:    StateAuthenticated,
	}
	creds := credential.Credentials{
		Username: username,
		Password: password,
	}
	if err := a.sink.Save(sourceID, creds); err != nil {
		return nil, err
	}
	s.completed = true
	return s, nil
}

// SaveToken stores a provider API token for sources that authenticate
// with a bearer token. Like SaveStatic, the value is proven by the
// first TestConnection rather than here.
func (a *Authorizer) SaveToken(kind model.SourceKind, sourceID, token string) (*Session, error) {
	if token == "" {
		return nil, &connector.ConfigError{Kind: kind, Message: "empty token"}
	}
	s := &Session{
		sourceID: sourceID,
		kind:     FlowStatic,
		state:    StateAuthenticated,
	}
	if err := a.sink.Save(sourceID, credential.Credentials{AccessToken: token}); err != nil {
		return nil, err
	}
	s.completed = true
	return s, nil
}
