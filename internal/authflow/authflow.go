// Package authflow drives the authorization state machines that turn an
// operator's consent into stored credentials. Sessions live in memory
// only; an interrupted flow is restarted, never resumed from disk.
package authflow

import (
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/mailhoard/mailhoard/internal/credential"
	"github.com/mailhoard/mailhoard/internal/logging"
	"github.com/mailhoard/mailhoard/internal/model"
)

// FlowKind selects which authorization machine a session runs.
type FlowKind string

const (
	FlowAuthCode   FlowKind = "auth_code"
	FlowDeviceCode FlowKind = "device_code"
	FlowStatic     FlowKind = "static"
)

// FlowState is a session's position in its state machine.
type FlowState string

const (
	StateUnauthenticated      FlowState = "unauthenticated"
	StateAwaitingUserRedirect FlowState = "awaiting_user_redirect"
	StateCodeReceived         FlowState = "code_received"
	StateExchanging           FlowState = "exchanging"
	StateCodeIssued           FlowState = "code_issued"
	StatePolling              FlowState = "polling"
	StateAuthenticated        FlowState = "authenticated"
	StateFailed               FlowState = "failed"
	StateDenied               FlowState = "denied"
	StateExpired              FlowState = "expired"
)

// Terminal reports whether a session in this state can make no further
// transitions.
func (s FlowState) Terminal() bool {
	switch s {
	case StateAuthenticated, StateFailed, StateDenied, StateExpired:
		return true
	}
	return false
}

// CredentialSink receives the credentials a completed flow produced.
// *credential.Vault satisfies it.
type CredentialSink interface {
	Save(sourceID string, c credential.Credentials) error
}

// Session tracks one in-flight authorization attempt for one source.
// It is safe for concurrent inspection while a flow call is running.
type Session struct {
	mu sync.Mutex

	sourceID string
	kind     FlowKind
	state    FlowState
	failure  string

	// device flow data
	deviceCode      string
	userCode        string
	verificationURI string
	expiresAt       time.Time
	interval        time.Duration

	completed bool
}

// SourceID returns the source this session authorizes.
func (s *Session) SourceID() string { return s.sourceID }

// Kind returns the flow the session runs.
func (s *Session) Kind() FlowKind { return s.kind }

// State returns the session's current machine state.
func (s *Session) State() FlowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failure returns the terminal failure message, empty while none.
func (s *Session) Failure() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// UserCode returns the code the operator enters at the verification URL
// during a device flow.
func (s *Session) UserCode() string { return s.userCode }

// VerificationURI returns the URL the operator visits during a device
// flow.
func (s *Session) VerificationURI() string { return s.verificationURI }

// PollInterval returns the wait the caller should observe before the
// next Poll. It grows when the provider asks to slow down.
func (s *Session) PollInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Session) setState(st FlowState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) fail(st FlowState, msg string) {
	s.mu.Lock()
	s.state = st
	s.failure = msg
	s.mu.Unlock()
}

// Authorizer runs authorization flows against one OAuth client.
type Authorizer struct {
	cfg        *oauth2.Config
	sink       CredentialSink
	httpClient *http.Client
	log        *logrus.Entry
}

// NewAuthorizer builds an authorizer from the provider's OAuth client
// configuration. Completed flows store their tokens through sink.
func NewAuthorizer(client model.OAuthClientConfig, sink CredentialSink) *Authorizer {
	return &Authorizer{
		cfg: &oauth2.Config{
			ClientID:     client.ClientID,
			ClientSecret: client.ClientSecret,
			RedirectURL:  client.RedirectURL,
			Scopes:       client.Scopes,
			Endpoint:     google.Endpoint,
		},
		sink:       sink,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logging.Component(logging.CompAuth),
	}
}

// complete stores the flow's tokens exactly once and moves the session
// to AUTHENTICATED. Repeat calls after success change nothing.
func (a *Authorizer) complete(s *Session, tok *oauth2.Token) error {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	creds := credential.Credentials{
		RefreshToken: tok.RefreshToken,
		AccessToken:  tok.AccessToken,
		TokenExpiry:  tok.Expiry,
	}
	if err := a.sink.Save(s.sourceID, creds); err != nil {
		return err
	}

	s.mu.Lock()
	s.completed = true
	s.state = StateAuthenticated
	s.mu.Unlock()

	a.log.WithFields(logrus.Fields{
		"source": s.sourceID,
		"flow":   s.kind,
	}).Info("authorization complete")
	return nil
}
