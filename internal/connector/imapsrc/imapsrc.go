package imapsrc

import (
	"context"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/sirupsen/logrus"

	"github.com/mailhoard/mailhoard/internal/connector"
	"github.com/mailhoard/mailhoard/internal/credential"
	"github.com/mailhoard/mailhoard/internal/logging"
	"github.com/mailhoard/mailhoard/internal/model"
)

const defaultFolder = "INBOX"

// imapSession is the slice of an authenticated IMAP connection the sync
// drives. The live implementation wraps go-imap's client; tests
// substitute a fake.
type imapSession interface {
	Select(folder string) (*folderStatus, error)
	UIDs(above imap.UID) ([]imap.UID, error)
	Message(uid imap.UID) (*rawMessage, error)
	Logout() error
}

// folderStatus carries the SELECT response fields the sync needs.
type folderStatus struct {
	UIDValidity uint32
	UIDNext     imap.UID
}

// rawMessage is one fetched message.
type rawMessage struct {
	UID          imap.UID
	Raw          []byte
	InternalDate time.Time
}

// Connector ingests mail from a plain IMAP server. One instance serves
// one sync cycle for one source.
type Connector struct {
	src    model.IngestionSource
	creds  credential.Credentials
	policy connector.Policy
	log    *logrus.Entry

	dial    func() (imapSession, error)
	updated connector.State
}

// New builds a connector for src using stored credentials.
func New(src model.IngestionSource, creds credential.Credentials) *Connector {
	c := &Connector{
		src:     src,
		creds:   creds,
		policy:  connector.DefaultPolicy(),
		log:     logging.Component(logging.CompIMAP).WithField("source", src.ID),
		updated: connector.State{},
	}
	c.dial = c.dialServer
	return c
}

func (c *Connector) Family() model.SourceKind { return model.SourceKindIMAP }

// TestConnection dials, authenticates and selects the synced folder.
// IMAP has no account discovery, so the identity is the login user.
func (c *Connector) TestConnection(ctx context.Context) (string, error) {
	sess, err := c.connect(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = sess.Logout() }()

	if _, err := sess.Select(c.folder()); err != nil {
		return "", err
	}
	return c.creds.Username, nil
}

// UpdatedSyncState reports the cursor captured by the last fully drained
// feed. It is empty until a FetchEmails feed is read to completion.
func (c *Connector) UpdatedSyncState() connector.State {
	return c.updated
}

// connect dials under the retry policy. Authentication failures are not
// transient and stop the first attempt.
func (c *Connector) connect(ctx context.Context) (imapSession, error) {
	if err := c.ensureCreds(); err != nil {
		return nil, err
	}
	var sess imapSession
	err := c.policy.Do(ctx, "imap dial", func() error {
		s, err := c.dial()
		if err != nil {
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (c *Connector) ensureCreds() error {
	if c.creds.Username == "" || c.creds.Password == "" {
		return &connector.ConfigError{
			Kind:    model.SourceKindIMAP,
			Message: "no credentials stored for this source",
		}
	}
	return nil
}

func (c *Connector) folder() string {
	if f := c.src.Settings["folder"]; f != "" {
		return f
	}
	return defaultFolder
}

// addr completes the server endpoint with the mode's default port.
func (c *Connector) addr() string {
	if strings.Contains(c.src.Server, ":") {
		return c.src.Server
	}
	if c.useStartTLS() {
		return c.src.Server + ":143"
	}
	return c.src.Server + ":993"
}

func (c *Connector) useStartTLS() bool {
	return c.src.Settings["tls"] == "starttls"
}
