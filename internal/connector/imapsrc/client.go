package imapsrc

import (
	"fmt"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/mailhoard/mailhoard/internal/connector"
	"github.com/mailhoard/mailhoard/internal/model"
)

// dialServer opens and authenticates a connection. Implicit TLS is the
// default; the starttls setting switches to a cleartext dial upgraded
// in-protocol.
func (c *Connector) dialServer() (imapSession, error) {
	addr := c.addr()

	var cl *imapclient.Client
	var err error
	if c.useStartTLS() {
		cl, err = imapclient.DialStartTLS(addr, nil)
	} else {
		cl, err = imapclient.DialTLS(addr, nil)
	}
	if err != nil {
		return nil, connector.Transient("imap dial", fmt.Errorf("connecting to %s: %w", addr, err))
	}

	if err := cl.Login(c.creds.Username, c.creds.Password).Wait(); err != nil {
		_ = cl.Logout().Wait()
		return nil, &connector.AuthError{
			Kind:    model.SourceKindIMAP,
			Message: fmt.Sprintf("authentication failed for %s: %v", c.creds.Username, err),
		}
	}

	return &liveSession{cl: cl}, nil
}

// liveSession drives one authenticated connection for the length of a
// sync pass.
type liveSession struct {
	cl *imapclient.Client
}

func (s *liveSession) Select(folder string) (*folderStatus, error) {
	data, err := s.cl.Select(folder, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("selecting %s: %w", folder, err)
	}
	return &folderStatus{UIDValidity: data.UIDValidity, UIDNext: data.UIDNext}, nil
}

// UIDs lists the folder's uids above the given floor, all of them when
// the floor is zero. A range above the mailbox's highest uid still
// matches its last message, so the results are filtered again here.
func (s *liveSession) UIDs(above imap.UID) ([]imap.UID, error) {
	criteria := &imap.SearchCriteria{}
	if above > 0 {
		set := imap.UIDSet{imap.UIDRange{Start: above + 1}}
		criteria.UID = []imap.UIDSet{set}
	}

	data, err := s.cl.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, connector.Transient("searching uids", err)
	}

	var uids []imap.UID
	for _, u := range data.AllUIDs() {
		if u > above {
			uids = append(uids, u)
		}
	}
	return uids, nil
}

func (s *liveSession) Message(uid imap.UID) (*rawMessage, error) {
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := s.cl.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, &connector.ItemGoneError{ID: strconv.FormatUint(uint64(uid), 10)}
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collecting message %d: %w", uid, err)
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return nil, &connector.ItemGoneError{ID: strconv.FormatUint(uint64(uid), 10)}
	}

	return &rawMessage{UID: buf.UID, Raw: raw, InternalDate: buf.InternalDate}, nil
}

func (s *liveSession) Logout() error {
	return s.cl.Logout().Wait()
}
