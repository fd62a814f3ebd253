package jmap

import "encoding/json"

// mailCapability is the capability URN every request declares alongside
// the core one.
const (
	coreCapability = "urn:ietf:params:jmap:core"
	mailCapability = "urn:ietf:params:jmap:mail"
)

// session is the response from the session resource.
type session struct {
	APIURL          string                    `json:"apiUrl"`
	DownloadURL     string                    `json:"downloadUrl"`
	PrimaryAccounts map[string]string         `json:"primaryAccounts"`
	Accounts        map[string]sessionAccount `json:"accounts"`
	State           string                    `json:"state"`
}

// sessionAccount describes one account visible in the session.
type sessionAccount struct {
	Name string `json:"name"`
}

// apiRequest is the envelope for POST {apiUrl}.
type apiRequest struct {
	Using       []string     `json:"using"`
	MethodCalls []methodCall `json:"methodCalls"`
}

// methodCall is the [name, args, tag] triple of one invocation.
type methodCall [3]any

// apiResponse is the envelope of an API response.
type apiResponse struct {
	MethodResponses []methodResponse `json:"methodResponses"`
	SessionState    string           `json:"sessionState"`
}

// methodResponse mirrors methodCall with undecoded members.
type methodResponse [3]json.RawMessage

func (m methodResponse) name() string {
	var s string
	_ = json.Unmarshal(m[0], &s)
	return s
}

func (m methodResponse) args() json.RawMessage { return m[1] }

// methodError is the args payload of an "error" method response.
type methodError struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// queryRequest is the args of Email/query.
type queryRequest struct {
	AccountID string      `json:"accountId"`
	Sort      []querySort `json:"sort"`
	Position  int         `json:"position"`
	Limit     int         `json:"limit"`
}

type querySort struct {
	Property    string `json:"property"`
	IsAscending bool   `json:"isAscending"`
}

// queryResponse is the result of Email/query.
type queryResponse struct {
	QueryState string   `json:"queryState"`
	IDs        []string `json:"ids"`
	Position   int      `json:"position"`
	Total      int      `json:"total"`
}

// changesRequest is the args of Email/changes.
type changesRequest struct {
	AccountID  string `json:"accountId"`
	SinceState string `json:"sinceState"`
	MaxChanges int    `json:"maxChanges"`
}

// changesResponse is the result of Email/changes.
type changesResponse struct {
	OldState       string   `json:"oldState"`
	NewState       string   `json:"newState"`
	HasMoreChanges bool     `json:"hasMoreChanges"`
	Created        []string `json:"created"`
	Updated        []string `json:"updated"`
	Destroyed      []string `json:"destroyed"`
}

// getRequest is the args of Email/get and Mailbox/get. A nil IDs slice
// marshals to null, which the protocol reads as "all".
type getRequest struct {
	AccountID  string   `json:"accountId"`
	IDs        []string `json:"ids"`
	Properties []string `json:"properties,omitempty"`
}

// emailGetResponse is the result of Email/get.
type emailGetResponse struct {
	State    string      `json:"state"`
	List     []emailMeta `json:"list"`
	NotFound []string    `json:"notFound"`
}

// emailMeta is the metadata subset of one Email object the connector
// requests; the raw bytes come from the blob endpoint.
type emailMeta struct {
	ID         string          `json:"id"`
	BlobID     string          `json:"blobId"`
	ThreadID   string          `json:"threadId"`
	MailboxIDs map[string]bool `json:"mailboxIds"`
	Keywords   map[string]bool `json:"keywords"`
	ReceivedAt string          `json:"receivedAt"`
	Size       int64           `json:"size"`
}

// mailboxGetResponse is the result of Mailbox/get.
type mailboxGetResponse struct {
	State string        `json:"state"`
	List  []mailboxMeta `json:"list"`
}

// mailboxMeta is one Mailbox object, with its parent link intact.
type mailboxMeta struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parentId"`
	Role     string `json:"role"`
}
