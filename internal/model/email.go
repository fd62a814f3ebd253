package model

import "time"

// Address is a single mailbox participant. Group lists are flattened into
// their member addresses before they reach this type.
type Address struct {
	// Name is the display name, possibly empty.
	Name string `json:"name,omitempty"`

	// Address is the addr-spec (local@domain).
	Address string `json:"address"`
}

// Attachment is one extracted MIME attachment.
type Attachment struct {
	// Filename is the declared file name, or a generated placeholder
	// when the part carried none.
	Filename string `json:"filename"`

	// ContentType is the declared media type (e.g. "application/pdf").
	ContentType string `json:"content_type"`

	// Size is the decoded length in bytes.
	Size int64 `json:"size"`

	// Content is the decoded attachment payload.
	Content []byte `json:"-"`
}

// EmailObject is the unified representation of a message from any provider.
// Instances are immutable once built; the archive stores the raw bytes and
// the normalized fields side by side.
type EmailObject struct {
	// ProviderMessageID is the message's identifier within its provider
	// (Gmail message id, JMAP Email id, or an IMAP UIDVALIDITY:UID pair).
	ProviderMessageID string `json:"provider_message_id"`

	// ThreadID groups messages belonging to one conversation. Providers
	// with native threading supply it directly; otherwise it is derived
	// from the message's reference headers.
	ThreadID string `json:"thread_id"`

	// Owner is the address of the mailbox account the message was
	// fetched from, not any message participant.
	Owner string `json:"owner"`

	// Raw is the complete RFC 5322 message as received.
	Raw []byte `json:"-"`

	From []Address `json:"from"`
	To   []Address `json:"to"`
	Cc   []Address `json:"cc,omitempty"`
	Bcc  []Address `json:"bcc,omitempty"`

	// Subject is the decoded subject line.
	Subject string `json:"subject"`

	// TextBody and HTMLBody hold the first text/plain and text/html
	// bodies found in the MIME tree; either may be empty.
	TextBody string `json:"text_body,omitempty"`
	HTMLBody string `json:"html_body,omitempty"`

	// Headers preserves every header with all its values, in order.
	Headers map[string][]string `json:"headers,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`

	// ReceivedAt is when the provider received the message.
	ReceivedAt time.Time `json:"received_at"`

	// Folder is the resolved full folder or label path ("Work/Invoices"),
	// empty when the provider exposes no folder placement.
	Folder string `json:"folder,omitempty"`

	// Tags are additional provider labels or keywords, in provider order.
	Tags []string `json:"tags,omitempty"`
}
