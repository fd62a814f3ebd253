// Package mailparse turns raw RFC 5322 messages into the canonical
// archive representation shared by all connectors.
package mailparse

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/mailhoard/mailhoard/internal/model"
)

// unnamedAttachment names attachment parts that carry no filename.
const unnamedAttachment = "unnamed-attachment"

// Options carries the provider-side context for one message. The
// connector fills what its provider knows; everything else is derived
// from the raw message.
type Options struct {
	// Owner is the mailbox account address the message belongs to.
	Owner string

	// ProviderMessageID is the provider's identifier for the message.
	ProviderMessageID string

	// NativeThreadID is the provider's own conversation id, empty when
	// the provider has no native threading.
	NativeThreadID string

	// Folder is the resolved folder or label path, empty when unknown.
	Folder string

	// Tags are the provider's labels or keywords for the message.
	Tags []string

	// ReceivedAt is the provider's receive timestamp. When zero, the
	// message's own Date header is used.
	ReceivedAt time.Time
}

// Normalize parses raw into an EmailObject. Malformed MIME degrades to a
// plain-text body rather than failing; an error is returned only when
// the input is empty.
func Normalize(raw []byte, opts Options) (*model.EmailObject, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty message")
	}

	em := &model.EmailObject{
		ProviderMessageID: opts.ProviderMessageID,
		Owner:             opts.Owner,
		Raw:               raw,
		Folder:            opts.Folder,
		Tags:              opts.Tags,
		ReceivedAt:        opts.ReceivedAt,
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// Unparseable structure: keep the whole message as text so the
		// archive still holds something searchable next to the raw bytes.
		em.TextBody = string(raw)
		em.ThreadID = ResolveThreadID(opts.NativeThreadID, "", "", "")
		return em, nil
	}
	defer mr.Close()

	h := mr.Header

	em.Headers = collectHeaders(&h)
	em.Subject, _ = h.Subject()
	em.From = addressList(&h, "From")
	em.To = addressList(&h, "To")
	em.Cc = addressList(&h, "Cc")
	em.Bcc = addressList(&h, "Bcc")

	if em.ReceivedAt.IsZero() {
		if d, derr := h.Date(); derr == nil {
			em.ReceivedAt = d
		}
	}

	msgID, _ := h.MessageID()
	refs, _ := h.MsgIDList("References")
	inReplyTo, _ := h.MsgIDList("In-Reply-To")

	var refRoot, replyTo string
	if len(refs) > 0 {
		refRoot = refs[0]
	}
	if len(inReplyTo) > 0 {
		replyTo = inReplyTo[0]
	}
	em.ThreadID = ResolveThreadID(opts.NativeThreadID, refRoot, replyTo, msgID)

	walkParts(mr, em)

	return em, nil
}

// collectHeaders copies every header field, preserving multiple values
// per key in their original order.
func collectHeaders(h *mail.Header) map[string][]string {
	out := map[string][]string{}
	fields := h.Fields()
	for fields.Next() {
		key := fields.Key()
		value, err := fields.Text()
		if err != nil {
			// Undecodable encoded-words: keep the raw value.
			value = fields.Value()
		}
		out[key] = append(out[key], value)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// addressList reads one address header. Group lists flatten into their
// member addresses; an unparseable header yields nil.
func addressList(h *mail.Header, key string) []model.Address {
	addrs, err := h.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return nil
	}
	out := make([]model.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, model.Address{Name: a.Name, Address: a.Address})
	}
	return out
}

// walkParts visits every leaf MIME part, filling bodies and attachments.
// The first text/plain and text/html parts win; later siblings are
// ignored. A failure inside one part skips that part only.
func walkParts(mr *mail.Reader, em *model.EmailObject) {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return
		}
		if err != nil {
			// Truncated or malformed subtree: keep what was extracted.
			return
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				if em.TextBody == "" {
					em.TextBody = string(body)
				}
			case strings.HasPrefix(contentType, "text/html"):
				if em.HTMLBody == "" {
					em.HTMLBody = string(body)
				}
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			if filename == "" {
				filename = unnamedAttachment
			}
			contentType, _, _ := h.ContentType()

			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			em.Attachments = append(em.Attachments, model.Attachment{
				Filename:    filename,
				ContentType: contentType,
				Size:        int64(len(body)),
				Content:     body,
			})
		}
	}
}
