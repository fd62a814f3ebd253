package mailparse

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// ResolveThreadID picks the conversation identifier for a message.
//
// A provider-native thread id always wins. Without one the id is derived
// from the oldest ancestor the message declares: the first entry of the
// References chain, then the In-Reply-To target, then the message's own
// Message-ID. The chosen msg-id is hashed so messages threaded purely by
// headers land in the same conversation no matter which provider served
// them. All inputs empty yields an empty thread id.
func ResolveThreadID(native, referencesRoot, inReplyTo, messageID string) string {
	if native != "" {
		return native
	}

	anchor := firstNonEmpty(
		canonicalMsgID(referencesRoot),
		canonicalMsgID(inReplyTo),
		canonicalMsgID(messageID),
	)
	if anchor == "" {
		return ""
	}

	return derivedThreadID(anchor)
}

// derivedThreadID hashes a canonical msg-id into a stable token.
func derivedThreadID(msgID string) string {
	sha := sha256.New()
	sha.Write([]byte(msgID))
	return fmt.Sprintf("dthr-%x", sha.Sum(nil))
}

// canonicalMsgID strips angle brackets and surrounding space from a
// msg-id so the same identifier hashes identically regardless of how
// the sending client quoted it.
func canonicalMsgID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
