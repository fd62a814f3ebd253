package connector

import "github.com/mailhoard/mailhoard/internal/model"

// Cursor is one account's resumption token set. Fields are opaque
// provider values kept as strings: Gmail stores a history id, JMAP a
// server state string, IMAP a UIDVALIDITY and last-seen UID.
type Cursor map[string]string

// State maps provider family, then account address, to that account's
// cursor. A missing account entry means the account has never completed
// a full import.
type State map[model.SourceKind]map[string]Cursor

// Account returns the cursor for one account within a family.
func (s State) Account(kind model.SourceKind, account string) (Cursor, bool) {
	if s == nil {
		return nil, false
	}
	accounts, ok := s[kind]
	if !ok {
		return nil, false
	}
	c, ok := accounts[account]
	return c, ok
}

// WithAccount returns a copy of s with the given account's cursor
// replaced. The receiver is not modified.
func (s State) WithAccount(kind model.SourceKind, account string, c Cursor) State {
	out := s.Clone()
	if out == nil {
		out = State{}
	}
	if out[kind] == nil {
		out[kind] = map[string]Cursor{}
	}
	out[kind][account] = c
	return out
}

// Clone deep-copies the state. A nil state clones to nil.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for kind, accounts := range s {
		out[kind] = make(map[string]Cursor, len(accounts))
		for account, c := range accounts {
			cc := make(Cursor, len(c))
			for k, v := range c {
				cc[k] = v
			}
			out[kind][account] = cc
		}
	}
	return out
}

// Merge returns s with every account entry from other overlaid on top.
// Families and accounts absent from other are preserved unchanged.
func (s State) Merge(other State) State {
	out := s.Clone()
	if out == nil {
		out = State{}
	}
	for kind, accounts := range other {
		if out[kind] == nil {
			out[kind] = map[string]Cursor{}
		}
		for account, c := range accounts {
			cc := make(Cursor, len(c))
			for k, v := range c {
				cc[k] = v
			}
			out[kind][account] = cc
		}
	}
	return out
}

// IsEmpty reports whether the state carries no cursors at all.
func (s State) IsEmpty() bool {
	for _, accounts := range s {
		if len(accounts) > 0 {
			return false
		}
	}
	return true
}
