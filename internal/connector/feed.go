package connector

import (
	"context"
	"io"

	"github.com/mailhoard/mailhoard/internal/model"
)

// NextFunc produces the next message of a sync pass. It returns io.EOF
// once the pass is exhausted; any other error ends the feed as failed.
// Implementations publish their advanced cursor state immediately before
// returning io.EOF, never earlier, so an abandoned feed advances nothing.
type NextFunc func(ctx context.Context) (*model.EmailObject, error)

// Feed is a lazy, single-pass stream of fetched messages. Usage follows
// the sql.Rows shape:
//
//	for feed.Next(ctx) {
//	    em := feed.Email()
//	    ...
//	}
//	err := feed.Err()
//
// Next never runs ahead of the consumer; between calls the underlying
// fetch is suspended, so a caller that stops early strands no work.
type Feed struct {
	next    NextFunc
	cleanup func() error

	cur    *model.EmailObject
	err    error
	done   bool
	closed bool
}

// NewFeed builds a feed over next. cleanup, when non-nil, releases
// resources held across calls (an open IMAP session); it runs once, on
// Close or when the feed ends.
func NewFeed(next NextFunc, cleanup func() error) *Feed {
	return &Feed{next: next, cleanup: cleanup}
}

// Next advances to the next message. It returns false when the feed is
// exhausted, failed, or closed; check Err to tell the cases apart.
func (f *Feed) Next(ctx context.Context) bool {
	if f.done || f.closed {
		return false
	}
	if err := ctx.Err(); err != nil {
		f.err = err
		f.finish()
		return false
	}

	em, err := f.next(ctx)
	if err == io.EOF {
		f.finish()
		return false
	}
	if err != nil {
		f.err = err
		f.finish()
		return false
	}

	f.cur = em
	return true
}

// Email returns the message produced by the last successful Next.
func (f *Feed) Email() *model.EmailObject {
	return f.cur
}

// Err returns the error that ended the feed, or nil after a clean
// exhaustion.
func (f *Feed) Err() error {
	return f.err
}

// Close releases the feed's resources. It is safe to call more than once
// and after exhaustion.
func (f *Feed) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	if f.done {
		return nil
	}
	f.done = true
	return f.runCleanup()
}

func (f *Feed) finish() {
	f.done = true
	f.cur = nil
	if cerr := f.runCleanup(); cerr != nil && f.err == nil {
		f.err = cerr
	}
}

func (f *Feed) runCleanup() error {
	if f.cleanup == nil {
		return nil
	}
	c := f.cleanup
	f.cleanup = nil
	return c()
}
