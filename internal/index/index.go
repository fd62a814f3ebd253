// Package index defines the boundary to the external search index. The
// archive only produces documents; querying lives elsewhere.
package index

import (
	"context"
	"time"
)

// Document is the searchable projection of one archived message.
type Document struct {
	SourceID          string
	ProviderMessageID string
	ThreadID          string
	Owner             string
	Subject           string
	TextBody          string
	Folder            string
	Tags              []string
	ReceivedAt        time.Time
}

// Index consumes archived messages.
type Index interface {
	// Add submits one document. The same document may be submitted
	// again after a re-ingest; implementations treat it as idempotent.
	Add(ctx context.Context, doc Document) error

	// DeleteBySource drops every document belonging to one source.
	DeleteBySource(ctx context.Context, sourceID string) error
}

// Noop discards all documents. It stands in when no index is configured.
type Noop struct{}

func (Noop) Add(ctx context.Context, doc Document) error { return nil }

func (Noop) DeleteBySource(ctx context.Context, sourceID string) error { return nil }
