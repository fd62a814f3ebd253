package connector

import (
	"context"

	"github.com/mailhoard/mailhoard/internal/model"
)

// Connector is the contract every provider integration implements.
//
// A connector instance is built per sync cycle for one source account and
// is not safe for concurrent use. All calls that touch the provider take a
// context and honor its cancellation.
type Connector interface {
	// Family returns the provider family identifier.
	Family() model.SourceKind

	// TestConnection verifies credentials and connectivity using the
	// cheapest authenticated call the provider offers. It returns the
	// authenticated account identity (the mailbox address).
	TestConnection(ctx context.Context) (string, error)

	// FetchEmails starts one sync pass. The prior state selects between
	// a full import (no entry for this account) and an incremental
	// fetch; an invalidated cursor falls back to a full import inside
	// the returned feed without surfacing an error here.
	//
	// The feed is lazy and single-pass. Messages the provider reports
	// as gone between listing and retrieval are skipped, not surfaced.
	FetchEmails(ctx context.Context, prior State) (*Feed, error)

	// UpdatedSyncState returns the advanced cursor state accumulated by
	// the last fetch. It is only populated once the feed has been fully
	// drained; an abandoned feed leaves it empty so the caller persists
	// nothing and the next cycle resumes from the prior state.
	UpdatedSyncState() State
}
