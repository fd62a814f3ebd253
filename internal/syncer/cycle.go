package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mailhoard/mailhoard/internal/blob"
	"github.com/mailhoard/mailhoard/internal/connector"
	"github.com/mailhoard/mailhoard/internal/index"
	"github.com/mailhoard/mailhoard/internal/model"
)

// bookkeepTimeout bounds the audit writes that run after a cycle, on
// their own context so a canceled cycle still leaves a record.
const bookkeepTimeout = 10 * time.Second

// RunCycle executes one sync cycle for a source and records its outcome.
func (r *Runner) RunCycle(ctx context.Context, src model.IngestionSource) model.SyncRun {
	log := r.log.WithFields(logrus.Fields{"source": src.ID, "kind": src.Kind})

	run := model.SyncRun{
		SourceID:  src.ID,
		StartedAt: time.Now().UTC(),
	}

	err := r.cycle(ctx, src, &run, log)
	run.FinishedAt = time.Now().UTC()

	switch {
	case err == nil:
		run.Outcome = model.RunOK
		log.WithFields(logrus.Fields{"fetched": run.Fetched, "skipped": run.Skipped}).Info("sync cycle finished")
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		run.Outcome = model.RunCanceled
		log.WithFields(logrus.Fields{"fetched": run.Fetched}).Info("sync cycle canceled")
	default:
		run.Outcome = model.RunError
		run.Error = err.Error()
		log.WithError(err).Error("sync cycle failed")
	}

	bkCtx, cancel := context.WithTimeout(context.Background(), bookkeepTimeout)
	defer cancel()

	if rerr := r.store.RecordSyncRun(bkCtx, run); rerr != nil {
		log.WithError(rerr).Warn("failed to record sync run")
	}
	r.updateStatus(bkCtx, src, run, err, log)

	return run
}

// cycle is the fetch-and-archive pipeline: credentials, connector, prior
// cursor, feed drain, then cursor commit. The cursor is only saved after
// a clean drain; any earlier exit leaves the prior state in place so the
// next cycle re-fetches what this one missed.
func (r *Runner) cycle(ctx context.Context, src model.IngestionSource, run *model.SyncRun, log *logrus.Entry) error {
	creds, ok, err := r.vault.Load(src.ID)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}
	if !ok {
		return &connector.AuthError{
			Kind:    src.Kind,
			Message: "no credentials stored; run authorization first",
		}
	}

	conn, err := r.connectorFor(src, creds)
	if err != nil {
		return err
	}

	prior, err := r.store.GetSyncState(ctx, src.ID)
	if err != nil {
		return fmt.Errorf("loading sync state: %w", err)
	}

	if prior.IsEmpty() {
		if serr := r.store.SetSourceStatus(ctx, src.ID, model.StatusImporting, "full import in progress"); serr != nil {
			log.WithError(serr).Warn("failed to mark source importing")
		}
	}

	feed, err := conn.FetchEmails(ctx, prior)
	if err != nil {
		return err
	}
	defer feed.Close()

	for feed.Next(ctx) {
		archived, perr := r.persist(ctx, src, feed.Email(), log)
		if perr != nil {
			return perr
		}
		if archived {
			run.Fetched++
		} else {
			run.Skipped++
		}
	}
	if err := feed.Err(); err != nil {
		return err
	}

	updated := conn.UpdatedSyncState()
	if updated.IsEmpty() {
		return nil
	}
	if err := r.store.SaveSyncState(ctx, src.ID, prior.Merge(updated)); err != nil {
		return fmt.Errorf("saving sync state: %w", err)
	}
	return nil
}

// persist archives one message: raw bytes to the blob store, metadata to
// the database, searchable fields to the index. The second return is
// false when the message was already archived.
func (r *Runner) persist(ctx context.Context, src model.IngestionSource, obj *model.EmailObject, log *logrus.Entry) (bool, error) {
	have, err := r.store.HasMessage(ctx, src.ID, obj.ProviderMessageID)
	if err != nil {
		return false, fmt.Errorf("checking message %s: %w", obj.ProviderMessageID, err)
	}
	if have {
		return false, nil
	}

	path := blob.PathFor(src.ID, obj.ProviderMessageID)
	if err := r.blobs.Put(path, obj.Raw); err != nil {
		return false, fmt.Errorf("storing blob for message %s: %w", obj.ProviderMessageID, err)
	}

	rec := model.MessageRecord{
		SourceID:          src.ID,
		ProviderMessageID: obj.ProviderMessageID,
		ThreadID:          obj.ThreadID,
		Owner:             obj.Owner,
		Subject:           obj.Subject,
		Folder:            obj.Folder,
		Tags:              obj.Tags,
		ReceivedAt:        obj.ReceivedAt,
		BlobPath:          path,
		Size:              int64(len(obj.Raw)),
		FetchedAt:         time.Now().UTC(),
	}
	if err := r.store.InsertMessage(ctx, rec); err != nil {
		return false, fmt.Errorf("recording message %s: %w", obj.ProviderMessageID, err)
	}

	// The blob and the metadata row are the durable archive; a failed
	// index submission is recoverable by re-indexing, not worth failing
	// the cycle over.
	doc := index.Document{
		SourceID:          src.ID,
		ProviderMessageID: obj.ProviderMessageID,
		ThreadID:          obj.ThreadID,
		Owner:             obj.Owner,
		Subject:           obj.Subject,
		TextBody:          obj.TextBody,
		Folder:            obj.Folder,
		Tags:              obj.Tags,
		ReceivedAt:        obj.ReceivedAt,
	}
	if err := r.idx.Add(ctx, doc); err != nil {
		log.WithError(err).WithField("message", obj.ProviderMessageID).Warn("failed to index message")
	}

	return true, nil
}

// updateStatus maps a cycle outcome onto the source's lifecycle state.
// Canceled cycles leave the status untouched.
func (r *Runner) updateStatus(ctx context.Context, src model.IngestionSource, run model.SyncRun, err error, log *logrus.Entry) {
	var status model.SourceStatus
	var message string

	switch {
	case err == nil:
		status = model.StatusActive
		message = fmt.Sprintf("synced %d new, %d skipped", run.Fetched, run.Skipped)
	case run.Outcome == model.RunCanceled:
		return
	case connector.IsAuthError(err):
		status = model.StatusPendingAuth
		message = err.Error()
	default:
		status = model.StatusError
		message = err.Error()
	}

	if serr := r.store.SetSourceStatus(ctx, src.ID, status, message); serr != nil {
		log.WithError(serr).Warn("failed to update source status")
	}
}
