package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mailhoard/mailhoard/internal/blob"
	"github.com/mailhoard/mailhoard/internal/connector"
	"github.com/mailhoard/mailhoard/internal/connector/gmail"
	"github.com/mailhoard/mailhoard/internal/connector/imapsrc"
	"github.com/mailhoard/mailhoard/internal/connector/jmap"
	"github.com/mailhoard/mailhoard/internal/credential"
	"github.com/mailhoard/mailhoard/internal/index"
	"github.com/mailhoard/mailhoard/internal/logging"
	"github.com/mailhoard/mailhoard/internal/model"
	"github.com/mailhoard/mailhoard/internal/store"
)

const defaultPollInterval = 5 * time.Minute

// connectorFactory builds a connector for one source and its stored
// credentials. Tests substitute fakes through it.
type connectorFactory func(src model.IngestionSource, creds credential.Credentials) (connector.Connector, error)

// NewConnector builds the connector for a source's provider family.
func NewConnector(cfg *model.AppConfig, src model.IngestionSource, creds credential.Credentials) (connector.Connector, error) {
	switch src.Kind {
	case model.SourceKindGmail:
		return gmail.New(src, cfg.Gmail, creds), nil
	case model.SourceKindJMAP:
		return jmap.New(src, creds), nil
	case model.SourceKindIMAP:
		return imapsrc.New(src, creds), nil
	default:
		return nil, &connector.ConfigError{
			Kind:    src.Kind,
			Message: fmt.Sprintf("unsupported source kind %q", src.Kind),
		}
	}
}

// Runner drives sync cycles. Each enabled source gets its own goroutine
// with a ticker and a manual trigger; one cycle per source runs at a
// time, sources run independently of each other.
type Runner struct {
	cfg   *model.AppConfig
	store store.Store
	blobs blob.Store
	idx   index.Index
	vault *credential.Vault
	log   *logrus.Entry

	connectorFor connectorFactory

	triggerCh chan string
	wg        sync.WaitGroup
}

// New builds a runner over the given stores.
func New(cfg *model.AppConfig, st store.Store, blobs blob.Store, idx index.Index, vault *credential.Vault) *Runner {
	r := &Runner{
		cfg:       cfg,
		store:     st,
		blobs:     blobs,
		idx:       idx,
		vault:     vault,
		log:       logging.Component(logging.CompSyncer),
		triggerCh: make(chan string, 16),
	}
	r.connectorFor = func(src model.IngestionSource, creds credential.Credentials) (connector.Connector, error) {
		return NewConnector(cfg, src, creds)
	}
	return r
}

// Start launches a polling goroutine per enabled source. It returns
// after launching; Wait blocks until ctx cancellation has wound all
// goroutines down.
func (r *Runner) Start(ctx context.Context) error {
	sources, err := r.store.GetSources(ctx)
	if err != nil {
		return fmt.Errorf("loading sources: %w", err)
	}

	started := 0
	for _, src := range sources {
		if !src.Enabled {
			r.log.WithField("source", src.ID).Debug("source disabled, not scheduling")
			continue
		}
		started++
		r.wg.Add(1)
		go r.pollSource(ctx, src)
	}
	r.log.WithField("sources", started).Info("syncer started")
	return nil
}

// Wait blocks until every polling goroutine has stopped.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Trigger requests an immediate cycle for one source. It never blocks;
// a full trigger queue drops the request, the next tick covers it.
func (r *Runner) Trigger(sourceID string) {
	select {
	case r.triggerCh <- sourceID:
	default:
	}
}

// RunOnce executes a single cycle for one source outside the schedule.
func (r *Runner) RunOnce(ctx context.Context, sourceID string) (model.SyncRun, error) {
	src, err := r.store.GetSourceByID(ctx, sourceID)
	if err != nil {
		return model.SyncRun{}, fmt.Errorf("loading source %s: %w", sourceID, err)
	}
	if src == nil {
		return model.SyncRun{}, fmt.Errorf("unknown source %s", sourceID)
	}
	return r.RunCycle(ctx, *src), nil
}

// pollSource is the per-source scheduling loop: an immediate first
// cycle, then ticks and manual triggers until ctx ends.
func (r *Runner) pollSource(ctx context.Context, src model.IngestionSource) {
	defer r.wg.Done()

	interval := time.Duration(src.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Duration(r.cfg.Sync.DefaultPollIntervalSec) * time.Second
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.RunCycle(ctx, src)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunCycle(ctx, src)
		case id := <-r.triggerCh:
			if id == src.ID {
				r.RunCycle(ctx, src)
			}
		}
	}
}
