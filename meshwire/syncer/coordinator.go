// Package syncer drives pull-based catch-up: welcomes first, then
// per-group messages, resuming from the persisted refresh clocks.
// Sync is idempotent and safe to run alongside streaming; the cursor
// store's duplicate check prevents double-processing.
package syncer

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/krew-solutions/meshwire-go/meshwire/apiclient"
	"github.com/krew-solutions/meshwire-go/meshwire/cursor"
	"github.com/krew-solutions/meshwire-go/meshwire/envelope"
	"github.com/krew-solutions/meshwire-go/meshwire/ingest"
	"github.com/krew-solutions/meshwire-go/meshwire/store"
	"github.com/krew-solutions/meshwire-go/meshwire/topic"
)

const defaultPageSize = 100

type Coordinator struct {
	api          apiclient.Client
	ingestor     *ingest.Ingestor
	store        store.Store
	installation []byte
	concurrency  int
	pageSize     int
	logger       *zap.Logger
}

type Config struct {
	API             apiclient.Client
	Ingestor        *ingest.Ingestor
	Store           store.Store
	InstallationKey []byte
	// Concurrency bounds the per-group fan-out of SyncAll.
	Concurrency int
	PageSize    int
	Logger      *zap.Logger
}

func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Coordinator{
		api:          cfg.API,
		ingestor:     cfg.Ingestor,
		store:        cfg.Store,
		installation: cfg.InstallationKey,
		concurrency:  concurrency,
		pageSize:     pageSize,
		logger:       logger,
	}
}

// SyncWelcomes pulls welcomes past the welcome cursor. The cursor
// advances per welcome, after the welcome is applied.
func (c *Coordinator) SyncWelcomes(ctx context.Context) error {
	return c.syncTopic(ctx,
		topic.NewWelcomeMessage(c.installation),
		c.installation, store.EntityWelcome)
}

// SyncGroup pulls one group's messages past its cursor.
func (c *Coordinator) SyncGroup(ctx context.Context, groupID []byte) error {
	return c.syncTopic(ctx,
		topic.NewGroupMessage(groupID),
		groupID, store.EntityGroup)
}

func (c *Coordinator) syncTopic(ctx context.Context, t topic.Topic, entityID []byte, kind store.EntityKind) error {
	for {
		lastSeen, err := c.store.RefreshClock(entityID, kind)
		if err != nil {
			return err
		}
		page, err := c.api.QueryEnvelopes(ctx, []topic.Topic{t}, lastSeen, c.pageSize)
		if err != nil {
			return err
		}
		if len(page.Envelopes) == 0 {
			return nil
		}

		for _, raw := range page.Envelopes {
			result, err := c.ingestor.Ingest(ctx, raw)
			if err != nil {
				// validation failures drop the envelope but still
				// advance past it when its cursor can be read;
				// anything else halts the topic
				if !droppable(err) {
					return err
				}
			}
			if result == nil || result.Outcome == ingest.OutcomeIced {
				// iced envelopes keep the cursor put so the next sync
				// retries once parents arrive
				continue
			}
			cur := result.Cursor
			if err != nil {
				// a dropped envelope has no validated cursor; read it
				// from the originator layer, which may still decode
				cursors := &envelope.CursorExtractor{}
				_ = envelope.Accept(raw, cursors)
				cur = cursors.Cursor
			}
			if _, err := c.store.AdvanceRefreshClock(entityID, kind, cursor.ClockOf(cur)); err != nil {
				return err
			}
		}

		if len(page.Envelopes) < c.pageSize {
			return nil
		}
	}
}

func droppable(err error) bool {
	for _, terminal := range []error{
		envelope.ErrMalformedEnvelope,
		envelope.ErrBadSignature,
		envelope.ErrUnknownTopic,
	} {
		if errors.Is(err, terminal) {
			return true
		}
	}
	return false
}

// SyncAllWelcomesAndGroups syncs welcomes, then every known group
// with bounded concurrency. Per-group failures aggregate; one group
// cannot halt the others.
func (c *Coordinator) SyncAllWelcomesAndGroups(ctx context.Context) error {
	if err := c.SyncWelcomes(ctx); err != nil {
		return err
	}

	groups, err := c.store.ListGroups()
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(c.concurrency)

	errCh := make(chan error, len(groups))
	for _, g := range groups {
		groupID := g.ID
		eg.Go(func() error {
			if err := c.SyncGroup(egCtx, groupID); err != nil {
				errCh <- err
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	close(errCh)

	var errs *multierror.Error
	for err := range errCh {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// Run syncs on the interval and on every trigger pulse until the
// context cancels. A nil trigger never fires; the client starts Run
// with a nil trigger and the stream engine does not signal the
// syncer, so those syncs follow the interval alone.
func (c *Coordinator) Run(ctx context.Context, trigger <-chan struct{}, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-trigger:
			if !ok {
				return nil
			}
		case <-ticker.C:
		}
		if err := c.SyncAllWelcomesAndGroups(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("sync pass failed", zap.Error(err))
		}
	}
}
