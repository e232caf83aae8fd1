// Package commitlog publishes each group's local commit log to the
// remote commit-log topic and periodically compares the two for fork
// detection: any two honest members observing the same epoch must
// agree on its authenticator.
package commitlog

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	diffmatchpatch "github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"

	"github.com/krew-solutions/meshwire-go/meshwire/apiclient"
	"github.com/krew-solutions/meshwire-go/meshwire/cursor"
	"github.com/krew-solutions/meshwire-go/meshwire/signals"
	"github.com/krew-solutions/meshwire-go/meshwire/store"
)

// ForkReport is the diagnostic record surfaced when local and remote
// logs disagree on an epoch's authenticator.
type ForkReport struct {
	GroupID             []byte
	EpochNumber         uint64
	LocalAuthenticator  []byte
	RemoteAuthenticator []byte
	// Diff is a human-readable rendering of the divergence.
	Diff string
}

// entryPayload is the signed wire form of one remote row.
type entryPayload struct {
	GroupID                   []byte
	CommitSequenceID          int64
	AppliedEpochNumber        uint64
	AppliedEpochAuthenticator []byte
}

type Auditor struct {
	store  store.Store
	api    apiclient.Client
	logger *zap.Logger

	onFork *signals.SignalImp[ForkReport]
}

type Config struct {
	Store  store.Store
	API    apiclient.Client
	Logger *zap.Logger
}

func New(cfg Config) *Auditor {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{
		store:  cfg.Store,
		api:    cfg.API,
		logger: logger,
		onFork: signals.NewSignal[ForkReport](),
	}
}

// OnFork notifies observers of each detected fork.
func (a *Auditor) OnFork() signals.Signal[ForkReport] {
	return a.onFork
}

// PublishLocal uploads unpublished local rows for every group that
// holds the commit-log signing key. Rows with sequence id 0 (group
// creation, backup stubs) never upload.
func (a *Auditor) PublishLocal(ctx context.Context) error {
	groups, err := a.store.ListGroups()
	if err != nil {
		return err
	}
	for _, g := range groups {
		if len(g.CommitLogSigningKey) == 0 {
			continue
		}
		if err := a.publishGroup(ctx, g); err != nil {
			a.logger.Warn("commit log publish failed",
				zap.Binary("group_id", g.ID), zap.Error(err))
		}
	}
	return nil
}

func (a *Auditor) publishGroup(ctx context.Context, g *store.Group) error {
	published, err := a.store.RefreshClock(g.ID, store.EntityCommitLog)
	if err != nil {
		return err
	}
	lastPublished := int64(published.Get(0))

	rows, err := a.store.CommitLogAfter(g.ID, lastPublished)
	if err != nil {
		return err
	}

	var entries []*apiclient.CommitLogEntry
	maxSeq := lastPublished
	for _, row := range rows {
		if row.CommitSequenceID == 0 || row.Result != store.CommitApplied {
			continue
		}
		payload, err := json.Marshal(entryPayload{
			GroupID:                   row.GroupID,
			CommitSequenceID:          row.CommitSequenceID,
			AppliedEpochNumber:        row.AppliedEpochNumber,
			AppliedEpochAuthenticator: row.AppliedEpochAuthenticator,
		})
		if err != nil {
			return err
		}
		entries = append(entries, &apiclient.CommitLogEntry{
			GroupID:          row.GroupID,
			CommitSequenceID: row.CommitSequenceID,
			Payload:          payload,
			Signature:        ed25519.Sign(ed25519.PrivateKey(g.CommitLogSigningKey), payload),
		})
		if row.CommitSequenceID > maxSeq {
			maxSeq = row.CommitSequenceID
		}
	}
	if len(entries) == 0 {
		return nil
	}
	if err := a.api.PublishCommitLog(ctx, entries); err != nil {
		return err
	}
	_, err = a.store.AdvanceRefreshClock(g.ID, store.EntityCommitLog,
		cursor.ClockOf(cursor.Cursor{Originator: 0, Sequence: cursor.SequenceID(maxSeq)}))
	return err
}

// FetchRemote downloads and verifies new remote rows for every group.
func (a *Auditor) FetchRemote(ctx context.Context) error {
	groups, err := a.store.ListGroups()
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := a.fetchGroup(ctx, g); err != nil {
			a.logger.Warn("commit log fetch failed",
				zap.Binary("group_id", g.ID), zap.Error(err))
		}
	}
	return nil
}

func (a *Auditor) fetchGroup(ctx context.Context, g *store.Group) error {
	existing, err := a.store.ListRemoteCommitLog(g.ID)
	if err != nil {
		return err
	}
	after := int64(0)
	if len(existing) > 0 {
		after = existing[len(existing)-1].CommitSequenceID
	}

	entries, err := a.api.QueryCommitLog(ctx, g.ID, after)
	if err != nil {
		return err
	}

	var rows []*store.RemoteCommitLogRow
	for _, entry := range entries {
		if len(g.CommitLogPublicKey) > 0 {
			if len(entry.Signature) != ed25519.SignatureSize ||
				!ed25519.Verify(ed25519.PublicKey(g.CommitLogPublicKey), entry.Payload, entry.Signature) {
				a.logger.Warn("dropping remote commit log entry with bad signature",
					zap.Binary("group_id", g.ID),
					zap.Int64("sequence_id", entry.CommitSequenceID))
				continue
			}
		}
		var payload entryPayload
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			continue
		}
		rows = append(rows, &store.RemoteCommitLogRow{
			GroupID:                   payload.GroupID,
			CommitSequenceID:          payload.CommitSequenceID,
			AppliedEpochNumber:        payload.AppliedEpochNumber,
			AppliedEpochAuthenticator: payload.AppliedEpochAuthenticator,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return a.store.SaveRemoteCommitLog(rows)
}

// Audit compares local and remote logs. For every (group, epoch)
// present on both, the applied authenticators must match; a mismatch
// flags the group forked and surfaces a diagnostic report.
func (a *Auditor) Audit(ctx context.Context) error {
	groups, err := a.store.ListGroups()
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := a.auditGroup(ctx, g); err != nil {
			return err
		}
	}
	return nil
}

func (a *Auditor) auditGroup(ctx context.Context, g *store.Group) error {
	local, err := a.store.ListCommitLog(g.ID)
	if err != nil {
		return err
	}
	remote, err := a.store.ListRemoteCommitLog(g.ID)
	if err != nil {
		return err
	}

	localByEpoch := map[uint64][]byte{}
	for _, row := range local {
		if row.Result == store.CommitApplied {
			localByEpoch[row.AppliedEpochNumber] = row.AppliedEpochAuthenticator
		}
	}

	for _, row := range remote {
		localAuth, ok := localByEpoch[row.AppliedEpochNumber]
		if !ok {
			continue
		}
		if bytes.Equal(localAuth, row.AppliedEpochAuthenticator) {
			continue
		}

		report := ForkReport{
			GroupID:             g.ID,
			EpochNumber:         row.AppliedEpochNumber,
			LocalAuthenticator:  localAuth,
			RemoteAuthenticator: row.AppliedEpochAuthenticator,
			Diff:                authenticatorDiff(localAuth, row.AppliedEpochAuthenticator),
		}
		a.logger.Error("commit log fork detected",
			zap.Binary("group_id", g.ID),
			zap.Uint64("epoch", row.AppliedEpochNumber))

		// the newest group message is the tie-break anchor for
		// operator diagnosis
		if newest, err := a.api.GetNewestGroupMessage(ctx, g.ID); err == nil && newest != nil {
			a.logger.Info("newest group message at fork",
				zap.Binary("group_id", g.ID),
				zap.Int("envelope_len", len(newest)))
		}

		if err := a.store.MarkCommitLogForked(g.ID); err != nil {
			return err
		}
		a.onFork.Notify(report)
		return nil
	}
	return nil
}

// authenticatorDiff renders the divergence between the two hex forms.
func authenticatorDiff(local, remote []byte) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(hex.EncodeToString(local), hex.EncodeToString(remote), false)
	return dmp.DiffPrettyText(diffs)
}

// Run publishes, fetches, and audits on the interval until canceled.
func (a *Auditor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := a.Cycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			a.logger.Warn("audit cycle failed", zap.Error(err))
		}
	}
}

// Cycle runs one publish + fetch + audit pass.
func (a *Auditor) Cycle(ctx context.Context) error {
	if err := a.PublishLocal(ctx); err != nil {
		return err
	}
	if err := a.FetchRemote(ctx); err != nil {
		return err
	}
	return a.Audit(ctx)
}
