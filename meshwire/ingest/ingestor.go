// Package ingest is the single entry point for incoming envelopes,
// from streams and catch-up alike: it deduplicates against the
// cursor store, quarantines envelopes with unmet dependencies in the
// icebox, dispatches by topic kind, and re-drives released orphans
// to a fixed point.
package ingest

import (
	"context"
	"crypto/sha256"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/krew-solutions/meshwire-go/meshwire/cursor"
	"github.com/krew-solutions/meshwire-go/meshwire/envelope"
	"github.com/krew-solutions/meshwire-go/meshwire/group"
	"github.com/krew-solutions/meshwire-go/meshwire/identity"
	"github.com/krew-solutions/meshwire-go/meshwire/store"
	"github.com/krew-solutions/meshwire-go/meshwire/topic"
)

// Resolver fetches missing parent envelopes; the network-backed
// implementation lives in the resolve package.
type Resolver interface {
	// Resolve attempts to fetch the given dependencies. Returns the
	// envelopes it found; unresolved dependencies are simply absent.
	Resolve(ctx context.Context, missing []Dependency) ([][]byte, error)
}

// Dependency is one missing (topic, cursor) pair.
type Dependency struct {
	Topic  topic.Topic
	Cursor cursor.Cursor
}

// Outcome classifies one ingested envelope.
type Outcome int

const (
	OutcomeProcessed Outcome = iota + 1
	OutcomeDuplicate
	OutcomeIced
	OutcomeDropped
)

// Result reports one envelope's ingestion.
type Result struct {
	Outcome Outcome
	Topic   topic.Topic
	Cursor  cursor.Cursor
	// Message is set when an application or membership message was
	// delivered.
	Message *store.Message
	// JoinedGroup is set when a welcome admitted this client.
	JoinedGroup *store.Group
}

type Ingestor struct {
	cursors   cursor.Store
	validator *envelope.Validator
	machine   *group.StateMachine
	ident     identity.Service
	resolver  Resolver
	store     store.Store
	logger    *zap.Logger
}

type Config struct {
	Cursors      cursor.Store
	Validator    *envelope.Validator
	StateMachine *group.StateMachine
	Identity     identity.Service
	Resolver     Resolver
	Store        store.Store
	Logger       *zap.Logger
}

func New(cfg Config) *Ingestor {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	validator := cfg.Validator
	if validator == nil {
		validator = envelope.NewValidator(nil)
	}
	return &Ingestor{
		cursors:   cfg.Cursors,
		validator: validator,
		machine:   cfg.StateMachine,
		ident:     cfg.Identity,
		resolver:  cfg.Resolver,
		store:     cfg.Store,
		logger:    logger,
	}
}

// Ingest processes one raw originator envelope and then drives any
// icebox releases it triggers to a fixed point.
func (in *Ingestor) Ingest(ctx context.Context, raw []byte) (*Result, error) {
	result, err := in.ingestOne(ctx, raw)
	if err != nil {
		return result, err
	}
	if result.Outcome == OutcomeProcessed {
		in.drainReleased(ctx, result.Cursor)
	}
	return result, nil
}

// IngestBatch processes envelopes in order, aggregating terminal
// failures; validation failures drop the envelope without stopping
// the batch.
func (in *Ingestor) IngestBatch(ctx context.Context, raws [][]byte) ([]*Result, error) {
	var results []*Result
	var errs *multierror.Error
	for _, raw := range raws {
		result, err := in.Ingest(ctx, raw)
		if err != nil && !isDropError(err) {
			errs = multierror.Append(errs, err)
		}
		if result != nil {
			results = append(results, result)
		}
	}
	return results, errs.ErrorOrNil()
}

// isDropError reports errors that drop one envelope without failing
// the batch: validation failures are terminal and never retried.
func isDropError(err error) bool {
	return errors.Is(err, envelope.ErrMalformedEnvelope) ||
		errors.Is(err, envelope.ErrBadSignature) ||
		errors.Is(err, envelope.ErrUnknownTopic) ||
		errors.Is(err, group.ErrStaleCommit)
}

func (in *Ingestor) ingestOne(ctx context.Context, raw []byte) (*Result, error) {
	validated, err := in.validator.Validate(raw)
	if err != nil {
		in.logger.Warn("dropping invalid envelope", zap.Error(err))
		return &Result{Outcome: OutcomeDropped}, err
	}

	result := &Result{Topic: validated.Topic, Cursor: validated.Cursor}

	// duplicate check against the frontier
	frontier := in.cursors.Latest(validated.Topic)
	if frontier.Contains(validated.Cursor) {
		result.Outcome = OutcomeDuplicate
		return result, nil
	}

	// dependency gate
	if missing := in.missingDependencies(validated, frontier); len(missing) > 0 {
		return in.ice(ctx, raw, validated, missing)
	}

	if err := in.dispatch(ctx, validated, result); err != nil {
		if errors.Is(err, group.ErrStaleCommit) {
			// already past this commit; advance the cursor anyway
			in.markProcessed(validated)
			result.Outcome = OutcomeDuplicate
			return result, nil
		}
		return result, err
	}

	in.markProcessed(validated)
	result.Outcome = OutcomeProcessed
	return result, nil
}

func (in *Ingestor) missingDependencies(validated *envelope.Validated, frontier cursor.Clock) []Dependency {
	var missing []Dependency
	for _, dep := range validated.DependsOn.Sorted() {
		if frontier.Contains(dep) {
			continue
		}
		missing = append(missing, Dependency{Topic: validated.Topic, Cursor: dep})
	}
	return missing
}

func (in *Ingestor) ice(ctx context.Context, raw []byte, validated *envelope.Validated, missing []Dependency) (*Result, error) {
	result := &Result{Topic: validated.Topic, Cursor: validated.Cursor, Outcome: OutcomeIced}

	deps := make([]cursor.Cursor, 0, len(missing))
	for _, m := range missing {
		deps = append(deps, m.Cursor)
	}
	entry := cursor.IceboxEntry{
		Topic:     validated.Topic,
		GroupID:   validated.Topic.Identifier(),
		Cursor:    validated.Cursor,
		DependsOn: deps,
		Envelope:  raw,
	}
	in.cursors.Ice([]cursor.IceboxEntry{entry})
	if in.store != nil {
		row := &store.IceboxRow{
			Originator: validated.Cursor.Originator,
			Sequence:   validated.Cursor.Sequence,
			GroupID:    validated.Topic.Identifier(),
			Topic:      validated.Topic.Bytes(),
			DependsOn:  deps,
			Envelope:   raw,
		}
		if err := in.store.SaveIcebox([]*store.IceboxRow{row}); err != nil {
			return result, err
		}
	}
	in.logger.Debug("iced envelope awaiting parents",
		zap.String("cursor", validated.Cursor.String()),
		zap.Int("missing", len(missing)))

	if in.resolver == nil {
		return result, nil
	}
	resolved, err := in.resolver.Resolve(ctx, missing)
	if err != nil {
		in.logger.Warn("dependency resolution failed; orphans stay iceboxed", zap.Error(err))
		return result, nil
	}
	for _, parent := range resolved {
		if _, err := in.Ingest(ctx, parent); err != nil && !isDropError(err) {
			in.logger.Warn("resolved parent failed to ingest", zap.Error(err))
		}
	}
	return result, nil
}

func (in *Ingestor) dispatch(ctx context.Context, validated *envelope.Validated, result *Result) error {
	switch validated.Topic.Kind() {
	case topic.KindGroupMessagesV1:
		applied, err := in.machine.ApplyEnvelope(ctx, validated)
		if err != nil {
			return err
		}
		result.Message = applied.Message
		return nil
	case topic.KindWelcomeMessagesV1:
		joined, err := in.machine.ProcessWelcome(ctx, validated)
		if err != nil {
			return err
		}
		result.JoinedGroup = joined
		return nil
	case topic.KindIdentityUpdatesV1:
		update := validated.Client.IdentityUpdate
		if update == nil {
			return errors.Wrap(envelope.ErrMalformedEnvelope, "identity topic without identity payload")
		}
		return in.ident.ApplyIdentityUpdate(update.InboxID, update.Payload)
	case topic.KindKeyPackagesV1:
		// publish-only topic; never arrives in ingest
		in.logger.Warn("dropping key package envelope from ingest path")
		return errors.Wrap(envelope.ErrUnknownTopic, "key packages are publish-only")
	}
	return errors.Wrapf(envelope.ErrUnknownTopic, "kind %d", validated.Topic.Kind())
}

func (in *Ingestor) markProcessed(validated *envelope.Validated) {
	in.cursors.Received(validated.Topic, cursor.ClockOf(validated.Cursor))
	if validated.Topic.Kind() == topic.KindGroupMessagesV1 && len(validated.Ciphertext) > 0 {
		in.cursors.RecordMessageCursor(messageHash(validated.Ciphertext), validated.Topic, validated.Cursor)
	}
}

func messageHash(ciphertext []byte) []byte {
	h := sha256.Sum256(ciphertext)
	return h[:]
}

// drainReleased re-ingests icebox releases until no more envelopes
// free up.
func (in *Ingestor) drainReleased(ctx context.Context, resolved cursor.Cursor) {
	released := in.cursors.ResolveChildren([]cursor.Cursor{resolved})
	for len(released) > 0 {
		next := released[0]
		released = released[1:]

		if in.store != nil {
			if err := in.store.DeleteIcebox([]cursor.Cursor{next.Cursor}); err != nil {
				in.logger.Warn("failed to clear icebox row", zap.Error(err))
			}
		}
		result, err := in.ingestOne(ctx, next.Envelope)
		if err != nil {
			if !isDropError(err) {
				in.logger.Warn("released envelope failed to process",
					zap.String("cursor", next.Cursor.String()), zap.Error(err))
			}
			continue
		}
		if result.Outcome == OutcomeProcessed {
			released = append(released, in.cursors.ResolveChildren([]cursor.Cursor{result.Cursor})...)
		}
	}
}
