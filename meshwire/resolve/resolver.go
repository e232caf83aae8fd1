// Package resolve fetches missing parent envelopes for the ingestor.
// It queries with the smallest last-seen cursor per originator and backs
// off exponentially within a total-wait budget; dependencies still
// missing when the budget runs out are dropped, leaving their
// dependents iceboxed for the next relevant arrival.
package resolve

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/krew-solutions/meshwire-go/meshwire/apiclient"
	"github.com/krew-solutions/meshwire-go/meshwire/cursor"
	"github.com/krew-solutions/meshwire-go/meshwire/envelope"
	"github.com/krew-solutions/meshwire-go/meshwire/ingest"
	"github.com/krew-solutions/meshwire-go/meshwire/topic"
)

// maxPageSize bounds one dependency query.
const maxPageSize = 100

// DefaultPolicy is the resolution retry budget: exponential from
// 50ms, doubling, ±25% jitter, 3s per wait, 10s total.
func DefaultPolicy() apiclient.BackoffPolicy {
	return apiclient.BackoffPolicy{
		Initial:     50 * time.Millisecond,
		Max:         3 * time.Second,
		Multiplier:  2,
		Jitter:      0.25,
		TotalBudget: 10 * time.Second,
	}
}

type NetworkResolver struct {
	api    apiclient.Client
	policy apiclient.BackoffPolicy
	logger *zap.Logger
}

func NewNetworkResolver(api apiclient.Client, policy apiclient.BackoffPolicy, logger *zap.Logger) *NetworkResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.TotalBudget == 0 && policy.MaxAttempts == 0 {
		policy = DefaultPolicy()
	}
	return &NetworkResolver{api: api, policy: policy, logger: logger}
}

var _ ingest.Resolver = (*NetworkResolver)(nil)

// Resolve fetches as many of the missing dependencies as the budget
// allows. Resolved envelopes may carry unmet dependencies of their
// own; the ingestor ices those in turn.
func (r *NetworkResolver) Resolve(ctx context.Context, missing []ingest.Dependency) ([][]byte, error) {
	pending := map[cursor.Cursor]ingest.Dependency{}
	for _, dep := range missing {
		pending[dep.Cursor] = dep
	}

	var resolved [][]byte
	start := time.Now()
	for attempt := 0; len(pending) > 0; attempt++ {
		if attempt > 0 {
			wait, ok := r.policy.Wait(attempt-1, time.Since(start))
			if !ok {
				for cur := range pending {
					r.logger.Warn("dropping unresolvable dependency",
						zap.String("cursor", cur.String()))
				}
				break
			}
			select {
			case <-ctx.Done():
				return resolved, ctx.Err()
			case <-time.After(wait):
			}
		}

		topics, lastSeen := lowestCommon(pending)
		page, err := r.api.QueryEnvelopes(ctx, topics, lastSeen, maxPageSize)
		if err != nil {
			if !apiclient.IsRetryable(err) {
				return resolved, err
			}
			continue
		}

		for _, raw := range page.Envelopes {
			cursors := &envelope.CursorExtractor{}
			if err := envelope.Accept(raw, cursors); err != nil {
				continue
			}
			if _, wanted := pending[cursors.Cursor]; wanted {
				delete(pending, cursors.Cursor)
				resolved = append(resolved, raw)
			}
		}
	}
	return resolved, nil
}

// lowestCommon collects the pending topics and one last-seen clock
// shared by all of them, holding per originator the position just
// below the smallest missing sequence, so the query returns the gap
// itself. Topics do not get separate clocks.
func lowestCommon(pending map[cursor.Cursor]ingest.Dependency) ([]topic.Topic, cursor.Clock) {
	seen := map[topic.Topic]bool{}
	var topics []topic.Topic
	lastSeen := cursor.NewClock()

	for cur, dep := range pending {
		if !seen[dep.Topic] {
			seen[dep.Topic] = true
			topics = append(topics, dep.Topic)
		}
		before := cursor.Cursor{Originator: cur.Originator, Sequence: cur.Sequence - 1}
		if existing, ok := lastSeen[before.Originator]; !ok || before.Sequence < existing {
			lastSeen[before.Originator] = before.Sequence
		}
	}
	return topics, lastSeen
}
