// Package intent turns local user actions into ordered, idempotent,
// retryable operations against the network. Each group has a logical
// FIFO of intents; the publisher loop drains it one intent at a time
// and owns the key-rotation bookkeeping.
package intent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/krew-solutions/meshwire-go/meshwire/store"
)

// DefaultKeyRotationInterval is how stale a group's keys may get
// before a send publishes a rotation commit ahead of itself.
const DefaultKeyRotationInterval = 30 * 24 * time.Hour

// Queue persists intents in insertion order. Rotation staleness is
// the publisher's concern, checked at publish time.
type Queue struct {
	store  store.Store
	logger *zap.Logger
}

type QueueConfig struct {
	Store  store.Store
	Logger *zap.Logger
}

func NewQueue(cfg QueueConfig) *Queue {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		store:  cfg.Store,
		logger: logger,
	}
}

// Queue durably inserts one intent for the group.
func (q *Queue) Queue(ctx context.Context, groupID []byte, kind store.IntentKind, payload []byte, shouldPush bool) (*store.Intent, error) {
	var out *store.Intent
	err := q.store.RunInTx(ctx, func(tx store.Store) error {
		if _, err := tx.FindGroup(groupID); err != nil {
			return err
		}
		var err error
		out, err = tx.InsertIntent(&store.Intent{
			GroupID:    groupID,
			Kind:       kind,
			Payload:    payload,
			ShouldPush: shouldPush,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	q.logger.Debug("queued intent",
		zap.Binary("group_id", groupID),
		zap.String("kind", kind.String()),
		zap.Int64("intent_id", out.ID))
	return out, nil
}
