package intent

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/krew-solutions/meshwire-go/meshwire/apiclient"
	"github.com/krew-solutions/meshwire-go/meshwire/cursor"
	"github.com/krew-solutions/meshwire-go/meshwire/envelope"
	"github.com/krew-solutions/meshwire-go/meshwire/group"
	"github.com/krew-solutions/meshwire-go/meshwire/store"
	"github.com/krew-solutions/meshwire-go/meshwire/topic"
)

// Publisher drains each group's intent FIFO: stage under the group
// mutex, mark Published, publish, and leave the merge to ingest. The
// publisher also owns key-rotation bookkeeping: a send whose group
// keys are stale publishes a KeyUpdate ahead of itself, and every
// non-send kind resets the rotation clock when its publish is
// accepted.
type Publisher struct {
	store            store.Store
	machine          *group.StateMachine
	api              apiclient.Client
	cursors          cursor.Store
	backoff          apiclient.BackoffPolicy
	rotationInterval time.Duration
	logger           *zap.Logger
	nowNs            func() int64

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	publishAttempts prometheus.Counter
	publishErrors   prometheus.Counter
}

type PublisherConfig struct {
	Store            store.Store
	StateMachine     *group.StateMachine
	API              apiclient.Client
	Cursors          cursor.Store
	Backoff          apiclient.BackoffPolicy
	RotationInterval time.Duration
	Logger           *zap.Logger
	NowNs            func() int64
	Registry         prometheus.Registerer
}

func NewPublisher(cfg PublisherConfig) *Publisher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	backoff := cfg.Backoff
	if backoff.MaxAttempts == 0 {
		backoff = apiclient.DefaultBackoff()
	}
	rotationInterval := cfg.RotationInterval
	if rotationInterval == 0 {
		rotationInterval = DefaultKeyRotationInterval
	}
	nowNs := cfg.NowNs
	if nowNs == nil {
		nowNs = func() int64 { return time.Now().UnixNano() }
	}
	p := &Publisher{
		store:            cfg.Store,
		machine:          cfg.StateMachine,
		api:              cfg.API,
		cursors:          cfg.Cursors,
		backoff:          backoff,
		rotationInterval: rotationInterval,
		logger:           logger,
		nowNs:            nowNs,
		locks:            map[string]*sync.Mutex{},
		publishAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshwire_intent_publish_attempts_total",
			Help: "Intent publish attempts, including retries.",
		}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshwire_intent_publish_errors_total",
			Help: "Intent publishes that exhausted their retry budget.",
		}),
	}
	if cfg.Registry != nil {
		cfg.Registry.MustRegister(p.publishAttempts, p.publishErrors)
	}
	return p
}

// groupLock serializes stage/publish/merge per group.
func (p *Publisher) groupLock(groupID []byte) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := string(groupID)
	lock, ok := p.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[key] = lock
	}
	return lock
}

// PublishGroup drains the group's queue until it empties, hits an
// intent awaiting merge, or fails.
func (p *Publisher) PublishGroup(ctx context.Context, groupID []byte) error {
	lock := p.groupLock(groupID)
	lock.Lock()
	defer lock.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// one intent may await its merge at a time
		published, err := p.store.PublishedIntent(groupID)
		if err != nil {
			return err
		}
		if published.IsSome() {
			return nil
		}

		next, err := p.store.NextToPublish(groupID)
		if err != nil {
			return err
		}
		if next.IsNothing() {
			return nil
		}

		done, err := p.publishOne(ctx, groupID, next.Unwrap())
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
	}
}

// publishOne stages and publishes a single intent. Returns done=true
// when the loop may continue with the next intent.
func (p *Publisher) publishOne(ctx context.Context, groupID []byte, intent *store.Intent) (bool, error) {
	conv, err := p.store.FindGroup(groupID)
	if err != nil {
		return false, err
	}

	// re-publishing a committed intent is a bug in the caller
	if intent.State != store.IntentToPublish {
		return false, errors.Errorf("intent: cannot publish intent %d in state %d", intent.ID, intent.State)
	}

	// a send against stale keys publishes a rotation commit first;
	// the send stays queued until the rotation merges
	if intent.Kind == store.IntentSendMessage && p.rotationStale(conv) {
		rotation, err := p.ensureKeyUpdateIntent(conv, intent.ID)
		if err != nil {
			return false, err
		}
		if rotation != nil {
			intent = rotation
		}
	}

	staged, err := p.machine.StageIntent(ctx, conv, intent)
	if err != nil {
		if errors.Is(err, group.ErrGroupPaused) || errors.Is(err, group.ErrGroupForked) {
			return false, err
		}
		// staging failures are terminal for the intent
		intent.State = store.IntentError
		if updateErr := p.store.UpdateIntent(intent); updateErr != nil {
			return false, updateErr
		}
		p.logger.Warn("intent staging failed",
			zap.Int64("intent_id", intent.ID), zap.Error(err))
		return true, nil
	}

	clientBytes, err := p.buildClientEnvelope(conv, intent, staged)
	if err != nil {
		return false, err
	}

	// persist the staged form and the Published transition together
	intent.State = store.IntentPublished
	epoch := staged.PublishedInEpoch
	intent.PublishedInEpoch = &epoch
	if staged.IsCommit {
		intent.StagedCommitBytes = staged.StagedCommitBytes
	} else {
		intent.StagedCommitBytes = staged.MessageID
	}
	if staged.PostCommit != nil {
		postCommitBytes, err := staged.PostCommit.Encode()
		if err != nil {
			return false, err
		}
		intent.PostCommitActionBytes = postCommitBytes
	}
	if err := p.store.UpdateIntent(intent); err != nil {
		return false, err
	}

	publishErr := apiclient.Retry(ctx, p.backoff, func() error {
		p.publishAttempts.Inc()
		_, err := p.api.PublishEnvelopes(ctx, [][]byte{clientBytes})
		return err
	})
	if publishErr == nil {
		// every kind but SendMessage resets the rotation clock once
		// the network accepts it
		if intent.Kind != store.IntentSendMessage {
			if err := p.store.SetRotatedAtNs(conv.ID, p.nowNs()); err != nil {
				return false, err
			}
		}
		if staged.PostCommit != nil {
			if err := p.publishWelcomes(ctx, staged.PostCommit); err != nil {
				p.logger.Warn("welcome publish failed", zap.Error(err))
			}
		}
		// the merge happens when the message returns through ingest
		return false, nil
	}

	if errors.Is(publishErr, apiclient.ErrEpochConflict) {
		// discard the staged commit and wait for the next ingested
		// message before restaging
		p.machine.RevertStagedIntent(conv)
		intent.State = store.IntentToPublish
		intent.StagedCommitBytes = nil
		intent.PostCommitActionBytes = nil
		intent.PublishedInEpoch = nil
		intent.Attempts++
		if err := p.store.UpdateIntent(intent); err != nil {
			return false, err
		}
		p.logger.Info("publish conflict, intent restages after next ingest",
			zap.Int64("intent_id", intent.ID))
		return false, nil
	}

	// transient budget exhausted or terminal failure
	p.publishErrors.Inc()
	p.machine.RevertStagedIntent(conv)
	intent.Attempts++
	if intent.Attempts >= maxIntentAttempts(p.backoff) {
		intent.State = store.IntentError
	} else {
		intent.State = store.IntentToPublish
		intent.StagedCommitBytes = nil
		intent.PostCommitActionBytes = nil
		intent.PublishedInEpoch = nil
	}
	if err := p.store.UpdateIntent(intent); err != nil {
		return false, err
	}
	p.logger.Warn("intent publish failed",
		zap.Int64("intent_id", intent.ID),
		zap.Int("attempts", intent.Attempts),
		zap.Error(publishErr))
	return false, nil
}

func (p *Publisher) rotationStale(conv *store.Group) bool {
	return p.nowNs()-conv.RotatedAtNs >= p.rotationInterval.Nanoseconds()
}

// ensureKeyUpdateIntent pairs exactly one rotation with a stale
// send. A queued rotation from a failed pass is reused; a rotation
// that already published or committed after the send means the pair
// is satisfied and nil is returned so the send proceeds.
func (p *Publisher) ensureKeyUpdateIntent(conv *store.Group, sendIntentID int64) (*store.Intent, error) {
	existing, err := p.store.KeyUpdateSince(conv.ID, sendIntentID)
	if err != nil {
		return nil, err
	}
	if existing.IsSome() {
		rotation := existing.Unwrap()
		if rotation.State == store.IntentToPublish {
			return rotation, nil
		}
		return nil, nil
	}
	rotation, err := p.store.InsertIntent(&store.Intent{
		GroupID: conv.ID,
		Kind:    store.IntentKeyUpdate,
	})
	if err != nil {
		return nil, err
	}
	p.logger.Debug("queued key rotation ahead of send",
		zap.Binary("group_id", conv.ID),
		zap.Int64("intent_id", rotation.ID))
	return rotation, nil
}

func maxIntentAttempts(policy apiclient.BackoffPolicy) int {
	if policy.MaxAttempts > 0 {
		return policy.MaxAttempts
	}
	return 5
}

func (p *Publisher) buildClientEnvelope(conv *store.Group, intent *store.Intent, staged *group.StagedIntent) ([]byte, error) {
	groupTopic := topic.NewGroupMessage(conv.ID)
	dependsOn := cursor.NewClock()
	if p.cursors != nil {
		dependsOn = p.cursors.Latest(groupTopic)
	}
	return envelope.EncodeClientEnvelope(&envelope.ClientEnvelope{
		Aad: envelope.AuthenticatedData{
			TargetTopic: groupTopic.Bytes(),
			DependsOn:   dependsOn,
			IsCommit:    staged.IsCommit,
		},
		GroupMessage: &envelope.GroupMessage{
			GroupID:    conv.ID,
			Data:       staged.Payload,
			ShouldPush: intent.ShouldPush,
		},
	})
}

func (p *Publisher) publishWelcomes(ctx context.Context, action *group.PostCommitAction) error {
	var envs [][]byte
	for _, member := range action.Installations {
		welcomeEnv, err := envelope.EncodeClientEnvelope(&envelope.ClientEnvelope{
			Aad: envelope.AuthenticatedData{
				TargetTopic: topic.NewWelcomeMessage(member.InstallationKey).Bytes(),
			},
			WelcomeMessage: &envelope.WelcomeMessage{
				InstallationKey: member.InstallationKey,
				Data:            action.WelcomeBytes,
			},
		})
		if err != nil {
			return err
		}
		envs = append(envs, welcomeEnv)
	}
	if len(envs) == 0 {
		return nil
	}
	return apiclient.Retry(ctx, p.backoff, func() error {
		_, err := p.api.PublishEnvelopes(ctx, envs)
		return err
	})
}

// Run drains queues on a poll interval plus explicit triggers, until
// the context cancels. Triggers carry the group id to publish.
func (p *Publisher) Run(ctx context.Context, trigger <-chan []byte, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case groupID, ok := <-trigger:
			if !ok {
				return nil
			}
			if err := p.publishIgnoringGroupGates(ctx, groupID); err != nil {
				return err
			}
		case <-ticker.C:
			groups, err := p.store.ListGroups()
			if err != nil {
				return err
			}
			for _, g := range groups {
				if err := p.publishIgnoringGroupGates(ctx, g.ID); err != nil {
					return err
				}
			}
		}
	}
}

func (p *Publisher) publishIgnoringGroupGates(ctx context.Context, groupID []byte) error {
	err := p.PublishGroup(ctx, groupID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, group.ErrGroupPaused), errors.Is(err, group.ErrGroupForked):
		// gated groups keep their intents queued
		return nil
	case errors.Is(err, context.Canceled):
		return err
	}
	p.logger.Warn("publish pass failed", zap.Binary("group_id", groupID), zap.Error(err))
	return nil
}
