package group

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/krew-solutions/meshwire-go/meshwire/envelope"
	"github.com/krew-solutions/meshwire-go/meshwire/mls"
	"github.com/krew-solutions/meshwire-go/meshwire/store"
)

// ApplyResultKind classifies what an ingested envelope did.
type ApplyResultKind int

const (
	AppliedMessage ApplyResultKind = iota + 1
	AppliedCommit
	RejectedCommit
	DroppedStale
)

// ApplyResult reports one envelope application.
type ApplyResult struct {
	Kind    ApplyResultKind
	Message *store.Message
	// Readds lists installations a super-admin re-added in the same
	// commit.
	Readds []mls.Member
}

// ApplyEnvelope processes one validated group-message envelope:
// decrypts, validates under policy, merges or rejects, and records
// the transition. Runs under the group mutex.
func (sm *StateMachine) ApplyEnvelope(ctx context.Context, validated *envelope.Validated) (*ApplyResult, error) {
	groupID := validated.Topic.Identifier()
	conv, err := sm.store.FindGroup(groupID)
	if err != nil {
		return nil, errors.Wrapf(ErrUnknownGroup, "%x", groupID)
	}

	mlsGroup, err := sm.provider.LoadGroup(sm.keyStore, conv.ID)
	if err != nil {
		return nil, err
	}

	processed, err := mlsGroup.ProcessMessage(validated.Ciphertext)
	if err != nil {
		if errors.Is(err, mls.ErrWrongEpoch) && !validated.IsCommit {
			return nil, err
		}
		if errors.Is(err, mls.ErrWrongEpoch) {
			// a commit for an epoch we already passed is a duplicate;
			// if it was our own published intent, it lost a race and
			// restages at the new epoch
			if resetErr := sm.resetLosingIntent(ctx, conv, validated.Ciphertext); resetErr != nil {
				return nil, resetErr
			}
			return &ApplyResult{Kind: DroppedStale}, ErrStaleCommit
		}
		return nil, err
	}

	switch processed.Kind {
	case mls.ProcessedCommit:
		return sm.applyCommit(ctx, conv, mlsGroup, validated, processed)
	default:
		return sm.applyApplicationMessage(ctx, conv, validated, processed)
	}
}

func (sm *StateMachine) applyApplicationMessage(ctx context.Context, conv *store.Group, validated *envelope.Validated, processed *mls.ProcessedMessage) (*ApplyResult, error) {
	msg := &store.Message{
		ID:                    messageID(validated.Ciphertext),
		GroupID:               conv.ID,
		Plaintext:             processed.Plaintext,
		SenderInboxID:         processed.SenderInboxID,
		SenderInstallationKey: processed.SenderInstallationKey,
		SentAtNs:              validated.SentNs,
		Status:                store.DeliveryPublished,
		Kind:                  store.MessageApplication,
		Originator:            validated.Cursor,
	}
	if validated.Client != nil && validated.Client.GroupMessage != nil {
		msg.ShouldPush = validated.Client.GroupMessage.ShouldPush
	}
	if conv.DisappearInNs > 0 {
		msg.ExpireAtNs = validated.SentNs + conv.DisappearInNs
	}

	err := sm.store.RunInTx(ctx, func(tx store.Store) error {
		if err := tx.InsertMessage(msg); err != nil {
			return err
		}
		return sm.maybeCommitOwnSendIntent(tx, conv, processed, msg.ID)
	})
	if err != nil {
		return nil, err
	}
	return &ApplyResult{Kind: AppliedMessage, Message: msg}, nil
}

// maybeCommitOwnSendIntent marks our published SendMessage intent
// Committed when its ciphertext returns through ingest.
func (sm *StateMachine) maybeCommitOwnSendIntent(tx store.Store, conv *store.Group, processed *mls.ProcessedMessage, msgID []byte) error {
	if !bytes.Equal(processed.SenderInstallationKey, sm.cred.InstallationKey) {
		return nil
	}
	published, err := tx.PublishedIntent(conv.ID)
	if err != nil {
		return err
	}
	if published.IsNothing() {
		return nil
	}
	intent := published.Unwrap()
	if intent.Kind != store.IntentSendMessage || !bytes.Equal(intent.StagedCommitBytes, msgID) {
		return nil
	}
	intent.State = store.IntentCommitted
	return tx.UpdateIntent(intent)
}

func (sm *StateMachine) applyCommit(ctx context.Context, conv *store.Group, mlsGroup mls.Group, validated *envelope.Validated, processed *mls.ProcessedMessage) (*ApplyResult, error) {
	staged := processed.StagedCommit
	sequenceID := int64(validated.Cursor.Sequence)

	// fork detection: the commit must reference the authenticator we
	// are at
	if len(conv.LastEpochAuthenticator) > 0 &&
		!bytes.Equal(staged.PriorAuthenticator, conv.LastEpochAuthenticator) {
		sm.logger.Warn("epoch authenticator mismatch, marking group maybe-forked",
			zap.Binary("group_id", conv.ID),
			zap.Uint64("epoch", conv.Epoch))
		err := sm.store.RunInTx(ctx, func(tx store.Store) error {
			if err := tx.MarkMaybeForked(conv.ID, "prior epoch authenticator mismatch"); err != nil {
				return err
			}
			return tx.AppendCommitLog(sm.rejectedRow(conv, validated, processed, sequenceID, "prior epoch authenticator mismatch"))
		})
		if err != nil {
			return nil, err
		}
		return &ApplyResult{Kind: RejectedCommit}, nil
	}

	policy, err := DecodePolicySet(mlsGroup.Extension(ExtPermissions))
	if err != nil {
		return nil, err
	}
	meta, err := DecodeMutableMetadata(mlsGroup.Extension(ExtMutableMetadata))
	if err != nil {
		return nil, err
	}

	validatedCommit, err := validateCommit(policy, meta, processed.SenderInboxID, processed.SenderInstallationKey, staged)
	if err != nil {
		if !errors.Is(err, ErrPolicyViolation) {
			return nil, err
		}
		sm.logger.Info("rejected commit",
			zap.Binary("group_id", conv.ID),
			zap.String("sender", processed.SenderInboxID),
			zap.Error(err))
		txErr := sm.store.RunInTx(ctx, func(tx store.Store) error {
			return tx.AppendCommitLog(sm.rejectedRow(conv, validated, processed, sequenceID, err.Error()))
		})
		if txErr != nil {
			return nil, txErr
		}
		return &ApplyResult{Kind: RejectedCommit}, nil
	}

	priorAuthenticator := mlsGroup.EpochAuthenticator()
	if err := mlsGroup.MergeStagedCommit(staged); err != nil {
		return nil, err
	}

	conv.Epoch = uint64(mlsGroup.Epoch())
	conv.LastEpochAuthenticator = mlsGroup.EpochAuthenticator()
	sm.applyExtensionSideEffects(conv, staged)

	var membershipMsg *store.Message
	if validatedCommit.CommitType == store.CommitMembershipChange {
		membershipMsg = sm.membershipChangeMessage(conv, validated, processed, validatedCommit)
	}

	err = sm.store.RunInTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateGroup(conv); err != nil {
			return err
		}
		switch validatedCommit.CommitType {
		case store.CommitKeyRotation, store.CommitMembershipChange:
			if err := tx.SetRotatedAtNs(conv.ID, sm.nowNs()); err != nil {
				return err
			}
		}
		if membershipMsg != nil {
			if err := tx.InsertMessage(membershipMsg); err != nil {
				return err
			}
		}
		if err := sm.maybeCommitOwnIntent(tx, conv, staged); err != nil {
			return err
		}
		return tx.AppendCommitLog(&store.CommitLogRow{
			GroupID:                   conv.ID,
			CommitSequenceID:          sequenceID,
			PriorEpochAuthenticator:   priorAuthenticator,
			Result:                    store.CommitApplied,
			AppliedEpochNumber:        conv.Epoch,
			AppliedEpochAuthenticator: conv.LastEpochAuthenticator,
			SenderInboxID:             processed.SenderInboxID,
			SenderInstallationKey:     processed.SenderInstallationKey,
			CommitType:                validatedCommit.CommitType,
		})
	})
	if err != nil {
		return nil, err
	}

	result := &ApplyResult{Kind: AppliedCommit, Readds: validatedCommit.Readds, Message: membershipMsg}
	return result, nil
}

// applyExtensionSideEffects mirrors extension changes onto the
// conversation row.
func (sm *StateMachine) applyExtensionSideEffects(conv *store.Group, staged *mls.StagedCommit) {
	if !staged.HasUpdatedExtension {
		return
	}
	switch staged.UpdatedExtension {
	case ExtMutableMetadata:
		if meta, err := DecodeMutableMetadata(staged.UpdatedExtensionData); err == nil {
			conv.Name = meta.Name
			conv.Description = meta.Description
			conv.DisappearFromNs = meta.DisappearFromNs
			conv.DisappearInNs = meta.DisappearInNs
		}
	case ExtPermissions:
		conv.PolicyBytes = append([]byte(nil), staged.UpdatedExtensionData...)
	}
}

// resetLosingIntent returns a published intent to ToPublish when its
// commit arrived stale: a concurrent commit won the epoch, and the
// intent must be rebuilt against the new state.
func (sm *StateMachine) resetLosingIntent(ctx context.Context, conv *store.Group, ciphertext []byte) error {
	return sm.store.RunInTx(ctx, func(tx store.Store) error {
		published, err := tx.PublishedIntent(conv.ID)
		if err != nil {
			return err
		}
		if published.IsNothing() {
			return nil
		}
		intent := published.Unwrap()
		if !bytes.Equal(intent.StagedCommitBytes, ciphertext) {
			return nil
		}
		intent.State = store.IntentToPublish
		intent.StagedCommitBytes = nil
		intent.PostCommitActionBytes = nil
		intent.PublishedInEpoch = nil
		intent.Attempts++
		sm.logger.Info("published commit lost its epoch race, restaging",
			zap.Int64("intent_id", intent.ID))
		return tx.UpdateIntent(intent)
	})
}

// maybeCommitOwnIntent marks the published intent Committed when the
// merged commit is ours.
func (sm *StateMachine) maybeCommitOwnIntent(tx store.Store, conv *store.Group, staged *mls.StagedCommit) error {
	published, err := tx.PublishedIntent(conv.ID)
	if err != nil {
		return err
	}
	if published.IsNothing() {
		return nil
	}
	intent := published.Unwrap()
	if !bytes.Equal(intent.StagedCommitBytes, staged.CommitBytes) {
		return nil
	}
	intent.State = store.IntentCommitted
	return tx.UpdateIntent(intent)
}

func (sm *StateMachine) rejectedRow(conv *store.Group, validated *envelope.Validated, processed *mls.ProcessedMessage, sequenceID int64, message string) *store.CommitLogRow {
	return &store.CommitLogRow{
		GroupID:                   conv.ID,
		CommitSequenceID:          sequenceID,
		PriorEpochAuthenticator:   conv.LastEpochAuthenticator,
		Result:                    store.CommitRejected,
		AppliedEpochNumber:        conv.Epoch,
		AppliedEpochAuthenticator: conv.LastEpochAuthenticator,
		SenderInboxID:             processed.SenderInboxID,
		SenderInstallationKey:     processed.SenderInstallationKey,
		CommitType:                classifyCommit(processed.StagedCommit),
		ErrorMessage:              message,
	}
}

func (sm *StateMachine) membershipChangeMessage(conv *store.Group, validated *envelope.Validated, processed *mls.ProcessedMessage, vc *ValidatedCommit) *store.Message {
	summary, err := json.Marshal(struct {
		Added   []mls.Member
		Removed []mls.Member
		Readds  []mls.Member
	}{vc.Added, vc.Removed, vc.Readds})
	if err != nil {
		return nil
	}
	return &store.Message{
		ID:                    messageID(validated.Ciphertext),
		GroupID:               conv.ID,
		Plaintext:             summary,
		SenderInboxID:         processed.SenderInboxID,
		SenderInstallationKey: processed.SenderInstallationKey,
		SentAtNs:              validated.SentNs,
		Status:                store.DeliveryPublished,
		Kind:                  store.MessageMembershipChange,
		Originator:            validated.Cursor,
	}
}

// ProcessWelcome admits this installation into the group a welcome
// describes. Idempotent by group id: a duplicate welcome is a no-op.
func (sm *StateMachine) ProcessWelcome(ctx context.Context, validated *envelope.Validated) (*store.Group, error) {
	welcome := validated.Client.WelcomeMessage
	if welcome == nil {
		return nil, errors.Wrap(envelope.ErrMalformedEnvelope, "welcome topic without welcome payload")
	}

	welcomeBytes := welcome.Data
	if welcome.WrapperAlgorithm != 0 {
		if sm.wrapper == nil {
			return nil, errors.New("group: wrapped welcome but no wrapper keys")
		}
		opened, err := sm.wrapper.Open(welcomeBytes)
		if err != nil {
			return nil, err
		}
		welcomeBytes = opened
	}

	mlsGroup, err := sm.provider.ProcessWelcome(sm.keyStore, welcomeBytes)
	if err != nil {
		return nil, err
	}

	if existing, err := sm.store.FindGroup(mlsGroup.ID()); err == nil {
		return existing, nil
	}

	meta, err := DecodeMutableMetadata(mlsGroup.Extension(ExtMutableMetadata))
	if err != nil {
		return nil, err
	}
	var protected ProtectedMetadata
	if raw := mlsGroup.Extension(ExtProtectedMetadata); len(raw) > 0 {
		if err := json.Unmarshal(raw, &protected); err != nil {
			return nil, errors.Wrap(err, "undecodable protected metadata")
		}
	}
	dmID := ""
	conversationType := protected.ConversationType
	if conversationType == 0 {
		conversationType = store.ConversationGroup
	}
	if len(protected.DmPeers) == 2 {
		dmID = DmID(protected.DmPeers[0], protected.DmPeers[1])
	}

	conv := &store.Group{
		ID:                     mlsGroup.ID(),
		CreatorInboxID:         protected.CreatorInboxID,
		CreatedAtNs:            sm.nowNs(),
		ConversationType:       conversationType,
		DmID:                   dmID,
		Name:                   meta.Name,
		Description:            meta.Description,
		DisappearFromNs:        meta.DisappearFromNs,
		DisappearInNs:          meta.DisappearInNs,
		PolicyBytes:            mlsGroup.Extension(ExtPermissions),
		MembershipState:        store.MembershipPending,
		Epoch:                  uint64(mlsGroup.Epoch()),
		LastEpochAuthenticator: mlsGroup.EpochAuthenticator(),
		RotatedAtNs:            sm.nowNs(),
	}

	err = sm.store.RunInTx(ctx, func(tx store.Store) error {
		if err := tx.InsertGroup(conv); err != nil {
			// a concurrent welcome beat us; keep the existing row
			if errors.Is(err, store.ErrConstraint) {
				return nil
			}
			return err
		}
		return tx.AppendCommitLog(&store.CommitLogRow{
			GroupID:                   conv.ID,
			CommitSequenceID:          int64(validated.Cursor.Sequence),
			Result:                    store.CommitApplied,
			AppliedEpochNumber:        conv.Epoch,
			AppliedEpochAuthenticator: conv.LastEpochAuthenticator,
			SenderInboxID:             processedWelcomeSender(validated),
			CommitType:                store.CommitWelcome,
		})
	})
	if err != nil {
		return nil, err
	}

	sm.logger.Info("joined group from welcome", zap.Binary("group_id", conv.ID))
	return conv, nil
}

func processedWelcomeSender(validated *envelope.Validated) string {
	// welcome sender identity travels inside the MLS welcome; the
	// envelope layer does not carry it
	return ""
}
