package group

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/krew-solutions/meshwire-go/meshwire/apiclient"
	meshcrypto "github.com/krew-solutions/meshwire-go/meshwire/crypto"
	"github.com/krew-solutions/meshwire-go/meshwire/identity"
	"github.com/krew-solutions/meshwire-go/meshwire/mls"
	"github.com/krew-solutions/meshwire-go/meshwire/store"
)

var (
	// ErrCannotRemoveSelf: a membership intent may not remove the own
	// leaf; leaving is a separate flow.
	ErrCannotRemoveSelf = errors.New("group: cannot remove own installation")
	// ErrGroupPaused: the conversation is paused for a newer client
	// version; sends are refused, not queued.
	ErrGroupPaused = errors.New("group: paused for version")
	// ErrGroupForked: the conversation is suspected forked; mutations
	// are refused until operator intervention.
	ErrGroupForked = errors.New("group: forked")
	// ErrStaleCommit: the commit targets an epoch the group already
	// passed; dropped as a duplicate.
	ErrStaleCommit = errors.New("group: stale commit")
	// ErrUnknownGroup: no conversation row for the group id.
	ErrUnknownGroup = errors.New("group: unknown group")
)

// StateMachine advances conversations. Callers serialize operations
// per group; the intent publisher holds the group mutex across
// stage/publish/merge.
type StateMachine struct {
	store    store.Store
	provider mls.Provider
	keyStore mls.KeyStore
	ident    identity.Service
	api      apiclient.Client
	cred     mls.Credential
	wrapper  *meshcrypto.WrapperKeyPair
	logger   *zap.Logger
	nowNs    func() int64
}

type Config struct {
	Store      store.Store
	Provider   mls.Provider
	KeyStore   mls.KeyStore
	Identity   identity.Service
	API        apiclient.Client
	Credential mls.Credential
	// WrapperKeys unseal wrapped welcomes addressed to this
	// installation.
	WrapperKeys *meshcrypto.WrapperKeyPair
	Logger      *zap.Logger
	// NowNs is injectable for tests.
	NowNs func() int64
}

func NewStateMachine(cfg Config) *StateMachine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	nowNs := cfg.NowNs
	if nowNs == nil {
		nowNs = func() int64 { return time.Now().UnixNano() }
	}
	return &StateMachine{
		store:    cfg.Store,
		provider: cfg.Provider,
		keyStore: cfg.KeyStore,
		ident:    cfg.Identity,
		api:      cfg.API,
		cred:     cfg.Credential,
		wrapper:  cfg.WrapperKeys,
		logger:   logger,
		nowNs:    nowNs,
	}
}

// CreateOptions parameterize a new conversation.
type CreateOptions struct {
	Name        string
	Description string
	Policy      *PolicySet
	// DmPeerInboxID switches the conversation to a DM with that peer.
	DmPeerInboxID string
}

// Create builds a new conversation owned by the local inbox and
// records the creation in the commit log.
func (sm *StateMachine) Create(ctx context.Context, opts CreateOptions) (*store.Group, error) {
	conversationType := store.ConversationGroup
	policy := opts.Policy
	dmID := ""
	protected := ProtectedMetadata{
		CreatorInboxID:   sm.cred.InboxID,
		ConversationType: conversationType,
	}
	if opts.DmPeerInboxID != "" {
		conversationType = store.ConversationDm
		protected.ConversationType = conversationType
		protected.DmPeers = []string{sm.cred.InboxID, opts.DmPeerInboxID}
		dmID = DmID(sm.cred.InboxID, opts.DmPeerInboxID)
		if policy == nil {
			policy = DmPolicy()
		}
	}
	if policy == nil {
		policy = DefaultGroupPolicy()
	}

	groupID := newGroupID()
	membership := NewMembership()
	membership.Members[sm.cred.InboxID] = 0

	meta := &MutableMetadata{
		Name:        opts.Name,
		Description: opts.Description,
		SuperAdmins: []string{sm.cred.InboxID},
	}

	extensions, err := encodeExtensions(protected, meta, policy, membership)
	if err != nil {
		return nil, err
	}

	mlsGroup, err := sm.provider.CreateGroup(sm.keyStore, groupID, sm.cred, extensions)
	if err != nil {
		return nil, errors.Wrap(err, "creating mls group")
	}

	commitLogPub, commitLogPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	policyBytes, err := policy.Encode()
	if err != nil {
		return nil, err
	}

	conv := &store.Group{
		ID:                     groupID,
		CreatorInboxID:         sm.cred.InboxID,
		CreatedAtNs:            sm.nowNs(),
		ConversationType:       conversationType,
		DmID:                   dmID,
		Name:                   opts.Name,
		Description:            opts.Description,
		PolicyBytes:            policyBytes,
		MembershipState:        store.MembershipAllowed,
		Epoch:                  uint64(mlsGroup.Epoch()),
		LastEpochAuthenticator: mlsGroup.EpochAuthenticator(),
		CommitLogPublicKey:     commitLogPub,
		CommitLogSigningKey:    commitLogPriv,
		RotatedAtNs:            sm.nowNs(),
	}

	err = sm.store.RunInTx(ctx, func(tx store.Store) error {
		if err := tx.InsertGroup(conv); err != nil {
			return err
		}
		return tx.AppendCommitLog(&store.CommitLogRow{
			GroupID:                   groupID,
			CommitSequenceID:          0,
			Result:                    store.CommitApplied,
			AppliedEpochNumber:        conv.Epoch,
			AppliedEpochAuthenticator: conv.LastEpochAuthenticator,
			SenderInboxID:             sm.cred.InboxID,
			SenderInstallationKey:     sm.cred.InstallationKey,
			CommitType:                store.CommitGroupCreation,
		})
	})
	if err != nil {
		return nil, err
	}

	sm.logger.Info("created conversation",
		zap.Binary("group_id", groupID),
		zap.String("dm_id", dmID))
	return conv, nil
}

func newGroupID() []byte {
	id := ulid.Make()
	h := sha256.Sum256(id[:])
	return h[:16]
}

func encodeExtensions(protected ProtectedMetadata, meta *MutableMetadata, policy *PolicySet, membership *Membership) (map[uint16][]byte, error) {
	protectedBytes, err := json.Marshal(protected)
	if err != nil {
		return nil, err
	}
	metaBytes, err := meta.Encode()
	if err != nil {
		return nil, err
	}
	policyBytes, err := policy.Encode()
	if err != nil {
		return nil, err
	}
	membershipBytes, err := membership.Encode()
	if err != nil {
		return nil, err
	}
	return map[uint16][]byte{
		ExtProtectedMetadata: protectedBytes,
		ExtMutableMetadata:   metaBytes,
		ExtPermissions:       policyBytes,
		ExtMembership:        membershipBytes,
	}, nil
}

// ExtProtectedMetadata holds the immutable conversation metadata.
const ExtProtectedMetadata uint16 = 0xff03

// StagedIntent is what the publisher sends for one intent.
type StagedIntent struct {
	// Payload is the group-message ciphertext to publish.
	Payload []byte
	// MessageID is the SHA-256 of Payload.
	MessageID []byte
	IsCommit  bool
	// StagedCommitBytes identify the commit when it returns through
	// ingest.
	StagedCommitBytes []byte
	// PostCommit carries welcomes for added installations, published
	// after the commit is accepted.
	PostCommit *PostCommitAction
	// PublishedInEpoch is the epoch the stage was computed at.
	PublishedInEpoch uint64
}

// PostCommitAction sends welcomes to newly added installations.
type PostCommitAction struct {
	WelcomeBytes  []byte
	Installations []mls.Member
}

func (a *PostCommitAction) Encode() ([]byte, error) {
	return json.Marshal(a)
}

func DecodePostCommitAction(raw []byte) (*PostCommitAction, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	a := &PostCommitAction{}
	if err := json.Unmarshal(raw, a); err != nil {
		return nil, errors.Wrap(err, "undecodable post-commit action")
	}
	return a, nil
}

// StageIntent computes the publishable form of an intent. Runs under
// the group mutex; the MLS pending state stays staged until the
// commit returns through ingest or is reverted.
func (sm *StateMachine) StageIntent(ctx context.Context, conv *store.Group, intent *store.Intent) (*StagedIntent, error) {
	if conv.MaybeForked || conv.CommitLogForked {
		return nil, errors.Wrapf(ErrGroupForked, "group %x", conv.ID)
	}

	mlsGroup, err := sm.provider.LoadGroup(sm.keyStore, conv.ID)
	if err != nil {
		return nil, err
	}

	switch intent.Kind {
	case store.IntentSendMessage:
		if conv.PausedForVersion != "" {
			return nil, errors.Wrapf(ErrGroupPaused, "version %s", conv.PausedForVersion)
		}
		return sm.stageSendMessage(mlsGroup, intent)
	case store.IntentKeyUpdate:
		staged, err := mlsGroup.SelfUpdate()
		if err != nil {
			return nil, err
		}
		return sm.stagedFromCommit(staged), nil
	case store.IntentUpdateGroupMembership:
		return sm.stageMembershipUpdate(ctx, conv, mlsGroup, intent)
	case store.IntentMetadataUpdate:
		return sm.stageMetadataUpdate(mlsGroup, intent)
	case store.IntentUpdateAdminList:
		return sm.stageAdminListUpdate(mlsGroup, intent)
	case store.IntentUpdatePermission:
		return sm.stagePermissionUpdate(mlsGroup, intent)
	}
	return nil, errors.Errorf("group: unknown intent kind %d", intent.Kind)
}

func (sm *StateMachine) stagedFromCommit(staged *mls.StagedCommit) *StagedIntent {
	out := &StagedIntent{
		Payload:           staged.CommitBytes,
		MessageID:         messageID(staged.CommitBytes),
		IsCommit:          true,
		StagedCommitBytes: staged.CommitBytes,
		PublishedInEpoch:  uint64(staged.NewEpoch) - 1,
	}
	if len(staged.WelcomeBytes) > 0 {
		out.PostCommit = &PostCommitAction{
			WelcomeBytes:  staged.WelcomeBytes,
			Installations: staged.Added,
		}
	}
	return out
}

func (sm *StateMachine) stageSendMessage(mlsGroup mls.Group, intent *store.Intent) (*StagedIntent, error) {
	var payload SendMessagePayload
	if err := decodePayload(intent.Payload, &payload); err != nil {
		return nil, err
	}
	ciphertext, err := mlsGroup.CreateMessage(payload.Content)
	if err != nil {
		return nil, err
	}
	return &StagedIntent{
		Payload:          ciphertext,
		MessageID:        messageID(ciphertext),
		PublishedInEpoch: uint64(mlsGroup.Epoch()),
	}, nil
}

func (sm *StateMachine) stageMembershipUpdate(ctx context.Context, conv *store.Group, mlsGroup mls.Group, intent *store.Intent) (*StagedIntent, error) {
	var payload MembershipUpdatePayload
	if err := decodePayload(intent.Payload, &payload); err != nil {
		return nil, err
	}

	membership, err := DecodeMembership(mlsGroup.Extension(ExtMembership))
	if err != nil {
		return nil, err
	}
	next := membership.Clone()

	var keyPackages []mls.KeyPackage
	for _, inbox := range payload.AddInboxes {
		state, err := sm.ident.AssociationState(inbox)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving inbox %s", inbox)
		}
		kpBytes, err := sm.api.FetchKeyPackages(ctx, state.InstallationKeys())
		if err != nil {
			return nil, errors.Wrapf(err, "fetching key packages for %s", inbox)
		}
		for i, raw := range kpBytes {
			keyPackages = append(keyPackages, mls.KeyPackage{
				InboxID:         inbox,
				InstallationKey: state.InstallationKeys()[i],
				TLS:             raw,
			})
		}
		next.Members[inbox] = state.SequenceID
	}

	members, err := mlsGroup.Members()
	if err != nil {
		return nil, err
	}
	var removeLeaves []uint32
	for _, inbox := range payload.RemoveInboxes {
		for _, m := range members {
			if m.InboxID != inbox {
				continue
			}
			if inbox == sm.cred.InboxID {
				return nil, ErrCannotRemoveSelf
			}
			removeLeaves = append(removeLeaves, m.LeafIndex)
		}
		delete(next.Members, inbox)
	}

	extBytes, err := next.Encode()
	if err != nil {
		return nil, err
	}
	staged, err := mlsGroup.UpdateMembership(keyPackages, removeLeaves, extBytes)
	if err != nil {
		return nil, err
	}
	return sm.stagedFromCommit(staged), nil
}

func (sm *StateMachine) stageMetadataUpdate(mlsGroup mls.Group, intent *store.Intent) (*StagedIntent, error) {
	var payload MetadataUpdatePayload
	if err := decodePayload(intent.Payload, &payload); err != nil {
		return nil, err
	}
	meta, err := DecodeMutableMetadata(mlsGroup.Extension(ExtMutableMetadata))
	if err != nil {
		return nil, err
	}
	switch payload.Field {
	case FieldName:
		meta.Name = payload.Value
	case FieldDescription:
		meta.Description = payload.Value
	case FieldDisappearing:
		meta.DisappearFromNs = payload.DisappearFromNs
		meta.DisappearInNs = payload.DisappearInNs
	default:
		return nil, errors.Errorf("group: unknown metadata field %q", payload.Field)
	}
	raw, err := meta.Encode()
	if err != nil {
		return nil, err
	}
	staged, err := mlsGroup.UpdateExtension(ExtMutableMetadata, raw)
	if err != nil {
		return nil, err
	}
	return sm.stagedFromCommit(staged), nil
}

func (sm *StateMachine) stageAdminListUpdate(mlsGroup mls.Group, intent *store.Intent) (*StagedIntent, error) {
	var payload AdminListUpdatePayload
	if err := decodePayload(intent.Payload, &payload); err != nil {
		return nil, err
	}
	meta, err := DecodeMutableMetadata(mlsGroup.Extension(ExtMutableMetadata))
	if err != nil {
		return nil, err
	}
	switch payload.Action {
	case AdminActionAdd:
		meta.Admins = appendUnique(meta.Admins, payload.InboxID)
	case AdminActionRemove:
		meta.Admins = removeString(meta.Admins, payload.InboxID)
	case AdminActionAddSuper:
		meta.SuperAdmins = appendUnique(meta.SuperAdmins, payload.InboxID)
	case AdminActionRemoveSuper:
		meta.SuperAdmins = removeString(meta.SuperAdmins, payload.InboxID)
	default:
		return nil, errors.Errorf("group: unknown admin action %q", payload.Action)
	}
	raw, err := meta.Encode()
	if err != nil {
		return nil, err
	}
	staged, err := mlsGroup.UpdateExtension(ExtMutableMetadata, raw)
	if err != nil {
		return nil, err
	}
	return sm.stagedFromCommit(staged), nil
}

func (sm *StateMachine) stagePermissionUpdate(mlsGroup mls.Group, intent *store.Intent) (*StagedIntent, error) {
	var payload PermissionUpdatePayload
	if err := decodePayload(intent.Payload, &payload); err != nil {
		return nil, err
	}
	if payload.Policy == nil {
		return nil, errors.New("group: permission update without policy")
	}
	raw, err := payload.Policy.Encode()
	if err != nil {
		return nil, err
	}
	staged, err := mlsGroup.UpdateExtension(ExtPermissions, raw)
	if err != nil {
		return nil, err
	}
	return sm.stagedFromCommit(staged), nil
}

// RevertStagedIntent discards MLS pending state after a publish
// conflict; the intent stays ToPublish and restages after the next
// ingested message.
func (sm *StateMachine) RevertStagedIntent(conv *store.Group) {
	mlsGroup, err := sm.provider.LoadGroup(sm.keyStore, conv.ID)
	if err != nil {
		sm.logger.Warn("cannot load group to revert staged intent", zap.Error(err))
		return
	}
	mlsGroup.ClearPendingCommit()
}

func messageID(ciphertext []byte) []byte {
	h := sha256.Sum256(ciphertext)
	return h[:]
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, existing := range list {
		if existing != v {
			out = append(out, existing)
		}
	}
	return out
}
