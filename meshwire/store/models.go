// Package store is the transactional façade over every persisted
// entity. Components hold ids and re-query within transactions; the
// store owns all rows.
package store

import (
	"github.com/krew-solutions/meshwire-go/meshwire/cursor"
)

type ConversationType int

const (
	ConversationGroup ConversationType = iota + 1
	ConversationDm
)

type MembershipState int

const (
	MembershipAllowed MembershipState = iota + 1
	MembershipRejected
	MembershipPending
	MembershipRestored
	MembershipPendingRemove
)

// Group is one conversation row, group or DM.
type Group struct {
	ID               []byte
	CreatorInboxID   string
	CreatedAtNs      int64
	ConversationType ConversationType
	// DmID is the peer-pair id, set only for DMs.
	DmID string

	Name            string
	Description     string
	DisappearFromNs int64
	DisappearInNs   int64

	// PolicyBytes holds the encoded mutable permissions policy; the
	// group package owns the structure.
	PolicyBytes []byte

	MembershipState        MembershipState
	Epoch                  uint64
	LastEpochAuthenticator []byte

	PausedForVersion string
	MaybeForked      bool
	CommitLogForked  bool

	// CommitLogPublicKey verifies remote commit-log entries;
	// CommitLogSigningKey signs them and is held only by members that
	// publish.
	CommitLogPublicKey  []byte
	CommitLogSigningKey []byte

	RotatedAtNs int64
}

type DeliveryStatus int

const (
	DeliveryUnpublished DeliveryStatus = iota + 1
	DeliveryPublished
	DeliveryFailed
)

type MessageKind int

const (
	MessageApplication MessageKind = iota + 1
	MessageMembershipChange
)

// ContentType describes the payload encoding of a message.
type ContentType struct {
	Authority    string
	TypeID       string
	VersionMajor int
	VersionMinor int
}

// Message is one decrypted group message. ID is the SHA-256 of the
// ciphertext, so (GroupID, ID) is unique and replays collapse.
type Message struct {
	ID                    []byte
	GroupID               []byte
	Plaintext             []byte
	ContentType           ContentType
	SenderInboxID         string
	SenderInstallationKey []byte
	SentAtNs              int64
	Status                DeliveryStatus
	Kind                  MessageKind
	ReferenceID           []byte
	ExpireAtNs            int64
	Originator            cursor.Cursor
	ShouldPush            bool
}

type IntentKind int

const (
	IntentSendMessage IntentKind = iota + 1
	IntentKeyUpdate
	IntentMetadataUpdate
	IntentUpdateGroupMembership
	IntentUpdateAdminList
	IntentUpdatePermission
)

func (k IntentKind) String() string {
	switch k {
	case IntentSendMessage:
		return "send_message"
	case IntentKeyUpdate:
		return "key_update"
	case IntentMetadataUpdate:
		return "metadata_update"
	case IntentUpdateGroupMembership:
		return "update_group_membership"
	case IntentUpdateAdminList:
		return "update_admin_list"
	case IntentUpdatePermission:
		return "update_permission"
	}
	return "unknown"
}

type IntentState int

const (
	IntentToPublish IntentState = iota + 1
	IntentPublished
	IntentCommitted
	IntentError
)

// Intent is a durable, retryable local action against a group.
type Intent struct {
	ID      int64
	GroupID []byte
	Kind    IntentKind
	Payload []byte

	Attempts int
	State    IntentState

	StagedCommitBytes     []byte
	PostCommitActionBytes []byte
	// PublishedInEpoch is set when the intent's commit was staged.
	PublishedInEpoch *uint64

	ShouldPush bool
}

type EntityKind int

const (
	EntityWelcome EntityKind = iota + 1
	EntityGroup
	// EntityCommitLog tracks how far a group's local commit log has
	// been published remotely.
	EntityCommitLog
)

func (k EntityKind) String() string {
	switch k {
	case EntityWelcome:
		return "welcome"
	case EntityGroup:
		return "group"
	case EntityCommitLog:
		return "commit_log"
	}
	return "unknown"
}

type CommitResult int

const (
	CommitApplied CommitResult = iota + 1
	CommitRejected
)

type CommitType int

const (
	CommitGroupCreation CommitType = iota + 1
	CommitBackupRestore
	CommitWelcome
	CommitMembershipChange
	CommitKeyRotation
	CommitMetadataChange
	CommitPermissionsChange
	CommitApplicationMessageBatch
)

func (t CommitType) String() string {
	switch t {
	case CommitGroupCreation:
		return "group_creation"
	case CommitBackupRestore:
		return "backup_restore"
	case CommitWelcome:
		return "welcome"
	case CommitMembershipChange:
		return "membership_change"
	case CommitKeyRotation:
		return "key_rotation"
	case CommitMetadataChange:
		return "metadata_change"
	case CommitPermissionsChange:
		return "permissions_change"
	case CommitApplicationMessageBatch:
		return "application_message_batch"
	}
	return "unknown"
}

// CommitLogRow is one local state transition, append-only.
type CommitLogRow struct {
	RowID                     int64
	GroupID                   []byte
	CommitSequenceID          int64
	PriorEpochAuthenticator   []byte
	Result                    CommitResult
	AppliedEpochNumber        uint64
	AppliedEpochAuthenticator []byte
	SenderInboxID             string
	SenderInstallationKey     []byte
	CommitType                CommitType
	ErrorMessage              string
}

// RemoteCommitLogRow is a row downloaded from the remote commit-log
// topic after signature verification.
type RemoteCommitLogRow struct {
	GroupID                   []byte
	CommitSequenceID          int64
	AppliedEpochNumber        uint64
	AppliedEpochAuthenticator []byte
}

type ConsentEntityType int

const (
	ConsentInboxID ConsentEntityType = iota + 1
	ConsentConversationID
)

type ConsentState int

const (
	ConsentUnknown ConsentState = iota
	ConsentAllowed
	ConsentDenied
)

// ConsentRecord is last-writer-wins by ConsentedAtNs.
type ConsentRecord struct {
	EntityType    ConsentEntityType
	Entity        string
	State         ConsentState
	ConsentedAtNs int64
}

// KeyPackageHistory records each uploaded key package so superseded
// material can be rotated out.
type KeyPackageHistory struct {
	ID              int64
	InstallationKey []byte
	KeyPackageTLS   []byte
	CreatedAtNs     int64
	SupersededAtNs  int64
}

// IceboxRow persists an orphaned envelope across restarts.
type IceboxRow struct {
	Originator cursor.OriginatorID
	Sequence   cursor.SequenceID
	GroupID    []byte
	Topic      []byte
	DependsOn  []cursor.Cursor
	Envelope   []byte
}
