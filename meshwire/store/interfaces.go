package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/krew-solutions/meshwire-go/meshwire/cursor"
	"github.com/krew-solutions/meshwire-go/meshwire/option"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConstraint covers unique/foreign-key violations; fatal to
	// the operation, never to the store.
	ErrConstraint = errors.New("store: constraint violation")
)

type GroupStore interface {
	InsertGroup(g *Group) error
	FindGroup(id []byte) (*Group, error)
	ListGroups() ([]*Group, error)
	UpdateGroup(g *Group) error
	// SetRotatedAtNs stamps the last key rotation.
	SetRotatedAtNs(groupID []byte, ns int64) error
	// MarkMaybeForked flags a suspected fork; cleared only by
	// operator intervention.
	MarkMaybeForked(groupID []byte, reason string) error
	MarkCommitLogForked(groupID []byte) error
}

type MessageStore interface {
	// InsertMessage stores a message once per (group_id, message_id);
	// a replay leaves the stored row unchanged.
	InsertMessage(m *Message) error
	FindMessage(groupID, messageID []byte) (*Message, error)
	// ListMessages returns a group's messages ordered by originator
	// sequence, then sent-at.
	ListMessages(groupID []byte) ([]*Message, error)
	UpdateMessageStatus(groupID, messageID []byte, status DeliveryStatus) error
	// DeleteExpiredMessages purges disappearing messages whose
	// expire-at passed.
	DeleteExpiredMessages(nowNs int64) (int, error)
}

type IntentStore interface {
	InsertIntent(i *Intent) (*Intent, error)
	FindIntent(id int64) (*Intent, error)
	// NextToPublish returns the oldest ToPublish intent for a group.
	NextToPublish(groupID []byte) (option.Option[*Intent], error)
	// PublishedIntent returns the group's single Published intent, if
	// any.
	PublishedIntent(groupID []byte) (option.Option[*Intent], error)
	// KeyUpdateSince returns the oldest KeyUpdate intent inserted
	// after the given intent id, in any state but Error. The
	// publisher uses it to pair exactly one rotation with a stale
	// send instead of queueing duplicates.
	KeyUpdateSince(groupID []byte, afterID int64) (option.Option[*Intent], error)
	UpdateIntent(i *Intent) error
	DeleteIntent(id int64) error
}

type RefreshStateStore interface {
	// RefreshClock returns the consumed frontier for an entity,
	// creating a zero row when absent.
	RefreshClock(entityID []byte, kind EntityKind) (cursor.Clock, error)
	// AdvanceRefreshClock merges monotonically; regressions report
	// advanced=false and leave the row untouched.
	AdvanceRefreshClock(entityID []byte, kind EntityKind, clock cursor.Clock) (advanced bool, err error)
}

type CommitLogStore interface {
	// AppendCommitLog appends one local row; rows are never updated.
	AppendCommitLog(row *CommitLogRow) error
	ListCommitLog(groupID []byte) ([]*CommitLogRow, error)
	// CommitLogAfter lists local rows with sequence id above the
	// given one, for remote publication.
	CommitLogAfter(groupID []byte, afterSequenceID int64) ([]*CommitLogRow, error)
	SaveRemoteCommitLog(rows []*RemoteCommitLogRow) error
	ListRemoteCommitLog(groupID []byte) ([]*RemoteCommitLogRow, error)
}

type ConsentStore interface {
	// SetConsent applies last-writer-wins by consented_at_ns.
	SetConsent(record *ConsentRecord) error
	GetConsent(entityType ConsentEntityType, entity string) (option.Option[*ConsentRecord], error)
	ListConsent() ([]*ConsentRecord, error)
}

type KeyPackageStore interface {
	RecordKeyPackage(h *KeyPackageHistory) (*KeyPackageHistory, error)
	// SupersedeKeyPackages stamps every older package for the
	// installation.
	SupersedeKeyPackages(installationKey []byte, beforeID int64, nowNs int64) error
	ListKeyPackages(installationKey []byte) ([]*KeyPackageHistory, error)
}

type IceboxStore interface {
	SaveIcebox(rows []*IceboxRow) error
	DeleteIcebox(cursors []cursor.Cursor) error
	ListIcebox() ([]*IceboxRow, error)
}

// Store is the full façade. RunInTx scopes every multi-row invariant:
// the callback's store view commits atomically or not at all.
type Store interface {
	GroupStore
	MessageStore
	IntentStore
	RefreshStateStore
	CommitLogStore
	ConsentStore
	KeyPackageStore
	IceboxStore

	RunInTx(ctx context.Context, fn func(tx Store) error) error
}
