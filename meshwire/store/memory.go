package store

import (
	"context"
	"sync"

	"github.com/krew-solutions/meshwire-go/meshwire/cursor"
	"github.com/krew-solutions/meshwire-go/meshwire/option"
)

// MemoryStore is the reference Store implementation. The Postgres
// store must match its semantics; tests run against this one.
type MemoryStore struct {
	mu   sync.Mutex
	data *memoryData
}

type memoryData struct {
	groups   map[string]Group
	messages map[string]Message // group_id ‖ message_id
	intents  map[int64]Intent
	nextInt  int64

	refresh map[string]cursor.Clock // entity_id ‖ kind

	commitLog  []CommitLogRow
	nextRow    int64
	remoteLog  map[string]RemoteCommitLogRow // group_id ‖ seq
	consent    map[string]ConsentRecord      // type ‖ entity
	keyHistory map[int64]KeyPackageHistory
	nextKp     int64
	icebox     map[cursor.Cursor]IceboxRow
}

func newMemoryData() *memoryData {
	return &memoryData{
		groups:     map[string]Group{},
		messages:   map[string]Message{},
		intents:    map[int64]Intent{},
		nextInt:    1,
		refresh:    map[string]cursor.Clock{},
		nextRow:    1,
		remoteLog:  map[string]RemoteCommitLogRow{},
		consent:    map[string]ConsentRecord{},
		keyHistory: map[int64]KeyPackageHistory{},
		nextKp:     1,
		icebox:     map[cursor.Cursor]IceboxRow{},
	}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemoryData()}
}

func (d *memoryData) clone() *memoryData {
	out := newMemoryData()
	for k, v := range d.groups {
		out.groups[k] = v
	}
	for k, v := range d.messages {
		out.messages[k] = v
	}
	for k, v := range d.intents {
		out.intents[k] = v
	}
	out.nextInt = d.nextInt
	for k, v := range d.refresh {
		out.refresh[k] = v.Clone()
	}
	out.commitLog = append([]CommitLogRow(nil), d.commitLog...)
	out.nextRow = d.nextRow
	for k, v := range d.remoteLog {
		out.remoteLog[k] = v
	}
	for k, v := range d.consent {
		out.consent[k] = v
	}
	for k, v := range d.keyHistory {
		out.keyHistory[k] = v
	}
	out.nextKp = d.nextKp
	for k, v := range d.icebox {
		out.icebox[k] = v
	}
	return out
}

func messageKey(groupID, messageID []byte) string {
	return string(groupID) + "\x00" + string(messageID)
}

func refreshKey(entityID []byte, kind EntityKind) string {
	return string(entityID) + "\x00" + string(rune(kind))
}

func remoteLogKey(groupID []byte, seq int64) string {
	return string(groupID) + "\x00" + string(rune(seq))
}

func consentKey(t ConsentEntityType, entity string) string {
	return string(rune(t)) + "\x00" + entity
}

// memoryView runs the store methods against one data set and takes
// no lock itself: lockedView hands out a view of the live data under
// the store mutex, RunInTx one of a scratch clone.
type memoryView struct {
	parent *MemoryStore
	data   *memoryData
	// inTx is set on every view; no method reads it.
	inTx bool
}

func (s *MemoryStore) lockedView() (*memoryView, func()) {
	s.mu.Lock()
	return &memoryView{parent: s, data: s.data, inTx: true}, s.mu.Unlock
}

func (s *MemoryStore) RunInTx(ctx context.Context, fn func(tx Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	scratch := s.data.clone()
	tx := &memoryView{parent: s, data: scratch, inTx: true}
	if err := fn(tx); err != nil {
		return err
	}
	s.data = scratch
	return nil
}

// The exported Store methods delegate to a locked single-op view.

func (s *MemoryStore) InsertGroup(g *Group) error {
	v, unlock := s.lockedView()
	defer unlock()
	return v.InsertGroup(g)
}

func (s *MemoryStore) FindGroup(id []byte) (*Group, error) {
	v, unlock := s.lockedView()
	defer unlock()
	return v.FindGroup(id)
}

func (s *MemoryStore) ListGroups() ([]*Group, error) {
	v, unlock := s.lockedView()
	defer unlock()
	return v.ListGroups()
}

func (s *MemoryStore) UpdateGroup(g *Group) error {
	v, unlock := s.lockedView()
	defer unlock()
	return v.UpdateGroup(g)
}

func (s *MemoryStore) SetRotatedAtNs(groupID []byte, ns int64) error {
	v, unlock := s.lockedView()
	defer unlock()
	return v.SetRotatedAtNs(groupID, ns)
}

func (s *MemoryStore) MarkMaybeForked(groupID []byte, reason string) error {
	v, unlock := s.lockedView()
	defer unlock()
	return v.MarkMaybeForked(groupID, reason)
}

func (s *MemoryStore) MarkCommitLogForked(groupID []byte) error {
	v, unlock := s.lockedView()
	defer unlock()
	return v.MarkCommitLogForked(groupID)
}

func (s *MemoryStore) InsertMessage(m *Message) error {
	v, unlock := s.lockedView()
	defer unlock()
	return v.InsertMessage(m)
}

func (s *MemoryStore) FindMessage(groupID, messageID []byte) (*Message, error) {
	v, unlock := s.lockedView()
	defer unlock()
	return v.FindMessage(groupID, messageID)
}

func (s *MemoryStore) ListMessages(groupID []byte) ([]*Message, error) {
	v, unlock := s.lockedView()
	defer unlock()
	return v.ListMessages(groupID)
}

func (s *MemoryStore) UpdateMessageStatus(groupID, messageID []byte, status DeliveryStatus) error {
	v, unlock := s.lockedView()
	defer unlock()
	return v.UpdateMessageStatus(groupID, messageID, status)
}

func (s *MemoryStore) DeleteExpiredMessages(nowNs int64) (int, error) {
	v, unlock := s.lockedView()
	defer unlock()
	return v.DeleteExpiredMessages(nowNs)
}

func (s *MemoryStore) InsertIntent(i *Intent) (*Intent, error) {
	v, unlock := s.lockedView()
	defer unlock()
	return v.InsertIntent(i)
}

func (s *MemoryStore) FindIntent(id int64) (*Intent, error) {
	v, unlock := s.lockedView()
	defer unlock()
	return v.FindIntent(id)
}

func (s *MemoryStore) NextToPublish(groupID []byte) (option.Option[*Intent], error) {
	v, unlock := s.lockedView()
	defer unlock()
	return v.NextToPublish(groupID)
}

func (s *MemoryStore) KeyUpdateSince(groupID []byte, afterID int64) (option.Option[*Intent], error) {
	v, unlock := s.lockedView()
	defer unlock()
	return v.KeyUpdateSince(groupID, afterID)
}

func (s *MemoryStore) PublishedIntent(groupID []byte) (option.Option[*Intent], error) {
	v, unlock := s.lockedView()
	defer unlock()
	return v.PublishedIntent(groupID)
}

func (s *MemoryStore) UpdateIntent(i *Intent) error {
	v, unlock := s.lockedView()
	defer unlock()
	return v.UpdateIntent(i)
}

func (s *MemoryStore) DeleteIntent(id int64) error {
	v, unlock := s.lockedView()
	defer unlock()
	return v.DeleteIntent(id)
}

func (s *MemoryStore) RefreshClock(entityID []byte, kind EntityKind) (cursor.Clock, error) {
	v, unlock := s.lockedView()
	defer unlock()
	return v.RefreshClock(entityID, kind)
}

func (s *MemoryStore) AdvanceRefreshClock(entityID []byte, kind EntityKind, clock cursor.Clock) (bool, error) {
	v, unlock := s.lockedView()
	defer unlock()
	return v.AdvanceRefreshClock(entityID, kind, clock)
}

func (s *MemoryStore) AppendCommitLog(row *CommitLogRow) error {
	v, unlock := s.lockedView()
	defer unlock()
	return v.AppendCommitLog(row)
}

func (s *MemoryStore) ListCommitLog(groupID []byte) ([]*CommitLogRow, error) {
	v, unlock := s.lockedView()
	defer unlock()
	return v.ListCommitLog(groupID)
}

func (s *MemoryStore) CommitLogAfter(groupID []byte, afterSequenceID int64) ([]*CommitLogRow, error) {
	v, unlock := s.lockedView()
	defer unlock()
	return v.CommitLogAfter(groupID, afterSequenceID)
}

func (s *MemoryStore) SaveRemoteCommitLog(rows []*RemoteCommitLogRow) error {
	v, unlock := s.lockedView()
	defer unlock()
	return v.SaveRemoteCommitLog(rows)
}

func (s *MemoryStore) ListRemoteCommitLog(groupID []byte) ([]*RemoteCommitLogRow, error) {
	v, unlock := s.lockedView()
	defer unlock()
	return v.ListRemoteCommitLog(groupID)
}

func (s *MemoryStore) SetConsent(record *ConsentRecord) error {
	v, unlock := s.lockedView()
	defer unlock()
	return v.SetConsent(record)
}

func (s *MemoryStore) GetConsent(entityType ConsentEntityType, entity string) (option.Option[*ConsentRecord], error) {
	v, unlock := s.lockedView()
	defer unlock()
	return v.GetConsent(entityType, entity)
}

func (s *MemoryStore) ListConsent() ([]*ConsentRecord, error) {
	v, unlock := s.lockedView()
	defer unlock()
	return v.ListConsent()
}

func (s *MemoryStore) RecordKeyPackage(h *KeyPackageHistory) (*KeyPackageHistory, error) {
	v, unlock := s.lockedView()
	defer unlock()
	return v.RecordKeyPackage(h)
}

func (s *MemoryStore) SupersedeKeyPackages(installationKey []byte, beforeID int64, nowNs int64) error {
	v, unlock := s.lockedView()
	defer unlock()
	return v.SupersedeKeyPackages(installationKey, beforeID, nowNs)
}

func (s *MemoryStore) ListKeyPackages(installationKey []byte) ([]*KeyPackageHistory, error) {
	v, unlock := s.lockedView()
	defer unlock()
	return v.ListKeyPackages(installationKey)
}

func (s *MemoryStore) SaveIcebox(rows []*IceboxRow) error {
	v, unlock := s.lockedView()
	defer unlock()
	return v.SaveIcebox(rows)
}

func (s *MemoryStore) DeleteIcebox(cursors []cursor.Cursor) error {
	v, unlock := s.lockedView()
	defer unlock()
	return v.DeleteIcebox(cursors)
}

func (s *MemoryStore) ListIcebox() ([]*IceboxRow, error) {
	v, unlock := s.lockedView()
	defer unlock()
	return v.ListIcebox()
}
