package store

import (
	"github.com/krew-solutions/meshwire-go/meshwire/cursor"
	"github.com/krew-solutions/meshwire-go/meshwire/option"
)

// Single-operation methods acquire one pooled session each.

func (s *PgStore) InsertGroup(g *Group) error {
	return s.withConn(func(q *pgQueries) error { return q.InsertGroup(g) })
}

func (s *PgStore) FindGroup(id []byte) (g *Group, err error) {
	err = s.withConn(func(q *pgQueries) error { g, err = q.FindGroup(id); return err })
	return
}

func (s *PgStore) ListGroups() (out []*Group, err error) {
	err = s.withConn(func(q *pgQueries) error { out, err = q.ListGroups(); return err })
	return
}

func (s *PgStore) UpdateGroup(g *Group) error {
	return s.withConn(func(q *pgQueries) error { return q.UpdateGroup(g) })
}

func (s *PgStore) SetRotatedAtNs(groupID []byte, ns int64) error {
	return s.withConn(func(q *pgQueries) error { return q.SetRotatedAtNs(groupID, ns) })
}

func (s *PgStore) MarkMaybeForked(groupID []byte, reason string) error {
	return s.withConn(func(q *pgQueries) error { return q.MarkMaybeForked(groupID, reason) })
}

func (s *PgStore) MarkCommitLogForked(groupID []byte) error {
	return s.withConn(func(q *pgQueries) error { return q.MarkCommitLogForked(groupID) })
}

func (s *PgStore) InsertMessage(m *Message) error {
	return s.withConn(func(q *pgQueries) error { return q.InsertMessage(m) })
}

func (s *PgStore) FindMessage(groupID, messageID []byte) (m *Message, err error) {
	err = s.withConn(func(q *pgQueries) error { m, err = q.FindMessage(groupID, messageID); return err })
	return
}

func (s *PgStore) ListMessages(groupID []byte) (out []*Message, err error) {
	err = s.withConn(func(q *pgQueries) error { out, err = q.ListMessages(groupID); return err })
	return
}

func (s *PgStore) UpdateMessageStatus(groupID, messageID []byte, status DeliveryStatus) error {
	return s.withConn(func(q *pgQueries) error { return q.UpdateMessageStatus(groupID, messageID, status) })
}

func (s *PgStore) DeleteExpiredMessages(nowNs int64) (n int, err error) {
	err = s.withConn(func(q *pgQueries) error { n, err = q.DeleteExpiredMessages(nowNs); return err })
	return
}

func (s *PgStore) InsertIntent(i *Intent) (out *Intent, err error) {
	err = s.withConn(func(q *pgQueries) error { out, err = q.InsertIntent(i); return err })
	return
}

func (s *PgStore) FindIntent(id int64) (out *Intent, err error) {
	err = s.withConn(func(q *pgQueries) error { out, err = q.FindIntent(id); return err })
	return
}

func (s *PgStore) NextToPublish(groupID []byte) (out option.Option[*Intent], err error) {
	err = s.withConn(func(q *pgQueries) error { out, err = q.NextToPublish(groupID); return err })
	return
}

func (s *PgStore) KeyUpdateSince(groupID []byte, afterID int64) (out option.Option[*Intent], err error) {
	err = s.withConn(func(q *pgQueries) error { out, err = q.KeyUpdateSince(groupID, afterID); return err })
	return
}

func (s *PgStore) PublishedIntent(groupID []byte) (out option.Option[*Intent], err error) {
	err = s.withConn(func(q *pgQueries) error { out, err = q.PublishedIntent(groupID); return err })
	return
}

func (s *PgStore) UpdateIntent(i *Intent) error {
	return s.withConn(func(q *pgQueries) error { return q.UpdateIntent(i) })
}

func (s *PgStore) DeleteIntent(id int64) error {
	return s.withConn(func(q *pgQueries) error { return q.DeleteIntent(id) })
}

func (s *PgStore) RefreshClock(entityID []byte, kind EntityKind) (out cursor.Clock, err error) {
	err = s.withConn(func(q *pgQueries) error { out, err = q.RefreshClock(entityID, kind); return err })
	return
}

func (s *PgStore) AdvanceRefreshClock(entityID []byte, kind EntityKind, clock cursor.Clock) (advanced bool, err error) {
	err = s.withConn(func(q *pgQueries) error {
		advanced, err = q.AdvanceRefreshClock(entityID, kind, clock)
		return err
	})
	return
}

func (s *PgStore) AppendCommitLog(row *CommitLogRow) error {
	return s.withConn(func(q *pgQueries) error { return q.AppendCommitLog(row) })
}

func (s *PgStore) ListCommitLog(groupID []byte) (out []*CommitLogRow, err error) {
	err = s.withConn(func(q *pgQueries) error { out, err = q.ListCommitLog(groupID); return err })
	return
}

func (s *PgStore) CommitLogAfter(groupID []byte, afterSequenceID int64) (out []*CommitLogRow, err error) {
	err = s.withConn(func(q *pgQueries) error { out, err = q.CommitLogAfter(groupID, afterSequenceID); return err })
	return
}

func (s *PgStore) SaveRemoteCommitLog(rows []*RemoteCommitLogRow) error {
	return s.withConn(func(q *pgQueries) error { return q.SaveRemoteCommitLog(rows) })
}

func (s *PgStore) ListRemoteCommitLog(groupID []byte) (out []*RemoteCommitLogRow, err error) {
	err = s.withConn(func(q *pgQueries) error { out, err = q.ListRemoteCommitLog(groupID); return err })
	return
}

func (s *PgStore) SetConsent(record *ConsentRecord) error {
	return s.withConn(func(q *pgQueries) error { return q.SetConsent(record) })
}

func (s *PgStore) GetConsent(entityType ConsentEntityType, entity string) (out option.Option[*ConsentRecord], err error) {
	err = s.withConn(func(q *pgQueries) error { out, err = q.GetConsent(entityType, entity); return err })
	return
}

func (s *PgStore) ListConsent() (out []*ConsentRecord, err error) {
	err = s.withConn(func(q *pgQueries) error { out, err = q.ListConsent(); return err })
	return
}

func (s *PgStore) RecordKeyPackage(h *KeyPackageHistory) (out *KeyPackageHistory, err error) {
	err = s.withConn(func(q *pgQueries) error { out, err = q.RecordKeyPackage(h); return err })
	return
}

func (s *PgStore) SupersedeKeyPackages(installationKey []byte, beforeID int64, nowNs int64) error {
	return s.withConn(func(q *pgQueries) error {
		return q.SupersedeKeyPackages(installationKey, beforeID, nowNs)
	})
}

func (s *PgStore) ListKeyPackages(installationKey []byte) (out []*KeyPackageHistory, err error) {
	err = s.withConn(func(q *pgQueries) error { out, err = q.ListKeyPackages(installationKey); return err })
	return
}

func (s *PgStore) SaveIcebox(rows []*IceboxRow) error {
	return s.withConn(func(q *pgQueries) error { return q.SaveIcebox(rows) })
}

func (s *PgStore) DeleteIcebox(cursors []cursor.Cursor) error {
	return s.withConn(func(q *pgQueries) error { return q.DeleteIcebox(cursors) })
}

func (s *PgStore) ListIcebox() (out []*IceboxRow, err error) {
	err = s.withConn(func(q *pgQueries) error { out, err = q.ListIcebox(); return err })
	return
}

// compile-time interface checks
var (
	_ Store = (*PgStore)(nil)
	_ Store = (*MemoryStore)(nil)
	_ Store = (*memoryView)(nil)
)
