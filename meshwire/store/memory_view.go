package store

import (
	"bytes"
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/krew-solutions/meshwire-go/meshwire/cursor"
	"github.com/krew-solutions/meshwire-go/meshwire/option"
)

func (v *memoryView) RunInTx(ctx context.Context, fn func(tx Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// nested transaction: savepoint semantics over a scratch clone
	scratch := v.data.clone()
	tx := &memoryView{parent: v.parent, data: scratch, inTx: true}
	if err := fn(tx); err != nil {
		return err
	}
	*v.data = *scratch
	return nil
}

// Groups

func (v *memoryView) InsertGroup(g *Group) error {
	key := string(g.ID)
	if _, exists := v.data.groups[key]; exists {
		return errors.Wrapf(ErrConstraint, "group %x already exists", g.ID)
	}
	v.data.groups[key] = *g
	return nil
}

func (v *memoryView) FindGroup(id []byte) (*Group, error) {
	g, ok := v.data.groups[string(id)]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "group %x", id)
	}
	out := g
	return &out, nil
}

func (v *memoryView) ListGroups() ([]*Group, error) {
	out := make([]*Group, 0, len(v.data.groups))
	for _, g := range v.data.groups {
		cp := g
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtNs != out[j].CreatedAtNs {
			return out[i].CreatedAtNs < out[j].CreatedAtNs
		}
		return bytes.Compare(out[i].ID, out[j].ID) < 0
	})
	return out, nil
}

func (v *memoryView) UpdateGroup(g *Group) error {
	key := string(g.ID)
	current, ok := v.data.groups[key]
	if !ok {
		return errors.Wrapf(ErrNotFound, "group %x", g.ID)
	}
	if g.Epoch < current.Epoch {
		return errors.Wrapf(ErrConstraint, "epoch regression %d -> %d for group %x",
			current.Epoch, g.Epoch, g.ID)
	}
	v.data.groups[key] = *g
	return nil
}

func (v *memoryView) SetRotatedAtNs(groupID []byte, ns int64) error {
	g, ok := v.data.groups[string(groupID)]
	if !ok {
		return errors.Wrapf(ErrNotFound, "group %x", groupID)
	}
	g.RotatedAtNs = ns
	v.data.groups[string(groupID)] = g
	return nil
}

func (v *memoryView) MarkMaybeForked(groupID []byte, reason string) error {
	g, ok := v.data.groups[string(groupID)]
	if !ok {
		return errors.Wrapf(ErrNotFound, "group %x", groupID)
	}
	g.MaybeForked = true
	v.data.groups[string(groupID)] = g
	return nil
}

func (v *memoryView) MarkCommitLogForked(groupID []byte) error {
	g, ok := v.data.groups[string(groupID)]
	if !ok {
		return errors.Wrapf(ErrNotFound, "group %x", groupID)
	}
	g.CommitLogForked = true
	v.data.groups[string(groupID)] = g
	return nil
}

// Messages

func (v *memoryView) InsertMessage(m *Message) error {
	key := messageKey(m.GroupID, m.ID)
	if _, exists := v.data.messages[key]; exists {
		// (group_id, message_id) is unique; replays collapse
		return nil
	}
	v.data.messages[key] = *m
	return nil
}

func (v *memoryView) FindMessage(groupID, messageID []byte) (*Message, error) {
	m, ok := v.data.messages[messageKey(groupID, messageID)]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "message %x", messageID)
	}
	out := m
	return &out, nil
}

func (v *memoryView) ListMessages(groupID []byte) ([]*Message, error) {
	var out []*Message
	for _, m := range v.data.messages {
		if !bytes.Equal(m.GroupID, groupID) {
			continue
		}
		cp := m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Originator.Originator != b.Originator.Originator {
			return a.Originator.Originator < b.Originator.Originator
		}
		if a.Originator.Sequence != b.Originator.Sequence {
			return a.Originator.Sequence < b.Originator.Sequence
		}
		return a.SentAtNs < b.SentAtNs
	})
	return out, nil
}

func (v *memoryView) UpdateMessageStatus(groupID, messageID []byte, status DeliveryStatus) error {
	key := messageKey(groupID, messageID)
	m, ok := v.data.messages[key]
	if !ok {
		return errors.Wrapf(ErrNotFound, "message %x", messageID)
	}
	m.Status = status
	v.data.messages[key] = m
	return nil
}

func (v *memoryView) DeleteExpiredMessages(nowNs int64) (int, error) {
	deleted := 0
	for key, m := range v.data.messages {
		if m.ExpireAtNs > 0 && m.ExpireAtNs <= nowNs {
			delete(v.data.messages, key)
			deleted++
		}
	}
	return deleted, nil
}

// Intents

func (v *memoryView) InsertIntent(i *Intent) (*Intent, error) {
	cp := *i
	cp.ID = v.data.nextInt
	v.data.nextInt++
	if cp.State == 0 {
		cp.State = IntentToPublish
	}
	v.data.intents[cp.ID] = cp
	out := cp
	return &out, nil
}

func (v *memoryView) FindIntent(id int64) (*Intent, error) {
	i, ok := v.data.intents[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "intent %d", id)
	}
	out := i
	return &out, nil
}

func (v *memoryView) NextToPublish(groupID []byte) (option.Option[*Intent], error) {
	var best *Intent
	for _, i := range v.data.intents {
		if !bytes.Equal(i.GroupID, groupID) || i.State != IntentToPublish {
			continue
		}
		cp := i
		if best == nil || cp.ID < best.ID {
			best = &cp
		}
	}
	if best == nil {
		return option.Nothing[*Intent](), nil
	}
	return option.Some(best), nil
}

func (v *memoryView) KeyUpdateSince(groupID []byte, afterID int64) (option.Option[*Intent], error) {
	var best *Intent
	for _, i := range v.data.intents {
		if !bytes.Equal(i.GroupID, groupID) || i.Kind != IntentKeyUpdate ||
			i.ID <= afterID || i.State == IntentError {
			continue
		}
		cp := i
		if best == nil || cp.ID < best.ID {
			best = &cp
		}
	}
	if best == nil {
		return option.Nothing[*Intent](), nil
	}
	return option.Some(best), nil
}

func (v *memoryView) PublishedIntent(groupID []byte) (option.Option[*Intent], error) {
	for _, i := range v.data.intents {
		if bytes.Equal(i.GroupID, groupID) && i.State == IntentPublished {
			cp := i
			return option.Some(&cp), nil
		}
	}
	return option.Nothing[*Intent](), nil
}

func (v *memoryView) UpdateIntent(i *Intent) error {
	current, ok := v.data.intents[i.ID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "intent %d", i.ID)
	}
	// at most one intent per group may await its merge
	if i.State == IntentPublished && current.State != IntentPublished {
		for _, other := range v.data.intents {
			if other.ID != i.ID && bytes.Equal(other.GroupID, i.GroupID) && other.State == IntentPublished {
				return errors.Wrapf(ErrConstraint, "group %x already has published intent %d", i.GroupID, other.ID)
			}
		}
	}
	v.data.intents[i.ID] = *i
	return nil
}

func (v *memoryView) DeleteIntent(id int64) error {
	delete(v.data.intents, id)
	return nil
}

// Refresh state

func (v *memoryView) RefreshClock(entityID []byte, kind EntityKind) (cursor.Clock, error) {
	key := refreshKey(entityID, kind)
	clock, ok := v.data.refresh[key]
	if !ok {
		clock = cursor.NewClock()
		v.data.refresh[key] = clock
	}
	return clock.Clone(), nil
}

func (v *memoryView) AdvanceRefreshClock(entityID []byte, kind EntityKind, clock cursor.Clock) (bool, error) {
	key := refreshKey(entityID, kind)
	current, ok := v.data.refresh[key]
	if !ok {
		v.data.refresh[key] = clock.Clone()
		return true, nil
	}
	if current.Dominates(clock) {
		return false, nil
	}
	merged := current.Clone()
	merged.Merge(clock)
	v.data.refresh[key] = merged
	return true, nil
}

// Commit logs

func (v *memoryView) AppendCommitLog(row *CommitLogRow) error {
	cp := *row
	cp.RowID = v.data.nextRow
	v.data.nextRow++
	v.data.commitLog = append(v.data.commitLog, cp)
	return nil
}

func (v *memoryView) ListCommitLog(groupID []byte) ([]*CommitLogRow, error) {
	var out []*CommitLogRow
	for _, row := range v.data.commitLog {
		if bytes.Equal(row.GroupID, groupID) {
			cp := row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (v *memoryView) CommitLogAfter(groupID []byte, afterSequenceID int64) ([]*CommitLogRow, error) {
	var out []*CommitLogRow
	for _, row := range v.data.commitLog {
		if bytes.Equal(row.GroupID, groupID) && row.CommitSequenceID > afterSequenceID {
			cp := row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (v *memoryView) SaveRemoteCommitLog(rows []*RemoteCommitLogRow) error {
	for _, row := range rows {
		v.data.remoteLog[remoteLogKey(row.GroupID, row.CommitSequenceID)] = *row
	}
	return nil
}

func (v *memoryView) ListRemoteCommitLog(groupID []byte) ([]*RemoteCommitLogRow, error) {
	var out []*RemoteCommitLogRow
	for _, row := range v.data.remoteLog {
		if bytes.Equal(row.GroupID, groupID) {
			cp := row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CommitSequenceID < out[j].CommitSequenceID
	})
	return out, nil
}

// Consent

func (v *memoryView) SetConsent(record *ConsentRecord) error {
	key := consentKey(record.EntityType, record.Entity)
	if current, ok := v.data.consent[key]; ok && current.ConsentedAtNs > record.ConsentedAtNs {
		return nil
	}
	v.data.consent[key] = *record
	return nil
}

func (v *memoryView) GetConsent(entityType ConsentEntityType, entity string) (option.Option[*ConsentRecord], error) {
	record, ok := v.data.consent[consentKey(entityType, entity)]
	if !ok {
		return option.Nothing[*ConsentRecord](), nil
	}
	cp := record
	return option.Some(&cp), nil
}

func (v *memoryView) ListConsent() ([]*ConsentRecord, error) {
	out := make([]*ConsentRecord, 0, len(v.data.consent))
	for _, record := range v.data.consent {
		cp := record
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Entity < out[j].Entity
	})
	return out, nil
}

// Key package history

func (v *memoryView) RecordKeyPackage(h *KeyPackageHistory) (*KeyPackageHistory, error) {
	cp := *h
	cp.ID = v.data.nextKp
	v.data.nextKp++
	v.data.keyHistory[cp.ID] = cp
	out := cp
	return &out, nil
}

func (v *memoryView) SupersedeKeyPackages(installationKey []byte, beforeID int64, nowNs int64) error {
	for id, h := range v.data.keyHistory {
		if bytes.Equal(h.InstallationKey, installationKey) && h.ID < beforeID && h.SupersededAtNs == 0 {
			h.SupersededAtNs = nowNs
			v.data.keyHistory[id] = h
		}
	}
	return nil
}

func (v *memoryView) ListKeyPackages(installationKey []byte) ([]*KeyPackageHistory, error) {
	var out []*KeyPackageHistory
	for _, h := range v.data.keyHistory {
		if bytes.Equal(h.InstallationKey, installationKey) {
			cp := h
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Icebox

func (v *memoryView) SaveIcebox(rows []*IceboxRow) error {
	for _, row := range rows {
		key := cursor.Cursor{Originator: row.Originator, Sequence: row.Sequence}
		if _, exists := v.data.icebox[key]; exists {
			continue
		}
		v.data.icebox[key] = *row
	}
	return nil
}

func (v *memoryView) DeleteIcebox(cursors []cursor.Cursor) error {
	for _, c := range cursors {
		delete(v.data.icebox, c)
	}
	return nil
}

func (v *memoryView) ListIcebox() ([]*IceboxRow, error) {
	out := make([]*IceboxRow, 0, len(v.data.icebox))
	for _, row := range v.data.icebox {
		cp := row
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Originator != out[j].Originator {
			return out[i].Originator < out[j].Originator
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}
