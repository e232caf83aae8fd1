package store

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/krew-solutions/meshwire-go/meshwire/cursor"
	"github.com/krew-solutions/meshwire-go/meshwire/option"
	"github.com/krew-solutions/meshwire-go/meshwire/session"
)

// PgStore persists the façade in Postgres. Every method runs against
// one pooled session; RunInTx scopes a transaction and hands out a
// store view bound to it.
type PgStore struct {
	pool session.SessionPool
}

func NewPgStore(pool session.SessionPool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) RunInTx(ctx context.Context, fn func(tx Store) error) error {
	return s.pool.Session(ctx, func(sess session.Session) error {
		return sess.Atomic(func(tx session.Session) error {
			return fn(&pgQueries{sess: tx.(session.DbSession)})
		})
	})
}

func (s *PgStore) withConn(fn func(q *pgQueries) error) error {
	return s.pool.Session(context.Background(), func(sess session.Session) error {
		return fn(&pgQueries{sess: sess.(session.DbSession)})
	})
}

// pgQueries implements Store against one session (pooled connection
// or open transaction).
type pgQueries struct {
	sess session.DbSession
}

func (q *pgQueries) conn() session.DbConnection {
	return q.sess.Connection()
}

func (q *pgQueries) RunInTx(ctx context.Context, fn func(tx Store) error) error {
	return q.sess.Atomic(func(tx session.Session) error {
		return fn(&pgQueries{sess: tx.(session.DbSession)})
	})
}

func encodeClockJSON(c cursor.Clock) ([]byte, error) {
	m := map[cursor.OriginatorID]cursor.SequenceID(c)
	return json.Marshal(m)
}

func decodeClockJSON(raw []byte) (cursor.Clock, error) {
	var m map[cursor.OriginatorID]cursor.SequenceID
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "undecodable clock")
	}
	if m == nil {
		m = map[cursor.OriginatorID]cursor.SequenceID{}
	}
	return cursor.Clock(m), nil
}

// Groups

func (q *pgQueries) InsertGroup(g *Group) error {
	_, err := q.conn().Exec(`
		INSERT INTO groups (
			id, creator_inbox_id, created_at_ns, conversation_type, dm_id,
			name, description, disappear_from_ns, disappear_in_ns, policy,
			membership_state, epoch, last_epoch_authenticator,
			paused_for_version, maybe_forked, commit_log_forked,
			commit_log_public_key, commit_log_signing_key, rotated_at_ns
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, g.ID, g.CreatorInboxID, g.CreatedAtNs, g.ConversationType, g.DmID,
		g.Name, g.Description, g.DisappearFromNs, g.DisappearInNs, g.PolicyBytes,
		g.MembershipState, int64(g.Epoch), g.LastEpochAuthenticator,
		g.PausedForVersion, g.MaybeForked, g.CommitLogForked,
		g.CommitLogPublicKey, g.CommitLogSigningKey, g.RotatedAtNs)
	if err != nil {
		return errors.Wrap(ErrConstraint, err.Error())
	}
	return nil
}

const groupColumns = `
	id, creator_inbox_id, created_at_ns, conversation_type, dm_id,
	name, description, disappear_from_ns, disappear_in_ns, policy,
	membership_state, epoch, last_epoch_authenticator,
	paused_for_version, maybe_forked, commit_log_forked,
	commit_log_public_key, commit_log_signing_key, rotated_at_ns`

func scanGroup(row session.Row) (*Group, error) {
	g := &Group{}
	var epoch int64
	err := row.Scan(&g.ID, &g.CreatorInboxID, &g.CreatedAtNs, &g.ConversationType, &g.DmID,
		&g.Name, &g.Description, &g.DisappearFromNs, &g.DisappearInNs, &g.PolicyBytes,
		&g.MembershipState, &epoch, &g.LastEpochAuthenticator,
		&g.PausedForVersion, &g.MaybeForked, &g.CommitLogForked,
		&g.CommitLogPublicKey, &g.CommitLogSigningKey, &g.RotatedAtNs)
	if err != nil {
		return nil, err
	}
	g.Epoch = uint64(epoch)
	return g, nil
}

func (q *pgQueries) FindGroup(id []byte) (*Group, error) {
	row := q.conn().QueryRow(`SELECT`+groupColumns+` FROM groups WHERE id = $1`, id)
	g, err := scanGroup(row)
	if err != nil {
		return nil, errors.Wrapf(ErrNotFound, "group %x: %v", id, err)
	}
	return g, nil
}

func (q *pgQueries) ListGroups() ([]*Group, error) {
	rows, err := q.conn().Query(`SELECT` + groupColumns + ` FROM groups ORDER BY created_at_ns, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (q *pgQueries) UpdateGroup(g *Group) error {
	res, err := q.conn().Exec(`
		UPDATE groups SET
			name = $2, description = $3, disappear_from_ns = $4, disappear_in_ns = $5,
			policy = $6, membership_state = $7, epoch = $8, last_epoch_authenticator = $9,
			paused_for_version = $10, maybe_forked = $11, commit_log_forked = $12,
			commit_log_public_key = $13, commit_log_signing_key = $14, rotated_at_ns = $15
		WHERE id = $1 AND epoch <= $8
	`, g.ID, g.Name, g.Description, g.DisappearFromNs, g.DisappearInNs,
		g.PolicyBytes, g.MembershipState, int64(g.Epoch), g.LastEpochAuthenticator,
		g.PausedForVersion, g.MaybeForked, g.CommitLogForked,
		g.CommitLogPublicKey, g.CommitLogSigningKey, g.RotatedAtNs)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return errors.Wrapf(ErrConstraint, "group %x missing or epoch regression", g.ID)
	}
	return nil
}

func (q *pgQueries) SetRotatedAtNs(groupID []byte, ns int64) error {
	_, err := q.conn().Exec(`UPDATE groups SET rotated_at_ns = $2 WHERE id = $1`, groupID, ns)
	return err
}

func (q *pgQueries) MarkMaybeForked(groupID []byte, reason string) error {
	_, err := q.conn().Exec(`UPDATE groups SET maybe_forked = TRUE WHERE id = $1`, groupID)
	return err
}

func (q *pgQueries) MarkCommitLogForked(groupID []byte) error {
	_, err := q.conn().Exec(`UPDATE groups SET commit_log_forked = TRUE WHERE id = $1`, groupID)
	return err
}

// Messages

func (q *pgQueries) InsertMessage(m *Message) error {
	_, err := q.conn().Exec(`
		INSERT INTO group_messages (
			id, group_id, plaintext, content_authority, content_type,
			content_version_major, content_version_minor, sender_inbox_id,
			sender_installation_key, sent_at_ns, delivery_status, kind,
			reference_id, expire_at_ns, originator_id, sequence_id, should_push
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (group_id, id) DO NOTHING
	`, m.ID, m.GroupID, m.Plaintext, m.ContentType.Authority, m.ContentType.TypeID,
		m.ContentType.VersionMajor, m.ContentType.VersionMinor, m.SenderInboxID,
		m.SenderInstallationKey, m.SentAtNs, m.Status, m.Kind,
		m.ReferenceID, m.ExpireAtNs, int64(m.Originator.Originator), int64(m.Originator.Sequence), m.ShouldPush)
	return err
}

const messageColumns = `
	id, group_id, plaintext, content_authority, content_type,
	content_version_major, content_version_minor, sender_inbox_id,
	sender_installation_key, sent_at_ns, delivery_status, kind,
	reference_id, expire_at_ns, originator_id, sequence_id, should_push`

func scanMessage(row session.Row) (*Message, error) {
	m := &Message{}
	var origID, seqID int64
	err := row.Scan(&m.ID, &m.GroupID, &m.Plaintext, &m.ContentType.Authority, &m.ContentType.TypeID,
		&m.ContentType.VersionMajor, &m.ContentType.VersionMinor, &m.SenderInboxID,
		&m.SenderInstallationKey, &m.SentAtNs, &m.Status, &m.Kind,
		&m.ReferenceID, &m.ExpireAtNs, &origID, &seqID, &m.ShouldPush)
	if err != nil {
		return nil, err
	}
	m.Originator = cursor.Cursor{
		Originator: cursor.OriginatorID(origID),
		Sequence:   cursor.SequenceID(seqID),
	}
	return m, nil
}

func (q *pgQueries) FindMessage(groupID, messageID []byte) (*Message, error) {
	row := q.conn().QueryRow(
		`SELECT`+messageColumns+` FROM group_messages WHERE group_id = $1 AND id = $2`,
		groupID, messageID)
	m, err := scanMessage(row)
	if err != nil {
		return nil, errors.Wrapf(ErrNotFound, "message %x: %v", messageID, err)
	}
	return m, nil
}

func (q *pgQueries) ListMessages(groupID []byte) ([]*Message, error) {
	rows, err := q.conn().Query(`
		SELECT`+messageColumns+` FROM group_messages
		WHERE group_id = $1
		ORDER BY originator_id, sequence_id, sent_at_ns
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q *pgQueries) UpdateMessageStatus(groupID, messageID []byte, status DeliveryStatus) error {
	res, err := q.conn().Exec(`
		UPDATE group_messages SET delivery_status = $3 WHERE group_id = $1 AND id = $2
	`, groupID, messageID, status)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return errors.Wrapf(ErrNotFound, "message %x", messageID)
	}
	return nil
}

func (q *pgQueries) DeleteExpiredMessages(nowNs int64) (int, error) {
	res, err := q.conn().Exec(`
		DELETE FROM group_messages WHERE expire_at_ns > 0 AND expire_at_ns <= $1
	`, nowNs)
	if err != nil {
		return 0, err
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// Intents

func (q *pgQueries) InsertIntent(i *Intent) (*Intent, error) {
	state := i.State
	if state == 0 {
		state = IntentToPublish
	}
	var publishedInEpoch *int64
	if i.PublishedInEpoch != nil {
		epoch := int64(*i.PublishedInEpoch)
		publishedInEpoch = &epoch
	}
	row := q.conn().QueryRow(`
		INSERT INTO group_intents (
			group_id, kind, payload, attempts, state, staged_commit,
			post_commit_action, published_in_epoch, should_push
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, i.GroupID, i.Kind, i.Payload, i.Attempts, state, i.StagedCommitBytes,
		i.PostCommitActionBytes, publishedInEpoch, i.ShouldPush)

	out := *i
	out.State = state
	if err := row.Scan(&out.ID); err != nil {
		return nil, err
	}
	return &out, nil
}

const intentColumns = `
	id, group_id, kind, payload, attempts, state, staged_commit,
	post_commit_action, published_in_epoch, should_push`

func scanIntent(row session.Row) (*Intent, error) {
	i := &Intent{}
	var publishedInEpoch *int64
	err := row.Scan(&i.ID, &i.GroupID, &i.Kind, &i.Payload, &i.Attempts, &i.State,
		&i.StagedCommitBytes, &i.PostCommitActionBytes, &publishedInEpoch, &i.ShouldPush)
	if err != nil {
		return nil, err
	}
	if publishedInEpoch != nil {
		epoch := uint64(*publishedInEpoch)
		i.PublishedInEpoch = &epoch
	}
	return i, nil
}

func (q *pgQueries) FindIntent(id int64) (*Intent, error) {
	row := q.conn().QueryRow(`SELECT`+intentColumns+` FROM group_intents WHERE id = $1`, id)
	i, err := scanIntent(row)
	if err != nil {
		return nil, errors.Wrapf(ErrNotFound, "intent %d: %v", id, err)
	}
	return i, nil
}

func (q *pgQueries) firstIntent(groupID []byte, state IntentState) (option.Option[*Intent], error) {
	row := q.conn().QueryRow(`
		SELECT`+intentColumns+` FROM group_intents
		WHERE group_id = $1 AND state = $2
		ORDER BY id LIMIT 1
	`, groupID, state)
	i, err := scanIntent(row)
	if err != nil {
		return option.Nothing[*Intent](), nil
	}
	return option.Some(i), nil
}

func (q *pgQueries) NextToPublish(groupID []byte) (option.Option[*Intent], error) {
	return q.firstIntent(groupID, IntentToPublish)
}

func (q *pgQueries) KeyUpdateSince(groupID []byte, afterID int64) (option.Option[*Intent], error) {
	row := q.conn().QueryRow(`
		SELECT`+intentColumns+` FROM group_intents
		WHERE group_id = $1 AND kind = $2 AND id > $3 AND state <> $4
		ORDER BY id LIMIT 1
	`, groupID, IntentKeyUpdate, afterID, IntentError)
	i, err := scanIntent(row)
	if err != nil {
		return option.Nothing[*Intent](), nil
	}
	return option.Some(i), nil
}

func (q *pgQueries) PublishedIntent(groupID []byte) (option.Option[*Intent], error) {
	return q.firstIntent(groupID, IntentPublished)
}

func (q *pgQueries) UpdateIntent(i *Intent) error {
	if i.State == IntentPublished {
		var conflicting int64
		row := q.conn().QueryRow(`
			SELECT COUNT(*) FROM group_intents
			WHERE group_id = $1 AND state = $2 AND id <> $3
		`, i.GroupID, IntentPublished, i.ID)
		if err := row.Scan(&conflicting); err != nil {
			return err
		}
		if conflicting > 0 {
			return errors.Wrapf(ErrConstraint, "group %x already has a published intent", i.GroupID)
		}
	}
	var publishedInEpoch *int64
	if i.PublishedInEpoch != nil {
		epoch := int64(*i.PublishedInEpoch)
		publishedInEpoch = &epoch
	}
	res, err := q.conn().Exec(`
		UPDATE group_intents SET
			payload = $2, attempts = $3, state = $4, staged_commit = $5,
			post_commit_action = $6, published_in_epoch = $7, should_push = $8
		WHERE id = $1
	`, i.ID, i.Payload, i.Attempts, i.State, i.StagedCommitBytes,
		i.PostCommitActionBytes, publishedInEpoch, i.ShouldPush)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return errors.Wrapf(ErrNotFound, "intent %d", i.ID)
	}
	return nil
}

func (q *pgQueries) DeleteIntent(id int64) error {
	_, err := q.conn().Exec(`DELETE FROM group_intents WHERE id = $1`, id)
	return err
}

// Refresh state

func (q *pgQueries) RefreshClock(entityID []byte, kind EntityKind) (cursor.Clock, error) {
	row := q.conn().QueryRow(`
		SELECT clock FROM refresh_state WHERE entity_id = $1 AND entity_kind = $2
	`, entityID, kind)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		empty, encErr := encodeClockJSON(cursor.NewClock())
		if encErr != nil {
			return nil, encErr
		}
		_, insErr := q.conn().Exec(`
			INSERT INTO refresh_state (entity_id, entity_kind, clock) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, entityID, kind, empty)
		if insErr != nil {
			return nil, insErr
		}
		return cursor.NewClock(), nil
	}
	return decodeClockJSON(raw)
}

func (q *pgQueries) AdvanceRefreshClock(entityID []byte, kind EntityKind, clock cursor.Clock) (bool, error) {
	current, err := q.RefreshClock(entityID, kind)
	if err != nil {
		return false, err
	}
	if current.Dominates(clock) {
		return false, nil
	}
	merged := current.Clone()
	merged.Merge(clock)
	raw, err := encodeClockJSON(merged)
	if err != nil {
		return false, err
	}
	_, err = q.conn().Exec(`
		UPDATE refresh_state SET clock = $3 WHERE entity_id = $1 AND entity_kind = $2
	`, entityID, kind, raw)
	if err != nil {
		return false, err
	}
	return true, nil
}

// Commit logs

func (q *pgQueries) AppendCommitLog(row *CommitLogRow) error {
	_, err := q.conn().Exec(`
		INSERT INTO local_commit_log (
			group_id, commit_sequence_id, prior_epoch_authenticator, commit_result,
			applied_epoch_number, applied_epoch_authenticator, sender_inbox_id,
			sender_installation_key, commit_type, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, row.GroupID, row.CommitSequenceID, row.PriorEpochAuthenticator, row.Result,
		int64(row.AppliedEpochNumber), row.AppliedEpochAuthenticator, row.SenderInboxID,
		row.SenderInstallationKey, row.CommitType, row.ErrorMessage)
	return err
}

const commitLogColumns = `
	rowid, group_id, commit_sequence_id, prior_epoch_authenticator, commit_result,
	applied_epoch_number, applied_epoch_authenticator, sender_inbox_id,
	sender_installation_key, commit_type, error_message`

func (q *pgQueries) listCommitLog(groupID []byte, afterSequenceID int64) ([]*CommitLogRow, error) {
	rows, err := q.conn().Query(`
		SELECT`+commitLogColumns+` FROM local_commit_log
		WHERE group_id = $1 AND commit_sequence_id > $2
		ORDER BY rowid
	`, groupID, afterSequenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CommitLogRow
	for rows.Next() {
		row := &CommitLogRow{}
		var epoch int64
		err := rows.Scan(&row.RowID, &row.GroupID, &row.CommitSequenceID,
			&row.PriorEpochAuthenticator, &row.Result, &epoch,
			&row.AppliedEpochAuthenticator, &row.SenderInboxID,
			&row.SenderInstallationKey, &row.CommitType, &row.ErrorMessage)
		if err != nil {
			return nil, err
		}
		row.AppliedEpochNumber = uint64(epoch)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (q *pgQueries) ListCommitLog(groupID []byte) ([]*CommitLogRow, error) {
	return q.listCommitLog(groupID, -1)
}

func (q *pgQueries) CommitLogAfter(groupID []byte, afterSequenceID int64) ([]*CommitLogRow, error) {
	return q.listCommitLog(groupID, afterSequenceID)
}

func (q *pgQueries) SaveRemoteCommitLog(rows []*RemoteCommitLogRow) error {
	for _, row := range rows {
		_, err := q.conn().Exec(`
			INSERT INTO remote_commit_log (
				group_id, commit_sequence_id, applied_epoch_number, applied_epoch_authenticator
			) VALUES ($1, $2, $3, $4)
			ON CONFLICT (group_id, commit_sequence_id) DO NOTHING
		`, row.GroupID, row.CommitSequenceID, int64(row.AppliedEpochNumber), row.AppliedEpochAuthenticator)
		if err != nil {
			return err
		}
	}
	return nil
}

func (q *pgQueries) ListRemoteCommitLog(groupID []byte) ([]*RemoteCommitLogRow, error) {
	rows, err := q.conn().Query(`
		SELECT group_id, commit_sequence_id, applied_epoch_number, applied_epoch_authenticator
		FROM remote_commit_log WHERE group_id = $1 ORDER BY commit_sequence_id
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RemoteCommitLogRow
	for rows.Next() {
		row := &RemoteCommitLogRow{}
		var epoch int64
		if err := rows.Scan(&row.GroupID, &row.CommitSequenceID, &epoch, &row.AppliedEpochAuthenticator); err != nil {
			return nil, err
		}
		row.AppliedEpochNumber = uint64(epoch)
		out = append(out, row)
	}
	return out, rows.Err()
}

// Consent

func (q *pgQueries) SetConsent(record *ConsentRecord) error {
	_, err := q.conn().Exec(`
		INSERT INTO consent_records (entity_type, entity, state, consented_at_ns)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entity_type, entity) DO UPDATE SET
			state = EXCLUDED.state,
			consented_at_ns = EXCLUDED.consented_at_ns
		WHERE consent_records.consented_at_ns <= EXCLUDED.consented_at_ns
	`, record.EntityType, record.Entity, record.State, record.ConsentedAtNs)
	return err
}

func (q *pgQueries) GetConsent(entityType ConsentEntityType, entity string) (option.Option[*ConsentRecord], error) {
	row := q.conn().QueryRow(`
		SELECT entity_type, entity, state, consented_at_ns
		FROM consent_records WHERE entity_type = $1 AND entity = $2
	`, entityType, entity)
	record := &ConsentRecord{}
	if err := row.Scan(&record.EntityType, &record.Entity, &record.State, &record.ConsentedAtNs); err != nil {
		return option.Nothing[*ConsentRecord](), nil
	}
	return option.Some(record), nil
}

func (q *pgQueries) ListConsent() ([]*ConsentRecord, error) {
	rows, err := q.conn().Query(`
		SELECT entity_type, entity, state, consented_at_ns FROM consent_records ORDER BY entity
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ConsentRecord
	for rows.Next() {
		record := &ConsentRecord{}
		if err := rows.Scan(&record.EntityType, &record.Entity, &record.State, &record.ConsentedAtNs); err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// Key package history

func (q *pgQueries) RecordKeyPackage(h *KeyPackageHistory) (*KeyPackageHistory, error) {
	row := q.conn().QueryRow(`
		INSERT INTO key_package_history (installation_key, key_package, created_at_ns, superseded_at_ns)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, h.InstallationKey, h.KeyPackageTLS, h.CreatedAtNs, h.SupersededAtNs)
	out := *h
	if err := row.Scan(&out.ID); err != nil {
		return nil, err
	}
	return &out, nil
}

func (q *pgQueries) SupersedeKeyPackages(installationKey []byte, beforeID int64, nowNs int64) error {
	_, err := q.conn().Exec(`
		UPDATE key_package_history SET superseded_at_ns = $3
		WHERE installation_key = $1 AND id < $2 AND superseded_at_ns = 0
	`, installationKey, beforeID, nowNs)
	return err
}

func (q *pgQueries) ListKeyPackages(installationKey []byte) ([]*KeyPackageHistory, error) {
	rows, err := q.conn().Query(`
		SELECT id, installation_key, key_package, created_at_ns, superseded_at_ns
		FROM key_package_history WHERE installation_key = $1 ORDER BY id
	`, installationKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*KeyPackageHistory
	for rows.Next() {
		h := &KeyPackageHistory{}
		if err := rows.Scan(&h.ID, &h.InstallationKey, &h.KeyPackageTLS, &h.CreatedAtNs, &h.SupersededAtNs); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Icebox

func (q *pgQueries) SaveIcebox(rows []*IceboxRow) error {
	for _, row := range rows {
		_, err := q.conn().Exec(`
			INSERT INTO icebox (originator_id, sequence_id, group_id, topic, envelope)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (originator_id, sequence_id) DO NOTHING
		`, int64(row.Originator), int64(row.Sequence), row.GroupID, row.Topic, row.Envelope)
		if err != nil {
			return err
		}
		for _, dep := range row.DependsOn {
			_, err := q.conn().Exec(`
				INSERT INTO icebox_dependencies (
					originator_id, sequence_id, parent_originator_id, parent_sequence_id
				) VALUES ($1, $2, $3, $4)
				ON CONFLICT DO NOTHING
			`, int64(row.Originator), int64(row.Sequence), int64(dep.Originator), int64(dep.Sequence))
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (q *pgQueries) DeleteIcebox(cursors []cursor.Cursor) error {
	for _, c := range cursors {
		if _, err := q.conn().Exec(`
			DELETE FROM icebox WHERE originator_id = $1 AND sequence_id = $2
		`, int64(c.Originator), int64(c.Sequence)); err != nil {
			return err
		}
		if _, err := q.conn().Exec(`
			DELETE FROM icebox_dependencies WHERE originator_id = $1 AND sequence_id = $2
		`, int64(c.Originator), int64(c.Sequence)); err != nil {
			return err
		}
	}
	return nil
}

func (q *pgQueries) ListIcebox() ([]*IceboxRow, error) {
	rows, err := q.conn().Query(`
		SELECT originator_id, sequence_id, group_id, topic, envelope
		FROM icebox ORDER BY originator_id, sequence_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*IceboxRow
	for rows.Next() {
		row := &IceboxRow{}
		var origID, seqID int64
		if err := rows.Scan(&origID, &seqID, &row.GroupID, &row.Topic, &row.Envelope); err != nil {
			return nil, err
		}
		row.Originator = cursor.OriginatorID(origID)
		row.Sequence = cursor.SequenceID(seqID)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, row := range out {
		depRows, err := q.conn().Query(`
			SELECT parent_originator_id, parent_sequence_id FROM icebox_dependencies
			WHERE originator_id = $1 AND sequence_id = $2
		`, int64(row.Originator), int64(row.Sequence))
		if err != nil {
			return nil, err
		}
		for depRows.Next() {
			var po, ps int64
			if err := depRows.Scan(&po, &ps); err != nil {
				depRows.Close()
				return nil, err
			}
			row.DependsOn = append(row.DependsOn, cursor.Cursor{
				Originator: cursor.OriginatorID(po),
				Sequence:   cursor.SequenceID(ps),
			})
		}
		if err := depRows.Err(); err != nil {
			depRows.Close()
			return nil, err
		}
		depRows.Close()
	}
	return out, nil
}
