package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krew-solutions/meshwire-go/meshwire/cursor"
)

func newGroup(id byte) *Group {
	return &Group{
		ID:               []byte{id},
		CreatorInboxID:   "alice",
		CreatedAtNs:      int64(id),
		ConversationType: ConversationGroup,
		MembershipState:  MembershipAllowed,
		Epoch:            1,
	}
}

func TestGroupInsertFindUpdate(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.InsertGroup(newGroup(1)))

	g, err := s.FindGroup([]byte{1})
	require.NoError(t, err)
	assert.Equal(t, "alice", g.CreatorInboxID)

	g.Epoch = 2
	g.Name = "renamed"
	require.NoError(t, s.UpdateGroup(g))

	g, err = s.FindGroup([]byte{1})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), g.Epoch)
	assert.Equal(t, "renamed", g.Name)
}

func TestGroupInsertDuplicateRejected(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.InsertGroup(newGroup(1)))
	assert.ErrorIs(t, s.InsertGroup(newGroup(1)), ErrConstraint)
}

func TestGroupEpochIsMonotone(t *testing.T) {
	s := NewMemoryStore()
	g := newGroup(1)
	g.Epoch = 5
	require.NoError(t, s.InsertGroup(g))

	g.Epoch = 4
	assert.ErrorIs(t, s.UpdateGroup(g), ErrConstraint)
}

func TestMessageUniquePerGroupAndID(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.InsertGroup(newGroup(1)))

	m := &Message{
		ID:            []byte("hash"),
		GroupID:       []byte{1},
		Plaintext:     []byte("hi"),
		SenderInboxID: "alice",
		Status:        DeliveryPublished,
		Kind:          MessageApplication,
		Originator:    cursor.Cursor{Originator: 1, Sequence: 3},
	}
	require.NoError(t, s.InsertMessage(m))
	// replay is a no-op
	require.NoError(t, s.InsertMessage(m))

	msgs, err := s.ListMessages([]byte{1})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestListMessagesOrdersBySequence(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.InsertGroup(newGroup(1)))

	for _, seq := range []cursor.SequenceID{20, 19, 21} {
		require.NoError(t, s.InsertMessage(&Message{
			ID:         []byte{byte(seq)},
			GroupID:    []byte{1},
			Originator: cursor.Cursor{Originator: 1, Sequence: seq},
		}))
	}

	msgs, err := s.ListMessages([]byte{1})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, cursor.SequenceID(19), msgs[0].Originator.Sequence)
	assert.Equal(t, cursor.SequenceID(20), msgs[1].Originator.Sequence)
	assert.Equal(t, cursor.SequenceID(21), msgs[2].Originator.Sequence)
}

func TestDeleteExpiredMessages(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.InsertGroup(newGroup(1)))
	require.NoError(t, s.InsertMessage(&Message{ID: []byte{1}, GroupID: []byte{1}, ExpireAtNs: 100}))
	require.NoError(t, s.InsertMessage(&Message{ID: []byte{2}, GroupID: []byte{1}, ExpireAtNs: 300}))
	require.NoError(t, s.InsertMessage(&Message{ID: []byte{3}, GroupID: []byte{1}}))

	n, err := s.DeleteExpiredMessages(200)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs, _ := s.ListMessages([]byte{1})
	assert.Len(t, msgs, 2)
}

func TestIntentsConsumeInInsertionOrder(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.InsertGroup(newGroup(1)))

	first, err := s.InsertIntent(&Intent{GroupID: []byte{1}, Kind: IntentKeyUpdate})
	require.NoError(t, err)
	_, err = s.InsertIntent(&Intent{GroupID: []byte{1}, Kind: IntentSendMessage})
	require.NoError(t, err)

	next, err := s.NextToPublish([]byte{1})
	require.NoError(t, err)
	require.True(t, next.IsSome())
	assert.Equal(t, first.ID, next.Unwrap().ID)
	assert.Equal(t, IntentKeyUpdate, next.Unwrap().Kind)
}

func TestAtMostOnePublishedIntentPerGroup(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.InsertGroup(newGroup(1)))

	a, _ := s.InsertIntent(&Intent{GroupID: []byte{1}, Kind: IntentSendMessage})
	b, _ := s.InsertIntent(&Intent{GroupID: []byte{1}, Kind: IntentSendMessage})

	a.State = IntentPublished
	require.NoError(t, s.UpdateIntent(a))

	b.State = IntentPublished
	assert.ErrorIs(t, s.UpdateIntent(b), ErrConstraint)
}

func TestRefreshClockStartsEmptyAndAdvancesMonotonically(t *testing.T) {
	s := NewMemoryStore()

	clock, err := s.RefreshClock([]byte{1}, EntityGroup)
	require.NoError(t, err)
	assert.True(t, clock.IsEmpty())

	advanced, err := s.AdvanceRefreshClock([]byte{1}, EntityGroup, cursor.ClockOf(cursor.Cursor{Originator: 1, Sequence: 10}))
	require.NoError(t, err)
	assert.True(t, advanced)

	// regression is refused
	advanced, err = s.AdvanceRefreshClock([]byte{1}, EntityGroup, cursor.ClockOf(cursor.Cursor{Originator: 1, Sequence: 9}))
	require.NoError(t, err)
	assert.False(t, advanced)

	clock, _ = s.RefreshClock([]byte{1}, EntityGroup)
	assert.Equal(t, cursor.SequenceID(10), clock.Get(1))
}

func TestRefreshClockKindsAreIndependent(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.AdvanceRefreshClock([]byte{1}, EntityWelcome, cursor.ClockOf(cursor.Cursor{Originator: 1, Sequence: 5}))
	require.NoError(t, err)

	clock, err := s.RefreshClock([]byte{1}, EntityGroup)
	require.NoError(t, err)
	assert.True(t, clock.IsEmpty())
}

func TestConsentLastWriterWins(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.SetConsent(&ConsentRecord{
		EntityType: ConsentInboxID, Entity: "bob", State: ConsentAllowed, ConsentedAtNs: 100,
	}))
	// older write loses
	require.NoError(t, s.SetConsent(&ConsentRecord{
		EntityType: ConsentInboxID, Entity: "bob", State: ConsentDenied, ConsentedAtNs: 50,
	}))

	record, err := s.GetConsent(ConsentInboxID, "bob")
	require.NoError(t, err)
	require.True(t, record.IsSome())
	assert.Equal(t, ConsentAllowed, record.Unwrap().State)

	// newer write wins
	require.NoError(t, s.SetConsent(&ConsentRecord{
		EntityType: ConsentInboxID, Entity: "bob", State: ConsentDenied, ConsentedAtNs: 200,
	}))
	record, _ = s.GetConsent(ConsentInboxID, "bob")
	assert.Equal(t, ConsentDenied, record.Unwrap().State)
}

func TestCommitLogAppendAndListAfter(t *testing.T) {
	s := NewMemoryStore()
	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, s.AppendCommitLog(&CommitLogRow{
			GroupID:            []byte{1},
			CommitSequenceID:   seq,
			Result:             CommitApplied,
			AppliedEpochNumber: uint64(seq),
			CommitType:         CommitKeyRotation,
		}))
	}

	all, err := s.ListCommitLog([]byte{1})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	after, err := s.CommitLogAfter([]byte{1}, 1)
	require.NoError(t, err)
	assert.Len(t, after, 2)
}

func TestKeyPackageSupersede(t *testing.T) {
	s := NewMemoryStore()
	key := []byte{7}
	first, err := s.RecordKeyPackage(&KeyPackageHistory{InstallationKey: key, CreatedAtNs: 1})
	require.NoError(t, err)
	second, err := s.RecordKeyPackage(&KeyPackageHistory{InstallationKey: key, CreatedAtNs: 2})
	require.NoError(t, err)

	require.NoError(t, s.SupersedeKeyPackages(key, second.ID, 99))

	list, err := s.ListKeyPackages(key)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, int64(99), list[0].SupersededAtNs)
	assert.Zero(t, list[1].SupersededAtNs)
}

func TestIceboxSaveListDelete(t *testing.T) {
	s := NewMemoryStore()
	row := &IceboxRow{
		Originator: 1, Sequence: 20,
		GroupID:   []byte{1},
		Topic:     []byte{0, 1},
		DependsOn: []cursor.Cursor{{Originator: 1, Sequence: 19}},
		Envelope:  []byte("env"),
	}
	require.NoError(t, s.SaveIcebox([]*IceboxRow{row}))

	rows, err := s.ListIcebox()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []cursor.Cursor{{Originator: 1, Sequence: 19}}, rows[0].DependsOn)

	require.NoError(t, s.DeleteIcebox([]cursor.Cursor{{Originator: 1, Sequence: 20}}))
	rows, _ = s.ListIcebox()
	assert.Empty(t, rows)
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	err := s.RunInTx(context.Background(), func(tx Store) error {
		if err := tx.InsertGroup(newGroup(1)); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	_, err = s.FindGroup([]byte{1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunInTxCommitsAtomically(t *testing.T) {
	s := NewMemoryStore()
	err := s.RunInTx(context.Background(), func(tx Store) error {
		if err := tx.InsertGroup(newGroup(1)); err != nil {
			return err
		}
		_, err := tx.AdvanceRefreshClock([]byte{1}, EntityWelcome, cursor.ClockOf(cursor.Cursor{Originator: 1, Sequence: 4}))
		return err
	})
	require.NoError(t, err)

	_, err = s.FindGroup([]byte{1})
	require.NoError(t, err)
	clock, _ := s.RefreshClock([]byte{1}, EntityWelcome)
	assert.Equal(t, cursor.SequenceID(4), clock.Get(1))
}

func TestNestedTxSavepointSemantics(t *testing.T) {
	s := NewMemoryStore()
	err := s.RunInTx(context.Background(), func(tx Store) error {
		if err := tx.InsertGroup(newGroup(1)); err != nil {
			return err
		}
		// inner failure rolls back only the inner scope
		_ = tx.RunInTx(context.Background(), func(inner Store) error {
			if err := inner.InsertGroup(newGroup(2)); err != nil {
				return err
			}
			return assert.AnError
		})
		return nil
	})
	require.NoError(t, err)

	_, err = s.FindGroup([]byte{1})
	require.NoError(t, err)
	_, err = s.FindGroup([]byte{2})
	assert.ErrorIs(t, err, ErrNotFound)
}
