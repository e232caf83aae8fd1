package archive

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krew-solutions/meshwire-go/meshwire/cursor"
	"github.com/krew-solutions/meshwire-go/meshwire/store"
)

func seededStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	require.NoError(t, st.InsertGroup(&store.Group{
		ID:               []byte{1},
		CreatorInboxID:   "alice",
		CreatedAtNs:      100,
		ConversationType: store.ConversationGroup,
		MembershipState:  store.MembershipAllowed,
		Epoch:            3,
		Name:             "backed up",
	}))
	require.NoError(t, st.InsertMessage(&store.Message{
		ID:            []byte("m1"),
		GroupID:       []byte{1},
		Plaintext:     []byte("hello"),
		SenderInboxID: "alice",
		SentAtNs:      150,
		Status:        store.DeliveryPublished,
		Kind:          store.MessageApplication,
		Originator:    cursor.Cursor{Originator: 1, Sequence: 1},
	}))
	require.NoError(t, st.SetConsent(&store.ConsentRecord{
		EntityType: store.ConsentInboxID, Entity: "bob",
		State: store.ConsentAllowed, ConsentedAtNs: 50,
	}))
	return st
}

func exportKey() []byte {
	return bytes.Repeat([]byte{7}, 32)
}

func TestExportImportRoundTrip(t *testing.T) {
	src := seededStore(t)
	var buf bytes.Buffer
	opts := Options{Selections: []Selection{SelectConsent, SelectMessages}}
	require.NoError(t, Export(&buf, src, exportKey(), opts, 999))

	imp, err := NewImporter(bytes.NewReader(buf.Bytes()), exportKey())
	require.NoError(t, err)
	assert.Equal(t, Version, imp.Metadata.Version)
	assert.Equal(t, int64(999), imp.Metadata.ExportedAtNs)

	dst := store.NewMemoryStore()
	require.NoError(t, imp.Restore(dst))

	g, err := dst.FindGroup([]byte{1})
	require.NoError(t, err)
	assert.Equal(t, "backed up", g.Name)
	assert.Equal(t, store.MembershipRestored, g.MembershipState)

	msgs, err := dst.ListMessages([]byte{1})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("hello"), msgs[0].Plaintext)

	consent, err := dst.GetConsent(store.ConsentInboxID, "bob")
	require.NoError(t, err)
	require.True(t, consent.IsSome())
	assert.Equal(t, store.ConsentAllowed, consent.Unwrap().State)

	rows, err := dst.ListCommitLog([]byte{1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.CommitBackupRestore, rows[0].CommitType)
}

func TestKeyExactly32BytesAccepted(t *testing.T) {
	src := seededStore(t)
	var buf bytes.Buffer
	key := bytes.Repeat([]byte{1}, 32)
	require.NoError(t, Export(&buf, src, key, Options{Selections: []Selection{SelectConsent}}, 1))

	_, err := NewImporter(bytes.NewReader(buf.Bytes()), key)
	assert.NoError(t, err)
}

func TestKey31BytesRejected(t *testing.T) {
	src := seededStore(t)
	var buf bytes.Buffer
	err := Export(&buf, src, bytes.Repeat([]byte{1}, 31), Options{}, 1)
	assert.ErrorIs(t, err, ErrShortKey)

	_, err = NewImporter(bytes.NewReader(nil), bytes.Repeat([]byte{1}, 31))
	assert.ErrorIs(t, err, ErrShortKey)
}

func TestLongKeyIsTruncated(t *testing.T) {
	src := seededStore(t)
	var buf bytes.Buffer
	longKey := bytes.Repeat([]byte{9}, 48)
	require.NoError(t, Export(&buf, src, longKey, Options{Selections: []Selection{SelectConsent}}, 1))

	// the first 32 bytes are the effective key
	_, err := NewImporter(bytes.NewReader(buf.Bytes()), longKey[:32])
	assert.NoError(t, err)
}

func TestWrongKeyFailsDecryption(t *testing.T) {
	src := seededStore(t)
	var buf bytes.Buffer
	require.NoError(t, Export(&buf, src, exportKey(), Options{Selections: []Selection{SelectConsent}}, 1))

	_, err := NewImporter(bytes.NewReader(buf.Bytes()), bytes.Repeat([]byte{8}, 32))
	assert.Error(t, err)
}

func TestSelectionLimitsContent(t *testing.T) {
	src := seededStore(t)
	var buf bytes.Buffer
	require.NoError(t, Export(&buf, src, exportKey(), Options{Selections: []Selection{SelectConsent}}, 1))

	imp, err := NewImporter(bytes.NewReader(buf.Bytes()), exportKey())
	require.NoError(t, err)
	dst := store.NewMemoryStore()
	require.NoError(t, imp.Restore(dst))

	groups, err := dst.ListGroups()
	require.NoError(t, err)
	assert.Empty(t, groups)

	consent, _ := dst.GetConsent(store.ConsentInboxID, "bob")
	assert.True(t, consent.IsSome())
}

func TestTimeRangeFiltersMessages(t *testing.T) {
	src := seededStore(t)
	var buf bytes.Buffer
	opts := Options{Selections: []Selection{SelectMessages}, StartNs: 200}
	require.NoError(t, Export(&buf, src, exportKey(), opts, 1))

	imp, err := NewImporter(bytes.NewReader(buf.Bytes()), exportKey())
	require.NoError(t, err)
	dst := store.NewMemoryStore()
	require.NoError(t, imp.Restore(dst))

	// the group (created at 100) and message (sent at 150) fall
	// outside the range
	groups, _ := dst.ListGroups()
	assert.Empty(t, groups)
}

func TestImportIntoPopulatedStoreKeepsExistingRows(t *testing.T) {
	src := seededStore(t)
	var buf bytes.Buffer
	opts := Options{Selections: []Selection{SelectMessages}}
	require.NoError(t, Export(&buf, src, exportKey(), opts, 1))

	dst := seededStore(t)
	imp, err := NewImporter(bytes.NewReader(buf.Bytes()), exportKey())
	require.NoError(t, err)
	require.NoError(t, imp.Restore(dst))

	// the existing group wins; no duplicate rows appear
	g, _ := dst.FindGroup([]byte{1})
	assert.Equal(t, store.MembershipAllowed, g.MembershipState)
	msgs, _ := dst.ListMessages([]byte{1})
	assert.Len(t, msgs, 1)
}
