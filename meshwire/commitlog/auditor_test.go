package commitlog

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krew-solutions/meshwire-go/meshwire/apiclient"
	"github.com/krew-solutions/meshwire-go/meshwire/store"
)

type fixture struct {
	st      *store.MemoryStore
	net     *apiclient.MemoryNetwork
	auditor *Auditor
	groupID []byte
	pub     ed25519.PublicKey
	priv    ed25519.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	groupID := []byte{1}
	require.NoError(t, st.InsertGroup(&store.Group{
		ID:                  groupID,
		CreatorInboxID:      "alice",
		ConversationType:    store.ConversationGroup,
		MembershipState:     store.MembershipAllowed,
		Epoch:               1,
		CommitLogPublicKey:  pub,
		CommitLogSigningKey: priv,
	}))

	net := apiclient.NewMemoryNetwork()
	auditor := New(Config{Store: st, API: net})
	return &fixture{st: st, net: net, auditor: auditor, groupID: groupID, pub: pub, priv: priv}
}

func (f *fixture) appendLocal(t *testing.T, seq int64, epoch uint64, auth string) {
	t.Helper()
	require.NoError(t, f.st.AppendCommitLog(&store.CommitLogRow{
		GroupID:                   f.groupID,
		CommitSequenceID:          seq,
		Result:                    store.CommitApplied,
		AppliedEpochNumber:        epoch,
		AppliedEpochAuthenticator: []byte(auth),
		CommitType:                store.CommitKeyRotation,
	}))
}

func TestPublishSkipsSequenceZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.appendLocal(t, 0, 1, "genesis")
	f.appendLocal(t, 5, 2, "auth-2")

	require.NoError(t, f.auditor.PublishLocal(ctx))

	entries, err := f.net.QueryCommitLog(ctx, f.groupID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(5), entries[0].CommitSequenceID)
}

func TestPublishIsIncremental(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.appendLocal(t, 1, 2, "a")
	require.NoError(t, f.auditor.PublishLocal(ctx))
	f.appendLocal(t, 2, 3, "b")
	require.NoError(t, f.auditor.PublishLocal(ctx))
	// a third pass publishes nothing new
	require.NoError(t, f.auditor.PublishLocal(ctx))

	entries, err := f.net.QueryCommitLog(ctx, f.groupID, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRoundTripAgreementKeepsGroupClean(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.appendLocal(t, 1, 2, "agreed")
	require.NoError(t, f.auditor.Cycle(ctx))

	g, err := f.st.FindGroup(f.groupID)
	require.NoError(t, err)
	assert.False(t, g.CommitLogForked)

	remote, err := f.st.ListRemoteCommitLog(f.groupID)
	require.NoError(t, err)
	require.Len(t, remote, 1)
	assert.Equal(t, []byte("agreed"), remote[0].AppliedEpochAuthenticator)
}

func TestForkDetectedWithinOneCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// remote log says epoch 2 had a different authenticator
	require.NoError(t, f.st.SaveRemoteCommitLog([]*store.RemoteCommitLogRow{{
		GroupID:                   f.groupID,
		CommitSequenceID:          1,
		AppliedEpochNumber:        2,
		AppliedEpochAuthenticator: []byte("remote-auth"),
	}}))
	f.appendLocal(t, 1, 2, "local-auth")

	var reported []ForkReport
	f.auditor.OnFork().Attach(func(r ForkReport) { reported = append(reported, r) }, "test")

	require.NoError(t, f.auditor.Audit(ctx))

	g, _ := f.st.FindGroup(f.groupID)
	assert.True(t, g.CommitLogForked)
	require.Len(t, reported, 1)
	assert.Equal(t, uint64(2), reported[0].EpochNumber)
	assert.NotEmpty(t, reported[0].Diff)
}

func TestRemoteEntriesWithBadSignaturesDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.net.PublishCommitLog(ctx, []*apiclient.CommitLogEntry{{
		GroupID:          f.groupID,
		CommitSequenceID: 1,
		Payload:          []byte(`{"AppliedEpochNumber":2}`),
		Signature:        []byte("not a signature"),
	}}))

	require.NoError(t, f.auditor.FetchRemote(ctx))

	remote, err := f.st.ListRemoteCommitLog(f.groupID)
	require.NoError(t, err)
	assert.Empty(t, remote)
}

func TestRejectedRowsAreNotPublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.st.AppendCommitLog(&store.CommitLogRow{
		GroupID:                   f.groupID,
		CommitSequenceID:          3,
		Result:                    store.CommitRejected,
		AppliedEpochNumber:        1,
		AppliedEpochAuthenticator: []byte("x"),
		ErrorMessage:              "policy violation",
	}))
	require.NoError(t, f.auditor.PublishLocal(ctx))

	entries, err := f.net.QueryCommitLog(ctx, f.groupID, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
