package syncer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krew-solutions/meshwire-go/meshwire/apiclient"
	"github.com/krew-solutions/meshwire-go/meshwire/cursor"
	"github.com/krew-solutions/meshwire-go/meshwire/envelope"
	"github.com/krew-solutions/meshwire-go/meshwire/group"
	"github.com/krew-solutions/meshwire-go/meshwire/ingest"
	"github.com/krew-solutions/meshwire-go/meshwire/store"
	"github.com/krew-solutions/meshwire-go/meshwire/utils/testutils"
)

type fixture struct {
	net    *apiclient.MemoryNetwork
	ident  *testutils.StubIdentity
	alice  *testutils.TestClient
	bob    *testutils.TestClient
	bobSyn *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	net := apiclient.NewMemoryNetwork()
	ident := testutils.NewStubIdentity()
	alice := testutils.NewTestClient(t, "alice", 1, net, ident)
	bob := testutils.NewTestClient(t, "bob", 2, net, ident)

	bobIngestor := ingest.New(ingest.Config{
		Cursors:      bob.Cursors,
		Validator:    envelope.NewValidator(net.OriginatorKey),
		StateMachine: bob.Machine,
		Identity:     ident,
		Store:        bob.Store,
	})
	bobSyn := New(Config{
		API:             net,
		Ingestor:        bobIngestor,
		Store:           bob.Store,
		InstallationKey: bob.Cred.InstallationKey,
		Concurrency:     2,
	})
	return &fixture{net: net, ident: ident, alice: alice, bob: bob, bobSyn: bobSyn}
}

// aliceCreatesGroupWithBob creates a group, merges the add commit on
// alice's side, and publishes bob's welcome plus a message.
func (f *fixture) aliceCreatesGroupWithBob(t *testing.T, message string) *store.Group {
	t.Helper()
	ctx := context.Background()

	conv, err := f.alice.Machine.Create(ctx, group.CreateOptions{Name: "synced"})
	require.NoError(t, err)

	raw, _ := group.EncodePayload(group.MembershipUpdatePayload{AddInboxes: []string{"bob"}})
	intent, err := f.alice.Store.InsertIntent(&store.Intent{GroupID: conv.ID, Kind: store.IntentUpdateGroupMembership, Payload: raw})
	require.NoError(t, err)
	staged, err := f.alice.Machine.StageIntent(ctx, conv, intent)
	require.NoError(t, err)

	// the commit lands on the group topic
	commitEnv, err := envelope.EncodeClientEnvelope(&envelope.ClientEnvelope{
		Aad:          envelope.AuthenticatedData{IsCommit: true},
		GroupMessage: &envelope.GroupMessage{GroupID: conv.ID, Data: staged.Payload},
	})
	require.NoError(t, err)
	stamped, err := f.net.PublishEnvelopes(ctx, [][]byte{commitEnv})
	require.NoError(t, err)
	validated, err := envelope.NewValidator(f.net.OriginatorKey).Validate(stamped[0])
	require.NoError(t, err)
	_, err = f.alice.Machine.ApplyEnvelope(ctx, validated)
	require.NoError(t, err)

	// bob's welcome lands on his welcome topic
	welcomeEnv, err := envelope.EncodeClientEnvelope(&envelope.ClientEnvelope{
		WelcomeMessage: &envelope.WelcomeMessage{
			InstallationKey: f.bob.Cred.InstallationKey,
			Data:            staged.PostCommit.WelcomeBytes,
		},
	})
	require.NoError(t, err)
	_, err = f.net.PublishEnvelopes(ctx, [][]byte{welcomeEnv})
	require.NoError(t, err)

	if message != "" {
		mlsGroup, err := f.alice.Provider.LoadGroup(f.alice.KeyStore, conv.ID)
		require.NoError(t, err)
		ciphertext, err := mlsGroup.CreateMessage([]byte(message))
		require.NoError(t, err)
		msgEnv, err := envelope.EncodeClientEnvelope(&envelope.ClientEnvelope{
			GroupMessage: &envelope.GroupMessage{GroupID: conv.ID, Data: ciphertext},
		})
		require.NoError(t, err)
		_, err = f.net.PublishEnvelopes(ctx, [][]byte{msgEnv})
		require.NoError(t, err)
	}
	return conv
}

func TestSyncWelcomesJoinsGroups(t *testing.T) {
	f := newFixture(t)
	conv := f.aliceCreatesGroupWithBob(t, "")

	require.NoError(t, f.bobSyn.SyncWelcomes(context.Background()))

	joined, err := f.bob.Store.FindGroup(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MembershipPending, joined.MembershipState)

	// welcome cursor advanced
	clock, err := f.bob.Store.RefreshClock(f.bob.Cred.InstallationKey, store.EntityWelcome)
	require.NoError(t, err)
	assert.Equal(t, cursor.SequenceID(1), clock.Get(1))
}

func TestWelcomeAppliedBeforeGroupMessages(t *testing.T) {
	f := newFixture(t)
	conv := f.aliceCreatesGroupWithBob(t, "hello bob")

	// one pass handles welcome then the group's backlog, regardless
	// of source order
	require.NoError(t, f.bobSyn.SyncAllWelcomesAndGroups(context.Background()))

	msgs, err := f.bob.Store.ListMessages(conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("hello bob"), msgs[0].Plaintext)
	assert.Equal(t, "alice", msgs[0].SenderInboxID)
}

func TestSyncIsIdempotent(t *testing.T) {
	f := newFixture(t)
	conv := f.aliceCreatesGroupWithBob(t, "once")

	require.NoError(t, f.bobSyn.SyncAllWelcomesAndGroups(context.Background()))
	require.NoError(t, f.bobSyn.SyncAllWelcomesAndGroups(context.Background()))

	msgs, _ := f.bob.Store.ListMessages(conv.ID)
	assert.Len(t, msgs, 1)

	rows, _ := f.bob.Store.ListCommitLog(conv.ID)
	assert.Len(t, rows, 1)
}

func TestSyncGroupAdvancesGroupCursor(t *testing.T) {
	f := newFixture(t)
	conv := f.aliceCreatesGroupWithBob(t, "tracked")
	ctx := context.Background()

	require.NoError(t, f.bobSyn.SyncWelcomes(ctx))
	require.NoError(t, f.bobSyn.SyncGroup(ctx, conv.ID))

	clock, err := f.bob.Store.RefreshClock(conv.ID, store.EntityGroup)
	require.NoError(t, err)
	// commit (seq 1) + message (seq 2)
	assert.Equal(t, cursor.SequenceID(2), clock.Get(1))
}

func TestSyncSurvivesMalformedEnvelope(t *testing.T) {
	f := newFixture(t)
	conv := f.aliceCreatesGroupWithBob(t, "good")
	ctx := context.Background()

	require.NoError(t, f.bobSyn.SyncAllWelcomesAndGroups(ctx))

	msgs, _ := f.bob.Store.ListMessages(conv.ID)
	require.Len(t, msgs, 1)
}
