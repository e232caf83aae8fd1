package intent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/krew-solutions/meshwire-go/meshwire/apiclient"
	"github.com/krew-solutions/meshwire-go/meshwire/cursor"
	"github.com/krew-solutions/meshwire-go/meshwire/envelope"
	"github.com/krew-solutions/meshwire-go/meshwire/group"
	"github.com/krew-solutions/meshwire-go/meshwire/ingest"
	"github.com/krew-solutions/meshwire-go/meshwire/store"
	"github.com/krew-solutions/meshwire-go/meshwire/topic"
	"github.com/krew-solutions/meshwire-go/meshwire/utils/testutils"
)

type fixture struct {
	client   *testutils.TestClient
	net      *apiclient.MemoryNetwork
	queue    *Queue
	pub      *Publisher
	ingestor *ingest.Ingestor
	conv     *store.Group
}

func newFixture(t *testing.T, rotationInterval time.Duration) *fixture {
	t.Helper()
	net := apiclient.NewMemoryNetwork()
	ident := testutils.NewStubIdentity()
	client := testutils.NewTestClient(t, "alice", 1, net, ident)

	conv, err := client.Machine.Create(context.Background(), group.CreateOptions{Name: "g"})
	require.NoError(t, err)

	queue := NewQueue(QueueConfig{Store: client.Store})
	pub := NewPublisher(PublisherConfig{
		Store:            client.Store,
		StateMachine:     client.Machine,
		API:              net,
		Cursors:          client.Cursors,
		Backoff:          apiclient.BackoffPolicy{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1, MaxAttempts: 2},
		RotationInterval: rotationInterval,
	})
	ingestor := ingest.New(ingest.Config{
		Cursors:      client.Cursors,
		Validator:    envelope.NewValidator(net.OriginatorKey),
		StateMachine: client.Machine,
		Identity:     ident,
		Store:        client.Store,
	})
	return &fixture{client: client, net: net, queue: queue, pub: pub, ingestor: ingestor, conv: conv}
}

func (f *fixture) queueSend(t *testing.T, content string) *store.Intent {
	t.Helper()
	payload, err := group.EncodePayload(group.SendMessagePayload{Content: []byte(content)})
	require.NoError(t, err)
	intent, err := f.queue.Queue(context.Background(), f.conv.ID, store.IntentSendMessage, payload, false)
	require.NoError(t, err)
	return intent
}

// ingestGroupTopic pulls everything on the group topic through the
// ingestor, as the sync coordinator would.
func (f *fixture) ingestGroupTopic(t *testing.T) {
	t.Helper()
	tp := topic.NewGroupMessage(f.conv.ID)
	page, err := f.net.QueryEnvelopes(context.Background(), []topic.Topic{tp}, cursor.NewClock(), 100)
	require.NoError(t, err)
	_, err = f.ingestor.IngestBatch(context.Background(), page.Envelopes)
	require.NoError(t, err)
}

func TestStaleSendPublishesKeyRotationFirst(t *testing.T) {
	f := newFixture(t, time.Nanosecond)

	// make the last rotation stale
	require.NoError(t, f.client.Store.SetRotatedAtNs(f.conv.ID, 1))
	send := f.queueSend(t, "hi")

	// queueing alone neither inserts a rotation nor touches the clock
	next, err := f.client.Store.NextToPublish(f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.IntentSendMessage, next.Unwrap().Kind)
	conv, _ := f.client.Store.FindGroup(f.conv.ID)
	assert.Equal(t, int64(1), conv.RotatedAtNs)

	// the publisher pairs a rotation with the send and publishes it
	// first; the send stays queued behind the rotation's merge
	require.NoError(t, f.pub.PublishGroup(context.Background(), f.conv.ID))

	published, err := f.client.Store.PublishedIntent(f.conv.ID)
	require.NoError(t, err)
	require.True(t, published.IsSome())
	assert.Equal(t, store.IntentKeyUpdate, published.Unwrap().Kind)

	pendingSend, _ := f.client.Store.FindIntent(send.ID)
	assert.Equal(t, store.IntentToPublish, pendingSend.State)

	conv, _ = f.client.Store.FindGroup(f.conv.ID)
	assert.Greater(t, conv.RotatedAtNs, int64(1))
}

func TestSendSkipsRotationWhenFresh(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.queueSend(t, "hi")

	require.NoError(t, f.pub.PublishGroup(context.Background(), f.conv.ID))

	published, err := f.client.Store.PublishedIntent(f.conv.ID)
	require.NoError(t, err)
	require.True(t, published.IsSome())
	assert.Equal(t, store.IntentSendMessage, published.Unwrap().Kind)
}

func TestNonSendKindsResetRotationClockOnPublish(t *testing.T) {
	f := newFixture(t, time.Hour)
	require.NoError(t, f.client.Store.SetRotatedAtNs(f.conv.ID, 1))

	payload, _ := group.EncodePayload(group.MetadataUpdatePayload{Field: group.FieldName, Value: "x"})
	_, err := f.queue.Queue(context.Background(), f.conv.ID, store.IntentMetadataUpdate, payload, false)
	require.NoError(t, err)

	// queueing does not advance the clock; a failed intent must not
	// leave a false rotation stamp behind
	conv, _ := f.client.Store.FindGroup(f.conv.ID)
	assert.Equal(t, int64(1), conv.RotatedAtNs)

	require.NoError(t, f.pub.PublishGroup(context.Background(), f.conv.ID))
	conv, _ = f.client.Store.FindGroup(f.conv.ID)
	assert.Greater(t, conv.RotatedAtNs, int64(1))
}

func TestFailedPublishLeavesRotationClockUntouched(t *testing.T) {
	f := newFixture(t, time.Hour)
	require.NoError(t, f.client.Store.SetRotatedAtNs(f.conv.ID, 1))

	payload, _ := group.EncodePayload(group.MetadataUpdatePayload{Field: group.FieldName, Value: "x"})
	_, err := f.queue.Queue(context.Background(), f.conv.ID, store.IntentMetadataUpdate, payload, false)
	require.NoError(t, err)

	f.net.PublishHook = func([]byte) error { return status.Error(codes.Unavailable, "down") }
	require.NoError(t, f.pub.PublishGroup(context.Background(), f.conv.ID))

	conv, _ := f.client.Store.FindGroup(f.conv.ID)
	assert.Equal(t, int64(1), conv.RotatedAtNs)
}

func TestPublishThenMergeThroughIngest(t *testing.T) {
	f := newFixture(t, time.Hour)
	intent := f.queueSend(t, "hello")

	require.NoError(t, f.pub.PublishGroup(context.Background(), f.conv.ID))

	published, err := f.client.Store.FindIntent(intent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.IntentPublished, published.State)
	require.NotNil(t, published.PublishedInEpoch)

	// nothing merges until the message returns through ingest
	msgs, _ := f.client.Store.ListMessages(f.conv.ID)
	assert.Empty(t, msgs)

	f.ingestGroupTopic(t)

	committed, _ := f.client.Store.FindIntent(intent.ID)
	assert.Equal(t, store.IntentCommitted, committed.State)
	msgs, _ = f.client.Store.ListMessages(f.conv.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("hello"), msgs[0].Plaintext)
}

func TestRotationIntervalZeroEmitsExactlyOneKeyUpdateBeforeSend(t *testing.T) {
	// a 1ns interval stands in for zero: every send finds the keys
	// stale; a zero RotationInterval selects DefaultKeyRotationInterval
	f := newFixture(t, time.Nanosecond)
	require.NoError(t, f.client.Store.SetRotatedAtNs(f.conv.ID, 1))

	f.queueSend(t, "rotate then send")

	// drain: key update publishes, merges via ingest, then the send
	for i := 0; i < 4; i++ {
		require.NoError(t, f.pub.PublishGroup(context.Background(), f.conv.ID))
		f.ingestGroupTopic(t)
	}

	rows, err := f.client.Store.ListCommitLog(f.conv.ID)
	require.NoError(t, err)
	// creation + exactly one key rotation
	require.Len(t, rows, 2)
	assert.Equal(t, store.CommitKeyRotation, rows[1].CommitType)

	msgs, _ := f.client.Store.ListMessages(f.conv.ID)
	require.Len(t, msgs, 1)

	conv, _ := f.client.Store.FindGroup(f.conv.ID)
	assert.Greater(t, conv.RotatedAtNs, int64(1))
}

func TestOnlyOnePublishedIntentAtATime(t *testing.T) {
	f := newFixture(t, time.Hour)
	first := f.queueSend(t, "one")
	second := f.queueSend(t, "two")

	require.NoError(t, f.pub.PublishGroup(context.Background(), f.conv.ID))

	a, _ := f.client.Store.FindIntent(first.ID)
	b, _ := f.client.Store.FindIntent(second.ID)
	assert.Equal(t, store.IntentPublished, a.State)
	assert.Equal(t, store.IntentToPublish, b.State)

	// merging the first unblocks the second
	f.ingestGroupTopic(t)
	require.NoError(t, f.pub.PublishGroup(context.Background(), f.conv.ID))
	b, _ = f.client.Store.FindIntent(second.ID)
	assert.Equal(t, store.IntentPublished, b.State)
}

func TestEpochConflictRevertsAndWaits(t *testing.T) {
	f := newFixture(t, time.Hour)
	intent := f.queueSend(t, "conflicted")

	f.net.PublishHook = func([]byte) error { return apiclient.ErrEpochConflict }
	require.NoError(t, f.pub.PublishGroup(context.Background(), f.conv.ID))

	after, _ := f.client.Store.FindIntent(intent.ID)
	assert.Equal(t, store.IntentToPublish, after.State)
	assert.Equal(t, 1, after.Attempts)
	assert.Nil(t, after.PublishedInEpoch)
	assert.Empty(t, after.StagedCommitBytes)

	// once the network recovers, the intent restages and publishes
	f.net.PublishHook = nil
	require.NoError(t, f.pub.PublishGroup(context.Background(), f.conv.ID))
	after, _ = f.client.Store.FindIntent(intent.ID)
	assert.Equal(t, store.IntentPublished, after.State)
}

func TestTransientFailuresExhaustToError(t *testing.T) {
	f := newFixture(t, time.Hour)
	intent := f.queueSend(t, "doomed")

	f.net.PublishHook = func([]byte) error { return status.Error(codes.Unavailable, "down") }

	// backoff MaxAttempts is 2; each pass increments the intent's
	// attempt counter once
	require.NoError(t, f.pub.PublishGroup(context.Background(), f.conv.ID))
	after, _ := f.client.Store.FindIntent(intent.ID)
	assert.Equal(t, store.IntentToPublish, after.State)
	assert.Equal(t, 1, after.Attempts)

	require.NoError(t, f.pub.PublishGroup(context.Background(), f.conv.ID))
	after, _ = f.client.Store.FindIntent(intent.ID)
	assert.Equal(t, store.IntentError, after.State)
	assert.Equal(t, 2, after.Attempts)
}

func TestRepublishingCommittedIntentRejected(t *testing.T) {
	f := newFixture(t, time.Hour)
	intent := f.queueSend(t, "done")
	require.NoError(t, f.pub.PublishGroup(context.Background(), f.conv.ID))
	f.ingestGroupTopic(t)

	committed, _ := f.client.Store.FindIntent(intent.ID)
	require.Equal(t, store.IntentCommitted, committed.State)

	_, err := f.pub.publishOne(context.Background(), f.conv.ID, committed)
	assert.Error(t, err)
}

func TestMembershipIntentPublishesWelcomes(t *testing.T) {
	net := apiclient.NewMemoryNetwork()
	ident := testutils.NewStubIdentity()
	alice := testutils.NewTestClient(t, "alice", 1, net, ident)
	bob := testutils.NewTestClient(t, "bob", 2, net, ident)

	conv, err := alice.Machine.Create(context.Background(), group.CreateOptions{})
	require.NoError(t, err)

	queue := NewQueue(QueueConfig{Store: alice.Store})
	pub := NewPublisher(PublisherConfig{
		Store: alice.Store, StateMachine: alice.Machine, API: net, Cursors: alice.Cursors,
	})

	payload, _ := group.EncodePayload(group.MembershipUpdatePayload{AddInboxes: []string{"bob"}})
	_, err = queue.Queue(context.Background(), conv.ID, store.IntentUpdateGroupMembership, payload, false)
	require.NoError(t, err)
	require.NoError(t, pub.PublishGroup(context.Background(), conv.ID))

	// bob's welcome topic received the welcome
	page, err := net.QueryEnvelopes(context.Background(), []topic.Topic{bob.WelcomeTopic()}, cursor.NewClock(), 10)
	require.NoError(t, err)
	require.Len(t, page.Envelopes, 1)
}
