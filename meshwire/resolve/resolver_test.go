package resolve

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krew-solutions/meshwire-go/meshwire/apiclient"
	"github.com/krew-solutions/meshwire-go/meshwire/cursor"
	"github.com/krew-solutions/meshwire-go/meshwire/envelope"
	"github.com/krew-solutions/meshwire-go/meshwire/ingest"
	"github.com/krew-solutions/meshwire-go/meshwire/topic"
)

func publishGroupMessages(t *testing.T, net *apiclient.MemoryNetwork, groupID []byte, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		clientBytes, err := envelope.EncodeClientEnvelope(&envelope.ClientEnvelope{
			GroupMessage: &envelope.GroupMessage{GroupID: groupID, Data: []byte{byte(i)}},
		})
		require.NoError(t, err)
		_, err = net.PublishEnvelopes(context.Background(), [][]byte{clientBytes})
		require.NoError(t, err)
	}
}

func TestResolveFetchesMissingCursors(t *testing.T) {
	net := apiclient.NewMemoryNetwork()
	publishGroupMessages(t, net, []byte{1}, 3)

	r := NewNetworkResolver(net, DefaultPolicy(), nil)
	tp := topic.NewGroupMessage([]byte{1})

	resolved, err := r.Resolve(context.Background(), []ingest.Dependency{
		{Topic: tp, Cursor: cursor.Cursor{Originator: 1, Sequence: 2}},
	})
	require.NoError(t, err)
	require.Len(t, resolved, 1)

	cursors := &envelope.CursorExtractor{}
	require.NoError(t, envelope.Accept(resolved[0], cursors))
	assert.Equal(t, cursor.SequenceID(2), cursors.Cursor.Sequence)
}

func TestResolveMultipleDependenciesOnePage(t *testing.T) {
	net := apiclient.NewMemoryNetwork()
	publishGroupMessages(t, net, []byte{1}, 5)

	r := NewNetworkResolver(net, DefaultPolicy(), nil)
	tp := topic.NewGroupMessage([]byte{1})

	resolved, err := r.Resolve(context.Background(), []ingest.Dependency{
		{Topic: tp, Cursor: cursor.Cursor{Originator: 1, Sequence: 2}},
		{Topic: tp, Cursor: cursor.Cursor{Originator: 1, Sequence: 4}},
	})
	require.NoError(t, err)
	assert.Len(t, resolved, 2)
}

func TestResolveDropsUnresolvableAfterBudget(t *testing.T) {
	net := apiclient.NewMemoryNetwork()
	publishGroupMessages(t, net, []byte{1}, 1)

	policy := apiclient.BackoffPolicy{
		Initial: time.Millisecond, Max: 2 * time.Millisecond,
		Multiplier: 2, TotalBudget: 10 * time.Millisecond,
	}
	r := NewNetworkResolver(net, policy, nil)
	tp := topic.NewGroupMessage([]byte{1})

	// sequence 9 never exists; the budget bounds the wait
	start := time.Now()
	resolved, err := r.Resolve(context.Background(), []ingest.Dependency{
		{Topic: tp, Cursor: cursor.Cursor{Originator: 1, Sequence: 9}},
	})
	require.NoError(t, err)
	assert.Empty(t, resolved)
	assert.Less(t, time.Since(start), time.Second)
}

func TestResolveRespectsCancellation(t *testing.T) {
	net := apiclient.NewMemoryNetwork()
	r := NewNetworkResolver(net, DefaultPolicy(), nil)
	tp := topic.NewGroupMessage([]byte{1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Resolve(ctx, []ingest.Dependency{
		{Topic: tp, Cursor: cursor.Cursor{Originator: 1, Sequence: 9}},
	})
	assert.Error(t, err)
}
