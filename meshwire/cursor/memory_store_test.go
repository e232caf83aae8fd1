package cursor

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krew-solutions/meshwire-go/meshwire/topic"
)

func testTopic(name string) topic.Topic {
	return topic.NewGroupMessage([]byte(name))
}

func TestReceivedAndLatest(t *testing.T) {
	store := NewMemoryStore(nil)
	tp := testTopic("abc")

	store.Received(tp, ClockOf(Cursor{1, 10}, Cursor{2, 5}))

	latest := store.Latest(tp)
	assert.Equal(t, SequenceID(10), latest.Get(1))
	assert.Equal(t, SequenceID(5), latest.Get(2))
}

func TestReceivedMerges(t *testing.T) {
	store := NewMemoryStore(nil)
	tp := testTopic("merge")

	store.Received(tp, ClockOf(Cursor{1, 10}, Cursor{2, 5}))
	store.Received(tp, ClockOf(Cursor{1, 12}, Cursor{2, 3}, Cursor{3, 7}))

	latest := store.Latest(tp)
	assert.Equal(t, SequenceID(12), latest.Get(1))
	assert.Equal(t, SequenceID(5), latest.Get(2))
	assert.Equal(t, SequenceID(7), latest.Get(3))
}

func TestLatestUnknownTopicIsEmpty(t *testing.T) {
	store := NewMemoryStore(nil)
	assert.True(t, store.Latest(testTopic("nope")).IsEmpty())
}

func TestLatestPerOriginator(t *testing.T) {
	store := NewMemoryStore(nil)
	tp := testTopic("proj")
	store.Received(tp, ClockOf(Cursor{1, 1}, Cursor{2, 2}, Cursor{3, 3}))

	projected := store.LatestPerOriginator(tp, []OriginatorID{1, 3, 9})
	assert.Equal(t, Clock{1: 1, 3: 3}, projected)
}

func TestLowestCommon(t *testing.T) {
	store := NewMemoryStore(nil)
	store.Received(testTopic("a"), ClockOf(Cursor{1, 10}, Cursor{2, 20}))
	store.Received(testTopic("b"), ClockOf(Cursor{1, 15}, Cursor{2, 12}, Cursor{3, 9}))
	store.Received(testTopic("c"), ClockOf(Cursor{1, 8}, Cursor{3, 11}))

	lcc := store.LowestCommon([]topic.Topic{testTopic("a"), testTopic("b"), testTopic("c")})

	assert.Equal(t, SequenceID(8), lcc.Get(1))
	assert.Equal(t, SequenceID(12), lcc.Get(2))
	assert.Equal(t, SequenceID(9), lcc.Get(3))
}

func TestLowestCommonSkipsMissingTopics(t *testing.T) {
	store := NewMemoryStore(nil)
	store.Received(testTopic("a"), ClockOf(Cursor{1, 10}))
	store.Received(testTopic("b"), ClockOf(Cursor{1, 5}))

	lcc := store.LowestCommon([]topic.Topic{testTopic("a"), testTopic("b"), testTopic("missing")})
	assert.Equal(t, SequenceID(5), lcc.Get(1))
}

func TestIceAndResolveChildren(t *testing.T) {
	store := NewMemoryStore(nil)
	tp := testTopic("g")

	child := IceboxEntry{
		Topic:     tp,
		Cursor:    Cursor{1, 20},
		DependsOn: []Cursor{{1, 19}},
		Envelope:  []byte("env-20"),
	}
	store.Ice([]IceboxEntry{child})
	assert.Equal(t, 1, store.IceboxSize())

	released := store.ResolveChildren([]Cursor{{1, 19}})
	require.Len(t, released, 1)
	assert.Equal(t, []byte("env-20"), released[0].Envelope)
	assert.Equal(t, 0, store.IceboxSize())
}

func TestResolveChildrenIsTransitive(t *testing.T) {
	store := NewMemoryStore(nil)
	tp := testTopic("g")

	// C depends on A, A depends on B. Resolving B must release both.
	a := IceboxEntry{Topic: tp, Cursor: Cursor{1, 2}, DependsOn: []Cursor{{1, 1}}, Envelope: []byte("a")}
	c := IceboxEntry{Topic: tp, Cursor: Cursor{1, 3}, DependsOn: []Cursor{{1, 2}}, Envelope: []byte("c")}
	store.Ice([]IceboxEntry{a, c})

	released := store.ResolveChildren([]Cursor{{1, 1}})
	require.Len(t, released, 2)
	assert.Equal(t, []byte("a"), released[0].Envelope)
	assert.Equal(t, []byte("c"), released[1].Envelope)
}

func TestResolveChildrenPartialDependencies(t *testing.T) {
	store := NewMemoryStore(nil)
	tp := testTopic("g")

	entry := IceboxEntry{
		Topic:     tp,
		Cursor:    Cursor{1, 5},
		DependsOn: []Cursor{{1, 4}, {2, 9}},
		Envelope:  []byte("e"),
	}
	store.Ice([]IceboxEntry{entry})

	assert.Empty(t, store.ResolveChildren([]Cursor{{1, 4}}))
	released := store.ResolveChildren([]Cursor{{2, 9}})
	require.Len(t, released, 1)
}

func TestIceDropsAlreadySatisfiedDependencies(t *testing.T) {
	store := NewMemoryStore(nil)
	tp := testTopic("g")
	store.Received(tp, ClockOf(Cursor{1, 19}))

	// dependency on (1,19) is already behind the frontier; only (2,4)
	// should actually gate the entry.
	entry := IceboxEntry{
		Topic:     tp,
		Cursor:    Cursor{1, 20},
		DependsOn: []Cursor{{1, 19}, {2, 4}},
	}
	store.Ice([]IceboxEntry{entry})

	released := store.ResolveChildren([]Cursor{{2, 4}})
	require.Len(t, released, 1)
}

func TestIceDuplicateIsNoop(t *testing.T) {
	store := NewMemoryStore(nil)
	tp := testTopic("g")
	entry := IceboxEntry{Topic: tp, Cursor: Cursor{1, 7}, DependsOn: []Cursor{{1, 6}}}

	store.Ice([]IceboxEntry{entry})
	store.Ice([]IceboxEntry{entry})
	assert.Equal(t, 1, store.IceboxSize())
}

func TestFindMessageDependencies(t *testing.T) {
	store := NewMemoryStore(nil)
	tp := testTopic("g")
	store.RecordMessageCursor([]byte("hash-1"), tp, Cursor{1, 11})

	deps := store.FindMessageDependencies([][]byte{[]byte("hash-1"), []byte("hash-2")})
	require.Len(t, deps, 1)
	assert.Equal(t, Cursor{1, 11}, deps["hash-1"])
}

// the clock for a topic must be monotone under any interleaving of
// Received calls.
func TestReceivedMonotoneUnderConcurrency(t *testing.T) {
	store := NewMemoryStore(nil)
	tp := testTopic("mono")

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(seq SequenceID) {
			defer wg.Done()
			store.Received(tp, ClockOf(Cursor{1, seq}))
		}(SequenceID(i))
	}
	wg.Wait()

	assert.Equal(t, SequenceID(50), store.Latest(tp).Get(1),
		fmt.Sprintf("frontier regressed: %v", store.Latest(tp)))
}
