package cursor

import (
	"github.com/krew-solutions/meshwire-go/meshwire/topic"
)

// IceboxEntry is an envelope withheld because it depends on cursors
// the client has not seen yet. Keyed by the envelope's own cursor and
// group id.
type IceboxEntry struct {
	Topic     topic.Topic
	GroupID   []byte
	Cursor    Cursor
	DependsOn []Cursor
	// Envelope holds the encoded originator envelope, replayed
	// verbatim once the dependencies arrive.
	Envelope []byte
}

// Store tracks per-topic clocks, the icebox, and the dependency
// index. Mutations are serialized; reads observe a consistent
// snapshot.
type Store interface {
	// Received merges the clock for a topic (component-wise max).
	Received(t topic.Topic, clock Clock)

	// Latest returns the known frontier for a topic, empty if unseen.
	Latest(t topic.Topic) Clock

	// LatestPerOriginator projects the frontier onto a subset of
	// originators.
	LatestPerOriginator(t topic.Topic, originators []OriginatorID) Clock

	// LowestCommon computes the per-originator minimum across topics,
	// for resumable queries spanning several topics.
	LowestCommon(topics []topic.Topic) Clock

	// Ice persists envelopes awaiting parents.
	Ice(orphans []IceboxEntry)

	// ResolveChildren returns every iceboxed envelope whose
	// dependencies are satisfied by the given cursors, transitively:
	// releasing an envelope may release its own dependents.
	// Dependencies already behind the topic frontier when the envelope
	// was iced never gate it; later frontier advances count only when
	// their cursors are passed in here.
	ResolveChildren(resolved []Cursor) []IceboxEntry

	// IceboxSize reports how many envelopes are currently withheld.
	IceboxSize() int

	// RecordMessageCursor remembers at which cursor a message hash was
	// committed; backs FindMessageDependencies.
	RecordMessageCursor(messageHash []byte, t topic.Topic, cur Cursor)

	// FindMessageDependencies maps message hashes to the cursors they
	// were committed at. Unknown hashes are absent from the result.
	FindMessageDependencies(hashes [][]byte) map[string]Cursor
}
