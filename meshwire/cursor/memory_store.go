package cursor

import (
	"sync"

	"go.uber.org/zap"

	"github.com/krew-solutions/meshwire-go/meshwire/topic"
)

// MemoryStore is the reference Store implementation. A persistent
// implementation must match its semantics.
type MemoryStore struct {
	mu sync.Mutex

	topics map[topic.Topic]Clock

	// icebox keyed by the orphan's own cursor; pending holds the
	// not-yet-satisfied parents per orphan.
	icebox  map[Cursor]IceboxEntry
	pending map[Cursor]map[Cursor]struct{}

	messageCursors map[string]messageCursor

	logger *zap.Logger
}

type messageCursor struct {
	topic  topic.Topic
	cursor Cursor
}

func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		topics:         map[topic.Topic]Clock{},
		icebox:         map[Cursor]IceboxEntry{},
		pending:        map[Cursor]map[Cursor]struct{}{},
		messageCursors: map[string]messageCursor{},
		logger:         logger,
	}
}

func (s *MemoryStore) Received(t topic.Topic, clock Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.topics[t]
	if !ok {
		current = NewClock()
		s.topics[t] = current
	}
	current.Merge(clock)
}

func (s *MemoryStore) Latest(t topic.Topic) Clock {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clock, ok := s.topics[t]; ok {
		return clock.Clone()
	}
	return NewClock()
}

func (s *MemoryStore) LatestPerOriginator(t topic.Topic, originators []OriginatorID) Clock {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := NewClock()
	clock, ok := s.topics[t]
	if !ok {
		return out
	}
	for _, id := range originators {
		if seq, ok := clock[id]; ok {
			out[id] = seq
		}
	}
	return out
}

func (s *MemoryStore) LowestCommon(topics []topic.Topic) Clock {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := NewClock()
	for _, t := range topics {
		if clock, ok := s.topics[t]; ok {
			out.MergeLeast(clock)
		}
	}
	return out
}

func (s *MemoryStore) Ice(orphans []IceboxEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, orphan := range orphans {
		if _, dup := s.icebox[orphan.Cursor]; dup {
			continue
		}
		parents := map[Cursor]struct{}{}
		frontier := s.topics[orphan.Topic]
		for _, dep := range orphan.DependsOn {
			if frontier.Contains(dep) {
				continue
			}
			parents[dep] = struct{}{}
		}
		s.icebox[orphan.Cursor] = orphan
		s.pending[orphan.Cursor] = parents
		s.logger.Debug("iced envelope",
			zap.String("cursor", orphan.Cursor.String()),
			zap.Int("missing_parents", len(parents)))
	}
}

func (s *MemoryStore) ResolveChildren(resolved []Cursor) []IceboxEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	satisfied := make([]Cursor, len(resolved))
	copy(satisfied, resolved)

	var released []IceboxEntry
	for len(satisfied) > 0 {
		cur := satisfied[0]
		satisfied = satisfied[1:]

		for child, parents := range s.pending {
			if _, waiting := parents[cur]; !waiting {
				continue
			}
			delete(parents, cur)
			if len(parents) != 0 {
				continue
			}
			entry := s.icebox[child]
			released = append(released, entry)
			delete(s.icebox, child)
			delete(s.pending, child)
			// a released child may itself unblock grandchildren
			satisfied = append(satisfied, child)
		}
	}
	return released
}

func (s *MemoryStore) IceboxSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.icebox)
}

func (s *MemoryStore) RecordMessageCursor(messageHash []byte, t topic.Topic, cur Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageCursors[string(messageHash)] = messageCursor{topic: t, cursor: cur}
}

func (s *MemoryStore) FindMessageDependencies(hashes [][]byte) map[string]Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]Cursor{}
	for _, h := range hashes {
		if mc, ok := s.messageCursors[string(h)]; ok {
			out[string(h)] = mc.cursor
		}
	}
	return out
}
