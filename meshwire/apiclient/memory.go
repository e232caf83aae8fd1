package apiclient

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/krew-solutions/meshwire-go/meshwire/cursor"
	"github.com/krew-solutions/meshwire-go/meshwire/envelope"
	"github.com/krew-solutions/meshwire-go/meshwire/topic"
)

// MemoryNetwork is an in-process network: it stamps published client
// envelopes with originator cursors, serves resumable queries, and
// fans envelopes out to subscribers. Tests share one network between
// clients to exercise multi-party flows.
type MemoryNetwork struct {
	mu sync.Mutex

	originatorID cursor.OriginatorID
	signKey      ed25519.PrivateKey
	pubKey       ed25519.PublicKey

	logs      map[topic.Topic][]stampedEnvelope
	sequences map[topic.Topic]cursor.SequenceID

	keyPackages map[string][]byte   // installation key -> latest kp
	identity    map[string][][]byte // inbox id -> updates
	commitLogs  map[string][]*CommitLogEntry

	subscribers map[int]*memorySubscriber
	nextSub     int

	// PublishHook, when set, can reject or fail a publish; tests use
	// it to inject conflicts and transient errors.
	PublishHook func(clientEnvelope []byte) error
}

type stampedEnvelope struct {
	cursor cursor.Cursor
	raw    []byte
}

type memorySubscriber struct {
	topics map[topic.Topic]bool
	ch     chan []byte
	done   chan struct{}
	err    error

	mu     sync.Mutex
	closed bool
}

// send is serialized against close; a full buffer drops the envelope
// (catch-up re-delivers it).
func (s *memorySubscriber) send(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- raw:
	default:
	}
}

func NewMemoryNetwork() *MemoryNetwork {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(err)
	}
	return &MemoryNetwork{
		originatorID: 1,
		signKey:      priv,
		pubKey:       pub,
		logs:         map[topic.Topic][]stampedEnvelope{},
		sequences:    map[topic.Topic]cursor.SequenceID{},
		keyPackages:  map[string][]byte{},
		identity:     map[string][][]byte{},
		commitLogs:   map[string][]*CommitLogEntry{},
		subscribers:  map[int]*memorySubscriber{},
	}
}

// OriginatorKey resolves the network's signing key, for validators.
func (n *MemoryNetwork) OriginatorKey(cursor.OriginatorID) (ed25519.PublicKey, error) {
	return n.pubKey, nil
}

func clientTopic(client *envelope.ClientEnvelope) (topic.Topic, error) {
	switch {
	case client.GroupMessage != nil:
		return topic.NewGroupMessage(client.GroupMessage.GroupID), nil
	case client.WelcomeMessage != nil:
		return topic.NewWelcomeMessage(client.WelcomeMessage.InstallationKey), nil
	case client.KeyPackageUpload != nil:
		return topic.NewKeyPackage(client.KeyPackageUpload.InstallationKey), nil
	case client.IdentityUpdate != nil:
		decoded, err := hex.DecodeString(client.IdentityUpdate.InboxID)
		if err != nil {
			return "", errors.Wrap(err, "inbox id is not hex")
		}
		return topic.NewIdentityUpdate(decoded), nil
	}
	return "", errors.New("client envelope without payload")
}

func (n *MemoryNetwork) PublishEnvelopes(ctx context.Context, clientEnvelopes [][]byte) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	unlocked := false
	defer func() {
		if !unlocked {
			n.mu.Unlock()
		}
	}()

	var stamped [][]byte
	var deliveries []func()
	for _, clientBytes := range clientEnvelopes {
		if n.PublishHook != nil {
			if err := n.PublishHook(clientBytes); err != nil {
				return nil, err
			}
		}
		client, err := envelope.DecodeClientEnvelope(clientBytes)
		if err != nil {
			return nil, err
		}
		t, err := clientTopic(client)
		if err != nil {
			return nil, err
		}

		if client.KeyPackageUpload != nil {
			n.keyPackages[string(client.KeyPackageUpload.InstallationKey)] = client.KeyPackageUpload.KeyPackageTLS
		}
		if client.IdentityUpdate != nil {
			inbox := client.IdentityUpdate.InboxID
			n.identity[inbox] = append(n.identity[inbox], client.IdentityUpdate.Payload)
		}

		n.sequences[t]++
		cur := cursor.Cursor{Originator: n.originatorID, Sequence: n.sequences[t]}
		payerBytes := envelope.WrapPayer(clientBytes, nil, uint32(n.originatorID))
		raw := envelope.Stamp(payerBytes, cur, time.Now().UnixNano(), n.signKey)

		n.logs[t] = append(n.logs[t], stampedEnvelope{cursor: cur, raw: raw})
		stamped = append(stamped, raw)
		deliveries = append(deliveries, n.deliveryFor(t, raw))
	}

	// deliver outside the lock, after the log append, so queries and
	// streams agree and a full subscriber cannot wedge the network
	n.mu.Unlock()
	unlocked = true
	for _, deliver := range deliveries {
		deliver()
	}
	return stamped, nil
}

func (n *MemoryNetwork) deliveryFor(t topic.Topic, raw []byte) func() {
	var targets []*memorySubscriber
	for _, sub := range n.subscribers {
		if sub.topics[t] {
			targets = append(targets, sub)
		}
	}
	return func() {
		for _, sub := range targets {
			sub.send(raw)
		}
	}
}

func (n *MemoryNetwork) QueryEnvelopes(ctx context.Context, topics []topic.Topic, lastSeen cursor.Clock, limit int) (*QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	result := &QueryResult{NextClock: lastSeen.Clone()}
	for _, t := range topics {
		for _, entry := range n.logs[t] {
			if len(result.Envelopes) >= limit {
				return result, nil
			}
			if lastSeen.Contains(entry.cursor) {
				continue
			}
			result.Envelopes = append(result.Envelopes, entry.raw)
			result.NextClock.Merge(cursor.ClockOf(entry.cursor))
		}
	}
	return result, nil
}

func (n *MemoryNetwork) subscribe(topics []topic.Topic) *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub := &memorySubscriber{
		topics: map[topic.Topic]bool{},
		ch:     make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}
	id := n.nextSub
	n.nextSub++
	n.subscribers[id] = sub

	closeFn := func() {
		n.mu.Lock()
		if _, ok := n.subscribers[id]; !ok {
			n.mu.Unlock()
			return
		}
		delete(n.subscribers, id)
		n.mu.Unlock()

		sub.mu.Lock()
		sub.closed = true
		close(sub.done)
		close(sub.ch)
		sub.mu.Unlock()
	}
	return NewSubscription(sub.ch, func() error { return sub.err }, closeFn)
}

func (n *MemoryNetwork) SubscribeGroupMessages(ctx context.Context, topics []topic.Topic) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return n.subscribe(topics), nil
}

func (n *MemoryNetwork) SubscribeWelcomeMessages(ctx context.Context, topics []topic.Topic) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return n.subscribe(topics), nil
}

func (n *MemoryNetwork) FetchKeyPackages(ctx context.Context, installationKeys [][]byte) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([][]byte, 0, len(installationKeys))
	for _, key := range installationKeys {
		kp, ok := n.keyPackages[string(key)]
		if !ok {
			return nil, errors.Errorf("no key package for installation %x", key)
		}
		out = append(out, kp)
	}
	return out, nil
}

func (n *MemoryNetwork) UploadKeyPackage(ctx context.Context, keyPackage []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := envelope.DecodeClientEnvelope(keyPackage)
	if err == nil && client.KeyPackageUpload != nil {
		n.mu.Lock()
		n.keyPackages[string(client.KeyPackageUpload.InstallationKey)] = client.KeyPackageUpload.KeyPackageTLS
		n.mu.Unlock()
		return nil
	}
	return errors.New("upload is not a key package envelope")
}

func (n *MemoryNetwork) GetIdentityUpdates(ctx context.Context, inboxIDs []string) (map[string][][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	out := map[string][][]byte{}
	for _, id := range inboxIDs {
		out[id] = append([][]byte(nil), n.identity[id]...)
	}
	return out, nil
}

func (n *MemoryNetwork) PublishIdentityUpdate(ctx context.Context, update []byte) error {
	_, err := n.PublishEnvelopes(ctx, [][]byte{update})
	return err
}

func (n *MemoryNetwork) GetNewestGroupMessage(ctx context.Context, groupID []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	log := n.logs[topic.NewGroupMessage(groupID)]
	if len(log) == 0 {
		return nil, nil
	}
	return log[len(log)-1].raw, nil
}

func (n *MemoryNetwork) PublishCommitLog(ctx context.Context, entries []*CommitLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, entry := range entries {
		key := string(entry.GroupID)
		// the remote log is append-only; duplicate sequence ids keep
		// the first write
		dup := false
		for _, existing := range n.commitLogs[key] {
			if existing.CommitSequenceID == entry.CommitSequenceID {
				dup = true
				break
			}
		}
		if !dup {
			n.commitLogs[key] = append(n.commitLogs[key], entry)
		}
	}
	return nil
}

func (n *MemoryNetwork) QueryCommitLog(ctx context.Context, groupID []byte, afterSequenceID int64) ([]*CommitLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []*CommitLogEntry
	for _, entry := range n.commitLogs[string(groupID)] {
		if entry.CommitSequenceID > afterSequenceID && bytes.Equal(entry.GroupID, groupID) {
			out = append(out, entry)
		}
	}
	return out, nil
}

var _ Client = (*MemoryNetwork)(nil)
