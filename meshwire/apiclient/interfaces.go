// Package apiclient defines the network contract the core consumes:
// unary publish/query plus server-streaming subscriptions. The
// in-memory implementation backs the test suites; the production
// transport is provided by the embedding application.
package apiclient

import (
	"context"

	"github.com/krew-solutions/meshwire-go/meshwire/cursor"
	"github.com/krew-solutions/meshwire-go/meshwire/topic"
)

// QueryResult is one page of envelopes for a resumable query.
type QueryResult struct {
	// Envelopes are encoded originator envelopes in originator order.
	Envelopes [][]byte
	NextClock cursor.Clock
}

// Subscription is one server stream. C yields encoded originator
// envelopes; Err reports the terminal error after C closes. Close
// releases the stream.
type Subscription struct {
	C     <-chan []byte
	errFn func() error
	close func()
}

func NewSubscription(c <-chan []byte, errFn func() error, closeFn func()) *Subscription {
	return &Subscription{C: c, errFn: errFn, close: closeFn}
}

func (s *Subscription) Err() error {
	if s.errFn == nil {
		return nil
	}
	return s.errFn()
}

func (s *Subscription) Close() {
	if s.close != nil {
		s.close()
	}
}

// CommitLogEntry is one signed remote commit-log record.
type CommitLogEntry struct {
	GroupID          []byte
	CommitSequenceID int64
	Payload          []byte
	Signature        []byte
}

// Client is the network RPC surface.
type Client interface {
	// PublishEnvelopes submits client envelopes and returns the
	// stamped originator envelopes.
	PublishEnvelopes(ctx context.Context, clientEnvelopes [][]byte) ([][]byte, error)
	// QueryEnvelopes pages envelopes on the topics past the last-seen
	// clock.
	QueryEnvelopes(ctx context.Context, topics []topic.Topic, lastSeen cursor.Clock, limit int) (*QueryResult, error)

	SubscribeGroupMessages(ctx context.Context, topics []topic.Topic) (*Subscription, error)
	SubscribeWelcomeMessages(ctx context.Context, topics []topic.Topic) (*Subscription, error)

	FetchKeyPackages(ctx context.Context, installationKeys [][]byte) ([][]byte, error)
	UploadKeyPackage(ctx context.Context, keyPackage []byte) error

	GetIdentityUpdates(ctx context.Context, inboxIDs []string) (map[string][][]byte, error)
	PublishIdentityUpdate(ctx context.Context, update []byte) error

	// GetNewestGroupMessage returns the latest envelope on a group
	// topic, for fork-detection tie-breaks; nil when the topic is
	// empty.
	GetNewestGroupMessage(ctx context.Context, groupID []byte) ([]byte, error)

	PublishCommitLog(ctx context.Context, entries []*CommitLogEntry) error
	QueryCommitLog(ctx context.Context, groupID []byte, afterSequenceID int64) ([]*CommitLogEntry, error)
}
