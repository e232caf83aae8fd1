package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/krew-solutions/meshwire-go/meshwire/apiclient"
	"github.com/krew-solutions/meshwire-go/meshwire/ingest"
	"github.com/krew-solutions/meshwire-go/meshwire/store"
	"github.com/krew-solutions/meshwire-go/meshwire/topic"
)

// ReconnectStats records one group-subscription rebuild.
type ReconnectStats struct {
	Duration   time.Duration
	GroupCount int
}

// MessageStream yields delivered messages. Closing releases the
// driver and every downstream subscription.
type MessageStream struct {
	ID uuid.UUID
	C  <-chan *store.Message
	// Conversations yields groups joined while streaming.
	Conversations <-chan *store.Group

	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Err reports the terminal stream error after C closes; nil after a
// clean close.
func (s *MessageStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *MessageStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *MessageStream) Close() {
	s.cancel()
	<-s.done
}

type Engine struct {
	api          apiclient.Client
	ingestor     *ingest.Ingestor
	store        store.Store
	installation []byte
	backoff      apiclient.BackoffPolicy
	bufferSize   int
	logger       *zap.Logger

	mu    sync.Mutex
	stats []ReconnectStats

	reconnects        prometheus.Counter
	reconnectDuration prometheus.Histogram
}

type Config struct {
	API      apiclient.Client
	Ingestor *ingest.Ingestor
	Store    store.Store
	// InstallationKey selects the welcome topic.
	InstallationKey []byte
	Backoff         apiclient.BackoffPolicy
	// BufferSize bounds the delivery channels; a slow consumer
	// suspends polling rather than dropping messages.
	BufferSize int
	Logger     *zap.Logger
	Registry   prometheus.Registerer
}

func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	backoff := cfg.Backoff
	if backoff.MaxAttempts == 0 && backoff.TotalBudget == 0 {
		backoff = apiclient.DefaultBackoff()
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 64
	}
	e := &Engine{
		api:          cfg.API,
		ingestor:     cfg.Ingestor,
		store:        cfg.Store,
		installation: cfg.InstallationKey,
		backoff:      backoff,
		bufferSize:   bufferSize,
		logger:       logger,
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshwire_stream_reconnects_total",
			Help: "Group subscription rebuilds triggered by added groups or network errors.",
		}),
		reconnectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshwire_stream_reconnect_seconds",
			Help:    "Time spent rebuilding group subscriptions.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if cfg.Registry != nil {
		cfg.Registry.MustRegister(e.reconnects, e.reconnectDuration)
	}
	return e
}

// Stats returns the recorded reconnections.
func (e *Engine) Stats() []ReconnectStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ReconnectStats, len(e.stats))
	copy(out, e.stats)
	return out
}

func (e *Engine) recordReconnect(duration time.Duration, groups int) {
	e.mu.Lock()
	e.stats = append(e.stats, ReconnectStats{Duration: duration, GroupCount: groups})
	e.mu.Unlock()
	e.reconnects.Inc()
	e.reconnectDuration.Observe(duration.Seconds())
}

func (e *Engine) groupTopics() ([]topic.Topic, error) {
	groups, err := e.store.ListGroups()
	if err != nil {
		return nil, err
	}
	topics := make([]topic.Topic, 0, len(groups))
	for _, g := range groups {
		topics = append(topics, topic.NewGroupMessage(g.ID))
	}
	return topics, nil
}

// StreamAllMessages opens the multiplexed stream over every known
// group plus the welcome subscription.
func (e *Engine) StreamAllMessages(ctx context.Context) (*MessageStream, error) {
	driverCtx, cancel := context.WithCancel(ctx)

	messages := make(chan *store.Message, e.bufferSize)
	conversations := make(chan *store.Group, e.bufferSize)
	stream := &MessageStream{
		ID:            uuid.New(),
		C:             messages,
		Conversations: conversations,
		cancel:        cancel,
		done:          make(chan struct{}),
	}

	groupTopics, err := e.groupTopics()
	if err != nil {
		cancel()
		close(stream.done)
		return nil, err
	}
	groupSub, err := e.api.SubscribeGroupMessages(driverCtx, groupTopics)
	if err != nil {
		cancel()
		close(stream.done)
		return nil, err
	}
	welcomeSub, err := e.api.SubscribeWelcomeMessages(driverCtx, []topic.Topic{topic.NewWelcomeMessage(e.installation)})
	if err != nil {
		groupSub.Close()
		cancel()
		close(stream.done)
		return nil, err
	}

	go e.drive(driverCtx, stream, groupSub, welcomeSub, groupTopics, messages, conversations)
	return stream, nil
}

func (e *Engine) drive(
	ctx context.Context,
	stream *MessageStream,
	groupSub, welcomeSub *apiclient.Subscription,
	groupTopics []topic.Topic,
	messages chan<- *store.Message,
	conversations chan<- *store.Group,
) {
	defer func() {
		groupSub.Close()
		welcomeSub.Close()
		close(messages)
		close(conversations)
		close(stream.done)
	}()

	st := &transition{}

	for {
		select {
		case <-ctx.Done():
			return

		case raw, ok := <-groupSub.C:
			if !ok {
				next, retried := e.resubscribe(ctx, groupSub.Err(), groupTopics)
				if !retried {
					stream.setErr(groupSub.Err())
					return
				}
				groupSub = next
				continue
			}
			if err := st.to(StateProcessing); err != nil {
				stream.setErr(err)
				return
			}
			result, err := e.ingestor.Ingest(ctx, raw)
			if err == nil && result.Message != nil {
				select {
				case messages <- result.Message:
				case <-ctx.Done():
					return
				}
			}
			if err := st.to(StateWaiting); err != nil {
				stream.setErr(err)
				return
			}

		case raw, ok := <-welcomeSub.C:
			if !ok {
				next, retried := e.resubscribeWelcome(ctx, welcomeSub.Err())
				if !retried {
					stream.setErr(welcomeSub.Err())
					return
				}
				welcomeSub = next
				continue
			}
			result, err := e.ingestor.Ingest(ctx, raw)
			if err != nil || result.JoinedGroup == nil {
				continue
			}
			// a new group expands the subscription set
			if err := st.to(StateAdding); err != nil {
				stream.setErr(err)
				return
			}
			started := time.Now()
			groupSub.Close()
			updatedTopics, err := e.groupTopics()
			if err != nil {
				stream.setErr(err)
				return
			}
			groupTopics = updatedTopics
			next, retried := e.resubscribe(ctx, nil, groupTopics)
			if !retried {
				stream.setErr(ctx.Err())
				return
			}
			groupSub = next
			e.recordReconnect(time.Since(started), len(groupTopics))

			select {
			case conversations <- result.JoinedGroup:
			case <-ctx.Done():
				return
			}
			if err := st.to(StateWaiting); err != nil {
				stream.setErr(err)
				return
			}
		}
	}
}

// ConversationStream yields conversations joined while streaming.
type ConversationStream struct {
	C <-chan *store.Group

	inner *MessageStream
}

func (s *ConversationStream) Err() error {
	return s.inner.Err()
}

func (s *ConversationStream) Close() {
	s.inner.Close()
}

// StreamConversations opens a stream of newly joined conversations.
// It shares the driver with StreamAllMessages; the message channel is
// drained internally.
func (e *Engine) StreamConversations(ctx context.Context) (*ConversationStream, error) {
	inner, err := e.StreamAllMessages(ctx)
	if err != nil {
		return nil, err
	}
	go func() {
		for range inner.C {
		}
	}()
	return &ConversationStream{C: inner.Conversations, inner: inner}, nil
}

// resubscribe rebuilds the group subscription, absorbing retryable
// errors with backoff. Returns retried=false when the error is
// terminal or the context canceled.
func (e *Engine) resubscribe(ctx context.Context, cause error, topics []topic.Topic) (*apiclient.Subscription, bool) {
	if cause != nil && !apiclient.IsRetryable(cause) {
		return nil, false
	}
	var sub *apiclient.Subscription
	err := apiclient.Retry(ctx, e.backoff, func() error {
		var err error
		sub, err = e.api.SubscribeGroupMessages(ctx, topics)
		return err
	})
	if err != nil {
		return nil, false
	}
	return sub, true
}

func (e *Engine) resubscribeWelcome(ctx context.Context, cause error) (*apiclient.Subscription, bool) {
	if cause != nil && !apiclient.IsRetryable(cause) {
		return nil, false
	}
	var sub *apiclient.Subscription
	err := apiclient.Retry(ctx, e.backoff, func() error {
		var err error
		sub, err = e.api.SubscribeWelcomeMessages(ctx, []topic.Topic{topic.NewWelcomeMessage(e.installation)})
		return err
	})
	if err != nil {
		return nil, false
	}
	return sub, true
}
