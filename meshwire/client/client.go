// Package client assembles the engine: store, cursor store, state
// machine, intent publisher, ingestor, stream engine, sync
// coordinator, and commit-log auditor, with one lifecycle. Workers
// share a cancellation signal; Close waits for all of them to
// quiesce before returning.
package client

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/krew-solutions/meshwire-go/meshwire/apiclient"
	"github.com/krew-solutions/meshwire-go/meshwire/archive"
	"github.com/krew-solutions/meshwire-go/meshwire/commitlog"
	meshcrypto "github.com/krew-solutions/meshwire-go/meshwire/crypto"
	"github.com/krew-solutions/meshwire-go/meshwire/cursor"
	"github.com/krew-solutions/meshwire-go/meshwire/envelope"
	"github.com/krew-solutions/meshwire-go/meshwire/group"
	"github.com/krew-solutions/meshwire-go/meshwire/identity"
	"github.com/krew-solutions/meshwire-go/meshwire/ingest"
	"github.com/krew-solutions/meshwire-go/meshwire/intent"
	"github.com/krew-solutions/meshwire-go/meshwire/mls"
	"github.com/krew-solutions/meshwire-go/meshwire/resolve"
	"github.com/krew-solutions/meshwire-go/meshwire/signals"
	"github.com/krew-solutions/meshwire-go/meshwire/store"
	"github.com/krew-solutions/meshwire-go/meshwire/stream"
	"github.com/krew-solutions/meshwire-go/meshwire/syncer"
)

// Config wires one client.
type Config struct {
	Store    store.Store
	API      apiclient.Client
	Provider mls.Provider
	KeyStore mls.KeyStore
	Identity identity.Service

	InboxID         string
	InstallationKey []byte

	// OriginatorKeys verify envelope signatures; nil trusts the
	// transport.
	OriginatorKeys envelope.OriginatorKeyResolver
	// WrapperKeys unseal wrapped welcomes.
	WrapperKeys *meshcrypto.WrapperKeyPair

	KeyRotationInterval time.Duration
	SyncInterval        time.Duration
	AuditInterval       time.Duration
	PublishInterval     time.Duration
	Backoff             apiclient.BackoffPolicy
	ResolverBackoff     apiclient.BackoffPolicy

	Logger   *zap.Logger
	Registry prometheus.Registerer
}

type Client struct {
	cfg      Config
	logger   *zap.Logger
	cursors  *cursor.MemoryStore
	machine  *group.StateMachine
	queue    *intent.Queue
	pub      *intent.Publisher
	ingestor *ingest.Ingestor
	streams  *stream.Engine
	syncer   *syncer.Coordinator
	auditor  *commitlog.Auditor

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	trigger chan []byte

	closeOnce sync.Once
}

// New assembles a client. Start launches the background workers;
// until then the client is usable for synchronous calls.
func New(cfg Config) (*Client, error) {
	if cfg.Store == nil || cfg.API == nil || cfg.Provider == nil || cfg.KeyStore == nil {
		return nil, errors.New("client: store, api, provider, and key store are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cred := mls.Credential{InboxID: cfg.InboxID, InstallationKey: cfg.InstallationKey}
	cursors := cursor.NewMemoryStore(logger.Named("cursors"))

	machine := group.NewStateMachine(group.Config{
		Store:       cfg.Store,
		Provider:    cfg.Provider,
		KeyStore:    cfg.KeyStore,
		Identity:    cfg.Identity,
		API:         cfg.API,
		Credential:  cred,
		WrapperKeys: cfg.WrapperKeys,
		Logger:      logger.Named("group"),
	})

	resolver := resolve.NewNetworkResolver(cfg.API, cfg.ResolverBackoff, logger.Named("resolve"))
	ingestor := ingest.New(ingest.Config{
		Cursors:      cursors,
		Validator:    envelope.NewValidator(cfg.OriginatorKeys),
		StateMachine: machine,
		Identity:     cfg.Identity,
		Resolver:     resolver,
		Store:        cfg.Store,
		Logger:       logger.Named("ingest"),
	})

	queue := intent.NewQueue(intent.QueueConfig{
		Store:  cfg.Store,
		Logger: logger.Named("intent"),
	})
	pub := intent.NewPublisher(intent.PublisherConfig{
		Store:            cfg.Store,
		StateMachine:     machine,
		API:              cfg.API,
		Cursors:          cursors,
		Backoff:          cfg.Backoff,
		RotationInterval: cfg.KeyRotationInterval,
		Logger:           logger.Named("publisher"),
		Registry:         cfg.Registry,
	})

	streams := stream.NewEngine(stream.Config{
		API:             cfg.API,
		Ingestor:        ingestor,
		Store:           cfg.Store,
		InstallationKey: cfg.InstallationKey,
		Backoff:         cfg.Backoff,
		Logger:          logger.Named("stream"),
		Registry:        cfg.Registry,
	})

	syn := syncer.New(syncer.Config{
		API:             cfg.API,
		Ingestor:        ingestor,
		Store:           cfg.Store,
		InstallationKey: cfg.InstallationKey,
		Logger:          logger.Named("sync"),
	})

	auditor := commitlog.New(commitlog.Config{
		Store:  cfg.Store,
		API:    cfg.API,
		Logger: logger.Named("audit"),
	})

	return &Client{
		cfg:      cfg,
		logger:   logger,
		cursors:  cursors,
		machine:  machine,
		queue:    queue,
		pub:      pub,
		ingestor: ingestor,
		streams:  streams,
		syncer:   syn,
		auditor:  auditor,
		trigger:  make(chan []byte, 64),
	}, nil
}

// Start launches the publisher, sync, and audit workers.
func (c *Client) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		_ = c.pub.Run(workerCtx, c.trigger, c.cfg.PublishInterval)
	}()
	go func() {
		defer c.wg.Done()
		_ = c.syncer.Run(workerCtx, nil, c.cfg.SyncInterval)
	}()
	go func() {
		defer c.wg.Done()
		_ = c.auditor.Run(workerCtx, c.cfg.AuditInterval)
	}()
}

// Close cancels the workers and waits for them to quiesce. Pending
// intents stay ToPublish for the next run; no partial commits merge.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
	})
}

// CreateGroup starts a new group conversation.
func (c *Client) CreateGroup(ctx context.Context, opts group.CreateOptions) (*store.Group, error) {
	return c.machine.Create(ctx, opts)
}

// CreateDm starts (or returns) the DM with a peer inbox.
func (c *Client) CreateDm(ctx context.Context, peerInboxID string) (*store.Group, error) {
	dmID := group.DmID(c.cfg.InboxID, peerInboxID)
	groups, err := c.cfg.Store.ListGroups()
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if g.DmID == dmID {
			return g, nil
		}
	}
	return c.machine.Create(ctx, group.CreateOptions{DmPeerInboxID: peerInboxID})
}

// SendMessage durably queues a send; it resolves when the intent is
// persisted, not when the server accepts it.
func (c *Client) SendMessage(ctx context.Context, groupID, content []byte, contentType store.ContentType) (*store.Intent, error) {
	payload, err := group.EncodePayload(group.SendMessagePayload{
		ContentType: contentType,
		Content:     content,
		ShouldPush:  true,
	})
	if err != nil {
		return nil, err
	}
	queued, err := c.queue.Queue(ctx, groupID, store.IntentSendMessage, payload, true)
	if err != nil {
		return nil, err
	}
	c.nudgePublisher(groupID)
	return queued, nil
}

// AddMembers queues a membership change adding the inboxes.
func (c *Client) AddMembers(ctx context.Context, groupID []byte, inboxIDs []string) (*store.Intent, error) {
	return c.queueMembership(ctx, groupID, group.MembershipUpdatePayload{AddInboxes: inboxIDs})
}

// RemoveMembers queues a membership change removing the inboxes.
func (c *Client) RemoveMembers(ctx context.Context, groupID []byte, inboxIDs []string) (*store.Intent, error) {
	return c.queueMembership(ctx, groupID, group.MembershipUpdatePayload{RemoveInboxes: inboxIDs})
}

func (c *Client) queueMembership(ctx context.Context, groupID []byte, payload group.MembershipUpdatePayload) (*store.Intent, error) {
	raw, err := group.EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	queued, err := c.queue.Queue(ctx, groupID, store.IntentUpdateGroupMembership, raw, false)
	if err != nil {
		return nil, err
	}
	c.nudgePublisher(groupID)
	return queued, nil
}

// UpdateGroupName queues a metadata change.
func (c *Client) UpdateGroupName(ctx context.Context, groupID []byte, name string) (*store.Intent, error) {
	raw, err := group.EncodePayload(group.MetadataUpdatePayload{Field: group.FieldName, Value: name})
	if err != nil {
		return nil, err
	}
	queued, err := c.queue.Queue(ctx, groupID, store.IntentMetadataUpdate, raw, false)
	if err != nil {
		return nil, err
	}
	c.nudgePublisher(groupID)
	return queued, nil
}

func (c *Client) nudgePublisher(groupID []byte) {
	select {
	case c.trigger <- groupID:
	default:
	}
}

// PublishPending drains a group's queue synchronously; tests and
// foreground flows use it instead of waiting for the worker.
func (c *Client) PublishPending(ctx context.Context, groupID []byte) error {
	return c.pub.PublishGroup(ctx, groupID)
}

// SyncAll runs one catch-up pass: welcomes, then groups.
func (c *Client) SyncAll(ctx context.Context) error {
	return c.syncer.SyncAllWelcomesAndGroups(ctx)
}

// AuditCommitLogs runs one publish + fetch + audit cycle.
func (c *Client) AuditCommitLogs(ctx context.Context) error {
	return c.auditor.Cycle(ctx)
}

// OnFork exposes the auditor's fork reports.
func (c *Client) OnFork() signals.Signal[commitlog.ForkReport] {
	return c.auditor.OnFork()
}

// StreamAllMessages opens the multiplexed live stream.
func (c *Client) StreamAllMessages(ctx context.Context) (*stream.MessageStream, error) {
	return c.streams.StreamAllMessages(ctx)
}

// StreamConversations opens a stream of newly joined conversations.
func (c *Client) StreamConversations(ctx context.Context) (*stream.ConversationStream, error) {
	return c.streams.StreamConversations(ctx)
}

// ListMessages returns a group's messages in delivery order.
func (c *Client) ListMessages(groupID []byte) ([]*store.Message, error) {
	return c.cfg.Store.ListMessages(groupID)
}

// ListConversations returns every known conversation.
func (c *Client) ListConversations() ([]*store.Group, error) {
	return c.cfg.Store.ListGroups()
}

// SetConsent records a consent decision, last-writer-wins.
func (c *Client) SetConsent(record *store.ConsentRecord) error {
	return c.cfg.Store.SetConsent(record)
}

// ExportArchive writes a backup of the selected elements.
func (c *Client) ExportArchive(w io.Writer, key []byte, opts archive.Options) error {
	return archive.Export(w, c.cfg.Store, key, opts, time.Now().UnixNano())
}

// ImportArchive restores a backup into the local store.
func (c *Client) ImportArchive(r io.Reader, key []byte) error {
	imp, err := archive.NewImporter(r, key)
	if err != nil {
		return err
	}
	return imp.Restore(c.cfg.Store)
}
