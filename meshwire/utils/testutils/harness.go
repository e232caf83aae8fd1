// Package testutils provides the shared fixtures the worker suites
// build on: an in-process client harness wired to the in-memory
// network, a stub identity service, and fake data generators.
package testutils

import (
	"context"
	"testing"

	"github.com/icrowley/fake"
	"github.com/stretchr/testify/require"

	"github.com/krew-solutions/meshwire-go/meshwire/apiclient"
	"github.com/krew-solutions/meshwire-go/meshwire/cursor"
	"github.com/krew-solutions/meshwire-go/meshwire/envelope"
	"github.com/krew-solutions/meshwire-go/meshwire/group"
	"github.com/krew-solutions/meshwire-go/meshwire/identity"
	"github.com/krew-solutions/meshwire-go/meshwire/mls"
	"github.com/krew-solutions/meshwire-go/meshwire/store"
	"github.com/krew-solutions/meshwire-go/meshwire/topic"
)

// StubIdentity resolves registered inboxes to their installations.
type StubIdentity struct {
	states map[string]*identity.AssociationState
}

func NewStubIdentity() *StubIdentity {
	return &StubIdentity{states: map[string]*identity.AssociationState{}}
}

func (s *StubIdentity) Register(inboxID string, installationKeys ...[]byte) {
	state := &identity.AssociationState{InboxID: inboxID, SequenceID: 1}
	for _, key := range installationKeys {
		state.Installations = append(state.Installations, identity.Installation{
			Key: key, InboxID: inboxID,
		})
	}
	s.states[inboxID] = state
}

func (s *StubIdentity) ApplyIdentityUpdate(inboxID string, payload []byte) error {
	return nil
}

func (s *StubIdentity) AssociationState(inboxID string) (*identity.AssociationState, error) {
	state, ok := s.states[inboxID]
	if !ok {
		return nil, identity.ErrUnknownInbox
	}
	return state, nil
}

// TestClient is one installation wired against the shared network.
type TestClient struct {
	Inbox    string
	Cred     mls.Credential
	Store    *store.MemoryStore
	KeyStore *mls.MemoryKeyStore
	Provider *mls.MemoryProvider
	Machine  *group.StateMachine
	Cursors  *cursor.MemoryStore
	Network  *apiclient.MemoryNetwork
}

func NewTestClient(t *testing.T, inbox string, key byte, net *apiclient.MemoryNetwork, ident *StubIdentity) *TestClient {
	t.Helper()
	cred := mls.Credential{InboxID: inbox, InstallationKey: []byte{key}}
	st := store.NewMemoryStore()
	ks := mls.NewMemoryKeyStore()
	provider := mls.NewMemoryProvider(cred)

	kp, err := provider.NewKeyPackage(ks, cred)
	require.NoError(t, err)
	kpEnv, err := envelope.EncodeClientEnvelope(&envelope.ClientEnvelope{
		KeyPackageUpload: &envelope.KeyPackageUpload{
			InstallationKey: cred.InstallationKey,
			KeyPackageTLS:   kp.TLS,
		},
	})
	require.NoError(t, err)
	require.NoError(t, net.UploadKeyPackage(context.Background(), kpEnv))
	ident.Register(inbox, cred.InstallationKey)

	machine := group.NewStateMachine(group.Config{
		Store:      st,
		Provider:   provider,
		KeyStore:   ks,
		Identity:   ident,
		API:        net,
		Credential: cred,
	})

	return &TestClient{
		Inbox:    inbox,
		Cred:     cred,
		Store:    st,
		KeyStore: ks,
		Provider: provider,
		Machine:  machine,
		Cursors:  cursor.NewMemoryStore(nil),
		Network:  net,
	}
}

// WelcomeTopic is the client's welcome subscription topic.
func (c *TestClient) WelcomeTopic() topic.Topic {
	return topic.NewWelcomeMessage(c.Cred.InstallationKey)
}

// RandomName returns fake display data for group fixtures.
func RandomName() string {
	return fake.ProductName()
}

func RandomSentence() string {
	return fake.Sentence()
}
