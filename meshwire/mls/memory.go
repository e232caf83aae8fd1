package mls

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

// MemoryProvider is a deterministic MLS implementation for tests.
// Commits carry the full transition, authenticators chain over commit
// bytes, and two instances processing the same commits converge on
// identical epochs and authenticators. It is not encryption.
type MemoryProvider struct {
	cred Credential
}

func NewMemoryProvider(cred Credential) *MemoryProvider {
	return &MemoryProvider{cred: cred}
}

type memberState struct {
	InboxID         string
	InstallationKey []byte
	LeafIndex       uint32
}

type groupState struct {
	ID            []byte
	Epoch         Epoch
	Authenticator []byte
	NextLeaf      uint32
	Members       []memberState
	Extensions    map[uint16][]byte
}

type commitWire struct {
	GroupID       []byte
	PriorEpoch    Epoch
	PriorAuth     []byte
	Add           []memberState
	RemoveLeaves  []uint32
	ExtID         uint16
	ExtData       []byte
	HasExt        bool
	SenderInboxID string
	SenderKey     []byte
	SelfUpdate    bool
}

type messageWire struct {
	GroupID       []byte
	Epoch         Epoch
	SenderInboxID string
	SenderKey     []byte
	Plaintext     []byte
	Commit        *commitWire
}

type welcomeWire struct {
	State groupState
}

func groupStateKey(groupID []byte) []byte {
	return []byte("mls/group/" + hex.EncodeToString(groupID))
}

func (p *MemoryProvider) CreateGroup(ks KeyStore, groupID []byte, creator Credential, extensions map[uint16][]byte) (Group, error) {
	state := groupState{
		ID:            append([]byte(nil), groupID...),
		Epoch:         1,
		Authenticator: authenticatorFor(groupID, nil, []byte("genesis")),
		NextLeaf:      1,
		Members: []memberState{{
			InboxID:         creator.InboxID,
			InstallationKey: creator.InstallationKey,
			LeafIndex:       0,
		}},
		Extensions: map[uint16][]byte{},
	}
	for id, data := range extensions {
		state.Extensions[id] = data
	}
	g := &memoryGroup{provider: p, ks: ks, cred: creator, state: state}
	if err := g.save(); err != nil {
		return nil, err
	}
	return g, nil
}

func (p *MemoryProvider) LoadGroup(ks KeyStore, groupID []byte) (Group, error) {
	raw, ok, err := ks.Get(groupStateKey(groupID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrStateCorrupted, "group %x not in key store", groupID)
	}
	var state groupState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, errors.Wrap(ErrStateCorrupted, err.Error())
	}
	return &memoryGroup{provider: p, ks: ks, cred: p.cred, state: state}, nil
}

func (p *MemoryProvider) ProcessWelcome(ks KeyStore, welcome []byte) (Group, error) {
	var w welcomeWire
	if err := json.Unmarshal(welcome, &w); err != nil {
		return nil, errors.Wrap(err, "undecodable welcome")
	}
	found := false
	for _, m := range w.State.Members {
		if bytes.Equal(m.InstallationKey, p.cred.InstallationKey) {
			found = true
			break
		}
	}
	if !found {
		return nil, errors.New("mls: welcome does not admit this installation")
	}
	g := &memoryGroup{provider: p, ks: ks, cred: p.cred, state: w.State}
	if err := g.save(); err != nil {
		return nil, err
	}
	return g, nil
}

func (p *MemoryProvider) NewKeyPackage(ks KeyStore, cred Credential) (KeyPackage, error) {
	tls, err := json.Marshal(memberState{
		InboxID:         cred.InboxID,
		InstallationKey: cred.InstallationKey,
	})
	if err != nil {
		return KeyPackage{}, err
	}
	return KeyPackage{
		InboxID:         cred.InboxID,
		InstallationKey: cred.InstallationKey,
		TLS:             tls,
	}, nil
}

// ExtensionGroupMembership is the extension id the membership
// snapshot lives under; matches what the state machine maintains.
const ExtensionGroupMembership uint16 = 0xff00

type memoryGroup struct {
	mu       sync.Mutex
	provider *MemoryProvider
	ks       KeyStore
	cred     Credential
	state    groupState
	pending  *StagedCommit
}

func (g *memoryGroup) save() error {
	raw, err := json.Marshal(g.state)
	if err != nil {
		return err
	}
	return g.ks.Put(groupStateKey(g.state.ID), raw)
}

func (g *memoryGroup) ID() []byte {
	return g.state.ID
}

func (g *memoryGroup) Epoch() Epoch {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Epoch
}

func (g *memoryGroup) EpochAuthenticator() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]byte(nil), g.state.Authenticator...)
}

func (g *memoryGroup) Members() ([]Member, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Member, 0, len(g.state.Members))
	for _, m := range g.state.Members {
		out = append(out, Member(m))
	}
	return out, nil
}

func (g *memoryGroup) OwnLeafIndex() (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.state.Members {
		if bytes.Equal(m.InstallationKey, g.cred.InstallationKey) {
			return m.LeafIndex, nil
		}
	}
	return 0, errors.New("mls: own installation not in group")
}

func (g *memoryGroup) Extension(extensionID uint16) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Extensions[extensionID]
}

func (g *memoryGroup) stage(wire commitWire) (*StagedCommit, error) {
	wire.GroupID = g.state.ID
	wire.PriorEpoch = g.state.Epoch
	wire.PriorAuth = g.state.Authenticator
	wire.SenderInboxID = g.cred.InboxID
	wire.SenderKey = g.cred.InstallationKey

	commitMsg, err := json.Marshal(messageWire{
		GroupID:       g.state.ID,
		Epoch:         g.state.Epoch,
		SenderInboxID: g.cred.InboxID,
		SenderKey:     g.cred.InstallationKey,
		Commit:        &wire,
	})
	if err != nil {
		return nil, err
	}

	next, added, removed, err := applyWire(g.state, wire, commitMsg)
	if err != nil {
		return nil, err
	}

	staged := &StagedCommit{
		CommitBytes:          commitMsg,
		PriorAuthenticator:   append([]byte(nil), g.state.Authenticator...),
		NewEpoch:             next.Epoch,
		NewAuthenticator:     next.Authenticator,
		Added:                added,
		Removed:              removed,
		IsSelfUpdate:         wire.SelfUpdate,
		HasUpdatedExtension:  wire.HasExt,
		UpdatedExtension:     wire.ExtID,
		UpdatedExtensionData: wire.ExtData,
	}
	if len(added) > 0 {
		welcome, err := json.Marshal(welcomeWire{State: next})
		if err != nil {
			return nil, err
		}
		staged.WelcomeBytes = welcome
	}
	g.pending = staged
	return staged, nil
}

func (g *memoryGroup) UpdateMembership(add []KeyPackage, removeLeaves []uint32, membershipExtension []byte) (*StagedCommit, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	wire := commitWire{RemoveLeaves: removeLeaves}
	for _, kp := range add {
		wire.Add = append(wire.Add, memberState{
			InboxID:         kp.InboxID,
			InstallationKey: kp.InstallationKey,
		})
	}
	if membershipExtension != nil {
		wire.HasExt = true
		wire.ExtID = ExtensionGroupMembership
		wire.ExtData = membershipExtension
	}
	return g.stage(wire)
}

func (g *memoryGroup) SelfUpdate() (*StagedCommit, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stage(commitWire{SelfUpdate: true})
}

func (g *memoryGroup) UpdateExtension(extensionID uint16, data []byte) (*StagedCommit, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stage(commitWire{HasExt: true, ExtID: extensionID, ExtData: data})
}

func (g *memoryGroup) CreateMessage(plaintext []byte) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return json.Marshal(messageWire{
		GroupID:       g.state.ID,
		Epoch:         g.state.Epoch,
		SenderInboxID: g.cred.InboxID,
		SenderKey:     g.cred.InstallationKey,
		Plaintext:     plaintext,
	})
}

func (g *memoryGroup) ProcessMessage(ciphertext []byte) (*ProcessedMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var msg messageWire
	if err := json.Unmarshal(ciphertext, &msg); err != nil {
		return nil, errors.Wrap(err, "undecodable message")
	}
	if !bytes.Equal(msg.GroupID, g.state.ID) {
		return nil, errors.New("mls: message for a different group")
	}

	if msg.Commit != nil {
		wire := *msg.Commit
		if wire.PriorEpoch != g.state.Epoch {
			return nil, errors.Wrapf(ErrWrongEpoch, "commit at epoch %d, group at %d", wire.PriorEpoch, g.state.Epoch)
		}
		next, added, removed, err := applyWire(g.state, wire, ciphertext)
		if err != nil {
			return nil, err
		}
		staged := &StagedCommit{
			CommitBytes:          ciphertext,
			PriorAuthenticator:   append([]byte(nil), wire.PriorAuth...),
			NewEpoch:             next.Epoch,
			NewAuthenticator:     next.Authenticator,
			Added:                added,
			Removed:              removed,
			IsSelfUpdate:         wire.SelfUpdate,
			HasUpdatedExtension:  wire.HasExt,
			UpdatedExtension:     wire.ExtID,
			UpdatedExtensionData: wire.ExtData,
		}
		return &ProcessedMessage{
			Kind:                  ProcessedCommit,
			SenderInboxID:         msg.SenderInboxID,
			SenderInstallationKey: msg.SenderKey,
			StagedCommit:          staged,
		}, nil
	}

	if msg.Epoch > g.state.Epoch {
		return nil, errors.Wrapf(ErrWrongEpoch, "message from future epoch %d", msg.Epoch)
	}
	return &ProcessedMessage{
		Kind:                  ProcessedApplication,
		Plaintext:             msg.Plaintext,
		SenderInboxID:         msg.SenderInboxID,
		SenderInstallationKey: msg.SenderKey,
	}, nil
}

func (g *memoryGroup) MergeStagedCommit(commit *StagedCommit) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if commit == nil {
		return ErrNoPendingCommit
	}
	var msg messageWire
	if err := json.Unmarshal(commit.CommitBytes, &msg); err != nil || msg.Commit == nil {
		return errors.Wrap(ErrStateCorrupted, "unmergeable commit bytes")
	}
	wire := *msg.Commit
	if wire.PriorEpoch != g.state.Epoch {
		return errors.Wrapf(ErrWrongEpoch, "merge at epoch %d, group at %d", wire.PriorEpoch, g.state.Epoch)
	}
	next, _, _, err := applyWire(g.state, wire, commit.CommitBytes)
	if err != nil {
		return err
	}
	g.state = next
	g.pending = nil
	return g.save()
}

func (g *memoryGroup) ClearPendingCommit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = nil
}

// applyWire computes the post-commit state without mutating prior.
func applyWire(prior groupState, wire commitWire, commitBytes []byte) (groupState, []Member, []Member, error) {
	next := groupState{
		ID:            prior.ID,
		Epoch:         prior.Epoch + 1,
		Authenticator: authenticatorFor(prior.ID, prior.Authenticator, commitBytes),
		NextLeaf:      prior.NextLeaf,
		Extensions:    map[uint16][]byte{},
	}
	for k, v := range prior.Extensions {
		next.Extensions[k] = v
	}

	removeSet := map[uint32]bool{}
	for _, leaf := range wire.RemoveLeaves {
		removeSet[leaf] = true
	}

	var removed []Member
	for _, m := range prior.Members {
		if removeSet[m.LeafIndex] {
			removed = append(removed, Member(m))
			continue
		}
		next.Members = append(next.Members, m)
	}
	if len(removed) != len(removeSet) {
		return groupState{}, nil, nil, errors.New("mls: remove proposal names unknown leaf")
	}

	var added []Member
	for _, a := range wire.Add {
		m := memberState{
			InboxID:         a.InboxID,
			InstallationKey: a.InstallationKey,
			LeafIndex:       next.NextLeaf,
		}
		next.NextLeaf++
		next.Members = append(next.Members, m)
		added = append(added, Member(m))
	}

	if wire.HasExt {
		next.Extensions[wire.ExtID] = wire.ExtData
	}
	return next, added, removed, nil
}

func authenticatorFor(groupID, priorAuth, commitBytes []byte) []byte {
	h := sha256.New()
	h.Write(groupID)
	h.Write(priorAuth)
	h.Write(commitBytes)
	return h.Sum(nil)
}

// MemoryKeyStore is an in-memory KeyStore with snapshot transactions.
type MemoryKeyStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{data: map[string][]byte{}}
}

func (s *MemoryKeyStore) Get(key []byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[string(key)]
	return v, ok, nil
}

func (s *MemoryKeyStore) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryKeyStore) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, string(key))
	return nil
}

func (s *MemoryKeyStore) Transaction(fn func(KeyStore) error) error {
	s.mu.Lock()
	snapshot := make(map[string][]byte, len(s.data))
	for k, v := range s.data {
		snapshot[k] = v
	}
	s.mu.Unlock()

	scratch := &MemoryKeyStore{data: snapshot}
	if err := fn(scratch); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = scratch.data
	s.mu.Unlock()
	return nil
}
