// Package identity holds the contract types the core borrows from
// the identity subsystem: inbox/installation associations and the
// association-state cache. Signature verification over association
// chains lives outside the core.
package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// Installation is a single device key-holder within an inbox. The
// key bytes are immutable for the installation's lifetime.
type Installation struct {
	Key         []byte
	InboxID     string
	CreatedAtNs int64
	RevokedAtNs int64
}

func (i Installation) Revoked() bool {
	return i.RevokedAtNs != 0
}

// AssociationState is the resolved membership of an inbox at one
// point of its association chain.
type AssociationState struct {
	InboxID       string
	RecoveryID    string
	Installations []Installation
	// SequenceID totally orders association changes.
	SequenceID uint64
}

// InstallationKeys returns the unrevoked installation keys.
func (s *AssociationState) InstallationKeys() [][]byte {
	var out [][]byte
	for _, inst := range s.Installations {
		if !inst.Revoked() {
			out = append(out, inst.Key)
		}
	}
	return out
}

// GenerateInboxID derives the stable inbox identifier from a root
// identifier and nonce.
func GenerateInboxID(rootIdentifier string, nonce uint64) string {
	h := sha256.New()
	h.Write([]byte(rootIdentifier))
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	h.Write(n[:])
	return hex.EncodeToString(h.Sum(nil))
}

// Service is the identity subsystem the ingestor hands identity
// updates to, and the state machine queries for association states.
type Service interface {
	// ApplyIdentityUpdate ingests one signed identity update.
	ApplyIdentityUpdate(inboxID string, payload []byte) error
	// AssociationState resolves the current state for an inbox.
	AssociationState(inboxID string) (*AssociationState, error)
}

var ErrUnknownInbox = errors.New("identity: unknown inbox")

// StateCache caches resolved association states keyed by
// (inbox_id, sequence_id); entries are immutable once written.
type StateCache struct {
	cache *lru.Cache[string, *AssociationState]
}

func NewStateCache(size int) (*StateCache, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, *AssociationState](size)
	if err != nil {
		return nil, err
	}
	return &StateCache{cache: cache}, nil
}

func cacheKey(inboxID string, sequenceID uint64) string {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], sequenceID)
	return inboxID + "@" + hex.EncodeToString(n[:])
}

func (c *StateCache) Get(inboxID string, sequenceID uint64) (*AssociationState, bool) {
	return c.cache.Get(cacheKey(inboxID, sequenceID))
}

func (c *StateCache) Put(state *AssociationState) {
	c.cache.Add(cacheKey(state.InboxID, state.SequenceID), state)
}
