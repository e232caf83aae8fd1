package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateInboxIDIsStable(t *testing.T) {
	a := GenerateInboxID("0xabc", 0)
	b := GenerateInboxID("0xabc", 0)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	// a different nonce yields a different inbox
	assert.NotEqual(t, a, GenerateInboxID("0xabc", 1))
}

func TestInstallationKeysSkipRevoked(t *testing.T) {
	state := &AssociationState{
		InboxID: "inbox",
		Installations: []Installation{
			{Key: []byte{1}},
			{Key: []byte{2}, RevokedAtNs: 99},
		},
	}
	keys := state.InstallationKeys()
	require.Len(t, keys, 1)
	assert.Equal(t, []byte{1}, keys[0])
}

func TestStateCacheKeysOnSequence(t *testing.T) {
	cache, err := NewStateCache(4)
	require.NoError(t, err)

	cache.Put(&AssociationState{InboxID: "a", SequenceID: 1})
	cache.Put(&AssociationState{InboxID: "a", SequenceID: 2})

	v1, ok := cache.Get("a", 1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), v1.SequenceID)
	v2, ok := cache.Get("a", 2)
	require.True(t, ok)
	assert.Equal(t, uint64(2), v2.SequenceID)

	_, ok = cache.Get("a", 3)
	assert.False(t, ok)
}
