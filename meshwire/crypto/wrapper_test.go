package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	kp, err := GenerateWrapperKeyPair()
	require.NoError(t, err)

	sealed, err := Seal(kp.Public, []byte("welcome bytes"))
	require.NoError(t, err)

	opened, err := kp.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("welcome bytes"), opened)
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	kp, err := GenerateWrapperKeyPair()
	require.NoError(t, err)
	other, err := GenerateWrapperKeyPair()
	require.NoError(t, err)

	sealed, err := Seal(kp.Public, []byte("secret"))
	require.NoError(t, err)

	_, err = other.Open(sealed)
	assert.ErrorIs(t, err, ErrWrapperOpen)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	kp, err := GenerateWrapperKeyPair()
	require.NoError(t, err)

	sealed, err := Seal(kp.Public, []byte("secret"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 1

	_, err = kp.Open(sealed)
	assert.ErrorIs(t, err, ErrWrapperOpen)
}

func TestOpenRejectsShortInput(t *testing.T) {
	kp, err := GenerateWrapperKeyPair()
	require.NoError(t, err)

	_, err = kp.Open([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrWrapperOpen)
}

func TestSeededKeyPairIsDeterministic(t *testing.T) {
	a, err := WrapperKeyPairFromSeed([]byte("seed"))
	require.NoError(t, err)
	b, err := WrapperKeyPairFromSeed([]byte("seed"))
	require.NoError(t, err)
	assert.Equal(t, a.Public, b.Public)

	sealed, err := Seal(a.Public, []byte("x"))
	require.NoError(t, err)
	opened, err := b.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), opened)
}
