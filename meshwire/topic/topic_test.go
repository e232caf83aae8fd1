package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicRoundTrip(t *testing.T) {
	groupID := []byte{0xde, 0xad, 0xbe, 0xef}
	tp := NewGroupMessage(groupID)

	assert.Equal(t, KindGroupMessagesV1, tp.Kind())
	assert.Equal(t, groupID, tp.Identifier())
	assert.Equal(t, append([]byte{0}, groupID...), tp.Bytes())
}

func TestParseRejectsUnknownKind(t *testing.T) {
	_, err := Parse([]byte{9, 1, 2, 3})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = Parse(nil)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestParseAcceptsEveryKind(t *testing.T) {
	for _, kind := range []Kind{
		KindGroupMessagesV1,
		KindWelcomeMessagesV1,
		KindIdentityUpdatesV1,
		KindKeyPackagesV1,
	} {
		tp, err := Parse(append([]byte{byte(kind)}, 0xaa))
		require.NoError(t, err)
		assert.Equal(t, kind, tp.Kind())
	}
}

func TestTopicsAreMapKeys(t *testing.T) {
	seen := map[Topic]int{}
	seen[NewGroupMessage([]byte{1})] = 1
	seen[NewWelcomeMessage([]byte{1})] = 2

	// same identifier, different kind: distinct keys
	assert.Len(t, seen, 2)
	assert.Equal(t, 1, seen[NewGroupMessage([]byte{1})])
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "welcome_message_v1", KindWelcomeMessagesV1.String())
}
