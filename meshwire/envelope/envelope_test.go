package envelope

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krew-solutions/meshwire-go/meshwire/cursor"
	"github.com/krew-solutions/meshwire-go/meshwire/topic"
)

func buildGroupEnvelope(t *testing.T, groupID []byte, key ed25519.PrivateKey) []byte {
	t.Helper()
	clientBytes, err := EncodeClientEnvelope(&ClientEnvelope{
		Aad: AuthenticatedData{
			TargetTopic: topic.NewGroupMessage(groupID).Bytes(),
			DependsOn:   cursor.ClockOf(cursor.Cursor{Originator: 1, Sequence: 19}),
			IsCommit:    true,
		},
		GroupMessage: &GroupMessage{GroupID: groupID, Data: []byte("ciphertext")},
	})
	require.NoError(t, err)

	payerBytes := WrapPayer(clientBytes, nil, 1)
	return Stamp(payerBytes, cursor.Cursor{Originator: 1, Sequence: 20}, 42, key)
}

func TestValidateGroupMessage(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	raw := buildGroupEnvelope(t, []byte{9, 9}, priv)

	v := NewValidator(func(cursor.OriginatorID) (ed25519.PublicKey, error) {
		return pub, nil
	})
	validated, err := v.Validate(raw)
	require.NoError(t, err)

	assert.Equal(t, topic.KindGroupMessagesV1, validated.Topic.Kind())
	assert.Equal(t, []byte{9, 9}, validated.Topic.Identifier())
	assert.Equal(t, cursor.Cursor{Originator: 1, Sequence: 20}, validated.Cursor)
	assert.Equal(t, int64(42), validated.SentNs)
	assert.True(t, validated.IsCommit)
	assert.Equal(t, cursor.SequenceID(19), validated.DependsOn.Get(1))
	assert.Equal(t, []byte("ciphertext"), validated.Ciphertext)
}

func TestValidateRejectsBadSignature(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	raw := buildGroupEnvelope(t, []byte{1}, priv)

	v := NewValidator(func(cursor.OriginatorID) (ed25519.PublicKey, error) {
		return otherPub, nil
	})
	_, err = v.Validate(raw)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestValidateRejectsMalformedBytes(t *testing.T) {
	v := NewValidator(nil)
	_, err := v.Validate([]byte{0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = v.Validate(nil)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestClientEnvelopeRequiresExactlyOnePayload(t *testing.T) {
	_, err := EncodeClientEnvelope(&ClientEnvelope{})
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = EncodeClientEnvelope(&ClientEnvelope{
		GroupMessage:   &GroupMessage{GroupID: []byte{1}},
		WelcomeMessage: &WelcomeMessage{InstallationKey: []byte{2}},
	})
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestSignatureCommitsToInnerBytesVerbatim(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	raw := buildGroupEnvelope(t, []byte{1}, priv)
	orig, err := DecodeOriginatorEnvelope(raw)
	require.NoError(t, err)

	// flip one bit inside the signed inner bytes
	tampered := make([]byte, len(orig.UnsignedBytes))
	copy(tampered, orig.UnsignedBytes)
	tampered[len(tampered)-1] ^= 1
	reencoded := EncodeOriginatorEnvelope(&OriginatorEnvelope{
		UnsignedBytes:       tampered,
		OriginatorSignature: orig.OriginatorSignature,
	})

	v := NewValidator(func(cursor.OriginatorID) (ed25519.PublicKey, error) {
		return pub, nil
	})
	_, err = v.Validate(reencoded)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestTopicExtractorCrossChecksAad(t *testing.T) {
	clientBytes, err := EncodeClientEnvelope(&ClientEnvelope{
		Aad: AuthenticatedData{
			// claims welcome topic while carrying a group message
			TargetTopic: topic.NewWelcomeMessage([]byte{7}).Bytes(),
		},
		GroupMessage: &GroupMessage{GroupID: []byte{1}, Data: []byte("x")},
	})
	require.NoError(t, err)
	raw := Stamp(WrapPayer(clientBytes, nil, 1), cursor.Cursor{Originator: 1, Sequence: 1}, 0, nil)

	_, err = NewValidator(nil).Validate(raw)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestWelcomeAndKeyPackageTopics(t *testing.T) {
	installationKey := []byte{0xaa, 0xbb}

	clientBytes, err := EncodeClientEnvelope(&ClientEnvelope{
		WelcomeMessage: &WelcomeMessage{InstallationKey: installationKey, Data: []byte("w")},
	})
	require.NoError(t, err)
	raw := Stamp(WrapPayer(clientBytes, nil, 1), cursor.Cursor{Originator: 2, Sequence: 3}, 0, nil)

	validated, err := NewValidator(nil).Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, topic.KindWelcomeMessagesV1, validated.Topic.Kind())
	assert.Equal(t, installationKey, validated.Topic.Identifier())
}

func TestIdentityUpdateTopicUsesDecodedInboxID(t *testing.T) {
	clientBytes, err := EncodeClientEnvelope(&ClientEnvelope{
		IdentityUpdate: &IdentityUpdate{InboxID: "c0ffee", Payload: []byte("u")},
	})
	require.NoError(t, err)
	raw := Stamp(WrapPayer(clientBytes, nil, 1), cursor.Cursor{Originator: 1, Sequence: 1}, 0, nil)

	validated, err := NewValidator(nil).Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, topic.KindIdentityUpdatesV1, validated.Topic.Kind())
	assert.Equal(t, []byte{0xc0, 0xff, 0xee}, validated.Topic.Identifier())
}

func TestClientEnvelopeRoundTrip(t *testing.T) {
	in := &ClientEnvelope{
		Aad: AuthenticatedData{
			TargetTopic: topic.NewGroupMessage([]byte{5}).Bytes(),
			DependsOn:   cursor.ClockOf(cursor.Cursor{Originator: 3, Sequence: 7}),
		},
		GroupMessage: &GroupMessage{
			GroupID:    []byte{5},
			Data:       []byte("payload"),
			SenderHmac: []byte("hmac"),
			ShouldPush: true,
		},
	}
	encoded, err := EncodeClientEnvelope(in)
	require.NoError(t, err)

	out, err := DecodeClientEnvelope(encoded)
	require.NoError(t, err)
	require.NotNil(t, out.GroupMessage)
	assert.Equal(t, in.GroupMessage.Data, out.GroupMessage.Data)
	assert.Equal(t, in.GroupMessage.SenderHmac, out.GroupMessage.SenderHmac)
	assert.True(t, out.GroupMessage.ShouldPush)
	assert.Equal(t, in.Aad.TargetTopic, out.Aad.TargetTopic)
	assert.Equal(t, cursor.SequenceID(7), out.Aad.DependsOn.Get(3))
}

func TestExtractorsShareOneDecodingPass(t *testing.T) {
	clientBytes, err := EncodeClientEnvelope(&ClientEnvelope{
		GroupMessage: &GroupMessage{GroupID: []byte{1}, Data: []byte("d")},
	})
	require.NoError(t, err)
	raw := Stamp(WrapPayer(clientBytes, nil, 1), cursor.Cursor{Originator: 1, Sequence: 2}, 0, nil)

	topics := &TopicExtractor{}
	cursors := &CursorExtractor{}
	require.NoError(t, Accept(raw, Extractors(topics, cursors)))

	tp, err := topics.Get()
	require.NoError(t, err)
	assert.Equal(t, topic.KindGroupMessagesV1, tp.Kind())
	assert.Equal(t, cursor.SequenceID(2), cursors.Cursor.Sequence)
}
