package envelope

import (
	"crypto/ed25519"

	"github.com/pkg/errors"

	"github.com/krew-solutions/meshwire-go/meshwire/cursor"
	"github.com/krew-solutions/meshwire-go/meshwire/topic"
)

// OriginatorKeyResolver returns the signing key of an originator
// node, or an error when the originator is unknown.
type OriginatorKeyResolver func(id cursor.OriginatorID) (ed25519.PublicKey, error)

// Validated is the structured output of one validation pass. All
// other components consume this instead of wire bytes.
type Validated struct {
	Raw        []byte
	Topic      topic.Topic
	Cursor     cursor.Cursor
	SentNs     int64
	IsCommit   bool
	DependsOn  cursor.Clock
	Ciphertext []byte
	Client     *ClientEnvelope
}

// Validator decodes, signature-checks, and classifies originator
// envelopes.
type Validator struct {
	resolveKey OriginatorKeyResolver
}

// NewValidator builds a validator. A nil resolver skips originator
// signature verification, for contexts that trust the transport.
func NewValidator(resolveKey OriginatorKeyResolver) *Validator {
	return &Validator{resolveKey: resolveKey}
}

// Validate runs the full single-pass inspection. Failures classify as
// malformed, bad-signature, or unknown-topic and are terminal for the
// envelope.
func (v *Validator) Validate(raw []byte) (*Validated, error) {
	topics := &TopicExtractor{}
	commits := &CommitExtractor{}
	deps := &DependsOnExtractor{}
	cursors := &CursorExtractor{}
	ciphertexts := &CiphertextExtractor{}
	payloads := &PayloadExtractor{}
	sigs := &signatureChecker{resolveKey: v.resolveKey}

	err := Accept(raw, Extractors(sigs, cursors, topics, commits, deps, ciphertexts, payloads))
	if err != nil {
		return nil, err
	}

	t, err := topics.Get()
	if err != nil {
		return nil, err
	}

	return &Validated{
		Raw:        raw,
		Topic:      t,
		Cursor:     cursors.Cursor,
		SentNs:     cursors.SentNs,
		IsCommit:   commits.IsCommit,
		DependsOn:  deps.DependsOn,
		Ciphertext: ciphertexts.Ciphertext,
		Client:     payloads.Client,
	}, nil
}

// signatureChecker verifies that each signed layer commits to the
// inner encoded bytes verbatim.
type signatureChecker struct {
	NopVisitor
	resolveKey OriginatorKeyResolver

	unsignedBytes []byte
	originatorSig []byte
}

func (s *signatureChecker) VisitOriginator(env *OriginatorEnvelope) error {
	s.unsignedBytes = env.UnsignedBytes
	s.originatorSig = env.OriginatorSignature
	return nil
}

func (s *signatureChecker) VisitUnsignedOriginator(env *UnsignedOriginatorEnvelope) error {
	if s.resolveKey == nil {
		return nil
	}
	key, err := s.resolveKey(env.OriginatorID)
	if err != nil {
		return errors.Wrapf(ErrBadSignature, "unknown originator %d", env.OriginatorID)
	}
	if len(s.originatorSig) != ed25519.SignatureSize ||
		!ed25519.Verify(key, s.unsignedBytes, s.originatorSig) {
		return errors.Wrapf(ErrBadSignature, "originator %d", env.OriginatorID)
	}
	return nil
}
