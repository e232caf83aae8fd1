package envelope

import (
	"encoding/hex"

	"github.com/pkg/errors"

	"github.com/krew-solutions/meshwire-go/meshwire/cursor"
	"github.com/krew-solutions/meshwire-go/meshwire/topic"
)

// TopicExtractor derives the envelope's topic from its payload and
// cross-checks it against the authenticated target topic.
type TopicExtractor struct {
	NopVisitor
	aadTopic []byte
	topic    topic.Topic
	found    bool
}

func (e *TopicExtractor) VisitClient(env *ClientEnvelope) error {
	e.aadTopic = env.Aad.TargetTopic
	return nil
}

func (e *TopicExtractor) set(t topic.Topic) error {
	if len(e.aadTopic) > 0 && string(e.aadTopic) != string(t) {
		return errors.Wrap(ErrMalformedEnvelope, "payload topic disagrees with authenticated target topic")
	}
	e.topic = t
	e.found = true
	return nil
}

func (e *TopicExtractor) VisitGroupMessage(msg *GroupMessage) error {
	if len(msg.GroupID) == 0 {
		return errors.Wrap(ErrMalformedEnvelope, "group message without group id")
	}
	return e.set(topic.NewGroupMessage(msg.GroupID))
}

func (e *TopicExtractor) VisitWelcomeMessage(msg *WelcomeMessage) error {
	if len(msg.InstallationKey) == 0 {
		return errors.Wrap(ErrMalformedEnvelope, "welcome without installation key")
	}
	return e.set(topic.NewWelcomeMessage(msg.InstallationKey))
}

func (e *TopicExtractor) VisitKeyPackageUpload(msg *KeyPackageUpload) error {
	if len(msg.InstallationKey) == 0 {
		return errors.Wrap(ErrMalformedEnvelope, "key package without installation key")
	}
	return e.set(topic.NewKeyPackage(msg.InstallationKey))
}

func (e *TopicExtractor) VisitIdentityUpdate(msg *IdentityUpdate) error {
	decoded, err := hex.DecodeString(msg.InboxID)
	if err != nil {
		return errors.Wrap(ErrMalformedEnvelope, "inbox id is not hex")
	}
	return e.set(topic.NewIdentityUpdate(decoded))
}

// Get returns the extracted topic.
func (e *TopicExtractor) Get() (topic.Topic, error) {
	if !e.found {
		return "", errors.Wrap(ErrUnknownTopic, "no topic extracted")
	}
	return e.topic, nil
}

// CommitExtractor reads the authenticated is-commit flag.
type CommitExtractor struct {
	NopVisitor
	IsCommit bool
}

func (e *CommitExtractor) VisitClient(env *ClientEnvelope) error {
	e.IsCommit = env.Aad.IsCommit
	return nil
}

// DependsOnExtractor reads the authenticated depends-on clock.
type DependsOnExtractor struct {
	NopVisitor
	DependsOn cursor.Clock
}

func (e *DependsOnExtractor) VisitClient(env *ClientEnvelope) error {
	e.DependsOn = env.Aad.DependsOn
	return nil
}

// CursorExtractor reads the originator-assigned cursor and timestamp.
type CursorExtractor struct {
	NopVisitor
	Cursor cursor.Cursor
	SentNs int64
}

func (e *CursorExtractor) VisitUnsignedOriginator(env *UnsignedOriginatorEnvelope) error {
	e.Cursor = env.Cursor()
	e.SentNs = env.OriginatorNs
	return nil
}

// CiphertextExtractor pulls the payload ciphertext bytes.
type CiphertextExtractor struct {
	NopVisitor
	Ciphertext []byte
}

func (e *CiphertextExtractor) VisitGroupMessage(msg *GroupMessage) error {
	e.Ciphertext = msg.Data
	return nil
}

func (e *CiphertextExtractor) VisitWelcomeMessage(msg *WelcomeMessage) error {
	e.Ciphertext = msg.Data
	return nil
}

// PayloadExtractor retains the decoded client envelope for handlers
// that need structured payload access after classification.
type PayloadExtractor struct {
	NopVisitor
	Client *ClientEnvelope
}

func (e *PayloadExtractor) VisitClient(env *ClientEnvelope) error {
	e.Client = env
	return nil
}
