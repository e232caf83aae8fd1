// Package topic defines the wire-level topic identifiers used to
// address envelopes on the network. A topic is a single kind byte
// followed by the identifying bytes of the addressed entity.
package topic

import (
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
)

type Kind byte

const (
	KindGroupMessagesV1 Kind = iota
	KindWelcomeMessagesV1
	KindIdentityUpdatesV1
	KindKeyPackagesV1
)

var ErrUnknownKind = errors.New("topic: unknown topic kind")

func (k Kind) String() string {
	switch k {
	case KindGroupMessagesV1:
		return "group_message_v1"
	case KindWelcomeMessagesV1:
		return "welcome_message_v1"
	case KindIdentityUpdatesV1:
		return "identity_updates_v1"
	case KindKeyPackagesV1:
		return "key_packages_v1"
	}
	return fmt.Sprintf("unknown(%d)", byte(k))
}

func KindFromByte(b byte) (Kind, error) {
	if b > byte(KindKeyPackagesV1) {
		return 0, errors.Wrapf(ErrUnknownKind, "byte %d", b)
	}
	return Kind(b), nil
}

// Topic is kind ‖ identifier. The string form keeps Topic usable as a
// map key; identifiers are raw bytes, not printable.
type Topic string

func New(kind Kind, identifier []byte) Topic {
	buf := make([]byte, 0, 1+len(identifier))
	buf = append(buf, byte(kind))
	buf = append(buf, identifier...)
	return Topic(buf)
}

// NewGroupMessage addresses a group's message stream by MLS group id.
func NewGroupMessage(groupID []byte) Topic {
	return New(KindGroupMessagesV1, groupID)
}

// NewWelcomeMessage addresses an installation's welcome stream by its
// installation key.
func NewWelcomeMessage(installationKey []byte) Topic {
	return New(KindWelcomeMessagesV1, installationKey)
}

// NewIdentityUpdate addresses an inbox's identity-update stream. The
// identifier is the decoded inbox id, not its hex form.
func NewIdentityUpdate(inboxID []byte) Topic {
	return New(KindIdentityUpdatesV1, inboxID)
}

// NewKeyPackage addresses an installation's key-package slot.
func NewKeyPackage(installationKey []byte) Topic {
	return New(KindKeyPackagesV1, installationKey)
}

// Parse validates raw topic bytes.
func Parse(raw []byte) (Topic, error) {
	if len(raw) == 0 {
		return "", errors.Wrap(ErrUnknownKind, "empty topic")
	}
	if _, err := KindFromByte(raw[0]); err != nil {
		return "", err
	}
	return Topic(raw), nil
}

func (t Topic) Kind() Kind {
	if len(t) == 0 {
		return Kind(0xff)
	}
	return Kind(t[0])
}

// Identifier returns the identifying portion, without the kind byte.
func (t Topic) Identifier() []byte {
	if len(t) == 0 {
		return nil
	}
	return []byte(t[1:])
}

func (t Topic) Bytes() []byte {
	return []byte(t)
}

func (t Topic) String() string {
	return fmt.Sprintf("[%s/%s]", t.Kind(), hex.EncodeToString(t.Identifier()))
}
