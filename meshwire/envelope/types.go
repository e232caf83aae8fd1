// Package envelope implements the layered envelope wire format and is
// the only place the wire layout is known. Callers consume structured
// output through the visitor protocol.
//
// Layering, bottom-up: a ClientEnvelope carries one payload plus
// authenticated data; a PayerEnvelope wraps the encoded client
// envelope bytes with a fee-bearer signature; an
// UnsignedOriginatorEnvelope wraps the payer bytes and assigns the
// originator cursor and timestamp; an OriginatorEnvelope signs the
// unsigned bytes. Every layer commits to the inner encoded bytes
// verbatim.
package envelope

import (
	"github.com/krew-solutions/meshwire-go/meshwire/cursor"
)

// AuthenticatedData is bound into the payer signature alongside the
// payload.
type AuthenticatedData struct {
	TargetTopic []byte
	DependsOn   cursor.Clock
	IsCommit    bool
}

// GroupMessage carries MLS ciphertext for a group topic.
type GroupMessage struct {
	GroupID    []byte
	Data       []byte
	SenderHmac []byte
	ShouldPush bool
}

// WelcomeMessage admits an installation into a group.
type WelcomeMessage struct {
	InstallationKey []byte
	Data            []byte
	// WrapperPublicKey and WrapperAlgorithm describe the sealed-box
	// layer around Data, when present.
	WrapperPublicKey []byte
	WrapperAlgorithm uint32
}

// KeyPackageUpload publishes a new key package for an installation.
type KeyPackageUpload struct {
	InstallationKey []byte
	KeyPackageTLS   []byte
}

// IdentityUpdate carries a signed inbox association change.
type IdentityUpdate struct {
	// InboxID is the hex form; the topic identifier uses the decoded
	// bytes.
	InboxID string
	Payload []byte
}

// ClientEnvelope holds exactly one payload.
type ClientEnvelope struct {
	Aad              AuthenticatedData
	GroupMessage     *GroupMessage
	WelcomeMessage   *WelcomeMessage
	KeyPackageUpload *KeyPackageUpload
	IdentityUpdate   *IdentityUpdate
}

// PayerEnvelope wraps the encoded client envelope with the fee
// bearer's signature over those bytes.
type PayerEnvelope struct {
	ClientEnvelopeBytes  []byte
	PayerSignature       []byte
	TargetOriginator     uint32
	MessageRetentionDays uint32
}

// UnsignedOriginatorEnvelope is stamped by the originator node.
type UnsignedOriginatorEnvelope struct {
	PayerEnvelopeBytes []byte
	OriginatorID       cursor.OriginatorID
	SequenceID         cursor.SequenceID
	OriginatorNs       int64
}

// OriginatorEnvelope is the outermost layer as carried on the wire.
type OriginatorEnvelope struct {
	UnsignedBytes       []byte
	OriginatorSignature []byte
}

// Cursor returns the originator-assigned position of the envelope.
func (u *UnsignedOriginatorEnvelope) Cursor() cursor.Cursor {
	return cursor.Cursor{Originator: u.OriginatorID, Sequence: u.SequenceID}
}
