package envelope

import (
	"crypto/ed25519"

	"github.com/krew-solutions/meshwire-go/meshwire/cursor"
)

// PayerSigner signs client envelope bytes on behalf of the fee
// bearer. A nil signer produces an unsigned payer layer.
type PayerSigner func(clientBytes []byte) []byte

// WrapPayer seals client envelope bytes into a payer envelope.
func WrapPayer(clientBytes []byte, sign PayerSigner, targetOriginator uint32) []byte {
	env := &PayerEnvelope{
		ClientEnvelopeBytes: clientBytes,
		TargetOriginator:    targetOriginator,
	}
	if sign != nil {
		env.PayerSignature = sign(clientBytes)
	}
	return EncodePayerEnvelope(env)
}

// Stamp assigns the originator cursor and timestamp to payer bytes
// and signs the result, producing wire-ready originator envelope
// bytes. This mirrors what an originator node does server-side and
// backs the in-memory network used in tests.
func Stamp(payerBytes []byte, cur cursor.Cursor, ns int64, key ed25519.PrivateKey) []byte {
	unsigned := EncodeUnsignedOriginatorEnvelope(&UnsignedOriginatorEnvelope{
		PayerEnvelopeBytes: payerBytes,
		OriginatorID:       cur.Originator,
		SequenceID:         cur.Sequence,
		OriginatorNs:       ns,
	})
	env := &OriginatorEnvelope{UnsignedBytes: unsigned}
	if key != nil {
		env.OriginatorSignature = ed25519.Sign(key, unsigned)
	}
	return EncodeOriginatorEnvelope(env)
}
