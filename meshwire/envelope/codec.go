package envelope

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/krew-solutions/meshwire-go/meshwire/cursor"
)

// Terminal validation failures. These are fatal to the envelope and
// never retried.
var (
	ErrMalformedEnvelope = errors.New("envelope: malformed")
	ErrBadSignature      = errors.New("envelope: bad signature")
	ErrUnknownTopic      = errors.New("envelope: unknown topic")
)

// Field numbers per layer. The encoding is standard protobuf wire
// format written by hand; there is no generated code to drift from.
const (
	fdAadTargetTopic = 1
	fdAadDependsOn   = 2
	fdAadIsCommit    = 3

	fdClockEntry      = 1
	fdCursorOriginator = 1
	fdCursorSequence   = 2

	fdClientAad              = 1
	fdClientGroupMessage     = 2
	fdClientWelcomeMessage   = 3
	fdClientKeyPackageUpload = 4
	fdClientIdentityUpdate   = 5

	fdGroupMsgGroupID    = 1
	fdGroupMsgData       = 2
	fdGroupMsgSenderHmac = 3
	fdGroupMsgShouldPush = 4

	fdWelcomeInstallationKey  = 1
	fdWelcomeData             = 2
	fdWelcomeWrapperPublicKey = 3
	fdWelcomeWrapperAlgorithm = 4

	fdKpInstallationKey = 1
	fdKpKeyPackageTLS   = 2

	fdIdentityInboxID = 1
	fdIdentityPayload = 2

	fdPayerClientBytes      = 1
	fdPayerSignature        = 2
	fdPayerTargetOriginator = 3
	fdPayerRetentionDays    = 4

	fdUnsignedPayerBytes   = 1
	fdUnsignedOriginatorID = 2
	fdUnsignedSequenceID   = 3
	fdUnsignedOriginatorNs = 4

	fdOriginatorUnsignedBytes = 1
	fdOriginatorSignature     = 2
)

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func encodeClock(clock cursor.Clock) []byte {
	var b []byte
	for _, c := range clock.Sorted() {
		var entry []byte
		entry = appendVarintField(entry, fdCursorOriginator, uint64(c.Originator))
		entry = appendVarintField(entry, fdCursorSequence, uint64(c.Sequence))
		b = appendBytesField(b, fdClockEntry, entry)
	}
	return b
}

func decodeClock(b []byte) (cursor.Clock, error) {
	clock := cursor.NewClock()
	err := eachField(b, func(num protowire.Number, typ protowire.Type, payload []byte, varint uint64) error {
		if num != fdClockEntry || typ != protowire.BytesType {
			return nil
		}
		var cur cursor.Cursor
		err := eachField(payload, func(n protowire.Number, t protowire.Type, _ []byte, v uint64) error {
			switch n {
			case fdCursorOriginator:
				cur.Originator = cursor.OriginatorID(v)
			case fdCursorSequence:
				cur.Sequence = cursor.SequenceID(v)
			}
			return nil
		})
		if err != nil {
			return err
		}
		clock.Merge(cursor.ClockOf(cur))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return clock, nil
}

// eachField walks one protobuf message, invoking fn per field. Bytes
// fields pass payload; varint fields pass varint. Unknown fields are
// skipped, truncation is malformed.
func eachField(b []byte, fn func(num protowire.Number, typ protowire.Type, payload []byte, varint uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(ErrMalformedEnvelope, "bad tag")
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			payload, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.Wrap(ErrMalformedEnvelope, "bad length-delimited field")
			}
			if err := fn(num, typ, payload, 0); err != nil {
				return err
			}
			b = b[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errors.Wrap(ErrMalformedEnvelope, "bad varint")
			}
			if err := fn(num, typ, nil, v); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errors.Wrap(ErrMalformedEnvelope, "bad field")
			}
			b = b[n:]
		}
	}
	return nil
}

// EncodeClientEnvelope renders the client envelope to its canonical
// byte form. These exact bytes are what the payer layer signs.
func EncodeClientEnvelope(env *ClientEnvelope) ([]byte, error) {
	set := 0
	for _, present := range []bool{
		env.GroupMessage != nil,
		env.WelcomeMessage != nil,
		env.KeyPackageUpload != nil,
		env.IdentityUpdate != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return nil, errors.Wrapf(ErrMalformedEnvelope, "client envelope carries %d payloads", set)
	}

	var aad []byte
	aad = appendBytesField(aad, fdAadTargetTopic, env.Aad.TargetTopic)
	aad = appendBytesField(aad, fdAadDependsOn, encodeClock(env.Aad.DependsOn))
	if env.Aad.IsCommit {
		aad = appendVarintField(aad, fdAadIsCommit, 1)
	}

	var b []byte
	b = appendBytesField(b, fdClientAad, aad)

	switch {
	case env.GroupMessage != nil:
		m := env.GroupMessage
		var p []byte
		p = appendBytesField(p, fdGroupMsgGroupID, m.GroupID)
		p = appendBytesField(p, fdGroupMsgData, m.Data)
		p = appendBytesField(p, fdGroupMsgSenderHmac, m.SenderHmac)
		if m.ShouldPush {
			p = appendVarintField(p, fdGroupMsgShouldPush, 1)
		}
		b = appendBytesField(b, fdClientGroupMessage, p)
	case env.WelcomeMessage != nil:
		m := env.WelcomeMessage
		var p []byte
		p = appendBytesField(p, fdWelcomeInstallationKey, m.InstallationKey)
		p = appendBytesField(p, fdWelcomeData, m.Data)
		p = appendBytesField(p, fdWelcomeWrapperPublicKey, m.WrapperPublicKey)
		p = appendVarintField(p, fdWelcomeWrapperAlgorithm, uint64(m.WrapperAlgorithm))
		b = appendBytesField(b, fdClientWelcomeMessage, p)
	case env.KeyPackageUpload != nil:
		m := env.KeyPackageUpload
		var p []byte
		p = appendBytesField(p, fdKpInstallationKey, m.InstallationKey)
		p = appendBytesField(p, fdKpKeyPackageTLS, m.KeyPackageTLS)
		b = appendBytesField(b, fdClientKeyPackageUpload, p)
	case env.IdentityUpdate != nil:
		m := env.IdentityUpdate
		var p []byte
		p = appendBytesField(p, fdIdentityInboxID, []byte(m.InboxID))
		p = appendBytesField(p, fdIdentityPayload, m.Payload)
		b = appendBytesField(b, fdClientIdentityUpdate, p)
	}
	return b, nil
}

func DecodeClientEnvelope(b []byte) (*ClientEnvelope, error) {
	env := &ClientEnvelope{Aad: AuthenticatedData{DependsOn: cursor.NewClock()}}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, payload []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fdClientAad:
			return decodeAad(payload, &env.Aad)
		case fdClientGroupMessage:
			m := &GroupMessage{}
			if err := decodeGroupMessage(payload, m); err != nil {
				return err
			}
			env.GroupMessage = m
		case fdClientWelcomeMessage:
			m := &WelcomeMessage{}
			if err := decodeWelcomeMessage(payload, m); err != nil {
				return err
			}
			env.WelcomeMessage = m
		case fdClientKeyPackageUpload:
			m := &KeyPackageUpload{}
			if err := decodeKeyPackageUpload(payload, m); err != nil {
				return err
			}
			env.KeyPackageUpload = m
		case fdClientIdentityUpdate:
			m := &IdentityUpdate{}
			if err := decodeIdentityUpdate(payload, m); err != nil {
				return err
			}
			env.IdentityUpdate = m
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

func decodeAad(b []byte, aad *AuthenticatedData) error {
	return eachField(b, func(num protowire.Number, typ protowire.Type, payload []byte, v uint64) error {
		switch num {
		case fdAadTargetTopic:
			aad.TargetTopic = payload
		case fdAadDependsOn:
			clock, err := decodeClock(payload)
			if err != nil {
				return err
			}
			aad.DependsOn = clock
		case fdAadIsCommit:
			aad.IsCommit = v != 0
		}
		return nil
	})
}

func decodeGroupMessage(b []byte, m *GroupMessage) error {
	return eachField(b, func(num protowire.Number, _ protowire.Type, payload []byte, v uint64) error {
		switch num {
		case fdGroupMsgGroupID:
			m.GroupID = payload
		case fdGroupMsgData:
			m.Data = payload
		case fdGroupMsgSenderHmac:
			m.SenderHmac = payload
		case fdGroupMsgShouldPush:
			m.ShouldPush = v != 0
		}
		return nil
	})
}

func decodeWelcomeMessage(b []byte, m *WelcomeMessage) error {
	return eachField(b, func(num protowire.Number, _ protowire.Type, payload []byte, v uint64) error {
		switch num {
		case fdWelcomeInstallationKey:
			m.InstallationKey = payload
		case fdWelcomeData:
			m.Data = payload
		case fdWelcomeWrapperPublicKey:
			m.WrapperPublicKey = payload
		case fdWelcomeWrapperAlgorithm:
			m.WrapperAlgorithm = uint32(v)
		}
		return nil
	})
}

func decodeKeyPackageUpload(b []byte, m *KeyPackageUpload) error {
	return eachField(b, func(num protowire.Number, _ protowire.Type, payload []byte, _ uint64) error {
		switch num {
		case fdKpInstallationKey:
			m.InstallationKey = payload
		case fdKpKeyPackageTLS:
			m.KeyPackageTLS = payload
		}
		return nil
	})
}

func decodeIdentityUpdate(b []byte, m *IdentityUpdate) error {
	return eachField(b, func(num protowire.Number, _ protowire.Type, payload []byte, _ uint64) error {
		switch num {
		case fdIdentityInboxID:
			m.InboxID = string(payload)
		case fdIdentityPayload:
			m.Payload = payload
		}
		return nil
	})
}

func EncodePayerEnvelope(env *PayerEnvelope) []byte {
	var b []byte
	b = appendBytesField(b, fdPayerClientBytes, env.ClientEnvelopeBytes)
	b = appendBytesField(b, fdPayerSignature, env.PayerSignature)
	b = appendVarintField(b, fdPayerTargetOriginator, uint64(env.TargetOriginator))
	b = appendVarintField(b, fdPayerRetentionDays, uint64(env.MessageRetentionDays))
	return b
}

func DecodePayerEnvelope(b []byte) (*PayerEnvelope, error) {
	env := &PayerEnvelope{}
	err := eachField(b, func(num protowire.Number, _ protowire.Type, payload []byte, v uint64) error {
		switch num {
		case fdPayerClientBytes:
			env.ClientEnvelopeBytes = payload
		case fdPayerSignature:
			env.PayerSignature = payload
		case fdPayerTargetOriginator:
			env.TargetOriginator = uint32(v)
		case fdPayerRetentionDays:
			env.MessageRetentionDays = uint32(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

func EncodeUnsignedOriginatorEnvelope(env *UnsignedOriginatorEnvelope) []byte {
	var b []byte
	b = appendBytesField(b, fdUnsignedPayerBytes, env.PayerEnvelopeBytes)
	b = appendVarintField(b, fdUnsignedOriginatorID, uint64(env.OriginatorID))
	b = appendVarintField(b, fdUnsignedSequenceID, uint64(env.SequenceID))
	b = appendVarintField(b, fdUnsignedOriginatorNs, uint64(env.OriginatorNs))
	return b
}

func DecodeUnsignedOriginatorEnvelope(b []byte) (*UnsignedOriginatorEnvelope, error) {
	env := &UnsignedOriginatorEnvelope{}
	err := eachField(b, func(num protowire.Number, _ protowire.Type, payload []byte, v uint64) error {
		switch num {
		case fdUnsignedPayerBytes:
			env.PayerEnvelopeBytes = payload
		case fdUnsignedOriginatorID:
			env.OriginatorID = cursor.OriginatorID(v)
		case fdUnsignedSequenceID:
			env.SequenceID = cursor.SequenceID(v)
		case fdUnsignedOriginatorNs:
			env.OriginatorNs = int64(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

func EncodeOriginatorEnvelope(env *OriginatorEnvelope) []byte {
	var b []byte
	b = appendBytesField(b, fdOriginatorUnsignedBytes, env.UnsignedBytes)
	b = appendBytesField(b, fdOriginatorSignature, env.OriginatorSignature)
	return b
}

func DecodeOriginatorEnvelope(b []byte) (*OriginatorEnvelope, error) {
	if len(b) == 0 {
		return nil, errors.Wrap(ErrMalformedEnvelope, "empty envelope")
	}
	env := &OriginatorEnvelope{}
	err := eachField(b, func(num protowire.Number, _ protowire.Type, payload []byte, _ uint64) error {
		switch num {
		case fdOriginatorUnsignedBytes:
			env.UnsignedBytes = payload
		case fdOriginatorSignature:
			env.OriginatorSignature = payload
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(env.UnsignedBytes) == 0 {
		return nil, errors.Wrap(ErrMalformedEnvelope, "missing unsigned originator envelope")
	}
	return env, nil
}
