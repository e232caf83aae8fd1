package envelope

import (
	"github.com/pkg/errors"
)

// Visitor inspects each layer of an envelope in one decoding pass.
// Implementations receive every layer outermost-first, then exactly
// one payload callback.
type Visitor interface {
	VisitOriginator(env *OriginatorEnvelope) error
	VisitUnsignedOriginator(env *UnsignedOriginatorEnvelope) error
	VisitPayer(env *PayerEnvelope) error
	VisitClient(env *ClientEnvelope) error
	VisitGroupMessage(msg *GroupMessage) error
	VisitWelcomeMessage(msg *WelcomeMessage) error
	VisitKeyPackageUpload(msg *KeyPackageUpload) error
	VisitIdentityUpdate(msg *IdentityUpdate) error
}

// NopVisitor is a no-op base; embed it and override the layers of
// interest.
type NopVisitor struct{}

func (NopVisitor) VisitOriginator(*OriginatorEnvelope) error                 { return nil }
func (NopVisitor) VisitUnsignedOriginator(*UnsignedOriginatorEnvelope) error { return nil }
func (NopVisitor) VisitPayer(*PayerEnvelope) error                           { return nil }
func (NopVisitor) VisitClient(*ClientEnvelope) error                         { return nil }
func (NopVisitor) VisitGroupMessage(*GroupMessage) error                     { return nil }
func (NopVisitor) VisitWelcomeMessage(*WelcomeMessage) error                 { return nil }
func (NopVisitor) VisitKeyPackageUpload(*KeyPackageUpload) error             { return nil }
func (NopVisitor) VisitIdentityUpdate(*IdentityUpdate) error                 { return nil }

// combined drives several visitors in the same pass.
type combined struct {
	visitors []Visitor
}

// Extractors composes visitors by static aggregation so the envelope
// is decoded once no matter how many inspectors run.
func Extractors(visitors ...Visitor) Visitor {
	return &combined{visitors: visitors}
}

func (c *combined) each(fn func(Visitor) error) error {
	for _, v := range c.visitors {
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

func (c *combined) VisitOriginator(env *OriginatorEnvelope) error {
	return c.each(func(v Visitor) error { return v.VisitOriginator(env) })
}

func (c *combined) VisitUnsignedOriginator(env *UnsignedOriginatorEnvelope) error {
	return c.each(func(v Visitor) error { return v.VisitUnsignedOriginator(env) })
}

func (c *combined) VisitPayer(env *PayerEnvelope) error {
	return c.each(func(v Visitor) error { return v.VisitPayer(env) })
}

func (c *combined) VisitClient(env *ClientEnvelope) error {
	return c.each(func(v Visitor) error { return v.VisitClient(env) })
}

func (c *combined) VisitGroupMessage(msg *GroupMessage) error {
	return c.each(func(v Visitor) error { return v.VisitGroupMessage(msg) })
}

func (c *combined) VisitWelcomeMessage(msg *WelcomeMessage) error {
	return c.each(func(v Visitor) error { return v.VisitWelcomeMessage(msg) })
}

func (c *combined) VisitKeyPackageUpload(msg *KeyPackageUpload) error {
	return c.each(func(v Visitor) error { return v.VisitKeyPackageUpload(msg) })
}

func (c *combined) VisitIdentityUpdate(msg *IdentityUpdate) error {
	return c.each(func(v Visitor) error { return v.VisitIdentityUpdate(msg) })
}

// Accept decodes each layer of raw originator envelope bytes and
// drives the visitor through them.
func Accept(raw []byte, visitor Visitor) error {
	orig, err := DecodeOriginatorEnvelope(raw)
	if err != nil {
		return err
	}
	if err := visitor.VisitOriginator(orig); err != nil {
		return err
	}

	unsigned, err := DecodeUnsignedOriginatorEnvelope(orig.UnsignedBytes)
	if err != nil {
		return err
	}
	if err := visitor.VisitUnsignedOriginator(unsigned); err != nil {
		return err
	}

	payer, err := DecodePayerEnvelope(unsigned.PayerEnvelopeBytes)
	if err != nil {
		return err
	}
	if err := visitor.VisitPayer(payer); err != nil {
		return err
	}

	client, err := DecodeClientEnvelope(payer.ClientEnvelopeBytes)
	if err != nil {
		return err
	}
	if err := visitor.VisitClient(client); err != nil {
		return err
	}

	switch {
	case client.GroupMessage != nil:
		return visitor.VisitGroupMessage(client.GroupMessage)
	case client.WelcomeMessage != nil:
		return visitor.VisitWelcomeMessage(client.WelcomeMessage)
	case client.KeyPackageUpload != nil:
		return visitor.VisitKeyPackageUpload(client.KeyPackageUpload)
	case client.IdentityUpdate != nil:
		return visitor.VisitIdentityUpdate(client.IdentityUpdate)
	}
	return errors.Wrap(ErrMalformedEnvelope, "client envelope without payload")
}
