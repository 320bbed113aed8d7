package security

import (
	"github.com/JoergVierling/eessi-as4.net/pkg/faults"
	"github.com/JoergVierling/eessi-as4.net/pkg/message"
	"github.com/JoergVierling/eessi-as4.net/pkg/pmode"
)

// Processor owns the security state of one envelope: whether it is
// signed and whether it is encrypted, and the strategies that can change
// either fact. Signing and encrypting happen at most once; verifying and
// decrypting an already-clean envelope are no-ops.
type Processor struct {
	envelope    Envelope
	signer      SigningStrategy
	encryptor   EncryptionStrategy
	isSigned    bool
	isEncrypted bool
}

// Envelope is the mutable pair the processor works on.
type Envelope struct {
	XML         []byte
	Attachments []Attachment
}

// NewProcessor starts from a locally built, unsecured envelope. Either
// strategy may be nil when the PMode never exercises it.
func NewProcessor(env Envelope, signer SigningStrategy, encryptor EncryptionStrategy) *Processor {
	return &Processor{envelope: env, signer: signer, encryptor: encryptor}
}

// NewReceivedProcessor starts from a wire envelope, deriving the
// signed/encrypted state by inspection.
func NewReceivedProcessor(env Envelope, signer SigningStrategy, encryptor EncryptionStrategy) (*Processor, error) {
	signed, encrypted, err := Inspect(env.XML)
	if err != nil {
		return nil, faults.ProtocolWrap(message.CodeInvalidHeader, "envelope cannot be inspected", err)
	}
	return &Processor{
		envelope:    env,
		signer:      signer,
		encryptor:   encryptor,
		isSigned:    signed,
		isEncrypted: encrypted,
	}, nil
}

// IsSigned reports whether the envelope currently carries a signature.
func (p *Processor) IsSigned() bool { return p.isSigned }

// IsEncrypted reports whether the envelope currently carries encrypted
// payloads.
func (p *Processor) IsEncrypted() bool { return p.isEncrypted }

// Envelope returns the current envelope state.
func (p *Processor) Envelope() Envelope { return p.envelope }

// Sign applies the signing strategy once; signing a signed envelope is a
// no-op.
func (p *Processor) Sign() error {
	if p.isSigned || p.signer == nil {
		return nil
	}
	signed, err := p.signer.Sign(p.envelope.XML)
	if err != nil {
		return faults.ProtocolWrap(message.CodePolicyNonCompliance, "signing failed", err)
	}
	p.envelope.XML = signed
	p.isSigned = true
	return nil
}

// Encrypt applies the encryption strategy once.
func (p *Processor) Encrypt() error {
	if p.isEncrypted || p.encryptor == nil {
		return nil
	}
	xml, atts, err := p.encryptor.Encrypt(p.envelope.XML, p.envelope.Attachments)
	if err != nil {
		return faults.ProtocolWrap(message.CodePolicyNonCompliance, "encryption failed", err)
	}
	p.envelope.XML = xml
	p.envelope.Attachments = atts
	p.isEncrypted = true
	return nil
}

// Verify checks the signature of a signed envelope; an unsigned envelope
// passes untouched.
func (p *Processor) Verify() error {
	if !p.isSigned {
		return nil
	}
	if p.signer == nil {
		return faults.Protocol(message.CodeFailedAuthentication, "signed message but no verification strategy configured")
	}
	if err := p.signer.Verify(p.envelope.XML); err != nil {
		return faults.ProtocolWrap(message.CodeFailedAuthentication, "signature verification failed", err)
	}
	return nil
}

// Decrypt restores encrypted payloads; a clean envelope passes untouched.
func (p *Processor) Decrypt() error {
	if !p.isEncrypted {
		return nil
	}
	if p.encryptor == nil {
		return faults.Protocol(message.CodeFailedDecryption, "encrypted message but no decryption strategy configured")
	}
	xml, atts, err := p.encryptor.Decrypt(p.envelope.XML, p.envelope.Attachments)
	if err != nil {
		return faults.ProtocolWrap(message.CodeFailedDecryption, "payload decryption failed", err)
	}
	p.envelope.XML = xml
	p.envelope.Attachments = atts
	p.isEncrypted = false
	return nil
}

// Enforce checks the envelope's current state against the expected
// policy of the matched receiving PMode.
func (p *Processor) Enforce(policy pmode.ExpectedPolicy) error {
	if err := enforceLevel(policy.Signing, p.isSigned, "signature"); err != nil {
		return err
	}
	return enforceLevel(policy.Encryption, p.isEncrypted, "encryption")
}

func enforceLevel(level pmode.RequirementLevel, present bool, feature string) error {
	switch level {
	case pmode.Required:
		if !present {
			return faults.Protocol(message.CodePolicyNonCompliance, "pmode requires "+feature+" but message carries none")
		}
	case pmode.NotAllowed:
		if present {
			return faults.Protocol(message.CodePolicyNonCompliance, "pmode forbids "+feature+" but message carries it")
		}
	}
	return nil
}
