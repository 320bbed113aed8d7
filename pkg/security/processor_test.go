package security

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoergVierling/eessi-as4.net/pkg/faults"
	"github.com/JoergVierling/eessi-as4.net/pkg/message"
	"github.com/JoergVierling/eessi-as4.net/pkg/pmode"
)

type fakeSigner struct {
	signCalls   int
	verifyCalls int
	verifyErr   error
}

func (f *fakeSigner) Sign(envelope []byte) ([]byte, error) {
	f.signCalls++
	return append([]byte("signed:"), envelope...), nil
}

func (f *fakeSigner) Verify([]byte) error {
	f.verifyCalls++
	return f.verifyErr
}

type fakeEncryptor struct {
	encryptCalls int
	decryptCalls int
}

func (f *fakeEncryptor) Encrypt(env []byte, atts []Attachment) ([]byte, []Attachment, error) {
	f.encryptCalls++
	return env, atts, nil
}

func (f *fakeEncryptor) Decrypt(env []byte, atts []Attachment) ([]byte, []Attachment, error) {
	f.decryptCalls++
	return env, atts, nil
}

const plainEnvelope = `<?xml version="1.0"?>
<env:Envelope xmlns:env="http://www.w3.org/2003/05/soap-envelope">
  <env:Header>
    <eb:Messaging xmlns:eb="http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/"/>
  </env:Header>
  <env:Body/>
</env:Envelope>`

const signedEnvelope = `<?xml version="1.0"?>
<env:Envelope xmlns:env="http://www.w3.org/2003/05/soap-envelope"
    xmlns:wsse="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd">
  <env:Header>
    <wsse:Security>
      <ds:Signature xmlns:ds="http://www.w3.org/2000/09/xmldsig#"/>
    </wsse:Security>
  </env:Header>
  <env:Body/>
</env:Envelope>`

const encryptedEnvelope = `<?xml version="1.0"?>
<env:Envelope xmlns:env="http://www.w3.org/2003/05/soap-envelope"
    xmlns:wsse="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd">
  <env:Header>
    <wsse:Security>
      <xenc:EncryptedKey xmlns:xenc="http://www.w3.org/2001/04/xmlenc#"/>
    </wsse:Security>
  </env:Header>
  <env:Body/>
</env:Envelope>`

func TestInspect(t *testing.T) {
	cases := []struct {
		name      string
		envelope  string
		signed    bool
		encrypted bool
	}{
		{"plain", plainEnvelope, false, false},
		{"signed", signedEnvelope, true, false},
		{"encrypted", encryptedEnvelope, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			signed, encrypted, err := Inspect([]byte(tc.envelope))
			require.NoError(t, err)
			assert.Equal(t, tc.signed, signed)
			assert.Equal(t, tc.encrypted, encrypted)
		})
	}
}

func TestProcessor_SignsExactlyOnce(t *testing.T) {
	signer := &fakeSigner{}
	p := NewProcessor(Envelope{XML: []byte(plainEnvelope)}, signer, nil)

	require.NoError(t, p.Sign())
	require.NoError(t, p.Sign())

	assert.Equal(t, 1, signer.signCalls)
	assert.True(t, p.IsSigned())
}

func TestProcessor_EncryptsExactlyOnce(t *testing.T) {
	enc := &fakeEncryptor{}
	p := NewProcessor(Envelope{XML: []byte(plainEnvelope)}, nil, enc)

	require.NoError(t, p.Encrypt())
	require.NoError(t, p.Encrypt())

	assert.Equal(t, 1, enc.encryptCalls)
	assert.True(t, p.IsEncrypted())
}

func TestProcessor_VerifyAndDecryptAreIdempotentOnCleanEnvelope(t *testing.T) {
	signer := &fakeSigner{}
	enc := &fakeEncryptor{}
	p, err := NewReceivedProcessor(Envelope{XML: []byte(plainEnvelope)}, signer, enc)
	require.NoError(t, err)

	require.NoError(t, p.Verify())
	require.NoError(t, p.Decrypt())
	assert.Zero(t, signer.verifyCalls)
	assert.Zero(t, enc.decryptCalls)
}

func TestProcessor_VerifyFailureIsAuthenticationError(t *testing.T) {
	signer := &fakeSigner{verifyErr: errors.New("bad digest")}
	p, err := NewReceivedProcessor(Envelope{XML: []byte(signedEnvelope)}, signer, nil)
	require.NoError(t, err)
	require.True(t, p.IsSigned())

	err = p.Verify()
	require.Error(t, err)
	pe, ok := faults.AsProtocol(err)
	require.True(t, ok)
	assert.Equal(t, message.CodeFailedAuthentication, pe.Code)
}

func TestProcessor_DecryptFlipsEncryptedOff(t *testing.T) {
	enc := &fakeEncryptor{}
	p, err := NewReceivedProcessor(Envelope{XML: []byte(encryptedEnvelope)}, nil, enc)
	require.NoError(t, err)
	require.True(t, p.IsEncrypted())

	require.NoError(t, p.Decrypt())
	assert.False(t, p.IsEncrypted())
	assert.Equal(t, 1, enc.decryptCalls)

	// Second decrypt finds a clean envelope.
	require.NoError(t, p.Decrypt())
	assert.Equal(t, 1, enc.decryptCalls)
}

func TestProcessor_Enforce(t *testing.T) {
	cases := []struct {
		name     string
		envelope string
		policy   pmode.ExpectedPolicy
		wantErr  bool
	}{
		{
			name:     "required signing absent",
			envelope: plainEnvelope,
			policy:   pmode.ExpectedPolicy{Signing: pmode.Required, Encryption: pmode.Allowed},
			wantErr:  true,
		},
		{
			name:     "forbidden signing present",
			envelope: signedEnvelope,
			policy:   pmode.ExpectedPolicy{Signing: pmode.NotAllowed, Encryption: pmode.Allowed},
			wantErr:  true,
		},
		{
			name:     "allowed passes either way",
			envelope: signedEnvelope,
			policy:   pmode.ExpectedPolicy{Signing: pmode.Allowed, Encryption: pmode.Allowed},
		},
		{
			name:     "required encryption present",
			envelope: encryptedEnvelope,
			policy:   pmode.ExpectedPolicy{Signing: pmode.Allowed, Encryption: pmode.Required},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := NewReceivedProcessor(Envelope{XML: []byte(tc.envelope)}, nil, nil)
			require.NoError(t, err)

			err = p.Enforce(tc.policy)
			if tc.wantErr {
				require.Error(t, err)
				pe, ok := faults.AsProtocol(err)
				require.True(t, ok)
				assert.Equal(t, message.CodePolicyNonCompliance, pe.Code)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestProcessor_MissingStrategyOnSecuredMessage(t *testing.T) {
	p, err := NewReceivedProcessor(Envelope{XML: []byte(signedEnvelope)}, nil, nil)
	require.NoError(t, err)
	assert.Error(t, p.Verify())

	p, err = NewReceivedProcessor(Envelope{XML: []byte(encryptedEnvelope)}, nil, nil)
	require.NoError(t, err)
	assert.Error(t, p.Decrypt())
}
