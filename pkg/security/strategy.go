package security

// Attachment is a MIME payload flowing through security processing.
type Attachment struct {
	ContentID string
	MimeType  string
	Data      []byte
}

// SigningStrategy signs and verifies SOAP envelopes.
type SigningStrategy interface {
	// Sign returns the envelope with a WS-Security signature applied.
	Sign(envelope []byte) ([]byte, error)
	// Verify checks the envelope's signature against the configured
	// trust material.
	Verify(envelope []byte) error
}

// EncryptionStrategy encrypts and decrypts attachment payloads, keying
// them through the envelope's security header.
type EncryptionStrategy interface {
	// Encrypt returns the envelope with key material added and the
	// attachments replaced by their ciphertext.
	Encrypt(envelope []byte, attachments []Attachment) ([]byte, []Attachment, error)
	// Decrypt reverses Encrypt using the local private key.
	Decrypt(envelope []byte, attachments []Attachment) ([]byte, []Attachment, error)
}
