package msh

import (
	"crypto/ecdh"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/pkg/errors"

	"github.com/JoergVierling/eessi-as4.net/internal/config"
	"github.com/JoergVierling/eessi-as4.net/pkg/security"
)

// loadSecurity builds the node's signing and encryption strategies from
// the settings' key material. Sections left empty yield nil strategies;
// PModes enabling the corresponding policy then fail at send time
// instead of going out unsecured.
func loadSecurity(cfg config.SecurityConfig) (security.SigningStrategy, security.EncryptionStrategy, error) {
	var signer security.SigningStrategy
	if cfg.Signing.CertFile != "" {
		s, err := loadSigner(cfg.Signing.CertFile, cfg.Signing.KeyFile)
		if err != nil {
			return nil, nil, errors.Wrap(err, "loading signing key material")
		}
		signer = s
	}

	enc := cfg.Encryption
	if enc.RecipientPublicKeyFile == "" && enc.PrivateKeyFile == "" {
		return signer, nil, nil
	}

	var recipient *ecdh.PublicKey
	if enc.RecipientPublicKeyFile != "" {
		block, err := readPEM(enc.RecipientPublicKeyFile, "PUBLIC KEY")
		if err != nil {
			return nil, nil, errors.Wrap(err, "loading recipient encryption key")
		}
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, nil, errors.Wrap(err, "parsing recipient encryption key")
		}
		pub, ok := parsed.(*ecdh.PublicKey)
		if !ok {
			return nil, nil, errors.Errorf("recipient encryption key is %T, want X25519", parsed)
		}
		recipient = pub
	}

	var private *ecdh.PrivateKey
	if enc.PrivateKeyFile != "" {
		block, err := readPEM(enc.PrivateKeyFile, "PRIVATE KEY")
		if err != nil {
			return nil, nil, errors.Wrap(err, "loading decryption key")
		}
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, nil, errors.Wrap(err, "parsing decryption key")
		}
		key, ok := parsed.(*ecdh.PrivateKey)
		if !ok {
			return nil, nil, errors.Errorf("decryption key is %T, want X25519", parsed)
		}
		private = key
	}

	return signer, security.NewX25519Encryptor(recipient, private, nil), nil
}

func loadSigner(certFile, keyFile string) (*security.XMLDSigSigner, error) {
	certBlock, err := readPEM(certFile, "CERTIFICATE")
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parsing signing certificate")
	}

	keyBlock, err := readPEM(keyFile, "")
	if err != nil {
		return nil, err
	}
	key, err := parseRSAKey(keyBlock.Bytes)
	if err != nil {
		return nil, err
	}
	return security.NewXMLDSigSigner(key, cert)
}

// parseRSAKey accepts both PKCS#1 and PKCS#8 encodings.
func parseRSAKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, errors.Wrap(err, "parsing signing key")
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.Errorf("signing key is %T, want RSA", parsed)
	}
	return key, nil
}

// readPEM reads the first PEM block of a file; wantType "" accepts any
// block type.
func readPEM(path, wantType string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Errorf("%s holds no PEM data", path)
	}
	if wantType != "" && block.Type != wantType {
		return nil, errors.Errorf("%s holds a %q block, want %q", path, block.Type, wantType)
	}
	return block, nil
}
