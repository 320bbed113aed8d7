package msh

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoergVierling/eessi-as4.net/internal/config"
)

func writePEMFile(t *testing.T, dir, name, blockType string, der []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoadSecurity_BuildsBothStrategies(t *testing.T) {
	dir := t.TempDir()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "msh-node"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &rsaKey.PublicKey, rsaKey)
	require.NoError(t, err)

	ecdhKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	pkcs8, err := x509.MarshalPKCS8PrivateKey(ecdhKey)
	require.NoError(t, err)
	pub, err := x509.MarshalPKIXPublicKey(ecdhKey.PublicKey())
	require.NoError(t, err)

	var cfg config.SecurityConfig
	cfg.Signing.CertFile = writePEMFile(t, dir, "sign.crt", "CERTIFICATE", certDER)
	cfg.Signing.KeyFile = writePEMFile(t, dir, "sign.key", "RSA PRIVATE KEY",
		x509.MarshalPKCS1PrivateKey(rsaKey))
	cfg.Encryption.RecipientPublicKeyFile = writePEMFile(t, dir, "peer.pub", "PUBLIC KEY", pub)
	cfg.Encryption.PrivateKeyFile = writePEMFile(t, dir, "enc.key", "PRIVATE KEY", pkcs8)

	signer, encryptor, err := loadSecurity(cfg)
	require.NoError(t, err)
	assert.NotNil(t, signer)
	assert.NotNil(t, encryptor)
}

func TestLoadSecurity_EmptySectionsLeaveStrategiesNil(t *testing.T) {
	signer, encryptor, err := loadSecurity(config.SecurityConfig{})
	require.NoError(t, err)
	assert.Nil(t, signer)
	assert.Nil(t, encryptor)
}

func TestLoadSecurity_RejectsNonX25519RecipientKey(t *testing.T) {
	dir := t.TempDir()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pub, err := x509.MarshalPKIXPublicKey(&rsaKey.PublicKey)
	require.NoError(t, err)

	var cfg config.SecurityConfig
	cfg.Encryption.RecipientPublicKeyFile = writePEMFile(t, dir, "peer.pub", "PUBLIC KEY", pub)

	_, _, err = loadSecurity(cfg)
	assert.Error(t, err)
}

func TestLoadSecurity_RejectsMissingKeyFile(t *testing.T) {
	var cfg config.SecurityConfig
	cfg.Signing.CertFile = filepath.Join(t.TempDir(), "vanished.crt")
	cfg.Signing.KeyFile = filepath.Join(t.TempDir(), "vanished.key")

	_, _, err := loadSecurity(cfg)
	assert.Error(t, err)
}
