package security

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"

	"github.com/beevik/etree"
	"github.com/leifj/signedxml/xmlenc"
	"github.com/pkg/errors"
)

const octetStream = "application/octet-stream"

// X25519Encryptor is the default encryption strategy: attachment
// payloads are encrypted with a fresh AES-128-GCM content key, which is
// wrapped for the recipient via X25519 key agreement and carried in an
// xenc:EncryptedKey element inside the security header.
type X25519Encryptor struct {
	recipientPublic *ecdh.PublicKey
	localPrivate    *ecdh.PrivateKey
	hkdfInfo        []byte
}

// NewX25519Encryptor builds the strategy. recipientPublic is needed for
// Encrypt, localPrivate for Decrypt; either may be nil on a one-way node.
func NewX25519Encryptor(recipientPublic *ecdh.PublicKey, localPrivate *ecdh.PrivateKey, hkdfInfo []byte) *X25519Encryptor {
	if hkdfInfo == nil {
		hkdfInfo = []byte("AS4 payload encryption")
	}
	return &X25519Encryptor{
		recipientPublic: recipientPublic,
		localPrivate:    localPrivate,
		hkdfInfo:        hkdfInfo,
	}
}

// Encrypt replaces every attachment body with its AES-GCM ciphertext and
// records the wrapped content key in the envelope's security header.
func (e *X25519Encryptor) Encrypt(envelope []byte, attachments []Attachment) ([]byte, []Attachment, error) {
	if e.recipientPublic == nil {
		return nil, nil, errors.New("recipient public key is required for encryption")
	}
	if len(attachments) == 0 {
		return envelope, attachments, nil
	}

	cek := make([]byte, xmlenc.KeySize(xmlenc.AlgorithmAES128GCM))
	if _, err := rand.Read(cek); err != nil {
		return nil, nil, errors.Wrap(err, "generating content key")
	}

	agreement, err := xmlenc.NewX25519KeyAgreement(e.recipientPublic, xmlenc.DefaultHKDFParams(e.hkdfInfo))
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating key agreement")
	}
	wrapped, err := agreement.WrapKey(cek, xmlenc.KeyWrapAlgorithmForContentAlgorithm(xmlenc.AlgorithmAES128GCM))
	if err != nil {
		return nil, nil, errors.Wrap(err, "wrapping content key")
	}

	out := make([]Attachment, len(attachments))
	refs := make([]xmlenc.DataReference, len(attachments))
	for i, att := range attachments {
		ciphertext, err := xmlenc.AESGCMEncrypt(cek, att.Data, nil)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "encrypting attachment %s", att.ContentID)
		}
		out[i] = Attachment{ContentID: att.ContentID, MimeType: octetStream, Data: ciphertext}
		refs[i] = xmlenc.DataReference{URI: "cid:" + att.ContentID}
	}
	wrapped.ReferenceList = refs

	withKey, err := e.addEncryptedKey(envelope, wrapped)
	if err != nil {
		return nil, nil, err
	}
	return withKey, out, nil
}

// Decrypt unwraps the content key from the security header and restores
// every attachment body.
func (e *X25519Encryptor) Decrypt(envelope []byte, attachments []Attachment) ([]byte, []Attachment, error) {
	if e.localPrivate == nil {
		return nil, nil, errors.New("local private key is required for decryption")
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(envelope); err != nil {
		return nil, nil, errors.Wrap(err, "parsing envelope")
	}
	encKeyElem := doc.FindElement("//*[local-name()='EncryptedKey']")
	if encKeyElem == nil {
		return envelope, attachments, nil
	}

	cek, err := e.unwrapContentKey(encKeyElem)
	if err != nil {
		return nil, nil, err
	}

	out := make([]Attachment, len(attachments))
	for i, att := range attachments {
		plaintext, err := xmlenc.AESGCMDecrypt(cek, att.Data, nil)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "decrypting attachment %s", att.ContentID)
		}
		out[i] = Attachment{ContentID: att.ContentID, MimeType: att.MimeType, Data: plaintext}
	}

	encKeyElem.Parent().RemoveChild(encKeyElem)
	stripped, err := doc.WriteToBytes()
	if err != nil {
		return nil, nil, errors.Wrap(err, "serializing envelope")
	}
	return stripped, out, nil
}

// addEncryptedKey writes the wrapped key into wsse:Security, creating
// the header when the message is not signed.
func (e *X25519Encryptor) addEncryptedKey(envelope []byte, wrapped *xmlenc.EncryptedKey) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(envelope); err != nil {
		return nil, errors.Wrap(err, "parsing envelope")
	}
	root := doc.Root()
	if root == nil {
		return nil, errors.New("envelope has no root element")
	}
	header := findLocal(root, "Header")
	if header == nil {
		return nil, errors.New("envelope has no Header")
	}
	sec := findLocal(header, "Security")
	if sec == nil {
		ensureNamespace(root, "xmlns:wsse", nsSecurityExt)
		sec = header.CreateElement("wsse:Security")
	}

	ek := sec.CreateElement("xenc:EncryptedKey")
	ek.CreateAttr("xmlns:xenc", nsXMLEnc)
	ek.CreateAttr("Id", "EK-"+generateID())
	ek.CreateElement("xenc:EncryptionMethod").
		CreateAttr("Algorithm", wrapped.EncryptionMethod.Algorithm)

	if am := wrapped.KeyInfo.AgreementMethod; am != nil {
		keyInfo := ek.CreateElement("ds:KeyInfo")
		keyInfo.CreateAttr("xmlns:ds", nsXMLDSig)
		agreement := keyInfo.CreateElement("xenc:AgreementMethod")
		agreement.CreateAttr("Algorithm", am.Algorithm)
		if am.OriginatorKeyInfo != nil && am.OriginatorKeyInfo.KeyValue != nil &&
			am.OriginatorKeyInfo.KeyValue.ECKeyValue != nil {
			originator := agreement.CreateElement("xenc:OriginatorKeyInfo")
			originator.CreateElement("xenc:PublicKey").SetText(
				base64.StdEncoding.EncodeToString(am.OriginatorKeyInfo.KeyValue.ECKeyValue.PublicKey))
		}
	}

	cipherData := ek.CreateElement("xenc:CipherData")
	cipherData.CreateElement("xenc:CipherValue").SetText(
		base64.StdEncoding.EncodeToString(wrapped.CipherData.CipherValue))

	refList := ek.CreateElement("xenc:ReferenceList")
	for _, ref := range wrapped.ReferenceList {
		refList.CreateElement("xenc:DataReference").CreateAttr("URI", ref.URI)
	}

	return doc.WriteToBytes()
}

// unwrapContentKey rebuilds the xmlenc structures from the element and
// recovers the content key with the local private key.
func (e *X25519Encryptor) unwrapContentKey(elem *etree.Element) ([]byte, error) {
	pubElem := elem.FindElement(".//*[local-name()='PublicKey']")
	if pubElem == nil {
		return nil, errors.New("encrypted key misses originator public key")
	}
	pubBytes, err := base64.StdEncoding.DecodeString(pubElem.Text())
	if err != nil {
		return nil, errors.Wrap(err, "decoding originator public key")
	}
	ephemeral, err := xmlenc.ParseX25519PublicKey(pubBytes)
	if err != nil {
		return nil, errors.Wrap(err, "parsing originator public key")
	}

	cipherElem := elem.FindElement(".//*[local-name()='CipherValue']")
	if cipherElem == nil {
		return nil, errors.New("encrypted key misses cipher value")
	}
	cipher, err := base64.StdEncoding.DecodeString(cipherElem.Text())
	if err != nil {
		return nil, errors.Wrap(err, "decoding wrapped key")
	}

	methodElem := elem.FindElement("./*[local-name()='EncryptionMethod']")
	algorithm := xmlenc.KeyWrapAlgorithmForContentAlgorithm(xmlenc.AlgorithmAES128GCM)
	if methodElem != nil {
		if a := methodElem.SelectAttrValue("Algorithm", ""); a != "" {
			algorithm = a
		}
	}

	agreement := xmlenc.NewX25519KeyAgreementForDecrypt(e.localPrivate, ephemeral, xmlenc.DefaultHKDFParams(e.hkdfInfo))
	cek, err := agreement.UnwrapKey(&xmlenc.EncryptedKey{
		EncryptedType: xmlenc.EncryptedType{
			EncryptionMethod: &xmlenc.EncryptionMethod{Algorithm: algorithm},
			CipherData:       &xmlenc.CipherData{CipherValue: cipher},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "unwrapping content key")
	}
	return cek, nil
}
