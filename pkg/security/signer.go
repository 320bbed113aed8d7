package security

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"time"

	"github.com/beevik/etree"
	"github.com/leifj/signedxml"
	"github.com/pkg/errors"
)

// XMLDSigSigner is the default signing strategy: RSA-SHA256 XML-DSig
// with a BinarySecurityToken reference, delegated to signedxml for
// canonicalization and digest work.
type XMLDSigSigner struct {
	privateKey *rsa.PrivateKey
	cert       *x509.Certificate
}

// NewXMLDSigSigner builds the strategy; both key and certificate are
// mandatory.
func NewXMLDSigSigner(privateKey *rsa.PrivateKey, cert *x509.Certificate) (*XMLDSigSigner, error) {
	if privateKey == nil {
		return nil, errors.New("signing key is required")
	}
	if cert == nil {
		return nil, errors.New("signing certificate is required")
	}
	return &XMLDSigSigner{privateKey: privateKey, cert: cert}, nil
}

// Sign adds a wsse:Security header with timestamp, token and signature
// covering the timestamp, the body and the ebMS Messaging header.
func (s *XMLDSigSigner) Sign(envelope []byte) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(envelope); err != nil {
		return nil, errors.Wrap(err, "parsing envelope")
	}
	root := doc.Root()
	if root == nil {
		return nil, errors.New("envelope has no root element")
	}
	ensureNamespace(root, "xmlns:env", nsSOAP12)
	ensureNamespace(root, "xmlns:wsse", nsSecurityExt)
	ensureNamespace(root, "xmlns:wsu", nsSecurityUtil)

	header := findLocal(root, "Header")
	if header == nil {
		return nil, errors.New("envelope has no Header")
	}
	body := findLocal(root, "Body")
	if body == nil {
		return nil, errors.New("envelope has no Body")
	}

	sec := findLocal(header, "Security")
	if sec == nil {
		sec = header.CreateElement("wsse:Security")
		sec.CreateAttr("env:mustUnderstand", "true")
	}

	bstID := "X509-" + generateID()
	bst := sec.CreateElement("wsse:BinarySecurityToken")
	bst.CreateAttr("wsu:Id", bstID)
	bst.CreateAttr("EncodingType", "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary")
	bst.CreateAttr("ValueType", "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-x509-token-profile-1.0#X509v3")
	bst.SetText(base64.StdEncoding.EncodeToString(s.cert.Raw))

	tsID := "TS-" + generateID()
	ts := sec.CreateElement("wsu:Timestamp")
	ts.CreateAttr("wsu:Id", tsID)
	now := time.Now().UTC()
	ts.CreateElement("wsu:Created").SetText(now.Format("2006-01-02T15:04:05.000Z"))
	ts.CreateElement("wsu:Expires").SetText(now.Add(5 * time.Minute).Format("2006-01-02T15:04:05.000Z"))

	bodyID := wsuID(body)
	refIDs := []string{tsID, bodyID}
	if messaging := findLocal(header, "Messaging"); messaging != nil {
		refIDs = append(refIDs, wsuID(messaging))
	}

	sig := sec.CreateElement("ds:Signature")
	sig.CreateAttr("xmlns:ds", nsXMLDSig)
	signedInfo := sig.CreateElement("ds:SignedInfo")
	c14n := signedInfo.CreateElement("ds:CanonicalizationMethod")
	c14n.CreateAttr("Algorithm", "http://www.w3.org/2001/10/xml-exc-c14n#")
	method := signedInfo.CreateElement("ds:SignatureMethod")
	method.CreateAttr("Algorithm", "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256")
	for _, id := range refIDs {
		ref := signedInfo.CreateElement("ds:Reference")
		ref.CreateAttr("URI", "#"+id)
		transforms := ref.CreateElement("ds:Transforms")
		transform := transforms.CreateElement("ds:Transform")
		transform.CreateAttr("Algorithm", "http://www.w3.org/2001/10/xml-exc-c14n#")
		digest := ref.CreateElement("ds:DigestMethod")
		digest.CreateAttr("Algorithm", "http://www.w3.org/2001/04/xmlenc#sha256")
		ref.CreateElement("ds:DigestValue")
	}
	sig.CreateElement("ds:SignatureValue").SetText("placeholder")

	keyInfo := sig.CreateElement("ds:KeyInfo")
	str := keyInfo.CreateElement("wsse:SecurityTokenReference")
	tokenRef := str.CreateElement("wsse:Reference")
	tokenRef.CreateAttr("URI", "#"+bstID)
	tokenRef.CreateAttr("ValueType", "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-x509-token-profile-1.0#X509v3")

	xmlStr, err := doc.WriteToString()
	if err != nil {
		return nil, errors.Wrap(err, "serializing envelope")
	}
	signer, err := signedxml.NewSigner(xmlStr)
	if err != nil {
		return nil, errors.Wrap(err, "creating signer")
	}
	signer.SetReferenceIDAttribute("wsu:Id")
	signed, err := signer.Sign(s.privateKey)
	if err != nil {
		return nil, errors.Wrap(err, "signing envelope")
	}
	return []byte(signed), nil
}

// Verify validates the XML signature against the configured certificate.
func (s *XMLDSigSigner) Verify(envelope []byte) error {
	validator, err := signedxml.NewValidator(string(envelope))
	if err != nil {
		return errors.Wrap(err, "creating validator")
	}
	validator.Certificates = append(validator.Certificates, *s.cert)
	validator.SetReferenceIDAttribute("wsu:Id")
	if _, err := validator.ValidateReferences(); err != nil {
		return errors.Wrap(err, "signature validation")
	}
	return nil
}

func ensureNamespace(root *etree.Element, attr, uri string) {
	if root.SelectAttr(attr) == nil {
		root.CreateAttr(attr, uri)
	}
}

// findLocal resolves a direct child by local name, prefix-agnostic.
func findLocal(parent *etree.Element, name string) *etree.Element {
	if e := parent.FindElement("./" + name); e != nil {
		return e
	}
	return parent.FindElement("./*[local-name()='" + name + "']")
}

// wsuID returns the element's wsu:Id, creating one if absent.
func wsuID(e *etree.Element) string {
	if id := e.SelectAttrValue("wsu:Id", ""); id != "" {
		return id
	}
	id := "id-" + generateID()
	e.CreateAttr("wsu:Id", id)
	return id
}
