/*
Package security orchestrates WS-Security processing of AS4 envelopes.

A Processor tracks two independent facts about the envelope it owns,
whether it is signed and whether it is encrypted, and enforces the
three-valued requirement policy of the matched receiving PMode. The
actual cryptography is delegated to pluggable strategies; the defaults
sign with XML-DSig through signedxml and encrypt attachment payloads
with X25519 key agreement and AES-GCM.
*/
package security

import (
	"crypto/rand"
	"encoding/hex"
)

// Namespaces used when building and inspecting security headers.
const (
	nsSOAP12       = "http://www.w3.org/2003/05/soap-envelope"
	nsSecurityExt  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	nsSecurityUtil = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	nsXMLDSig      = "http://www.w3.org/2000/09/xmldsig#"
	nsXMLEnc       = "http://www.w3.org/2001/04/xmlenc#"
)

// generateID returns a random hex id for XML elements; hex avoids
// characters that trip XPointer processing.
func generateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
