package security

import (
	"github.com/beevik/etree"
	"github.com/pkg/errors"
)

// Inspect derives the signed/encrypted state of an already-serialized
// envelope from its security header. Used when a message arrives from
// the wire and no strategy has touched it yet.
func Inspect(envelope []byte) (signed, encrypted bool, err error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(envelope); err != nil {
		return false, false, errors.Wrap(err, "parsing envelope")
	}
	root := doc.Root()
	if root == nil {
		return false, false, errors.New("envelope has no root element")
	}
	header := findLocal(root, "Header")
	if header == nil {
		return false, false, nil
	}
	sec := findLocal(header, "Security")
	if sec == nil {
		return false, false, nil
	}
	signed = findLocal(sec, "Signature") != nil
	encrypted = findLocal(sec, "EncryptedKey") != nil ||
		findLocal(sec, "EncryptedData") != nil
	return signed, encrypted, nil
}
