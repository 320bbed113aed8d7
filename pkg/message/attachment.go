package message

import (
	"bytes"
	"io"
)

// Attachment is a payload part carried alongside the SOAP envelope in the
// MIME package. Content is buffered; the ContentID links the attachment to
// a PartInfo href (cid:...) in the user message.
type Attachment struct {
	ContentID   string
	ContentType string
	Properties  map[string]string

	data []byte
}

// NewAttachment creates an attachment with buffered content.
func NewAttachment(contentID, contentType string, data []byte) *Attachment {
	return &Attachment{
		ContentID:   contentID,
		ContentType: contentType,
		Properties:  make(map[string]string),
		data:        data,
	}
}

// Bytes returns the attachment content.
func (a *Attachment) Bytes() []byte { return a.data }

// Reader returns a fresh reader over the attachment content.
func (a *Attachment) Reader() io.Reader { return bytes.NewReader(a.data) }

// Len returns the content length in bytes.
func (a *Attachment) Len() int { return len(a.data) }

// Replace swaps the attachment content and content type, keeping the
// ContentID stable. Used by compression and encryption.
func (a *Attachment) Replace(contentType string, data []byte) {
	a.ContentType = contentType
	a.data = data
}

// Matches reports whether the attachment answers the given PartInfo href.
// Hrefs use the cid: scheme.
func (a *Attachment) Matches(href string) bool {
	if len(href) > 4 && href[:4] == "cid:" {
		href = href[4:]
	}
	return a.ContentID == href
}
