// Package mime packages AS4 messages for the wire: a bare SOAP envelope
// when there are no payloads, a multipart/related MIME package with the
// envelope as root part otherwise.
package mime

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/JoergVierling/eessi-as4.net/pkg/message"
)

const (
	// ContentTypeMultipartRelated is the package content type with
	// attachments.
	ContentTypeMultipartRelated = "multipart/related"
	// ContentTypeSOAPXML is the plain envelope content type.
	ContentTypeSOAPXML = "application/soap+xml"
)

// Serialize renders the message and returns the body plus the exact
// Content-Type header value to send.
func Serialize(msg *message.AS4Message) ([]byte, string, error) {
	envelope, err := msg.Serialize()
	if err != nil {
		return nil, "", errors.Wrap(err, "serializing envelope")
	}
	return SerializeRaw(envelope, msg.Attachments)
}

// SerializeRaw packages an already rendered envelope, byte for byte, with
// the given attachments. Used after security processing: a signed envelope
// must reach the wire exactly as it was signed.
func SerializeRaw(envelope []byte, attachments []*message.Attachment) ([]byte, string, error) {
	if len(attachments) == 0 {
		return envelope, ContentTypeSOAPXML + "; charset=utf-8", nil
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	startID := fmt.Sprintf("<%s>", uuid.New().String())
	rootHeader := textproto.MIMEHeader{}
	rootHeader.Set("Content-Type", ContentTypeSOAPXML+"; charset=UTF-8")
	rootHeader.Set("Content-Transfer-Encoding", "8bit")
	rootHeader.Set("Content-ID", startID)
	root, err := writer.CreatePart(rootHeader)
	if err != nil {
		return nil, "", errors.Wrap(err, "creating envelope part")
	}
	if _, err := root.Write(envelope); err != nil {
		return nil, "", errors.Wrap(err, "writing envelope part")
	}

	for _, att := range attachments {
		header := textproto.MIMEHeader{}
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header.Set("Content-Type", contentType)
		header.Set("Content-Transfer-Encoding", "binary")
		header.Set("Content-ID", bracketContentID(att.ContentID))

		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, "", errors.Wrapf(err, "creating part %s", att.ContentID)
		}
		if _, err := part.Write(att.Bytes()); err != nil {
			return nil, "", errors.Wrapf(err, "writing part %s", att.ContentID)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", errors.Wrap(err, "closing multipart writer")
	}

	contentType := mime.FormatMediaType(ContentTypeMultipartRelated, map[string]string{
		"boundary": writer.Boundary(),
		"type":     ContentTypeSOAPXML,
		"start":    trimContentID(startID),
	})
	return buf.Bytes(), contentType, nil
}

// Parse reads a wire message, either a plain SOAP envelope or a
// multipart/related package, into the message model.
func Parse(r io.Reader, contentType string) (*message.AS4Message, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, errors.Wrap(err, "parsing content type")
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrap(err, "reading envelope body")
		}
		return message.ParseEnvelope(data)
	}

	boundary := params["boundary"]
	if boundary == "" {
		return nil, errors.New("multipart message without boundary")
	}
	startID := params["start"]

	var msg *message.AS4Message
	var attachments []*message.Attachment

	reader := multipart.NewReader(r, boundary)
	first := true
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading MIME part")
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return nil, errors.Wrap(err, "reading MIME part body")
		}

		contentID := part.Header.Get("Content-ID")
		isRoot := first
		if !first && startID != "" && contentID != "" {
			isRoot = trimContentID(startID) == trimContentID(contentID)
		}

		if isRoot {
			parsed, err := message.ParseEnvelope(data)
			if err != nil {
				return nil, errors.Wrap(err, "parsing envelope part")
			}
			msg = parsed
			first = false
			continue
		}
		attachments = append(attachments, message.NewAttachment(
			trimContentID(contentID), part.Header.Get("Content-Type"), data))
		first = false
	}

	if msg == nil {
		return nil, errors.New("multipart message without envelope part")
	}
	for _, att := range attachments {
		msg.AddAttachment(att)
	}
	return msg, nil
}

// IsAS4ContentType reports whether the inbound surface accepts this
// content type.
func IsAS4ContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == ContentTypeSOAPXML || mediaType == ContentTypeMultipartRelated
}

func bracketContentID(id string) string {
	if strings.HasPrefix(id, "<") {
		return id
	}
	return "<" + id + ">"
}

// trimContentID strips cid: prefixes and angle brackets for comparison.
func trimContentID(id string) string {
	id = strings.TrimPrefix(id, "cid:")
	id = strings.TrimPrefix(id, "<")
	return strings.TrimSuffix(id, ">")
}
