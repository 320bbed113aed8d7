// Package compression implements AS4 GZIP payload compression.
//
// Compressed attachments carry their original content type in the
// CompressionType/MimeType part properties so the receiving MSH can
// restore them; decompression fails with a protocol error when the
// properties or the gzip stream are broken.
package compression

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/pkg/errors"

	"github.com/JoergVierling/eessi-as4.net/pkg/faults"
	"github.com/JoergVierling/eessi-as4.net/pkg/message"
)

const (
	// GzipContentType is the content type of compressed parts.
	GzipContentType = "application/gzip"

	// PropCompressionType marks a part as compressed.
	PropCompressionType = "CompressionType"
	// PropMimeType preserves the original content type of a compressed
	// part.
	PropMimeType = "MimeType"
)

// Compressor compresses and restores message attachments.
type Compressor struct {
	level int
}

// NewCompressor uses the default gzip level.
func NewCompressor() *Compressor {
	return &Compressor{level: gzip.DefaultCompression}
}

// NewCompressorWithLevel uses an explicit gzip level.
func NewCompressorWithLevel(level int) *Compressor {
	return &Compressor{level: level}
}

// CompressAttachment gzips the attachment in place and stamps the part
// properties that let the peer restore it. Already-compressed content
// types are left alone.
func (c *Compressor) CompressAttachment(att *message.Attachment) error {
	if !ShouldCompress(att.ContentType) {
		return nil
	}

	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return errors.Wrap(err, "creating gzip writer")
	}
	if _, err := w.Write(att.Bytes()); err != nil {
		w.Close()
		return errors.Wrap(err, "compressing attachment")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "flushing gzip stream")
	}

	att.Properties[PropCompressionType] = GzipContentType
	att.Properties[PropMimeType] = att.ContentType
	att.Replace(GzipContentType, buf.Bytes())
	return nil
}

// DecompressAttachment restores a compressed attachment in place. Parts
// without the CompressionType property pass through untouched.
func (c *Compressor) DecompressAttachment(att *message.Attachment) error {
	if att.Properties[PropCompressionType] != GzipContentType {
		return nil
	}
	original := att.Properties[PropMimeType]
	if original == "" {
		return faults.Protocol(message.CodeDecompressionFailure,
			"compressed part "+att.ContentID+" misses the MimeType property")
	}

	r, err := gzip.NewReader(att.Reader())
	if err != nil {
		return faults.ProtocolWrap(message.CodeDecompressionFailure,
			"part "+att.ContentID+" is not a gzip stream", err)
	}
	defer r.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return faults.ProtocolWrap(message.CodeDecompressionFailure,
			"decompressing part "+att.ContentID, err)
	}

	delete(att.Properties, PropCompressionType)
	delete(att.Properties, PropMimeType)
	att.Replace(original, buf.Bytes())
	return nil
}

// ShouldCompress filters content types that are already compressed.
func ShouldCompress(contentType string) bool {
	switch contentType {
	case "application/gzip", "application/x-gzip", "application/zip",
		"image/jpeg", "image/png", "video/mp4", "audio/mp3":
		return false
	}
	return true
}
