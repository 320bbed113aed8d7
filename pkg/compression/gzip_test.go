package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoergVierling/eessi-as4.net/pkg/faults"
	"github.com/JoergVierling/eessi-as4.net/pkg/message"
)

func TestCompressAttachment_RoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("<invoice>data</invoice>"), 100)
	att := message.NewAttachment("payload-1", "application/xml", payload)

	c := NewCompressor()
	require.NoError(t, c.CompressAttachment(att))

	assert.Equal(t, GzipContentType, att.ContentType)
	assert.Equal(t, GzipContentType, att.Properties[PropCompressionType])
	assert.Equal(t, "application/xml", att.Properties[PropMimeType])
	assert.Less(t, att.Len(), len(payload))

	require.NoError(t, c.DecompressAttachment(att))
	assert.Equal(t, "application/xml", att.ContentType)
	assert.Equal(t, payload, att.Bytes())
	assert.Empty(t, att.Properties[PropCompressionType])
}

func TestCompressAttachment_SkipsCompressedTypes(t *testing.T) {
	att := message.NewAttachment("img-1", "image/png", []byte{0x89, 0x50, 0x4e, 0x47})

	require.NoError(t, NewCompressor().CompressAttachment(att))
	assert.Equal(t, "image/png", att.ContentType)
	assert.Empty(t, att.Properties[PropCompressionType])
}

func TestDecompressAttachment_PassesThroughUncompressed(t *testing.T) {
	att := message.NewAttachment("payload-1", "application/xml", []byte("<x/>"))

	require.NoError(t, NewCompressor().DecompressAttachment(att))
	assert.Equal(t, []byte("<x/>"), att.Bytes())
}

func TestDecompressAttachment_BrokenStreamIsProtocolError(t *testing.T) {
	att := message.NewAttachment("payload-1", GzipContentType, []byte("not gzip"))
	att.Properties[PropCompressionType] = GzipContentType
	att.Properties[PropMimeType] = "application/xml"

	err := NewCompressor().DecompressAttachment(att)
	require.Error(t, err)
	pe, ok := faults.AsProtocol(err)
	require.True(t, ok)
	assert.Equal(t, message.CodeDecompressionFailure, pe.Code)
}

func TestDecompressAttachment_MissingMimeTypeIsProtocolError(t *testing.T) {
	att := message.NewAttachment("payload-1", GzipContentType, []byte{})
	att.Properties[PropCompressionType] = GzipContentType

	err := NewCompressor().DecompressAttachment(att)
	require.Error(t, err)
	assert.True(t, faults.IsProtocol(err))
}
