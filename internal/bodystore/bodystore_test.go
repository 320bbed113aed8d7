package bodystore

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_RoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	location, err := s.SaveMessageStream(ctx, strings.NewReader("<Envelope/>"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(location, "file:///"))

	body, err := s.LoadMessageBody(ctx, location)
	require.NoError(t, err)
	assert.Equal(t, "<Envelope/>", string(body))
}

func TestFileStore_DeleteIsIdempotent(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	location, err := s.SaveMessageStream(ctx, strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, location))
	require.NoError(t, s.Delete(ctx, location))

	_, err = s.LoadMessageBody(ctx, location)
	assert.Error(t, err)
}

func TestFileStore_RejectsForeignLocations(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.LoadMessageBody(context.Background(), "gridfs:///abc")
	assert.Error(t, err)

	_, err = s.LoadMessageBody(context.Background(), "file:///../etc/passwd")
	assert.Error(t, err)
}
